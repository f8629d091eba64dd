package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

// PaidOrder is the second duplicate guard: one row per paid order session.
type PaidOrder struct {
	ID                 snowflake.ID `json:"id" gorm:"primaryKey"`
	TenantID           snowflake.ID `json:"tenant_id" gorm:"not null;index"`
	GuildID            string       `json:"guild_id" gorm:"size:191;not null"`
	OrderSessionID     snowflake.ID `json:"order_session_id" gorm:"not null;uniqueIndex"`
	WebhookEventID     snowflake.ID `json:"webhook_event_id" gorm:"not null"`
	Provider           string       `json:"provider" gorm:"size:191;not null"`
	ProviderReference  string       `json:"provider_reference" gorm:"size:191"`
	AmountMinor        int64        `json:"amount_minor" gorm:"not null;default:0"`
	Currency           string       `json:"currency" gorm:"size:191"`
	PointsEarned       bool         `json:"points_earned" gorm:"not null;default:false"`
	StaffNotifiedAt    *time.Time   `json:"staff_notified_at"`
	CustomerNotifiedAt *time.Time   `json:"customer_notified_at"`
	CreatedAt          time.Time    `json:"created_at" gorm:"not null"`
	UpdatedAt          time.Time    `json:"updated_at" gorm:"not null"`
}

func (PaidOrder) TableName() string { return "paid_orders" }

type NotificationKind string

const (
	NotificationStaff    NotificationKind = "staff"
	NotificationCustomer NotificationKind = "customer"
)

// Outcome is the terminal result of one settlement attempt.
type Outcome string

const (
	OutcomeProcessed Outcome = "processed"
	// OutcomeNoAction means the callback did not prove payment.
	OutcomeNoAction  Outcome = "no_action"
	OutcomeDuplicate Outcome = "duplicate"
)

type Result struct {
	Outcome        Outcome
	OrderSessionID snowflake.ID
	PointsConsumed int64
	PointsEarned   int64
	Referral       string
	Resumed        bool
}
