package domain

import (
	"net/http"
	"net/url"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

type Status string

const (
	StatusReceived  Status = "received"
	StatusProcessed Status = "processed"
	StatusFailed    Status = "failed"
	StatusDuplicate Status = "duplicate"
)

// Event is one provider callback delivery, unique per tenant and fingerprint.
type Event struct {
	ID             snowflake.ID   `json:"id" gorm:"primaryKey"`
	TenantID       snowflake.ID   `json:"tenant_id" gorm:"not null;uniqueIndex:ux_webhook_events_fingerprint,priority:1"`
	GuildID        string         `json:"guild_id" gorm:"size:191;not null"`
	IntegrationID  snowflake.ID   `json:"integration_id" gorm:"not null"`
	Provider       string         `json:"provider" gorm:"size:191;not null"`
	Topic          string         `json:"topic" gorm:"size:191;not null"`
	Fingerprint    string         `json:"fingerprint" gorm:"size:191;not null;uniqueIndex:ux_webhook_events_fingerprint,priority:2"`
	SignatureValid bool           `json:"signature_valid" gorm:"not null"`
	Payload        datatypes.JSON `json:"payload" gorm:"not null"`
	Status         Status         `json:"status" gorm:"size:191;not null;index"`
	AttemptCount   int            `json:"attempt_count" gorm:"not null;default:0"`
	FailureReason  string         `json:"failure_reason" gorm:"type:text"`
	NextRetryAt    *time.Time     `json:"next_retry_at" gorm:"index"`
	LockedUntil    *time.Time     `json:"locked_until"`
	ReceivedAt     time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt    *time.Time     `json:"processed_at"`
	UpdatedAt      time.Time      `json:"updated_at" gorm:"not null"`
}

func (Event) TableName() string { return "webhook_events" }

// Inbound is a raw callback as received over HTTP.
type Inbound struct {
	Headers http.Header
	Query   url.Values
	Body    []byte
}

type PaidState string

const (
	PaidStatePaid      PaidState = "paid"
	PaidStateUnpaid    PaidState = "unpaid"
	PaidStateAmbiguous PaidState = "ambiguous"
)

// PaymentSignal is what a provider claims about one payment.
type PaymentSignal struct {
	Provider          string
	State             PaidState
	CorrelationID     string
	ProviderReference string
	AmountMinor       int64
	Currency          string
	Status            string
	// Evidence names the field that decided State.
	Evidence string
}

type IntakeOutcome string

const (
	IntakeAccepted  IntakeOutcome = "accepted"
	IntakeDuplicate IntakeOutcome = "duplicate"
)

type IntakeResult struct {
	Status  IntakeOutcome `json:"status"`
	EventID snowflake.ID  `json:"event_id"`
}
