package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
)

type ClaimStatus string

const (
	ClaimActive   ClaimStatus = "active"
	ClaimRewarded ClaimStatus = "rewarded"
)

// Claim links a referred customer to the member who referred them.
// The first claim per referred email wins.
type Claim struct {
	ID                   snowflake.ID  `json:"id" gorm:"primaryKey"`
	TenantID             snowflake.ID  `json:"tenant_id" gorm:"not null;uniqueIndex:ux_referral_claims_referred,priority:1"`
	GuildID              string        `json:"guild_id" gorm:"size:191;not null;uniqueIndex:ux_referral_claims_referred,priority:2"`
	ReferredEmail        string        `json:"referred_email" gorm:"size:191;not null;uniqueIndex:ux_referral_claims_referred,priority:3"`
	ReferrerUserID       string        `json:"referrer_user_id" gorm:"size:191;not null"`
	ReferrerEmail        string        `json:"referrer_email" gorm:"size:191;not null"`
	Status               ClaimStatus   `json:"status" gorm:"size:191;not null"`
	RewardOrderSessionID *snowflake.ID `json:"reward_order_session_id,omitempty"`
	RewardPoints         int64         `json:"reward_points" gorm:"not null;default:0"`
	CreatedAt            time.Time     `json:"created_at" gorm:"not null"`
	RewardedAt           *time.Time    `json:"rewarded_at,omitempty"`
}

func (Claim) TableName() string { return "referral_claims" }

type GateOutcome string

const (
	GatePending     GateOutcome = "pending"
	GateApplied     GateOutcome = "applied"
	GateNoClaim     GateOutcome = "no_claim"
	GateSelfBlocked GateOutcome = "self_blocked"
	GateZeroReward  GateOutcome = "zero_reward"
)

// FirstPaidGate records the first paid order per referred email.
type FirstPaidGate struct {
	ID                      snowflake.ID  `json:"id" gorm:"primaryKey"`
	TenantID                snowflake.ID  `json:"tenant_id" gorm:"not null;uniqueIndex:ux_referral_first_paid_referred,priority:1"`
	GuildID                 string        `json:"guild_id" gorm:"size:191;not null;uniqueIndex:ux_referral_first_paid_referred,priority:2"`
	ReferredEmail           string        `json:"referred_email" gorm:"size:191;not null;uniqueIndex:ux_referral_first_paid_referred,priority:3"`
	OrderSessionID          snowflake.ID  `json:"order_session_id" gorm:"not null"`
	ClaimID                 *snowflake.ID `json:"claim_id,omitempty"`
	Outcome                 GateOutcome   `json:"outcome" gorm:"size:191;not null"`
	RewardApplied           bool          `json:"reward_applied" gorm:"not null;default:false"`
	RewardPoints            int64         `json:"reward_points" gorm:"not null;default:0"`
	RewardMinorSnapshot     int64         `json:"reward_minor_snapshot" gorm:"not null;default:0"`
	PointValueMinorSnapshot int64         `json:"point_value_minor_snapshot" gorm:"not null;default:0"`
	CreatedAt               time.Time     `json:"created_at" gorm:"not null"`
}

func (FirstPaidGate) TableName() string { return "referral_first_paid_orders" }
