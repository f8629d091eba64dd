package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ClaimOutcome string

const (
	ClaimCreated     ClaimOutcome = "created"
	ClaimDuplicate   ClaimOutcome = "duplicate"
	ClaimSelfBlocked ClaimOutcome = "self_blocked"
)

type CreateClaimRequest struct {
	TenantID       snowflake.ID
	GuildID        string
	ReferrerUserID string
	ReferrerEmail  string
	ReferredEmail  string
}

type ClaimResult struct {
	Outcome ClaimOutcome
	Claim   *Claim
}

type RewardOutcome string

const (
	RewardApplied       RewardOutcome = "applied"
	RewardNoClaim       RewardOutcome = "no_claim"
	RewardSelfBlocked   RewardOutcome = "self_blocked"
	RewardZero          RewardOutcome = "zero_reward"
	RewardNotFirstPaid  RewardOutcome = "not_first_paid"
	RewardNotApplicable RewardOutcome = "not_applicable"
)

type RewardRequest struct {
	TenantID                snowflake.ID
	GuildID                 string
	ReferredEmail           string
	OrderSessionID          snowflake.ID
	RewardMinorSnapshot     int64
	PointValueMinorSnapshot int64
}

type RewardResult struct {
	Outcome       RewardOutcome
	Claim         *Claim
	RewardPoints  int64
	RewardMinor   int64
	ReferredEmail string
	// Replayed is set when the gate was already won by the same order session.
	Replayed bool
}

type Service interface {
	WithTx(tx *gorm.DB) Service

	CreateClaimFirstWins(ctx context.Context, req CreateClaimRequest) (*ClaimResult, error)
	GetClaim(ctx context.Context, tenantID snowflake.ID, guildID, referredEmail string) (*Claim, error)
	ProcessPaidOrderReward(ctx context.Context, req RewardRequest) (*RewardResult, error)
}

type Repository interface {
	InsertClaim(ctx context.Context, db *gorm.DB, claim *Claim) (bool, error)
	FindClaim(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, guildID, referredEmail string) (*Claim, error)
	MarkClaimRewarded(ctx context.Context, db *gorm.DB, claimID, sessionID snowflake.ID, points int64, now time.Time) (bool, error)
	InsertGate(ctx context.Context, db *gorm.DB, gate *FirstPaidGate) (bool, error)
	FindGate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, guildID, referredEmail string) (*FirstPaidGate, error)
	UpdateGateOutcome(ctx context.Context, db *gorm.DB, gate *FirstPaidGate) error
}
