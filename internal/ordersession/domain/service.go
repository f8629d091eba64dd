package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/allocation"
	"gorm.io/gorm"
)

type SaleItem struct {
	ProductID snowflake.ID
	VariantID snowflake.ID
}

type CreateSaleRequest struct {
	TenantID            snowflake.ID
	GuildID             string
	TicketChannelID     string
	StaffUserID         string
	CustomerUserID      string
	CustomerEmail       string
	Items               []SaleItem
	CouponCode          string
	CouponDiscountMinor int64
	TipMinor            int64
	UsePoints           bool
	Answers             map[string]string
}

type CreateSaleResult struct {
	OrderSessionID snowflake.ID
	CheckoutURL    string
	ExpiresAt      time.Time
	Totals         allocation.Totals
}

type CancelRequest struct {
	TenantID        snowflake.ID
	GuildID         string
	TicketChannelID string
}

// TransitionResult reports whether a state change was applied. Changed is
// false when the session was already past the requested transition.
type TransitionResult struct {
	Session       *OrderSession
	Changed       bool
	PointsApplied int64
}

type SweepResult struct {
	Scanned  int
	Released int
	Skipped  int
}

type Service interface {
	WithTx(tx *gorm.DB) Service

	GetSession(ctx context.Context, sessionID snowflake.ID) (*OrderSession, error)
	CreateSaleSessionFromBot(ctx context.Context, req CreateSaleRequest) (*CreateSaleResult, error)
	CancelLatestPendingSession(ctx context.Context, req CancelRequest) (*TransitionResult, error)
	ReservePointsForOrder(ctx context.Context, sessionID snowflake.ID, points int64) (*TransitionResult, error)
	ReleaseReservationForOrderSession(ctx context.Context, sessionID snowflake.ID, reason ReleaseReason) (*TransitionResult, error)
	ConsumeReservationForPaidOrder(ctx context.Context, sessionID snowflake.ID) (*TransitionResult, error)
	MarkPaid(ctx context.Context, sessionID snowflake.ID, paidAt time.Time) (*TransitionResult, error)
	SweepExpiredReservations(ctx context.Context, now time.Time, limit int) (*SweepResult, error)
}

// ReservationTransition is a conditional move between reservation states.
type ReservationTransition struct {
	SessionID     snowflake.ID
	From          ReservationState
	To            ReservationState
	RequireStatus []Status
	ExpiresBefore *time.Time
	// Repricing is applied together with a none to reserved move.
	Repricing *Repricing
	Now       time.Time
}

type Repricing struct {
	PointsReserved      int64
	PointsDiscountMinor int64
	PointsEarnSnapshot  int64
	TotalMinor          int64
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, session *OrderSession) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*OrderSession, error)
	FindLatestPending(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, guildID, channelID string) (*OrderSession, error)
	TransitionReservation(ctx context.Context, db *gorm.DB, t ReservationTransition) (bool, error)
	MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) (bool, error)
	ListExpiredReserved(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error)
}
