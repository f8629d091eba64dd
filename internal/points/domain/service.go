package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

type ReserveRequest struct {
	Key            AccountKey
	Points         int64
	OrderSessionID *snowflake.ID
}

type ReleaseRequest struct {
	Key            AccountKey
	Points         int64
	OrderSessionID *snowflake.ID
	Reason         string
}

type ConsumeRequest struct {
	Key            AccountKey
	Points         int64
	OrderSessionID *snowflake.ID
}

type AdjustRequest struct {
	Key            AccountKey
	Points         int64
	EventType      EventType
	OrderSessionID *snowflake.ID
	Metadata       map[string]any
}

type ListLedgerRequest struct {
	Key       AccountKey
	PageToken string
	PageSize  int
}

type LedgerPage struct {
	Entries       []LedgerEntry
	NextPageToken string
	HasMore       bool
}

type Service interface {
	// WithTx binds the service to an outer transaction.
	WithTx(tx *gorm.DB) Service

	GetAccount(ctx context.Context, key AccountKey) (*Account, error)
	ReservePoints(ctx context.Context, req ReserveRequest) (*Account, error)
	ReleaseReservedPoints(ctx context.Context, req ReleaseRequest) (*Adjustment, error)
	ConsumeReservedPoints(ctx context.Context, req ConsumeRequest) (*Adjustment, error)
	AddPoints(ctx context.Context, req AdjustRequest) (*Adjustment, error)
	RemovePoints(ctx context.Context, req AdjustRequest) (*Adjustment, error)
	ListLedger(ctx context.Context, req ListLedgerRequest) (*LedgerPage, error)
	RebuildAccount(ctx context.Context, key AccountKey) (*Projection, error)
}

type Repository interface {
	FindAccount(ctx context.Context, db *gorm.DB, key AccountKey) (*Account, error)
	InsertAccount(ctx context.Context, db *gorm.DB, account *Account) (bool, error)
	// TryReserve increments reserved points only while balance - reserved covers them.
	TryReserve(ctx context.Context, db *gorm.DB, accountID snowflake.ID, points int64, now time.Time) (bool, error)
	// CompareAndSet applies deltas only if the account still matches expected.
	CompareAndSet(ctx context.Context, db *gorm.DB, expected Account, balanceDelta, reservedDelta int64, now time.Time) (bool, error)
	IncrementBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, points int64, now time.Time) error
	InsertEntry(ctx context.Context, db *gorm.DB, entry *LedgerEntry) error
	ListEntries(ctx context.Context, db *gorm.DB, key AccountKey, afterID snowflake.ID, limit int) ([]LedgerEntry, error)
	SumEntries(ctx context.Context, db *gorm.DB, key AccountKey) (*Projection, error)
}
