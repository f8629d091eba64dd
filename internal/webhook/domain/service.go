package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/gorm"
)

// Enqueuer hands accepted events to the settlement workers.
type Enqueuer interface {
	Enqueue(eventID snowflake.ID)
}

type Service interface {
	HandleCallback(ctx context.Context, provider, webhookKey string, in Inbound) (*IntakeResult, error)
	// RetryFailedEvent lets an operator reset a failed event of the tenant.
	RetryFailedEvent(ctx context.Context, tenantID, eventID snowflake.ID) (*Event, error)
	GetEvent(ctx context.Context, tenantID, eventID snowflake.ID) (*Event, error)
}

type FailureUpdate struct {
	Reason      string
	NextRetryAt *time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, event *Event) (bool, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Event, error)
	FindByFingerprint(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, fingerprint string) (*Event, error)
	// ResetFailed moves a failed event back to received with a fresh payload.
	// An event whose lease is still held by a worker is left alone.
	ResetFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, payload []byte, now time.Time) (bool, error)
	// ClaimLease takes the processing lease and counts the attempt.
	ClaimLease(ctx context.Context, db *gorm.DB, id snowflake.ID, now, until time.Time) (bool, error)
	MarkDone(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, now time.Time) error
	MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, update FailureUpdate, now time.Time) error
	ListDue(ctx context.Context, db *gorm.DB, now, receivedBefore time.Time, limit int) ([]snowflake.ID, error)
}
