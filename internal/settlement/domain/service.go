package domain

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	"gorm.io/gorm"
)

// Processor settles one webhook event. It is safe to call again for the same
// event after a failure; completed steps are skipped.
type Processor interface {
	Process(ctx context.Context, event *webhookdomain.Event) (*Result, error)
}

type Repository interface {
	InsertPaidOrder(ctx context.Context, db *gorm.DB, order *PaidOrder) (bool, error)
	FindPaidOrder(ctx context.Context, db *gorm.DB, orderSessionID snowflake.ID) (*PaidOrder, error)
	// MarkPointsEarned flips the earn flag once and reports whether this call won.
	MarkPointsEarned(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	ClaimNotification(ctx context.Context, db *gorm.DB, id snowflake.ID, kind NotificationKind, now time.Time) (bool, error)
	ReleaseNotification(ctx context.Context, db *gorm.DB, id snowflake.ID, kind NotificationKind) error
}
