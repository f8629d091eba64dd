package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/settlement/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertPaidOrder(ctx context.Context, db *gorm.DB, order *domain.PaidOrder) (bool, error) {
	return pkgdb.InsertIfAbsent(ctx, db, order, "order_session_id")
}

func (r *repo) FindPaidOrder(ctx context.Context, db *gorm.DB, orderSessionID snowflake.ID) (*domain.PaidOrder, error) {
	var item domain.PaidOrder
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, order_session_id, webhook_event_id, provider,
			provider_reference, amount_minor, currency, points_earned, staff_notified_at,
			customer_notified_at, created_at, updated_at
		 FROM paid_orders
		 WHERE order_session_id = ?
		 LIMIT 1`,
		orderSessionID,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkPointsEarned(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE paid_orders
		 SET points_earned = ?, updated_at = ?
		 WHERE id = ? AND points_earned = ?`,
		true,
		now,
		id,
		false,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ClaimNotification(ctx context.Context, db *gorm.DB, id snowflake.ID, kind domain.NotificationKind, now time.Time) (bool, error) {
	column, err := notificationColumn(kind)
	if err != nil {
		return false, err
	}
	res := db.WithContext(ctx).Exec(
		`UPDATE paid_orders
		 SET `+column+` = ?, updated_at = ?
		 WHERE id = ? AND `+column+` IS NULL`,
		now,
		now,
		id,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ReleaseNotification(ctx context.Context, db *gorm.DB, id snowflake.ID, kind domain.NotificationKind) error {
	column, err := notificationColumn(kind)
	if err != nil {
		return err
	}
	return db.WithContext(ctx).Exec(
		`UPDATE paid_orders
		 SET `+column+` = NULL
		 WHERE id = ?`,
		id,
	).Error
}

func notificationColumn(kind domain.NotificationKind) (string, error) {
	switch kind {
	case domain.NotificationStaff:
		return "staff_notified_at", nil
	case domain.NotificationCustomer:
		return "customer_notified_at", nil
	default:
		return "", fmt.Errorf("unknown notification kind %q", kind)
	}
}
