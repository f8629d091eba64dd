package repository

import (
	"context"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/ordersession/domain"
	"gorm.io/gorm"
)

const sessionColumns = `id, tenant_id, guild_id, ticket_channel_id, staff_user_id, customer_user_id,
	product_id, variant_id, line_items, currency, coupon_code, coupon_discount_minor,
	customer_email, customer_email_fingerprint, points_reserved, points_discount_minor,
	points_reservation_state, point_value_minor_snapshot, earn_categories_snapshot,
	redeem_categories_snapshot, points_earn_snapshot, referral_reward_minor_snapshot,
	tip_minor, subtotal_minor, total_minor, answers, checkout_token, checkout_expires_at,
	status, paid_at, cancelled_at, created_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, session *domain.OrderSession) error {
	return db.WithContext(ctx).Create(session).Error
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.OrderSession, error) {
	var item domain.OrderSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM order_sessions
		 WHERE id = ?
		 LIMIT 1`,
		id,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) FindLatestPending(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, guildID, channelID string) (*domain.OrderSession, error) {
	var item domain.OrderSession
	err := db.WithContext(ctx).Raw(
		`SELECT `+sessionColumns+`
		 FROM order_sessions
		 WHERE tenant_id = ? AND guild_id = ? AND ticket_channel_id = ? AND status = ?
		 ORDER BY created_at DESC, id DESC
		 LIMIT 1`,
		tenantID,
		guildID,
		channelID,
		domain.StatusPendingPayment,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) TransitionReservation(ctx context.Context, db *gorm.DB, t domain.ReservationTransition) (bool, error) {
	set := []string{"points_reservation_state = ?", "updated_at = ?"}
	args := []any{t.To, t.Now}
	if t.Repricing != nil {
		set = append(set,
			"points_reserved = ?",
			"points_discount_minor = ?",
			"points_earn_snapshot = ?",
			"total_minor = ?",
		)
		args = append(args,
			t.Repricing.PointsReserved,
			t.Repricing.PointsDiscountMinor,
			t.Repricing.PointsEarnSnapshot,
			t.Repricing.TotalMinor,
		)
	}

	where := []string{"id = ?", "points_reservation_state = ?"}
	args = append(args, t.SessionID, t.From)
	if len(t.RequireStatus) > 0 {
		where = append(where, "status IN ?")
		args = append(args, t.RequireStatus)
	}
	if t.ExpiresBefore != nil {
		where = append(where, "checkout_expires_at < ?")
		args = append(args, *t.ExpiresBefore)
	}

	res := db.WithContext(ctx).Exec(
		`UPDATE order_sessions SET `+strings.Join(set, ", ")+` WHERE `+strings.Join(where, " AND "),
		args...,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkCancelled(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_sessions
		 SET status = ?, cancelled_at = ?, updated_at = ?
		 WHERE id = ? AND status = ?`,
		domain.StatusCancelled,
		now,
		now,
		id,
		domain.StatusPendingPayment,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkPaid(ctx context.Context, db *gorm.DB, id snowflake.ID, paidAt time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE order_sessions
		 SET status = ?, paid_at = ?, updated_at = ?
		 WHERE id = ? AND status IN ?`,
		domain.StatusPaid,
		paidAt,
		paidAt,
		id,
		[]domain.Status{domain.StatusPendingPayment, domain.StatusCancelled},
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ListExpiredReserved(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM order_sessions
		 WHERE status = ? AND points_reservation_state = ? AND checkout_expires_at < ?
		 ORDER BY checkout_expires_at ASC, id ASC
		 LIMIT ?`,
		domain.StatusPendingPayment,
		domain.ReservationReserved,
		now,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
