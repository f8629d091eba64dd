package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/webhook/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"gorm.io/gorm"
)

const eventColumns = `id, tenant_id, guild_id, integration_id, provider, topic, fingerprint,
	signature_valid, payload, status, attempt_count, failure_reason, next_retry_at,
	locked_until, received_at, processed_at, updated_at`

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) Insert(ctx context.Context, db *gorm.DB, event *domain.Event) (bool, error) {
	return pkgdb.InsertIfAbsent(ctx, db, event, "tenant_id", "fingerprint")
}

func (r *repo) FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM webhook_events
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

func (r *repo) FindByFingerprint(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, fingerprint string) (*domain.Event, error) {
	var item domain.Event
	err := db.WithContext(ctx).Raw(
		`SELECT `+eventColumns+`
		 FROM webhook_events
		 WHERE tenant_id = ? AND fingerprint = ?
		 LIMIT 1`,
		tenantID,
		fingerprint,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) ResetFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, payload []byte, now time.Time) (bool, error) {
	query := `UPDATE webhook_events
		 SET status = ?, signature_valid = ?, attempt_count = 0, failure_reason = '',
			next_retry_at = NULL, locked_until = NULL, updated_at = ?`
	args := []any{domain.StatusReceived, true, now}
	if payload != nil {
		query += `, payload = ?`
		args = append(args, string(payload))
	}
	query += ` WHERE id = ? AND status = ? AND (locked_until IS NULL OR locked_until < ?)`
	args = append(args, id, domain.StatusFailed, now)

	res := db.WithContext(ctx).Exec(query, args...)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) ClaimLease(ctx context.Context, db *gorm.DB, id snowflake.ID, now, until time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET locked_until = ?, attempt_count = attempt_count + 1, updated_at = ?
		 WHERE id = ?
		   AND signature_valid = ?
		   AND (locked_until IS NULL OR locked_until < ?)
		   AND (status = ? OR (status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?))`,
		until,
		now,
		id,
		true,
		now,
		domain.StatusReceived,
		domain.StatusFailed,
		now,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) MarkDone(ctx context.Context, db *gorm.DB, id snowflake.ID, status domain.Status, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, processed_at = ?, failure_reason = '', next_retry_at = NULL,
			locked_until = NULL, updated_at = ?
		 WHERE id = ?`,
		status,
		now,
		now,
		id,
	).Error
}

func (r *repo) MarkFailed(ctx context.Context, db *gorm.DB, id snowflake.ID, update domain.FailureUpdate, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE webhook_events
		 SET status = ?, failure_reason = ?, next_retry_at = ?, locked_until = NULL, updated_at = ?
		 WHERE id = ?`,
		domain.StatusFailed,
		update.Reason,
		update.NextRetryAt,
		now,
		id,
	).Error
}

func (r *repo) ListDue(ctx context.Context, db *gorm.DB, now, receivedBefore time.Time, limit int) ([]snowflake.ID, error) {
	var ids []snowflake.ID
	err := db.WithContext(ctx).Raw(
		`SELECT id
		 FROM webhook_events
		 WHERE signature_valid = ?
		   AND (locked_until IS NULL OR locked_until < ?)
		   AND (
			(status = ? AND next_retry_at IS NOT NULL AND next_retry_at <= ?)
			OR (status = ? AND received_at < ?)
		   )
		 ORDER BY received_at ASC, id ASC
		 LIMIT ?`,
		true,
		now,
		domain.StatusFailed,
		now,
		domain.StatusReceived,
		receivedBefore,
		limit,
	).Scan(&ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
