package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/points/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) FindAccount(ctx context.Context, db *gorm.DB, key domain.AccountKey) (*domain.Account, error) {
	var item domain.Account
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, email, balance_points, reserved_points, created_at, updated_at
		 FROM points_accounts
		 WHERE tenant_id = ? AND guild_id = ? AND email = ?
		 LIMIT 1`,
		key.TenantID,
		key.GuildID,
		key.Email,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) InsertAccount(ctx context.Context, db *gorm.DB, account *domain.Account) (bool, error) {
	return pkgdb.InsertIfAbsent(ctx, db, account, "tenant_id", "guild_id", "email")
}

func (r *repo) TryReserve(ctx context.Context, db *gorm.DB, accountID snowflake.ID, points int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE points_accounts
		 SET reserved_points = reserved_points + ?, updated_at = ?
		 WHERE id = ? AND balance_points - reserved_points >= ?`,
		points,
		now,
		accountID,
		points,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) CompareAndSet(ctx context.Context, db *gorm.DB, expected domain.Account, balanceDelta, reservedDelta int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE points_accounts
		 SET balance_points = balance_points + ?, reserved_points = reserved_points + ?, updated_at = ?
		 WHERE id = ? AND balance_points = ? AND reserved_points = ?`,
		balanceDelta,
		reservedDelta,
		now,
		expected.ID,
		expected.BalancePoints,
		expected.ReservedPoints,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) IncrementBalance(ctx context.Context, db *gorm.DB, accountID snowflake.ID, points int64, now time.Time) error {
	return db.WithContext(ctx).Exec(
		`UPDATE points_accounts
		 SET balance_points = balance_points + ?, updated_at = ?
		 WHERE id = ?`,
		points,
		now,
		accountID,
	).Error
}

func (r *repo) InsertEntry(ctx context.Context, db *gorm.DB, entry *domain.LedgerEntry) error {
	return db.WithContext(ctx).Exec(
		`INSERT INTO points_ledger_entries (
			id, account_id, tenant_id, guild_id, email, delta_points, reserved_delta,
			event_type, order_session_id, metadata, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID,
		entry.AccountID,
		entry.TenantID,
		entry.GuildID,
		entry.Email,
		entry.DeltaPoints,
		entry.ReservedDelta,
		entry.EventType,
		entry.OrderSessionID,
		entry.Metadata,
		entry.CreatedAt,
	).Error
}

func (r *repo) ListEntries(ctx context.Context, db *gorm.DB, key domain.AccountKey, afterID snowflake.ID, limit int) ([]domain.LedgerEntry, error) {
	var items []domain.LedgerEntry
	err := db.WithContext(ctx).Raw(
		`SELECT id, account_id, tenant_id, guild_id, email, delta_points, reserved_delta,
			event_type, order_session_id, metadata, created_at
		 FROM points_ledger_entries
		 WHERE tenant_id = ? AND guild_id = ? AND email = ? AND id > ?
		 ORDER BY id ASC
		 LIMIT ?`,
		key.TenantID,
		key.GuildID,
		key.Email,
		afterID,
		limit,
	).Scan(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

func (r *repo) SumEntries(ctx context.Context, db *gorm.DB, key domain.AccountKey) (*domain.Projection, error) {
	var row struct {
		BalancePoints  int64
		ReservedPoints int64
		Entries        int
	}
	err := db.WithContext(ctx).Raw(
		`SELECT COALESCE(SUM(delta_points), 0) AS balance_points,
			COALESCE(SUM(reserved_delta), 0) AS reserved_points,
			COUNT(*) AS entries
		 FROM points_ledger_entries
		 WHERE tenant_id = ? AND guild_id = ? AND email = ?`,
		key.TenantID,
		key.GuildID,
		key.Email,
	).Scan(&row).Error
	if err != nil {
		return nil, err
	}
	return &domain.Projection{
		BalancePoints:  row.BalancePoints,
		ReservedPoints: row.ReservedPoints,
		Entries:        row.Entries,
	}, nil
}
