package repository

import (
	"context"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/referral/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"gorm.io/gorm"
)

type repo struct{}

func Provide() domain.Repository {
	return &repo{}
}

func (r *repo) InsertClaim(ctx context.Context, db *gorm.DB, claim *domain.Claim) (bool, error) {
	return pkgdb.InsertIfAbsent(ctx, db, claim, "tenant_id", "guild_id", "referred_email")
}

func (r *repo) FindClaim(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, guildID, referredEmail string) (*domain.Claim, error) {
	var item domain.Claim
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, referred_email, referrer_user_id, referrer_email,
			status, reward_order_session_id, reward_points, created_at, rewarded_at
		 FROM referral_claims
		 WHERE tenant_id = ? AND guild_id = ? AND referred_email = ?
		 LIMIT 1`,
		tenantID,
		guildID,
		referredEmail,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) MarkClaimRewarded(ctx context.Context, db *gorm.DB, claimID, sessionID snowflake.ID, points int64, now time.Time) (bool, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE referral_claims
		 SET status = ?, reward_order_session_id = ?, reward_points = ?, rewarded_at = ?
		 WHERE id = ? AND status = ?`,
		domain.ClaimRewarded,
		sessionID,
		points,
		now,
		claimID,
		domain.ClaimActive,
	)
	if res.Error != nil {
		return false, res.Error
	}
	return res.RowsAffected == 1, nil
}

func (r *repo) InsertGate(ctx context.Context, db *gorm.DB, gate *domain.FirstPaidGate) (bool, error) {
	return pkgdb.InsertIfAbsent(ctx, db, gate, "tenant_id", "guild_id", "referred_email")
}

func (r *repo) FindGate(ctx context.Context, db *gorm.DB, tenantID snowflake.ID, guildID, referredEmail string) (*domain.FirstPaidGate, error) {
	var item domain.FirstPaidGate
	err := db.WithContext(ctx).Raw(
		`SELECT id, tenant_id, guild_id, referred_email, order_session_id, claim_id, outcome,
			reward_applied, reward_points, reward_minor_snapshot, point_value_minor_snapshot, created_at
		 FROM referral_first_paid_orders
		 WHERE tenant_id = ? AND guild_id = ? AND referred_email = ?
		 LIMIT 1`,
		tenantID,
		guildID,
		referredEmail,
	).Scan(&item).Error
	if err != nil {
		return nil, err
	}
	if item.ID == 0 {
		return nil, nil
	}
	return &item, nil
}

func (r *repo) UpdateGateOutcome(ctx context.Context, db *gorm.DB, gate *domain.FirstPaidGate) error {
	return db.WithContext(ctx).Exec(
		`UPDATE referral_first_paid_orders
		 SET claim_id = ?, outcome = ?, reward_applied = ?, reward_points = ?
		 WHERE id = ?`,
		gate.ClaimID,
		gate.Outcome,
		gate.RewardApplied,
		gate.RewardPoints,
		gate.ID,
	).Error
}
