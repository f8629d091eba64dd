package service

import (
	"context"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/observability/metrics"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	"github.com/smallbiznis/orderledger/internal/referral/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB      *gorm.DB
	Log     *zap.Logger
	GenID   *snowflake.Node
	Repo    domain.Repository
	Points  pointsdomain.Service
	Clock   clock.Clock
	Metrics *metrics.Metrics `optional:"true"`
}

type Service struct {
	db      *gorm.DB
	log     *zap.Logger
	genID   *snowflake.Node
	repo    domain.Repository
	points  pointsdomain.Service
	clock   clock.Clock
	metrics *metrics.Metrics
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Service{
		db:      p.DB,
		log:     p.Log.Named("referral.service"),
		genID:   p.GenID,
		repo:    p.Repo,
		points:  p.Points,
		clock:   clk,
		metrics: p.Metrics,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) CreateClaimFirstWins(ctx context.Context, req domain.CreateClaimRequest) (*domain.ClaimResult, error) {
	guildID := strings.TrimSpace(req.GuildID)
	referrerID := strings.TrimSpace(req.ReferrerUserID)
	referrer := pointsdomain.NormalizeEmail(req.ReferrerEmail)
	referred := pointsdomain.NormalizeEmail(req.ReferredEmail)
	if req.TenantID == 0 || guildID == "" || referrerID == "" {
		return nil, domain.ErrInvalidClaim
	}
	if !validEmail(referrer) || !validEmail(referred) {
		return nil, domain.ErrInvalidClaim
	}
	if referrer == referred {
		return &domain.ClaimResult{Outcome: domain.ClaimSelfBlocked}, nil
	}

	claim := &domain.Claim{
		ID:             s.genID.Generate(),
		TenantID:       req.TenantID,
		GuildID:        guildID,
		ReferredEmail:  referred,
		ReferrerUserID: referrerID,
		ReferrerEmail:  referrer,
		Status:         domain.ClaimActive,
		CreatedAt:      s.clock.Now(),
	}
	inserted, err := s.repo.InsertClaim(ctx, s.db, claim)
	if err != nil {
		return nil, err
	}
	if inserted {
		return &domain.ClaimResult{Outcome: domain.ClaimCreated, Claim: claim}, nil
	}

	existing, err := s.repo.FindClaim(ctx, s.db, req.TenantID, guildID, referred)
	if err != nil {
		return nil, err
	}
	return &domain.ClaimResult{Outcome: domain.ClaimDuplicate, Claim: existing}, nil
}

func (s *Service) GetClaim(ctx context.Context, tenantID snowflake.ID, guildID, referredEmail string) (*domain.Claim, error) {
	return s.repo.FindClaim(ctx, s.db, tenantID, strings.TrimSpace(guildID), pointsdomain.NormalizeEmail(referredEmail))
}

func (s *Service) ProcessPaidOrderReward(ctx context.Context, req domain.RewardRequest) (*domain.RewardResult, error) {
	guildID := strings.TrimSpace(req.GuildID)
	referred := pointsdomain.NormalizeEmail(req.ReferredEmail)
	if req.TenantID == 0 || guildID == "" || referred == "" || req.OrderSessionID == 0 {
		return nil, domain.ErrInvalidRequest
	}

	var out *domain.RewardResult
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		gate := &domain.FirstPaidGate{
			ID:                      s.genID.Generate(),
			TenantID:                req.TenantID,
			GuildID:                 guildID,
			ReferredEmail:           referred,
			OrderSessionID:          req.OrderSessionID,
			Outcome:                 domain.GatePending,
			RewardMinorSnapshot:     req.RewardMinorSnapshot,
			PointValueMinorSnapshot: req.PointValueMinorSnapshot,
			CreatedAt:               s.clock.Now(),
		}
		won, err := s.repo.InsertGate(ctx, tx, gate)
		if err != nil {
			return err
		}
		if !won {
			out, err = s.replayOrSkip(ctx, tx, req, guildID, referred)
			return err
		}

		claim, err := s.repo.FindClaim(ctx, tx, req.TenantID, guildID, referred)
		if err != nil {
			return err
		}
		if claim == nil || claim.Status != domain.ClaimActive {
			gate.Outcome = domain.GateNoClaim
			out = &domain.RewardResult{Outcome: domain.RewardNoClaim, ReferredEmail: referred}
			return s.repo.UpdateGateOutcome(ctx, tx, gate)
		}

		claimID := claim.ID
		gate.ClaimID = &claimID
		if claim.ReferrerEmail == referred {
			gate.Outcome = domain.GateSelfBlocked
			out = &domain.RewardResult{Outcome: domain.RewardSelfBlocked, Claim: claim, ReferredEmail: referred}
			return s.repo.UpdateGateOutcome(ctx, tx, gate)
		}

		points := RewardPoints(req.RewardMinorSnapshot, req.PointValueMinorSnapshot)
		if points > 0 {
			sessionID := req.OrderSessionID
			if _, err := s.points.WithTx(tx).AddPoints(ctx, pointsdomain.AdjustRequest{
				Key:            pointsdomain.NewAccountKey(req.TenantID, guildID, claim.ReferrerEmail),
				Points:         points,
				EventType:      pointsdomain.EventReferralReward,
				OrderSessionID: &sessionID,
				Metadata: map[string]any{
					"referred_email": referred,
					"claim_id":       claim.ID.String(),
					"reward_minor":   req.RewardMinorSnapshot,
				},
			}); err != nil {
				return err
			}
		}

		now := s.clock.Now()
		marked, err := s.repo.MarkClaimRewarded(ctx, tx, claim.ID, req.OrderSessionID, points, now)
		if err != nil {
			return err
		}
		if !marked {
			s.log.Warn("referral claim left unmarked after reward",
				zap.String("claim_id", claim.ID.String()),
				zap.String("order_session_id", req.OrderSessionID.String()),
				zap.Int64("reward_points", points),
			)
		}
		claim.Status = domain.ClaimRewarded
		claim.RewardPoints = points
		claim.RewardOrderSessionID = &req.OrderSessionID
		claim.RewardedAt = &now

		gate.RewardPoints = points
		gate.RewardApplied = points > 0
		gate.Outcome = domain.GateApplied
		outcome := domain.RewardApplied
		if points == 0 {
			gate.Outcome = domain.GateZeroReward
			outcome = domain.RewardZero
		}
		out = &domain.RewardResult{
			Outcome:       outcome,
			Claim:         claim,
			RewardPoints:  points,
			RewardMinor:   req.RewardMinorSnapshot,
			ReferredEmail: referred,
		}
		return s.repo.UpdateGateOutcome(ctx, tx, gate)
	})
	if err != nil {
		return nil, err
	}

	s.metrics.RecordReferralOutcome(ctx, string(out.Outcome))
	s.log.Info("referral gate evaluated",
		zap.String("order_session_id", req.OrderSessionID.String()),
		zap.String("outcome", string(out.Outcome)),
		zap.Int64("reward_points", out.RewardPoints),
		zap.Bool("replayed", out.Replayed),
	)
	return out, nil
}

// replayOrSkip handles a lost gate insert. The same order session gets its
// recorded outcome back; any other order is not the first paid one.
func (s *Service) replayOrSkip(ctx context.Context, tx *gorm.DB, req domain.RewardRequest, guildID, referred string) (*domain.RewardResult, error) {
	existing, err := s.repo.FindGate(ctx, tx, req.TenantID, guildID, referred)
	if err != nil {
		return nil, err
	}
	if existing == nil || existing.OrderSessionID != req.OrderSessionID {
		return &domain.RewardResult{Outcome: domain.RewardNotFirstPaid, ReferredEmail: referred}, nil
	}

	result := &domain.RewardResult{
		Outcome:       gateToReward(existing.Outcome),
		RewardPoints:  existing.RewardPoints,
		RewardMinor:   existing.RewardMinorSnapshot,
		ReferredEmail: referred,
		Replayed:      true,
	}
	if existing.ClaimID != nil {
		claim, err := s.repo.FindClaim(ctx, tx, req.TenantID, guildID, referred)
		if err != nil {
			return nil, err
		}
		result.Claim = claim
	}
	return result, nil
}

// RewardPoints converts a reward amount into whole points, rounding down.
func RewardPoints(rewardMinor, pointValueMinor int64) int64 {
	if rewardMinor <= 0 {
		return 0
	}
	if pointValueMinor < 1 {
		pointValueMinor = 1
	}
	return rewardMinor / pointValueMinor
}

func gateToReward(outcome domain.GateOutcome) domain.RewardOutcome {
	switch outcome {
	case domain.GateApplied:
		return domain.RewardApplied
	case domain.GateNoClaim:
		return domain.RewardNoClaim
	case domain.GateSelfBlocked:
		return domain.RewardSelfBlocked
	case domain.GateZeroReward:
		return domain.RewardZero
	default:
		return domain.RewardNotApplicable
	}
}

func validEmail(email string) bool {
	at := strings.IndexByte(email, '@')
	return at > 0 && at < len(email)-1
}
