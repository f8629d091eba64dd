package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/oklog/ulid/v2"
	"github.com/smallbiznis/orderledger/internal/allocation"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/ordersession/domain"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const checkoutBaseURLSecret = "checkout_base_url"

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Points     pointsdomain.Service
	Tenants    tenantdomain.Directory
	Clock      clock.Clock
	Cfg        config.Config
	Settlement *config.SettlementConfigHolder `optional:"true"`
}

type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	points     pointsdomain.Service
	tenants    tenantdomain.Directory
	clock      clock.Clock
	cfg        config.Config
	settlement *config.SettlementConfigHolder
}

func NewService(p Params) domain.Service {
	clk := p.Clock
	if clk == nil {
		clk = clock.SystemClock{}
	}
	settlement := p.Settlement
	if settlement == nil {
		settlement = config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("ordersession.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		points:     p.Points,
		tenants:    p.Tenants,
		clock:      clk,
		cfg:        p.Cfg,
		settlement: settlement,
	}
}

func (s *Service) WithTx(tx *gorm.DB) domain.Service {
	clone := *s
	clone.db = tx
	return &clone
}

func (s *Service) GetSession(ctx context.Context, sessionID snowflake.ID) (*domain.OrderSession, error) {
	session, err := s.repo.FindByID(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return session, nil
}

func (s *Service) CreateSaleSessionFromBot(ctx context.Context, req domain.CreateSaleRequest) (*domain.CreateSaleResult, error) {
	guildID := strings.TrimSpace(req.GuildID)
	channelID := strings.TrimSpace(req.TicketChannelID)
	if req.TenantID == 0 || guildID == "" || channelID == "" {
		return nil, domain.ErrInvalidRequest
	}
	email := pointsdomain.NormalizeEmail(req.CustomerEmail)
	if email == "" || !strings.Contains(email, "@") {
		return nil, domain.ErrInvalidEmail
	}
	if len(req.Items) == 0 {
		return nil, domain.ErrEmptyBasket
	}
	if req.CouponDiscountMinor < 0 || req.TipMinor < 0 {
		return nil, domain.ErrInvalidRequest
	}

	guildCfg, err := s.tenants.GetGuildConfig(ctx, req.TenantID, guildID)
	if err != nil {
		return nil, err
	}

	lines, err := s.buildLines(ctx, req.TenantID, guildCfg.Currency, req.Items)
	if err != nil {
		return nil, err
	}

	key := pointsdomain.NewAccountKey(req.TenantID, guildID, email)
	var available int64
	if req.UsePoints {
		account, err := s.points.GetAccount(ctx, key)
		switch {
		case err == nil:
			available = account.Available()
		case errors.Is(err, pointsdomain.ErrAccountNotFound):
		default:
			return nil, err
		}
	}

	earn := guildCfg.EarnCategories()
	redeem := guildCfg.RedeemCategories()
	totals := allocation.CalculatePointsOrderTotals(allocation.TotalsInput{
		Lines:               lines,
		CouponDiscountMinor: req.CouponDiscountMinor,
		TipMinor:            req.TipMinor,
		PointValueMinor:     guildCfg.PointValueMinor,
		RedeemCategories:    redeem,
		EarnCategories:      earn,
		AvailablePoints:     available,
		UsePoints:           req.UsePoints,
	})

	lineItems, err := json.Marshal(lines)
	if err != nil {
		return nil, err
	}
	var answers datatypes.JSON
	if len(req.Answers) > 0 {
		raw, err := json.Marshal(req.Answers)
		if err != nil {
			return nil, err
		}
		answers = datatypes.JSON(raw)
	}

	var referralReward int64
	referral := guildCfg.ReferralCategories()
	for _, line := range lines {
		if referral.Contains(line.CategoryKey) {
			referralReward = guildCfg.ReferralRewardMinor
			break
		}
	}

	now := s.clock.Now()
	expiresAt := now.Add(s.settlement.Get().CheckoutTTL)
	state := domain.ReservationNone
	if totals.PointsReserved > 0 {
		state = domain.ReservationReserved
	}

	productID, _ := snowflake.ParseString(lines[0].ProductID)
	variantID, _ := snowflake.ParseString(lines[0].VariantID)
	session := &domain.OrderSession{
		ID:                          s.genID.Generate(),
		TenantID:                    req.TenantID,
		GuildID:                     guildID,
		TicketChannelID:             channelID,
		StaffUserID:                 strings.TrimSpace(req.StaffUserID),
		CustomerUserID:              strings.TrimSpace(req.CustomerUserID),
		ProductID:                   productID,
		VariantID:                   variantID,
		LineItems:                   datatypes.JSON(lineItems),
		Currency:                    lines[0].Currency,
		CouponCode:                  strings.TrimSpace(req.CouponCode),
		CouponDiscountMinor:         totals.CouponDiscountMinor,
		CustomerEmail:               email,
		CustomerEmailFingerprint:    domain.EmailFingerprint(email),
		PointsReserved:              totals.PointsReserved,
		PointsDiscountMinor:         totals.PointsDiscountMinor,
		PointsReservationState:      state,
		PointValueMinorSnapshot:     totals.PointValueMinor,
		EarnCategoriesSnapshot:      tenantdomain.EncodeKeys(earn.Keys()...),
		RedeemCategoriesSnapshot:    tenantdomain.EncodeKeys(redeem.Keys()...),
		PointsEarnSnapshot:          totals.PointsEarned,
		ReferralRewardMinorSnapshot: referralReward,
		TipMinor:                    totals.TipMinor,
		SubtotalMinor:               totals.SubtotalMinor,
		TotalMinor:                  totals.TotalMinor,
		Answers:                     answers,
		CheckoutToken:               ulid.Make().String(),
		CheckoutExpiresAt:           expiresAt,
		Status:                      domain.StatusPendingPayment,
		CreatedAt:                   now,
		UpdatedAt:                   now,
	}

	err = pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		if err := s.repo.Insert(ctx, tx, session); err != nil {
			return err
		}
		if session.PointsReserved == 0 {
			return nil
		}
		sessionID := session.ID
		_, err := s.points.WithTx(tx).ReservePoints(ctx, pointsdomain.ReserveRequest{
			Key:            key,
			Points:         session.PointsReserved,
			OrderSessionID: &sessionID,
		})
		return err
	})
	if err != nil {
		return nil, err
	}

	s.log.Info("order session created",
		zap.String("order_session_id", session.ID.String()),
		zap.String("tenant_id", req.TenantID.String()),
		zap.String("guild_id", guildID),
		zap.Int64("points_reserved", session.PointsReserved),
		zap.Int64("total_minor", session.TotalMinor),
	)

	return &domain.CreateSaleResult{
		OrderSessionID: session.ID,
		CheckoutURL:    s.checkoutURL(ctx, req.TenantID, guildID, session.CheckoutToken),
		ExpiresAt:      expiresAt,
		Totals:         totals,
	}, nil
}

func (s *Service) CancelLatestPendingSession(ctx context.Context, req domain.CancelRequest) (*domain.TransitionResult, error) {
	guildID := strings.TrimSpace(req.GuildID)
	channelID := strings.TrimSpace(req.TicketChannelID)
	if req.TenantID == 0 || guildID == "" || channelID == "" {
		return nil, domain.ErrInvalidRequest
	}

	var out *domain.TransitionResult
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		session, err := s.repo.FindLatestPending(ctx, tx, req.TenantID, guildID, channelID)
		if err != nil {
			return err
		}
		if session == nil {
			return domain.ErrNoPendingSession
		}

		now := s.clock.Now()
		changed, err := s.repo.MarkCancelled(ctx, tx, session.ID, now)
		if err != nil {
			return err
		}
		if !changed {
			out = &domain.TransitionResult{Session: session}
			return nil
		}

		released, err := s.release(ctx, tx, session.ID, domain.ReleaseCancelled, nil)
		if err != nil {
			return err
		}
		out = &domain.TransitionResult{Changed: true, PointsApplied: released.PointsApplied}
		out.Session, err = s.repo.FindByID(ctx, tx, session.ID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ReservePointsForOrder(ctx context.Context, sessionID snowflake.ID, points int64) (*domain.TransitionResult, error) {
	if points < 0 {
		return nil, pointsdomain.ErrInvalidPoints
	}

	var out *domain.TransitionResult
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		session, err := s.repo.FindByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return domain.ErrSessionNotFound
		}
		if session.PointsReservationState != domain.ReservationNone || session.Status != domain.StatusPendingPayment || points == 0 {
			out = &domain.TransitionResult{Session: session}
			return nil
		}

		totals := allocation.CalculatePointsOrderTotals(allocation.TotalsInput{
			Lines:               session.Lines(),
			CouponDiscountMinor: session.CouponDiscountMinor,
			TipMinor:            session.TipMinor,
			PointValueMinor:     session.PointValueMinorSnapshot,
			RedeemCategories:    session.RedeemCategories(),
			EarnCategories:      session.EarnCategories(),
			AvailablePoints:     points,
			UsePoints:           true,
		})
		if totals.PointsReserved == 0 {
			out = &domain.TransitionResult{Session: session}
			return nil
		}

		changed, err := s.repo.TransitionReservation(ctx, tx, domain.ReservationTransition{
			SessionID:     sessionID,
			From:          domain.ReservationNone,
			To:            domain.ReservationReserved,
			RequireStatus: []domain.Status{domain.StatusPendingPayment},
			Repricing: &domain.Repricing{
				PointsReserved:      totals.PointsReserved,
				PointsDiscountMinor: totals.PointsDiscountMinor,
				PointsEarnSnapshot:  totals.PointsEarned,
				TotalMinor:          totals.TotalMinor,
			},
			Now: s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !changed {
			out = &domain.TransitionResult{Session: session}
			return nil
		}

		if _, err := s.points.WithTx(tx).ReservePoints(ctx, pointsdomain.ReserveRequest{
			Key:            session.AccountKey(),
			Points:         totals.PointsReserved,
			OrderSessionID: &sessionID,
		}); err != nil {
			return err
		}

		out = &domain.TransitionResult{Changed: true, PointsApplied: totals.PointsReserved}
		out.Session, err = s.repo.FindByID(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ReleaseReservationForOrderSession(ctx context.Context, sessionID snowflake.ID, reason domain.ReleaseReason) (*domain.TransitionResult, error) {
	if _, ok := reason.TargetState(); !ok {
		return nil, domain.ErrInvalidReleaseCause
	}

	var out *domain.TransitionResult
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		var err error
		out, err = s.release(ctx, tx, sessionID, reason, nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) ConsumeReservationForPaidOrder(ctx context.Context, sessionID snowflake.ID) (*domain.TransitionResult, error) {
	var out *domain.TransitionResult
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		session, err := s.repo.FindByID(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if session == nil {
			return domain.ErrSessionNotFound
		}
		if session.PointsReservationState != domain.ReservationReserved {
			out = &domain.TransitionResult{Session: session}
			return nil
		}

		changed, err := s.repo.TransitionReservation(ctx, tx, domain.ReservationTransition{
			SessionID:     sessionID,
			From:          domain.ReservationReserved,
			To:            domain.ReservationConsumed,
			RequireStatus: []domain.Status{domain.StatusPaid},
			Now:           s.clock.Now(),
		})
		if err != nil {
			return err
		}
		if !changed {
			out = &domain.TransitionResult{Session: session}
			return nil
		}

		adj, err := s.points.WithTx(tx).ConsumeReservedPoints(ctx, pointsdomain.ConsumeRequest{
			Key:            session.AccountKey(),
			Points:         session.PointsReserved,
			OrderSessionID: &sessionID,
		})
		if err != nil {
			return err
		}

		out = &domain.TransitionResult{Changed: true, PointsApplied: adj.Applied}
		out.Session, err = s.repo.FindByID(ctx, tx, sessionID)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) MarkPaid(ctx context.Context, sessionID snowflake.ID, paidAt time.Time) (*domain.TransitionResult, error) {
	changed, err := s.repo.MarkPaid(ctx, s.db, sessionID, paidAt.UTC())
	if err != nil {
		return nil, err
	}
	session, err := s.repo.FindByID(ctx, s.db, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	return &domain.TransitionResult{Session: session, Changed: changed}, nil
}

func (s *Service) SweepExpiredReservations(ctx context.Context, now time.Time, limit int) (*domain.SweepResult, error) {
	if limit <= 0 {
		limit = s.settlement.Get().SweepBatchSize
	}
	ids, err := s.repo.ListExpiredReserved(ctx, s.db, now, limit)
	if err != nil {
		return nil, err
	}

	result := &domain.SweepResult{Scanned: len(ids)}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		var released *domain.TransitionResult
		err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
			var err error
			released, err = s.release(ctx, tx, id, domain.ReleaseExpired, &now)
			return err
		})
		if err != nil {
			s.log.Warn("expire reservation failed",
				zap.String("order_session_id", id.String()),
				zap.Error(err),
			)
			result.Skipped++
			continue
		}
		if released.Changed {
			result.Released++
		} else {
			result.Skipped++
		}
	}

	if result.Released > 0 {
		s.log.Info("expired reservations released",
			zap.Int("scanned", result.Scanned),
			zap.Int("released", result.Released),
		)
	}
	return result, nil
}

// release moves reserved to a released state and returns the points in the
// same transaction. Sessions outside the reserved state are left untouched.
func (s *Service) release(ctx context.Context, tx *gorm.DB, sessionID snowflake.ID, reason domain.ReleaseReason, expiresBefore *time.Time) (*domain.TransitionResult, error) {
	target, _ := reason.TargetState()
	session, err := s.repo.FindByID(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	if session == nil {
		return nil, domain.ErrSessionNotFound
	}
	if session.PointsReservationState != domain.ReservationReserved {
		return &domain.TransitionResult{Session: session}, nil
	}

	transition := domain.ReservationTransition{
		SessionID:     sessionID,
		From:          domain.ReservationReserved,
		To:            target,
		ExpiresBefore: expiresBefore,
		Now:           s.clock.Now(),
	}
	switch reason {
	case domain.ReleaseExpired:
		transition.RequireStatus = []domain.Status{domain.StatusPendingPayment}
	default:
		transition.RequireStatus = []domain.Status{domain.StatusPendingPayment, domain.StatusCancelled}
	}
	changed, err := s.repo.TransitionReservation(ctx, tx, transition)
	if err != nil {
		return nil, err
	}
	if !changed {
		return &domain.TransitionResult{Session: session}, nil
	}

	adj, err := s.points.WithTx(tx).ReleaseReservedPoints(ctx, pointsdomain.ReleaseRequest{
		Key:            session.AccountKey(),
		Points:         session.PointsReserved,
		OrderSessionID: &sessionID,
		Reason:         string(reason),
	})
	if err != nil {
		return nil, err
	}

	updated, err := s.repo.FindByID(ctx, tx, sessionID)
	if err != nil {
		return nil, err
	}
	return &domain.TransitionResult{Session: updated, Changed: true, PointsApplied: adj.Applied}, nil
}

func (s *Service) buildLines(ctx context.Context, tenantID snowflake.ID, currency string, items []domain.SaleItem) ([]allocation.Line, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	lines := make([]allocation.Line, 0, len(items))
	for _, item := range items {
		product, err := s.tenants.GetProduct(ctx, tenantID, item.ProductID)
		if err != nil {
			return nil, err
		}
		variant, err := s.tenants.GetVariant(ctx, tenantID, item.ProductID, item.VariantID)
		if err != nil {
			return nil, err
		}
		lineCurrency := strings.ToUpper(strings.TrimSpace(variant.Currency))
		if currency != "" && lineCurrency != currency {
			return nil, domain.ErrCurrencyMismatch
		}
		lines = append(lines, allocation.Line{
			ProductID:   product.ID.String(),
			VariantID:   variant.ID.String(),
			CategoryKey: allocation.NormalizeCategory(product.CategoryKey),
			PriceMinor:  variant.PriceMinor,
			Currency:    lineCurrency,
		})
	}
	return lines, nil
}

func (s *Service) checkoutURL(ctx context.Context, tenantID snowflake.ID, guildID, token string) string {
	base := s.cfg.CheckoutBaseURL
	integration, err := s.tenants.ResolveForGuild(ctx, tenantID, guildID)
	if err == nil {
		if custom := integration.Secret(checkoutBaseURLSecret); custom != "" {
			base = custom
		}
	} else if !errors.Is(err, tenantdomain.ErrIntegrationNotFound) {
		s.log.Warn("resolve integration for checkout url failed",
			zap.String("tenant_id", tenantID.String()),
			zap.String("guild_id", guildID),
			zap.Error(err),
		)
	}
	return strings.TrimRight(base, "/") + "/checkout/" + token
}
