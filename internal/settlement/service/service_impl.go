package service

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	"github.com/smallbiznis/orderledger/internal/config"
	"github.com/smallbiznis/orderledger/internal/notify"
	obsmetrics "github.com/smallbiznis/orderledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/orderledger/internal/observability/tracing"
	orderdomain "github.com/smallbiznis/orderledger/internal/ordersession/domain"
	pointsdomain "github.com/smallbiznis/orderledger/internal/points/domain"
	referraldomain "github.com/smallbiznis/orderledger/internal/referral/domain"
	"github.com/smallbiznis/orderledger/internal/settlement/domain"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	webhookdomain "github.com/smallbiznis/orderledger/internal/webhook/domain"
	pkgdb "github.com/smallbiznis/orderledger/pkg/db"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type Params struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	GenID      *snowflake.Node
	Repo       domain.Repository
	Sessions   orderdomain.Service
	Points     pointsdomain.Service
	Referrals  referraldomain.Service
	Tenants    tenantdomain.Directory
	Adapters   *adapters.Registry
	Dispatcher *notify.Dispatcher
	Clock      clock.Clock
	Settlement *config.SettlementConfigHolder `optional:"true"`
	Metrics    *obsmetrics.SettlementMetrics  `optional:"true"`
}

// Service turns a confirmed payment callback into a paid order.
type Service struct {
	db         *gorm.DB
	log        *zap.Logger
	genID      *snowflake.Node
	repo       domain.Repository
	sessions   orderdomain.Service
	points     pointsdomain.Service
	referrals  referraldomain.Service
	tenants    tenantdomain.Directory
	adapters   *adapters.Registry
	dispatcher *notify.Dispatcher
	clock      clock.Clock
	settlement *config.SettlementConfigHolder
	metrics    *obsmetrics.SettlementMetrics
}

func NewService(p Params) *Service {
	settlement := p.Settlement
	if settlement == nil {
		settlement = config.NewStaticSettlementConfigHolder(config.DefaultSettlementConfig())
	}
	return &Service{
		db:         p.DB,
		log:        p.Log.Named("settlement.service"),
		genID:      p.GenID,
		repo:       p.Repo,
		sessions:   p.Sessions,
		points:     p.Points,
		referrals:  p.Referrals,
		tenants:    p.Tenants,
		adapters:   p.Adapters,
		dispatcher: p.Dispatcher,
		clock:      p.Clock,
		settlement: settlement,
		metrics:    p.Metrics,
	}
}

// settlementContext is everything resolved for one paid order.
type settlementContext struct {
	event   *webhookdomain.Event
	signal  *webhookdomain.PaymentSignal
	session *orderdomain.OrderSession
	product *tenantdomain.Product
	variant *tenantdomain.ProductVariant
	guild   *tenantdomain.GuildConfig
	paid    *domain.PaidOrder
	log     *zap.Logger
}

func (s *Service) Process(ctx context.Context, event *webhookdomain.Event) (result *domain.Result, err error) {
	if event == nil || !event.SignatureValid {
		return nil, domain.Permanent(domain.ErrEventNotProcessable)
	}

	ctx, span := obstracing.StartSpan(ctx, "settlement", "settlement.process",
		attribute.String("provider", event.Provider),
		attribute.String("event_id", event.ID.String()),
	)
	defer func() { obstracing.EndSpan(span, err) }()

	log := s.log.With(
		zap.String("tenant_id", event.TenantID.String()),
		zap.String("event_id", event.ID.String()),
		zap.String("provider", event.Provider),
	)

	signal, err := s.resolveSignal(ctx, event)
	if err != nil {
		return nil, err
	}
	if signal.State != webhookdomain.PaidStatePaid {
		log.Info("callback does not confirm payment",
			zap.String("state", string(signal.State)),
			zap.String("status", signal.Status),
		)
		return &domain.Result{Outcome: domain.OutcomeNoAction}, nil
	}

	sc, err := s.load(ctx, event, signal)
	if err != nil {
		return nil, err
	}
	sc.log = log.With(zap.String("order_session_id", sc.session.ID.String()))
	span.SetAttributes(attribute.String("order_session_id", sc.session.ID.String()))

	result, err = s.recordPaid(ctx, sc)
	if err != nil || result.Outcome == domain.OutcomeDuplicate {
		return result, err
	}

	earned, err := s.creditEarnedPoints(ctx, sc)
	if err != nil {
		return nil, err
	}
	result.PointsEarned = earned

	reward, err := s.referrals.ProcessPaidOrderReward(ctx, referraldomain.RewardRequest{
		TenantID:                sc.session.TenantID,
		GuildID:                 sc.session.GuildID,
		ReferredEmail:           sc.session.CustomerEmail,
		OrderSessionID:          sc.session.ID,
		RewardMinorSnapshot:     sc.session.ReferralRewardMinorSnapshot,
		PointValueMinorSnapshot: sc.session.PointValueMinorSnapshot,
	})
	if err != nil {
		return nil, fmt.Errorf("referral reward: %w", err)
	}
	result.Referral = string(reward.Outcome)
	if reward.Outcome == referraldomain.RewardApplied && !reward.Replayed {
		s.sendThankYou(ctx, sc, reward)
	}

	if err := s.notify(ctx, sc, result); err != nil {
		return nil, err
	}

	sc.log.Info("order settled",
		zap.Bool("resumed", result.Resumed),
		zap.Int64("points_consumed", result.PointsConsumed),
		zap.Int64("points_earned", result.PointsEarned),
		zap.String("referral", result.Referral),
	)
	return result, nil
}

// resolveSignal parses the stored payload and polls the provider when the
// callback alone is ambiguous. An unresolved signal is treated as unpaid.
func (s *Service) resolveSignal(ctx context.Context, event *webhookdomain.Event) (*webhookdomain.PaymentSignal, error) {
	integration, err := s.tenants.ResolveByID(ctx, event.IntegrationID)
	if err != nil {
		if errors.Is(err, tenantdomain.ErrIntegrationNotFound) {
			return nil, domain.Permanent(err)
		}
		return nil, err
	}
	cfg := s.settlement.Get()
	adapter, err := s.adapters.NewAdapter(event.Provider, webhookdomain.AdapterConfig{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Provider:      event.Provider,
		BaseURL:       integration.BaseURL,
		Secrets:       integration.Secrets,
		HTTPClient:    &http.Client{Timeout: cfg.ProviderPollTimeout},
	})
	if err != nil {
		return nil, domain.Permanent(err)
	}

	signal, err := adapter.Parse(ctx, event.Payload)
	if err != nil {
		if errors.Is(err, webhookdomain.ErrMissingCorrelation) || errors.Is(err, webhookdomain.ErrInvalidPayload) {
			return nil, domain.Permanent(err)
		}
		return nil, err
	}
	if signal.State != webhookdomain.PaidStateAmbiguous {
		return signal, nil
	}

	poller, ok := adapter.(webhookdomain.StatusPoller)
	if !ok {
		signal.State = webhookdomain.PaidStateUnpaid
		return signal, nil
	}
	pollCtx, cancel := context.WithTimeout(ctx, cfg.ProviderPollTimeout)
	defer cancel()
	polled, err := poller.PollStatus(pollCtx, signal)
	if err != nil {
		s.metrics.IncProviderPoll(event.Provider, "error")
		return nil, fmt.Errorf("poll payment status: %w", err)
	}
	s.metrics.IncProviderPoll(event.Provider, string(polled.State))
	if polled.State == webhookdomain.PaidStateAmbiguous {
		polled.State = webhookdomain.PaidStateUnpaid
	}
	return polled, nil
}

func (s *Service) load(ctx context.Context, event *webhookdomain.Event, signal *webhookdomain.PaymentSignal) (*settlementContext, error) {
	sessionID, err := strconv.ParseInt(strings.TrimSpace(signal.CorrelationID), 10, 64)
	if err != nil || sessionID <= 0 {
		return nil, domain.Permanent(domain.ErrInvalidCorrelation)
	}

	session, err := s.sessions.GetSession(ctx, snowflake.ID(sessionID))
	if err != nil {
		return nil, permanentIfMissing(err)
	}
	if session.TenantID != event.TenantID {
		return nil, domain.Permanent(domain.ErrSessionTenantMismatch)
	}
	product, err := s.tenants.GetProduct(ctx, session.TenantID, session.ProductID)
	if err != nil {
		return nil, permanentIfMissing(err)
	}
	variant, err := s.tenants.GetVariant(ctx, session.TenantID, session.ProductID, session.VariantID)
	if err != nil {
		return nil, permanentIfMissing(err)
	}
	guild, err := s.tenants.GetGuildConfig(ctx, session.TenantID, session.GuildID)
	if err != nil {
		return nil, permanentIfMissing(err)
	}
	if strings.TrimSpace(guild.PaidLogChannelID) == "" {
		return nil, domain.Permanent(domain.ErrNoPaidLogChannel)
	}

	return &settlementContext{
		event:   event,
		signal:  signal,
		session: session,
		product: product,
		variant: variant,
		guild:   guild,
	}, nil
}

// recordPaid inserts the paid order and applies the paid transition with the
// reservation consume in one transaction. A paid order owned by another event
// makes this event a duplicate; one owned by this event is resumed.
func (s *Service) recordPaid(ctx context.Context, sc *settlementContext) (*domain.Result, error) {
	now := s.clock.Now()
	session := sc.session
	result := &domain.Result{}

	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		sc.session, sc.paid = session, nil
		*result = domain.Result{OrderSessionID: session.ID}

		order := domain.PaidOrder{
			ID:                s.genID.Generate(),
			TenantID:          sc.session.TenantID,
			GuildID:           sc.session.GuildID,
			OrderSessionID:    sc.session.ID,
			WebhookEventID:    sc.event.ID,
			Provider:          sc.event.Provider,
			ProviderReference: sc.signal.ProviderReference,
			AmountMinor:       sc.signal.AmountMinor,
			Currency:          sc.signal.Currency,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		inserted, err := s.repo.InsertPaidOrder(ctx, tx, &order)
		if err != nil {
			return err
		}
		if !inserted {
			existing, err := s.repo.FindPaidOrder(ctx, tx, sc.session.ID)
			if err != nil {
				return err
			}
			if existing == nil {
				return fmt.Errorf("paid order for %s vanished", sc.session.ID)
			}
			sc.paid = existing
			if existing.WebhookEventID != sc.event.ID {
				result.Outcome = domain.OutcomeDuplicate
				return nil
			}
			result.Resumed = true
			return nil
		}
		sc.paid = &order

		if sc.signal.AmountMinor > 0 && sc.signal.AmountMinor != sc.session.TotalMinor {
			sc.log.Warn("paid amount differs from session total",
				zap.Int64("paid_minor", sc.signal.AmountMinor),
				zap.Int64("total_minor", sc.session.TotalMinor),
			)
		}

		sessions := s.sessions.WithTx(tx)
		paid, err := sessions.MarkPaid(ctx, sc.session.ID, now)
		if err != nil {
			return err
		}
		sc.session = paid.Session

		consumed, err := sessions.ConsumeReservationForPaidOrder(ctx, sc.session.ID)
		if err != nil {
			return err
		}
		result.PointsConsumed = consumed.PointsApplied
		sc.session = consumed.Session
		return nil
	})
	if err != nil {
		return nil, err
	}

	if result.Outcome == domain.OutcomeDuplicate {
		sc.log.Info("order already settled by another event",
			zap.String("paid_by_event_id", sc.paid.WebhookEventID.String()),
		)
		return result, nil
	}
	result.Outcome = domain.OutcomeProcessed
	return result, nil
}

// creditEarnedPoints adds the order's earn snapshot once per paid order and
// returns what this call credited. A resumed event that finds the credit
// already marked reports zero.
func (s *Service) creditEarnedPoints(ctx context.Context, sc *settlementContext) (int64, error) {
	points := sc.session.PointsEarnSnapshot
	if points <= 0 {
		return 0, nil
	}
	credited := false
	err := pkgdb.Transact(ctx, s.db, func(tx *gorm.DB) error {
		credited = false
		won, err := s.repo.MarkPointsEarned(ctx, tx, sc.paid.ID, s.clock.Now())
		if err != nil || !won {
			return err
		}
		credited = true
		sessionID := sc.session.ID
		_, err = s.points.WithTx(tx).AddPoints(ctx, pointsdomain.AdjustRequest{
			Key:            sc.session.AccountKey(),
			Points:         points,
			EventType:      pointsdomain.EventEarn,
			OrderSessionID: &sessionID,
			Metadata:       map[string]any{"webhook_event_id": sc.event.ID.String()},
		})
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("credit earned points: %w", err)
	}
	if !credited {
		return 0, nil
	}
	return points, nil
}

func permanentIfMissing(err error) error {
	switch {
	case errors.Is(err, orderdomain.ErrSessionNotFound),
		errors.Is(err, tenantdomain.ErrProductNotFound),
		errors.Is(err, tenantdomain.ErrVariantNotFound),
		errors.Is(err, tenantdomain.ErrGuildConfigNotFound):
		return domain.Permanent(err)
	default:
		return err
	}
}

var _ domain.Processor = (*Service)(nil)
