package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/orderledger/internal/clock"
	obsmetrics "github.com/smallbiznis/orderledger/internal/observability/metrics"
	obstracing "github.com/smallbiznis/orderledger/internal/observability/tracing"
	tenantdomain "github.com/smallbiznis/orderledger/internal/tenant/domain"
	"github.com/smallbiznis/orderledger/internal/webhook/adapters"
	"github.com/smallbiznis/orderledger/internal/webhook/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	outcomeAccepted         = "accepted"
	outcomeDuplicate        = "duplicate"
	outcomeRedelivered      = "redelivered"
	outcomeInvalidSignature = "invalid_signature"

	failureInvalidSignature = "invalid_signature"
)

type Params struct {
	fx.In

	DB       *gorm.DB
	Log      *zap.Logger
	GenID    *snowflake.Node
	Repo     domain.Repository
	Tenants  tenantdomain.Directory
	Adapters *adapters.Registry
	Clock    clock.Clock
	Enqueuer domain.Enqueuer     `optional:"true"`
	Metrics  *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	db       *gorm.DB
	log      *zap.Logger
	genID    *snowflake.Node
	repo     domain.Repository
	tenants  tenantdomain.Directory
	adapters *adapters.Registry
	clock    clock.Clock
	enqueuer domain.Enqueuer
	metrics  *obsmetrics.Metrics
}

func NewService(p Params) domain.Service {
	return &Service{
		db:       p.DB,
		log:      p.Log.Named("webhook.service"),
		genID:    p.GenID,
		repo:     p.Repo,
		tenants:  p.Tenants,
		adapters: p.Adapters,
		clock:    p.Clock,
		enqueuer: p.Enqueuer,
		metrics:  p.Metrics,
	}
}

func (s *Service) HandleCallback(ctx context.Context, provider, webhookKey string, in domain.Inbound) (result *domain.IntakeResult, err error) {
	provider = strings.ToLower(strings.TrimSpace(provider))
	webhookKey = strings.TrimSpace(webhookKey)
	if provider == "" || webhookKey == "" {
		return nil, domain.ErrInvalidProvider
	}
	if s.adapters == nil || !s.adapters.ProviderExists(provider) {
		return nil, domain.ErrProviderNotFound
	}

	ctx, span := obstracing.StartSpan(ctx, "webhook", "webhook.intake", attribute.String("provider", provider))
	defer func() { obstracing.EndSpan(span, err) }()

	integration, err := s.tenants.ResolveByWebhookKey(ctx, provider, webhookKey)
	if err != nil {
		return nil, err
	}
	adapter, err := s.adapters.NewAdapter(provider, domain.AdapterConfig{
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Provider:      provider,
		BaseURL:       integration.BaseURL,
		Secrets:       integration.Secrets,
	})
	if err != nil {
		return nil, err
	}

	signatureValid := true
	if verifyErr := adapter.Verify(ctx, in); verifyErr != nil {
		if !errors.Is(verifyErr, domain.ErrInvalidSignature) {
			return nil, verifyErr
		}
		signatureValid = false
	}

	payload, err := adapter.Payload(in)
	if err != nil {
		if signatureValid {
			return nil, err
		}
		payload = rawPayload(in.Body)
	}

	now := s.clock.Now()
	event := domain.Event{
		ID:             s.genID.Generate(),
		TenantID:       integration.TenantID,
		GuildID:        integration.GuildID,
		IntegrationID:  integration.ID,
		Provider:       provider,
		Topic:          adapter.Topic(in, payload),
		Fingerprint:    adapter.Fingerprint(in, payload),
		SignatureValid: signatureValid,
		Payload:        datatypes.JSON(payload),
		Status:         domain.StatusReceived,
		ReceivedAt:     now,
		UpdatedAt:      now,
	}
	if !signatureValid {
		event.Status = domain.StatusFailed
		event.FailureReason = failureInvalidSignature
	}
	span.SetAttributes(attribute.String("fingerprint", event.Fingerprint))

	log := s.log.With(
		zap.String("tenant_id", integration.TenantID.String()),
		zap.String("provider", provider),
		zap.String("fingerprint", event.Fingerprint),
	)

	inserted, err := s.repo.Insert(ctx, s.db, &event)
	if err != nil {
		return nil, err
	}

	if !signatureValid {
		log.Warn("webhook signature rejected", zap.Bool("recorded", inserted))
		s.metrics.RecordWebhookDelivery(ctx, provider, outcomeInvalidSignature)
		return nil, domain.ErrInvalidSignature
	}

	if inserted {
		s.metrics.RecordWebhookDelivery(ctx, provider, outcomeAccepted)
		s.enqueue(event.ID)
		return &domain.IntakeResult{Status: domain.IntakeAccepted, EventID: event.ID}, nil
	}

	existing, err := s.repo.FindByFingerprint(ctx, s.db, integration.TenantID, event.Fingerprint)
	if err != nil {
		return nil, err
	}
	if existing == nil {
		return nil, domain.ErrEventNotFound
	}

	if existing.Status == domain.StatusFailed {
		reset, err := s.repo.ResetFailed(ctx, s.db, existing.ID, payload, now)
		if err != nil {
			return nil, err
		}
		if reset {
			log.Info("failed webhook redelivered", zap.String("event_id", existing.ID.String()))
			s.metrics.RecordWebhookDelivery(ctx, provider, outcomeRedelivered)
			s.enqueue(existing.ID)
			return &domain.IntakeResult{Status: domain.IntakeAccepted, EventID: existing.ID}, nil
		}
	}

	s.metrics.RecordWebhookDelivery(ctx, provider, outcomeDuplicate)
	return &domain.IntakeResult{Status: domain.IntakeDuplicate, EventID: existing.ID}, nil
}

func (s *Service) RetryFailedEvent(ctx context.Context, tenantID, eventID snowflake.ID) (*domain.Event, error) {
	event, err := s.GetEvent(ctx, tenantID, eventID)
	if err != nil {
		return nil, err
	}
	if event.Status != domain.StatusFailed || !event.SignatureValid {
		return nil, domain.ErrEventNotRetryable
	}

	reset, err := s.repo.ResetFailed(ctx, s.db, event.ID, nil, s.clock.Now())
	if err != nil {
		return nil, err
	}
	if !reset {
		return nil, domain.ErrEventNotRetryable
	}
	s.log.Info("failed webhook reset by operator",
		zap.String("tenant_id", tenantID.String()),
		zap.String("event_id", eventID.String()),
	)
	s.enqueue(event.ID)
	return s.repo.FindByID(ctx, s.db, event.ID)
}

func (s *Service) GetEvent(ctx context.Context, tenantID, eventID snowflake.ID) (*domain.Event, error) {
	event, err := s.repo.FindByID(ctx, s.db, eventID)
	if err != nil {
		return nil, err
	}
	if event == nil || event.TenantID != tenantID {
		return nil, domain.ErrEventNotFound
	}
	return event, nil
}

func (s *Service) enqueue(id snowflake.ID) {
	if s.enqueuer == nil {
		return
	}
	s.enqueuer.Enqueue(id)
}

// rawPayload keeps an unparseable body as a JSON string so the row stays inspectable.
func rawPayload(body []byte) []byte {
	out, err := json.Marshal(map[string]string{"raw_body": string(body)})
	if err != nil {
		return []byte(`{}`)
	}
	return out
}
