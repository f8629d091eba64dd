package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	ServiceVersion   string
	Environment      string
	// ExportInterval defaults to 10s.
	ExportInterval time.Duration
}

// Metrics exposes application-level instruments.
type Metrics struct {
	webhookDeliveries    metric.Int64Counter
	ledgerEntries        metric.Int64Counter
	referralOutcomes     metric.Int64Counter
	reservationConflicts metric.Int64Counter
}

// NewProvider registers the global meter provider. Disabled export yields a
// noop provider so instruments stay safe to call.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}
	interval := cfg.ExportInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(resource.NewSchemaless(
			attribute.String("service.name", serviceName(cfg)),
			attribute.String("service.version", strings.TrimSpace(cfg.ServiceVersion)),
			attribute.String("deployment.environment", strings.TrimSpace(cfg.Environment)),
		)),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(interval))),
		sdkmetric.WithView(labelAllowListView()),
	)
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if err := provider.ForceFlush(ctx); err != nil && log != nil {
					log.Warn("flush meter provider", zap.Error(err))
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics export enabled",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
			zap.Duration("interval", interval),
		)
	}

	return provider, nil
}

// labelAllowListView drops any attribute outside allowedLabelKeys at export
// time, covering instruments recorded without FilterAttributes.
func labelAllowListView() sdkmetric.View {
	keys := make([]attribute.Key, 0, len(allowedLabelKeys))
	for key := range allowedLabelKeys {
		keys = append(keys, key)
	}
	return sdkmetric.NewView(
		sdkmetric.Instrument{Name: "orderledger_*"},
		sdkmetric.Stream{AttributeFilter: attribute.NewAllowKeysFilter(keys...)},
	)
}

func serviceName(cfg Config) string {
	if name := strings.TrimSpace(cfg.ServiceName); name != "" {
		return name
	}
	return "orderledger"
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	meter := provider.Meter(serviceName(cfg))

	webhookDeliveries, err := meter.Int64Counter("orderledger_webhook_deliveries_total")
	if err != nil {
		return nil, err
	}
	ledgerEntries, err := meter.Int64Counter("orderledger_points_ledger_entries_total")
	if err != nil {
		return nil, err
	}
	referralOutcomes, err := meter.Int64Counter("orderledger_referral_outcomes_total")
	if err != nil {
		return nil, err
	}
	reservationConflicts, err := meter.Int64Counter("orderledger_points_reservation_conflicts_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		webhookDeliveries:    webhookDeliveries,
		ledgerEntries:        ledgerEntries,
		referralOutcomes:     referralOutcomes,
		reservationConflicts: reservationConflicts,
	}, nil
}

// RecordWebhookDelivery counts intake results per provider.
func (m *Metrics) RecordWebhookDelivery(ctx context.Context, provider, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("provider", strings.TrimSpace(provider)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.webhookDeliveries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordLedgerEntry increments ledger entry counts.
func (m *Metrics) RecordLedgerEntry(ctx context.Context, eventType string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("event_type", strings.TrimSpace(eventType)))
	m.ledgerEntries.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReferralOutcome(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.referralOutcomes.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (m *Metrics) RecordReservationConflict(ctx context.Context) {
	if m == nil {
		return
	}
	m.reservationConflicts.Add(ctx, 1)
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

var allowedLabelKeys = map[attribute.Key]struct{}{
	"tenant_id":  {},
	"provider":   {},
	"outcome":    {},
	"event_type": {},
	"reason":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
