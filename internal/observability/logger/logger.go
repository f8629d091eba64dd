package logger

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	obscontext "github.com/smallbiznis/orderledger/internal/observability/context"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config configures the zap logger.
type Config struct {
	ServiceName string
	Environment string
	Version     string
	Level       string
	Format      string
	Debug       bool

	SamplingInitial     int
	SamplingThereafter  int
	SamplingWindow      time.Duration
	IncludeCaller       bool
	IncludeStackOnError bool

	// OnSampledOut is called for every debug or info entry the sampler drops.
	OnSampledOut func(level zapcore.Level)
}

// New builds the process logger and installs it as the zap global.
// Warnings and errors bypass sampling so settlement failures are never lost.
func New(lc fx.Lifecycle, cfg Config) (*zap.Logger, error) {
	level, err := configuredLevel(cfg)
	if err != nil {
		return nil, err
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var encoder zapcore.Encoder
	if normalizeFormat(cfg.Format) == "console" {
		if cfg.Debug {
			encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encoderCfg)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderCfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stdout), level)
	if !cfg.Debug {
		core = sampledCore(core, cfg)
	}

	options := []zap.Option{zap.ErrorOutput(zapcore.Lock(os.Stderr))}
	if cfg.IncludeCaller {
		options = append(options, zap.AddCaller())
	}
	if cfg.IncludeStackOnError {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "orderledger"
	}
	logger := zap.New(core, options...).With(
		zap.String("service", serviceName),
		zap.String("env", strings.TrimSpace(cfg.Environment)),
		zap.String("version", strings.TrimSpace(cfg.Version)),
	)
	zap.ReplaceGlobals(logger)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error {
				_ = logger.Sync()
				return nil
			},
		})
	}

	return logger, nil
}

func configuredLevel(cfg Config) (zap.AtomicLevel, error) {
	if cfg.Debug {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}
	raw := strings.TrimSpace(cfg.Level)
	if raw == "" {
		raw = "info"
	}
	level, err := zap.ParseAtomicLevel(raw)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", raw, err)
	}
	return level, nil
}

// sampledCore samples debug and info entries and passes warn and above through.
func sampledCore(core zapcore.Core, cfg Config) zapcore.Core {
	initial := cfg.SamplingInitial
	if initial <= 0 {
		initial = 100
	}
	thereafter := cfg.SamplingThereafter
	if thereafter <= 0 {
		thereafter = 100
	}
	window := cfg.SamplingWindow
	if window <= 0 {
		window = time.Second
	}

	hook := func(ent zapcore.Entry, decision zapcore.SamplingDecision) {
		if decision&zapcore.LogDropped != 0 && cfg.OnSampledOut != nil {
			cfg.OnSampledOut(ent.Level)
		}
	}
	quiet := levelBand{Core: core, enabled: zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l < zapcore.WarnLevel })}
	loud := levelBand{Core: core, enabled: zap.LevelEnablerFunc(func(l zapcore.Level) bool { return l >= zapcore.WarnLevel })}

	return zapcore.NewTee(
		zapcore.NewSamplerWithOptions(quiet, window, initial, thereafter, zapcore.SamplerHook(hook)),
		loud,
	)
}

type levelBand struct {
	zapcore.Core
	enabled zapcore.LevelEnabler
}

func (b levelBand) Enabled(level zapcore.Level) bool {
	return b.enabled.Enabled(level) && b.Core.Enabled(level)
}

func (b levelBand) With(fields []zapcore.Field) zapcore.Core {
	return levelBand{Core: b.Core.With(fields), enabled: b.enabled}
}

func (b levelBand) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if !b.enabled.Enabled(ent.Level) {
		return ce
	}
	return b.Core.Check(ent, ce)
}

func normalizeFormat(format string) string {
	format = strings.ToLower(strings.TrimSpace(format))
	if format == "console" {
		return "console"
	}
	return "json"
}

// FromContext returns a logger enriched with request-scoped fields.
func FromContext(ctx context.Context) *zap.Logger {
	return WithContext(ctx, zap.L())
}

// WithContext enriches the provided logger with correlation fields.
func WithContext(ctx context.Context, base *zap.Logger) *zap.Logger {
	if ctx == nil {
		return base
	}

	fields := []zap.Field{
		zap.String("request_id", obscontext.RequestIDFromContext(ctx)),
	}
	if tenantID := obscontext.TenantIDFromContext(ctx); tenantID != "" {
		fields = append(fields, zap.String("tenant_id", tenantID))
	}
	if eventID := obscontext.WebhookEventIDFromContext(ctx); eventID != "" {
		fields = append(fields, zap.String("webhook_event_id", eventID))
	}
	fields = append(fields, traceFieldsFromContext(ctx)...)

	return base.With(fields...)
}

// WithTenant adds the tenant identifier to the logger.
func WithTenant(log *zap.Logger, tenantID string) *zap.Logger {
	if log == nil {
		return nil
	}
	return log.With(zap.String("tenant_id", strings.TrimSpace(tenantID)))
}

func traceFieldsFromContext(ctx context.Context) []zap.Field {
	span := trace.SpanFromContext(ctx)
	sc := span.SpanContext()
	if !sc.IsValid() {
		return []zap.Field{
			zap.String("trace_id", ""),
			zap.String("span_id", ""),
		}
	}
	return []zap.Field{
		zap.String("trace_id", sc.TraceID().String()),
		zap.String("span_id", sc.SpanID().String()),
	}
}
