package db

import (
	"context"
	"fmt"

	"github.com/smallbiznis/orderledger/internal/config"
	obslogger "github.com/smallbiznis/orderledger/internal/observability/logger"
	"github.com/uptrace/opentelemetry-go-extra/otelgorm"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("db",
	fx.Provide(Open),
)

// Open connects gorm for the configured dialect and closes the pool on shutdown.
func Open(lc fx.Lifecycle, cfg config.Config, log *zap.Logger) (*gorm.DB, error) {
	poolCfg := FromAppConfig(cfg)
	dialector, err := Dialect(poolCfg)
	if err != nil {
		return nil, err
	}

	gormLogCfg := obslogger.DefaultGormLoggerConfig()
	gormLogCfg.IsExpectedErr = IsDuplicateKeyErr
	conn, err := gorm.Open(dialector, &gorm.Config{
		Logger:         obslogger.NewGormLogger(log, gormLogCfg),
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := conn.Use(otelgorm.NewPlugin(otelgorm.WithDBName(cfg.DBName))); err != nil {
		return nil, fmt.Errorf("register otelgorm: %w", err)
	}

	sqlDB, err := conn.DB()
	if err != nil {
		return nil, err
	}
	if poolCfg.MaxIdleConn > 0 {
		sqlDB.SetMaxIdleConns(poolCfg.MaxIdleConn)
	}
	if poolCfg.MaxOpenConn > 0 {
		sqlDB.SetMaxOpenConns(poolCfg.MaxOpenConn)
	}
	if lifetime := poolCfg.connMaxLifetime(); lifetime > 0 {
		sqlDB.SetConnMaxLifetime(lifetime)
	}
	if idle := poolCfg.connMaxIdleTime(); idle > 0 {
		sqlDB.SetConnMaxIdleTime(idle)
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := sqlDB.PingContext(ctx); err != nil {
				return fmt.Errorf("ping database: %w", err)
			}
			log.Info("database connected", zap.String("type", cfg.DBType), zap.String("host", cfg.DBHost))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return sqlDB.Close()
		},
	})

	return conn, nil
}
