package migration

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/orderledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(Apply),
)

// Apply runs the embedded SQL on postgres. Other dialects are migrated from
// the gorm models when DATABASE_AUTO_MIGRATE is on.
func Apply(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
	if strings.EqualFold(strings.TrimSpace(cfg.DBType), "postgres") {
		sqlDB, err := conn.DB()
		if err != nil {
			return err
		}
		version, err := RunMigrations(sqlDB)
		if err != nil {
			return err
		}
		log.Info("database migrations applied", zap.Uint("version", version))
		return nil
	}

	if !cfg.DBAutoMigrate {
		return nil
	}
	if err := conn.AutoMigrate(Models()...); err != nil {
		return fmt.Errorf("auto migrate %s: %w", cfg.DBType, err)
	}
	log.Info("database schema auto-migrated", zap.String("type", cfg.DBType))
	return nil
}
