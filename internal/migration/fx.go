package migration

import (
	"fmt"
	"strings"

	"github.com/smallbiznis/coachpay/internal/config"
	"github.com/smallbiznis/coachpay/internal/seed"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("migrations",
	fx.Invoke(func(conn *gorm.DB, cfg config.Config, log *zap.Logger) error {
		if !cfg.MigrateOnStart {
			return nil
		}

		switch strings.ToLower(cfg.DBType) {
		case "postgres":
			sqlDB, err := conn.DB()
			if err != nil {
				return err
			}
			if err := RunMigrations(sqlDB); err != nil {
				return err
			}
		case "sqlite":
			if err := ApplySQLiteSchema(conn); err != nil {
				return err
			}
		default:
			return fmt.Errorf("migrations are not supported for database type %q", cfg.DBType)
		}
		log.Info("database migrations applied", zap.String("db_type", cfg.DBType))

		if !cfg.IsProduction() {
			return seed.EnsureDevUser(conn)
		}
		return nil
	}),
)
