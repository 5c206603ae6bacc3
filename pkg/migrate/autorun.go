package migrate

import (
	"context"
	"fmt"

	"github.com/angelmondragon/invoicesync-backend/pkg/config"
	"github.com/angelmondragon/invoicesync-backend/pkg/db"
	"github.com/angelmondragon/invoicesync-backend/pkg/logger"
)

// MaybeRunDev applies the embedded migrations on startup in dev when auto-migrate is on.
// SQLite stores are created by gorm and are skipped.
func MaybeRunDev(ctx context.Context, cfg *config.Config, logg *logger.Logger, client *db.Client) error {
	if !autoRunEnabled(cfg) {
		return nil
	}

	sqlDB, err := client.DB().DB()
	if err != nil {
		return fmt.Errorf("extracting sql.DB: %w", err)
	}
	if err := ValidateEmbedded(); err != nil {
		return err
	}

	ctx = logg.WithFields(ctx, map[string]any{"env": cfg.App.Env, "source": "embedded"})
	logg.Info(ctx, "applying schema migrations")
	if err := RunEmbedded(ctx, sqlDB, "up"); err != nil {
		return fmt.Errorf("running goose up: %w", err)
	}
	logg.Info(ctx, "schema migrations applied")
	return nil
}

func autoRunEnabled(cfg *config.Config) bool {
	if cfg == nil {
		return false
	}
	return cfg.App.IsDev() && cfg.FeatureFlags.AutoMigrate && cfg.DB.Driver != db.DriverSQLite
}
