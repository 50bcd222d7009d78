package migrate

import (
	"context"
	"embed"
	"fmt"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"go.uber.org/zap"

	"github.com/example/suaps-autoresa/internal/db"
)

//go:embed migrations/*.sql
var migrations embed.FS

const dir = "migrations"

// Up applies every pending migration.
func Up(ctx context.Context, d *db.DB, log *zap.Logger) error {
	sqlDB := stdlib.OpenDBFromPool(d.Pool())
	defer sqlDB.Close()

	goose.SetBaseFS(migrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("set goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, dir); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}

	v, err := goose.GetDBVersionContext(ctx, sqlDB)
	if err != nil {
		return fmt.Errorf("get version: %w", err)
	}
	log.Info("migrations applied", zap.Int64("version", v))
	return nil
}
