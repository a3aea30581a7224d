package store

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"

	"basegraph.app/jobagent/core/db"
	"basegraph.app/jobagent/migrations"
)

// Migrate applies pending goose migrations.
func Migrate(ctx context.Context, database *db.DB) error {
	sqlDB := database.SQL()
	defer sqlDB.Close()

	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("setting goose dialect: %w", err)
	}
	if err := goose.UpContext(ctx, sqlDB, "."); err != nil {
		return fmt.Errorf("applying migrations: %w", err)
	}
	return nil
}
