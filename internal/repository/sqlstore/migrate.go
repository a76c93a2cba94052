package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/pressly/goose/v3"

	"github.com/sakif/synaps-idp/internal/repository/sqlstore/migrations"
)

// MIGRATIONS:
// goose keeps its base FS, dialect and logger in package globals, so every
// run takes gooseMu. The embedded migrations create the DEFAULT layout only:
// a deployment that maps onto an existing table with its own column names
// owns that schema and must not be migrated by us.

var gooseMu sync.Mutex

// gooseUp is a seam for testing goose.UpContext.
var gooseUp = func(ctx context.Context, db *sql.DB, dir string) error {
	return goose.UpContext(ctx, db, dir)
}

// Migrate applies the embedded migrations.
func (s *Store) Migrate(ctx context.Context) error {
	if s.columns != DefaultColumns {
		return fmt.Errorf("sqlstore: migrations only create the default users table, not %q", s.columns.Table)
	}
	return runMigrations(ctx, s.conn, s.driver, s.logger)
}

func runMigrations(ctx context.Context, db *sql.DB, driver Driver, logger *slog.Logger) error {
	gooseMu.Lock()
	defer gooseMu.Unlock()

	goose.SetBaseFS(migrations.Migrations)
	goose.SetLogger(gooseLogger{logger: logger})
	if err := goose.SetDialect(driver.gooseDialect()); err != nil {
		return fmt.Errorf("sqlstore: setting goose dialect: %w", err)
	}

	if err := gooseUp(ctx, db, "."); err != nil {
		return fmt.Errorf("sqlstore: running migrations: %w", err)
	}
	return nil
}

// gooseLogger routes goose output through slog.
type gooseLogger struct {
	logger *slog.Logger
}

func (l gooseLogger) Printf(format string, v ...interface{}) {
	l.logger.Info("migrate", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}

// Fatalf is called by goose for unrecoverable errors. It logs instead of
// exiting; the error is also returned from UpContext.
func (l gooseLogger) Fatalf(format string, v ...interface{}) {
	l.logger.Error("migrate", slog.String("detail", strings.TrimSpace(fmt.Sprintf(format, v...))))
}
