package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
)

// runMigrations applies every .sql file in dir in name order. The files are
// written to be re-runnable.
func runMigrations(ctx context.Context, db *sql.DB, dir string, logger *slog.Logger) error {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(files)
	for _, f := range files {
		b, err := os.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		if _, err := db.ExecContext(ctx, string(b)); err != nil {
			return fmt.Errorf("apply migration %s: %w", filepath.Base(f), err)
		}
		logger.Info("migration applied", "file", filepath.Base(f))
	}
	return nil
}
