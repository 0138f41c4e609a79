package main

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/ignite/audience-engine/internal/config"
	"github.com/ignite/audience-engine/internal/pkg/logger"
	"github.com/ignite/audience-engine/internal/repository/postgres"
	"github.com/ignite/audience-engine/migrations"
	"github.com/jmoiron/sqlx"
)

const createVersionTable = `CREATE TABLE IF NOT EXISTS schema_migrations (
	version    TEXT PRIMARY KEY,
	applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`

func main() {
	cfg, err := config.LoadFromEnv("")
	if err != nil {
		fatal("load config", err)
	}
	configureLogger(cfg.Logging)
	if cfg.Database.URL == "" {
		fatal("load config", fmt.Errorf("DATABASE_URL is required"))
	}

	// Embedded files by default; a directory argument overrides them.
	var source fs.FS = migrations.FS
	listOnly := false
	for _, a := range os.Args[1:] {
		if a == "--list" {
			listOnly = true
		} else {
			source = os.DirFS(a)
		}
	}

	ctx := context.Background()
	db, err := postgres.Open(ctx, cfg.Database.URL, postgres.PoolConfig{MaxOpenConns: 1})
	if err != nil {
		fatal("connect", err)
	}
	defer db.Close()
	logger.Info("connected to database")

	if _, err := db.ExecContext(ctx, createVersionTable); err != nil {
		fatal("create schema_migrations", err)
	}

	if listOnly {
		if err := listApplied(ctx, db); err != nil {
			fatal("list migrations", err)
		}
		return
	}

	files, err := fs.Glob(source, "*.sql")
	if err != nil {
		fatal("read migrations", err)
	}
	sort.Strings(files)

	var applied, skipped int
	for _, f := range files {
		ok, err := apply(ctx, db, source, f)
		if err != nil {
			logger.Error("migration failed", "file", f, "error", err)
			os.Exit(1)
		}
		if ok {
			applied++
			logger.Info("migration applied", "file", f)
		} else {
			skipped++
		}
	}
	logger.Info("migrations complete", "applied", applied, "already_applied", skipped)
}

// apply runs one file in its own transaction and records its version. It
// returns false when the version was already recorded.
func apply(ctx context.Context, db *sqlx.DB, source fs.FS, name string) (bool, error) {
	version := strings.TrimSuffix(path.Base(name), ".sql")

	var exists bool
	if err := db.GetContext(ctx, &exists,
		`SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE version = $1)`, version); err != nil {
		return false, fmt.Errorf("check version: %w", err)
	}
	if exists {
		return false, nil
	}

	content, err := fs.ReadFile(source, name)
	if err != nil {
		return false, fmt.Errorf("read %s: %w", name, err)
	}
	if strings.TrimSpace(string(content)) == "" {
		return false, nil
	}

	tx, err := db.BeginTxx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, string(content)); err != nil {
		return false, err
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO schema_migrations (version) VALUES ($1)`, version); err != nil {
		return false, fmt.Errorf("record version: %w", err)
	}
	return true, tx.Commit()
}

func listApplied(ctx context.Context, db *sqlx.DB) error {
	var rows []struct {
		Version   string    `db:"version"`
		AppliedAt time.Time `db:"applied_at"`
	}
	if err := db.SelectContext(ctx, &rows,
		`SELECT version, applied_at FROM schema_migrations ORDER BY version`); err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("  %s  %s\n", r.Version, r.AppliedAt.Format(time.RFC3339))
	}
	fmt.Printf("Total: %d migrations\n", len(rows))
	return nil
}

func configureLogger(cfg config.LoggingConfig) {
	level, err := logger.ParseLevel(cfg.Level)
	if err != nil {
		logger.Warn("invalid log level, using info", "level", cfg.Level)
	}
	logger.SetLevel(level)
	logger.SetRedactPII(cfg.Redact())
}

func fatal(step string, err error) {
	logger.Error(step+" failed", "error", err)
	os.Exit(1)
}
