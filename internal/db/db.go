// Package db opens the relational store behind the sync engine. Two
// backends are supported: embedded sqlite for single-process deployments
// and Postgres for shared ones. The choice is driven by the DATABASE_URL
// scheme; everything above this package speaks database/sql through sqlx
// and stays backend-agnostic.
package db

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

func init() {
	// modernc registers its driver as "sqlite"; sqlx only ships a binding
	// for "sqlite3".
	sqlx.BindDriver("sqlite", sqlx.QUESTION)
}

// Dialect names the SQL backend in use. It selects the goose migration
// set and the few dialect-sensitive statements.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Open connects to the database named by url: "sqlite://<path>" (or a
// bare path) for embedded sqlite, "postgres://..." for Postgres.
func Open(ctx context.Context, url string) (*sqlx.DB, Dialect, error) {
	switch {
	case strings.HasPrefix(url, "postgres://"), strings.HasPrefix(url, "postgresql://"):
		db, err := openPostgres(ctx, url)
		return db, DialectPostgres, err
	case strings.HasPrefix(url, "sqlite://"):
		db, err := openSQLite(ctx, strings.TrimPrefix(url, "sqlite://"))
		return db, DialectSQLite, err
	default:
		db, err := openSQLite(ctx, url)
		return db, DialectSQLite, err
	}
}

func openPostgres(ctx context.Context, url string) (*sqlx.DB, error) {
	db, err := sqlx.Open("pgx", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	db.SetConnMaxIdleTime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log.Info().Int("max_conns", 20).Msg("connected to postgres")
	return db, nil
}

// openSQLite configures the embedded database for concurrent use (WAL
// mode, foreign keys enabled). Use ":memory:" for tests.
func openSQLite(ctx context.Context, path string) (*sqlx.DB, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	// SQLite only supports a single writer at a time.
	db.SetMaxOpenConns(1)

	log.Info().Str("path", path).Msg("opened sqlite database")
	return db, nil
}
