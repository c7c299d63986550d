package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	_ "pipelined/pkg/db/migrations"
)

const (
	// QueryTimeout bounds a single config read or upsert. Config requests are
	// served inside the API's own request timeout, so this stays short.
	QueryTimeout = 3 * time.Second

	// ConnectTimeout bounds pool creation, the initial ping and migrations.
	ConnectTimeout = 15 * time.Second

	// The config store handles one row per key and a handful of requests.
	maxConns = 4

	applicationName = "pipelined"
)

// ErrNilPool is returned by helpers that need an open pool.
var ErrNilPool = errors.New("config database: nil pool")

// DB is the subset of *pgxpool.Pool the config store queries through.
type DB interface {
	pgxscan.Querier
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Open connects to the config database and verifies it answers.
func Open(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse config database dsn: %w", err)
	}

	// goose runs over database/sql with the same connection string.
	cfg.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol
	if cfg.MaxConns > maxConns {
		cfg.MaxConns = maxConns
	}
	if cfg.ConnConfig.RuntimeParams == nil {
		cfg.ConnConfig.RuntimeParams = map[string]string{}
	}
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open config database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping config database: %w", err)
	}
	return pool, nil
}

// Migrate creates or upgrades the pipeline_config table.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNilPool
	}
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("migrate pipeline_config: %w", err)
	}

	sqlDB, err := goose.OpenDBWithDriver("pgx", pool.Config().ConnConfig.ConnString())
	if err != nil {
		return fmt.Errorf("migrate pipeline_config: %w", err)
	}
	defer sqlDB.Close()

	ctx, cancel := context.WithTimeout(ctx, ConnectTimeout)
	defer cancel()
	if err := goose.UpContext(ctx, sqlDB, "migrations"); err != nil {
		return fmt.Errorf("migrate pipeline_config: %w", err)
	}
	return nil
}

// Exec runs a config statement under QueryTimeout.
func Exec(ctx context.Context, pool DB, query string, args ...any) (pgconn.CommandTag, error) {
	if pool == nil {
		return pgconn.CommandTag{}, ErrNilPool
	}
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	return pool.Exec(ctx, query, args...)
}

// Get scans one config row into dest under QueryTimeout. A missing row is
// reported the way pgxscan.NotFound recognises.
func Get(ctx context.Context, pool DB, dest any, query string, args ...any) error {
	if pool == nil {
		return ErrNilPool
	}
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	return pgxscan.Get(ctx, pool, dest, query, args...)
}

// Ping backs the postgres readiness check.
func Ping(ctx context.Context, pool *pgxpool.Pool) error {
	if pool == nil {
		return ErrNilPool
	}
	ctx, cancel := context.WithTimeout(ctx, QueryTimeout)
	defer cancel()
	if err := pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping config database: %w", err)
	}
	return nil
}
