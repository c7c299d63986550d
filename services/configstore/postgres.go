package configstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/georgysavva/scany/v2/pgxscan"

	"pipelined/pkg/db"
)

// Postgres stores values in the pipeline_config table created by the
// pkg/db migrations.
type Postgres struct {
	pool db.DB
}

// NewPostgres wraps an open pool. Run db.Migrate first.
func NewPostgres(pool db.DB) (*Postgres, error) {
	if pool == nil {
		return nil, errors.New("pool is required")
	}
	return &Postgres{pool: pool}, nil
}

type configRow struct {
	Value []byte `db:"value"`
}

// Get reads the value stored under key.
func (p *Postgres) Get(ctx context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}

	var row configRow
	err := db.Get(ctx, p.pool, &row, `SELECT value FROM pipeline_config WHERE key = $1`, key)
	if err != nil {
		if pgxscan.NotFound(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get config %q: %w", key, err)
	}
	return json.RawMessage(row.Value), nil
}

// Put upserts value under key.
func (p *Postgres) Put(ctx context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return errors.New("value must be valid JSON")
	}

	query := `
        INSERT INTO pipeline_config (key, value, updated_at)
        VALUES ($1, $2::jsonb, now())
        ON CONFLICT (key) DO UPDATE SET
            value = EXCLUDED.value,
            updated_at = EXCLUDED.updated_at
    `
	if _, err := db.Exec(ctx, p.pool, query, key, string(value)); err != nil {
		return fmt.Errorf("put config %q: %w", key, err)
	}
	return nil
}
