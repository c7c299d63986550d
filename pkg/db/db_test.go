package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errOffline = errors.New("offline")

// recordingDB captures the deadline each call was issued with.
type recordingDB struct {
	deadlines []time.Duration
}

func (r *recordingDB) record(ctx context.Context) {
	if dl, ok := ctx.Deadline(); ok {
		r.deadlines = append(r.deadlines, time.Until(dl))
		return
	}
	r.deadlines = append(r.deadlines, 0)
}

func (r *recordingDB) Query(ctx context.Context, _ string, _ ...any) (pgx.Rows, error) {
	r.record(ctx)
	return nil, errOffline
}

func (r *recordingDB) Exec(ctx context.Context, _ string, _ ...any) (pgconn.CommandTag, error) {
	r.record(ctx)
	return pgconn.CommandTag{}, errOffline
}

func TestHelpersApplyQueryTimeout(t *testing.T) {
	rec := &recordingDB{}
	ctx := context.Background()

	_, err := Exec(ctx, rec, `DELETE FROM pipeline_config`)
	assert.ErrorIs(t, err, errOffline)

	var dest struct{ Value []byte }
	assert.Error(t, Get(ctx, rec, &dest, `SELECT value FROM pipeline_config WHERE key = $1`, "default"))

	require.Len(t, rec.deadlines, 2)
	for _, d := range rec.deadlines {
		assert.Greater(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, QueryTimeout)
	}
}

func TestHelpersKeepShorterCallerDeadline(t *testing.T) {
	rec := &recordingDB{}
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, _ = Exec(ctx, rec, `SELECT 1`)
	require.Len(t, rec.deadlines, 1)
	assert.LessOrEqual(t, rec.deadlines[0], 50*time.Millisecond)
}

func TestNilPool(t *testing.T) {
	ctx := context.Background()

	_, err := Exec(ctx, nil, `SELECT 1`)
	assert.ErrorIs(t, err, ErrNilPool)
	assert.ErrorIs(t, Get(ctx, nil, &struct{}{}, `SELECT 1`), ErrNilPool)
	assert.ErrorIs(t, Ping(ctx, nil), ErrNilPool)
	assert.ErrorIs(t, Migrate(ctx, nil), ErrNilPool)
}

func TestOpenRejectsBadDSN(t *testing.T) {
	_, err := Open(context.Background(), "postgres://pipelined@localhost:5432/pipelined?pool_max_conns=many")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parse config database dsn")
}
