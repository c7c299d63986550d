package pipeline

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined/services/stream"
)

func TestSimulatedExecutorTicks(t *testing.T) {
	exec := SimulatedExecutor{
		MinDuration: 10 * time.Millisecond,
		MaxDuration: 20 * time.Millisecond,
		Ticks:       10,
		Rand:        func() float64 { return 0.5 },
	}

	var got []float64
	start := time.Now()
	err := exec.Execute(context.Background(), StageBuilding, func(p float64) { got = append(got, p) })
	require.NoError(t, err)

	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
	require.Len(t, got, 10)
	for i, p := range got {
		assert.InDelta(t, float64(i+1)*10, p, 1e-9)
	}
}

func TestSimulatedExecutorCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := SimulatedExecutor{MinDuration: time.Second, MaxDuration: time.Second}.
		Execute(ctx, StageTesting, func(float64) { calls++ })
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, calls)
}

func TestParseInfrastructure(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		wantErr bool
	}{
		{
			name:  "embedded table",
			input: string(defaultInfrastructureYAML),
		},
		{
			name:    "missing stage",
			input:   "queued:\n  nodes: [edge]\n",
			wantErr: true,
		},
		{
			name:    "not yaml",
			input:   "queued: [",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			table, err := ParseInfrastructure([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, table, len(Stages))
		})
	}
}

func TestDefaultInfrastructureEntries(t *testing.T) {
	table := DefaultInfrastructure()
	assert.Equal(t, []string{"worker", "durable", "github"}, table.lookup(StageBuilding).Nodes)
	assert.Equal(t, []string{"edge-pages", "edge-worker"}, table.lookup(StageLive).Connections)

	empty := table.lookup(StageCompleted)
	assert.NotNil(t, empty.Nodes)
	assert.Empty(t, empty.Nodes)
}

func TestLogEmitterBroadcastsLogKind(t *testing.T) {
	hub := stream.NewHub(zerolog.Nop())
	c := &collector{}
	require.NoError(t, hub.Register(c))

	fixed := time.UnixMilli(1234)
	emitter := NewLogEmitter(hub, func() time.Time { return fixed }, zerolog.Nop())

	entry := emitter.Warning(StageDeploying, "slow edge")
	assert.Equal(t, LogEntry{Type: SeverityWarning, Stage: StageDeploying, Message: "slow edge", Timestamp: 1234}, entry)

	logs := c.logs(t)
	require.Len(t, logs, 1)
	assert.Equal(t, entry, logs[0])
	assert.Empty(t, c.snapshots(t))
}
