package pipeline

import (
	"context"
	"math/rand/v2"
	"time"
)

// ProgressFunc receives a stage's completion percentage in [0,100].
type ProgressFunc func(percent float64)

// StageExecutor performs the work of one stage. Execute returns when the stage
// is done; a non-nil error is only expected when ctx is cancelled.
type StageExecutor interface {
	Execute(ctx context.Context, stage Stage, report ProgressFunc) error
}

// ExecutorFunc adapts a function to StageExecutor.
type ExecutorFunc func(ctx context.Context, stage Stage, report ProgressFunc) error

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, stage Stage, report ProgressFunc) error {
	return f(ctx, stage, report)
}

const (
	defaultTicks       = 10
	defaultMinDuration = 2 * time.Second
	defaultMaxDuration = 4 * time.Second
)

// SimulatedExecutor stands in for real stage work: it reports Ticks evenly
// spaced progress steps over a random duration in [MinDuration, MaxDuration].
type SimulatedExecutor struct {
	MinDuration time.Duration
	MaxDuration time.Duration
	Ticks       int
	// Rand returns a value in [0,1). Defaults to math/rand/v2.
	Rand func() float64
}

// Execute runs the simulated stage.
func (e SimulatedExecutor) Execute(ctx context.Context, stage Stage, report ProgressFunc) error {
	ticks := e.Ticks
	if ticks <= 0 {
		ticks = defaultTicks
	}
	lo, hi := e.MinDuration, e.MaxDuration
	if lo <= 0 {
		lo = defaultMinDuration
	}
	if hi <= 0 {
		hi = defaultMaxDuration
	}
	if hi < lo {
		hi = lo
	}
	random := e.Rand
	if random == nil {
		random = rand.Float64
	}

	total := lo + time.Duration(random()*float64(hi-lo))
	step := total / time.Duration(ticks)

	for i := 1; i <= ticks; i++ {
		if err := sleep(ctx, step); err != nil {
			return err
		}
		report(float64(i) / float64(ticks) * 100)
	}
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
