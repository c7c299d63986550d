package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pipelined/services/stream"
)

const defaultCooldown = 500 * time.Millisecond

var (
	// ErrAlreadyRunning is returned by Trigger while a run is mid-sequence.
	ErrAlreadyRunning = errors.New("pipeline already running")
	// ErrClosed is returned by Trigger after Close.
	ErrClosed = errors.New("orchestrator closed")
)

var tracer = otel.Tracer("pipelined/services/pipeline")

// Options configures an Orchestrator. Zero values select defaults.
type Options struct {
	Executor       StageExecutor
	Cooldown       time.Duration
	Infrastructure InfrastructureTable
	Now            func() time.Time
	Logger         zerolog.Logger
}

// Orchestrator owns the single canonical Run and advances it through Stages.
// Only the run goroutine started by Trigger mutates the Run; every change is
// pushed to the broadcaster as a full snapshot.
type Orchestrator struct {
	out      Broadcaster
	logs     *LogEmitter
	executor StageExecutor
	cooldown time.Duration
	infra    InfrastructureTable
	now      func() time.Time
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	run        *Run
	active     bool
	closed     bool
	startedAt  time.Time
	halfLogged bool
}

// New creates an idle orchestrator broadcasting through out.
func New(out Broadcaster, opts Options) (*Orchestrator, error) {
	if out == nil {
		return nil, errors.New("broadcaster is required")
	}
	if opts.Executor == nil {
		opts.Executor = SimulatedExecutor{}
	}
	if opts.Cooldown <= 0 {
		opts.Cooldown = defaultCooldown
	}
	if opts.Infrastructure == nil {
		opts.Infrastructure = DefaultInfrastructure()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	logger := opts.Logger.With().Str("component", "orchestrator").Logger()
	ctx, cancel := context.WithCancel(context.Background())

	return &Orchestrator{
		out:      out,
		logs:     NewLogEmitter(out, opts.Now, logger),
		executor: opts.Executor,
		cooldown: opts.Cooldown,
		infra:    opts.Infrastructure,
		now:      opts.Now,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Trigger starts a new run with config and returns its initial snapshot
// without waiting for any stage. While another run is between queued and live
// it fails with ErrAlreadyRunning and the current run is left untouched.
func (o *Orchestrator) Trigger(ctx context.Context, config json.RawMessage) (Run, error) {
	if o == nil {
		return Run{}, errors.New("nil orchestrator")
	}
	if len(config) == 0 || string(config) == "null" {
		config = json.RawMessage(`{}`)
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return Run{}, ErrClosed
	}
	if o.active {
		o.mu.Unlock()
		runsRejected.Inc()
		return Run{}, ErrAlreadyRunning
	}

	now := o.now()
	infra := o.infra.lookup(StageQueued)
	o.run = &Run{
		ID:                fmt.Sprintf("pipeline-%d", now.UnixMilli()),
		Config:            append(json.RawMessage(nil), config...),
		CurrentStage:      StageQueued,
		CompletedStages:   []Stage{},
		Progress:          0,
		StartTime:         now.UnixMilli(),
		ActiveNodes:       infra.Nodes,
		ActiveConnections: infra.Connections,
	}
	o.active = true
	o.startedAt = now
	o.halfLogged = false
	snap := o.run.Clone()
	o.wg.Add(1)
	o.mu.Unlock()

	runsTriggered.Inc()
	o.logger.Info().Str("run", snap.ID).Msg("run triggered")

	// The run is created already inside its first stage; execute does not
	// enter it again.
	o.publish(snap)
	o.logs.Info(StageQueued, fmt.Sprintf("Pipeline %s queued", snap.ID))
	o.logs.Info(StageQueued, fmt.Sprintf("Starting %s stage", StageQueued))

	// The run outlives the triggering request, so it only inherits its trace.
	runCtx := trace.ContextWithSpanContext(o.ctx, trace.SpanContextFromContext(ctx))
	go o.execute(runCtx, snap.ID)

	return snap, nil
}

// Snapshot returns a copy of the current run, or false before the first
// trigger.
func (o *Orchestrator) Snapshot() (Run, bool) {
	if o == nil {
		return Run{}, false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.run == nil {
		return Run{}, false
	}
	return o.run.Clone(), true
}

// CurrentSnapshot adapts Snapshot to stream.SnapshotSource.
func (o *Orchestrator) CurrentSnapshot() (any, bool) {
	run, ok := o.Snapshot()
	if !ok {
		return nil, false
	}
	return run, true
}

// Active reports whether a run is mid-sequence.
func (o *Orchestrator) Active() bool {
	if o == nil {
		return false
	}
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

// Wait blocks until no run goroutine is executing.
func (o *Orchestrator) Wait() {
	if o == nil {
		return
	}
	o.wg.Wait()
}

// Close stops accepting triggers, cancels any in-flight stage and waits for
// the run goroutine to exit. It is meant for process shutdown only.
func (o *Orchestrator) Close() error {
	if o == nil {
		return nil
	}
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	o.cancel()
	o.wg.Wait()
	return nil
}

func (o *Orchestrator) execute(ctx context.Context, runID string) {
	defer o.wg.Done()

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(attribute.String("pipeline.id", runID)))
	defer span.End()

	for i, stage := range Stages {
		if i > 0 {
			o.enterStage(stage)
		}

		if err := o.runStage(ctx, stage); err != nil {
			o.abandon(stage, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "run stopped")
			return
		}

		o.completeStage(stage)

		if err := sleep(ctx, o.cooldown); err != nil {
			o.abandon(stage, err)
			span.RecordError(err)
			span.SetStatus(codes.Error, "run stopped")
			return
		}
	}

	o.finish()
}

func (o *Orchestrator) runStage(ctx context.Context, stage Stage) error {
	ctx, span := tracer.Start(ctx, "pipeline.stage", trace.WithAttributes(attribute.String("pipeline.stage", string(stage))))
	defer span.End()

	start := time.Now()
	err := o.executor.Execute(ctx, stage, o.progress(stage))
	stageDuration.WithLabelValues(string(stage)).Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (o *Orchestrator) enterStage(stage Stage) {
	infra := o.infra.lookup(stage)

	o.mu.Lock()
	o.run.CurrentStage = stage
	o.run.Progress = 0
	o.run.ActiveNodes = infra.Nodes
	o.run.ActiveConnections = infra.Connections
	o.halfLogged = false
	snap := o.run.Clone()
	o.mu.Unlock()

	o.logger.Debug().Str("run", snap.ID).Str("stage", string(stage)).Msg("stage entered")
	o.publish(snap)
	o.logs.Info(stage, fmt.Sprintf("Starting %s stage", stage))
}

// progress returns the callback handed to the executor for stage. Values are
// clamped to [0,100]; a value below the current progress is ignored so the
// broadcast sequence never goes backwards within a stage.
func (o *Orchestrator) progress(stage Stage) ProgressFunc {
	return func(percent float64) {
		if math.IsNaN(percent) {
			return
		}
		percent = math.Max(0, math.Min(100, percent))

		o.mu.Lock()
		if o.run == nil || o.run.CurrentStage != stage || percent < o.run.Progress {
			o.mu.Unlock()
			return
		}
		o.run.Progress = percent
		logHalf := !o.halfLogged && percent >= 50
		if logHalf {
			o.halfLogged = true
		}
		snap := o.run.Clone()
		o.mu.Unlock()

		o.publish(snap)
		if logHalf {
			o.logs.Info(stage, fmt.Sprintf("%s at 50%%...", stage))
		}
	}
}

func (o *Orchestrator) completeStage(stage Stage) {
	o.mu.Lock()
	o.run.CompletedStages = append(o.run.CompletedStages, stage)
	o.run.Progress = 100
	snap := o.run.Clone()
	o.mu.Unlock()

	o.publish(snap)
	o.logs.Success(stage, fmt.Sprintf("Completed %s stage", stage))
}

func (o *Orchestrator) finish() {
	o.mu.Lock()
	elapsed := o.now().Sub(o.startedAt)
	seconds := int64(math.Round(elapsed.Seconds()))
	o.run.CurrentStage = StageCompleted
	o.run.Duration = &seconds
	// Single-flight ends with the completed transition, so a trigger sent by
	// a client reacting to this snapshot is accepted.
	o.active = false
	snap := o.run.Clone()
	o.mu.Unlock()

	o.publish(snap)
	o.logs.Success(StageLive, fmt.Sprintf("Pipeline completed successfully in %ds", seconds))
	o.logger.Info().Str("run", snap.ID).Int64("duration_s", seconds).Msg("run completed")
}

// abandon leaves the run where it stopped and frees the single-flight slot.
// It is only reached when the orchestrator is shutting down.
func (o *Orchestrator) abandon(stage Stage, err error) {
	o.mu.Lock()
	runID := o.run.ID
	o.mu.Unlock()

	o.logger.Warn().Err(err).Str("run", runID).Str("stage", string(stage)).Msg("run stopped")
	o.logs.Error(stage, fmt.Sprintf("Pipeline %s stopped during %s: %v", runID, stage, err))
	o.release()
}

func (o *Orchestrator) release() {
	o.mu.Lock()
	o.active = false
	o.mu.Unlock()
}

func (o *Orchestrator) publish(run Run) {
	if err := o.out.Broadcast(stream.KindPipelineUpdate, run); err != nil {
		o.logger.Error().Err(err).Str("run", run.ID).Msg("broadcast snapshot")
	}
}
