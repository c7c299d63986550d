package control

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"pipelined/services/pipeline"
)

// Scheduler triggers runs from the stored config on a cron schedule.
type Scheduler struct {
	cron   *cron.Cron
	ctl    *Controller
	logger zerolog.Logger
}

// ParseSchedule parses a five-field cron expression or a descriptor such as
// "@every 10m".
func ParseSchedule(expr string) (cron.Schedule, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	return parser.Parse(strings.TrimSpace(expr))
}

// NewScheduler validates expr and prepares a scheduler. Call Run to start it.
func NewScheduler(expr string, ctl *Controller, logger zerolog.Logger) (*Scheduler, error) {
	if ctl == nil {
		return nil, errors.New("controller is required")
	}
	sched, err := ParseSchedule(expr)
	if err != nil {
		return nil, fmt.Errorf("parse schedule %q: %w", expr, err)
	}

	s := &Scheduler{
		cron:   cron.New(),
		ctl:    ctl,
		logger: logger.With().Str("component", "scheduler").Str("schedule", expr).Logger(),
	}
	s.cron.Schedule(sched, cron.FuncJob(s.fire))
	return s, nil
}

// Run starts the schedule and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if s == nil {
		return errors.New("nil scheduler")
	}
	s.cron.Start()
	s.logger.Info().Msg("scheduler started")

	<-ctx.Done()
	<-s.cron.Stop().Done()
	return nil
}

func (s *Scheduler) fire() {
	run, err := s.ctl.TriggerStored(context.Background())
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		s.logger.Info().Msg("run already active; skipping scheduled trigger")
	case err != nil:
		s.logger.Error().Err(err).Msg("scheduled trigger failed")
	default:
		s.logger.Info().Str("run", run.ID).Msg("scheduled run triggered")
	}
}
