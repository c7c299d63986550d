package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"pipelined/pkg/bus"
	"pipelined/pkg/db"
	gos3 "pipelined/pkg/s3"
	"pipelined/pkg/telemetry"
	"pipelined/services/api"
	"pipelined/services/api/internal/config"
	"pipelined/services/configstore"
	"pipelined/services/control"
	"pipelined/services/pipeline"
	"pipelined/services/relay"
	"pipelined/services/stream"
)

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the pipeline server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			_ = godotenv.Load()

			cfg, err := config.Load(ctx)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			return serve(ctx, cfg)
		},
	}
}

func serve(ctx context.Context, cfg config.Config) error {
	shutdownTelemetry, middleware, logger, err := telemetry.Init(ctx, telemetry.Options{
		ServiceName:  serviceName,
		OTLPEndpoint: cfg.OTLPEndpoint,
		LogLevel:     cfg.LogLevel,
		LogFormat:    cfg.LogFormat,
	})
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown telemetry")
		}
	}()

	hub := stream.NewHub(logger)
	orch, err := pipeline.New(hub, pipeline.Options{
		Executor: pipeline.SimulatedExecutor{
			MinDuration: cfg.StageMin,
			MaxDuration: cfg.StageMax,
			Ticks:       cfg.Ticks,
		},
		Cooldown: cfg.Cooldown,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer orch.Close()
	hub.SetSnapshotSource(orch.CurrentSnapshot)

	store, checks, closeStore, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	ctl, err := control.New(store, orch, configstore.DefaultKey, logger)
	if err != nil {
		return err
	}

	a, err := api.New(hub, orch, ctl, api.Config{
		AllowedOrigins:     cfg.AllowedOrigins,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Stream: stream.TransportOptions{
			Buffer:    cfg.StreamBuffer,
			KeepAlive: cfg.KeepAlive,
		},
	}, logger)
	if err != nil {
		return err
	}
	for name, check := range checks {
		a.AddReadyCheck(name, check)
	}

	// Early returns below must stop whatever was already started in g.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	if cfg.NATSURL != "" {
		b, err := bus.New(cfg.NATSURL, nats.Name(serviceName), nats.MaxReconnects(-1))
		if err != nil {
			return fmt.Errorf("connect nats: %w", err)
		}
		defer b.Close()
		if err := b.EnsureStream(relay.StreamName, relay.Subjects()...); err != nil {
			return err
		}
		a.AddReadyCheck("nats", func(context.Context) error { return b.Healthy() })

		sub, err := startRelay(gctx, g, b, hub, ctl, logger)
		if err != nil {
			return err
		}
		defer sub.Close()
	}

	if cfg.Schedule != "" {
		sched, err := control.NewScheduler(cfg.Schedule, ctl, logger)
		if err != nil {
			return err
		}
		g.Go(func() error { return sched.Run(gctx) })
	}

	handler, err := a.Routes()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           middleware(handler),
		ReadHeaderTimeout: 10 * time.Second,
		// Streams end with the process context instead of holding Shutdown open.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}

	g.Go(func() error {
		logger.Info().Str("addr", cfg.Addr).Str("store", cfg.ConfigStore).Msg("starting pipelined")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("shutdown server")
		}
		return nil
	})

	err = g.Wait()
	logger.Info().Msg("pipelined stopped")
	return err
}

// relayBus is the part of *bus.Bus the relay uses.
type relayBus interface {
	relay.Publisher
	relay.Subscriber
}

// startRelay subscribes to remote triggers and then mirrors hub events onto
// the bus from g. When any step fails nothing is left running.
func startRelay(ctx context.Context, g *errgroup.Group, b relayBus, hub *stream.Hub, runs relay.Triggerer, logger zerolog.Logger) (io.Closer, error) {
	sub, err := relay.ListenTriggers(ctx, b, runs, logger)
	if err != nil {
		return nil, fmt.Errorf("subscribe triggers: %w", err)
	}

	mirror, err := relay.NewMirror(b, 0, logger)
	if err != nil {
		_ = sub.Close()
		return nil, err
	}
	if err := hub.Register(mirror); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("register relay: %w", err)
	}
	g.Go(func() error { return mirror.Run(ctx) })
	return sub, nil
}

// openStore selects the config store backend and returns readiness checks
// for its dependencies.
func openStore(ctx context.Context, cfg config.Config, logger zerolog.Logger) (configstore.Store, map[string]api.ReadyCheck, func(), error) {
	noop := func() {}

	switch cfg.ConfigStore {
	case config.StorePostgres:
		pool, err := db.Open(ctx, cfg.DBDSN)
		if err != nil {
			return nil, nil, noop, fmt.Errorf("connect database: %w", err)
		}
		if err := db.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, nil, noop, fmt.Errorf("migrate database: %w", err)
		}
		store, err := configstore.NewPostgres(pool)
		if err != nil {
			pool.Close()
			return nil, nil, noop, err
		}
		checks := map[string]api.ReadyCheck{
			"postgres": func(ctx context.Context) error { return db.Ping(ctx, pool) },
		}
		return store, checks, pool.Close, nil

	case config.StoreS3:
		client, err := gos3.NewClientFromEnv()
		if err != nil {
			return nil, nil, noop, fmt.Errorf("s3 client: %w", err)
		}
		store, err := configstore.NewS3(client, cfg.S3Bucket, cfg.S3ConfigPrefix)
		if err != nil {
			return nil, nil, noop, err
		}
		return store, nil, noop, nil

	default:
		logger.Warn().Msg("using in-memory config store; config is lost on restart")
		return configstore.NewMemory(), nil, noop, nil
	}
}
