package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/klauspost/compress/gzhttp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"pipelined/services/control"
	"pipelined/services/pipeline"
	"pipelined/services/stream"
)

const defaultRateLimit = 120

// Config controls runtime behaviour for the API handlers.
type Config struct {
	AllowedOrigins     []string
	RateLimitPerMinute int
	Stream             stream.TransportOptions
}

// Pipeline exposes the current run.
type Pipeline interface {
	Snapshot() (pipeline.Run, bool)
}

// Controller resolves configs and triggers runs.
type Controller interface {
	Config(ctx context.Context) (json.RawMessage, error)
	TriggerWith(ctx context.Context, raw []byte) (pipeline.Run, error)
	UpdateConfig(ctx context.Context, raw []byte) (control.UpdateResult, error)
}

// ReadyCheck reports whether a dependency is usable.
type ReadyCheck func(ctx context.Context) error

// API wires the hub, orchestrator and controller to HTTP handlers.
type API struct {
	hub    *stream.Hub
	runs   Pipeline
	ctl    Controller
	config Config
	logger zerolog.Logger
	checks map[string]ReadyCheck
}

// New initialises the API layer with defaults applied to the provided configuration.
func New(hub *stream.Hub, runs Pipeline, ctl Controller, cfg Config, logger zerolog.Logger) (*API, error) {
	if hub == nil {
		return nil, errors.New("hub is required")
	}
	if runs == nil {
		return nil, errors.New("pipeline is required")
	}
	if ctl == nil {
		return nil, errors.New("controller is required")
	}
	if len(cfg.AllowedOrigins) == 0 {
		cfg.AllowedOrigins = []string{"*"}
	}
	if cfg.RateLimitPerMinute <= 0 {
		cfg.RateLimitPerMinute = defaultRateLimit
	}

	return &API{
		hub:    hub,
		runs:   runs,
		ctl:    ctl,
		config: cfg,
		logger: logger.With().Str("component", "api").Logger(),
		checks: make(map[string]ReadyCheck),
	}, nil
}

// AddReadyCheck registers a dependency consulted by /readyz.
func (a *API) AddReadyCheck(name string, check ReadyCheck) {
	if a == nil || check == nil {
		return
	}
	a.checks[name] = check
}

// Routes constructs the chi router containing all API endpoints.
func (a *API) Routes() (http.Handler, error) {
	if a == nil {
		return nil, errors.New("nil api")
	}

	gzip, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
	if err != nil {
		return nil, fmt.Errorf("gzip wrapper: %w", err)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: a.config.AllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         int((10 * time.Minute).Seconds()),
	}))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", a.handleReady)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		// Long-lived streams: no timeout or compression.
		r.Get("/stream", stream.SSEHandler(a.hub, a.config.Stream, a.logger))
		r.Get("/ws", stream.WebSocketHandler(a.hub, a.config.Stream, a.logger))

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(func(next http.Handler) http.Handler { return gzip(next) })

			r.Get("/pipeline", a.handleSnapshot)
			r.Get("/config", a.handleGetConfig)

			r.Group(func(r chi.Router) {
				r.Use(httprate.LimitByIP(a.config.RateLimitPerMinute, time.Minute))
				r.Post("/pipeline/trigger", a.handleTrigger)
				r.Post("/config", a.handleUpdateConfig)
			})
		})
	})

	return r, nil
}
