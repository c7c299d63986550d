// Package control is the layer between inbound requests and the pipeline
// orchestrator. It resolves the configuration to run with from the config
// store and translates request payloads into triggers.
package control

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"pipelined/services/configstore"
	"pipelined/services/pipeline"
)

// ErrMalformedConfig is returned when a submitted config is not a JSON object.
var ErrMalformedConfig = errors.New("malformed config")

// DefaultConfig is served when nothing has been stored yet.
var DefaultConfig = json.RawMessage(`{"title":"Interactive Pipeline","description":"Watch your changes flow through the stack"}`)

// Triggerer starts pipeline runs.
type Triggerer interface {
	Trigger(ctx context.Context, config json.RawMessage) (pipeline.Run, error)
}

// Controller ties the config store to the orchestrator.
type Controller struct {
	store  configstore.Store
	runs   Triggerer
	key    string
	logger zerolog.Logger
}

// New creates a Controller reading and writing config under key.
func New(store configstore.Store, runs Triggerer, key string, logger zerolog.Logger) (*Controller, error) {
	if store == nil {
		return nil, errors.New("config store is required")
	}
	if runs == nil {
		return nil, errors.New("triggerer is required")
	}
	if key == "" {
		key = configstore.DefaultKey
	}
	return &Controller{
		store:  store,
		runs:   runs,
		key:    key,
		logger: logger.With().Str("component", "control").Logger(),
	}, nil
}

// Config returns the stored config, or DefaultConfig when none is stored.
func (c *Controller) Config(ctx context.Context) (json.RawMessage, error) {
	cfg, err := c.store.Get(ctx, c.key)
	if errors.Is(err, configstore.ErrNotFound) {
		return bytes.Clone(DefaultConfig), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// TriggerStored starts a run with the stored config, or an empty object when
// nothing is stored.
func (c *Controller) TriggerStored(ctx context.Context) (pipeline.Run, error) {
	cfg, err := c.store.Get(ctx, c.key)
	switch {
	case errors.Is(err, configstore.ErrNotFound):
		cfg = json.RawMessage(`{}`)
	case err != nil:
		return pipeline.Run{}, fmt.Errorf("load config: %w", err)
	}
	return c.runs.Trigger(ctx, cfg)
}

// TriggerWith starts a run with raw when it is non-empty, falling back to the
// stored config otherwise. raw is not persisted.
func (c *Controller) TriggerWith(ctx context.Context, raw []byte) (pipeline.Run, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return c.TriggerStored(ctx)
	}
	cfg, err := ValidateConfig(raw)
	if err != nil {
		return pipeline.Run{}, err
	}
	return c.runs.Trigger(ctx, cfg)
}

// UpdateResult reports what UpdateConfig did.
type UpdateResult struct {
	Config    json.RawMessage
	Run       pipeline.Run
	Triggered bool
}

// UpdateConfig validates and stores raw, then triggers a run with it. When a
// run is already active the config is still stored and Triggered is false.
func (c *Controller) UpdateConfig(ctx context.Context, raw []byte) (UpdateResult, error) {
	cfg, err := ValidateConfig(raw)
	if err != nil {
		return UpdateResult{}, err
	}
	if err := c.store.Put(ctx, c.key, cfg); err != nil {
		return UpdateResult{}, fmt.Errorf("store config: %w", err)
	}

	run, err := c.runs.Trigger(ctx, cfg)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		c.logger.Info().Msg("config stored while a run is active; not triggering")
		return UpdateResult{Config: cfg}, nil
	case err != nil:
		return UpdateResult{Config: cfg}, err
	}
	return UpdateResult{Config: cfg, Run: run, Triggered: true}, nil
}

// ValidateConfig checks that raw is a single JSON object and returns it
// compacted.
func ValidateConfig(raw []byte) (json.RawMessage, error) {
	var obj map[string]any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	if obj == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformedConfig)
	}
	if dec.More() {
		return nil, fmt.Errorf("%w: trailing data", ErrMalformedConfig)
	}

	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedConfig, err)
	}
	return json.RawMessage(buf.Bytes()), nil
}
