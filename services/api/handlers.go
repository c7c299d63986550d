package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"pipelined/services/control"
	"pipelined/services/pipeline"
)

func (a *API) handleTrigger(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	run, err := a.ctl.TriggerWith(ctx, body)
	switch {
	case errors.Is(err, pipeline.ErrAlreadyRunning):
		respondError(w, http.StatusConflict, err)
		return
	case errors.Is(err, control.ErrMalformedConfig):
		respondError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("trigger pipeline")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	respondJSON(w, http.StatusAccepted, map[string]any{"success": true, "id": run.ID})
}

func (a *API) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	run, ok := a.runs.Snapshot()
	if !ok {
		respondError(w, http.StatusNotFound, errors.New("no pipeline run"))
		return
	}
	respondJSON(w, http.StatusOK, run)
}

func (a *API) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	cfg, err := a.ctl.Config(ctx)
	if err != nil {
		a.logger.Error().Err(err).Msg("load config")
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	respondJSON(w, http.StatusOK, cfg)
}

func (a *API) handleUpdateConfig(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(w, r)
	if err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()

	res, err := a.ctl.UpdateConfig(ctx, body)
	switch {
	case errors.Is(err, control.ErrMalformedConfig):
		respondError(w, http.StatusBadRequest, err)
		return
	case err != nil:
		a.logger.Error().Err(err).Msg("update config")
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	resp := map[string]any{
		"success":   true,
		"config":    res.Config,
		"triggered": res.Triggered,
	}
	if res.Triggered {
		resp["id"] = res.Run.ID
	}
	respondJSON(w, http.StatusOK, resp)
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	failed := map[string]string{}
	for name, check := range a.checks {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		respondJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "checks": failed})
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}
