package api

import (
	"bufio"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pipelined/services/configstore"
	"pipelined/services/control"
	"pipelined/services/pipeline"
	"pipelined/services/stream"
)

type fixture struct {
	server  *httptest.Server
	hub     *stream.Hub
	orch    *pipeline.Orchestrator
	api     *API
	release chan struct{}
}

// newFixture wires the real hub, orchestrator and controller. Stages block
// until release is closed so tests can observe an active run.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	release := make(chan struct{})
	hub := stream.NewHub(zerolog.Nop())

	exec := pipeline.ExecutorFunc(func(ctx context.Context, _ pipeline.Stage, report pipeline.ProgressFunc) error {
		select {
		case <-release:
		case <-ctx.Done():
			return ctx.Err()
		}
		report(100)
		return nil
	})
	orch, err := pipeline.New(hub, pipeline.Options{Executor: exec, Cooldown: time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	hub.SetSnapshotSource(orch.CurrentSnapshot)

	ctl, err := control.New(configstore.NewMemory(), orch, "", zerolog.Nop())
	require.NoError(t, err)

	a, err := New(hub, orch, ctl, Config{Stream: stream.TransportOptions{KeepAlive: time.Hour}}, zerolog.Nop())
	require.NoError(t, err)
	handler, err := a.Routes()
	require.NoError(t, err)

	srv := httptest.NewServer(handler)
	f := &fixture{server: srv, hub: hub, orch: orch, api: a, release: release}
	t.Cleanup(func() {
		srv.Close()
		_ = orch.Close()
	})
	return f
}

func (f *fixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(data) > 0 && strings.HasPrefix(resp.Header.Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(data, &out))
	}
	return resp, out
}

func TestTriggerSingleFlight(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/api/pipeline/trigger", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	id, _ := body["id"].(string)
	assert.True(t, strings.HasPrefix(id, "pipeline-"))

	resp, body = f.do(t, http.MethodPost, "/api/pipeline/trigger", "")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "pipeline already running", body["error"])

	close(f.release)
	f.orch.Wait()

	resp, _ = f.do(t, http.MethodPost, "/api/pipeline/trigger", "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func TestTriggerRejectsMalformedBody(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/pipeline/trigger", `[1,2]`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.False(t, f.orch.Active())
}

func TestSnapshotRoute(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/api/pipeline", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = f.do(t, http.MethodPost, "/api/pipeline/trigger", `{"title":"inline"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body := f.do(t, http.MethodGet, "/api/pipeline", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "queued", body["currentStage"])
	assert.Equal(t, map[string]any{"title": "inline"}, body["config"])
}

func TestConfigRoutes(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "Interactive Pipeline", body["title"])

	resp, body = f.do(t, http.MethodPost, "/api/config", `{"title":"first"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, true, body["triggered"])
	assert.Equal(t, map[string]any{"title": "first"}, body["config"])

	// A run is still active: the config is stored but nothing new starts.
	resp, body = f.do(t, http.MethodPost, "/api/config", `{"title":"second"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, false, body["triggered"])
	assert.NotContains(t, body, "id")

	resp, body = f.do(t, http.MethodGet, "/api/config", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "second", body["title"])

	run, ok := f.orch.Snapshot()
	require.True(t, ok)
	assert.JSONEq(t, `{"title":"first"}`, string(run.Config))
}

func TestUpdateConfigValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "empty", body: ""},
		{name: "array", body: `[]`},
		{name: "not json", body: `title=x`},
		{name: "null", body: `null`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			resp, body := f.do(t, http.MethodPost, "/api/config", tt.body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.Contains(t, body["error"], "malformed config")
			assert.False(t, f.orch.Active())
		})
	}
}

func TestHealthAndReadiness(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	f.api.AddReadyCheck("db", func(context.Context) error { return errors.New("connection refused") })
	resp, body := f.do(t, http.MethodGet, "/readyz", "")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, map[string]any{"db": "connection refused"}, body["checks"])

	resp, _ = f.do(t, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	req, err := http.NewRequest(http.MethodOptions, f.server.URL+"/api/pipeline/trigger", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "http://example.com")
	req.Header.Set("Access-Control-Request-Method", http.MethodPost)
	req.Header.Set("Access-Control-Request-Headers", "Content-Type")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestSnapshotRouteCompresses(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/pipeline/trigger", `{"notes":"`+strings.Repeat("x", 2048)+`"}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, f.server.URL+"/api/pipeline", nil)
	require.NoError(t, err)
	req.Header.Set("Accept-Encoding", "gzip")
	// Setting Accept-Encoding explicitly disables transparent decompression.
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "gzip", resp.Header.Get("Content-Encoding"))

	zr, err := gzip.NewReader(resp.Body)
	require.NoError(t, err)
	var run pipeline.Run
	require.NoError(t, json.NewDecoder(zr).Decode(&run))
	assert.Equal(t, pipeline.StageQueued, run.CurrentStage)
}

func TestStreamRouteReplaysSnapshot(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/api/pipeline/trigger", "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.server.URL+"/api/stream", nil)
	require.NoError(t, err)
	sse, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer sse.Body.Close()
	assert.Equal(t, "text/event-stream", sse.Header.Get("Content-Type"))

	reader := bufio.NewReader(sse.Body)
	var lines []string
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		lines = append(lines, line)
	}
	assert.Equal(t, "event: pipeline-update", lines[0])
	assert.Contains(t, lines[1], `"currentStage":"queued"`)
}

func TestNewValidates(t *testing.T) {
	hub := stream.NewHub(zerolog.Nop())
	_, err := New(nil, nil, nil, Config{}, zerolog.Nop())
	assert.Error(t, err)
	_, err = New(hub, nil, nil, Config{}, zerolog.Nop())
	assert.Error(t, err)
}
