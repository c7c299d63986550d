package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"pipelined/services/stream"
)

// errConflict is returned when the server rejects a trigger because a run is active.
var errConflict = errors.New("pipeline already running")

type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(baseURL string, client *http.Client) *apiClient {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &apiClient{baseURL: strings.TrimRight(baseURL, "/"), http: client}
}

type triggerResponse struct {
	Success bool   `json:"success"`
	ID      string `json:"id"`
}

type configResponse struct {
	Success   bool            `json:"success"`
	Config    json.RawMessage `json:"config"`
	Triggered bool            `json:"triggered"`
	ID        string          `json:"id,omitempty"`
}

func (c *apiClient) trigger(ctx context.Context, config []byte) (triggerResponse, error) {
	var out triggerResponse
	err := c.do(ctx, http.MethodPost, "/api/pipeline/trigger", config, http.StatusAccepted, &out)
	return out, err
}

func (c *apiClient) getConfig(ctx context.Context) (json.RawMessage, error) {
	var out json.RawMessage
	err := c.do(ctx, http.MethodGet, "/api/config", nil, http.StatusOK, &out)
	return out, err
}

func (c *apiClient) putConfig(ctx context.Context, config []byte) (configResponse, error) {
	var out configResponse
	err := c.do(ctx, http.MethodPost, "/api/config", config, http.StatusOK, &out)
	return out, err
}

func (c *apiClient) do(ctx context.Context, method, path string, body []byte, want int, dest any) error {
	var reader io.Reader
	if len(body) > 0 {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		return responseError(resp)
	}
	if dest == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(dest)
}

// watch consumes the SSE stream and calls fn for every event until ctx is
// done or the server closes the stream.
func (c *apiClient) watch(ctx context.Context, fn func(stream.Event) error) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/stream", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	// Streams outlive the default client timeout.
	client := *c.http
	client.Timeout = 0
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return responseError(resp)
	}

	err = stream.ReadSSE(resp.Body, fn)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func responseError(resp *http.Response) error {
	var payload struct {
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err := json.Unmarshal(data, &payload); err != nil || payload.Error == "" {
		payload.Error = strings.TrimSpace(string(data))
	}
	if resp.StatusCode == http.StatusConflict {
		return errConflict
	}
	return fmt.Errorf("%s: %s", resp.Status, payload.Error)
}
