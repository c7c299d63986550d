// Package configstore holds the key/value blob store consulted before a
// pipeline run is triggered.
package configstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("config key not found")

// DefaultKey is the key the service reads and writes its pipeline config under.
const DefaultKey = "config"

// Store is a get/put JSON blob store.
type Store interface {
	Get(ctx context.Context, key string) (json.RawMessage, error)
	Put(ctx context.Context, key string, value json.RawMessage) error
}

// Memory is an in-process Store. Values are lost on restart.
type Memory struct {
	mu     sync.RWMutex
	values map[string]json.RawMessage
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{values: make(map[string]json.RawMessage)}
}

// Get returns a copy of the stored value.
func (m *Memory) Get(_ context.Context, key string) (json.RawMessage, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(v), nil
}

// Put stores a copy of value.
func (m *Memory) Put(_ context.Context, key string, value json.RawMessage) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if !json.Valid(value) {
		return errors.New("value must be valid JSON")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = bytes.Clone(value)
	return nil
}

func validateKey(key string) error {
	if strings.TrimSpace(key) == "" {
		return errors.New("key is required")
	}
	return nil
}
