package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
)

// ErrNotFound is returned by Get when the key has never been set.
var ErrNotFound = errors.New("store: key not found")

// Store keeps small, well-known values (such as the daemon's running flag)
// where observers that did not see the change as it happened can read them.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Set(ctx context.Context, key, value string) error
	Get(ctx context.Context, key string) (string, error)
	Close() error
}

// SetBool stores v as JSON ("true"/"false").
func SetBool(ctx context.Context, s Store, key string, v bool) error {
	b, _ := json.Marshal(v)
	return s.Set(ctx, key, string(b))
}

// GetBool reads a JSON boolean. A missing key reads as false.
func GetBool(ctx context.Context, s Store, key string) (bool, error) {
	raw, err := s.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	var v bool
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		return false, err
	}
	return v, nil
}

// Memory is an in-process Store, used when no DSN is configured and in tests.
type Memory struct {
	mu sync.RWMutex
	m  map[string]string
}

func NewMemory() *Memory { return &Memory{m: make(map[string]string)} }

func (m *Memory) EnsureSchema(context.Context) error { return nil }

func (m *Memory) Set(_ context.Context, key, value string) error {
	m.mu.Lock()
	m.m[key] = value
	m.mu.Unlock()
	return nil
}

func (m *Memory) Get(_ context.Context, key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.m[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Close() error { return nil }
