// Package localstore holds the on-device tier: a whole-value key space keyed
// by (storeName, userKey), and the commit and history logs built on it.
//
// Every mutation rewrites the complete snapshot for its key. This keeps the
// tier trivially crash-safe but bounds it to small per-user record counts.
package localstore

import (
	"errors"
	"sync"
)

const (
	CommitsStore = "commits"
	HistoryStore = "history"
)

// ErrClosed is returned by a tier after Close.
var ErrClosed = errors.New("local tier closed")

// Tier is whole-value durable storage. Read returns nil, nil for a missing key.
// Implementations never suspend on the network.
type Tier interface {
	Read(storeName, userKey string) ([]byte, error)
	Write(storeName, userKey string, value []byte) error
}

func tierKey(storeName, userKey string) string {
	return storeName + ":" + userKey
}

// MemoryTier is a process-local Tier for ephemeral sessions and tests.
type MemoryTier struct {
	mu     sync.RWMutex
	values map[string][]byte
	closed bool
}

func NewMemoryTier() *MemoryTier {
	return &MemoryTier{values: make(map[string][]byte)}
}

func (m *MemoryTier) Read(storeName, userKey string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	value, ok := m.values[tierKey(storeName, userKey)]
	if !ok {
		return nil, nil
	}
	return append([]byte(nil), value...), nil
}

func (m *MemoryTier) Write(storeName, userKey string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.values[tierKey(storeName, userKey)] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryTier) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
