// Package storage persists the local replica: one JSON value per collection,
// the activity log and a few metadata keys, on top of a pluggable Backend.
package storage

import (
	"context"
	"fmt"
	"sort"
	stdSync "sync"

	syncErrors "github.com/c0deZ3R0/bizsync/errors"
)

// Backend is a durable key/value store. Put commits the whole value or
// nothing. A Put that would exceed the backend's capacity fails with an error
// of kind QuotaExceeded.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}

// ErrBackendClosed is returned by a backend after Close.
var ErrBackendClosed = fmt.Errorf("storage backend is closed")

// MemoryBackend keeps values in process memory. A positive quota caps the sum
// of key and value sizes, which makes it a stand-in for browser-style storage
// limits in tests and guest sessions.
type MemoryBackend struct {
	mu     stdSync.RWMutex
	data   map[string][]byte
	quota  int
	used   int
	closed bool

	puts int
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend. quota <= 0 means unlimited.
func NewMemoryBackend(quota int) *MemoryBackend {
	return &MemoryBackend{data: make(map[string][]byte), quota: quota}
}

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, false, ErrBackendClosed
	}
	v, ok := m.data[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *MemoryBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBackendClosed
	}
	m.puts++

	used := m.used + len(key) + len(value)
	if old, ok := m.data[key]; ok {
		used -= len(key) + len(old)
	}
	if m.quota > 0 && used > m.quota {
		return syncErrors.NewQuotaError(syncErrors.OpStore,
			fmt.Errorf("writing %q needs %d bytes, quota is %d", key, used, m.quota))
	}
	m.data[key] = append([]byte(nil), value...)
	m.used = used
	return nil
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrBackendClosed
	}
	if old, ok := m.data[key]; ok {
		m.used -= len(key) + len(old)
		delete(m.data, key)
	}
	return nil
}

func (m *MemoryBackend) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrBackendClosed
	}
	keys := make([]string, 0, len(m.data))
	for k := range m.data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// SetQuota changes the capacity. Existing values are kept even if they now
// exceed it.
func (m *MemoryBackend) SetQuota(quota int) {
	m.mu.Lock()
	m.quota = quota
	m.mu.Unlock()
}

// Used returns the number of bytes currently counted against the quota.
func (m *MemoryBackend) Used() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.used
}

// Puts returns how many Put calls were attempted, successful or not.
func (m *MemoryBackend) Puts() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.puts
}
