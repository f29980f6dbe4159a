package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/quantumauth-io/quantum-wallet-bridge/internal/securefile"
)

var ErrKeyNotFound = errors.New("key not found")

// KV is the persistent key-value storage backing Durable Shared State.
type KV interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}

// MemoryKV keeps values in process memory.
type MemoryKV struct {
	mu     sync.RWMutex
	values map[string][]byte
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{values: make(map[string][]byte)}
}

func (m *MemoryKV) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (m *MemoryKV) Set(_ context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = append([]byte(nil), value...)
	return nil
}

func (m *MemoryKV) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, key)
	return nil
}

// On-disk representation
type kvFile struct {
	Values map[string]json.RawMessage `json:"values"`
}

// FileKV persists every key in one JSON document. Values must be valid JSON.
type FileKV struct {
	mu     sync.Mutex
	path   string
	values map[string]json.RawMessage
}

// NewFileKV loads path. Missing file = empty store (first run).
func NewFileKV(path string) (*FileKV, error) {
	f := &FileKV{path: path, values: make(map[string]json.RawMessage)}

	kf, err := securefile.ReadJSON[kvFile](path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return f, nil
		}
		return nil, fmt.Errorf("load state file: %w", err)
	}
	if kf.Values != nil {
		f.values = kf.Values
	}
	return f, nil
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.values[key]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v...), nil
}

func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	if !json.Valid(value) {
		return fmt.Errorf("value for %q is not valid json", key)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[key] = append(json.RawMessage(nil), value...)
	return f.saveLocked()
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.values[key]; !ok {
		return nil
	}
	delete(f.values, key)
	return f.saveLocked()
}

func (f *FileKV) saveLocked() error {
	if err := securefile.WriteJSON(f.path, kvFile{Values: f.values}); err != nil {
		return fmt.Errorf("write state file: %w", err)
	}
	return nil
}
