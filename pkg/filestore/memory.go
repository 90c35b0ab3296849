package filestore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
)

// MemStore keeps files in memory. Used by tests and by servers started
// without a files directory.
type MemStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemStore creates an empty in-memory store
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

func (m *MemStore) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.files))
	for name := range m.files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (m *MemStore) Open(ctx context.Context, name string) (io.ReadCloser, int64, error) {
	m.mu.RLock()
	data, ok := m.files[name]
	m.mu.RUnlock()

	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	// Stored slices are never mutated, so sharing is safe
	return io.NopCloser(bytes.NewReader(data)), int64(len(data)), nil
}

func (m *MemStore) Write(ctx context.Context, name string, r io.Reader, size int64) error {
	if err := ValidateName(name); err != nil {
		return err
	}

	// Grows with what actually arrives rather than the declared size
	var buf bytes.Buffer
	n, err := io.CopyN(&buf, r, size)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return fmt.Errorf("failed to read %s after %d of %d bytes: %w", name, n, size, err)
	}

	m.mu.Lock()
	m.files[name] = buf.Bytes()
	m.mu.Unlock()
	return nil
}
