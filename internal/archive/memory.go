package archive

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"slices"
	"sync"

	"collabd/internal/collab"
)

// MemoryArchive is an in-memory implementation of the Archive interface.
// It is useful for testing and is safe for concurrent use.
type MemoryArchive struct {
	mu      sync.RWMutex
	exports map[string][]byte
}

// NewMemoryArchive creates an empty in-memory archive.
func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{exports: make(map[string][]byte)}
}

// Put stores the export read from r under name.
func (m *MemoryArchive) Put(ctx context.Context, name string, r io.Reader) error {
	if !collab.ValidArchiveName(name) {
		return fmt.Errorf("invalid export name %q", name)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read export: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.exports[name] = data
	return nil
}

// Get writes the named export to w.
func (m *MemoryArchive) Get(ctx context.Context, name string, w io.Writer) error {
	m.mu.RLock()
	data, ok := m.exports[name]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", collab.ErrArchiveNotFound, name)
	}

	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write export: %w", err)
	}
	return nil
}

// List returns the stored export names in lexical order.
func (m *MemoryArchive) List(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.exports))
	for name := range m.exports {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

// ValidateSetup always succeeds for the in-memory archive.
func (m *MemoryArchive) ValidateSetup(ctx context.Context) error {
	return nil
}

var _ collab.Archive = (*MemoryArchive)(nil)
