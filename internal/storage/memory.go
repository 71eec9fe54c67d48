// Package storage contains the in-memory metadata store. It mirrors the
// postgres repository behind the same method set, which keeps the HTTP layer
// testable without a database and usable in single-process dev runs.
package storage

import (
	"context"
	"sync"
	"time"

	"github.com/tdenzel/filelink/internal/model"
)

// ErrNotFound aliases the shared sentinel so existing errors.Is checks keep
// working against either store implementation.
var ErrNotFound = model.ErrNotFound

// MemoryStore provides in-memory metadata persistence guarded by an RWMutex.
type MemoryStore struct {
	mu      sync.RWMutex
	files   map[string]*model.FileRecord // keyed by download key
	markers map[string]*model.DeletionMarker
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files:   make(map[string]*model.FileRecord),
		markers: make(map[string]*model.DeletionMarker),
	}
}

// Create inserts or replaces a record.
func (m *MemoryStore) Create(_ context.Context, record *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = now
	}
	record.UpdatedAt = now
	m.files[record.DownloadKey] = record
	return nil
}

// GetByDownloadKey returns a record copy.
func (m *MemoryStore) GetByDownloadKey(_ context.Context, dlkey string) (*model.FileRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[dlkey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

// UpdateStatus updates status/message of the record with the given key.
func (m *MemoryStore) UpdateStatus(_ context.Context, dlkey string, status model.FileStatus, msg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[dlkey]
	if !ok {
		return ErrNotFound
	}
	rec.Status = status
	rec.Message = msg
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// SetDerived records the derived artifact name and completes the record.
func (m *MemoryStore) SetDerived(_ context.Context, dlkey, derivedName string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[dlkey]
	if !ok {
		return ErrNotFound
	}
	rec.DerivedName = derivedName
	rec.Status = model.StatusComplete
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// MarkForDeletion writes the deferred-deletion marker for dlkey and flips the
// record to pending-delete. Marking an already marked key is a no-op.
func (m *MemoryStore) MarkForDeletion(_ context.Context, dlkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.files[dlkey]
	if !ok {
		return ErrNotFound
	}
	rec.Status = model.StatusPendingDelete
	rec.UpdatedAt = time.Now().UTC()
	if _, marked := m.markers[dlkey]; marked {
		return nil
	}
	m.markers[dlkey] = &model.DeletionMarker{
		DownloadKey: dlkey,
		CreatedAt:   time.Now().UTC(),
	}
	return nil
}

// GetMarker returns the deletion marker for dlkey.
func (m *MemoryStore) GetMarker(_ context.Context, dlkey string) (*model.DeletionMarker, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	marker, ok := m.markers[dlkey]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *marker
	return &cp, nil
}

// IncrementMarker bumps the marker's check counter and returns the new count.
func (m *MemoryStore) IncrementMarker(_ context.Context, dlkey string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	marker, ok := m.markers[dlkey]
	if !ok {
		return 0, ErrNotFound
	}
	marker.IterCount++
	return marker.IterCount, nil
}

// DeleteMarker removes the marker without touching the record.
func (m *MemoryStore) DeleteMarker(_ context.Context, dlkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.markers, dlkey)
	return nil
}

// Delete removes the record and its marker.
func (m *MemoryStore) Delete(_ context.Context, dlkey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, dlkey)
	delete(m.markers, dlkey)
	return nil
}
