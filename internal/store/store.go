package store

import (
	"context"
	"sync/atomic"

	"github.com/hubmetrics/groups-exporter/internal/groups"
)

// SnapshotStore holds the current membership snapshot. Only the latest
// snapshot is kept; publishing fully replaces the previous one.
type SnapshotStore interface {
	// Publish replaces the current snapshot.
	Publish(ctx context.Context, snapshot groups.Snapshot) error
	// Latest returns the current snapshot. The second return is false when
	// no snapshot has been published yet.
	Latest(ctx context.Context) (groups.Snapshot, bool, error)
	// Close releases backend resources.
	Close() error
}

// MemoryStore keeps the snapshot behind an atomic pointer. Replacement is a
// single pointer swap, so usage ticks reading concurrently with a membership
// tick never see a partially updated snapshot.
type MemoryStore struct {
	current atomic.Pointer[groups.Snapshot]
}

// NewMemoryStore creates an in-memory snapshot store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

// Publish replaces the current snapshot.
func (s *MemoryStore) Publish(_ context.Context, snapshot groups.Snapshot) error {
	s.current.Store(&snapshot)
	return nil
}

// Latest returns the current snapshot.
func (s *MemoryStore) Latest(_ context.Context) (groups.Snapshot, bool, error) {
	current := s.current.Load()
	if current == nil {
		return groups.Snapshot{}, false, nil
	}
	return *current, true, nil
}

// Close is a no-op for the memory store.
func (s *MemoryStore) Close() error {
	return nil
}
