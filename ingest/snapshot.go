package ingest

import "sync"

// SnapshotStore holds the serialized greet payload per tenant. A missing
// entry means the snapshot was never built, which is distinct from a
// snapshot of an empty feed. Writes replace the payload atomically, readers
// never see a partial snapshot.
type SnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[string][]byte
}

func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{
		snapshots: make(map[string][]byte),
	}
}

func (s *SnapshotStore) Get(tenantID string) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	payload, ok := s.snapshots[tenantID]
	return payload, ok
}

func (s *SnapshotStore) Set(tenantID string, payload []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots[tenantID] = payload
}
