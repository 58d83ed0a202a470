package persistence

import (
	"context"
	"slices"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// MemoryStore is a goroutine-safe Store backed by maps. Records are kept in
// their encoded form so callers never share memory with the store.
type MemoryStore struct {
	mu          sync.RWMutex
	instances   map[string][]byte
	archived    map[string][]byte
	checkpoints map[string]map[string][]byte
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances:   make(map[string][]byte),
		archived:    make(map[string][]byte),
		checkpoints: make(map[string]map[string][]byte),
	}
}

// Ensure MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)

func (s *MemoryStore) SaveInstance(_ context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.archived[rec.InstanceID]; ok {
		return ErrArchived
	}
	s.instances[rec.InstanceID] = data
	return nil
}

func (s *MemoryStore) LoadInstance(_ context.Context, id string) (*api.InstanceRecord, error) {
	s.mu.RLock()
	data, ok := s.instances[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrInstanceNotFound
	}
	return DecodeRecord(data)
}

func (s *MemoryStore) DeleteInstance(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instances, id)
	delete(s.checkpoints, id)
	return nil
}

func (s *MemoryStore) ListInstances(_ context.Context, filter api.ListFilter) ([]*api.InstanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*api.InstanceRecord
	for _, data := range s.instances {
		rec, err := DecodeRecord(data)
		if err != nil {
			return nil, err
		}
		if filter.Matches(rec) {
			out = append(out, rec)
		}
	}
	slices.SortFunc(out, func(a, b *api.InstanceRecord) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return applyLimit(out, filter), nil
}

func (s *MemoryStore) ArchiveInstance(_ context.Context, rec *api.InstanceRecord) error {
	data, err := EncodeRecord(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.archived[rec.InstanceID] = data
	delete(s.instances, rec.InstanceID)
	delete(s.checkpoints, rec.InstanceID)
	return nil
}

// Archived returns an archived record. It is mainly useful in tests.
func (s *MemoryStore) Archived(id string) (*api.InstanceRecord, bool) {
	s.mu.RLock()
	data, ok := s.archived[id]
	s.mu.RUnlock()
	if !ok {
		return nil, false
	}
	rec, err := DecodeRecord(data)
	return rec, err == nil
}

func (s *MemoryStore) SaveCheckpoint(_ context.Context, instanceID string, cp api.Checkpoint) error {
	data, err := EncodeCheckpoint(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	byName, ok := s.checkpoints[instanceID]
	if !ok {
		byName = make(map[string][]byte)
		s.checkpoints[instanceID] = byName
	}
	byName[cp.Name] = data
	return nil
}

func (s *MemoryStore) LoadCheckpoint(_ context.Context, instanceID, name string) (api.Checkpoint, error) {
	s.mu.RLock()
	data, ok := s.checkpoints[instanceID][name]
	s.mu.RUnlock()
	if !ok {
		return api.Checkpoint{}, ErrCheckpointNotFound
	}
	return DecodeCheckpoint(data)
}
