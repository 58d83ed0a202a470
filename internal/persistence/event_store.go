package persistence

import (
	"context"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

// EventStore is an append-only history store for workflow execution events.
type EventStore interface {
	AppendEvent(ctx context.Context, ev api.WorkflowEvent) error
	ListEvents(ctx context.Context, instanceID string) ([]api.WorkflowEvent, error)
}

// NoopEventStore discards all events.
type NoopEventStore struct{}

func (NoopEventStore) AppendEvent(context.Context, api.WorkflowEvent) error { return nil }
func (NoopEventStore) ListEvents(context.Context, string) ([]api.WorkflowEvent, error) {
	return nil, nil
}

// MemoryEventStore keeps events in memory, per instance, in append order.
type MemoryEventStore struct {
	mu     sync.RWMutex
	events map[string][]api.WorkflowEvent
}

var _ EventStore = (*MemoryEventStore)(nil)

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{events: make(map[string][]api.WorkflowEvent)}
}

func (s *MemoryEventStore) AppendEvent(_ context.Context, ev api.WorkflowEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.InstanceID] = append(s.events[ev.InstanceID], ev)
	return nil
}

func (s *MemoryEventStore) ListEvents(_ context.Context, instanceID string) ([]api.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]api.WorkflowEvent(nil), s.events[instanceID]...), nil
}
