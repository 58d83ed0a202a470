package persistence

// Persistence bundles the instance and event stores so the engine can depend
// on a single abstraction.
type Persistence struct {
	Instances Store
	Events    EventStore
}

// NewInMemoryPersistence returns memory-backed stores, used by default and in
// tests.
func NewInMemoryPersistence() Persistence {
	return Persistence{
		Instances: NewMemoryStore(),
		Events:    NewMemoryEventStore(),
	}
}
