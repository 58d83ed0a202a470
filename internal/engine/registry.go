package engine

import (
	"fmt"
	"sync"

	"github.com/petrijr/sagaflow/pkg/api"
)

type definitionRegistry struct {
	mu   sync.RWMutex
	byID map[string]*api.WorkflowDefinition
}

func newDefinitionRegistry() *definitionRegistry {
	return &definitionRegistry{
		byID: make(map[string]*api.WorkflowDefinition),
	}
}

// Register validates def and adds it. Nothing is added when validation,
// the duplicate check or the cycle check fails.
func (r *definitionRegistry) Register(def *api.WorkflowDefinition) error {
	if def == nil {
		return &api.ValidationError{Problems: []string{"definition is nil"}}
	}
	if err := def.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byID[def.ID]; exists {
		return fmt.Errorf("%w: %s", api.ErrWorkflowExists, def.ID)
	}
	if cycle := r.findCycle(def); cycle != nil {
		return &api.ValidationError{
			WorkflowID: def.ID,
			Problems:   []string{fmt.Sprintf("cyclic subworkflow reference: %v", cycle)},
		}
	}

	r.byID[def.ID] = def
	return nil
}

// findCycle walks subworkflow references starting at candidate, resolving
// IDs against the registered definitions plus candidate itself. Unknown IDs
// are skipped; they fail at run time instead.
func (r *definitionRegistry) findCycle(candidate *api.WorkflowDefinition) []string {
	lookup := func(id string) *api.WorkflowDefinition {
		if id == candidate.ID {
			return candidate
		}
		return r.byID[id]
	}

	const (
		visiting = 1
		done     = 2
	)
	marks := make(map[string]int)
	var path []string

	var visit func(id string) []string
	visit = func(id string) []string {
		switch marks[id] {
		case visiting:
			return append(append([]string(nil), path...), id)
		case done:
			return nil
		}
		def := lookup(id)
		if def == nil {
			return nil
		}
		marks[id] = visiting
		path = append(path, id)
		for _, ref := range def.SubworkflowRefs() {
			if cycle := visit(ref); cycle != nil {
				return cycle
			}
		}
		path = path[:len(path)-1]
		marks[id] = done
		return nil
	}
	return visit(candidate.ID)
}

func (r *definitionRegistry) Get(id string) (*api.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byID[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", api.ErrWorkflowNotFound, id)
	}
	return def, nil
}

func (r *definitionRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.byID))
	for id := range r.byID {
		out = append(out, id)
	}
	return out
}
