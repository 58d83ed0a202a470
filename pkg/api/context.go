package api

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
)

// ResultEntry is a recorded step output.
type ResultEntry struct {
	Value     any       `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// ContextError is a failure recorded against a step.
type ContextError struct {
	StepID    string    `json:"step_id"`
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Checkpoint is a named copy of the context's variables and results.
type Checkpoint struct {
	Name      string                 `json:"name"`
	Variables map[string]any         `json:"variables"`
	Results   map[string]ResultEntry `json:"results"`
	CreatedAt time.Time              `json:"created_at"`
}

// ContextSnapshot is the serializable form of a WorkflowContext.
type ContextSnapshot struct {
	WorkflowID  string                 `json:"workflow_id"`
	InstanceID  string                 `json:"instance_id"`
	Variables   map[string]any         `json:"variables"`
	Results     map[string]ResultEntry `json:"results"`
	Errors      []ContextError         `json:"errors"`
	Checkpoints map[string]Checkpoint  `json:"checkpoints"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// WorkflowContext is the shared, mutable data bag of one workflow instance.
// Steps read and write variables through dot paths ("order.items.0.sku").
// All methods are safe for concurrent use.
type WorkflowContext struct {
	WorkflowID string
	InstanceID string

	mu          sync.RWMutex
	variables   map[string]any
	results     map[string]ResultEntry
	errors      []ContextError
	checkpoints map[string]Checkpoint
	createdAt   time.Time
	updatedAt   time.Time
	now         func() time.Time
}

// ContextOption customizes a WorkflowContext.
type ContextOption func(*WorkflowContext)

// WithNow sets the time source used for timestamps.
func WithNow(now func() time.Time) ContextOption {
	return func(c *WorkflowContext) {
		if now != nil {
			c.now = now
		}
	}
}

// NewWorkflowContext creates a context seeded with a deep copy of input.
func NewWorkflowContext(workflowID, instanceID string, input map[string]any, opts ...ContextOption) *WorkflowContext {
	c := &WorkflowContext{
		WorkflowID:  workflowID,
		InstanceID:  instanceID,
		variables:   copyMap(input),
		results:     make(map[string]ResultEntry),
		checkpoints: make(map[string]Checkpoint),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.createdAt = c.now()
	c.updatedAt = c.createdAt
	return c
}

// RestoreWorkflowContext rebuilds a context from a snapshot.
func RestoreWorkflowContext(s ContextSnapshot, opts ...ContextOption) *WorkflowContext {
	c := &WorkflowContext{
		WorkflowID:  s.WorkflowID,
		InstanceID:  s.InstanceID,
		variables:   copyMap(s.Variables),
		results:     copyResults(s.Results),
		errors:      append([]ContextError(nil), s.Errors...),
		checkpoints: make(map[string]Checkpoint, len(s.Checkpoints)),
		createdAt:   s.CreatedAt,
		updatedAt:   s.UpdatedAt,
		now:         time.Now,
	}
	for name, cp := range s.Checkpoints {
		c.checkpoints[name] = copyCheckpoint(cp)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *WorkflowContext) touch() {
	c.updatedAt = c.now()
}

// Get resolves a dot path against the variables. Numeric segments index
// into slices.
func (c *WorkflowContext) Get(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := lookup(c.variables, path)
	if !ok {
		return nil, false
	}
	return copyValue(v), true
}

// GetString is a convenience wrapper around Get.
func (c *WorkflowContext) GetString(path string) string {
	v, ok := c.Get(path)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Set stores value at a dot path, creating intermediate maps as needed.
func (c *WorkflowContext) Set(path string, value any) {
	if path == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(path, ".")
	m := c.variables
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			next = make(map[string]any)
			m[p] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = copyValue(value)
	c.touch()
}

// Delete removes the value at a dot path.
func (c *WorkflowContext) Delete(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(path, ".")
	m := c.variables
	for _, p := range parts[:len(parts)-1] {
		next, ok := m[p].(map[string]any)
		if !ok {
			return
		}
		m = next
	}
	delete(m, parts[len(parts)-1])
	c.touch()
}

// Variables returns a deep copy of all variables.
func (c *WorkflowContext) Variables() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return copyMap(c.variables)
}

// Query evaluates a gjson path against the variables, e.g.
// "items.#(qty>1)#.sku" or "items.#".
func (c *WorkflowContext) Query(path string) gjson.Result {
	c.mu.RLock()
	raw, err := json.Marshal(c.variables)
	c.mu.RUnlock()
	if err != nil {
		return gjson.Result{}
	}
	return gjson.GetBytes(raw, path)
}

// Resolve looks up a reference used in templates and predicates. Paths
// beginning with "results." address step results; anything Get cannot
// resolve is retried as a gjson query.
func (c *WorkflowContext) Resolve(path string) (any, bool) {
	if rest, ok := strings.CutPrefix(path, "results."); ok {
		stepID, sub, _ := strings.Cut(rest, ".")
		v, ok := c.Result(stepID)
		if !ok {
			return nil, false
		}
		if sub == "" {
			return v, true
		}
		if m, isMap := v.(map[string]any); isMap {
			return lookup(m, sub)
		}
		return nil, false
	}
	if v, ok := c.Get(path); ok {
		return v, true
	}
	if r := c.Query(path); r.Exists() {
		return r.Value(), true
	}
	return nil, false
}

var templateRef = regexp.MustCompile(`\$\{([^}]+)\}`)

// Substitute replaces ${path} references in v. A string consisting of a
// single reference is replaced by the referenced value itself, keeping its
// type; references embedded in longer strings are formatted. Maps and slices
// are walked recursively. Unresolvable references are left untouched.
func (c *WorkflowContext) Substitute(v any) any {
	switch t := v.(type) {
	case string:
		return c.substituteString(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = c.Substitute(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = c.Substitute(val)
		}
		return out
	default:
		return v
	}
}

func (c *WorkflowContext) substituteString(s string) any {
	if m := templateRef.FindStringSubmatchIndex(s); m != nil && m[0] == 0 && m[1] == len(s) {
		if v, ok := c.Resolve(strings.TrimSpace(s[m[2]:m[3]])); ok {
			return v
		}
		return s
	}
	return templateRef.ReplaceAllStringFunc(s, func(ref string) string {
		path := strings.TrimSpace(ref[2 : len(ref)-1])
		if v, ok := c.Resolve(path); ok {
			return fmt.Sprint(v)
		}
		return ref
	})
}

// MissingReferences returns the ${path} references in v that cannot be
// resolved against the context.
func (c *WorkflowContext) MissingReferences(v any) []string {
	var missing []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			for _, m := range templateRef.FindAllStringSubmatch(t, -1) {
				path := strings.TrimSpace(m[1])
				if _, ok := c.Resolve(path); !ok {
					missing = append(missing, path)
				}
			}
		case map[string]any:
			for _, val := range t {
				walk(val)
			}
		case []any:
			for _, val := range t {
				walk(val)
			}
		}
	}
	walk(v)
	return missing
}

// SetResult records the output of a step.
func (c *WorkflowContext) SetResult(stepID string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results[stepID] = ResultEntry{Value: copyValue(value), Timestamp: c.now()}
	c.touch()
}

// Result returns the recorded output of a step.
func (c *WorkflowContext) Result(stepID string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	r, ok := c.results[stepID]
	if !ok {
		return nil, false
	}
	return copyValue(r.Value), true
}

// Results returns a copy of all step outputs keyed by step ID.
func (c *WorkflowContext) Results() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.results))
	for id, r := range c.results {
		out[id] = copyValue(r.Value)
	}
	return out
}

// AddError appends an error entry for a step.
func (c *WorkflowContext) AddError(stepID string, kind ErrorKind, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errors = append(c.errors, ContextError{
		StepID:    stepID,
		Kind:      kind,
		Message:   message,
		Timestamp: c.now(),
	})
	c.touch()
}

// Errors returns a copy of the recorded errors in insertion order.
func (c *WorkflowContext) Errors() []ContextError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]ContextError(nil), c.errors...)
}

// CreateCheckpoint stores a named copy of variables and results, replacing
// any previous checkpoint with the same name.
func (c *WorkflowContext) CreateCheckpoint(name string) Checkpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := Checkpoint{
		Name:      name,
		Variables: copyMap(c.variables),
		Results:   copyResults(c.results),
		CreatedAt: c.now(),
	}
	c.checkpoints[name] = cp
	c.touch()
	return copyCheckpoint(cp)
}

// Checkpoint returns a named checkpoint.
func (c *WorkflowContext) Checkpoint(name string) (Checkpoint, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cp, ok := c.checkpoints[name]
	if !ok {
		return Checkpoint{}, false
	}
	return copyCheckpoint(cp), true
}

// RestoreCheckpoint replaces variables and results with the checkpoint's.
func (c *WorkflowContext) RestoreCheckpoint(name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp, ok := c.checkpoints[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrCheckpointNotFound, name)
	}
	c.variables = copyMap(cp.Variables)
	c.results = copyResults(cp.Results)
	c.touch()
	return nil
}

// CreatedAt returns the creation time of the context.
func (c *WorkflowContext) CreatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.createdAt
}

// UpdatedAt returns the time of the last mutation.
func (c *WorkflowContext) UpdatedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.updatedAt
}

// Snapshot returns a deep copy suitable for persistence.
func (c *WorkflowContext) Snapshot() ContextSnapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s := ContextSnapshot{
		WorkflowID:  c.WorkflowID,
		InstanceID:  c.InstanceID,
		Variables:   copyMap(c.variables),
		Results:     copyResults(c.results),
		Errors:      append([]ContextError(nil), c.errors...),
		Checkpoints: make(map[string]Checkpoint, len(c.checkpoints)),
		CreatedAt:   c.createdAt,
		UpdatedAt:   c.updatedAt,
	}
	for name, cp := range c.checkpoints {
		s.Checkpoints[name] = copyCheckpoint(cp)
	}
	return s
}

func lookup(root map[string]any, path string) (any, bool) {
	if path == "" {
		return nil, false
	}
	var cur any = root
	for _, p := range strings.Split(path, ".") {
		switch node := cur.(type) {
		case map[string]any:
			v, ok := node[p]
			if !ok {
				return nil, false
			}
			cur = v
		case []any:
			i, err := strconv.Atoi(p)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return copyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	default:
		return v
	}
}

func copyMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = copyValue(v)
	}
	return out
}

func copyResults(m map[string]ResultEntry) map[string]ResultEntry {
	out := make(map[string]ResultEntry, len(m))
	for k, r := range m {
		out[k] = ResultEntry{Value: copyValue(r.Value), Timestamp: r.Timestamp}
	}
	return out
}

func copyCheckpoint(cp Checkpoint) Checkpoint {
	return Checkpoint{
		Name:      cp.Name,
		Variables: copyMap(cp.Variables),
		Results:   copyResults(cp.Results),
		CreatedAt: cp.CreatedAt,
	}
}

// CloneVariables returns a deep copy of m. Nested maps and []any slices are
// copied; other values are shared.
func CloneVariables(m map[string]any) map[string]any {
	return copyMap(m)
}
