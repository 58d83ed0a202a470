// Package api contains the core building blocks of the sagaflow engine: the
// instance and step state machines, retry policies, the shared
// WorkflowContext, the closed set of step variants and the observer hooks.
//
// Most users interact with the higher-level sagaflow package, which
// re-exports selected types and adds builders. The api package is intended
// for custom integrations and for code that implements its own Engine or
// persistence backends.
//
// # Steps
//
// A workflow is an ordered list of steps. Each step is one of:
//
//   - MessageStep: one request to a remote collaborator via MessageSender
//   - ParallelStep: children run concurrently (all, fail-fast or first wins)
//   - ConditionalStep: one of two branches chosen by a Condition
//   - LoopStep: one child per item materialized from the context
//   - SubworkflowStep: a nested registered workflow
//
// Steps are immutable once registered. Whatever a composite step learns while
// running (the branch it took, the children that completed, the nested
// instance it started) is stored in the instance's StepMemos, reached via
// MemosFromContext, so that compensation and resumption work from persisted
// state alone.
//
// # Compensation
//
// When a run fails irrecoverably, is cancelled or times out, the engine
// compensates the completed steps in the order selected by the definition's
// CompensationStrategy. Compensation is best effort: failures are recorded in
// the context's error list and reported to observers.
//
// # Observability
//
// Observer receives lifecycle callbacks. LoggingObserver writes slog records,
// BasicMetrics counts, EventObserver appends WorkflowEvents to an EventSink,
// and CompositeObserver fans out to several of them.
package api
