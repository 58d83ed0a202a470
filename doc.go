// Package sagaflow provides an embeddable saga orchestration engine for Go.
//
// A saga is a long-running business transaction split into steps, each of
// which talks to another service. When a step fails for good, or the run is
// cancelled or times out, the engine undoes the steps that already completed
// by running their compensating actions. Sagaflow runs inside your process,
// keeps instance state in a pluggable store and needs no external
// coordinator.
//
// # Core Concepts
//
// The programming model is intentionally small:
//
//  1. Engine
//  2. WorkflowDefinition and its Steps
//  3. WorkflowContext
//  4. MessageSender
//  5. FlowBuilder
//
// # Engine
//
// The Engine stores workflow definitions, runs instances in the background
// and provides APIs to:
//   - start, pause, resume and cancel instances
//   - read instance state, history and checkpoints
//   - validate a definition against sample input (DryRun)
//   - archive finished instances and recover instances left behind by a
//     previous process
//
// Engines can be backed by different storage systems:
//
//   - In-memory (non-durable, best for tests)
//   - SQLite (embedded durability)
//   - Postgres
//   - Redis
//   - MongoDB
//
// Archived instances can additionally be written to any gocloud.dev blob
// bucket (see WithArchive).
//
// The number of concurrently running top-level instances is capped by
// EngineConfig.MaxConcurrentWorkflows. StartWorkflow waits at most
// AdmissionTimeout for a free slot and then fails with an
// *api.EngineCapacityError.
//
// # Steps
//
// Every step embeds a StepConfig with its ID, per-attempt timeout, retry
// policy, compensating action and hooks. The step variants are:
//
//   - MessageStep: one request to a remote collaborator
//   - ParallelStep: children run concurrently (Parallel, ParallelCollect, Race)
//   - ConditionalStep: one of two branches chosen by a Condition (If)
//   - LoopStep: one child per item taken from the context (Loop)
//   - SubworkflowStep: another registered workflow run as a nested instance
//
// Failed attempts are retried according to the step's RetryPolicy, or the
// definition's DefaultRetry, or DefaultRetryPolicy. Only the final failure is
// recorded in the context's error list.
//
// # WorkflowContext
//
// Each instance owns a WorkflowContext: variables addressed by dot paths
// ("order.items.0.sku"), the outputs of completed steps, the recorded errors
// and named checkpoints. Message payloads may reference it with ${path}.
// Conditions can be written in Go or as Lua predicates (LuaCondition).
//
// # FlowBuilder
//
// FlowBuilder is the declarative API used to define workflows:
//
//	sagaflow.New("order_fulfillment").
//	    WithSender(router).
//	    Message("validate_payment", "payments", "validate", nil).
//	    Message("reserve_inventory", "inventory", "reserve", nil).
//	    Message("ship_order", "shipping", "ship", nil)
//
// Definitions created with FlowBuilder are registered into an Engine before
// use and are immutable afterwards.
package sagaflow
