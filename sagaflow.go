package sagaflow

import (
	"context"
	"database/sql"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	_ "gocloud.dev/blob/fileblob"
	_ "gocloud.dev/blob/memblob"

	"github.com/petrijr/sagaflow/internal/engine"
	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/pkg/api"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Engine               = api.Engine
	WorkflowDefinition   = api.WorkflowDefinition
	WorkflowContext      = api.WorkflowContext
	InstanceRecord       = api.InstanceRecord
	ListFilter           = api.ListFilter
	Status               = api.Status
	StepState            = api.StepState
	Step                 = api.Step
	StepConfig           = api.StepConfig
	MessageStep          = api.MessageStep
	ParallelStep         = api.ParallelStep
	ConditionalStep      = api.ConditionalStep
	LoopStep             = api.LoopStep
	SubworkflowStep      = api.SubworkflowStep
	Condition            = api.Condition
	ItemsFunc            = api.ItemsFunc
	StepFactory          = api.StepFactory
	CompensationFunc     = api.CompensationFunc
	CompensationStrategy = api.CompensationStrategy
	RetryPolicy          = api.RetryPolicy
	MessageSender        = api.MessageSender
	SenderFunc           = api.SenderFunc
	MessageHandler       = api.MessageHandler
	Router               = api.Router
	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	MetricsSnapshot      = api.MetricsSnapshot
	CompositeObserver    = api.CompositeObserver
	NoopObserver         = api.NoopObserver
	WorkflowEvent        = api.WorkflowEvent
	Checkpoint           = api.Checkpoint

	// EngineConfig tunes admission, timeouts, logging and persistence.
	EngineConfig = engine.Config
	Persistence  = persistence.Persistence
)

// Re-export common helpers.

var (
	NewRouter            = api.NewRouter
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	DefaultRetryPolicy   = api.DefaultRetryPolicy
	NoRetry              = api.NoRetry
	PathTruthy           = api.PathTruthy
	PathEquals           = api.PathEquals
	ItemsFromPath        = api.ItemsFromPath
	LoopChildID          = api.LoopChildID
)

// Re-export state and strategy values for convenience.

const (
	StatusPending      = api.StatusPending
	StatusRunning      = api.StatusRunning
	StatusPaused       = api.StatusPaused
	StatusCompleted    = api.StatusCompleted
	StatusFailed       = api.StatusFailed
	StatusCancelled    = api.StatusCancelled
	StatusCompensating = api.StatusCompensating
	StatusCompensated  = api.StatusCompensated
	StatusTimedOut     = api.StatusTimedOut

	CompensateNone     = api.CompensateNone
	CompensateBackward = api.CompensateBackward
	CompensateForward  = api.CompensateForward
	CompensateParallel = api.CompensateParallel
)

// Engine constructors
// These wrap the internal/engine package so external callers
// never need to import internal packages.

// NewInMemoryEngine returns an Engine backed entirely by in-memory stores.
func NewInMemoryEngine() Engine {
	return engine.NewInMemoryEngine()
}

// NewSQLiteEngine returns an Engine that persists instances, checkpoints and
// history in a SQLite database. Workflow definitions are kept in memory.
func NewSQLiteEngine(db *sql.DB) (Engine, error) {
	return engine.NewSQLiteEngine(db)
}

// NewPostgresEngine returns an Engine that persists instances in PostgreSQL.
func NewPostgresEngine(ctx context.Context, db *sql.DB) (Engine, error) {
	return engine.NewPostgresEngine(ctx, db)
}

// NewRedisEngine returns an Engine that persists instances in Redis.
func NewRedisEngine(client *redis.Client) Engine {
	return engine.NewRedisEngine(client)
}

// NewMongoEngine returns an Engine that persists instances in MongoDB.
func NewMongoEngine(client *mongo.Client, database string) Engine {
	return engine.NewMongoEngine(client, database)
}

// NewEngine returns an Engine built from cfg. A zero Persistence means
// in-memory stores.
func NewEngine(cfg EngineConfig) Engine {
	return engine.NewEngineWithConfig(cfg)
}

// NewInMemoryPersistence returns non-durable instance and event stores.
func NewInMemoryPersistence() Persistence {
	return persistence.NewInMemoryPersistence()
}

// WithArchive wraps p so that archived instances are written to the blob
// bucket at bucketURL before they leave the store. The file:// and mem://
// schemes are registered here; import a provider such as
// gocloud.dev/blob/s3blob for others. The returned function closes the
// bucket.
func WithArchive(ctx context.Context, p Persistence, bucketURL, prefix string) (Persistence, func() error, error) {
	store, closeBucket, err := persistence.OpenArchivingStore(ctx, p.Instances, bucketURL, prefix)
	if err != nil {
		return Persistence{}, nil, err
	}
	p.Instances = store
	return p, closeBucket, nil
}

// Convenience helpers that just forward to the underlying Engine.

// Run starts a registered workflow and waits for its final state.
func Run(ctx context.Context, eng Engine, workflowID string, input map[string]any) (*InstanceRecord, error) {
	id, err := eng.StartWorkflow(ctx, workflowID, input)
	if err != nil {
		return nil, err
	}
	return eng.Wait(ctx, id)
}

// RecoverStuckInstances delegates to eng.RecoverStuckInstances.
//
// It is typically called on process startup after the workflows have been
// registered:
//
//	count, err := sagaflow.RecoverStuckInstances(ctx, engine)
func RecoverStuckInstances(ctx context.Context, eng Engine) (int, error) {
	return eng.RecoverStuckInstances(ctx)
}
