package engine

import (
	"context"
	"database/sql"
	"io"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/petrijr/sagaflow/internal/persistence"
	"github.com/petrijr/sagaflow/internal/testutil"
	"github.com/petrijr/sagaflow/pkg/api"

	_ "modernc.org/sqlite"
)

var t0 = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// journal records step executions and compensations in order.
type journal struct {
	mu      sync.Mutex
	entries []string
}

func (j *journal) add(entry string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

func (j *journal) list() []string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return slices.Clone(j.entries)
}

func (j *journal) count(entry string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	n := 0
	for _, e := range j.entries {
		if e == entry {
			n++
		}
	}
	return n
}

// action builds a compensable message step. fn receives the 1-based attempt
// number; a nil fn succeeds with "<id>-ok".
func action(id string, j *journal, fn func(ctx context.Context, attempt int) (any, error)) *api.MessageStep {
	var attempts atomic.Int32
	return &api.MessageStep{
		StepConfig: api.StepConfig{
			StepID: id,
			Compensation: func(context.Context, *api.WorkflowContext) error {
				j.add("comp:" + id)
				return nil
			},
		},
		Destination: "svc",
		Action:      id,
		Sender: api.SenderFunc(func(ctx context.Context, _, _ string, _ map[string]any, _ *api.WorkflowContext) (any, error) {
			n := int(attempts.Add(1))
			j.add("exec:" + id)
			if fn == nil {
				return id + "-ok", nil
			}
			return fn(ctx, n)
		}),
	}
}

// blockUntilCancelled returns a step body that signals started and then
// waits for its context.
func blockUntilCancelled(started chan<- struct{}) func(ctx context.Context, attempt int) (any, error) {
	return func(ctx context.Context, _ int) (any, error) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-ctx.Done()
		return nil, ctx.Err()
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine whose retry backoff completes instantly
// while the requested delays are recorded on the returned clock.
func newTestEngine(t *testing.T, mods ...func(*Config)) (*engineImpl, *testutil.ManualClock) {
	t.Helper()
	clock := testutil.NewAutoClock(t0)
	cfg := Config{
		Persistence: persistence.NewInMemoryPersistence(),
		Logger:      discardLogger(),
		Clock:       clock,
	}
	for _, mod := range mods {
		mod(&cfg)
	}
	e := newEngine(cfg)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Shutdown(ctx)
	})
	return e, clock
}

func withPersistence(p persistence.Persistence) func(*Config) {
	return func(c *Config) { c.Persistence = p }
}

func mustRegister(t *testing.T, e api.Engine, def *api.WorkflowDefinition) {
	t.Helper()
	if err := e.RegisterWorkflow(def); err != nil {
		t.Fatalf("RegisterWorkflow(%s) failed: %v", def.ID, err)
	}
}

func startAndWait(t *testing.T, e api.Engine, workflowID string, input map[string]any) *api.InstanceRecord {
	t.Helper()
	id, err := e.StartWorkflow(context.Background(), workflowID, input)
	if err != nil {
		t.Fatalf("StartWorkflow failed: %v", err)
	}
	return waitFor(t, e, id)
}

func waitFor(t *testing.T, e api.Engine, id string) *api.InstanceRecord {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	rec, err := e.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s) failed: %v", id, err)
	}
	return rec
}

func waitStarted(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("step did not start")
	}
}

func states(rec *api.InstanceRecord) []api.Status {
	out := make([]api.Status, 0, len(rec.Transitions))
	for _, tr := range rec.Transitions {
		out = append(out, tr.To)
	}
	return out
}

type persistenceFactory struct {
	name string
	make func(t *testing.T) persistence.Persistence
}

func persistenceFactories() []persistenceFactory {
	return []persistenceFactory{
		{
			name: "memory",
			make: func(*testing.T) persistence.Persistence { return persistence.NewInMemoryPersistence() },
		},
		{
			name: "sqlite",
			make: func(t *testing.T) persistence.Persistence {
				db, err := sql.Open("sqlite", ":memory:")
				if err != nil {
					t.Fatalf("sql.Open failed: %v", err)
				}
				db.SetMaxOpenConns(1)
				t.Cleanup(func() { _ = db.Close() })

				store, err := persistence.NewSQLiteStore(db)
				if err != nil {
					t.Fatalf("NewSQLiteStore failed: %v", err)
				}
				events, err := persistence.NewSQLiteEventStore(db)
				if err != nil {
					t.Fatalf("NewSQLiteEventStore failed: %v", err)
				}
				return persistence.Persistence{Instances: store, Events: events}
			},
		},
	}
}
