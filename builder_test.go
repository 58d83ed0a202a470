package sagaflow

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/petrijr/sagaflow/pkg/api"
)

var errBoom = errors.New("boom")

type calls struct {
	mu  sync.Mutex
	log []string
}

func (c *calls) add(s string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.log = append(c.log, s)
}

func (c *calls) list() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.log...)
}

func orderRouter(c *calls, failShipping bool) *Router {
	handler := func(name string, fail bool) MessageHandler {
		return func(ctx context.Context, data map[string]any, wctx *WorkflowContext) (any, error) {
			c.add(name)
			if fail {
				return nil, errBoom
			}
			return map[string]any{"ok": true, "data": data}, nil
		}
	}
	return NewRouter().
		Handle("payments", "charge", handler("charge", false)).
		Handle("payments", "refund", handler("refund", false)).
		Handle("inventory", "reserve", handler("reserve", false)).
		Handle("inventory", "release", handler("release", false)).
		Handle("shipping", "ship", handler("ship", failShipping))
}

func orderFlow(router *Router) *FlowBuilder {
	charge := Compensate(Message("charge", router, "payments", "charge", map[string]any{"amount": "${order.total}"}), "refund", nil)
	return New("order").
		Describe("charge, reserve and ship an order").
		Timeout(time.Minute).
		DefaultRetry(NoRetry()).
		WithSender(router).
		Step(charge).
		Message("reserve", "inventory", "reserve", map[string]any{"sku": "${order.sku}"}).
		Message("ship", "shipping", "ship", nil, WithRetry(Retry(2).Immediate().Policy()))
}

func TestFlowBuilder_BuildAndRegister(t *testing.T) {
	eng := NewInMemoryEngine()
	flow := orderFlow(orderRouter(&calls{}, false))

	if err := flow.Register(eng); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if flow.ID() != "order" {
		t.Fatalf("unexpected id: %s", flow.ID())
	}

	def := flow.Definition()
	if def.Name != "order" || len(def.Steps) != 3 {
		t.Fatalf("unexpected definition: %+v", def)
	}
	if def.Steps[2].Config().Retry == nil || def.Steps[2].Config().Retry.MaxAttempts != 2 {
		t.Fatalf("expected step retry override on ship")
	}

	// registering the same ID twice is rejected
	if err := flow.Register(eng); !errors.Is(err, api.ErrWorkflowExists) {
		t.Fatalf("expected ErrWorkflowExists, got %v", err)
	}
}

func TestFlowBuilder_RunCompletes(t *testing.T) {
	c := &calls{}
	eng := NewInMemoryEngine()
	orderFlow(orderRouter(c, false)).MustRegister(eng)

	rec, err := Run(context.Background(), eng, "order", map[string]any{
		"order": map[string]any{"total": 42.5, "sku": "sku-1"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rec.State != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", rec.State, rec.Error)
	}

	got := c.list()
	want := []string{"charge", "reserve", "ship"}
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}

	charged := rec.Context.Results["charge"].Value.(map[string]any)["data"].(map[string]any)
	if charged["amount"] != 42.5 {
		t.Fatalf("expected substituted amount 42.5, got %v", charged["amount"])
	}
}

func TestFlowBuilder_RunCompensatesOnFailure(t *testing.T) {
	c := &calls{}
	eng := NewInMemoryEngine()
	orderFlow(orderRouter(c, true)).MustRegister(eng)

	rec, err := Run(context.Background(), eng, "order", map[string]any{
		"order": map[string]any{"total": 10, "sku": "sku-2"},
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rec.State != StatusCompensated {
		t.Fatalf("expected COMPENSATED, got %s", rec.State)
	}

	// reserve has no compensating action; charge is refunded
	got := c.list()
	want := []string{"charge", "reserve", "ship", "ship", "refund"}
	if len(got) != len(want) {
		t.Fatalf("expected calls %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected calls %v, got %v", want, got)
		}
	}
}

func TestFlowBuilder_PanicsOnBadSteps(t *testing.T) {
	mustPanic := func(name string, fn func()) {
		t.Helper()
		defer func() {
			if recover() == nil {
				t.Fatalf("%s: expected panic", name)
			}
		}()
		fn()
	}

	mustPanic("nil step", func() { New("x").Step(nil) })
	mustPanic("missing id", func() { New("x").Step(Parallel("")) })
	mustPanic("no sender", func() { New("x").Message("m", "d", "a", nil) })
}

func TestStepOptions(t *testing.T) {
	var succeeded, failed bool
	step := Message("m", NewRouter(), "d", "a", nil,
		WithTimeout(time.Second),
		WithRetry(NoRetry()),
		WithCompensation(func(context.Context, *WorkflowContext) error { return nil }),
		OnSuccess(func(*WorkflowContext, any) { succeeded = true }),
		OnFailure(func(*WorkflowContext, error) { failed = true }),
		WithPermissions("orders:write"),
	)

	cfg := step.Config()
	if cfg.Timeout != time.Second {
		t.Fatalf("expected timeout 1s, got %v", cfg.Timeout)
	}
	if cfg.Retry == nil || cfg.Retry.Strategy != api.RetryNone {
		t.Fatalf("expected NONE retry override, got %+v", cfg.Retry)
	}
	if !step.Compensable() {
		t.Fatalf("expected step with compensation to be compensable")
	}
	cfg.OnSuccess(nil, nil)
	cfg.OnFailure(nil, errBoom)
	if !succeeded || !failed {
		t.Fatalf("expected hooks to be wired")
	}
	if len(cfg.RequiredPermissions) != 1 || cfg.RequiredPermissions[0] != "orders:write" {
		t.Fatalf("unexpected permissions %v", cfg.RequiredPermissions)
	}
}

func TestParallelConstructors(t *testing.T) {
	if p := Parallel("p"); !p.WaitAll || !p.FailFast {
		t.Fatalf("Parallel should wait for all and fail fast")
	}
	if p := ParallelCollect("p"); !p.WaitAll || p.FailFast {
		t.Fatalf("ParallelCollect should wait for all without failing fast")
	}
	if p := Race("p"); p.WaitAll {
		t.Fatalf("Race should complete on the first success")
	}
}

func TestLuaConditionBranches(t *testing.T) {
	c := &calls{}
	router := orderRouter(c, false)
	eng := NewInMemoryEngine()

	big := MustLuaCondition("vars.order.total >= 100")
	New("routing").
		WithSender(router).
		Step(If("large_order",
			big,
			Message("reserve_large", router, "inventory", "reserve", nil),
			Message("reserve_small", router, "inventory", "release", nil),
		)).
		MustRegister(eng)

	rec, err := Run(context.Background(), eng, "routing", map[string]any{"order": map[string]any{"total": 150}})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rec.State != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", rec.State, rec.Error)
	}
	if rec.StepMemos["large_order"].Branch != api.BranchTrue {
		t.Fatalf("expected true branch, got %q", rec.StepMemos["large_order"].Branch)
	}
	if got := c.list(); len(got) != 1 || got[0] != "reserve" {
		t.Fatalf("expected only reserve to run, got %v", got)
	}

	if _, err := LuaCondition("vars.order.total >"); err == nil {
		t.Fatalf("expected compile error")
	}
}

func TestLoopAndSubworkflowConstructors(t *testing.T) {
	c := &calls{}
	router := orderRouter(c, false)
	eng := NewInMemoryEngine()

	New("reserve_all").
		Loop("each", ItemsFromPath("skus"), func(id string, _ int, item any) Step {
			return Message(id, router, "inventory", "reserve", map[string]any{"sku": item})
		}, 2).
		MustRegister(eng)
	New("checkout").
		Subworkflow("reserve", "reserve_all").
		MustRegister(eng)

	rec, err := Run(context.Background(), eng, "checkout", map[string]any{"skus": []any{"a", "b", "c"}})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if rec.State != StatusCompleted {
		t.Fatalf("expected COMPLETED, got %s (%s)", rec.State, rec.Error)
	}
	if len(c.list()) != 3 {
		t.Fatalf("expected three reservations, got %v", c.list())
	}
	if rec.StepMemos["reserve"].ChildInstanceID == "" {
		t.Fatalf("expected nested instance to be recorded")
	}
}
