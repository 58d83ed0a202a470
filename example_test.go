package sagaflow_test

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/petrijr/sagaflow"
)

// Example_flowBuilder defines an order saga whose last step fails and shows
// the completed steps being compensated in reverse order.
func Example_flowBuilder() {
	ctx := context.Background()

	handler := func(name string, fail bool) sagaflow.MessageHandler {
		return func(ctx context.Context, data map[string]any, wctx *sagaflow.WorkflowContext) (any, error) {
			fmt.Println(name, data["order_id"])
			if fail {
				return nil, errors.New("carrier unavailable")
			}
			return map[string]any{"ok": true}, nil
		}
	}

	router := sagaflow.NewRouter().
		Handle("payments", "charge", handler("charge", false)).
		Handle("payments", "refund", handler("refund", false)).
		Handle("inventory", "reserve", handler("reserve", false)).
		Handle("inventory", "release", handler("release", false)).
		Handle("shipping", "ship", handler("ship", true))

	data := map[string]any{"order_id": "${order.id}"}
	flow := sagaflow.New("order_fulfillment").
		DefaultRetry(sagaflow.NoRetry()).
		WithSender(router).
		Step(sagaflow.Compensate(sagaflow.Message("charge", router, "payments", "charge", data), "refund", nil)).
		Step(sagaflow.Compensate(sagaflow.Message("reserve", router, "inventory", "reserve", data), "release", nil)).
		Message("ship", "shipping", "ship", data)

	eng := sagaflow.NewInMemoryEngine()
	if err := flow.Register(eng); err != nil {
		log.Fatalf("register failed: %v", err)
	}

	rec, err := sagaflow.Run(ctx, eng, flow.ID(), map[string]any{
		"order": map[string]any{"id": "A-100"},
	})
	if err != nil {
		log.Fatalf("run failed: %v", err)
	}
	fmt.Println("state:", rec.State)

	// Output:
	// charge A-100
	// reserve A-100
	// ship A-100
	// release A-100
	// refund A-100
	// state: COMPENSATED
}
