// example_test.go
package api_test

import (
	"context"
	"fmt"

	"github.com/petrijr/sagaflow/pkg/api"
)

// ExampleWorkflowContext shows dot-path access and ${path} substitution in
// message payloads.
func ExampleWorkflowContext() {
	wctx := api.NewWorkflowContext("order_fulfillment", "inst-1", map[string]any{
		"order": map[string]any{
			"id":    "A-100",
			"items": []any{map[string]any{"sku": "sku-1", "qty": 2}},
		},
	})

	sku, _ := wctx.Get("order.items.0.sku")
	fmt.Println(sku)

	wctx.Set("order.status", "reserved")
	fmt.Println(wctx.GetString("order.status"))

	payload := wctx.Substitute(map[string]any{"ref": "order ${order.id}"})
	fmt.Println(payload.(map[string]any)["ref"])

	// Output:
	// sku-1
	// reserved
	// order A-100
}

// ExampleRouter dispatches messages to in-process handlers.
func ExampleRouter() {
	router := api.NewRouter().
		Handle("payments", "charge", func(ctx context.Context, data map[string]any, wctx *api.WorkflowContext) (any, error) {
			return fmt.Sprintf("charged %v", data["amount"]), nil
		})

	resp, err := router.Send(context.Background(), "payments", "charge", map[string]any{"amount": 42}, nil)
	fmt.Println(resp, err)

	_, err = router.Send(context.Background(), "payments", "refund", nil, nil)
	fmt.Println(err)

	// Output:
	// charged 42 <nil>
	// no route for message: payments/refund
}
