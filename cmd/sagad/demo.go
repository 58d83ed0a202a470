package main

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/sagaflow"
	"github.com/petrijr/sagaflow/pkg/api"
)

const demoWorkflowID = "order_fulfillment"

// demoRouter stands in for the payment, inventory and shipping services.
func demoRouter() *sagaflow.Router {
	ok := func(status string) sagaflow.MessageHandler {
		return func(ctx context.Context, data map[string]any, wctx *sagaflow.WorkflowContext) (any, error) {
			return map[string]any{"status": status, "order_id": data["order_id"]}, nil
		}
	}
	return sagaflow.NewRouter().
		Handle("payments", "validate", func(ctx context.Context, data map[string]any, wctx *sagaflow.WorkflowContext) (any, error) {
			amount, _ := data["amount"].(float64)
			if amount <= 0 {
				return nil, api.StepError(api.KindValidation, fmt.Errorf("invalid amount %v", data["amount"]))
			}
			return map[string]any{"status": "validated", "authorization": uuid.NewString()}, nil
		}).
		Handle("payments", "refund", ok("refunded")).
		Handle("inventory", "reserve", ok("reserved")).
		Handle("inventory", "release", ok("released")).
		Handle("shipping", "ship", ok("shipped")).
		Handle("shipping", "ship_express", ok("shipped_express")).
		Handle("notifications", "send", ok("sent"))
}

// registerDemo registers the order_fulfillment saga: validate payment,
// reserve inventory, ship (express for large orders), notify.
func registerDemo(eng api.Engine) error {
	router := demoRouter()
	order := map[string]any{"order_id": "${order.id}", "amount": "${order.total}"}

	express, err := sagaflow.LuaCondition(`vars.order.total >= 500`)
	if err != nil {
		return err
	}

	return sagaflow.New(demoWorkflowID).
		Describe("validate payment, reserve inventory, ship and notify").
		Timeout(5*time.Minute).
		DefaultRetry(sagaflow.Retry(3).WithExponentialBackoff(100*time.Millisecond, 2, 2*time.Second).Policy()).
		WithSender(router).
		Step(sagaflow.Compensate(
			sagaflow.Message("validate_payment", router, "payments", "validate", order,
				sagaflow.WithRetry(sagaflow.Retry(2).On(api.KindMessage).Policy())),
			"refund", nil)).
		Step(sagaflow.Compensate(
			sagaflow.Message("reserve_inventory", router, "inventory", "reserve", order,
				sagaflow.WithTimeout(10*time.Second)),
			"release", nil)).
		If("ship_order", express,
			sagaflow.Message("ship_express", router, "shipping", "ship_express", order),
			sagaflow.Message("ship_standard", router, "shipping", "ship", order),
		).
		Message("notify_customer", "notifications", "send", map[string]any{
			"order_id": "${order.id}",
			"message":  "order ${order.id} is on its way",
		}).
		Register(eng)
}

func demoInput() map[string]any {
	return map[string]any{
		"order": map[string]any{
			"id":    "order-" + uuid.NewString()[:8],
			"total": 129.5,
		},
	}
}
