package api

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoRoute is returned by Router when no handler matches.
var ErrNoRoute = errors.New("no route for message")

// MessageSender delivers a step message to a remote collaborator and returns
// its response.
type MessageSender interface {
	Send(ctx context.Context, destination, action string, data map[string]any, wctx *WorkflowContext) (any, error)
}

// SenderFunc adapts a function to MessageSender.
type SenderFunc func(ctx context.Context, destination, action string, data map[string]any, wctx *WorkflowContext) (any, error)

func (f SenderFunc) Send(ctx context.Context, destination, action string, data map[string]any, wctx *WorkflowContext) (any, error) {
	return f(ctx, destination, action, data, wctx)
}

// MessageHandler handles one (destination, action) pair in a Router.
type MessageHandler func(ctx context.Context, data map[string]any, wctx *WorkflowContext) (any, error)

// Router is an in-process MessageSender that dispatches on destination and
// action.
type Router struct {
	mu     sync.RWMutex
	routes map[string]MessageHandler
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{routes: make(map[string]MessageHandler)}
}

func routeKey(destination, action string) string {
	return destination + "\x00" + action
}

// Handle registers h for destination/action, replacing any earlier handler.
func (r *Router) Handle(destination, action string, h MessageHandler) *Router {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[routeKey(destination, action)] = h
	return r
}

func (r *Router) Send(ctx context.Context, destination, action string, data map[string]any, wctx *WorkflowContext) (any, error) {
	r.mu.RLock()
	h, ok := r.routes[routeKey(destination, action)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNoRoute, destination, action)
	}
	return h(ctx, data, wctx)
}
