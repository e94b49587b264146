package broker

import (
	"context"
	"fmt"
)

// HandlerFunc processes one reserved job by name.
type HandlerFunc func(context.Context, *ReservedJob) error

// Registry maps job names to handlers and dispatches by Envelope.Job,
// for consumers that route many job types through one Monitor.
type Registry struct {
	handlers map[string]HandlerFunc
}

// NewRegistry creates an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register adds a handler for a specific job name.
func (r *Registry) Register(name string, handler HandlerFunc) {
	r.handlers[name] = handler
}

// Get retrieves a handler by job name.
func (r *Registry) Get(name string) (HandlerFunc, bool) {
	handler, exists := r.handlers[name]
	return handler, exists
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	return len(r.handlers)
}

// Dispatch runs the handler registered for reserved's job name. It
// implements Handler, so a Registry can be passed directly to
// MonitorConfig.Handler.
func (r *Registry) Dispatch(ctx context.Context, reserved *ReservedJob) error {
	handler, exists := r.Get(reserved.Envelope.Job)
	if !exists {
		return fmt.Errorf("broker: no handler registered for job %q", reserved.Envelope.Job)
	}
	return handler(ctx, reserved)
}
