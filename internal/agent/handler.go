package agent

import (
	"context"
	"fmt"

	"github.com/mtzanidakis/docpipe/internal/bus"
)

// Handler implements one agent variant. Handle runs on the agent's own
// goroutine; a non-nil envelope is routed back through the bus as a reply
// correlated to the processed envelope.
type Handler interface {
	Initialize(ctx context.Context) error
	Cleanup(ctx context.Context) error
	Handle(ctx context.Context, env bus.Envelope) (*bus.Envelope, error)
}

// HandlerError wraps a failure (error or panic) raised while handling env.
type HandlerError struct {
	Agent     string
	MessageID string
	Err       error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("agent %s: handle %s: %v", e.Agent, e.MessageID, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// Base provides no-op lifecycle hooks for handlers that need none.
type Base struct{}

func (Base) Initialize(context.Context) error { return nil }
func (Base) Cleanup(context.Context) error    { return nil }
