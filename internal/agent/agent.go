// Package agent implements the actor runtime shared by every pipeline agent:
// a bounded mailbox, a processing loop, lifecycle control and metrics.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/metrics"
)

type Status string

const (
	StatusIdle    Status = "IDLE"
	StatusBusy    Status = "BUSY"
	StatusError   Status = "ERROR"
	StatusStopped Status = "STOPPED"
)

const DefaultMailboxCapacity = 1000

// ErrStopping is returned by Start while the loop of an earlier run is still
// finishing its in-flight message.
var ErrStopping = errors.New("agent still stopping")

type Option func(*Agent)

func WithMailboxCapacity(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.capacity = n
		}
	}
}

type Agent struct {
	id       string
	handler  Handler
	bus      *bus.Bus
	capacity int
	mailbox  chan bus.Envelope

	mu      sync.Mutex
	status  Status
	running bool
	metrics bus.Metrics
	stop    chan struct{}
	done    chan struct{}
	// cleanupDue is set when Stop gave up waiting; the next Start runs the
	// handler cleanup before initializing again.
	cleanupDue bool
}

func New(id string, h Handler, b *bus.Bus, opts ...Option) *Agent {
	a := &Agent{
		id:       id,
		handler:  h,
		bus:      b,
		capacity: DefaultMailboxCapacity,
		status:   StatusStopped,
	}
	for _, opt := range opts {
		opt(a)
	}
	a.mailbox = make(chan bus.Envelope, a.capacity)
	return a
}

func (a *Agent) ID() string { return a.id }

// Deliver enqueues env without blocking. Envelopes delivered while the agent
// is stopped wait in the mailbox until the next Start.
func (a *Agent) Deliver(env bus.Envelope) error {
	select {
	case a.mailbox <- env:
		metrics.SetMailboxDepth(a.id, len(a.mailbox))
		return nil
	default:
		metrics.RecordSendFailure("mailbox_full")
		return fmt.Errorf("%w: %s (capacity %d)", bus.ErrMailboxFull, a.id, a.capacity)
	}
}

func (a *Agent) Snapshot() bus.AgentSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return bus.AgentSnapshot{
		Status:       string(a.status),
		Metrics:      a.metrics,
		MailboxDepth: len(a.mailbox),
	}
}

func (a *Agent) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

func (a *Agent) Running() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// Send emits a new envelope from this agent through the bus.
func (a *Agent) Send(to string, kind bus.Kind, payload map[string]any, correlationID string) (bus.Envelope, error) {
	env := bus.NewEnvelope(a.id, to, kind, payload)
	env.CorrelationID = correlationID
	return env, a.send(env)
}

func (a *Agent) send(env bus.Envelope) error {
	err := a.bus.Send(env)
	if errors.Is(err, bus.ErrUnknownAgent) {
		metrics.RecordSendFailure("unknown_agent")
	}
	return err
}

// Start initializes the handler and launches the processing loop. Starting a
// running agent is a no-op; starting one whose previous loop has not exited
// yet fails with ErrStopping, so a mailbox never has two readers.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return nil
	}
	if a.draining() {
		a.mu.Unlock()
		return fmt.Errorf("start %s: %w", a.id, ErrStopping)
	}
	cleanup := a.cleanupDue
	a.cleanupDue = false
	a.mu.Unlock()

	if cleanup {
		if err := a.handler.Cleanup(ctx); err != nil {
			slog.Warn("agent cleanup failed", "agent", a.id, "error", err)
		}
	}
	if err := a.handler.Initialize(ctx); err != nil {
		return fmt.Errorf("initialize %s: %w", a.id, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return nil
	}
	if a.draining() {
		return fmt.Errorf("start %s: %w", a.id, ErrStopping)
	}
	a.running = true
	a.status = StatusIdle
	a.stop = make(chan struct{})
	a.done = make(chan struct{})
	go a.loop(a.stop, a.done)

	slog.Info("agent started", "agent", a.id)
	return nil
}

// Stop signals the loop, waits for the in-flight message to finish and runs
// the handler cleanup. Messages still queued stay in the mailbox. When ctx
// ends first the agent keeps draining in the background and reaches STOPPED
// once the loop exits.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return nil
	}
	a.running = false
	close(a.stop)
	done := a.done
	a.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		a.mu.Lock()
		a.cleanupDue = true
		a.mu.Unlock()
		return fmt.Errorf("stop %s: %w", a.id, ctx.Err())
	}

	if err := a.handler.Cleanup(ctx); err != nil {
		slog.Warn("agent cleanup failed", "agent", a.id, "error", err)
	}
	slog.Info("agent stopped", "agent", a.id)
	return nil
}

// Restart stops and starts the agent. Metrics and queued messages survive.
func (a *Agent) Restart(ctx context.Context) error {
	if err := a.Stop(ctx); err != nil {
		return err
	}
	return a.Start(ctx)
}

// draining reports whether a previous loop is still running. Caller holds
// a.mu.
func (a *Agent) draining() bool {
	if a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

func (a *Agent) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer func() {
		a.setStatus(StatusStopped)
		close(done)
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for {
		// Prefer the stop signal over pending mail.
		select {
		case <-stop:
			return
		default:
		}

		select {
		case <-stop:
			return
		case env := <-a.mailbox:
			metrics.SetMailboxDepth(a.id, len(a.mailbox))
			a.process(ctx, env)
		}
	}
}

func (a *Agent) process(ctx context.Context, env bus.Envelope) {
	a.setStatus(StatusBusy)
	start := time.Now()

	reply, err := a.invoke(ctx, env)
	elapsed := time.Since(start)

	a.mu.Lock()
	a.metrics.MessagesProcessed++
	a.metrics.TotalProcessingTime += elapsed
	if err != nil {
		a.metrics.Errors++
		a.status = StatusError
	} else {
		a.status = StatusIdle
	}
	a.mu.Unlock()
	metrics.RecordMessage(a.id, err != nil, elapsed)

	if err != nil {
		slog.Error("handler failed", "agent", a.id, "message", env.ID, "from", env.From, "error", err)
		a.replyError(env, err)
		return
	}

	if reply == nil {
		return
	}
	if _, err := a.Send(reply.To, reply.Kind, reply.Payload, env.ID); err != nil {
		slog.Error("forward reply failed", "agent", a.id, "to", reply.To, "error", err)
	}
}

// invoke runs the handler, converting panics into errors.
func (a *Agent) invoke(ctx context.Context, env bus.Envelope) (reply *bus.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &HandlerError{Agent: a.id, MessageID: env.ID, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	reply, err = a.handler.Handle(ctx, env)
	if err != nil {
		var herr *HandlerError
		if !errors.As(err, &herr) {
			err = &HandlerError{Agent: a.id, MessageID: env.ID, Err: err}
		}
	}
	return reply, err
}

// replyError reports a handler failure to the original sender, carrying the
// workflow and document ids of the failed request when present.
func (a *Agent) replyError(env bus.Envelope, err error) {
	text := err.Error()
	var herr *HandlerError
	if errors.As(err, &herr) {
		text = herr.Err.Error()
	}

	payload := map[string]any{
		"error":               text,
		"original_message_id": env.ID,
	}
	for _, k := range []string{"workflow_id", "document_id"} {
		if v, ok := env.Payload[k]; ok {
			payload[k] = v
		}
	}

	if _, err := a.Send(env.From, bus.KindError, payload, env.ID); err != nil {
		slog.Warn("error reply not delivered", "agent", a.id, "to", env.From, "error", err)
	}
}

func (a *Agent) setStatus(s Status) {
	a.mu.Lock()
	a.status = s
	a.mu.Unlock()
}
