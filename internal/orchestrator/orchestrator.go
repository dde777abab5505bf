// Package orchestrator drives documents through the stage agents and keeps
// the workflow registry.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/metrics"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// ID is the orchestrator's bus address.
const ID = "orchestrator"

// Workflow lifecycle events passed to observers.
const (
	EventStarted   = "workflow_started"
	EventAdvanced  = "step_advanced"
	EventCompleted = "workflow_completed"
	EventFailed    = "workflow_failed"
)

var (
	ErrUnknownWorkflow = errors.New("unknown workflow")
	ErrWorkflowActive  = errors.New("workflow already active")
)

// Observer is notified after workflow changes and agent restarts. Calls are
// made outside the registry lock and must not block.
type Observer interface {
	WorkflowChanged(event string, snap workflow.Snapshot)
	AgentRestarted(id string)
}

type SystemStatus struct {
	Agents          map[string]bus.AgentSnapshot `json:"agents"`
	ActiveWorkflows int                          `json:"active_workflows"`
	TotalWorkflows  int                          `json:"total_workflows"`
	HistorySize     int                          `json:"message_history_size"`
}

type Orchestrator struct {
	self   *agent.Agent
	bus    *bus.Bus
	stages map[string]*agent.Agent

	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
	pending   map[string]string       // request id -> workflow id
	relays    map[string]bus.Envelope // forwarded request id -> original request

	observers []Observer
	now       func() time.Time
	revision  int64
}

func New(b *bus.Bus, opts ...agent.Option) *Orchestrator {
	o := &Orchestrator{
		bus:       b,
		stages:    make(map[string]*agent.Agent),
		workflows: make(map[string]*workflow.Workflow),
		pending:   make(map[string]string),
		relays:    make(map[string]bus.Envelope),
		now:       time.Now,
	}
	o.self = agent.New(ID, o, b, opts...)
	b.Register(o.self)
	return o
}

// Agent returns the runtime hosting the orchestrator.
func (o *Orchestrator) Agent() *agent.Agent { return o.self }

// AddStage makes a stage agent restartable through the orchestrator.
func (o *Orchestrator) AddStage(a *agent.Agent) {
	o.stages[a.ID()] = a
}

// Observe must be called before Start.
func (o *Orchestrator) Observe(obs Observer) {
	o.observers = append(o.observers, obs)
}

func (o *Orchestrator) Start(ctx context.Context) error { return o.self.Start(ctx) }
func (o *Orchestrator) Stop(ctx context.Context) error  { return o.self.Stop(ctx) }

func (o *Orchestrator) Initialize(context.Context) error {
	slog.Info("orchestrator ready", "stages", len(o.stages))
	return nil
}

func (o *Orchestrator) Cleanup(context.Context) error { return nil }

// StartWorkflow creates the workflow for documentID and requests ingestion.
// It returns as soon as the request is queued.
func (o *Orchestrator) StartWorkflow(_ context.Context, documentID, ref string) (string, error) {
	if documentID == "" {
		return "", fmt.Errorf("start workflow: empty document id")
	}
	id := workflow.ID(documentID)

	o.mu.Lock()
	if existing, ok := o.workflows[id]; ok && !existing.Status.Terminal() {
		o.mu.Unlock()
		return id, fmt.Errorf("start %s: %w", id, ErrWorkflowActive)
	}

	wf := workflow.New(id, documentID, ref, o.now())
	_ = wf.Begin()
	o.workflows[id] = wf
	err := o.dispatch(wf, workflow.AgentCurator, map[string]any{"ref": ref})
	o.revise(wf)
	snap := wf.Snapshot()
	o.mu.Unlock()

	metrics.RecordWorkflowStarted()
	o.notify(EventStarted, snap)
	if err != nil {
		metrics.RecordWorkflowFinished("failed", 0)
		o.notify(EventFailed, snap)
		return id, fmt.Errorf("start %s: %w", id, err)
	}

	slog.Info("workflow started", "workflow", id, "document", documentID)
	return id, nil
}

// GetStatus returns a snapshot of the workflow.
func (o *Orchestrator) GetStatus(id string) (workflow.Snapshot, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	wf, ok := o.workflows[id]
	if !ok {
		return workflow.Snapshot{}, fmt.Errorf("%w: %s", ErrUnknownWorkflow, id)
	}
	return wf.Snapshot(), nil
}

// ListWorkflows returns every known workflow, oldest first.
func (o *Orchestrator) ListWorkflows() []workflow.Snapshot {
	o.mu.RLock()
	out := make([]workflow.Snapshot, 0, len(o.workflows))
	for _, wf := range o.workflows {
		out = append(out, wf.Snapshot())
	}
	o.mu.RUnlock()

	slices.SortFunc(out, func(a, b workflow.Snapshot) int {
		return a.StartedAt.Compare(b.StartedAt)
	})
	return out
}

func (o *Orchestrator) SystemStatus() SystemStatus {
	o.mu.RLock()
	active := 0
	for _, wf := range o.workflows {
		if !wf.Status.Terminal() {
			active++
		}
	}
	total := len(o.workflows)
	o.mu.RUnlock()

	return SystemStatus{
		Agents:          o.bus.Status(),
		ActiveWorkflows: active,
		TotalWorkflows:  total,
		HistorySize:     o.bus.HistorySize(),
	}
}

// RestartAgent stops and starts the named agent, keeping its metrics and
// queued mail. The orchestrator itself can be restarted too, but never from
// inside its own handler: Stop would wait on the loop that called it.
func (o *Orchestrator) RestartAgent(ctx context.Context, id string) error {
	a, ok := o.stages[id]
	if id == ID {
		a, ok = o.self, true
	}
	if !ok {
		return fmt.Errorf("restart %s: %w", id, bus.ErrUnknownAgent)
	}
	if err := a.Restart(ctx); err != nil {
		return fmt.Errorf("restart %s: %w", id, err)
	}
	for _, obs := range o.observers {
		obs.AgentRestarted(id)
	}
	slog.Info("agent restarted", "agent", id)
	return nil
}

func (o *Orchestrator) MessageHistory(limit int) []bus.Summary {
	return o.bus.History(limit)
}

// PruneTerminal drops finished workflows that ended before cutoff and
// returns how many were removed.
func (o *Orchestrator) PruneTerminal(cutoff time.Time) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for id, wf := range o.workflows {
		if !wf.Status.Terminal() {
			continue
		}
		ended := wf.StartedAt
		if wf.CompletedAt != nil {
			ended = *wf.CompletedAt
		}
		if ended.Before(cutoff) {
			delete(o.workflows, id)
			removed++
		}
	}
	for req, id := range o.pending {
		if _, ok := o.workflows[id]; !ok {
			delete(o.pending, req)
		}
	}
	return removed
}

// Handle implements agent.Handler.
func (o *Orchestrator) Handle(ctx context.Context, env bus.Envelope) (*bus.Envelope, error) {
	if o.relay(env) {
		return nil, nil
	}

	switch env.Kind {
	case bus.KindRequest:
		return o.handleRequest(ctx, env)
	case bus.KindResponse:
		o.handleStageResponse(env)
	case bus.KindError:
		o.handleStageError(env)
	default:
		slog.Debug("orchestrator notification", "from", env.From, "id", env.ID)
	}
	return nil, nil
}

func (o *Orchestrator) handleStageResponse(env bus.Envelope) {
	o.mu.Lock()
	wf := o.locate(env)
	if wf == nil {
		o.mu.Unlock()
		return
	}

	target, err := wf.Advance(env.Payload["result"], o.now())
	if err != nil {
		o.mu.Unlock()
		slog.Warn("workflow advance rejected", "workflow", wf.ID, "error", err)
		return
	}

	event := EventAdvanced
	if target == "" {
		event = EventCompleted
	} else if err := o.dispatch(wf, target, map[string]any{"previous_results": wf.PreviousResults()}); err != nil {
		event = EventFailed
	}
	o.revise(wf)
	snap := wf.Snapshot()
	o.mu.Unlock()

	switch event {
	case EventCompleted:
		metrics.RecordWorkflowFinished("completed", snap.CompletedAt.Sub(snap.StartedAt))
		slog.Info("workflow completed", "workflow", snap.WorkflowID, "document", snap.DocumentID)
	case EventFailed:
		metrics.RecordWorkflowFinished("failed", 0)
	default:
		slog.Info("workflow advanced", "workflow", snap.WorkflowID, "step", snap.CurrentStep)
	}
	o.notify(event, snap)
}

func (o *Orchestrator) handleStageError(env bus.Envelope) {
	o.mu.Lock()
	wf := o.locate(env)
	if wf == nil {
		o.mu.Unlock()
		return
	}

	text := env.String("error")
	if text == "" {
		text = "unknown error"
	}
	if err := wf.Fail(env.From, text); err != nil {
		o.mu.Unlock()
		return
	}
	o.revise(wf)
	snap := wf.Snapshot()
	o.mu.Unlock()

	metrics.RecordWorkflowFinished("failed", 0)
	slog.Error("workflow failed", "workflow", snap.WorkflowID, "agent", env.From, "step", snap.CurrentStep, "error", text)
	o.notify(EventFailed, snap)
}

// locate finds the live workflow a stage reply belongs to. Replies to
// anything but the workflow's outstanding request are dropped. Caller holds
// o.mu.
func (o *Orchestrator) locate(env bus.Envelope) *workflow.Workflow {
	id := env.String("workflow_id")
	if id == "" {
		id = o.pending[env.CorrelationID]
	}
	wf, ok := o.workflows[id]
	if !ok {
		slog.Debug("reply for unknown workflow", "workflow", id, "from", env.From)
		return nil
	}
	if wf.Status.Terminal() {
		slog.Debug("ignoring reply for terminal workflow", "workflow", id, "status", wf.Status, "from", env.From)
		return nil
	}
	if env.CorrelationID != "" && wf.PendingRequest != "" && env.CorrelationID != wf.PendingRequest {
		slog.Warn("ignoring stale reply", "workflow", id, "from", env.From, "correlation", env.CorrelationID)
		return nil
	}
	delete(o.pending, wf.PendingRequest)
	return wf
}

// dispatch sends the request for the workflow's current step to target.
// A request the bus refuses fails the workflow. Caller holds o.mu.
func (o *Orchestrator) dispatch(wf *workflow.Workflow, target string, extra map[string]any) error {
	payload := map[string]any{
		"action":      workflow.Action(wf.CurrentStep),
		"document_id": wf.DocumentID,
		"workflow_id": wf.ID,
	}
	for k, v := range extra {
		payload[k] = v
	}

	env, err := o.self.Send(target, bus.KindRequest, payload, "")
	if err != nil {
		_ = wf.Fail(target, err.Error())
		slog.Error("stage request not delivered", "workflow", wf.ID, "agent", target, "step", wf.CurrentStep, "error", err)
		return err
	}
	wf.PendingRequest = env.ID
	o.pending[env.ID] = wf.ID
	return nil
}

// revise stamps wf with a revision above every one handed out before,
// restarts of the process included. Caller holds o.mu.
func (o *Orchestrator) revise(wf *workflow.Workflow) {
	o.revision = max(o.revision+1, o.now().UnixNano())
	wf.Revision = o.revision
}

func (o *Orchestrator) notify(event string, snap workflow.Snapshot) {
	for _, obs := range o.observers {
		obs.WorkflowChanged(event, snap)
	}
}
