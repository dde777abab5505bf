package pipeline

import (
	"encoding/json"
	"log/slog"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/mtzanidakis/docpipe/internal/orchestrator"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// recorder keeps the workflows table and document statuses in step with
// the orchestrator.
type recorder struct {
	store *store.Store
}

func (r *recorder) WorkflowChanged(event string, snap workflow.Snapshot) {
	if r.store == nil {
		return
	}

	rec := &store.WorkflowRecord{
		ID:          snap.WorkflowID,
		DocumentID:  snap.DocumentID,
		Status:      string(snap.Status),
		CurrentStep: string(snap.CurrentStep),
		StartedAt:   snap.StartedAt,
		CompletedAt: snap.CompletedAt,
		Revision:    snap.Revision,
	}
	var err error
	if rec.Results, err = json.Marshal(snap.Results); err != nil {
		slog.Warn("marshal workflow results failed", "workflow", snap.WorkflowID, "error", err)
	}
	if rec.ErrorLog, err = json.Marshal(snap.ErrorLog); err != nil {
		slog.Warn("marshal workflow errors failed", "workflow", snap.WorkflowID, "error", err)
	}
	if err := r.store.SaveWorkflow(rec); err != nil {
		slog.Warn("save workflow failed", "workflow", snap.WorkflowID, "error", err)
	}

	var status, errText string
	switch event {
	case orchestrator.EventCompleted:
		status = store.DocumentProcessed
	case orchestrator.EventFailed:
		status = store.DocumentFailed
		if n := len(snap.ErrorLog); n > 0 {
			errText = snap.ErrorLog[n-1].Error
		}
	default:
		return
	}
	if err := r.store.UpdateDocumentStatus(snap.DocumentID, status, errText); err != nil {
		slog.Warn("update document status failed", "document", snap.DocumentID, "error", err)
	}
}

func (r *recorder) AgentRestarted(string) {}

// WorkflowEvent is the payload published for workflow changes. Stage
// results are left out; clients fetch them through the API.
type WorkflowEvent struct {
	WorkflowID  string                `json:"workflow_id"`
	DocumentID  string                `json:"document_id"`
	Status      workflow.Status       `json:"status"`
	CurrentStep workflow.Step         `json:"current_step"`
	ErrorLog    []workflow.ErrorEntry `json:"error_log,omitempty"`
	Revision    int64                 `json:"revision"`
}

type announcer struct {
	events Publisher
}

func (a *announcer) WorkflowChanged(event string, snap workflow.Snapshot) {
	data := WorkflowEvent{
		WorkflowID:  snap.WorkflowID,
		DocumentID:  snap.DocumentID,
		Status:      snap.Status,
		CurrentStep: snap.CurrentStep,
		ErrorLog:    snap.ErrorLog,
		Revision:    snap.Revision,
	}
	if err := a.events.PublishEvent(natsbus.TopicEventsWorkflow(snap.WorkflowID), event, data); err != nil {
		slog.Warn("publish workflow event failed", "workflow", snap.WorkflowID, "error", err)
	}
}

func (a *announcer) AgentRestarted(id string) {
	if err := a.events.PublishEvent(natsbus.TopicEventsAgent(id), "agent_restarted", map[string]string{"agent_id": id}); err != nil {
		slog.Warn("publish agent event failed", "agent", id, "error", err)
	}
}

func publishMessage(events Publisher, env bus.Envelope) {
	if err := events.PublishEvent(natsbus.TopicEventsMessage, "message", env.Summary()); err != nil {
		slog.Debug("publish message event failed", "message", env.ID, "error", err)
	}
}
