package orchestrator

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// handleRequest serves the actions other agents may ask of the orchestrator.
func (o *Orchestrator) handleRequest(ctx context.Context, env bus.Envelope) (*bus.Envelope, error) {
	action := env.String("action")
	switch action {
	case "process_document":
		docID := env.String("document_id")
		ref := env.String("ref")
		if ref == "" {
			ref = env.String("file_path")
		}
		id, err := o.StartWorkflow(ctx, docID, ref)
		if err != nil {
			return nil, err
		}
		return reply(env, map[string]any{
			"workflow_id": id,
			"status":      "started",
			"message":     "document processing started",
		}), nil

	case "get_workflow_status":
		snap, err := o.GetStatus(env.String("workflow_id"))
		if err != nil {
			return nil, err
		}
		return reply(env, map[string]any{"workflow": snap}), nil

	case "get_system_status":
		return reply(env, map[string]any{"status": o.SystemStatus()}), nil

	case "query_documents":
		return nil, o.forwardQuery(env)

	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
}

// forwardQuery hands a query to the query agent; its reply is relayed back
// to the original requester.
func (o *Orchestrator) forwardQuery(env bus.Envelope) error {
	payload := map[string]any{"action": "answer_query"}
	for _, k := range []string{"query", "max_results"} {
		if v, ok := env.Payload[k]; ok {
			payload[k] = v
		}
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	fwd, err := o.self.Send(workflow.AgentQuery, bus.KindRequest, payload, env.ID)
	if err != nil {
		return fmt.Errorf("forward query: %w", err)
	}
	o.relays[fwd.ID] = env
	return nil
}

// relay passes a reply to a forwarded request back to whoever asked for it.
func (o *Orchestrator) relay(env bus.Envelope) bool {
	if env.Kind != bus.KindResponse && env.Kind != bus.KindError {
		return false
	}

	o.mu.Lock()
	orig, ok := o.relays[env.CorrelationID]
	if ok {
		delete(o.relays, env.CorrelationID)
	}
	o.mu.Unlock()
	if !ok {
		return false
	}

	if _, err := o.self.Send(orig.From, env.Kind, env.Payload, orig.ID); err != nil {
		slog.Warn("relay failed", "to", orig.From, "error", err)
	}
	return true
}

func reply(env bus.Envelope, payload map[string]any) *bus.Envelope {
	r := env.Reply(bus.KindResponse, payload)
	return &r
}
