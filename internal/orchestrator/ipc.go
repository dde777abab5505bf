package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/mtzanidakis/docpipe/internal/workflow"
	"github.com/nats-io/nats.go"
)

type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type IPCResponse struct {
	OK         bool                `json:"ok,omitempty"`
	Error      string              `json:"error,omitempty"`
	WorkflowID string              `json:"workflow_id,omitempty"`
	Workflow   *workflow.Snapshot  `json:"workflow,omitempty"`
	Workflows  []workflow.Snapshot `json:"workflows,omitempty"`
	Status     *SystemStatus       `json:"status,omitempty"`
	Messages   []bus.Summary       `json:"messages,omitempty"`
}

// RefResolver looks up the stored file reference of a document.
type RefResolver func(documentID string) (string, error)

const ipcTimeout = 10 * time.Second

// IPCServer answers operator commands published on natsbus.TopicIPC.
type IPCServer struct {
	orch *Orchestrator
	refs RefResolver
	sub  *nats.Subscription
}

// ServeIPC subscribes to the IPC topic. refs may be nil, in which case
// start_workflow needs an explicit ref.
func (o *Orchestrator) ServeIPC(client *natsbus.Client, refs RefResolver) (*IPCServer, error) {
	s := &IPCServer{orch: o, refs: refs}
	sub, err := client.Subscribe(natsbus.TopicIPC, s.handle)
	if err != nil {
		return nil, fmt.Errorf("subscribe ipc: %w", err)
	}
	s.sub = sub
	return s, nil
}

func (s *IPCServer) Close() error {
	return s.sub.Unsubscribe()
}

func (s *IPCServer) handle(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		respondIPC(msg, IPCResponse{Error: "invalid command"})
		return
	}

	slog.Info("IPC command received", "type", cmd.Type)

	var args struct {
		DocumentID string `json:"document_id"`
		Ref        string `json:"ref"`
		WorkflowID string `json:"workflow_id"`
		AgentID    string `json:"agent_id"`
		Limit      int    `json:"limit"`
	}
	if len(cmd.Payload) > 0 {
		if err := json.Unmarshal(cmd.Payload, &args); err != nil {
			respondIPC(msg, IPCResponse{Error: "invalid payload"})
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), ipcTimeout)
	defer cancel()

	switch cmd.Type {
	case "start_workflow":
		s.startWorkflow(ctx, msg, args.DocumentID, args.Ref)
	case "workflow_status":
		snap, err := s.orch.GetStatus(args.WorkflowID)
		if err != nil {
			respondIPC(msg, IPCResponse{Error: err.Error()})
			return
		}
		respondIPC(msg, IPCResponse{OK: true, Workflow: &snap})
	case "list_workflows":
		list := s.orch.ListWorkflows()
		for i := range list {
			list[i].Results = nil
		}
		respondIPC(msg, IPCResponse{OK: true, Workflows: list})
	case "system_status":
		st := s.orch.SystemStatus()
		respondIPC(msg, IPCResponse{OK: true, Status: &st})
	case "message_history":
		respondIPC(msg, IPCResponse{OK: true, Messages: s.orch.MessageHistory(args.Limit)})
	case "restart_agent":
		if err := s.orch.RestartAgent(ctx, args.AgentID); err != nil {
			respondIPC(msg, IPCResponse{Error: err.Error()})
			return
		}
		respondIPC(msg, IPCResponse{OK: true})
	default:
		slog.Warn("unknown IPC command", "type", cmd.Type)
		respondIPC(msg, IPCResponse{Error: "unknown command: " + cmd.Type})
	}
}

func (s *IPCServer) startWorkflow(ctx context.Context, msg *nats.Msg, docID, ref string) {
	if docID == "" {
		respondIPC(msg, IPCResponse{Error: "document_id is required"})
		return
	}
	if ref == "" && s.refs != nil {
		r, err := s.refs(docID)
		if err != nil {
			respondIPC(msg, IPCResponse{Error: err.Error()})
			return
		}
		ref = r
	}
	if ref == "" {
		respondIPC(msg, IPCResponse{Error: "ref is required"})
		return
	}

	id, err := s.orch.StartWorkflow(ctx, docID, ref)
	if err != nil {
		respondIPC(msg, IPCResponse{Error: err.Error(), WorkflowID: id})
		return
	}
	respondIPC(msg, IPCResponse{OK: true, WorkflowID: id})
}

func respondIPC(msg *nats.Msg, resp IPCResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		slog.Error("failed to marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("failed to respond to IPC", "error", err)
	}
}
