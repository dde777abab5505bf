// Command dpctl talks to a running docpipe gateway over NATS.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
	"time"

	"github.com/mtzanidakis/docpipe/internal/natsbus"
	"github.com/mtzanidakis/docpipe/internal/orchestrator"
	"github.com/nats-io/nats.go"
)

func sendIPC(natsURL, reqType string, payload map[string]any) (*orchestrator.IPCResponse, error) {
	conn, err := nats.Connect(natsURL)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}
	defer conn.Close()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	data, err := json.Marshal(orchestrator.IPCCommand{Type: reqType, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	msg, err := conn.Request(natsbus.TopicIPC, data, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("ipc request: %w", err)
	}

	var resp orchestrator.IPCResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("unmarshal response: %w", err)
	}
	if resp.Error != "" {
		return &resp, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}

func parseArgs(args []string) map[string]string {
	result := make(map[string]string)
	for i := 0; i < len(args); i++ {
		if len(args[i]) > 2 && args[i][:2] == "--" && i+1 < len(args) {
			result[args[i][2:]] = args[i+1]
			i++
		}
	}
	return result
}

func usage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, `  dpctl start --document "..." [--ref "..."]`)
	fmt.Fprintln(os.Stderr, `  dpctl status --workflow "..."`)
	fmt.Fprintln(os.Stderr, "  dpctl list")
	fmt.Fprintln(os.Stderr, "  dpctl system")
	fmt.Fprintln(os.Stderr, `  dpctl history [--limit N]`)
	fmt.Fprintln(os.Stderr, `  dpctl restart --agent "..."`)
	os.Exit(1)
}

func main() {
	natsURL := os.Getenv("NATS_URL")
	if natsURL == "" {
		natsURL = "nats://localhost:4222"
	}

	if len(os.Args) < 2 {
		usage()
	}

	if err := run(natsURL, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(natsURL, command string, rest []string, out io.Writer) error {
	args := parseArgs(rest)

	switch command {
	case "start":
		if args["document"] == "" {
			return fmt.Errorf("--document is required")
		}
		resp, err := sendIPC(natsURL, "start_workflow", map[string]any{
			"document_id": args["document"],
			"ref":         args["ref"],
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Workflow started: %s\n", resp.WorkflowID)

	case "status":
		if args["workflow"] == "" {
			return fmt.Errorf("--workflow is required")
		}
		resp, err := sendIPC(natsURL, "workflow_status", map[string]any{"workflow_id": args["workflow"]})
		if err != nil {
			return err
		}
		w := resp.Workflow
		fmt.Fprintf(out, "%s  %s  step=%s  document=%s\n", w.WorkflowID, w.Status, w.CurrentStep, w.DocumentID)
		for _, e := range w.ErrorLog {
			fmt.Fprintf(out, "  error at %s: %s\n", e.Step, e.Error)
		}

	case "list":
		resp, err := sendIPC(natsURL, "list_workflows", map[string]any{})
		if err != nil {
			return err
		}
		if len(resp.Workflows) == 0 {
			fmt.Fprintln(out, "No workflows found.")
			return nil
		}
		for _, w := range resp.Workflows {
			fmt.Fprintf(out, "  %s  %-10s  %-13s  %s\n", w.WorkflowID, w.Status, w.CurrentStep, w.DocumentID)
		}

	case "system":
		resp, err := sendIPC(natsURL, "system_status", map[string]any{})
		if err != nil {
			return err
		}
		st := resp.Status
		fmt.Fprintf(out, "Workflows: %d active, %d total\n", st.ActiveWorkflows, st.TotalWorkflows)
		fmt.Fprintf(out, "Message history: %d\n", st.HistorySize)
		ids := make([]string, 0, len(st.Agents))
		for id := range st.Agents {
			ids = append(ids, id)
		}
		slices.Sort(ids)
		for _, id := range ids {
			a := st.Agents[id]
			fmt.Fprintf(out, "  %-13s %-8s processed=%d errors=%d queued=%d\n",
				id, a.Status, a.Metrics.MessagesProcessed, a.Metrics.Errors, a.MailboxDepth)
		}

	case "history":
		payload := map[string]any{}
		if v := args["limit"]; v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("invalid --limit: %s", v)
			}
			payload["limit"] = n
		}
		resp, err := sendIPC(natsURL, "message_history", payload)
		if err != nil {
			return err
		}
		for _, m := range resp.Messages {
			fmt.Fprintf(out, "  %s  %-8s %s -> %s\n", m.Timestamp.Format(time.RFC3339), m.Kind, m.From, m.To)
		}

	case "restart":
		if args["agent"] == "" {
			return fmt.Errorf("--agent is required")
		}
		if _, err := sendIPC(natsURL, "restart_agent", map[string]any{"agent_id": args["agent"]}); err != nil {
			return err
		}
		fmt.Fprintf(out, "Agent %s restarted.\n", args["agent"])

	default:
		return fmt.Errorf("unknown command: %s", command)
	}
	return nil
}
