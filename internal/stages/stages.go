// Package stages holds the four pipeline stage agents: curator, analyzer,
// summarizer and query.
package stages

import (
	"fmt"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// complete answers a stage request with its result.
func complete(env bus.Envelope, result any) *bus.Envelope {
	r := env.Reply(bus.KindResponse, map[string]any{
		"workflow_id": env.Payload["workflow_id"],
		"document_id": env.Payload["document_id"],
		"result":      result,
		"status":      "completed",
	})
	return &r
}

// failed reports a stage failure for the request's workflow.
func failed(env bus.Envelope, format string, args ...any) *bus.Envelope {
	r := env.Reply(bus.KindError, map[string]any{
		"workflow_id": env.Payload["workflow_id"],
		"document_id": env.Payload["document_id"],
		"error":       fmt.Sprintf(format, args...),
	})
	return &r
}

// previous returns the result a stage stored for step, as sent in
// previous_results.
func previous[T any](env bus.Envelope, step workflow.Step) (T, bool) {
	var zero T
	prev, ok := env.Payload["previous_results"].(map[string]any)
	if !ok {
		return zero, false
	}
	switch v := prev[string(step)].(type) {
	case T:
		return v, true
	case *T:
		if v != nil {
			return *v, true
		}
	}
	return zero, false
}

func intArg(env bus.Envelope, key string, def int) int {
	switch v := env.Payload[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return def
}

// unknownAction is returned as a handler error so the runtime replies with
// an ERROR envelope.
func unknownAction(agent string, env bus.Envelope) error {
	return fmt.Errorf("%s: unknown action %q", agent, env.String("action"))
}
