package telegram

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/orchestrator"
)

func TestChunkMessage(t *testing.T) {
	newlineAt3000 := []byte(strings.Repeat("a", 5000))
	newlineAt3000[3000] = '\n'

	tests := []struct {
		name   string
		text   string
		chunks int
		first  int // expected byte length of the first chunk, 0 to skip
	}{
		{"short", "hello", 1, 5},
		{"exact limit", strings.Repeat("a", 4096), 1, 4096},
		{"over limit", strings.Repeat("a", 8192), 2, 4096},
		{"newline split", string(newlineAt3000), 2, 3001},
		// 1 + 2*2047 = 4095 bytes fit; the rune at 4095 would straddle the limit.
		{"two byte runes", "a" + strings.Repeat("é", 3000), 2, 4095},
		{"four byte runes", strings.Repeat("😀", 2000), 2, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chunks := chunkMessage(tt.text, maxMessageLen)
			if len(chunks) != tt.chunks {
				t.Fatalf("expected %d chunks, got %d", tt.chunks, len(chunks))
			}
			if tt.first > 0 && len(chunks[0]) != tt.first {
				t.Errorf("expected first chunk of %d bytes, got %d", tt.first, len(chunks[0]))
			}
			for i, c := range chunks {
				if len(c) > maxMessageLen {
					t.Errorf("chunk %d is %d bytes", i, len(c))
				}
				if !utf8.ValidString(c) {
					t.Errorf("chunk %d is not valid UTF-8", i)
				}
			}
			if got := strings.Join(chunks, ""); got != tt.text {
				t.Error("chunks do not reassemble the original text")
			}
		})
	}
}

func TestChunkMessageTinyLimit(t *testing.T) {
	chunks := chunkMessage("é€", 1)
	if len(chunks) != 2 || chunks[0] != "é" || chunks[1] != "€" {
		t.Errorf("expected whole runes even below the limit, got %q", chunks)
	}
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		in, cmd, arg string
	}{
		{"/status", "status", ""},
		{"/Status@docpipe_bot", "status", ""},
		{"/ask  what is NATS? ", "ask", "what is NATS?"},
		{"/workflow workflow_d1", "workflow", "workflow_d1"},
		{"hello", "", "hello"},
	}
	for _, tt := range tests {
		cmd, arg := parseCommand(tt.in)
		if cmd != tt.cmd || arg != tt.arg {
			t.Errorf("parseCommand(%q) = %q, %q; want %q, %q", tt.in, cmd, arg, tt.cmd, tt.arg)
		}
	}
}

func TestFormatWorkflowEvent(t *testing.T) {
	completed := `{"type":"workflow_completed","timestamp":"2026-01-01T00:00:00Z","data":{"workflow_id":"workflow_d1","document_id":"d1","status":"COMPLETED","current_step":"COMPLETION"}}`
	got, ok := formatWorkflowEvent([]byte(completed))
	if !ok || got != "Document d1 processed (workflow_d1)." {
		t.Errorf("completed = %q, %v", got, ok)
	}

	failed := `{"type":"workflow_failed","data":{"workflow_id":"workflow_d2","document_id":"d2","status":"FAILED","current_step":"ANALYSIS","error_log":[{"agent":"analyzer","error":"no text","step":"ANALYSIS"}]}}`
	got, ok = formatWorkflowEvent([]byte(failed))
	if !ok || !strings.Contains(got, "analyzer at ANALYSIS: no text") {
		t.Errorf("failed = %q, %v", got, ok)
	}

	if _, ok := formatWorkflowEvent([]byte(`{"type":"step_advanced","data":{}}`)); ok {
		t.Error("step events should not be announced")
	}
	if _, ok := formatWorkflowEvent([]byte(`garbage`)); ok {
		t.Error("invalid payload should be skipped")
	}
}

func TestFormatStatus(t *testing.T) {
	got := formatStatus(orchestrator.SystemStatus{
		ActiveWorkflows: 1,
		TotalWorkflows:  4,
		HistorySize:     20,
		Agents: map[string]bus.AgentSnapshot{
			"query":   {Status: "IDLE", Metrics: bus.Metrics{MessagesProcessed: 3}},
			"curator": {Status: "BUSY", Metrics: bus.Metrics{MessagesProcessed: 5, Errors: 1}},
		},
	})
	want := "Workflows: 1 active, 4 total\nMessages: 20\ncurator: BUSY, 5 processed, 1 errors\nquery: IDLE, 3 processed, 0 errors"
	if got != want {
		t.Errorf("formatStatus =\n%s\nwant\n%s", got, want)
	}
}
