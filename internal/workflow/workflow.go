// Package workflow models a document's progress through the pipeline as a
// forward-only state machine.
package workflow

import (
	"errors"
	"fmt"
	"maps"
	"time"
)

type Step string

const (
	StepIngestion     Step = "INGESTION"
	StepAnalysis      Step = "ANALYSIS"
	StepSummarization Step = "SUMMARIZATION"
	StepIndexing      Step = "INDEXING"
	StepCompletion    Step = "COMPLETION"
)

// Steps lists every step in pipeline order.
var Steps = []Step{StepIngestion, StepAnalysis, StepSummarization, StepIndexing, StepCompletion}

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// Agent ids the pipeline routes to.
const (
	AgentCurator    = "curator"
	AgentAnalyzer   = "analyzer"
	AgentSummarizer = "summarizer"
	AgentQuery      = "query"
)

// IngestAction is the action requested from the curator to start a workflow.
const IngestAction = "ingest_document"

type transition struct {
	next   Step
	target string
}

var transitions = map[Step]transition{
	StepIngestion:     {StepAnalysis, AgentAnalyzer},
	StepAnalysis:      {StepSummarization, AgentSummarizer},
	StepSummarization: {StepIndexing, AgentQuery},
	StepIndexing:      {StepCompletion, ""},
}

var actions = map[Step]string{
	StepAnalysis:      "analyze_document",
	StepSummarization: "summarize_document",
	StepIndexing:      "index_document",
}

// Action returns the request action for the stage that handles step.
func Action(step Step) string {
	if step == StepIngestion {
		return IngestAction
	}
	return actions[step]
}

// Next returns the step after s and the agent that handles it. An empty
// target means the pipeline ends at the returned step.
func Next(s Step) (Step, string, bool) {
	t, ok := transitions[s]
	return t.next, t.target, ok
}

// Index is the position of s in pipeline order, or -1.
func (s Step) Index() int {
	for i, v := range Steps {
		if v == s {
			return i
		}
	}
	return -1
}

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

var (
	ErrTerminal     = errors.New("workflow is terminal")
	ErrNoTransition = errors.New("no transition from step")
)

type ErrorEntry struct {
	Agent string `json:"agent"`
	Error string `json:"error"`
	Step  Step   `json:"step"`
}

// Workflow is owned by the orchestrator; callers outside it only ever see
// snapshots.
type Workflow struct {
	ID          string
	DocumentID  string
	Status      Status
	CurrentStep Step
	Results     map[Step]any
	ErrorLog    []ErrorEntry
	StartedAt   time.Time
	CompletedAt *time.Time

	// Ref is the document reference handed to ingestion.
	Ref string
	// PendingRequest is the id of the request awaiting a reply for
	// CurrentStep.
	PendingRequest string
	// Revision orders snapshots of the same workflow id, reprocessed runs
	// included. The owner bumps it on every change.
	Revision int64
}

func ID(documentID string) string {
	return "workflow_" + documentID
}

func New(id, documentID, ref string, now time.Time) *Workflow {
	return &Workflow{
		ID:          id,
		DocumentID:  documentID,
		Ref:         ref,
		Status:      StatusPending,
		CurrentStep: StepIngestion,
		Results:     make(map[Step]any),
		StartedAt:   now,
	}
}

// Begin moves a pending workflow into processing.
func (w *Workflow) Begin() error {
	if w.Status != StatusPending {
		return fmt.Errorf("begin %s: status %s", w.ID, w.Status)
	}
	w.Status = StatusProcessing
	return nil
}

// Advance records result for the current step and moves one step forward.
// It returns the agent to contact next, or "" when the workflow completed.
func (w *Workflow) Advance(result any, now time.Time) (string, error) {
	if w.Status.Terminal() {
		return "", fmt.Errorf("advance %s: %w", w.ID, ErrTerminal)
	}
	next, target, ok := Next(w.CurrentStep)
	if !ok {
		return "", fmt.Errorf("advance %s: %w %s", w.ID, ErrNoTransition, w.CurrentStep)
	}
	if _, seen := w.Results[w.CurrentStep]; seen {
		return "", fmt.Errorf("advance %s: result for %s already recorded", w.ID, w.CurrentStep)
	}

	w.Results[w.CurrentStep] = result
	w.CurrentStep = next
	w.PendingRequest = ""

	if target == "" {
		w.Status = StatusCompleted
		w.CompletedAt = &now
	}
	return target, nil
}

// Fail marks the workflow failed at its current step.
func (w *Workflow) Fail(agent, errText string) error {
	if w.Status.Terminal() {
		return fmt.Errorf("fail %s: %w", w.ID, ErrTerminal)
	}
	w.Status = StatusFailed
	w.PendingRequest = ""
	w.ErrorLog = append(w.ErrorLog, ErrorEntry{Agent: agent, Error: errText, Step: w.CurrentStep})
	return nil
}

// PreviousResults returns a copy of the accumulated results keyed by step
// name, as sent to the next stage.
func (w *Workflow) PreviousResults() map[string]any {
	out := make(map[string]any, len(w.Results))
	for k, v := range w.Results {
		out[string(k)] = v
	}
	return out
}

// Snapshot is a read-only copy of a workflow.
type Snapshot struct {
	WorkflowID  string       `json:"workflow_id"`
	DocumentID  string       `json:"document_id"`
	Status      Status       `json:"status"`
	CurrentStep Step         `json:"current_step"`
	Results     map[Step]any `json:"results"`
	ErrorLog    []ErrorEntry `json:"error_log"`
	StartedAt   time.Time    `json:"started_at"`
	CompletedAt *time.Time   `json:"completed_at,omitempty"`
	Revision    int64        `json:"revision"`
}

func (w *Workflow) Snapshot() Snapshot {
	s := Snapshot{
		WorkflowID:  w.ID,
		DocumentID:  w.DocumentID,
		Status:      w.Status,
		CurrentStep: w.CurrentStep,
		Results:     maps.Clone(w.Results),
		ErrorLog:    append([]ErrorEntry{}, w.ErrorLog...),
		StartedAt:   w.StartedAt,
		Revision:    w.Revision,
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		s.CompletedAt = &t
	}
	return s
}

// FailedStep reports the step a failed workflow stopped at.
func (s Snapshot) FailedStep() (Step, bool) {
	if s.Status != StatusFailed || len(s.ErrorLog) == 0 {
		return "", false
	}
	return s.ErrorLog[len(s.ErrorLog)-1].Step, true
}
