package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// stage is a scripted stage handler that records the requests it receives.
type stage struct {
	agent.Base
	name  string
	mu    sync.Mutex
	reqs  []bus.Envelope
	reply func(env bus.Envelope) (*bus.Envelope, error)
}

func (s *stage) Handle(_ context.Context, env bus.Envelope) (*bus.Envelope, error) {
	s.mu.Lock()
	s.reqs = append(s.reqs, env)
	s.mu.Unlock()
	if s.reply != nil {
		return s.reply(env)
	}
	r := env.Reply(bus.KindResponse, map[string]any{
		"workflow_id": env.Payload["workflow_id"],
		"result":      s.name + " done",
		"status":      "completed",
	})
	return &r, nil
}

func (s *stage) requests() []bus.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.Envelope(nil), s.reqs...)
}

type recorder struct {
	mu       sync.Mutex
	events   []string
	snaps    []workflow.Snapshot
	restarts []string
}

func (r *recorder) WorkflowChanged(event string, snap workflow.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	r.snaps = append(r.snaps, snap)
}

// revisionOf returns the revision carried by the first event of the given
// kind for id.
func (r *recorder) revisionOf(id, event string) (int64, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, s := range r.snaps {
		if s.WorkflowID == id && r.events[i] == event {
			return s.Revision, true
		}
	}
	return 0, false
}

func (r *recorder) AgentRestarted(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.restarts = append(r.restarts, id)
}

func (r *recorder) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

type harness struct {
	bus    *bus.Bus
	orch   *Orchestrator
	stages map[string]*stage
	agents map[string]*agent.Agent
	rec    *recorder
}

func newHarness(t *testing.T, skip ...string) *harness {
	t.Helper()
	h := &harness{
		bus:    bus.New(),
		stages: make(map[string]*stage),
		agents: make(map[string]*agent.Agent),
		rec:    &recorder{},
	}
	h.orch = New(h.bus)
	h.orch.Observe(h.rec)

	skipped := make(map[string]bool)
	for _, s := range skip {
		skipped[s] = true
	}
	for _, name := range []string{workflow.AgentCurator, workflow.AgentAnalyzer, workflow.AgentSummarizer, workflow.AgentQuery} {
		if skipped[name] {
			continue
		}
		st := &stage{name: name}
		a := agent.New(name, st, h.bus)
		h.bus.Register(a)
		h.orch.AddStage(a)
		h.stages[name] = st
		h.agents[name] = a
	}

	ctx := context.Background()
	if err := h.orch.Start(ctx); err != nil {
		t.Fatalf("start orchestrator: %v", err)
	}
	for _, a := range h.agents {
		if err := a.Start(ctx); err != nil {
			t.Fatalf("start %s: %v", a.ID(), err)
		}
	}
	t.Cleanup(func() {
		for _, a := range h.agents {
			_ = a.Stop(context.Background())
		}
		_ = h.orch.Stop(context.Background())
	})
	return h
}

func waitRequests(t *testing.T, s *stage, n int) []bus.Envelope {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for len(s.requests()) < n && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	return s.requests()
}

func (h *harness) waitStatus(t *testing.T, id string, want workflow.Status) workflow.Snapshot {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := h.orch.GetStatus(id)
		if err == nil && snap.Status == want {
			return snap
		}
		time.Sleep(5 * time.Millisecond)
	}
	snap, _ := h.orch.GetStatus(id)
	t.Fatalf("workflow %s: expected %s, got %+v", id, want, snap)
	return snap
}

func TestHappyPath(t *testing.T) {
	h := newHarness(t)

	id, err := h.orch.StartWorkflow(context.Background(), "doc1", "uploads/doc1.txt")
	if err != nil {
		t.Fatalf("start workflow: %v", err)
	}
	if id != "workflow_doc1" {
		t.Fatalf("unexpected workflow id %s", id)
	}

	snap := h.waitStatus(t, id, workflow.StatusCompleted)
	if snap.CurrentStep != workflow.StepCompletion {
		t.Errorf("expected COMPLETION, got %s", snap.CurrentStep)
	}
	if snap.CompletedAt == nil {
		t.Error("expected completed_at")
	}
	wantResults := map[workflow.Step]string{
		workflow.StepIngestion:     "curator done",
		workflow.StepAnalysis:      "analyzer done",
		workflow.StepSummarization: "summarizer done",
		workflow.StepIndexing:      "query done",
	}
	if len(snap.Results) != len(wantResults) {
		t.Fatalf("expected %d results, got %v", len(wantResults), snap.Results)
	}
	for step, want := range wantResults {
		if snap.Results[step] != want {
			t.Errorf("results[%s] = %v, want %s", step, snap.Results[step], want)
		}
	}

	ingest := h.stages[workflow.AgentCurator].requests()
	if len(ingest) != 1 {
		t.Fatalf("expected one ingestion request, got %d", len(ingest))
	}
	if ingest[0].Payload["action"] != "ingest_document" || ingest[0].Payload["ref"] != "uploads/doc1.txt" {
		t.Errorf("unexpected ingestion payload %v", ingest[0].Payload)
	}

	sum := h.stages[workflow.AgentSummarizer].requests()
	if len(sum) != 1 {
		t.Fatalf("expected one summarization request, got %d", len(sum))
	}
	if sum[0].Payload["action"] != "summarize_document" {
		t.Errorf("unexpected action %v", sum[0].Payload["action"])
	}
	prev, ok := sum[0].Payload["previous_results"].(map[string]any)
	if !ok {
		t.Fatalf("expected previous_results map, got %T", sum[0].Payload["previous_results"])
	}
	if prev["INGESTION"] != "curator done" || prev["ANALYSIS"] != "analyzer done" {
		t.Errorf("unexpected previous results %v", prev)
	}
	if _, ok := prev["SUMMARIZATION"]; ok {
		t.Error("previous results must not include the current step")
	}

	idx := h.stages[workflow.AgentQuery].requests()
	if len(idx) != 1 || idx[0].Payload["action"] != "index_document" {
		t.Errorf("unexpected indexing requests %v", idx)
	}

	events := h.rec.snapshot()
	if events[0] != EventStarted || events[len(events)-1] != EventCompleted {
		t.Errorf("unexpected event sequence %v", events)
	}
}

func TestAnalyzerFailure(t *testing.T) {
	h := newHarness(t)
	h.stages[workflow.AgentAnalyzer].reply = func(env bus.Envelope) (*bus.Envelope, error) {
		r := env.Reply(bus.KindError, map[string]any{
			"workflow_id": env.Payload["workflow_id"],
			"error":       "no text",
			"document_id": env.Payload["document_id"],
		})
		return &r, nil
	}

	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	snap := h.waitStatus(t, id, workflow.StatusFailed)

	want := workflow.ErrorEntry{Agent: "analyzer", Error: "no text", Step: workflow.StepAnalysis}
	if len(snap.ErrorLog) != 1 || snap.ErrorLog[0] != want {
		t.Errorf("unexpected error log %+v", snap.ErrorLog)
	}
	if _, ok := snap.Results[workflow.StepAnalysis]; ok {
		t.Error("failed step must not have a result")
	}

	time.Sleep(50 * time.Millisecond)
	if n := len(h.stages[workflow.AgentSummarizer].requests()); n != 0 {
		t.Errorf("expected no summarization requests, got %d", n)
	}
}

func TestHandlerExceptionFailsWorkflow(t *testing.T) {
	h := newHarness(t)
	h.stages[workflow.AgentCurator].reply = func(bus.Envelope) (*bus.Envelope, error) {
		return nil, errors.New("file not found")
	}

	id, _ := h.orch.StartWorkflow(context.Background(), "doc2", "missing.txt")
	snap := h.waitStatus(t, id, workflow.StatusFailed)

	if len(snap.ErrorLog) != 1 {
		t.Fatalf("expected one error entry, got %+v", snap.ErrorLog)
	}
	e := snap.ErrorLog[0]
	if e.Agent != "curator" || e.Step != workflow.StepIngestion || e.Error != "file not found" {
		t.Errorf("unexpected error entry %+v", e)
	}
	if st := h.agents[workflow.AgentCurator].Status(); st != agent.StatusError {
		t.Errorf("expected curator in ERROR, got %s", st)
	}
}

func TestLateMessagesIgnoredAfterFailure(t *testing.T) {
	h := newHarness(t)
	h.stages[workflow.AgentAnalyzer].reply = func(env bus.Envelope) (*bus.Envelope, error) {
		r := env.Reply(bus.KindError, map[string]any{"workflow_id": env.Payload["workflow_id"], "error": "no text"})
		return &r, nil
	}

	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	h.waitStatus(t, id, workflow.StatusFailed)

	late := bus.NewEnvelope("analyzer", ID, bus.KindResponse, map[string]any{"workflow_id": id, "result": "late"})
	if err := h.bus.Send(late); err != nil {
		t.Fatalf("send: %v", err)
	}
	lateErr := bus.NewEnvelope("summarizer", ID, bus.KindError, map[string]any{"workflow_id": id, "error": "again"})
	_ = h.bus.Send(lateErr)

	time.Sleep(50 * time.Millisecond)
	snap, _ := h.orch.GetStatus(id)
	if snap.Status != workflow.StatusFailed || len(snap.ErrorLog) != 1 || len(snap.Results) != 1 {
		t.Errorf("terminal workflow changed: %+v", snap)
	}
}

func TestStaleResponseIgnored(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.stages[workflow.AgentCurator].reply = func(env bus.Envelope) (*bus.Envelope, error) {
		<-block
		r := env.Reply(bus.KindResponse, map[string]any{"workflow_id": env.Payload["workflow_id"], "result": "ingested"})
		return &r, nil
	}

	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")

	stale := bus.NewEnvelope("analyzer", ID, bus.KindResponse, map[string]any{"workflow_id": id, "result": "bogus"})
	stale.CorrelationID = "not-the-pending-request"
	_ = h.bus.Send(stale)
	time.Sleep(50 * time.Millisecond)

	snap, _ := h.orch.GetStatus(id)
	if snap.CurrentStep != workflow.StepIngestion || len(snap.Results) != 0 {
		t.Fatalf("stale response advanced workflow: %+v", snap)
	}

	close(block)
	snap = h.waitStatus(t, id, workflow.StatusCompleted)
	if snap.Results[workflow.StepIngestion] != "ingested" {
		t.Errorf("unexpected ingestion result %v", snap.Results[workflow.StepIngestion])
	}
}

func TestUnknownWorkflow(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.GetStatus("workflow_nope")
	if !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected ErrUnknownWorkflow, got %v", err)
	}
}

func TestMissingStageFailsWorkflow(t *testing.T) {
	h := newHarness(t, workflow.AgentQuery)

	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	snap := h.waitStatus(t, id, workflow.StatusFailed)

	if snap.CurrentStep != workflow.StepIndexing {
		t.Errorf("expected failure at INDEXING, got %s", snap.CurrentStep)
	}
	if len(snap.ErrorLog) != 1 || snap.ErrorLog[0].Agent != "query" {
		t.Errorf("unexpected error log %+v", snap.ErrorLog)
	}
	if len(snap.Results) != 3 {
		t.Errorf("expected results up to SUMMARIZATION, got %v", snap.Results)
	}
}

func TestMailboxFullOnStart(t *testing.T) {
	b := bus.New()
	o := New(b)
	curator := agent.New(workflow.AgentCurator, &stage{name: "curator"}, b, agent.WithMailboxCapacity(1))
	b.Register(curator)

	if _, err := o.StartWorkflow(context.Background(), "doc1", ""); err != nil {
		t.Fatalf("first start: %v", err)
	}
	_, err := o.StartWorkflow(context.Background(), "doc2", "")
	if !errors.Is(err, bus.ErrMailboxFull) {
		t.Fatalf("expected ErrMailboxFull, got %v", err)
	}

	snap, _ := o.GetStatus("workflow_doc2")
	if snap.Status != workflow.StatusFailed || len(snap.ErrorLog) != 1 {
		t.Errorf("expected failed workflow with one error, got %+v", snap)
	}
}

func TestStartWhileActive(t *testing.T) {
	h := newHarness(t)
	block := make(chan struct{})
	h.stages[workflow.AgentCurator].reply = func(env bus.Envelope) (*bus.Envelope, error) {
		<-block
		r := env.Reply(bus.KindResponse, map[string]any{"workflow_id": env.Payload["workflow_id"], "result": "ok"})
		return &r, nil
	}

	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	if _, err := h.orch.StartWorkflow(context.Background(), "doc1", ""); !errors.Is(err, ErrWorkflowActive) {
		t.Errorf("expected ErrWorkflowActive, got %v", err)
	}
	close(block)
	h.waitStatus(t, id, workflow.StatusCompleted)

	if _, err := h.orch.StartWorkflow(context.Background(), "doc1", ""); err != nil {
		t.Errorf("expected reprocess of finished workflow to start, got %v", err)
	}
	h.waitStatus(t, id, workflow.StatusCompleted)
}

func TestRestartAgent(t *testing.T) {
	h := newHarness(t)
	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	h.waitStatus(t, id, workflow.StatusCompleted)

	before := h.agents[workflow.AgentAnalyzer].Snapshot().Metrics.MessagesProcessed
	if err := h.orch.RestartAgent(context.Background(), workflow.AgentAnalyzer); err != nil {
		t.Fatalf("restart: %v", err)
	}
	after := h.agents[workflow.AgentAnalyzer].Snapshot()
	if after.Metrics.MessagesProcessed != before || before == 0 {
		t.Errorf("expected metrics preserved (%d), got %d", before, after.Metrics.MessagesProcessed)
	}
	if after.Status != string(agent.StatusIdle) {
		t.Errorf("expected IDLE after restart, got %s", after.Status)
	}

	if err := h.orch.RestartAgent(context.Background(), "ghost"); !errors.Is(err, bus.ErrUnknownAgent) {
		t.Errorf("expected ErrUnknownAgent, got %v", err)
	}
}

func TestRestartOrchestrator(t *testing.T) {
	h := newHarness(t)
	first, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	h.waitStatus(t, first, workflow.StatusCompleted)

	before := h.orch.Agent().Snapshot().Metrics.MessagesProcessed
	if err := h.orch.RestartAgent(context.Background(), ID); err != nil {
		t.Fatalf("restart orchestrator: %v", err)
	}
	if got := h.orch.Agent().Snapshot().Metrics.MessagesProcessed; got != before {
		t.Errorf("metrics reset by restart: %d, want %d", got, before)
	}

	second, err := h.orch.StartWorkflow(context.Background(), "doc2", "")
	if err != nil {
		t.Fatalf("start after restart: %v", err)
	}
	h.waitStatus(t, second, workflow.StatusCompleted)

	h.rec.mu.Lock()
	restarts := append([]string(nil), h.rec.restarts...)
	h.rec.mu.Unlock()
	if len(restarts) != 1 || restarts[0] != ID {
		t.Errorf("restart observers = %v", restarts)
	}
}

func TestSnapshotRevisionsIncrease(t *testing.T) {
	h := newHarness(t)
	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	first := h.waitStatus(t, id, workflow.StatusCompleted)

	// Notifications may arrive out of order; revisions must not.
	deadline := time.Now().Add(2 * time.Second)
	completed, ok3 := h.rec.revisionOf(id, EventCompleted)
	for !ok3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
		completed, ok3 = h.rec.revisionOf(id, EventCompleted)
	}
	started, ok1 := h.rec.revisionOf(id, EventStarted)
	advanced, ok2 := h.rec.revisionOf(id, EventAdvanced)
	if !ok1 || !ok2 || !ok3 {
		t.Fatalf("missing events: %v", h.rec.snapshot())
	}
	if !(started < advanced && advanced < completed) {
		t.Errorf("revisions out of order: started %d, advanced %d, completed %d", started, advanced, completed)
	}
	if first.Revision != completed {
		t.Errorf("snapshot revision %d, want %d", first.Revision, completed)
	}

	// A rerun of the same document id keeps ordering above the first run.
	if _, err := h.orch.StartWorkflow(context.Background(), "doc1", ""); err != nil {
		t.Fatalf("rerun: %v", err)
	}
	second := h.waitStatus(t, id, workflow.StatusCompleted)
	if second.Revision <= first.Revision {
		t.Errorf("rerun revision %d not above %d", second.Revision, first.Revision)
	}
}

func TestSystemStatusAndHistory(t *testing.T) {
	h := newHarness(t)
	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	h.waitStatus(t, id, workflow.StatusCompleted)

	st := h.orch.SystemStatus()
	if len(st.Agents) != 5 {
		t.Errorf("expected 5 agents, got %d", len(st.Agents))
	}
	if st.TotalWorkflows != 1 || st.ActiveWorkflows != 0 {
		t.Errorf("unexpected workflow counts %+v", st)
	}
	// four requests and four responses
	if st.HistorySize != 8 {
		t.Errorf("expected 8 history entries, got %d", st.HistorySize)
	}

	hist := h.orch.MessageHistory(2)
	if len(hist) != 2 {
		t.Fatalf("expected 2 summaries, got %d", len(hist))
	}
	last := hist[1]
	if last.From != "query" || last.To != ID || last.Kind != bus.KindResponse || last.CorrelationID == "" {
		t.Errorf("unexpected last summary %+v", last)
	}
}

func TestProcessDocumentRequest(t *testing.T) {
	h := newHarness(t)
	caller := &stage{name: "api", reply: func(bus.Envelope) (*bus.Envelope, error) { return nil, nil }}
	ca := agent.New("api", caller, h.bus)
	h.bus.Register(ca)
	if err := ca.Start(context.Background()); err != nil {
		t.Fatalf("start caller: %v", err)
	}
	t.Cleanup(func() { _ = ca.Stop(context.Background()) })

	req := bus.NewEnvelope("api", ID, bus.KindRequest, map[string]any{
		"action":      "process_document",
		"document_id": "doc9",
		"file_path":   "uploads/doc9.txt",
	})
	if err := h.bus.Send(req); err != nil {
		t.Fatalf("send: %v", err)
	}
	h.waitStatus(t, "workflow_doc9", workflow.StatusCompleted)

	replies := waitRequests(t, caller, 1)
	if len(replies) != 1 {
		t.Fatalf("expected one reply, got %d", len(replies))
	}
	if replies[0].Kind != bus.KindResponse || replies[0].Payload["workflow_id"] != "workflow_doc9" {
		t.Errorf("unexpected reply %+v", replies[0])
	}
	if replies[0].CorrelationID != req.ID {
		t.Errorf("expected reply correlated to request")
	}
}

func TestQueryRelay(t *testing.T) {
	h := newHarness(t)
	h.stages[workflow.AgentQuery].reply = func(env bus.Envelope) (*bus.Envelope, error) {
		r := env.Reply(bus.KindResponse, map[string]any{"answer": "42", "query": env.Payload["query"]})
		return &r, nil
	}

	caller := &stage{name: "api", reply: func(bus.Envelope) (*bus.Envelope, error) { return nil, nil }}
	ca := agent.New("api", caller, h.bus)
	h.bus.Register(ca)
	_ = ca.Start(context.Background())
	t.Cleanup(func() { _ = ca.Stop(context.Background()) })

	req := bus.NewEnvelope("api", ID, bus.KindRequest, map[string]any{"action": "query_documents", "query": "meaning"})
	_ = h.bus.Send(req)

	got := waitRequests(t, caller, 1)
	if len(got) != 1 {
		t.Fatalf("expected relayed answer, got %d messages", len(got))
	}
	if got[0].Payload["answer"] != "42" || got[0].CorrelationID != req.ID {
		t.Errorf("unexpected relayed reply %+v", got[0])
	}

	fwd := h.stages[workflow.AgentQuery].requests()
	if len(fwd) != 1 || fwd[0].Payload["action"] != "answer_query" {
		t.Errorf("unexpected forwarded request %v", fwd)
	}
}

func TestPruneTerminal(t *testing.T) {
	h := newHarness(t)
	id, _ := h.orch.StartWorkflow(context.Background(), "doc1", "")
	h.waitStatus(t, id, workflow.StatusCompleted)

	if n := h.orch.PruneTerminal(time.Now().Add(-time.Hour)); n != 0 {
		t.Errorf("expected nothing pruned, got %d", n)
	}
	if n := h.orch.PruneTerminal(time.Now().Add(time.Second)); n != 1 {
		t.Errorf("expected one pruned, got %d", n)
	}
	if _, err := h.orch.GetStatus(id); !errors.Is(err, ErrUnknownWorkflow) {
		t.Errorf("expected pruned workflow to be gone, got %v", err)
	}
}
