package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/config"
	"github.com/mtzanidakis/docpipe/internal/nlp"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

type memFiles map[string][]byte

func (m memFiles) Read(path string) ([]byte, error) {
	data, ok := m[path]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

type memDocs struct {
	mu       sync.Mutex
	docs     map[string]*store.Document
	hashes   map[string]string
	statuses []string
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[string]*store.Document), hashes: make(map[string]string)}
}

func (m *memDocs) GetDocument(id string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.docs[id], nil
}

func (m *memDocs) UpdateDocumentStatus(id, status, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses = append(m.statuses, id+":"+status)
	return nil
}

func (m *memDocs) SetContentHash(id, hash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hashes[id] = hash
	return nil
}

func (m *memDocs) FindByHash(hash, excludeID string) (*store.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, h := range m.hashes {
		if h == hash && id != excludeID {
			return &store.Document{ID: id}, nil
		}
	}
	return nil, nil
}

type memAnalysis struct {
	types []string
}

func (m *memAnalysis) SaveAnalysis(_, analysisType, _ string, _ any) error {
	m.types = append(m.types, analysisType)
	return nil
}

func request(to, action string, payload map[string]any) bus.Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["action"] = action
	return bus.NewEnvelope("orchestrator", to, bus.KindRequest, payload)
}

func withIngestion(payload map[string]any, res IngestionResult) map[string]any {
	payload["previous_results"] = map[string]any{string(workflow.StepIngestion): res}
	return payload
}

func newCurator(files memFiles, docs *memDocs) *Curator {
	return NewCurator(files, docs, CuratorConfig{
		ChunkSize:         1000,
		ChunkOverlap:      200,
		AllowedExtensions: []string{".txt", ".html", ".csv", ".json", ".md", ".pdf", ".docx"},
	})
}

func TestCuratorIngest(t *testing.T) {
	data := []byte("Quarterly  report.\n\n\nRevenue grew   strongly this year.")
	docs := newMemDocs()
	c := newCurator(memFiles{"uploads/report.txt": data}, docs)

	env := request(workflow.AgentCurator, workflow.IngestAction, map[string]any{
		"workflow_id": "workflow_d1",
		"document_id": "d1",
		"ref":         "uploads/report.txt",
	})
	reply, err := c.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != bus.KindResponse || reply.CorrelationID != env.ID || reply.To != "orchestrator" {
		t.Fatalf("unexpected reply %+v", reply)
	}
	if reply.Payload["workflow_id"] != "workflow_d1" || reply.Payload["status"] != "completed" {
		t.Errorf("unexpected payload %v", reply.Payload)
	}

	res, ok := reply.Payload["result"].(IngestionResult)
	if !ok {
		t.Fatalf("expected IngestionResult, got %T", reply.Payload["result"])
	}
	sum := sha256.Sum256(data)
	if res.ContentHash != hex.EncodeToString(sum[:]) {
		t.Errorf("content hash = %s", res.ContentHash)
	}
	if res.ProcessedText != "Quarterly report.\n\nRevenue grew strongly this year." {
		t.Errorf("processed text = %q", res.ProcessedText)
	}
	if len(res.Chunks) != 1 || res.Metadata.ChunkCount != 1 {
		t.Errorf("expected one chunk, got %d", len(res.Chunks))
	}
	if res.Metadata.Filename != "report.txt" || res.Metadata.MimeType != "text/plain" || res.Metadata.FileSize != int64(len(data)) {
		t.Errorf("unexpected metadata %+v", res.Metadata)
	}
	if res.Metadata.WordCount != 7 {
		t.Errorf("word count = %d, want 7", res.Metadata.WordCount)
	}
	if len(docs.statuses) != 1 || docs.statuses[0] != "d1:"+store.DocumentProcessing {
		t.Errorf("statuses = %v", docs.statuses)
	}
	if res.DuplicateOf != "" {
		t.Errorf("unexpected duplicate %q", res.DuplicateOf)
	}
}

func TestCuratorDuplicate(t *testing.T) {
	data := []byte("Same content twice.")
	docs := newMemDocs()
	c := newCurator(memFiles{"a.txt": data, "b.txt": data}, docs)

	for _, id := range []string{"d1", "d2"} {
		ref := map[string]string{"d1": "a.txt", "d2": "b.txt"}[id]
		reply, _ := c.Handle(context.Background(), request(workflow.AgentCurator, workflow.IngestAction, map[string]any{"document_id": id, "ref": ref}))
		res := reply.Payload["result"].(IngestionResult)
		if id == "d2" && res.DuplicateOf != "d1" {
			t.Errorf("duplicate_of = %q, want d1", res.DuplicateOf)
		}
	}
}

func TestCuratorFailures(t *testing.T) {
	tests := []struct {
		name  string
		files memFiles
		ref   string
		want  string
	}{
		{"missing file", memFiles{}, "nope.txt", "file does not exist"},
		{"no reference", memFiles{}, "", "no file reference"},
		{"extension not allowed", memFiles{"x.exe": []byte("MZ")}, "x.exe", "unsupported file type"},
		{"binary text file", memFiles{"x.txt": {0x00, 0x01, 0xff, 0xfe}}, "x.txt", "unsupported file type"},
		{"empty text", memFiles{"x.txt": []byte("   \n ")}, "x.txt", "no text"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			docs := newMemDocs()
			c := newCurator(tt.files, docs)
			reply, err := c.Handle(context.Background(), request(workflow.AgentCurator, workflow.IngestAction, map[string]any{
				"workflow_id": "workflow_d1",
				"document_id": "d1",
				"ref":         tt.ref,
			}))
			if err != nil {
				t.Fatalf("unexpected handler error: %v", err)
			}
			if reply.Kind != bus.KindError {
				t.Fatalf("expected ERROR, got %s", reply.Kind)
			}
			if !strings.Contains(reply.String("error"), tt.want) {
				t.Errorf("error = %q, want it to contain %q", reply.String("error"), tt.want)
			}
			if reply.Payload["workflow_id"] != "workflow_d1" || reply.Payload["document_id"] != "d1" {
				t.Errorf("unexpected payload %v", reply.Payload)
			}
			last := docs.statuses[len(docs.statuses)-1]
			if last != "d1:"+store.DocumentFailed {
				t.Errorf("last status = %s", last)
			}
		})
	}
}

func TestCuratorValidate(t *testing.T) {
	c := newCurator(memFiles{"ok.md": []byte("# Title"), "bad.exe": []byte("MZ")}, nil)

	reply, _ := c.Handle(context.Background(), request(workflow.AgentCurator, "validate_document", map[string]any{"ref": "ok.md"}))
	res := reply.Payload["result"].(map[string]any)
	if res["valid"] != true || res["mime_type"] != "text/markdown" {
		t.Errorf("unexpected result %v", res)
	}

	reply, _ = c.Handle(context.Background(), request(workflow.AgentCurator, "validate_document", map[string]any{"ref": "bad.exe"}))
	res = reply.Payload["result"].(map[string]any)
	if res["valid"] != false {
		t.Errorf("expected invalid, got %v", res)
	}
}

func TestCuratorDocumentInfo(t *testing.T) {
	docs := newMemDocs()
	docs.docs["d1"] = &store.Document{ID: "d1", Filename: "a.txt"}
	c := newCurator(memFiles{}, docs)

	reply, _ := c.Handle(context.Background(), request(workflow.AgentCurator, "get_document_info", map[string]any{"document_id": "d1"}))
	if d, ok := reply.Payload["result"].(*store.Document); !ok || d.Filename != "a.txt" {
		t.Errorf("unexpected result %v", reply.Payload["result"])
	}

	reply, _ = c.Handle(context.Background(), request(workflow.AgentCurator, "get_document_info", map[string]any{"document_id": "missing"}))
	if reply.Kind != bus.KindError {
		t.Errorf("expected ERROR for missing document, got %s", reply.Kind)
	}
}

func TestHTMLText(t *testing.T) {
	page := `<html><head><style>p { color: red }</style><script>track()</script></head>
<body><h1>Title</h1><p>Hello <b>world</b></p><p>Bye</p></body></html>`
	text, err := htmlText([]byte(page))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got := nlp.Normalize(text)
	if !strings.Contains(got, "Hello world") || !strings.Contains(got, "Bye") || !strings.Contains(got, "Title") {
		t.Errorf("missing text in %q", got)
	}
	if strings.Contains(got, "track") || strings.Contains(got, "color") {
		t.Errorf("script or style leaked into %q", got)
	}
}

func TestCSVAndJSONText(t *testing.T) {
	got, err := csvText([]byte("name,age\nann,30\n"))
	if err != nil {
		t.Fatalf("csv: %v", err)
	}
	if got != "name, age.\nann, 30." {
		t.Errorf("csvText = %q", got)
	}

	got, err = jsonText([]byte(`{"b": "two", "a": ["one", {"c": "three"}], "n": 1}`))
	if err != nil {
		t.Fatalf("json: %v", err)
	}
	if got != "one\n\nthree\n\ntwo" {
		t.Errorf("jsonText = %q", got)
	}

	if _, err := jsonText([]byte("{")); err == nil {
		t.Error("expected error for broken json")
	}
}

func TestStagesIgnoreNonRequests(t *testing.T) {
	handlers := map[string]interface {
		Handle(context.Context, bus.Envelope) (*bus.Envelope, error)
	}{
		"curator":    newCurator(memFiles{}, nil),
		"analyzer":   NewAnalyzer(nil),
		"summarizer": NewSummarizer(nil),
		"query":      NewQuery(nil),
	}
	for name, h := range handlers {
		env := bus.NewEnvelope("x", name, bus.KindNotification, map[string]any{"action": "anything"})
		reply, err := h.Handle(context.Background(), env)
		if reply != nil || err != nil {
			t.Errorf("%s: expected nil reply and error, got %v, %v", name, reply, err)
		}

		_, err = h.Handle(context.Background(), request(name, "bogus", nil))
		if err == nil || !strings.Contains(err.Error(), "unknown action") {
			t.Errorf("%s: expected unknown action error, got %v", name, err)
		}
	}
}

func TestAnalyzerNeedsText(t *testing.T) {
	a := NewAnalyzer(nil)
	reply, err := a.Handle(context.Background(), request(workflow.AgentAnalyzer, "analyze_document", map[string]any{
		"workflow_id": "workflow_d1",
		"document_id": "d1",
	}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != bus.KindError || reply.String("error") != "no text" {
		t.Fatalf("expected no text error, got %s %v", reply.Kind, reply.Payload)
	}
	if reply.Payload["workflow_id"] != "workflow_d1" || reply.Payload["document_id"] != "d1" {
		t.Errorf("unexpected payload %v", reply.Payload)
	}
}

func TestAnalyzeDocument(t *testing.T) {
	rec := &memAnalysis{}
	a := NewAnalyzer(rec)
	text := "The launch was a great success. Contact Jane Doe at jane@example.com for the excellent results."

	env := request(workflow.AgentAnalyzer, "analyze_document", withIngestion(map[string]any{"document_id": "d1"}, IngestionResult{ProcessedText: text}))
	reply, err := a.Handle(context.Background(), env)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok := reply.Payload["result"].(AnalysisResult)
	if !ok {
		t.Fatalf("expected AnalysisResult, got %T", reply.Payload["result"])
	}
	if res.DocumentID != "d1" || res.Sentiment.Label != "positive" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.Labels["EMAIL"] != 1 || res.Labels["PROPER_NOUN"] == 0 {
		t.Errorf("unexpected entity labels %v", res.Labels)
	}
	if res.Statistics.SentenceCount != 2 {
		t.Errorf("sentence count = %d", res.Statistics.SentenceCount)
	}
	if len(rec.types) != 4 {
		t.Errorf("expected 4 stored analyses, got %v", rec.types)
	}
}

func TestAnalyzeTextAndEntities(t *testing.T) {
	a := NewAnalyzer(nil)
	reply, _ := a.Handle(context.Background(), request(workflow.AgentAnalyzer, "analyze_text", map[string]any{"text": "Bad service, broken product and costly repairs."}))
	if res := reply.Payload["result"].(AnalysisResult); res.Sentiment.Label != "negative" {
		t.Errorf("sentiment = %s", res.Sentiment.Label)
	}

	reply, _ = a.Handle(context.Background(), request(workflow.AgentAnalyzer, "analyze_text", map[string]any{"text": " "}))
	if reply.Kind != bus.KindError {
		t.Errorf("expected ERROR for blank text")
	}

	reply, _ = a.Handle(context.Background(), request(workflow.AgentAnalyzer, "extract_entities", map[string]any{"text": "Mail bob@example.org now."}))
	ents := reply.Payload["result"].(map[string]any)["entities"].([]nlp.Entity)
	if len(ents) == 0 || ents[0].Type != "EMAIL" {
		t.Errorf("unexpected entities %v", ents)
	}
}

const longText = "Go makes concurrent services simple. Channels connect goroutines safely. " +
	"Goroutines are cheap to start. The scheduler multiplexes goroutines onto threads. " +
	"Channels and goroutines together model pipelines. Weather was fine today. " +
	"Pipelines of goroutines and channels scale well."

func TestSummarizeDocument(t *testing.T) {
	rec := &memAnalysis{}
	s := NewSummarizer(rec)
	payload := withIngestion(map[string]any{"document_id": "d1"}, IngestionResult{ProcessedText: longText})
	payload["previous_results"].(map[string]any)[string(workflow.StepAnalysis)] = Analyze("d1", longText)

	reply, err := s.Handle(context.Background(), request(workflow.AgentSummarizer, "summarize_document", payload))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res, ok := reply.Payload["result"].(SummaryResult)
	if !ok {
		t.Fatalf("expected SummaryResult, got %T", reply.Payload["result"])
	}
	if res.Extractive == "" || len(res.Extractive) >= len(longText) {
		t.Errorf("extractive summary not shorter than text: %q", res.Extractive)
	}
	if !strings.HasPrefix(res.Executive, "EXECUTIVE SUMMARY:") || !strings.Contains(res.Executive, "KEY INSIGHTS:") {
		t.Errorf("unexpected executive summary %q", res.Executive)
	}
	if _, ok := res.Insights["topic_summary"]; !ok {
		t.Errorf("missing topic insight in %v", res.Insights)
	}
	if c := res.Quality["extractive_compression"]; c <= 0 || c >= 1 {
		t.Errorf("extractive compression = %f", c)
	}
	if len(rec.types) != 1 || rec.types[0] != "summary" {
		t.Errorf("stored = %v", rec.types)
	}
}

func TestSummarizeWithoutAnalysis(t *testing.T) {
	res := Summarize("d1", longText, AnalysisResult{})
	if len(res.Insights) != 0 {
		t.Errorf("expected no insights, got %v", res.Insights)
	}
	if strings.Contains(res.Executive, "KEY INSIGHTS") {
		t.Errorf("unexpected insights section in %q", res.Executive)
	}
}

func TestSummarizeText(t *testing.T) {
	s := NewSummarizer(nil)
	reply, _ := s.Handle(context.Background(), request(workflow.AgentSummarizer, "summarize_text", map[string]any{"text": longText, "max_sentences": 2}))
	res := reply.Payload["result"].(map[string]any)
	if n := len(nlp.Sentences(res["summary"].(string))); n != 2 {
		t.Errorf("summary has %d sentences, want 2", n)
	}

	reply, _ = s.Handle(context.Background(), request(workflow.AgentSummarizer, "summarize_document", map[string]any{"document_id": "d1"}))
	if reply.Kind != bus.KindError || reply.String("error") != "no text" {
		t.Errorf("expected no text error, got %v", reply.Payload)
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func index(t *testing.T, q *Query, docID, text string) {
	t.Helper()
	chunks := nlp.Split(text, 1000, 200)
	reply, err := q.Handle(context.Background(), request(workflow.AgentQuery, "index_document", withIngestion(map[string]any{"document_id": docID}, IngestionResult{Chunks: chunks})))
	if err != nil {
		t.Fatalf("index %s: %v", docID, err)
	}
	res, ok := reply.Payload["result"].(IndexResult)
	if !ok || res.ChunksIndexed != len(chunks) || res.Dimension != nlp.EmbeddingDim {
		t.Fatalf("unexpected index reply %v", reply.Payload)
	}
}

func TestQuerySearchAndAnswer(t *testing.T) {
	s := newTestStore(t)
	q := NewQuery(s)
	index(t, q, "d1", "NATS carries messages between services. Subjects route each message to subscribers.")
	index(t, q, "d2", "Bread needs flour, water and salt. Bake the loaf until golden.")

	if n, _ := s.CountEmbeddings(); n != 2 {
		t.Fatalf("expected 2 embeddings, got %d", n)
	}

	hits, err := q.Search("nats messages", 5)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) == 0 || hits[0].DocumentID != "d1" {
		t.Fatalf("expected d1 first, got %+v", hits)
	}

	ans, err := q.Answer("How does NATS route messages?", 5)
	if err != nil {
		t.Fatalf("answer: %v", err)
	}
	if !strings.HasPrefix(ans.Answer, "NATS carries messages between services.") {
		t.Errorf("answer = %q", ans.Answer)
	}
	if ans.Confidence <= 0 || len(ans.Sources) == 0 {
		t.Errorf("unexpected answer %+v", ans)
	}

	if _, err := q.Search("  ", 5); !errors.Is(err, ErrEmptyQuery) {
		t.Errorf("expected ErrEmptyQuery, got %v", err)
	}
}

func TestQueryAnswerNoDocuments(t *testing.T) {
	q := NewQuery(newTestStore(t))
	reply, err := q.Handle(context.Background(), request(workflow.AgentQuery, "answer_query", map[string]any{"query": "anything there?"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if reply.Kind != bus.KindResponse || !strings.Contains(reply.String("answer"), "couldn't find") {
		t.Errorf("unexpected reply %v", reply.Payload)
	}
}

func TestQuerySimilar(t *testing.T) {
	q := NewQuery(newTestStore(t))
	index(t, q, "d1", "NATS carries messages between services.")
	index(t, q, "d2", "Bread needs flour, water and salt.")
	index(t, q, "d3", "NATS carries messages between many services quickly.")

	reply, err := q.Handle(context.Background(), request(workflow.AgentQuery, "get_similar_documents", map[string]any{"document_id": "d1"}))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	hits := reply.Payload["result"].(map[string]any)["similar_documents"].([]Hit)
	if len(hits) == 0 || hits[0].DocumentID != "d3" {
		t.Fatalf("expected d3 first, got %+v", hits)
	}
	for _, h := range hits {
		if h.DocumentID == "d1" {
			t.Error("source document returned as similar")
		}
	}

	reply, _ = q.Handle(context.Background(), request(workflow.AgentQuery, "get_similar_documents", map[string]any{"document_id": "unknown"}))
	if reply.Kind != bus.KindError {
		t.Errorf("expected ERROR for unindexed document, got %s", reply.Kind)
	}
}

func TestIndexWithoutChunks(t *testing.T) {
	q := NewQuery(nil)
	reply, _ := q.Handle(context.Background(), request(workflow.AgentQuery, "index_document", map[string]any{"document_id": "d1"}))
	if reply.Kind != bus.KindError {
		t.Errorf("expected ERROR, got %s", reply.Kind)
	}
}
