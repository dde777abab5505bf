package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/orchestrator"
	"github.com/mtzanidakis/docpipe/internal/stages"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Documents
	mux.HandleFunc("POST /api/documents", s.uploadDocument)
	mux.HandleFunc("GET /api/documents", s.listDocuments)
	mux.HandleFunc("GET /api/documents/{id}", s.getDocument)
	mux.HandleFunc("DELETE /api/documents/{id}", s.deleteDocument)
	mux.HandleFunc("POST /api/documents/{id}/reprocess", s.reprocessDocument)
	mux.HandleFunc("GET /api/documents/{id}/analysis", s.getAnalysis)
	mux.HandleFunc("GET /api/documents/{id}/similar", s.getSimilar)

	// Workflows
	mux.HandleFunc("GET /api/workflows", s.listWorkflows)
	mux.HandleFunc("GET /api/workflows/{id}", s.getWorkflow)

	// Agents
	mux.HandleFunc("GET /api/agents", s.getAgents)
	mux.HandleFunc("GET /api/agents/messages", s.getMessages)
	mux.HandleFunc("GET /api/agents/metrics", s.getMetrics)
	mux.HandleFunc("POST /api/agents/{id}/restart", s.restartAgent)

	// Query
	mux.HandleFunc("POST /api/query", s.answerQuery)
	mux.HandleFunc("POST /api/search", s.searchDocuments)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) uploadDocument(w http.ResponseWriter, r *http.Request) {
	limit := s.limits.MaxFileSize
	if limit > 0 {
		// Leave room for the multipart framing around the file.
		r.Body = http.MaxBytesReader(w, r.Body, limit+1<<20)
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if len(s.limits.AllowedExtensions) > 0 && !slices.Contains(s.limits.AllowedExtensions, ext) {
		jsonError(w, fmt.Sprintf("unsupported file type %q", ext), http.StatusBadRequest)
		return
	}

	var src io.Reader = file
	if limit > 0 {
		src = io.LimitReader(file, limit+1)
	}
	data, err := io.ReadAll(src)
	if err != nil {
		jsonError(w, "read upload: "+err.Error(), http.StatusBadRequest)
		return
	}
	if limit > 0 && int64(len(data)) > limit {
		jsonError(w, fmt.Sprintf("file exceeds %d bytes", limit), http.StatusRequestEntityTooLarge)
		return
	}

	path, err := s.files.Save(header.Filename, data)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	doc := &store.Document{
		ID:       uuid.New().String(),
		Filename: filepath.Base(header.Filename),
		Path:     path,
		Size:     int64(len(data)),
		MimeType: header.Header.Get("Content-Type"),
	}
	if err := s.store.SaveDocument(doc); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	wfID, err := s.pipe.Orchestrator.StartWorkflow(r.Context(), doc.ID, path)
	if err != nil {
		slog.Error("start workflow failed", "document", doc.ID, "error", err)
		jsonError(w, "processing not started: "+err.Error(), http.StatusServiceUnavailable)
		return
	}

	jsonStatus(w, http.StatusAccepted, map[string]any{
		"document":    doc,
		"workflow_id": wfID,
	})
}

func (s *Server) listDocuments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	docs, err := s.store.ListDocuments(q.Get("status"), queryInt(r, "limit", 100), queryInt(r, "offset", 0))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if docs == nil {
		docs = []store.Document{}
	}
	jsonResponse(w, docs)
}

// document loads the {id} document, answering 404 itself when missing.
func (s *Server) document(w http.ResponseWriter, r *http.Request) (*store.Document, bool) {
	doc, err := s.store.GetDocument(r.PathValue("id"))
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if doc == nil {
		jsonError(w, "document not found", http.StatusNotFound)
		return nil, false
	}
	return doc, true
}

func (s *Server) getDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	resp := map[string]any{"document": doc}
	if snap, err := s.pipe.Orchestrator.GetStatus(workflow.ID(doc.ID)); err == nil {
		resp["workflow"] = snap
	}
	jsonResponse(w, resp)
}

func (s *Server) deleteDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	if err := s.files.Delete(doc.Path); err != nil {
		slog.Warn("delete document file failed", "document", doc.ID, "error", err)
	}
	if err := s.store.DeleteDocument(doc.ID); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted", "document_id": doc.ID})
}

func (s *Server) reprocessDocument(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	wfID, err := s.pipe.Orchestrator.StartWorkflow(r.Context(), doc.ID, doc.Path)
	switch {
	case errors.Is(err, orchestrator.ErrWorkflowActive):
		jsonError(w, "document is already being processed", http.StatusConflict)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	jsonStatus(w, http.StatusAccepted, map[string]string{"status": "started", "workflow_id": wfID})
}

func (s *Server) getAnalysis(w http.ResponseWriter, r *http.Request) {
	doc, ok := s.document(w, r)
	if !ok {
		return
	}
	rows, err := s.store.ListAnalysis(doc.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if rows == nil {
		rows = []store.AnalysisResult{}
	}
	jsonResponse(w, rows)
}

func (s *Server) getSimilar(w http.ResponseWriter, r *http.Request) {
	hits, err := s.pipe.Query.Similar(r.PathValue("id"), queryInt(r, "limit", 5))
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]any{"source_document_id": r.PathValue("id"), "similar_documents": nonNil(hits)})
}

func (s *Server) listWorkflows(w http.ResponseWriter, r *http.Request) {
	list := s.pipe.Orchestrator.ListWorkflows()
	active := 0
	for i := range list {
		list[i].Results = nil
		if !list[i].Status.Terminal() {
			active++
		}
	}
	jsonResponse(w, map[string]any{"active_workflows": active, "workflows": list})
}

func (s *Server) getWorkflow(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.pipe.Orchestrator.GetStatus(id)
	if err == nil {
		jsonResponse(w, snap)
		return
	}

	// Pruned workflows are still on record.
	rec, serr := s.store.GetWorkflow(id)
	if serr != nil {
		jsonError(w, serr.Error(), http.StatusInternalServerError)
		return
	}
	if rec == nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, rec)
}

func (s *Server) getAgents(w http.ResponseWriter, r *http.Request) {
	agents := s.pipe.Bus.Status()
	jsonResponse(w, map[string]any{"total_agents": len(agents), "agents": agents})
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	msgs := s.pipe.Orchestrator.MessageHistory(queryInt(r, "limit", 100))
	jsonResponse(w, map[string]any{
		"total_messages":    s.pipe.Bus.HistorySize(),
		"returned_messages": len(msgs),
		"messages":          nonNil(msgs),
	})
}

type systemMetrics struct {
	TotalMessages     int64   `json:"total_messages_processed"`
	TotalErrors       int64   `json:"total_errors"`
	ErrorRate         float64 `json:"error_rate"`
	AvgProcessingTime float64 `json:"average_processing_time_seconds"`
	ActiveAgents      int     `json:"active_agents"`
	TotalAgents       int     `json:"total_agents"`
}

// aggregate sums per-agent counters. Average processing time is per
// processed message.
func aggregate(agents map[string]bus.AgentSnapshot) systemMetrics {
	var m systemMetrics
	var total time.Duration
	for _, a := range agents {
		m.TotalMessages += a.Metrics.MessagesProcessed
		m.TotalErrors += a.Metrics.Errors
		total += a.Metrics.TotalProcessingTime
		if a.Status != "STOPPED" {
			m.ActiveAgents++
		}
	}
	m.TotalAgents = len(agents)
	if m.TotalMessages > 0 {
		m.ErrorRate = float64(m.TotalErrors) / float64(m.TotalMessages)
		m.AvgProcessingTime = total.Seconds() / float64(m.TotalMessages)
	}
	return m
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	agents := s.pipe.Bus.Status()
	jsonResponse(w, map[string]any{
		"system_metrics": aggregate(agents),
		"agent_metrics":  agents,
	})
}

func (s *Server) restartAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	err := s.pipe.Orchestrator.RestartAgent(r.Context(), id)
	switch {
	case errors.Is(err, bus.ErrUnknownAgent):
		jsonError(w, "agent not found", http.StatusNotFound)
		return
	case err != nil:
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"agent_id": id,
		"status":   s.pipe.Bus.Status()[id].Status,
		"message":  fmt.Sprintf("agent %s restarted", id),
	})
}

type queryRequest struct {
	Query      string `json:"query"`
	MaxResults int    `json:"max_results"`
}

func decodeQuery(w http.ResponseWriter, r *http.Request) (queryRequest, bool) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.MaxResults <= 0 {
		req.MaxResults = 5
	}
	return req, true
}

func (s *Server) answerQuery(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	ans, err := s.pipe.Query.Answer(req.Query, req.MaxResults)
	if err != nil {
		queryError(w, err)
		return
	}
	ans.Sources = nonNil(ans.Sources)
	jsonResponse(w, ans)
}

func (s *Server) searchDocuments(w http.ResponseWriter, r *http.Request) {
	req, ok := decodeQuery(w, r)
	if !ok {
		return
	}
	hits, err := s.pipe.Query.Search(req.Query, req.MaxResults)
	if err != nil {
		queryError(w, err)
		return
	}
	jsonResponse(w, map[string]any{"query": req.Query, "results": nonNil(hits), "total_results": len(hits)})
}

func queryError(w http.ResponseWriter, err error) {
	if errors.Is(err, stages.ErrEmptyQuery) {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonError(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountDocuments()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	embeddings, err := s.store.CountEmbeddings()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	jsonResponse(w, map[string]any{
		"status":     "operational",
		"version":    s.version,
		"uptime":     formatUptime(time.Since(s.startedAt)),
		"system":     s.pipe.Orchestrator.SystemStatus(),
		"documents":  counts,
		"embeddings": embeddings,
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil || v < 0 {
		return def
	}
	return v
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	jsonStatus(w, http.StatusOK, data)
}

func jsonStatus(w http.ResponseWriter, code int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	jsonStatus(w, code, map[string]string{"error": msg})
}
