package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// WorkflowRecord is an audit copy of a workflow. It is written as the
// workflow changes and never read back to resume processing.
type WorkflowRecord struct {
	ID          string          `json:"workflow_id"`
	DocumentID  string          `json:"document_id"`
	Status      string          `json:"status"`
	CurrentStep string          `json:"current_step"`
	Results     json.RawMessage `json:"results,omitempty"`
	ErrorLog    json.RawMessage `json:"error_log,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Revision    int64           `json:"revision"`
}

const workflowColumns = `id, document_id, status, current_step, results, error_log, started_at, completed_at, updated_at, revision`

func scanWorkflow(scanner interface {
	Scan(dest ...any) error
}) (*WorkflowRecord, error) {
	r := &WorkflowRecord{}
	var results, errorLog *string
	err := scanner.Scan(&r.ID, &r.DocumentID, &r.Status, &r.CurrentStep, &results, &errorLog, &r.StartedAt, &r.CompletedAt, &r.UpdatedAt, &r.Revision)
	if err != nil {
		return nil, err
	}
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	if errorLog != nil {
		r.ErrorLog = json.RawMessage(*errorLog)
	}
	return r, nil
}

// SaveWorkflow upserts r. A record older than the stored revision is
// dropped, so snapshots saved out of order never roll a workflow back.
func (s *Store) SaveWorkflow(r *WorkflowRecord) error {
	r.UpdatedAt = time.Now().UTC()
	var completed any
	if r.CompletedAt != nil {
		completed = r.CompletedAt.UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO workflows (id, document_id, status, current_step, results, error_log, started_at, completed_at, updated_at, revision)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			document_id = excluded.document_id,
			status = excluded.status,
			current_step = excluded.current_step,
			results = excluded.results,
			error_log = excluded.error_log,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at,
			revision = excluded.revision
		WHERE excluded.revision >= workflows.revision`,
		r.ID, r.DocumentID, r.Status, r.CurrentStep, nullableJSON(r.Results), nullableJSON(r.ErrorLog),
		r.StartedAt.UTC(), completed, r.UpdatedAt, r.Revision)
	if err != nil {
		return fmt.Errorf("save workflow: %w", err)
	}
	return nil
}

func (s *Store) GetWorkflow(id string) (*WorkflowRecord, error) {
	row := s.db.QueryRow(`SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id)
	r, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get workflow: %w", err)
	}
	return r, nil
}

// PruneWorkflows deletes terminal workflow records last updated before
// cutoff.
func (s *Store) PruneWorkflows(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`
		DELETE FROM workflows
		WHERE status IN ('COMPLETED', 'FAILED') AND updated_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune workflows: %w", err)
	}
	return res.RowsAffected()
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
