package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type AnalysisResult struct {
	ID         int64           `json:"id"`
	DocumentID string          `json:"document_id"`
	Type       string          `json:"analysis_type"`
	AgentID    string          `json:"agent_id"`
	Data       json.RawMessage `json:"result_data"`
	CreatedAt  time.Time       `json:"created_at"`
}

func (s *Store) SaveAnalysis(documentID, analysisType, agentID string, data any) error {
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal analysis: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO analysis_results (document_id, analysis_type, agent_id, result_data, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		documentID, analysisType, agentID, string(raw), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save analysis: %w", err)
	}
	return nil
}

func (s *Store) ListAnalysis(documentID string) ([]AnalysisResult, error) {
	rows, err := s.db.Query(`
		SELECT id, document_id, analysis_type, agent_id, result_data, created_at
		FROM analysis_results WHERE document_id = ? ORDER BY id`, documentID)
	if err != nil {
		return nil, fmt.Errorf("list analysis: %w", err)
	}
	defer rows.Close()

	var out []AnalysisResult
	for rows.Next() {
		var r AnalysisResult
		var data string
		if err := rows.Scan(&r.ID, &r.DocumentID, &r.Type, &r.AgentID, &data, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan analysis: %w", err)
		}
		r.Data = json.RawMessage(data)
		out = append(out, r)
	}
	return out, rows.Err()
}
