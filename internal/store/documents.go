package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	DocumentUploaded   = "uploaded"
	DocumentProcessing = "processing"
	DocumentProcessed  = "processed"
	DocumentFailed     = "failed"
)

type Document struct {
	ID          string     `json:"id"`
	Filename    string     `json:"filename"`
	Path        string     `json:"-"`
	Size        int64      `json:"size"`
	MimeType    string     `json:"mime_type"`
	ContentHash string     `json:"content_hash,omitempty"`
	Status      string     `json:"status"`
	Error       string     `json:"error,omitempty"`
	UploadedAt  time.Time  `json:"uploaded_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty"`
}

const documentColumns = `id, filename, path, size, mime_type, content_hash, status, error, uploaded_at, processed_at`

func scanDocument(scanner interface {
	Scan(dest ...any) error
}) (*Document, error) {
	d := &Document{}
	var mime, hash, errText sql.NullString
	err := scanner.Scan(&d.ID, &d.Filename, &d.Path, &d.Size, &mime, &hash, &d.Status, &errText, &d.UploadedAt, &d.ProcessedAt)
	if err != nil {
		return nil, err
	}
	d.MimeType = mime.String
	d.ContentHash = hash.String
	d.Error = errText.String
	return d, nil
}

func (s *Store) SaveDocument(d *Document) error {
	if d.UploadedAt.IsZero() {
		d.UploadedAt = time.Now().UTC()
	}
	if d.Status == "" {
		d.Status = DocumentUploaded
	}
	_, err := s.db.Exec(`
		INSERT INTO documents (id, filename, path, size, mime_type, status, uploaded_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			filename = excluded.filename,
			path = excluded.path,
			size = excluded.size,
			mime_type = excluded.mime_type`,
		d.ID, d.Filename, d.Path, d.Size, d.MimeType, d.Status, d.UploadedAt)
	if err != nil {
		return fmt.Errorf("save document: %w", err)
	}
	return nil
}

func (s *Store) GetDocument(id string) (*Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE id = ?`, id)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get document: %w", err)
	}
	return d, nil
}

// ListDocuments returns documents newest first. An empty status lists all.
func (s *Store) ListDocuments(status string, limit, offset int) ([]Document, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + documentColumns + ` FROM documents`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY uploaded_at DESC LIMIT ? OFFSET ?`
	args = append(args, limit, offset)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var docs []Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, fmt.Errorf("scan document: %w", err)
		}
		docs = append(docs, *d)
	}
	return docs, rows.Err()
}

// UpdateDocumentStatus sets the status; processed_at is stamped when the
// document reaches processed.
func (s *Store) UpdateDocumentStatus(id, status, errText string) error {
	_, err := s.db.Exec(`
		UPDATE documents
		SET status = ?, error = ?,
		    processed_at = CASE WHEN ? = 'processed' THEN ? ELSE processed_at END
		WHERE id = ?`, status, errText, status, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update document status: %w", err)
	}
	return nil
}

func (s *Store) SetContentHash(id, hash string) error {
	_, err := s.db.Exec(`UPDATE documents SET content_hash = ? WHERE id = ?`, hash, id)
	if err != nil {
		return fmt.Errorf("set content hash: %w", err)
	}
	return nil
}

// FindByHash returns another document with the same content, if any.
func (s *Store) FindByHash(hash, excludeID string) (*Document, error) {
	row := s.db.QueryRow(`SELECT `+documentColumns+` FROM documents WHERE content_hash = ? AND id != ? LIMIT 1`, hash, excludeID)
	d, err := scanDocument(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by hash: %w", err)
	}
	return d, nil
}

// DeleteDocument removes a document with its analysis rows, embeddings and
// workflow records.
func (s *Store) DeleteDocument(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	for _, q := range []string{
		`DELETE FROM analysis_results WHERE document_id = ?`,
		`DELETE FROM embeddings WHERE document_id = ?`,
		`DELETE FROM workflows WHERE document_id = ?`,
		`DELETE FROM documents WHERE id = ?`,
	} {
		if _, err := tx.Exec(q, id); err != nil {
			return fmt.Errorf("delete document: %w", err)
		}
	}
	return tx.Commit()
}

func (s *Store) CountDocuments() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM documents GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
