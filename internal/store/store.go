package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/docpipe/internal/config"
	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(cfg config.StoreConfig) (*Store, error) {
	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS documents (
			id           TEXT PRIMARY KEY,
			filename     TEXT NOT NULL,
			path         TEXT NOT NULL,
			size         INTEGER NOT NULL DEFAULT 0,
			mime_type    TEXT,
			content_hash TEXT,
			status       TEXT NOT NULL DEFAULT 'uploaded',
			error        TEXT,
			uploaded_at  DATETIME NOT NULL,
			processed_at DATETIME
		)`,
		`CREATE INDEX IF NOT EXISTS idx_documents_status ON documents(status, uploaded_at)`,
		`CREATE TABLE IF NOT EXISTS analysis_results (
			id            INTEGER PRIMARY KEY AUTOINCREMENT,
			document_id   TEXT NOT NULL,
			analysis_type TEXT NOT NULL,
			agent_id      TEXT NOT NULL,
			result_data   TEXT NOT NULL,
			created_at    DATETIME NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_document ON analysis_results(document_id, analysis_type)`,
		`CREATE TABLE IF NOT EXISTS embeddings (
			document_id TEXT NOT NULL,
			chunk_index INTEGER NOT NULL,
			content     TEXT NOT NULL,
			vector      BLOB NOT NULL,
			PRIMARY KEY (document_id, chunk_index)
		)`,
		`CREATE TABLE IF NOT EXISTS workflows (
			id           TEXT PRIMARY KEY,
			document_id  TEXT NOT NULL,
			status       TEXT NOT NULL,
			current_step TEXT NOT NULL,
			results      TEXT,
			error_log    TEXT,
			started_at   DATETIME NOT NULL,
			completed_at DATETIME,
			updated_at   DATETIME NOT NULL,
			revision     INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_workflows_document ON workflows(document_id)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	// Schema additions (idempotent ALTER TABLE)
	alterations := []string{
		`ALTER TABLE workflows ADD COLUMN revision INTEGER NOT NULL DEFAULT 0`,
	}
	for _, a := range alterations {
		_, _ = s.db.Exec(a) // ignore "duplicate column" errors
	}

	return nil
}

// Snapshot writes a consistent copy of the database to dst, which must not
// exist yet.
func (s *Store) Snapshot(dst string) error {
	if _, err := s.db.Exec(`VACUUM INTO ?`, dst); err != nil {
		return fmt.Errorf("snapshot: %w", err)
	}
	return nil
}
