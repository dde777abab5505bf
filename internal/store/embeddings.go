package store

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
)

type Embedding struct {
	DocumentID string
	ChunkIndex int
	Content    string
	Vector     []float32
}

// ReplaceEmbeddings swaps every embedding of a document in one transaction.
func (s *Store) ReplaceEmbeddings(documentID string, embs []Embedding) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM embeddings WHERE document_id = ?`, documentID); err != nil {
		return fmt.Errorf("clear embeddings: %w", err)
	}
	for _, e := range embs {
		_, err := tx.Exec(`INSERT INTO embeddings (document_id, chunk_index, content, vector) VALUES (?, ?, ?, ?)`,
			documentID, e.ChunkIndex, e.Content, encodeVector(e.Vector))
		if err != nil {
			return fmt.Errorf("insert embedding: %w", err)
		}
	}
	return tx.Commit()
}

// ListEmbeddings returns embeddings of the given documents, or of every
// document when none are named.
func (s *Store) ListEmbeddings(documentIDs ...string) ([]Embedding, error) {
	query := `SELECT document_id, chunk_index, content, vector FROM embeddings`
	var args []any
	if len(documentIDs) > 0 {
		query += ` WHERE document_id IN (?` + strings.Repeat(",?", len(documentIDs)-1) + `)`
		for _, id := range documentIDs {
			args = append(args, id)
		}
	}
	query += ` ORDER BY document_id, chunk_index`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list embeddings: %w", err)
	}
	defer rows.Close()

	var out []Embedding
	for rows.Next() {
		var e Embedding
		var blob []byte
		if err := rows.Scan(&e.DocumentID, &e.ChunkIndex, &e.Content, &blob); err != nil {
			return nil, fmt.Errorf("scan embedding: %w", err)
		}
		e.Vector = decodeVector(blob)
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) CountEmbeddings() (int, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM embeddings`).Scan(&n)
	return n, err
}

func encodeVector(v []float32) []byte {
	buf := make([]byte, 4*len(v))
	for i, f := range v {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decodeVector(b []byte) []float32 {
	v := make([]float32, len(b)/4)
	for i := range v {
		v[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[4*i:]))
	}
	return v
}
