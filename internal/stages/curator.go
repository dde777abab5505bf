package stages

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/nlp"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/workflow"
	"golang.org/x/net/html"
)

var ErrUnsupportedType = errors.New("unsupported file type")

// FileReader resolves a document reference to its bytes.
type FileReader interface {
	Read(path string) ([]byte, error)
}

// DocumentStore is the part of the store the curator updates.
type DocumentStore interface {
	GetDocument(id string) (*store.Document, error)
	UpdateDocumentStatus(id, status, errText string) error
	SetContentHash(id, hash string) error
	FindByHash(hash, excludeID string) (*store.Document, error)
}

type DocumentMetadata struct {
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	FileSize   int64  `json:"file_size"`
	ChunkCount int    `json:"chunk_count"`
	nlp.Stats
}

type IngestionResult struct {
	DocumentID    string           `json:"document_id"`
	ContentHash   string           `json:"content_hash"`
	ProcessedText string           `json:"processed_text"`
	Chunks        []nlp.Chunk      `json:"chunks"`
	Metadata      DocumentMetadata `json:"metadata"`
	DuplicateOf   string           `json:"duplicate_of,omitempty"`
}

type Curator struct {
	agent.Base
	files        FileReader
	docs         DocumentStore
	chunkSize    int
	chunkOverlap int
	allowed      map[string]bool
}

type CuratorConfig struct {
	ChunkSize         int
	ChunkOverlap      int
	AllowedExtensions []string
}

// NewCurator builds the ingestion stage. docs may be nil.
func NewCurator(files FileReader, docs DocumentStore, cfg CuratorConfig) *Curator {
	c := &Curator{
		files:        files,
		docs:         docs,
		chunkSize:    cfg.ChunkSize,
		chunkOverlap: cfg.ChunkOverlap,
		allowed:      make(map[string]bool),
	}
	if c.chunkSize <= 0 {
		c.chunkSize = 1000
	}
	if c.chunkOverlap < 0 || c.chunkOverlap >= c.chunkSize {
		c.chunkOverlap = 200
	}
	for _, ext := range cfg.AllowedExtensions {
		c.allowed[strings.ToLower(ext)] = true
	}
	return c
}

func (c *Curator) Handle(_ context.Context, env bus.Envelope) (*bus.Envelope, error) {
	if env.Kind != bus.KindRequest {
		return nil, nil
	}

	switch env.String("action") {
	case workflow.IngestAction:
		return c.ingest(env), nil
	case "validate_document":
		return c.validate(env), nil
	case "get_document_info":
		return c.info(env), nil
	default:
		return nil, unknownAction(workflow.AgentCurator, env)
	}
}

func (c *Curator) ingest(env bus.Envelope) *bus.Envelope {
	docID := env.String("document_id")
	ref := env.String("ref")
	if ref == "" {
		ref = env.String("file_path")
	}

	c.setStatus(docID, store.DocumentProcessing, "")

	res, err := c.process(docID, ref)
	if err != nil {
		c.setStatus(docID, store.DocumentFailed, err.Error())
		return failed(env, "ingest %s: %v", docID, err)
	}

	if c.docs != nil {
		if err := c.docs.SetContentHash(docID, res.ContentHash); err != nil {
			slog.Warn("store content hash failed", "document", docID, "error", err)
		}
		if dup, err := c.docs.FindByHash(res.ContentHash, docID); err == nil && dup != nil {
			res.DuplicateOf = dup.ID
		}
	}

	slog.Info("document ingested", "document", docID, "chunks", len(res.Chunks), "words", res.Metadata.WordCount)
	return complete(env, res)
}

func (c *Curator) process(docID, ref string) (IngestionResult, error) {
	if ref == "" {
		return IngestionResult{}, fmt.Errorf("no file reference")
	}
	data, err := c.files.Read(ref)
	if err != nil {
		return IngestionResult{}, err
	}

	filename := filepath.Base(ref)
	if c.docs != nil {
		if d, err := c.docs.GetDocument(docID); err == nil && d != nil {
			filename = d.Filename
		}
	}

	text, mime, err := c.extract(filename, data)
	if err != nil {
		return IngestionResult{}, err
	}
	text = nlp.Normalize(text)
	if text == "" {
		return IngestionResult{}, fmt.Errorf("no text")
	}

	sum := sha256.Sum256(data)
	chunks := nlp.Split(text, c.chunkSize, c.chunkOverlap)
	return IngestionResult{
		DocumentID:    docID,
		ContentHash:   hex.EncodeToString(sum[:]),
		ProcessedText: text,
		Chunks:        chunks,
		Metadata: DocumentMetadata{
			Filename:   filename,
			MimeType:   mime,
			FileSize:   int64(len(data)),
			ChunkCount: len(chunks),
			Stats:      nlp.ComputeStats(text),
		},
	}, nil
}

func (c *Curator) extract(filename string, data []byte) (text, mime string, err error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if len(c.allowed) > 0 && !c.allowed[ext] {
		return "", "", fmt.Errorf("%w: %s", ErrUnsupportedType, ext)
	}

	switch ext {
	case ".html", ".htm":
		text, err := htmlText(data)
		return text, "text/html", err
	case ".csv":
		text, err := csvText(data)
		return text, "text/csv", err
	case ".json":
		text, err := jsonText(data)
		return text, "application/json", err
	case ".md", ".markdown":
		return string(data), "text/markdown", nil
	case ".pdf":
		text, err := pdfText(data)
		return text, "application/pdf", err
	case ".docx":
		text, err := docxText(data)
		return text, "application/vnd.openxmlformats-officedocument.wordprocessingml.document", err
	}

	mime = http.DetectContentType(data)
	if !strings.HasPrefix(mime, "text/") || !utf8.Valid(data) {
		return "", mime, fmt.Errorf("%w: %s", ErrUnsupportedType, mime)
	}
	return string(data), "text/plain", nil
}

func (c *Curator) validate(env bus.Envelope) *bus.Envelope {
	ref := env.String("ref")
	if ref == "" {
		ref = env.String("file_path")
	}
	data, err := c.files.Read(ref)
	if err != nil {
		return failed(env, "validate: %v", err)
	}

	result := map[string]any{"valid": true, "file_size": len(data)}
	if _, mime, err := c.extract(filepath.Base(ref), data); err != nil {
		result["valid"] = false
		result["reason"] = err.Error()
	} else {
		result["mime_type"] = mime
	}
	return complete(env, result)
}

func (c *Curator) info(env bus.Envelope) *bus.Envelope {
	if c.docs == nil {
		return failed(env, "document store unavailable")
	}
	d, err := c.docs.GetDocument(env.String("document_id"))
	if err != nil {
		return failed(env, "%v", err)
	}
	if d == nil {
		return failed(env, "document %s not found", env.String("document_id"))
	}
	return complete(env, d)
}

func (c *Curator) setStatus(docID, status, errText string) {
	if c.docs == nil || docID == "" {
		return
	}
	if err := c.docs.UpdateDocumentStatus(docID, status, errText); err != nil {
		slog.Warn("update document status failed", "document", docID, "status", status, "error", err)
	}
}

// htmlText returns the visible text of an HTML document.
func htmlText(data []byte) (string, error) {
	z := html.NewTokenizer(bytes.NewReader(data))
	var b strings.Builder
	skip := 0
	for {
		switch z.Next() {
		case html.ErrorToken:
			if err := z.Err(); err != io.EOF {
				return "", fmt.Errorf("parse html: %w", err)
			}
			return b.String(), nil
		case html.StartTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				skip++
			case "p", "div", "br", "li", "h1", "h2", "h3", "h4", "h5", "h6", "tr":
				b.WriteString("\n\n")
			}
		case html.EndTagToken:
			name, _ := z.TagName()
			switch string(name) {
			case "script", "style", "noscript":
				if skip > 0 {
					skip--
				}
			}
		case html.TextToken:
			if skip == 0 {
				b.Write(z.Text())
				b.WriteByte(' ')
			}
		}
	}
}

func csvText(data []byte) (string, error) {
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return "", fmt.Errorf("parse csv: %w", err)
	}
	lines := make([]string, 0, len(records))
	for _, rec := range records {
		lines = append(lines, strings.Join(rec, ", ")+".")
	}
	return strings.Join(lines, "\n"), nil
}

// jsonText collects every string value of a JSON document, keys sorted.
func jsonText(data []byte) (string, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return "", fmt.Errorf("parse json: %w", err)
	}
	var parts []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			parts = append(parts, t)
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	walk(v)
	return strings.Join(parts, "\n\n"), nil
}
