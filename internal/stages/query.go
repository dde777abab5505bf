package stages

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/nlp"
	"github.com/mtzanidakis/docpipe/internal/store"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

var ErrEmptyQuery = errors.New("query cannot be empty")

// EmbeddingStore holds chunk vectors for search.
type EmbeddingStore interface {
	ReplaceEmbeddings(documentID string, embs []store.Embedding) error
	ListEmbeddings(documentIDs ...string) ([]store.Embedding, error)
}

const (
	defaultMaxResults = 5
	snippetLength     = 200
	minScore          = 0.05
)

type IndexResult struct {
	DocumentID    string `json:"document_id"`
	ChunksIndexed int    `json:"chunks_indexed"`
	Dimension     int    `json:"dimension"`
}

type Hit struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float64 `json:"similarity_score"`
	Snippet    string  `json:"text_snippet"`
	text       string
}

type Answer struct {
	Query      string  `json:"query"`
	Answer     string  `json:"answer"`
	Confidence float64 `json:"confidence"`
	Sources    []Hit   `json:"sources"`
}

type Query struct {
	agent.Base
	store EmbeddingStore
}

func NewQuery(s EmbeddingStore) *Query {
	return &Query{store: s}
}

func (q *Query) Handle(_ context.Context, env bus.Envelope) (*bus.Envelope, error) {
	if env.Kind != bus.KindRequest {
		return nil, nil
	}

	n := intArg(env, "max_results", defaultMaxResults)
	switch env.String("action") {
	case workflow.Action(workflow.StepIndexing):
		return q.indexDocument(env), nil
	case "search_documents":
		hits, err := q.Search(env.String("query"), n)
		if err != nil {
			return failed(env, "%v", err), nil
		}
		return complete(env, map[string]any{"query": env.String("query"), "results": hits, "total_results": len(hits)}), nil
	case "answer_query":
		ans, err := q.Answer(env.String("query"), n)
		if err != nil {
			return failed(env, "%v", err), nil
		}
		// Answers go back as a flat payload so relayed replies read the
		// same as direct ones.
		r := env.Reply(bus.KindResponse, map[string]any{
			"query":      ans.Query,
			"answer":     ans.Answer,
			"confidence": ans.Confidence,
			"sources":    ans.Sources,
		})
		return &r, nil
	case "get_similar_documents":
		docID := env.String("document_id")
		hits, err := q.Similar(docID, n)
		if err != nil {
			return failed(env, "%v", err), nil
		}
		return complete(env, map[string]any{"source_document_id": docID, "similar_documents": hits, "total_results": len(hits)}), nil
	default:
		return nil, unknownAction(workflow.AgentQuery, env)
	}
}

func (q *Query) indexDocument(env bus.Envelope) *bus.Envelope {
	docID := env.String("document_id")
	ing, ok := previous[IngestionResult](env, workflow.StepIngestion)
	if !ok || len(ing.Chunks) == 0 {
		return failed(env, "no chunks to index")
	}

	embs := make([]store.Embedding, 0, len(ing.Chunks))
	for _, c := range ing.Chunks {
		embs = append(embs, store.Embedding{
			DocumentID: docID,
			ChunkIndex: c.Index,
			Content:    c.Text,
			Vector:     nlp.Embed(c.Text),
		})
	}
	if q.store != nil {
		if err := q.store.ReplaceEmbeddings(docID, embs); err != nil {
			return failed(env, "index %s: %v", docID, err)
		}
	}

	slog.Info("document indexed", "document", docID, "chunks", len(embs))
	return complete(env, IndexResult{DocumentID: docID, ChunksIndexed: len(embs), Dimension: nlp.EmbeddingDim})
}

// Search ranks every indexed chunk against text by cosine similarity.
func (q *Query) Search(text string, k int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, ErrEmptyQuery
	}
	return q.rank(nlp.Embed(text), k, "")
}

func (q *Query) rank(vec []float32, k int, exclude string) ([]Hit, error) {
	if q.store == nil {
		return nil, nil
	}
	embs, err := q.store.ListEmbeddings()
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}

	var hits []Hit
	for _, e := range embs {
		if e.DocumentID == exclude {
			continue
		}
		score := nlp.Cosine(vec, e.Vector)
		if score < minScore {
			continue
		}
		hits = append(hits, Hit{
			DocumentID: e.DocumentID,
			ChunkIndex: e.ChunkIndex,
			Score:      score,
			Snippet:    snippet(e.Content),
			text:       e.Content,
		})
	}
	slices.SortStableFunc(hits, func(a, b Hit) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return 0
	})
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// Answer retrieves the closest chunks and extracts the sentence that best
// covers the query terms.
func (q *Query) Answer(text string, k int) (Answer, error) {
	hits, err := q.Search(text, k)
	if err != nil {
		return Answer{}, err
	}
	ans := Answer{Query: text, Sources: hits}
	if len(hits) == 0 {
		ans.Answer = "I couldn't find any relevant documents to answer your question."
		return ans, nil
	}

	terms := make(map[string]bool)
	for _, t := range nlp.Tokens(text) {
		if !nlp.IsStopword(t) {
			terms[t] = true
		}
	}

	best, bestScore := "", -1.0
	for _, h := range hits {
		for _, s := range nlp.Sentences(h.text) {
			overlap := 0
			for _, t := range nlp.Tokens(s) {
				if terms[t] {
					overlap++
				}
			}
			score := float64(overlap) + h.Score
			if score > bestScore {
				best, bestScore = s, score
			}
		}
	}
	ans.Confidence = hits[0].Score
	ans.Answer = qualify(best, hits)
	return ans, nil
}

// qualify appends how relevant the supporting sections were.
func qualify(answer string, hits []Hit) string {
	if answer == "" {
		return "I couldn't find a specific answer to your question."
	}
	var sum float64
	for _, h := range hits {
		sum += h.Score
	}
	avg := sum / float64(len(hits))
	switch {
	case avg > 0.8:
		return fmt.Sprintf("%s\n\n(Based on %d highly relevant document sections.)", answer, len(hits))
	case avg > 0.6:
		return fmt.Sprintf("%s\n\n(Based on %d moderately relevant document sections.)", answer, len(hits))
	default:
		return fmt.Sprintf("%s\n\n(Based on %d document sections with limited relevance.)", answer, len(hits))
	}
}

// Similar finds chunks of other documents close to the first chunk of docID.
func (q *Query) Similar(docID string, k int) ([]Hit, error) {
	if q.store == nil {
		return nil, nil
	}
	embs, err := q.store.ListEmbeddings(docID)
	if err != nil {
		return nil, fmt.Errorf("load embeddings: %w", err)
	}
	if len(embs) == 0 {
		return nil, fmt.Errorf("no embeddings found for document %s", docID)
	}
	return q.rank(embs[0].Vector, k, docID)
}

func snippet(s string) string {
	r := []rune(s)
	if len(r) <= snippetLength {
		return s
	}
	return string(r[:snippetLength]) + "..."
}
