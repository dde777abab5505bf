package stages

import (
	"context"
	"log/slog"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/nlp"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

// AnalysisStore persists per-document analysis rows.
type AnalysisStore interface {
	SaveAnalysis(documentID, analysisType, agentID string, data any) error
}

const keywordLimit = 20

type AnalysisResult struct {
	DocumentID string         `json:"document_id"`
	Keywords   []nlp.Keyword  `json:"keywords"`
	Sentiment  nlp.Sentiment  `json:"sentiment"`
	Entities   []nlp.Entity   `json:"entities"`
	Statistics nlp.Stats      `json:"statistics"`
	Labels     map[string]int `json:"entity_labels"`
}

type Analyzer struct {
	agent.Base
	store AnalysisStore
}

// NewAnalyzer builds the analysis stage. s may be nil.
func NewAnalyzer(s AnalysisStore) *Analyzer {
	return &Analyzer{store: s}
}

func (a *Analyzer) Handle(_ context.Context, env bus.Envelope) (*bus.Envelope, error) {
	if env.Kind != bus.KindRequest {
		return nil, nil
	}

	switch env.String("action") {
	case workflow.Action(workflow.StepAnalysis):
		return a.analyzeDocument(env), nil
	case "analyze_text":
		text := nlp.Normalize(env.String("text"))
		if text == "" {
			return failed(env, "no text"), nil
		}
		return complete(env, Analyze("", text)), nil
	case "extract_entities":
		return complete(env, map[string]any{"entities": nlp.ExtractEntities(env.String("text"))}), nil
	default:
		return nil, unknownAction(workflow.AgentAnalyzer, env)
	}
}

func (a *Analyzer) analyzeDocument(env bus.Envelope) *bus.Envelope {
	docID := env.String("document_id")
	ing, ok := previous[IngestionResult](env, workflow.StepIngestion)
	if !ok || ing.ProcessedText == "" {
		return failed(env, "no text")
	}

	res := Analyze(docID, ing.ProcessedText)
	if a.store != nil {
		for typ, data := range map[string]any{
			"keywords":   res.Keywords,
			"sentiment":  res.Sentiment,
			"entities":   res.Entities,
			"statistics": res.Statistics,
		} {
			if err := a.store.SaveAnalysis(docID, typ, workflow.AgentAnalyzer, data); err != nil {
				slog.Warn("save analysis failed", "document", docID, "type", typ, "error", err)
			}
		}
	}

	slog.Info("document analyzed", "document", docID, "keywords", len(res.Keywords), "entities", len(res.Entities), "sentiment", res.Sentiment.Label)
	return complete(env, res)
}

// Analyze runs every text analysis over already normalized text.
func Analyze(docID, text string) AnalysisResult {
	tokens := nlp.Tokens(text)
	entities := nlp.ExtractEntities(text)
	labels := make(map[string]int)
	for _, e := range entities {
		labels[e.Type] += e.Count
	}
	return AnalysisResult{
		DocumentID: docID,
		Keywords:   nlp.Keywords(tokens, keywordLimit),
		Sentiment:  nlp.ScoreSentiment(tokens),
		Entities:   entities,
		Statistics: nlp.ComputeStats(text),
		Labels:     labels,
	}
}
