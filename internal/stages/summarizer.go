package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mtzanidakis/docpipe/internal/agent"
	"github.com/mtzanidakis/docpipe/internal/bus"
	"github.com/mtzanidakis/docpipe/internal/nlp"
	"github.com/mtzanidakis/docpipe/internal/workflow"
)

const (
	extractiveSentences = 5
	executiveSentences  = 2
)

type SummaryResult struct {
	DocumentID     string             `json:"document_id"`
	Extractive     string             `json:"extractive"`
	Executive      string             `json:"executive"`
	Insights       map[string]string  `json:"insights"`
	Quality        map[string]float64 `json:"quality_metrics"`
	OriginalLength int                `json:"original_length"`
}

type Summarizer struct {
	agent.Base
	store AnalysisStore
}

// NewSummarizer builds the summarization stage. s may be nil.
func NewSummarizer(s AnalysisStore) *Summarizer {
	return &Summarizer{store: s}
}

func (s *Summarizer) Handle(_ context.Context, env bus.Envelope) (*bus.Envelope, error) {
	if env.Kind != bus.KindRequest {
		return nil, nil
	}

	switch env.String("action") {
	case workflow.Action(workflow.StepSummarization):
		return s.summarizeDocument(env), nil
	case "summarize_text":
		text := nlp.Normalize(env.String("text"))
		if text == "" {
			return failed(env, "no text"), nil
		}
		n := intArg(env, "max_sentences", extractiveSentences)
		summary := strings.Join(nlp.Summarize(text, n), " ")
		return complete(env, map[string]any{
			"summary":         summary,
			"original_length": len(text),
			"summary_length":  len(summary),
		}), nil
	default:
		return nil, unknownAction(workflow.AgentSummarizer, env)
	}
}

func (s *Summarizer) summarizeDocument(env bus.Envelope) *bus.Envelope {
	docID := env.String("document_id")
	ing, ok := previous[IngestionResult](env, workflow.StepIngestion)
	if !ok || ing.ProcessedText == "" {
		return failed(env, "no text")
	}
	// Analysis is optional input: without it the summary has no insights.
	analysis, _ := previous[AnalysisResult](env, workflow.StepAnalysis)

	res := Summarize(docID, ing.ProcessedText, analysis)
	if s.store != nil {
		if err := s.store.SaveAnalysis(docID, "summary", workflow.AgentSummarizer, res); err != nil {
			slog.Warn("save summary failed", "document", docID, "error", err)
		}
	}

	slog.Info("document summarized", "document", docID, "length", len(res.Extractive))
	return complete(env, res)
}

// Summarize builds the extractive and executive summaries of text, enriched
// with insights from a prior analysis when one is given.
func Summarize(docID, text string, analysis AnalysisResult) SummaryResult {
	extractive := strings.Join(nlp.Summarize(text, extractiveSentences), " ")
	insights := Insights(analysis)

	var b strings.Builder
	b.WriteString("EXECUTIVE SUMMARY:\n\n")
	b.WriteString(strings.Join(nlp.Summarize(text, executiveSentences), " "))
	b.WriteString("\n")
	if len(insights) > 0 {
		b.WriteString("\nKEY INSIGHTS:\n")
		for _, k := range []string{"entity_summary", "sentiment_summary", "topic_summary"} {
			if v, ok := insights[k]; ok {
				b.WriteString("- " + v + "\n")
			}
		}
	}
	executive := b.String()

	quality := make(map[string]float64)
	for name, summary := range map[string]string{"extractive": extractive, "executive": executive} {
		quality[name+"_length"] = float64(len(summary))
		quality[name+"_compression"] = float64(len(summary)) / float64(len(text))
	}

	return SummaryResult{
		DocumentID:     docID,
		Extractive:     extractive,
		Executive:      executive,
		Insights:       insights,
		Quality:        quality,
		OriginalLength: len(text),
	}
}

// Insights phrases the notable parts of an analysis.
func Insights(a AnalysisResult) map[string]string {
	out := make(map[string]string)

	if len(a.Entities) > 0 {
		top, best := "", 0
		for label, n := range a.Labels {
			if n > best || (n == best && label < top) {
				top, best = label, n
			}
		}
		out["entity_summary"] = fmt.Sprintf("Document contains %d distinct entities, primarily %s.", len(a.Entities), top)
	}
	if a.Sentiment.Label != "" {
		out["sentiment_summary"] = fmt.Sprintf("Overall sentiment is %s (score: %.2f).", a.Sentiment.Label, a.Sentiment.Score)
	}
	if len(a.Keywords) > 0 {
		terms := make([]string, 0, 5)
		for i, k := range a.Keywords {
			if i == 5 {
				break
			}
			terms = append(terms, k.Term)
		}
		out["topic_summary"] = "Main topics include: " + strings.Join(terms, ", ") + "."
	}
	return out
}
