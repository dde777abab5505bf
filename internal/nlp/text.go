// Package nlp holds the lightweight text processing the stage agents run:
// normalization, tokenizing, chunking, keywords, sentiment, entities,
// extractive summaries and hashed embeddings.
package nlp

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize applies NFKC, strips control characters and collapses runs of
// whitespace while keeping paragraph breaks.
func Normalize(s string) string {
	s = norm.NFKC.String(s)
	s = strings.ReplaceAll(s, "\r\n", "\n")

	var b strings.Builder
	b.Grow(len(s))
	newlines, spaces := 0, 0
	for _, r := range s {
		switch {
		case r == '\n':
			newlines++
		case unicode.IsSpace(r):
			spaces++
		case unicode.IsControl(r):
		default:
			if b.Len() > 0 {
				switch {
				case newlines >= 2:
					b.WriteString("\n\n")
				case newlines == 1 || spaces > 0:
					b.WriteByte(' ')
				}
			}
			newlines, spaces = 0, 0
			b.WriteRune(r)
		}
	}
	return b.String()
}

var folder = cases.Fold()

// Tokens returns case-folded words of at least two characters.
func Tokens(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '\''
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.Trim(f, "'")
		if len([]rune(f)) < 2 {
			continue
		}
		out = append(out, folder.String(f))
	}
	return out
}

// Sentences splits text at terminal punctuation followed by whitespace.
func Sentences(s string) []string {
	var out []string
	runes := []rune(s)
	start := 0
	for i, r := range runes {
		if r != '.' && r != '!' && r != '?' {
			if r == '\n' && i+1 < len(runes) && runes[i+1] == '\n' {
				out = appendSentence(out, runes[start:i])
				start = i + 1
			}
			continue
		}
		if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
			out = appendSentence(out, runes[start:i+1])
			start = i + 1
		}
	}
	return appendSentence(out, runes[start:])
}

func appendSentence(out []string, r []rune) []string {
	s := strings.TrimSpace(string(r))
	if s == "" {
		return out
	}
	return append(out, s)
}

type Stats struct {
	CharacterCount    int     `json:"character_count"`
	WordCount         int     `json:"word_count"`
	SentenceCount     int     `json:"sentence_count"`
	ParagraphCount    int     `json:"paragraph_count"`
	AvgSentenceLength float64 `json:"avg_sentence_length"`
	ReadingMinutes    float64 `json:"reading_time_minutes"`
}

const wordsPerMinute = 200

func ComputeStats(text string) Stats {
	words := len(strings.Fields(text))
	sentences := len(Sentences(text))
	paragraphs := 0
	for _, p := range strings.Split(text, "\n\n") {
		if strings.TrimSpace(p) != "" {
			paragraphs++
		}
	}
	st := Stats{
		CharacterCount: len([]rune(text)),
		WordCount:      words,
		SentenceCount:  sentences,
		ParagraphCount: paragraphs,
		ReadingMinutes: float64(words) / wordsPerMinute,
	}
	if sentences > 0 {
		st.AvgSentenceLength = float64(words) / float64(sentences)
	}
	return st
}
