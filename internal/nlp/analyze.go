package nlp

import (
	"math"
	"regexp"
	"slices"
	"strings"
	"unicode"
)

type Keyword struct {
	Term  string  `json:"term"`
	Count int     `json:"count"`
	Score float64 `json:"score"`
}

// Keywords ranks non-stopword tokens by frequency; Score is the share of
// content tokens.
func Keywords(tokens []string, n int) []Keyword {
	counts := make(map[string]int)
	total := 0
	for _, t := range tokens {
		if stopwords[t] || isNumber(t) {
			continue
		}
		counts[t]++
		total++
	}

	out := make([]Keyword, 0, len(counts))
	for term, c := range counts {
		out = append(out, Keyword{Term: term, Count: c, Score: float64(c) / float64(total)})
	}
	slices.SortFunc(out, func(a, b Keyword) int {
		if a.Count != b.Count {
			return b.Count - a.Count
		}
		return strings.Compare(a.Term, b.Term)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

type Sentiment struct {
	Label    string  `json:"label"`
	Score    float64 `json:"score"`
	Positive int     `json:"positive_terms"`
	Negative int     `json:"negative_terms"`
}

// ScoreSentiment counts lexicon hits. Score is in [-1, 1].
func ScoreSentiment(tokens []string) Sentiment {
	var s Sentiment
	for _, t := range tokens {
		switch {
		case positiveWords[t]:
			s.Positive++
		case negativeWords[t]:
			s.Negative++
		}
	}
	if hits := s.Positive + s.Negative; hits > 0 {
		s.Score = float64(s.Positive-s.Negative) / float64(hits)
	}
	switch {
	case s.Score > 0.1:
		s.Label = "positive"
	case s.Score < -0.1:
		s.Label = "negative"
	default:
		s.Label = "neutral"
	}
	return s
}

type Entity struct {
	Text  string `json:"text"`
	Type  string `json:"type"`
	Count int    `json:"count"`
}

var (
	emailRe   = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@[A-Za-z0-9.\-]+\.[A-Za-z]{2,}`)
	urlRe     = regexp.MustCompile(`https?://[^\s)>\]]+`)
	dateRe    = regexp.MustCompile(`\b\d{4}-\d{2}-\d{2}\b`)
	percentRe = regexp.MustCompile(`\b\d+(?:\.\d+)?%`)
	moneyRe   = regexp.MustCompile(`[$€£]\s?\d[\d,]*(?:\.\d+)?`)
)

// ExtractEntities finds pattern entities and runs of capitalized words.
func ExtractEntities(text string) []Entity {
	counts := make(map[Entity]int)
	var order []Entity
	add := func(txt, typ string) {
		k := Entity{Text: txt, Type: typ}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
	}

	for _, p := range []struct {
		re  *regexp.Regexp
		typ string
	}{
		{emailRe, "EMAIL"},
		{urlRe, "URL"},
		{dateRe, "DATE"},
		{percentRe, "PERCENT"},
		{moneyRe, "MONEY"},
	} {
		for _, m := range p.re.FindAllString(text, -1) {
			add(strings.TrimRight(m, ".,;"), p.typ)
		}
	}

	stripped := urlRe.ReplaceAllString(emailRe.ReplaceAllString(text, " "), " ")
	for _, sentence := range Sentences(stripped) {
		words := strings.Fields(sentence)
		var run []string
		flush := func() {
			if len(run) > 0 {
				add(strings.Join(run, " "), "PROPER_NOUN")
			}
			run = run[:0]
		}
		for i, w := range words {
			clean := strings.TrimFunc(w, func(r rune) bool { return !unicode.IsLetter(r) && !unicode.IsDigit(r) })
			// Sentence-initial capitals say nothing about names.
			if i == 0 || !isCapitalized(clean) {
				flush()
				continue
			}
			run = append(run, clean)
			if clean != w && strings.ContainsAny(w[len(w)-1:], ".,;:!?") {
				flush()
			}
		}
		flush()
	}

	out := make([]Entity, 0, len(order))
	for _, e := range order {
		e.Count = counts[e]
		out = append(out, e)
	}
	slices.SortStableFunc(out, func(a, b Entity) int { return b.Count - a.Count })
	return out
}

func isCapitalized(w string) bool {
	if len([]rune(w)) < 2 {
		return false
	}
	r := []rune(w)
	return unicode.IsUpper(r[0])
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}

// Summarize picks the n highest scoring sentences, returned in document
// order. Sentences score by the summed frequency of their content words,
// damped by length.
func Summarize(text string, n int) []string {
	sentences := Sentences(text)
	if len(sentences) <= n {
		return sentences
	}

	freq := make(map[string]int)
	for _, t := range Tokens(text) {
		if !stopwords[t] {
			freq[t]++
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	ranked := make([]scored, len(sentences))
	for i, s := range sentences {
		toks := Tokens(s)
		sum := 0
		for _, t := range toks {
			sum += freq[t]
		}
		score := 0.0
		if len(toks) > 0 {
			score = float64(sum) / math.Sqrt(float64(len(toks)))
		}
		if i == 0 {
			score *= 1.2
		}
		ranked[i] = scored{i, score}
	}
	slices.SortStableFunc(ranked, func(a, b scored) int {
		switch {
		case a.score > b.score:
			return -1
		case a.score < b.score:
			return 1
		}
		return a.idx - b.idx
	})

	picked := ranked[:n]
	slices.SortFunc(picked, func(a, b scored) int { return a.idx - b.idx })
	out := make([]string, len(picked))
	for i, p := range picked {
		out[i] = sentences[p.idx]
	}
	return out
}
