package nlp

var stopwords = setOf(
	"a", "about", "above", "after", "again", "against", "all", "am", "an", "and", "any", "are", "as", "at",
	"be", "because", "been", "before", "being", "below", "between", "both", "but", "by",
	"can", "could", "did", "do", "does", "doing", "down", "during", "each", "few", "for", "from", "further",
	"had", "has", "have", "having", "he", "her", "here", "hers", "herself", "him", "himself", "his", "how",
	"if", "in", "into", "is", "it", "it's", "its", "itself", "just", "me", "more", "most", "my", "myself",
	"no", "nor", "not", "now", "of", "off", "on", "once", "only", "or", "other", "our", "ours", "ourselves",
	"out", "over", "own", "same", "she", "should", "so", "some", "such", "than", "that", "the", "their",
	"theirs", "them", "themselves", "then", "there", "these", "they", "this", "those", "through", "to", "too",
	"under", "until", "up", "very", "was", "we", "were", "what", "when", "where", "which", "while", "who",
	"whom", "why", "will", "with", "would", "you", "your", "yours", "yourself", "yourselves", "also", "may",
	"might", "must", "shall", "upon", "via", "per", "us", "one", "two", "new",
)

var positiveWords = setOf(
	"good", "great", "excellent", "positive", "success", "successful", "improve", "improved", "improvement",
	"benefit", "beneficial", "gain", "gains", "growth", "grow", "grew", "strong", "stronger", "best", "better",
	"happy", "pleased", "effective", "efficient", "innovative", "opportunity", "opportunities", "profit",
	"profitable", "robust", "reliable", "win", "wins", "achieve", "achieved", "advantage", "exceed", "exceeded",
	"outstanding", "impressive", "stable", "secure", "optimistic", "favorable", "love", "like", "easy",
)

var negativeWords = setOf(
	"bad", "poor", "negative", "fail", "failed", "failure", "loss", "losses", "decline", "declined", "decrease",
	"weak", "weaker", "worst", "worse", "risk", "risks", "problem", "problems", "issue", "issues", "error",
	"errors", "delay", "delayed", "concern", "concerns", "difficult", "difficulty", "threat", "crisis",
	"unstable", "insecure", "pessimistic", "unfavorable", "hate", "broken", "slow", "costly", "deficit",
	"shortage", "complaint", "complaints", "bug", "bugs", "outage", "late",
)

func setOf(words ...string) map[string]bool {
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}

func IsStopword(w string) bool { return stopwords[w] }
