package nlp

import (
	"hash/fnv"
	"math"
)

const EmbeddingDim = 256

// Embed maps text to a unit-length hashed bag-of-words vector. Tokens hash
// to a bucket and a sign, which keeps collisions from always adding up.
func Embed(text string) []float32 {
	v := make([]float32, EmbeddingDim)
	for _, t := range Tokens(text) {
		if stopwords[t] {
			continue
		}
		h := fnv.New32a()
		h.Write([]byte(t))
		sum := h.Sum32()
		idx := sum % EmbeddingDim
		if sum&(1<<31) != 0 {
			v[idx]--
		} else {
			v[idx]++
		}
	}

	var norm float64
	for _, x := range v {
		norm += float64(x) * float64(x)
	}
	if norm == 0 {
		return v
	}
	n := float32(math.Sqrt(norm))
	for i := range v {
		v[i] /= n
	}
	return v
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero
// or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
