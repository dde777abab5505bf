package nlp

import "unicode"

type Chunk struct {
	Index int    `json:"index"`
	Start int    `json:"start"`
	End   int    `json:"end"`
	Text  string `json:"text"`
}

// Split cuts text into chunks of at most size runes, each starting overlap
// runes before the previous one ended. Cuts prefer whitespace in the last
// fifth of a chunk.
func Split(text string, size, overlap int) []Chunk {
	if size <= 0 {
		return nil
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}

	var chunks []Chunk
	start := 0
	for {
		end := min(start+size, len(runes))
		if end < len(runes) {
			for i := end; i > start+size*4/5; i-- {
				if unicode.IsSpace(runes[i-1]) {
					end = i
					break
				}
			}
		}
		chunks = append(chunks, Chunk{
			Index: len(chunks),
			Start: start,
			End:   end,
			Text:  string(runes[start:end]),
		})
		if end == len(runes) {
			return chunks
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		start = next
	}
}
