package chat

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

// DefaultChunkCap is the soft character cap of one revealed bubble.
const DefaultChunkCap = 150

// sentencePattern matches a run of text plus its terminators. Terminators
// opening the text stay with the first sentence and text after the last
// terminator is matched on its own, so nothing is lost.
var sentencePattern = regexp.MustCompile(`[.!?\n]*[^.!?\n]+(?:[.!?\n]+|$)`)

// SplitChunks groups a response into reveal-sized chunks. Sentences are
// packed greedily until the next one would push the chunk past limit runes;
// a single sentence longer than limit becomes its own chunk untruncated.
func SplitChunks(text string, limit int) []string {
	if limit <= 0 {
		limit = DefaultChunkCap
	}

	sentences := sentencePattern.FindAllString(text, -1)
	if len(sentences) == 0 {
		if trimmed := strings.TrimSpace(text); trimmed != "" {
			return []string{trimmed}
		}
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0

	emit := func() {
		if trimmed := strings.TrimSpace(current.String()); trimmed != "" {
			chunks = append(chunks, trimmed)
		}
		current.Reset()
		currentLen = 0
	}

	for _, sentence := range sentences {
		n := utf8.RuneCountInString(sentence)
		if currentLen > 0 && currentLen+n > limit {
			emit()
		}
		current.WriteString(sentence)
		currentLen += n
	}
	emit()

	return chunks
}
