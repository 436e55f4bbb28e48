package usecase

import "strings"

// sentenceBuffer accumulates streamed text and releases whole sentences.
type sentenceBuffer struct {
	pending strings.Builder
}

// Add appends a fragment and returns every sentence completed by it.
func (b *sentenceBuffer) Add(text string) []string {
	var out []string
	for _, r := range text {
		b.pending.WriteRune(r)
		if !isSentenceEnd(r) {
			continue
		}
		if sentence := strings.TrimSpace(b.pending.String()); sentence != "" {
			out = append(out, sentence)
		}
		b.pending.Reset()
	}
	return out
}

// Flush returns the unterminated remainder.
func (b *sentenceBuffer) Flush() string {
	rest := strings.TrimSpace(b.pending.String())
	b.pending.Reset()
	return rest
}

func isSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', '\n':
		return true
	}
	return false
}
