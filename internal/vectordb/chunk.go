package vectordb

import (
	"regexp"
	"strings"
	"unicode/utf8"
)

const (
	DefaultChunkSize    = 500
	DefaultChunkOverlap = 50
)

var sentenceRe = regexp.MustCompile(`[^.!?]+[.!?]+["')\]]*|[^.!?]+$`)

// ChunkText splits text into sentence-aligned chunks of about size
// characters. Each chunk after the first begins with the trailing words of
// the previous chunk, up to overlap characters. Sentences longer than size
// are split on word boundaries. When nothing can be chunked the whole text
// is returned as a single chunk.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = size / 10
	}

	var chunks []string
	cur := ""
	for _, raw := range sentenceRe.FindAllString(text, -1) {
		for _, s := range splitLong(strings.TrimSpace(raw), size) {
			if s == "" {
				continue
			}
			if cur != "" && runeLen(cur)+1+runeLen(s) > size {
				chunks = append(chunks, cur)
				cur = tailWords(cur, overlap)
				if cur != "" && runeLen(cur)+1+runeLen(s) > size {
					cur = ""
				}
			}
			if cur == "" {
				cur = s
			} else {
				cur += " " + s
			}
		}
	}
	if cur != "" {
		chunks = append(chunks, cur)
	}
	if len(chunks) == 0 {
		return []string{text}
	}
	return chunks
}

// splitLong breaks s into pieces of at most size characters on word
// boundaries. A single word longer than size is kept whole.
func splitLong(s string, size int) []string {
	if runeLen(s) <= size {
		return []string{s}
	}
	var out []string
	cur := ""
	for _, w := range strings.Fields(s) {
		if cur != "" && runeLen(cur)+1+runeLen(w) > size {
			out = append(out, cur)
			cur = ""
		}
		if cur == "" {
			cur = w
		} else {
			cur += " " + w
		}
	}
	if cur != "" {
		out = append(out, cur)
	}
	return out
}

// tailWords returns the longest run of trailing whole words of s whose
// length does not exceed limit.
func tailWords(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	words := strings.Fields(s)
	n := 0
	start := len(words)
	for i := len(words) - 1; i >= 0; i-- {
		add := runeLen(words[i])
		if start < len(words) {
			add++
		}
		if n+add > limit {
			break
		}
		n += add
		start = i
	}
	return strings.Join(words[start:], " ")
}

func runeLen(s string) int { return utf8.RuneCountInString(s) }
