package embedding

import (
	"context"
	"regexp"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

var nonWordRe = regexp.MustCompile(`[^\p{L}\p{N}_\s]+`)

// HashEmbedder folds term frequencies into a fixed number of buckets by
// hashing each term. Distinct terms that collide share a bucket; the
// resulting loss of precision is accepted for a model-free embedding.
type HashEmbedder struct {
	dims int
}

// NewHashEmbedder creates a HashEmbedder; dims <= 0 selects DefaultDimensions.
func NewHashEmbedder(dims int) *HashEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &HashEmbedder{dims: dims}
}

func (h *HashEmbedder) Kind() Kind { return KindSimple }

// Dimensions returns the vector length.
func (h *HashEmbedder) Dimensions() int { return h.dims }

func (h *HashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, h.dims)
	for term, freq := range termFrequencies(text) {
		vec[bucket(term, h.dims)] += float32(freq)
	}
	return normalize(vec), nil
}

// termFrequencies counts lowercase terms longer than two characters.
func termFrequencies(text string) map[string]int {
	clean := nonWordRe.ReplaceAllString(strings.ToLower(norm.NFKC.String(text)), " ")
	tf := make(map[string]int)
	for _, tok := range strings.Fields(clean) {
		if utf8.RuneCountInString(tok) > 2 {
			tf[tok]++
		}
	}
	return tf
}

// bucket maps term to [0, dims) with a 31-multiplier string hash.
func bucket(term string, dims int) int {
	var h int32
	for _, r := range term {
		h = h*31 + int32(r)
	}
	b := int(h) % dims
	if b < 0 {
		b = -b
	}
	return b
}
