package embedding

import (
	"context"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	letterBuckets    = 26
	wordLengthBins   = 16
	minFeatureVector = letterBuckets + wordLengthBins + 1
)

// FeatureEmbedder builds a vector from letter frequencies, a word-length
// histogram and rolling hashes of character trigrams. It is an alternative
// to HashEmbedder with better behaviour on very short texts.
type FeatureEmbedder struct {
	dims int
}

// NewFeatureEmbedder creates a FeatureEmbedder; dims below the minimum
// feature layout select DefaultDimensions.
func NewFeatureEmbedder(dims int) *FeatureEmbedder {
	if dims < minFeatureVector {
		dims = DefaultDimensions
	}
	return &FeatureEmbedder{dims: dims}
}

func (f *FeatureEmbedder) Kind() Kind { return KindSimple }

// Dimensions returns the vector length.
func (f *FeatureEmbedder) Dimensions() int { return f.dims }

func (f *FeatureEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	vec := make([]float32, f.dims)
	text = strings.ToLower(norm.NFKC.String(text))

	// Letter frequencies.
	letters := 0
	for _, r := range text {
		if r >= 'a' && r <= 'z' {
			vec[r-'a']++
			letters++
		}
	}
	if letters > 0 {
		for i := 0; i < letterBuckets; i++ {
			vec[i] /= float32(letters)
		}
	}

	// Word-length histogram.
	words := strings.FieldsFunc(text, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})
	for _, w := range words {
		n := len([]rune(w))
		if n >= wordLengthBins {
			n = wordLengthBins - 1
		}
		vec[letterBuckets+n]++
	}
	if len(words) > 0 {
		for i := letterBuckets; i < letterBuckets+wordLengthBins; i++ {
			vec[i] /= float32(len(words))
		}
	}

	// Rolling trigram hashes fill the remaining space.
	hashSpace := f.dims - letterBuckets - wordLengthBins
	for _, w := range words {
		runes := []rune(w)
		for i := 0; i+3 <= len(runes); i++ {
			var h uint32 = 2166136261
			for _, r := range runes[i : i+3] {
				h ^= uint32(r)
				h *= 16777619
			}
			vec[letterBuckets+wordLengthBins+int(h%uint32(hashSpace))]++
		}
	}

	return normalize(vec), nil
}
