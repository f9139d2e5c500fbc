// Package embedding turns text into fixed-length vectors.
//
// The default providers are deterministic and local: HashEmbedder (hashed
// bag of words) and FeatureEmbedder (character and word-shape features).
// ModelEmbedder delegates to an inference engine. All providers are
// interchangeable behind Provider.
package embedding

import (
	"context"
	"errors"
	"math"
)

// Kind records how a vector was produced.
type Kind string

const (
	KindSimple Kind = "simple"
	KindModel  Kind = "model"
)

// DefaultDimensions is the vector length of the local providers.
const DefaultDimensions = 256

// ErrUnavailable is returned when no embedding provider is configured.
var ErrUnavailable = errors.New("embedding provider unavailable")

// Provider produces embedding vectors.
type Provider interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Kind() Kind
}

// BatchProvider is implemented by providers that can embed many texts at once.
type BatchProvider interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// EmbedAll embeds texts with p, using EmbedBatch when available.
func EmbedAll(ctx context.Context, p Provider, texts []string) ([][]float32, error) {
	if p == nil {
		return nil, ErrUnavailable
	}
	if bp, ok := p.(BatchProvider); ok {
		return bp.EmbedBatch(ctx, texts)
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := p.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// normalize scales v to unit L2 norm in place. A zero vector is left as is.
func normalize(v []float32) []float32 {
	var sum float64
	for _, f := range v {
		sum += float64(f) * float64(f)
	}
	if sum == 0 {
		return v
	}
	n := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / n)
	}
	return v
}
