package embedding

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// ModelBackend is the engine capability ModelEmbedder needs.
type ModelBackend interface {
	Embed(ctx context.Context, model string, text string) ([]float32, error)
}

// ModelEmbedder wraps an inference engine to generate text embeddings.
type ModelEmbedder struct {
	backend ModelBackend
	model   string
}

// NewModelEmbedder creates a ModelEmbedder using the given backend and model name.
func NewModelEmbedder(b ModelBackend, model string) *ModelEmbedder {
	return &ModelEmbedder{backend: b, model: model}
}

func (e *ModelEmbedder) Kind() Kind { return KindModel }

// Embed returns the embedding vector for a single text.
func (e *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := e.backend.Embed(ctx, e.model, text)
	if err != nil {
		return nil, fmt.Errorf("embedding text: %w", err)
	}
	return vec, nil
}

// EmbedBatch returns embedding vectors for multiple texts concurrently.
// Returns nil (not error) for empty/nil input.
func (e *ModelEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	results := make([][]float32, len(texts))
	g, gCtx := errgroup.WithContext(ctx)
	g.SetLimit(4)

	for i, text := range texts {
		g.Go(func() error {
			vec, err := e.backend.Embed(gCtx, e.model, text)
			if err != nil {
				return fmt.Errorf("embedding text %d: %w", i, err)
			}
			results[i] = vec
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
