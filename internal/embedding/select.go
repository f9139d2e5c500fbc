package embedding

import (
	"context"
	"fmt"
	"log/slog"
)

// Engine is what Select checks to decide whether a model embedder is usable.
type Engine interface {
	ModelBackend
	IsRunning(ctx context.Context) bool
}

// Select returns the provider named by mode: "hash", "features", "model" or
// "auto". Auto picks the model embedder when eng is reachable and falls back
// to the hashed embedder otherwise.
func Select(ctx context.Context, mode string, eng Engine, model string, dims int) (Provider, error) {
	switch mode {
	case "hash":
		return NewHashEmbedder(dims), nil
	case "features":
		return NewFeatureEmbedder(dims), nil
	case "model":
		if eng == nil {
			return nil, ErrUnavailable
		}
		return NewModelEmbedder(eng, model), nil
	case "", "auto":
		if eng != nil && eng.IsRunning(ctx) {
			slog.Info("using model embeddings", "model", model)
			return NewModelEmbedder(eng, model), nil
		}
		slog.Info("inference engine unreachable, using hashed embeddings", "dimensions", dims)
		return NewHashEmbedder(dims), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", mode)
	}
}
