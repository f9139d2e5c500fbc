// Package engine talks to the local inference server that provides model
// embeddings and text generation.
package engine

import "context"

// Engine abstracts a local inference backend. Consumers such as the
// embedding provider and the retrieval pipeline depend on this interface
// instead of a concrete client.
type Engine interface {
	// Chat sends messages to the given model and returns the assistant's response.
	Chat(ctx context.Context, model string, messages []Message) (string, error)

	// Generate completes a single prompt with the given model.
	Generate(ctx context.Context, model, prompt string, opts GenerateOptions) (string, error)

	// Embed returns the embedding vector for the given text using the specified model.
	Embed(ctx context.Context, model string, text string) ([]float32, error)

	// IsRunning reports whether the inference backend is reachable.
	IsRunning(ctx context.Context) bool

	// ListModels returns the names of all locally available models.
	ListModels(ctx context.Context) ([]string, error)

	// HasModel reports whether the given model name is available locally.
	HasModel(ctx context.Context, name string) bool

	// PullModel downloads a model. The optional callback receives progress updates.
	PullModel(ctx context.Context, name string, onProgress func(PullProgress)) error
}

// Message represents a chat message.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerateOptions tune a completion. Zero values leave the server defaults.
type GenerateOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

// PullProgress reports download progress for a model pull operation.
type PullProgress struct {
	Status    string `json:"status"`
	Total     int64  `json:"total,omitempty"`
	Completed int64  `json:"completed,omitempty"`
}

// Generator binds an Engine to one model so callers only supply prompts.
type Generator struct {
	eng   Engine
	model string
	opts  GenerateOptions
}

// NewGenerator returns a Generator completing prompts with model.
func NewGenerator(eng Engine, model string, opts GenerateOptions) *Generator {
	return &Generator{eng: eng, model: model, opts: opts}
}

func (g *Generator) Generate(ctx context.Context, prompt string) (string, error) {
	return g.eng.Generate(ctx, g.model, prompt, g.opts)
}

// Available reports whether the backing engine is reachable.
func (g *Generator) Available(ctx context.Context) bool {
	return g.eng.IsRunning(ctx)
}
