// Package rag retrieves stored chunks relevant to a question and answers
// from them, with a local model when one is reachable and extractively
// otherwise.
package rag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/embedding"
	"github.com/branestawm/branestawm/internal/vectordb"
)

const (
	DefaultTopK      = 5
	DefaultThreshold = 0.3
)

// UseDefaultThreshold, or any negative threshold, selects the pipeline's
// default threshold. Zero is a real threshold that admits every
// non-negative match.
const UseDefaultThreshold = -1.0

// ErrNoEmbedder is returned when retrieval is attempted without an
// embedding provider.
var ErrNoEmbedder = errors.New("no embedding provider configured")

// Searcher finds stored chunks near a query vector.
type Searcher interface {
	SearchSimilar(ctx context.Context, query []float32, topK int, threshold float64) ([]vectordb.SearchResult, error)
}

// Generator completes a prompt.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// availability is implemented by generators that can report up front that
// their backend is unreachable.
type availability interface {
	Available(ctx context.Context) bool
}

// Answer is the result of Pipeline.Answer.
type Answer struct {
	Answer string `json:"answer"`
	// Extractive is set when the answer was stitched from retrieved
	// sentences rather than generated.
	Extractive bool                    `json:"extractive"`
	Sources    []vectordb.SearchResult `json:"sources"`
}

// Pipeline embeds a query, searches the store and answers from the hits.
type Pipeline struct {
	embedder  embedding.Provider
	store     Searcher
	gen       Generator
	topK      int
	threshold float64
	logger    *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithDefaults sets the topK used when a call passes a non-positive topK and
// the threshold used when a call passes a negative one.
func WithDefaults(topK int, threshold float64) Option {
	return func(p *Pipeline) {
		if topK > 0 {
			p.topK = topK
		}
		if threshold >= 0 {
			p.threshold = threshold
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

// NewPipeline creates a Pipeline. gen may be nil, in which case every answer
// is extractive.
func NewPipeline(embedder embedding.Provider, store Searcher, gen Generator, opts ...Option) *Pipeline {
	p := &Pipeline{
		embedder:  embedder,
		store:     store,
		gen:       gen,
		topK:      DefaultTopK,
		threshold: DefaultThreshold,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Retrieve returns up to topK stored chunks with similarity at least
// threshold. A non-positive topK or a negative threshold selects the
// pipeline default. A failure
// to embed the query is returned as EMBEDDING_FAILED.
func (p *Pipeline) Retrieve(ctx context.Context, query string, topK int, threshold float64) ([]vectordb.SearchResult, error) {
	const op = "rag.Retrieve"
	if topK <= 0 {
		topK = p.topK
	}
	if threshold < 0 {
		threshold = p.threshold
	}
	details := map[string]string{"query": apperr.Truncate(query, 64)}

	if p.embedder == nil {
		return nil, apperr.New(apperr.KindEmbeddingFailed, op, details, ErrNoEmbedder)
	}
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, apperr.New(apperr.KindEmbeddingFailed, op, details, err)
	}

	results, err := p.store.SearchSimilar(ctx, vec, topK, threshold)
	if err != nil {
		return nil, fmt.Errorf("searching embeddings: %w", err)
	}
	return results, nil
}

// Answer retrieves context for question and answers it. Generation
// failures fall back to an extractive answer; only retrieval failures are
// returned as errors.
func (p *Pipeline) Answer(ctx context.Context, question string, topK int, threshold float64) (Answer, error) {
	results, err := p.Retrieve(ctx, question, topK, threshold)
	if err != nil {
		return Answer{}, err
	}
	if len(results) == 0 {
		return Answer{Answer: NoContextAnswer, Sources: []vectordb.SearchResult{}}, nil
	}

	if p.gen != nil && p.generatorAvailable(ctx) {
		text, err := p.gen.Generate(ctx, BuildPrompt(joinContext(results), question))
		switch {
		case err != nil:
			p.logger.Warn("generation failed, answering extractively", "error", err)
		case strings.TrimSpace(text) == "":
			p.logger.Warn("generation returned nothing, answering extractively")
		default:
			return Answer{Answer: strings.TrimSpace(text), Sources: results}, nil
		}
	}

	return Answer{Answer: Extract(question, results), Extractive: true, Sources: results}, nil
}

func (p *Pipeline) generatorAvailable(ctx context.Context) bool {
	if a, ok := p.gen.(availability); ok {
		return a.Available(ctx)
	}
	return true
}

func joinContext(results []vectordb.SearchResult) string {
	parts := make([]string, len(results))
	for i, r := range results {
		parts[i] = r.Content
	}
	return strings.Join(parts, "\n\n")
}
