package rag

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/embedding"
	"github.com/branestawm/branestawm/internal/vectordb"
)

// DocumentStore is the embedding store as seen by the Indexer.
type DocumentStore interface {
	StoreDocument(ctx context.Context, id, content string, meta vectordb.DocumentMeta) (vectordb.Document, error)
	StoreEmbedding(ctx context.Context, docID string, chunkIndex int, vector []float32, kind embedding.Kind) (vectordb.EmbeddingRecord, error)
	GetDocument(ctx context.Context, id string) (vectordb.Document, error)
	StaleDocuments(ctx context.Context, dims int, kind embedding.Kind) ([]string, error)
}

// Indexer stores documents and the embeddings of their chunks.
type Indexer struct {
	store    DocumentStore
	embedder embedding.Provider
	logger   *slog.Logger
}

func NewIndexer(store DocumentStore, embedder embedding.Provider, logger *slog.Logger) *Indexer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Indexer{store: store, embedder: embedder, logger: logger}
}

// Index stores content under id, generating an id when empty, and embeds
// every chunk. Embedding failures are returned as EMBEDDING_FAILED; the
// document itself stays stored and can be re-indexed.
func (ix *Indexer) Index(ctx context.Context, id, content string, meta vectordb.DocumentMeta) (vectordb.Document, error) {
	const op = "rag.Index"
	if ix.embedder == nil {
		return vectordb.Document{}, apperr.New(apperr.KindEmbeddingFailed, op, nil, ErrNoEmbedder)
	}
	if id == "" {
		id = uuid.NewString()
	}

	doc, err := ix.store.StoreDocument(ctx, id, content, meta)
	if err != nil {
		return vectordb.Document{}, err
	}

	vecs, err := embedding.EmbedAll(ctx, ix.embedder, doc.Chunks)
	if err != nil {
		return doc, apperr.New(apperr.KindEmbeddingFailed, op, map[string]string{"doc_id": doc.ID}, err)
	}
	for i, vec := range vecs {
		if _, err := ix.store.StoreEmbedding(ctx, doc.ID, i, vec, ix.embedder.Kind()); err != nil {
			return doc, fmt.Errorf("storing embedding %d of %s: %w", i, doc.ID, err)
		}
	}

	ix.logger.Debug("document indexed", "doc_id", doc.ID, "chunks", len(doc.Chunks), "embedding_type", ix.embedder.Kind())
	return doc, nil
}

// Reindex re-embeds every stored document the current provider cannot
// search, such as documents embedded by a provider with another vector
// length. It returns the number of documents re-indexed and stops at the
// first failure.
func (ix *Indexer) Reindex(ctx context.Context) (int, error) {
	const op = "rag.Reindex"
	if ix.embedder == nil {
		return 0, apperr.New(apperr.KindEmbeddingFailed, op, nil, ErrNoEmbedder)
	}
	sample, err := ix.embedder.Embed(ctx, "dimension check")
	if err != nil {
		return 0, apperr.New(apperr.KindEmbeddingFailed, op, nil, err)
	}

	ids, err := ix.store.StaleDocuments(ctx, len(sample), ix.embedder.Kind())
	if err != nil {
		return 0, fmt.Errorf("finding stale documents: %w", err)
	}
	if len(ids) > 0 {
		ix.logger.Info("re-indexing documents for the current embedding provider",
			"documents", len(ids), "dimensions", len(sample), "embedding_type", ix.embedder.Kind())
	}

	for n, id := range ids {
		doc, err := ix.store.GetDocument(ctx, id)
		if err != nil {
			return n, fmt.Errorf("loading document %s: %w", id, err)
		}
		meta := vectordb.DocumentMeta{Title: doc.Title, Type: doc.Type, Source: doc.Source, Metadata: doc.Metadata}
		if _, err := ix.Index(ctx, doc.ID, doc.Content, meta); err != nil {
			return n, err
		}
	}
	return len(ids), nil
}
