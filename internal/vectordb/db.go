// Package vectordb stores documents, their chunks and chunk embeddings, and
// answers nearest-neighbour queries by brute-force cosine similarity.
package vectordb

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/embedding"
	"github.com/branestawm/branestawm/internal/kv"
)

const (
	documentsCollection  = "documents"
	embeddingsCollection = "embeddings"
)

// ErrDocumentNotFound is returned when a document id is unknown.
var ErrDocumentNotFound = errors.New("document not found")

// DB is the embedding store. It must be initialised with Init before use;
// every other method fails with apperr.StoreNotReady until then.
type DB struct {
	store     kv.Store
	chunkSize int
	overlap   int
	now       func() time.Time
	logger    *slog.Logger

	ready atomic.Bool
	// mu serialises document upserts and deletes with the embedding cleanup
	// they imply.
	mu sync.Mutex
}

// Option configures a DB.
type Option func(*DB)

// WithChunking sets the target chunk size and overlap in characters.
func WithChunking(size, overlap int) Option {
	return func(d *DB) {
		if size > 0 {
			d.chunkSize = size
		}
		if overlap >= 0 {
			d.overlap = overlap
		}
	}
}

// WithClock overrides the time source for record timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *DB) { d.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(d *DB) { d.logger = l }
}

// New creates an uninitialised DB over store.
func New(store kv.Store, opts ...Option) *DB {
	d := &DB{
		store:     store,
		chunkSize: DefaultChunkSize,
		overlap:   DefaultChunkOverlap,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Init creates the backing collections and marks the store ready.
func (d *DB) Init(ctx context.Context) error {
	for _, c := range []string{documentsCollection, embeddingsCollection} {
		if err := d.store.EnsureCollection(ctx, c); err != nil {
			return fmt.Errorf("creating collection %s: %w", c, err)
		}
	}
	d.ready.Store(true)
	return nil
}

// Ready reports whether Init has completed.
func (d *DB) Ready() bool { return d.ready.Load() }

func (d *DB) checkReady(op string) error {
	if !d.ready.Load() {
		return apperr.New(apperr.KindStoreNotReady, op, nil, nil)
	}
	return nil
}

// EmbeddingID returns the record id of chunk index of document docID.
func EmbeddingID(docID string, index int) string {
	return docID + "-" + strconv.Itoa(index)
}

// StoreDocument chunks content and upserts the document. Re-storing a
// document keeps its CreatedAt. When the content changes, the embeddings of
// the previous version are deleted.
func (d *DB) StoreDocument(ctx context.Context, id, content string, meta DocumentMeta) (Document, error) {
	const op = "vectordb.StoreDocument"
	if err := d.checkReady(op); err != nil {
		return Document{}, err
	}
	if id == "" || content == "" {
		return Document{}, apperr.New(apperr.KindInvalidInput, op, nil, errors.New("id and content are required"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now().UTC()
	doc := Document{
		ID:        id,
		Content:   content,
		Type:      meta.Type,
		Source:    meta.Source,
		Title:     meta.Title,
		Chunks:    ChunkText(content, d.chunkSize, d.overlap),
		CreatedAt: now,
		UpdatedAt: now,
		Metadata:  meta.Metadata,
	}
	if doc.Type == "" {
		doc.Type = DocUnknown
	}

	prev, err := d.getDocument(ctx, id)
	switch {
	case err == nil:
		doc.CreatedAt = prev.CreatedAt
		if prev.Content != content {
			if err := d.deleteEmbeddings(ctx, id, 0, len(prev.Chunks)); err != nil {
				return Document{}, err
			}
		}
	case !errors.Is(err, ErrDocumentNotFound):
		return Document{}, err
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return Document{}, fmt.Errorf("encoding document %s: %w", id, err)
	}
	if err := d.store.Put(ctx, documentsCollection, id, data); err != nil {
		return Document{}, fmt.Errorf("storing document %s: %w", id, err)
	}
	return doc, nil
}

// StoreEmbedding upserts the vector of one chunk. The parent document must
// exist and chunkIndex must address one of its chunks.
func (d *DB) StoreEmbedding(ctx context.Context, docID string, chunkIndex int, vector []float32, kind embedding.Kind) (EmbeddingRecord, error) {
	const op = "vectordb.StoreEmbedding"
	if err := d.checkReady(op); err != nil {
		return EmbeddingRecord{}, err
	}
	if len(vector) == 0 {
		return EmbeddingRecord{}, apperr.New(apperr.KindInvalidInput, op, map[string]string{"doc_id": docID}, errors.New("empty vector"))
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDocument(ctx, docID)
	if err != nil {
		return EmbeddingRecord{}, err
	}
	if chunkIndex < 0 || chunkIndex >= len(doc.Chunks) {
		return EmbeddingRecord{}, apperr.New(apperr.KindInvalidInput, op, map[string]string{
			"doc_id":      docID,
			"chunk_index": strconv.Itoa(chunkIndex),
			"chunks":      strconv.Itoa(len(doc.Chunks)),
		}, errors.New("chunk index out of range"))
	}

	rec := EmbeddingRecord{
		ID:            EmbeddingID(docID, chunkIndex),
		DocID:         docID,
		ChunkIndex:    chunkIndex,
		Embedding:     vector,
		EmbeddingType: kind,
		CreatedAt:     d.now().UTC(),
	}
	data, err := json.Marshal(embeddingRow{
		ID:            rec.ID,
		DocID:         rec.DocID,
		ChunkIndex:    rec.ChunkIndex,
		Vector:        encodeFloat32s(vector),
		EmbeddingType: kind,
		CreatedAt:     rec.CreatedAt,
	})
	if err != nil {
		return EmbeddingRecord{}, fmt.Errorf("encoding embedding %s: %w", rec.ID, err)
	}
	if err := d.store.Put(ctx, embeddingsCollection, rec.ID, data); err != nil {
		return EmbeddingRecord{}, fmt.Errorf("storing embedding %s: %w", rec.ID, err)
	}
	return rec, nil
}

// GetDocument returns the document with the given id.
func (d *DB) GetDocument(ctx context.Context, id string) (Document, error) {
	if err := d.checkReady("vectordb.GetDocument"); err != nil {
		return Document{}, err
	}
	return d.getDocument(ctx, id)
}

func (d *DB) getDocument(ctx context.Context, id string) (Document, error) {
	data, err := d.store.Get(ctx, documentsCollection, id)
	if errors.Is(err, kv.ErrNotFound) {
		return Document{}, fmt.Errorf("%w: %s", ErrDocumentNotFound, id)
	}
	if err != nil {
		return Document{}, fmt.Errorf("loading document %s: %w", id, err)
	}
	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return Document{}, fmt.Errorf("decoding document %s: %w", id, err)
	}
	return doc, nil
}

// Embeddings returns the stored embedding records of a document in chunk order.
func (d *DB) Embeddings(ctx context.Context, docID string) ([]EmbeddingRecord, error) {
	if err := d.checkReady("vectordb.Embeddings"); err != nil {
		return nil, err
	}
	doc, err := d.getDocument(ctx, docID)
	if err != nil {
		return nil, err
	}
	var out []EmbeddingRecord
	for i := range doc.Chunks {
		data, err := d.store.Get(ctx, embeddingsCollection, EmbeddingID(docID, i))
		if errors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		rec, err := decodeEmbedding(data)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// DeleteDocument removes a document and all of its embeddings.
func (d *DB) DeleteDocument(ctx context.Context, id string) error {
	if err := d.checkReady("vectordb.DeleteDocument"); err != nil {
		return err
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	doc, err := d.getDocument(ctx, id)
	if err != nil {
		return err
	}
	if err := d.deleteEmbeddings(ctx, id, 0, len(doc.Chunks)); err != nil {
		return err
	}
	if err := d.store.Delete(ctx, documentsCollection, id); err != nil {
		return fmt.Errorf("deleting document %s: %w", id, err)
	}
	return nil
}

func (d *DB) deleteEmbeddings(ctx context.Context, docID string, from, to int) error {
	for i := from; i < to; i++ {
		err := d.store.Delete(ctx, embeddingsCollection, EmbeddingID(docID, i))
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return fmt.Errorf("deleting embedding %s: %w", EmbeddingID(docID, i), err)
		}
	}
	return nil
}

// SearchSimilar scans every embedding and returns at most topK chunks whose
// cosine similarity to query is at least threshold, best first. Ties are
// broken by embedding id. Embeddings whose length differs from the query's
// come from another provider; they are skipped and counted in a warning.
func (d *DB) SearchSimilar(ctx context.Context, query []float32, topK int, threshold float64) ([]SearchResult, error) {
	if err := d.checkReady("vectordb.SearchSimilar"); err != nil {
		return nil, err
	}
	if topK <= 0 {
		return nil, nil
	}

	h := &hitHeap{}
	var buf []float32
	var mismatched int
	err := d.store.Scan(ctx, embeddingsCollection, func(key string, value []byte) error {
		var row embeddingRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decoding embedding %s: %w", key, err)
		}
		var err error
		buf, err = decodeFloat32sInto(buf, row.Vector)
		if err != nil {
			return fmt.Errorf("decoding vector of %s: %w", key, err)
		}

		if len(buf) != len(query) {
			mismatched++
			return nil
		}
		sim := CosineSimilarity(query, buf)
		if sim < threshold {
			return nil
		}
		cand := hit{id: row.ID, docID: row.DocID, chunkIndex: row.ChunkIndex, similarity: sim}
		if h.Len() < topK {
			heap.Push(h, cand)
		} else if better(cand, (*h)[0]) {
			(*h)[0] = cand
			heap.Fix(h, 0)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}
	if mismatched > 0 {
		d.logger.Warn("skipped embeddings with mismatched dimensions; re-index to search them",
			"skipped", mismatched, "query_dimensions", len(query))
	}

	hits := make([]hit, h.Len())
	for i := len(hits) - 1; i >= 0; i-- {
		hits[i] = heap.Pop(h).(hit)
	}

	docs := make(map[string]Document)
	results := make([]SearchResult, 0, len(hits))
	for _, ht := range hits {
		doc, ok := docs[ht.docID]
		if !ok {
			doc, err = d.getDocument(ctx, ht.docID)
			if err != nil {
				d.logger.Warn("skipping search hit without document", "embedding_id", ht.id, "error", err)
				continue
			}
			docs[ht.docID] = doc
		}
		if ht.chunkIndex < 0 || ht.chunkIndex >= len(doc.Chunks) {
			d.logger.Warn("skipping search hit with stale chunk index", "embedding_id", ht.id)
			continue
		}
		results = append(results, SearchResult{
			DocID:      ht.docID,
			ChunkIndex: ht.chunkIndex,
			Similarity: ht.similarity,
			Content:    doc.Chunks[ht.chunkIndex],
			Title:      doc.Title,
			Type:       doc.Type,
			Source:     doc.Source,
		})
	}
	return results, nil
}

// StaleDocuments returns the ids, sorted, of documents that a provider
// producing dims-length vectors of the given kind cannot fully search: those
// with an embedding of another length or kind, and those missing embeddings
// for some of their chunks.
func (d *DB) StaleDocuments(ctx context.Context, dims int, kind embedding.Kind) ([]string, error) {
	if err := d.checkReady("vectordb.StaleDocuments"); err != nil {
		return nil, err
	}

	embedded := make(map[string]int)
	stale := make(map[string]bool)
	err := d.store.Scan(ctx, embeddingsCollection, func(key string, value []byte) error {
		var row embeddingRow
		if err := json.Unmarshal(value, &row); err != nil {
			return fmt.Errorf("decoding embedding %s: %w", key, err)
		}
		embedded[row.DocID]++
		if len(row.Vector)/4 != dims || row.EmbeddingType != kind {
			stale[row.DocID] = true
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning embeddings: %w", err)
	}

	var ids []string
	err = d.store.Scan(ctx, documentsCollection, func(key string, value []byte) error {
		var doc Document
		if err := json.Unmarshal(value, &doc); err != nil {
			return fmt.Errorf("decoding document %s: %w", key, err)
		}
		if stale[key] || embedded[key] < len(doc.Chunks) {
			ids = append(ids, key)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning documents: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// GetStatistics reports document and embedding counts. It is the only
// method usable before Init, in which case it reports Ready false.
func (d *DB) GetStatistics(ctx context.Context) (Statistics, error) {
	if !d.ready.Load() {
		return Statistics{}, nil
	}
	docs, err := d.store.Count(ctx, documentsCollection)
	if err != nil {
		return Statistics{}, fmt.Errorf("counting documents: %w", err)
	}
	embs, err := d.store.Count(ctx, embeddingsCollection)
	if err != nil {
		return Statistics{}, fmt.Errorf("counting embeddings: %w", err)
	}
	return Statistics{DocumentCount: docs, EmbeddingCount: embs, Ready: true}, nil
}

func decodeEmbedding(data []byte) (EmbeddingRecord, error) {
	var row embeddingRow
	if err := json.Unmarshal(data, &row); err != nil {
		return EmbeddingRecord{}, fmt.Errorf("decoding embedding: %w", err)
	}
	vec, err := decodeFloat32s(row.Vector)
	if err != nil {
		return EmbeddingRecord{}, fmt.Errorf("decoding vector of %s: %w", row.ID, err)
	}
	return EmbeddingRecord{
		ID:            row.ID,
		DocID:         row.DocID,
		ChunkIndex:    row.ChunkIndex,
		Embedding:     vec,
		EmbeddingType: row.EmbeddingType,
		CreatedAt:     row.CreatedAt,
	}, nil
}
