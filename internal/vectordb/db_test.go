package vectordb

import (
	"bytes"
	"context"
	"database/sql"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"github.com/branestawm/branestawm/internal/apperr"
	"github.com/branestawm/branestawm/internal/embedding"
	"github.com/branestawm/branestawm/internal/kv"
)

func sqliteStore(t *testing.T) kv.Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	_, err = db.Exec(`
		CREATE TABLE kv_entries (
			collection TEXT NOT NULL,
			key TEXT NOT NULL,
			value BLOB NOT NULL,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (collection, key)
		)`)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return kv.NewSQLite(db)
}

func boltStore(t *testing.T) kv.Store {
	t.Helper()
	b, err := kv.OpenBolt(filepath.Join(t.TempDir(), "vectors.db"))
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })
	return b
}

// forEachBackend runs fn against an initialised DB on every kv backend.
func forEachBackend(t *testing.T, fn func(t *testing.T, db *DB)) {
	for name, open := range map[string]func(*testing.T) kv.Store{
		"sqlite": sqliteStore,
		"bolt":   boltStore,
	} {
		t.Run(name, func(t *testing.T) {
			db := New(open(t))
			require.NoError(t, db.Init(context.Background()))
			fn(t, db)
		})
	}
}

func TestDB_NotReady(t *testing.T) {
	ctx := context.Background()
	db := New(boltStore(t))
	assert.False(t, db.Ready())

	_, err := db.StoreDocument(ctx, "d", "text", DocumentMeta{})
	assert.ErrorIs(t, err, apperr.StoreNotReady)
	_, err = db.SearchSimilar(ctx, []float32{1}, 5, 0)
	assert.ErrorIs(t, err, apperr.StoreNotReady)
	_, err = db.GetDocument(ctx, "d")
	assert.ErrorIs(t, err, apperr.StoreNotReady)
	assert.ErrorIs(t, db.DeleteDocument(ctx, "d"), apperr.StoreNotReady)

	stats, err := db.GetStatistics(ctx)
	require.NoError(t, err)
	assert.Equal(t, Statistics{}, stats)
}

func TestDB_SelfSearch(t *testing.T) {
	ctx := context.Background()
	emb := embedding.NewHashEmbedder(embedding.DefaultDimensions)
	forEachBackend(t, func(t *testing.T, db *DB) {
		doc, err := db.StoreDocument(ctx, "abc", "A. B. C.", DocumentMeta{Title: "letters", Type: DocArtifact})
		require.NoError(t, err)
		require.Len(t, doc.Chunks, 1)

		// The hash embedder ignores one-letter tokens, so embed a longer
		// text for this vector and reuse it as the query.
		vec, err := emb.Embed(ctx, "alpha bravo charlie")
		require.NoError(t, err)
		_, err = db.StoreEmbedding(ctx, "abc", 0, vec, embedding.KindSimple)
		require.NoError(t, err)

		results, err := db.SearchSimilar(ctx, vec, 5, 0.99)
		require.NoError(t, err)
		require.Len(t, results, 1)
		assert.Equal(t, "abc", results[0].DocID)
		assert.InDelta(t, 1.0, results[0].Similarity, 1e-6)
		assert.Equal(t, "A. B. C.", results[0].Content)
		assert.Equal(t, "letters", results[0].Title)
		assert.Equal(t, DocArtifact, results[0].Type)
	})
}

func TestDB_SearchOrderingAndBounds(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, db *DB) {
		vecs := map[string][]float32{
			"a": {1, 0, 0},
			"b": {0.9, 0.1, 0},
			"c": {0, 1, 0},
			"d": {1, 0, 0},
			"e": {-1, 0, 0},
		}
		for id, v := range vecs {
			_, err := db.StoreDocument(ctx, id, "Document "+id+".", DocumentMeta{})
			require.NoError(t, err)
			_, err = db.StoreEmbedding(ctx, id, 0, v, embedding.KindSimple)
			require.NoError(t, err)
		}

		results, err := db.SearchSimilar(ctx, []float32{1, 0, 0}, 3, -1)
		require.NoError(t, err)
		require.Len(t, results, 3)
		// a and d tie at 1.0 and are ordered by id.
		assert.Equal(t, "a", results[0].DocID)
		assert.Equal(t, "d", results[1].DocID)
		assert.Equal(t, "b", results[2].DocID)

		results, err = db.SearchSimilar(ctx, []float32{1, 0, 0}, 10, 0.5)
		require.NoError(t, err)
		assert.Len(t, results, 3)
		for i, r := range results {
			assert.GreaterOrEqual(t, r.Similarity, 0.5)
			if i > 0 {
				assert.GreaterOrEqual(t, results[i-1].Similarity, r.Similarity)
			}
		}

		results, err = db.SearchSimilar(ctx, []float32{1, 0, 0}, 0, 0)
		require.NoError(t, err)
		assert.Empty(t, results)

		results, err = db.SearchSimilar(ctx, []float32{1, 0}, 5, -1)
		require.NoError(t, err)
		assert.Empty(t, results, "vectors of another length are never matched")
	})
}

func TestDB_SearchWarnsOnMismatchedDimensions(t *testing.T) {
	ctx := context.Background()
	var logs bytes.Buffer
	db := New(boltStore(t), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))
	require.NoError(t, db.Init(ctx))

	model := make([]float32, 768)
	model[0] = 1
	_, err := db.StoreDocument(ctx, "old", "Stored by the model embedder.", DocumentMeta{})
	require.NoError(t, err)
	_, err = db.StoreEmbedding(ctx, "old", 0, model, embedding.KindModel)
	require.NoError(t, err)

	query, err := embedding.NewHashEmbedder(embedding.DefaultDimensions).Embed(ctx, "Stored by the model embedder.")
	require.NoError(t, err)
	results, err := db.SearchSimilar(ctx, query, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, results)
	assert.Contains(t, logs.String(), "mismatched dimensions")
	assert.Contains(t, logs.String(), "skipped=1")
	assert.Contains(t, logs.String(), "query_dimensions=256")
}

func TestDB_StaleDocuments(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, db *DB) {
		store := func(id string, vec []float32, kind embedding.Kind) {
			_, err := db.StoreDocument(ctx, id, "Document "+id+".", DocumentMeta{})
			require.NoError(t, err)
			if vec != nil {
				_, err = db.StoreEmbedding(ctx, id, 0, vec, kind)
				require.NoError(t, err)
			}
		}
		store("current", []float32{1, 0, 0}, embedding.KindSimple)
		store("longer", []float32{1, 0, 0, 0}, embedding.KindSimple)
		store("model", []float32{0, 1, 0}, embedding.KindModel)
		store("missing", nil, "")

		ids, err := db.StaleDocuments(ctx, 3, embedding.KindSimple)
		require.NoError(t, err)
		assert.Equal(t, []string{"longer", "missing", "model"}, ids)

		ids, err = db.StaleDocuments(ctx, 4, embedding.KindSimple)
		require.NoError(t, err)
		assert.Equal(t, []string{"current", "missing", "model"}, ids)
	})
}

func TestDB_StoreEmbeddingValidation(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, db *DB) {
		_, err := db.StoreEmbedding(ctx, "missing", 0, []float32{1}, embedding.KindSimple)
		assert.ErrorIs(t, err, ErrDocumentNotFound)

		_, err = db.StoreDocument(ctx, "d", "One sentence.", DocumentMeta{})
		require.NoError(t, err)
		_, err = db.StoreEmbedding(ctx, "d", 1, []float32{1}, embedding.KindSimple)
		assert.ErrorIs(t, err, apperr.InvalidInput)
		_, err = db.StoreEmbedding(ctx, "d", 0, nil, embedding.KindSimple)
		assert.ErrorIs(t, err, apperr.InvalidInput)

		rec, err := db.StoreEmbedding(ctx, "d", 0, []float32{0.5, 0.5}, embedding.KindModel)
		require.NoError(t, err)
		assert.Equal(t, "d-0", rec.ID)

		recs, err := db.Embeddings(ctx, "d")
		require.NoError(t, err)
		require.Len(t, recs, 1)
		assert.Equal(t, []float32{0.5, 0.5}, recs[0].Embedding)
		assert.Equal(t, embedding.KindModel, recs[0].EmbeddingType)
	})
}

func TestDB_RestoreAndDelete(t *testing.T) {
	ctx := context.Background()
	forEachBackend(t, func(t *testing.T, db *DB) {
		clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
		db.now = func() time.Time { return clock }

		first, err := db.StoreDocument(ctx, "d", "Original text.", DocumentMeta{})
		require.NoError(t, err)
		assert.Equal(t, DocUnknown, first.Type)
		_, err = db.StoreEmbedding(ctx, "d", 0, []float32{1, 0}, embedding.KindSimple)
		require.NoError(t, err)

		clock = clock.Add(time.Hour)
		second, err := db.StoreDocument(ctx, "d", "Same id, changed text.", DocumentMeta{})
		require.NoError(t, err)
		assert.Equal(t, first.CreatedAt, second.CreatedAt)
		assert.True(t, second.UpdatedAt.After(first.UpdatedAt))

		stats, err := db.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, Statistics{DocumentCount: 1, EmbeddingCount: 0, Ready: true}, stats)

		_, err = db.StoreEmbedding(ctx, "d", 0, []float32{1, 0}, embedding.KindSimple)
		require.NoError(t, err)
		require.NoError(t, db.DeleteDocument(ctx, "d"))

		_, err = db.GetDocument(ctx, "d")
		assert.ErrorIs(t, err, ErrDocumentNotFound)
		stats, err = db.GetStatistics(ctx)
		require.NoError(t, err)
		assert.Equal(t, 0, stats.DocumentCount)
		assert.Equal(t, 0, stats.EmbeddingCount)

		assert.ErrorIs(t, db.DeleteDocument(ctx, "d"), ErrDocumentNotFound)
	})
}

func TestDB_EmptyContentRejected(t *testing.T) {
	forEachBackend(t, func(t *testing.T, db *DB) {
		_, err := db.StoreDocument(context.Background(), "d", "", DocumentMeta{})
		assert.ErrorIs(t, err, apperr.InvalidInput)
	})
}
