package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/branestawm/branestawm/internal/embedding"
	"github.com/branestawm/branestawm/internal/kv"
	"github.com/branestawm/branestawm/internal/rag"
	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/vectordb"
)

type mockIndexer struct {
	mu      sync.Mutex
	indexed []Payload
	indexFn func(ctx context.Context, id, content string, meta vectordb.DocumentMeta) (vectordb.Document, error)
}

func (m *mockIndexer) Index(ctx context.Context, id, content string, meta vectordb.DocumentMeta) (vectordb.Document, error) {
	if m.indexFn != nil {
		if _, err := m.indexFn(ctx, id, content, meta); err != nil {
			return vectordb.Document{}, err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.indexed = append(m.indexed, Payload{DocID: id, Content: content, Title: meta.Title, Type: string(meta.Type)})
	return vectordb.Document{ID: id, Content: content, Chunks: []string{content}}, nil
}

func openTestStore(t *testing.T) *storage.Store {
	t.Helper()
	s, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("Open(:memory:) failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func enqueueTestJob(t *testing.T, store *storage.Store, docID, content string) string {
	t.Helper()
	jobID, gotDoc, err := Enqueue(context.Background(), store, Payload{
		DocID:   docID,
		Content: content,
		Title:   "Test Doc",
		Type:    "project",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if gotDoc != docID {
		t.Fatalf("Enqueue doc id = %q, want %q", gotDoc, docID)
	}
	return jobID
}

// resetRunAfter makes a job immediately claimable after FailJob backoff.
func resetRunAfter(t *testing.T, store *storage.Store, jobID string) {
	t.Helper()
	past := time.Now().UTC().Add(-time.Second).Format("2006-01-02T15:04:05.000000000Z07:00")
	_, err := store.DB().Exec(`UPDATE jobs SET run_after = ? WHERE id = ?`, past, jobID)
	if err != nil {
		t.Fatalf("resetRunAfter: %v", err)
	}
}

func jobState(t *testing.T, store *storage.Store, jobID string) (string, int) {
	t.Helper()
	var status string
	var attempts int
	if err := store.DB().QueryRow(`SELECT status, attempts FROM jobs WHERE id = ?`, jobID).Scan(&status, &attempts); err != nil {
		t.Fatalf("query job %s: %v", jobID, err)
	}
	return status, attempts
}

func TestEnqueue_AssignsDocID(t *testing.T) {
	store := openTestStore(t)
	jobID, docID, err := Enqueue(context.Background(), store, Payload{Content: "hello"})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if docID == "" || jobID == "" {
		t.Fatalf("Enqueue returned job=%q doc=%q, want both set", jobID, docID)
	}

	job, err := store.ClaimNextJob(context.Background(), []string{JobTypeEmbedDocument})
	if err != nil || job == nil {
		t.Fatalf("ClaimNextJob = %v, %v", job, err)
	}
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if p.DocID != docID {
		t.Errorf("payload doc_id = %q, want %q", p.DocID, docID)
	}
}

func TestWorker_ProcessesJob(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "doc-1", "Hello world")

	indexer := &mockIndexer{}
	w := NewWorker(store, indexer, 0, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if !didWork {
		t.Fatal("RunOnce returned false, expected true")
	}

	indexer.mu.Lock()
	defer indexer.mu.Unlock()
	if len(indexer.indexed) != 1 {
		t.Fatalf("indexed %d documents, want 1", len(indexer.indexed))
	}
	got := indexer.indexed[0]
	if got.DocID != "doc-1" || got.Content != "Hello world" || got.Title != "Test Doc" {
		t.Errorf("indexed %+v", got)
	}
	if got.Type != string(vectordb.DocProject) {
		t.Errorf("Type = %q, want project", got.Type)
	}

	if status, _ := jobState(t, store, jobID); status != "completed" {
		t.Errorf("status = %q, want completed", status)
	}
}

func TestWorker_NoJobs(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockIndexer{}, 0, nil)

	didWork, err := w.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if didWork {
		t.Error("RunOnce returned true with an empty queue")
	}
}

func TestWorker_RetryOnFailure(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "doc-r", "retry content")

	var calls atomic.Int32
	w := NewWorker(store, &mockIndexer{
		indexFn: func(context.Context, string, string, vectordb.DocumentMeta) (vectordb.Document, error) {
			n := calls.Add(1)
			if n <= 2 {
				return vectordb.Document{}, fmt.Errorf("transient error %d", n)
			}
			return vectordb.Document{}, nil
		},
	}, 0, nil)

	ctx := context.Background()
	for attempt := 1; attempt <= 2; attempt++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", attempt, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", attempt)
		}
		status, attempts := jobState(t, store, jobID)
		if status != "pending" || attempts != attempt {
			t.Errorf("after fail %d: status=%q attempts=%d, want pending/%d", attempt, status, attempts, attempt)
		}

		// Backoff keeps the job out of reach until run_after passes.
		if didWork, _ := w.RunOnce(ctx); didWork {
			t.Fatalf("job claimable during backoff after attempt %d", attempt)
		}
		resetRunAfter(t, store, jobID)
	}

	if _, err := w.RunOnce(ctx); err != nil {
		t.Fatalf("RunOnce 3 error: %v", err)
	}
	if status, _ := jobState(t, store, jobID); status != "completed" {
		t.Errorf("after 3rd attempt: status=%q, want completed", status)
	}
}

func TestWorker_MaxRetriesExceeded(t *testing.T) {
	store := openTestStore(t)
	jobID := enqueueTestJob(t, store, "doc-m", "max retry content")

	w := NewWorker(store, &mockIndexer{
		indexFn: func(context.Context, string, string, vectordb.DocumentMeta) (vectordb.Document, error) {
			return vectordb.Document{}, fmt.Errorf("permanent error")
		},
	}, 0, nil)

	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		didWork, err := w.RunOnce(ctx)
		if err != nil {
			t.Fatalf("RunOnce %d error: %v", i, err)
		}
		if !didWork {
			t.Fatalf("RunOnce %d returned false", i)
		}
		if i < 3 {
			resetRunAfter(t, store, jobID)
		}
	}

	if status, _ := jobState(t, store, jobID); status != "failed" {
		t.Errorf("final status = %q, want failed", status)
	}
}

func TestWorker_BadPayloadFails(t *testing.T) {
	store := openTestStore(t)
	job := storage.Job{ID: "bad", Type: JobTypeEmbedDocument, PayloadJSON: "{not json", MaxAttempts: 1}
	if err := store.EnqueueJob(context.Background(), job); err != nil {
		t.Fatalf("EnqueueJob: %v", err)
	}

	w := NewWorker(store, &mockIndexer{}, 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}
	if status, _ := jobState(t, store, "bad"); status != "failed" {
		t.Errorf("status = %q, want failed", status)
	}
}

func TestWorker_IndexesIntoVectorStore(t *testing.T) {
	store := openTestStore(t)
	vectors := vectordb.New(kv.NewSQLite(store.DB()))
	if err := vectors.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	indexer := rag.NewIndexer(vectors, embedding.NewHashEmbedder(64), nil)

	enqueueTestJob(t, store, "notes", "Weekly review is on Monday. Bring the metrics deck.")

	w := NewWorker(store, indexer, 0, nil)
	if _, err := w.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce error: %v", err)
	}

	doc, err := vectors.GetDocument(context.Background(), "notes")
	if err != nil {
		t.Fatalf("GetDocument: %v", err)
	}
	if doc.Title != "Test Doc" {
		t.Errorf("Title = %q, want %q", doc.Title, "Test Doc")
	}
	recs, err := vectors.Embeddings(context.Background(), "notes")
	if err != nil {
		t.Fatalf("Embeddings: %v", err)
	}
	if len(recs) != len(doc.Chunks) {
		t.Errorf("got %d embeddings for %d chunks", len(recs), len(doc.Chunks))
	}
}

func TestWorker_RunStopsOnCancel(t *testing.T) {
	store := openTestStore(t)
	w := NewWorker(store, &mockIndexer{}, 10*time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestWorker_CancelMidJobRecordsOutcome(t *testing.T) {
	tests := []struct {
		name       string
		fail       bool
		wantStatus string
	}{
		{"failed job is released for retry", true, "pending"},
		{"finished job is completed", false, "completed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := openTestStore(t)
			jobID := enqueueTestJob(t, store, "doc-c", "cancelled content")

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			w := NewWorker(store, &mockIndexer{
				indexFn: func(ctx context.Context, _, _ string, _ vectordb.DocumentMeta) (vectordb.Document, error) {
					cancel()
					if tt.fail {
						return vectordb.Document{}, ctx.Err()
					}
					return vectordb.Document{}, nil
				},
			}, 0, nil)

			didWork, err := w.RunOnce(ctx)
			if err != nil || !didWork {
				t.Fatalf("RunOnce = %v, %v", didWork, err)
			}
			if status, attempts := jobState(t, store, jobID); status != tt.wantStatus {
				t.Errorf("status=%q attempts=%d, want %s", status, attempts, tt.wantStatus)
			}
		})
	}
}
