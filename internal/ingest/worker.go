// Package ingest drains the background job queue, indexing documents into
// the embedding store, and extracts plain text from uploaded files.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/branestawm/branestawm/internal/storage"
	"github.com/branestawm/branestawm/internal/vectordb"
)

// JobTypeEmbedDocument is the queue type of document indexing jobs.
const JobTypeEmbedDocument = "embed_document"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(ctx context.Context, types []string) (*storage.Job, error)
	CompleteJob(ctx context.Context, id string) error
	FailJob(ctx context.Context, id string, errMsg string) error
}

// JobEnqueuer adds jobs to the queue.
type JobEnqueuer interface {
	EnqueueJob(ctx context.Context, job storage.Job) error
}

// Indexer stores a document and embeds its chunks.
type Indexer interface {
	Index(ctx context.Context, id, content string, meta vectordb.DocumentMeta) (vectordb.Document, error)
}

// Payload is the body of an embed_document job.
type Payload struct {
	DocID    string            `json:"doc_id"`
	Content  string            `json:"content"`
	Title    string            `json:"title,omitempty"`
	Type     string            `json:"type,omitempty"`
	Source   string            `json:"source,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Enqueue queues p for background indexing, assigning a document id when
// p has none. It returns the job id and the document id.
func Enqueue(ctx context.Context, q JobEnqueuer, p Payload) (jobID, docID string, err error) {
	if p.DocID == "" {
		p.DocID = uuid.NewString()
	}
	body, err := json.Marshal(p)
	if err != nil {
		return "", "", fmt.Errorf("encoding payload: %w", err)
	}
	job := storage.Job{
		ID:          uuid.NewString(),
		Type:        JobTypeEmbedDocument,
		PayloadJSON: string(body),
	}
	if err := q.EnqueueJob(ctx, job); err != nil {
		return "", "", fmt.Errorf("enqueueing job: %w", err)
	}
	return job.ID, p.DocID, nil
}

// Worker processes embed_document jobs from the SQLite job queue.
type Worker struct {
	store   JobStore
	indexer Indexer
	poll    time.Duration
	logger  *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, indexer Indexer, pollInterval time.Duration, logger *slog.Logger) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:   store,
		indexer: indexer,
		poll:    pollInterval,
		logger:  logger,
	}
}

// Run polls for jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}

		done, err := w.RunOnce(ctx)
		if err != nil {
			w.logger.Error("worker iteration failed", "error", err)
		}
		if done {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(w.poll):
		}
	}
}

// RunOnce claims and processes a single embed_document job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob(ctx, []string{JobTypeEmbedDocument})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	// The outcome is recorded even when ctx ends mid-job; a claimed job
	// must not stay running.
	stopCtx := context.WithoutCancel(ctx)
	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "attempt", job.Attempts+1, "error", err)
		if failErr := w.store.FailJob(stopCtx, job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(stopCtx, job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var p Payload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &p); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}

	meta := vectordb.DocumentMeta{
		Title:    p.Title,
		Type:     vectordb.ParseDocType(p.Type),
		Source:   p.Source,
		Metadata: p.Metadata,
	}
	doc, err := w.indexer.Index(ctx, p.DocID, p.Content, meta)
	if err != nil {
		return fmt.Errorf("indexing document %s: %w", p.DocID, err)
	}

	w.logger.Info("document indexed", "job_id", job.ID, "doc_id", doc.ID, "chunks", len(doc.Chunks))
	return nil
}
