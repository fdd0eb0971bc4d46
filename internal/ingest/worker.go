// Package ingest turns sent replies into style exemplars in the background.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/replydesk/internal/storage"
)

// JobTypeEmbedExemplar is the queue type for exemplar embedding jobs.
const JobTypeEmbedExemplar = "embed_exemplar"

// JobStore abstracts the job queue operations.
type JobStore interface {
	ClaimNextJob(types []string) (*storage.Job, error)
	CompleteJob(id string) error
	FailJob(id string, errMsg string) error
}

// JobEnqueuer is the write side of the queue.
type JobEnqueuer interface {
	EnqueueJob(job storage.Job) error
}

// ContentEmbedder generates embeddings for text.
type ContentEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ExemplarIndexer stores exemplars and their vectors.
type ExemplarIndexer interface {
	Index(ctx context.Context, ex storage.Exemplar, vector []float32) (string, error)
}

// ExemplarPayload is the JSON payload of an embed_exemplar job.
type ExemplarPayload struct {
	MessageID string    `json:"message_id"`
	ThreadID  string    `json:"thread_id"`
	Body      string    `json:"body"`
	IsReply   bool      `json:"is_reply"`
	SentAt    time.Time `json:"sent_at"`
}

// EnqueueExemplar schedules msg to become a style exemplar.
func EnqueueExemplar(q JobEnqueuer, msg storage.Message, isReply bool) error {
	payload, err := json.Marshal(ExemplarPayload{
		MessageID: msg.ID,
		ThreadID:  msg.ThreadID,
		Body:      msg.Body,
		IsReply:   isReply,
		SentAt:    msg.SentAt,
	})
	if err != nil {
		return fmt.Errorf("marshalling exemplar payload: %w", err)
	}
	return q.EnqueueJob(storage.Job{
		ID:          uuid.New().String(),
		Type:        JobTypeEmbedExemplar,
		PayloadJSON: string(payload),
	})
}

// Worker processes embed_exemplar jobs from the SQLite job queue.
type Worker struct {
	store    JobStore
	embedder ContentEmbedder
	index    ExemplarIndexer
	poll     time.Duration
	logger   *slog.Logger
}

// NewWorker creates a Worker with the given dependencies.
// If pollInterval is <= 0, it defaults to 500ms.
func NewWorker(store JobStore, embedder ContentEmbedder, index ExemplarIndexer, pollInterval time.Duration) *Worker {
	if pollInterval <= 0 {
		pollInterval = 500 * time.Millisecond
	}
	return &Worker{
		store:    store,
		embedder: embedder,
		index:    index,
		poll:     pollInterval,
		logger:   slog.Default(),
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

// RunOnce claims and processes a single embed_exemplar job.
// Returns true if a job was processed (regardless of success/failure).
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	job, err := w.store.ClaimNextJob([]string{JobTypeEmbedExemplar})
	if err != nil {
		return false, fmt.Errorf("claiming job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	if err := w.processJob(ctx, job); err != nil {
		w.logger.Warn("job failed", "job_id", job.ID, "error", err)
		if failErr := w.store.FailJob(job.ID, err.Error()); failErr != nil {
			w.logger.Error("failed to mark job as failed", "job_id", job.ID, "error", failErr)
		}
		return true, nil
	}

	if err := w.store.CompleteJob(job.ID); err != nil {
		return true, fmt.Errorf("completing job %s: %w", job.ID, err)
	}
	return true, nil
}

// processJob records the exemplar before embedding it, so the message is
// available as an unvectorized fallback even while the embedder is down.
func (w *Worker) processJob(ctx context.Context, job *storage.Job) error {
	var payload ExemplarPayload
	if err := json.Unmarshal([]byte(job.PayloadJSON), &payload); err != nil {
		return fmt.Errorf("parsing payload: %w", err)
	}
	if payload.MessageID == "" {
		return fmt.Errorf("payload has no message_id")
	}

	ex := storage.Exemplar{
		MessageID: payload.MessageID,
		ThreadID:  payload.ThreadID,
		Body:      payload.Body,
		IsReply:   payload.IsReply,
		CreatedAt: payload.SentAt,
	}
	if _, err := w.index.Index(ctx, ex, nil); err != nil {
		return fmt.Errorf("recording exemplar: %w", err)
	}

	vec, err := w.embedder.Embed(ctx, payload.Body)
	if err != nil {
		return fmt.Errorf("embedding exemplar: %w", err)
	}

	if _, err := w.index.Index(ctx, ex, vec); err != nil {
		return fmt.Errorf("indexing exemplar vector: %w", err)
	}
	return nil
}
