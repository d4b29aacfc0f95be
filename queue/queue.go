// Package queue hands work to out-of-process workers through the tasks table.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/deemkeen/reelfed/domain"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Store is the persistence the queue needs; *db.DB implements it.
type Store interface {
	InsertTask(ctx context.Context, t *domain.Task) error
	ReadPendingTasks(ctx context.Context, kind string, limit int) ([]domain.Task, error)
	MarkTaskDone(ctx context.Context, id uuid.UUID) error
}

type Queue struct {
	store Store
	log   *zap.Logger
}

func New(store Store, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Queue{store: store, log: logger}
}

// Enqueue stores a pending task whose payload is the JSON encoding of payload.
func (q *Queue) Enqueue(ctx context.Context, kind string, payload any) error {
	if kind == "" {
		return fmt.Errorf("task kind is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", kind, err)
	}

	t := &domain.Task{Kind: kind, Payload: string(body)}
	if err := q.store.InsertTask(ctx, t); err != nil {
		return err
	}
	q.log.Info("Queue: task enqueued", zap.String("kind", kind), zap.Stringer("id", t.Id))
	return nil
}

func (q *Queue) Pending(ctx context.Context, kind string, limit int) ([]domain.Task, error) {
	return q.store.ReadPendingTasks(ctx, kind, limit)
}

func (q *Queue) Ack(ctx context.Context, id uuid.UUID) error {
	if err := q.store.MarkTaskDone(ctx, id); err != nil {
		return fmt.Errorf("ack task %s: %w", id, err)
	}
	return nil
}

// TranscodePayload is the payload of a transcode_video task.
type TranscodePayload struct {
	VideoId      string `json:"video_id"`
	OriginalPath string `json:"original_path"`
}

type deleteEmbeddingPayload struct {
	VideoId string `json:"video_id"`
}

// EmbeddingIndex deletes vector index entries by queueing the work for the
// embedding worker.
type EmbeddingIndex struct {
	q *Queue
}

func NewEmbeddingIndex(q *Queue) *EmbeddingIndex {
	return &EmbeddingIndex{q: q}
}

func (e *EmbeddingIndex) Delete(ctx context.Context, videoId uuid.UUID) error {
	return e.q.Enqueue(ctx, domain.TaskDeleteEmbedding, deleteEmbeddingPayload{VideoId: videoId.String()})
}
