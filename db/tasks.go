package db

import (
	"context"
	"fmt"
	"time"

	"github.com/deemkeen/reelfed/domain"
	"github.com/google/uuid"
)

const (
	sqlInsertTask             = `INSERT INTO tasks(id, kind, payload, status, created_at) VALUES (?, ?, ?, ?, ?)`
	sqlSelectPendingTasks     = `SELECT id, kind, payload, status, created_at FROM tasks WHERE status = 'pending' ORDER BY rowid LIMIT ?`
	sqlSelectPendingTasksKind = `SELECT id, kind, payload, status, created_at FROM tasks WHERE status = 'pending' AND kind = ? ORDER BY rowid LIMIT ?`
	sqlMarkTaskDone           = `UPDATE tasks SET status = 'done' WHERE id = ?`
)

func (c conn) InsertTask(ctx context.Context, t *domain.Task) error {
	if t.Id == uuid.Nil {
		t.Id = uuid.New()
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.Status == "" {
		t.Status = domain.TaskPending
	}
	_, err := c.q.ExecContext(ctx, sqlInsertTask, t.Id.String(), t.Kind, t.Payload, string(t.Status), t.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.Kind, err)
	}
	return nil
}

// ReadPendingTasks lists pending tasks in insertion order; an empty kind matches all.
func (c conn) ReadPendingTasks(ctx context.Context, kind string, limit int) ([]domain.Task, error) {
	query, args := sqlSelectPendingTasks, []any{limit}
	if kind != "" {
		query, args = sqlSelectPendingTasksKind, []any{kind, limit}
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		var t domain.Task
		var status string
		if err := rows.Scan(&t.Id, &t.Kind, &t.Payload, &status, &t.CreatedAt); err != nil {
			return nil, err
		}
		t.Status = domain.TaskStatus(status)
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (c conn) MarkTaskDone(ctx context.Context, id uuid.UUID) error {
	res, err := c.q.ExecContext(ctx, sqlMarkTaskDone, id.String())
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
