package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/deemkeen/reelfed/domain"
	"github.com/google/uuid"
)

const (
	sqlDeliveryColumns = `id, activity_id, inbox_url, status, attempts, last_attempt_at, next_retry_at, error_message, created_at`

	sqlInsertDelivery = `INSERT OR IGNORE INTO delivery_records(` + sqlDeliveryColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectDue      = `SELECT ` + sqlDeliveryColumns + ` FROM delivery_records
		WHERE status = 'pending' AND next_retry_at IS NOT NULL AND next_retry_at <= ?
		ORDER BY next_retry_at ASC LIMIT ?`
	sqlSelectDeliveriesByActivity = `SELECT ` + sqlDeliveryColumns + ` FROM delivery_records WHERE activity_id = ? ORDER BY inbox_url`
	sqlSelectDeliveryById         = `SELECT ` + sqlDeliveryColumns + ` FROM delivery_records WHERE id = ?`
	sqlUpdateDelivery             = `UPDATE delivery_records SET status = ?, attempts = ?, last_attempt_at = ?, next_retry_at = ?, error_message = ? WHERE id = ?`
	sqlDeliveryStats              = `SELECT status, COUNT(*) FROM delivery_records WHERE activity_id = ? GROUP BY status`
)

// InsertDelivery adds a pending record. A record for the same activity and
// inbox already present is left alone and reported as not inserted.
func (c conn) InsertDelivery(ctx context.Context, r *domain.DeliveryRecord) (bool, error) {
	if r.Id == uuid.Nil {
		r.Id = uuid.New()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if r.Status == "" {
		r.Status = domain.DeliveryPending
	}
	res, err := c.q.ExecContext(ctx, sqlInsertDelivery,
		r.Id.String(),
		r.ActivityId.String(),
		r.InboxURL,
		string(r.Status),
		r.Attempts,
		nullTime(r.LastAttemptAt),
		millis(r.NextRetryAt),
		r.ErrorMessage,
		r.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("insert delivery to %s: %w", r.InboxURL, mapError(err))
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ReadDueDeliveries returns pending records whose retry time has come, oldest first.
func (c conn) ReadDueDeliveries(ctx context.Context, now time.Time, limit int) ([]domain.DeliveryRecord, error) {
	return c.queryDeliveries(ctx, sqlSelectDue, now.UnixMilli(), limit)
}

func (c conn) ReadDeliveriesByActivity(ctx context.Context, activityId uuid.UUID) ([]domain.DeliveryRecord, error) {
	return c.queryDeliveries(ctx, sqlSelectDeliveriesByActivity, activityId.String())
}

func (c conn) ReadDelivery(ctx context.Context, id uuid.UUID) (*domain.DeliveryRecord, error) {
	return scanDelivery(c.q.QueryRowContext(ctx, sqlSelectDeliveryById, id.String()))
}

func (c conn) UpdateDelivery(ctx context.Context, r *domain.DeliveryRecord) error {
	_, err := c.q.ExecContext(ctx, sqlUpdateDelivery,
		string(r.Status),
		r.Attempts,
		nullTime(r.LastAttemptAt),
		millis(r.NextRetryAt),
		r.ErrorMessage,
		r.Id.String(),
	)
	if err != nil {
		return fmt.Errorf("update delivery %s: %w", r.Id, err)
	}
	return nil
}

func (c conn) DeliveryStats(ctx context.Context, activityId uuid.UUID) (domain.DeliveryStats, error) {
	var stats domain.DeliveryStats
	rows, err := c.q.QueryContext(ctx, sqlDeliveryStats, activityId.String())
	if err != nil {
		return stats, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return stats, err
		}
		switch domain.DeliveryStatus(status) {
		case domain.DeliveryPending:
			stats.Pending = n
		case domain.DeliveryDelivered:
			stats.Delivered = n
		case domain.DeliveryFailed:
			stats.Failed = n
		}
		stats.Total += n
	}
	return stats, rows.Err()
}

func (c conn) queryDeliveries(ctx context.Context, query string, args ...any) ([]domain.DeliveryRecord, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []domain.DeliveryRecord
	for rows.Next() {
		r, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *r)
	}
	return records, rows.Err()
}

func scanDelivery(row scanner) (*domain.DeliveryRecord, error) {
	var r domain.DeliveryRecord
	var status string
	var lastAttempt sql.NullTime
	var nextRetry sql.NullInt64
	var errMsg sql.NullString
	err := row.Scan(
		&r.Id,
		&r.ActivityId,
		&r.InboxURL,
		&status,
		&r.Attempts,
		&lastAttempt,
		&nextRetry,
		&errMsg,
		&r.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	r.Status = domain.DeliveryStatus(status)
	r.LastAttemptAt = timePtr(lastAttempt)
	r.NextRetryAt = fromMillis(nextRetry)
	r.ErrorMessage = errMsg.String
	return &r, nil
}
