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
	sqlActivityColumns = `id, activity_uri, activity_type, actor_uri, object_uri, object_type, raw_json, local, owner_user, created_at`

	sqlInsertActivity          = `INSERT INTO activities(` + sqlActivityColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectActivityByURI     = `SELECT ` + sqlActivityColumns + ` FROM activities WHERE activity_uri = ?`
	sqlSelectActivityById      = `SELECT ` + sqlActivityColumns + ` FROM activities WHERE id = ?`
	sqlCountActivityByURI      = `SELECT COUNT(*) FROM activities WHERE activity_uri = ?`
	sqlSelectLocalActivities   = `SELECT ` + sqlActivityColumns + ` FROM activities WHERE local = 1 AND owner_user = ? ORDER BY rowid DESC LIMIT ? OFFSET ?`
	sqlCountLocalActivities    = `SELECT COUNT(*) FROM activities WHERE local = 1 AND owner_user = ?`
	sqlSelectActivitiesByActor = `SELECT ` + sqlActivityColumns + ` FROM activities WHERE actor_uri = ? ORDER BY rowid DESC LIMIT ?`
)

// InsertActivity stores a new activity. A second insert with the same
// activity URI fails with ErrDuplicate.
func (c conn) InsertActivity(ctx context.Context, a *domain.Activity) error {
	if a.Id == uuid.Nil {
		a.Id = uuid.New()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx, sqlInsertActivity,
		a.Id.String(),
		a.ActivityURI,
		string(a.Kind),
		a.ActorURI,
		a.ObjectURI,
		a.ObjectKind,
		a.RawJSON,
		a.Local,
		a.OwnerUser,
		a.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert activity %s: %w", a.ActivityURI, mapError(err))
	}
	return nil
}

func (c conn) ActivityExists(ctx context.Context, uri string) (bool, error) {
	var n int
	if err := c.q.QueryRowContext(ctx, sqlCountActivityByURI, uri).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c conn) ReadActivityByURI(ctx context.Context, uri string) (*domain.Activity, error) {
	return scanActivity(c.q.QueryRowContext(ctx, sqlSelectActivityByURI, uri))
}

func (c conn) ReadActivityById(ctx context.Context, id uuid.UUID) (*domain.Activity, error) {
	return scanActivity(c.q.QueryRowContext(ctx, sqlSelectActivityById, id.String()))
}

// ReadLocalActivities pages through the activities published by owner, newest first.
func (c conn) ReadLocalActivities(ctx context.Context, owner string, limit, offset int) ([]domain.Activity, error) {
	return c.queryActivities(ctx, sqlSelectLocalActivities, owner, limit, offset)
}

func (c conn) CountLocalActivities(ctx context.Context, owner string) (int, error) {
	var n int
	err := c.q.QueryRowContext(ctx, sqlCountLocalActivities, owner).Scan(&n)
	return n, err
}

func (c conn) ReadActivitiesByActor(ctx context.Context, actor string, limit int) ([]domain.Activity, error) {
	return c.queryActivities(ctx, sqlSelectActivitiesByActor, actor, limit)
}

func (c conn) queryActivities(ctx context.Context, query string, args ...any) ([]domain.Activity, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var activities []domain.Activity
	for rows.Next() {
		a, err := scanActivity(rows)
		if err != nil {
			return nil, err
		}
		activities = append(activities, *a)
	}
	return activities, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActivity(row scanner) (*domain.Activity, error) {
	var a domain.Activity
	var kind string
	var objectURI, objectType, owner sql.NullString
	err := row.Scan(
		&a.Id,
		&a.ActivityURI,
		&kind,
		&a.ActorURI,
		&objectURI,
		&objectType,
		&a.RawJSON,
		&a.Local,
		&owner,
		&a.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	a.Kind = domain.ActivityKind(kind)
	a.ObjectURI = objectURI.String
	a.ObjectKind = objectType.String
	a.OwnerUser = owner.String
	return &a, nil
}
