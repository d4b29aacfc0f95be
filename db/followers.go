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
	sqlFollowerColumns = `id, owner_user, follower_actor, follower_inbox, is_local, created_at`

	sqlUpsertFollower = `INSERT INTO followers(` + sqlFollowerColumns + `) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(owner_user, follower_actor) DO UPDATE SET follower_inbox = excluded.follower_inbox`
	sqlSelectFollowers        = `SELECT ` + sqlFollowerColumns + ` FROM followers WHERE owner_user = ? ORDER BY created_at`
	sqlSelectFollowersByActor = `SELECT ` + sqlFollowerColumns + ` FROM followers WHERE follower_actor = ?`
	sqlSelectRemoteInboxes    = `SELECT DISTINCT follower_inbox FROM followers
		WHERE owner_user = ? AND is_local = 0 AND follower_inbox IS NOT NULL AND follower_inbox != ''
		ORDER BY follower_inbox`
	sqlDeleteFollower = `DELETE FROM followers WHERE owner_user = ? AND follower_actor = ?`

	sqlMigrateFollowers        = `UPDATE OR IGNORE followers SET follower_actor = ? WHERE follower_actor = ?`
	sqlMigrateFollowersInbox   = `UPDATE followers SET follower_inbox = ? WHERE follower_actor = ?`
	sqlDeleteMigratedLeftovers = `DELETE FROM followers WHERE follower_actor = ?`
)

// UpsertFollower records a follow, refreshing the inbox of an existing one.
func (c conn) UpsertFollower(ctx context.Context, f *domain.Follower) error {
	if f.Id == uuid.Nil {
		f.Id = uuid.New()
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx, sqlUpsertFollower,
		f.Id.String(),
		f.OwnerUser,
		f.FollowerActor,
		f.FollowerInbox,
		f.IsLocal,
		f.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert follower %s: %w", f.FollowerActor, err)
	}
	return nil
}

func (c conn) DeleteFollower(ctx context.Context, owner, actor string) error {
	_, err := c.q.ExecContext(ctx, sqlDeleteFollower, owner, actor)
	return err
}

func (c conn) ReadFollowers(ctx context.Context, owner string) ([]domain.Follower, error) {
	return c.queryFollowers(ctx, sqlSelectFollowers, owner)
}

func (c conn) ReadFollowersByActor(ctx context.Context, actor string) ([]domain.Follower, error) {
	return c.queryFollowers(ctx, sqlSelectFollowersByActor, actor)
}

// ReadRemoteInboxes returns the distinct inboxes of owner's non-local followers.
func (c conn) ReadRemoteInboxes(ctx context.Context, owner string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, sqlSelectRemoteInboxes, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var inboxes []string
	for rows.Next() {
		var inbox string
		if err := rows.Scan(&inbox); err != nil {
			return nil, err
		}
		inboxes = append(inboxes, inbox)
	}
	return inboxes, rows.Err()
}

// MigrateFollowers points every follow by oldActor at newActor. A local user
// already following newActor keeps that row and the old one is dropped.
// newInbox, when set, replaces the stored inbox. Returns the rows touched.
func (c conn) MigrateFollowers(ctx context.Context, oldActor, newActor, newInbox string) (int, error) {
	if oldActor == newActor {
		return 0, nil
	}

	res, err := c.q.ExecContext(ctx, sqlMigrateFollowers, newActor, oldActor)
	if err != nil {
		return 0, fmt.Errorf("migrate followers: %w", err)
	}
	updated, _ := res.RowsAffected()

	res, err = c.q.ExecContext(ctx, sqlDeleteMigratedLeftovers, oldActor)
	if err != nil {
		return 0, fmt.Errorf("drop migrated duplicates: %w", err)
	}
	dropped, _ := res.RowsAffected()

	if newInbox != "" && updated+dropped > 0 {
		if _, err := c.q.ExecContext(ctx, sqlMigrateFollowersInbox, newInbox, newActor); err != nil {
			return 0, fmt.Errorf("refresh follower inbox: %w", err)
		}
	}

	return int(updated + dropped), nil
}

func (c conn) queryFollowers(ctx context.Context, query string, args ...any) ([]domain.Follower, error) {
	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var followers []domain.Follower
	for rows.Next() {
		var f domain.Follower
		var inbox sql.NullString
		if err := rows.Scan(&f.Id, &f.OwnerUser, &f.FollowerActor, &inbox, &f.IsLocal, &f.CreatedAt); err != nil {
			return nil, err
		}
		f.FollowerInbox = inbox.String
		followers = append(followers, f)
	}
	return followers, rows.Err()
}
