package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

const (
	sqlCreateActivitiesTable = `CREATE TABLE IF NOT EXISTS activities (
		id TEXT NOT NULL PRIMARY KEY,
		activity_uri TEXT UNIQUE NOT NULL,
		activity_type TEXT NOT NULL,
		actor_uri TEXT NOT NULL,
		object_uri TEXT,
		object_type TEXT,
		raw_json TEXT NOT NULL,
		local INTEGER DEFAULT 0,
		owner_user TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateActivitiesIndices = `
		CREATE INDEX IF NOT EXISTS idx_activities_type ON activities(activity_type);
		CREATE INDEX IF NOT EXISTS idx_activities_owner ON activities(owner_user, local);
	`

	sqlCreateDeliveryRecordsTable = `CREATE TABLE IF NOT EXISTS delivery_records (
		id TEXT NOT NULL PRIMARY KEY,
		activity_id TEXT NOT NULL REFERENCES activities(id) ON DELETE CASCADE,
		inbox_url TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		last_attempt_at TIMESTAMP,
		next_retry_at INTEGER,
		error_message TEXT,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(activity_id, inbox_url)
	)`

	sqlCreateDeliveryRecordsIndices = `
		CREATE INDEX IF NOT EXISTS idx_delivery_due ON delivery_records(status, next_retry_at);
		CREATE INDEX IF NOT EXISTS idx_delivery_activity ON delivery_records(activity_id);
	`

	sqlCreateFollowersTable = `CREATE TABLE IF NOT EXISTS followers (
		id TEXT NOT NULL PRIMARY KEY,
		owner_user TEXT NOT NULL,
		follower_actor TEXT NOT NULL,
		follower_inbox TEXT,
		is_local INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		UNIQUE(owner_user, follower_actor)
	)`

	sqlCreateFollowersIndices = `
		CREATE INDEX IF NOT EXISTS idx_followers_actor ON followers(follower_actor);
	`

	sqlCreateKeyMaterialTable = `CREATE TABLE IF NOT EXISTS key_material (
		id TEXT NOT NULL PRIMARY KEY,
		owner_user TEXT UNIQUE NOT NULL,
		identifier TEXT UNIQUE NOT NULL,
		public_key_pem TEXT NOT NULL,
		encrypted_private_key TEXT NOT NULL,
		current_instance_url TEXT NOT NULL,
		previous_instance_url TEXT,
		migration_status TEXT NOT NULL DEFAULT 'none',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateRemoteActorsTable = `CREATE TABLE IF NOT EXISTS remote_actors (
		actor_uri TEXT NOT NULL PRIMARY KEY,
		inbox_uri TEXT NOT NULL,
		public_key_pem TEXT NOT NULL,
		preferred_username TEXT,
		last_fetched_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateVideosTable = `CREATE TABLE IF NOT EXISTS videos (
		id TEXT NOT NULL PRIMARY KEY,
		owner_user TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT,
		tags TEXT,
		duration_sec INTEGER DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'processing',
		original_path TEXT,
		resolutions TEXT,
		thumbnail_small TEXT,
		thumbnail_medium TEXT,
		thumbnail_large TEXT,
		federated INTEGER DEFAULT 0,
		origin_instance TEXT,
		origin_actor TEXT,
		external_id TEXT UNIQUE,
		view_count INTEGER DEFAULT 0,
		like_count INTEGER DEFAULT 0,
		comment_count INTEGER DEFAULT 0,
		share_count INTEGER DEFAULT 0,
		engagement_score REAL DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateVideosIndices = `
		CREATE INDEX IF NOT EXISTS idx_videos_owner ON videos(owner_user);
	`

	sqlCreateCommentsTable = `CREATE TABLE IF NOT EXISTS comments (
		id TEXT NOT NULL PRIMARY KEY,
		video_id TEXT NOT NULL REFERENCES videos(id) ON DELETE CASCADE,
		owner_user TEXT NOT NULL,
		content TEXT NOT NULL,
		federated INTEGER DEFAULT 0,
		external_id TEXT UNIQUE,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTasksTable = `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT NOT NULL PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	)`

	sqlCreateTasksIndices = `
		CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status, kind);
	`
)

type schemaStep struct {
	name string
	sql  string
}

var schema = []schemaStep{
	{"activities", sqlCreateActivitiesTable},
	{"activities indices", sqlCreateActivitiesIndices},
	{"delivery_records", sqlCreateDeliveryRecordsTable},
	{"delivery_records indices", sqlCreateDeliveryRecordsIndices},
	{"followers", sqlCreateFollowersTable},
	{"followers indices", sqlCreateFollowersIndices},
	{"key_material", sqlCreateKeyMaterialTable},
	{"remote_actors", sqlCreateRemoteActorsTable},
	{"videos", sqlCreateVideosTable},
	{"videos indices", sqlCreateVideosIndices},
	{"comments", sqlCreateCommentsTable},
	{"tasks", sqlCreateTasksTable},
	{"tasks indices", sqlCreateTasksIndices},
}

// CreateDB creates every table and index that does not exist yet.
func (db *DB) CreateDB(ctx context.Context) error {
	return db.WithTx(ctx, func(tx *Tx) error {
		for _, step := range schema {
			if _, err := tx.q.ExecContext(ctx, step.sql); err != nil {
				return fmt.Errorf("create %s: %w", step.name, err)
			}
			db.log.Debug("Schema step applied", zap.String("step", step.name))
		}
		return nil
	})
}
