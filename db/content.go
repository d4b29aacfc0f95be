package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/deemkeen/reelfed/domain"
	"github.com/google/uuid"
)

// Counter names an engagement counter column on videos.
type Counter string

const (
	CounterViews    Counter = "view_count"
	CounterLikes    Counter = "like_count"
	CounterComments Counter = "comment_count"
	CounterShares   Counter = "share_count"
)

const (
	sqlVideoColumns = `id, owner_user, title, description, tags, duration_sec, status, original_path, resolutions,
		thumbnail_small, thumbnail_medium, thumbnail_large, federated, origin_instance, origin_actor, external_id,
		view_count, like_count, comment_count, share_count, engagement_score, created_at`

	sqlInsertVideo = `INSERT INTO videos(` + sqlVideoColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	sqlSelectVideoById         = `SELECT ` + sqlVideoColumns + ` FROM videos WHERE id = ?`
	sqlSelectVideoByExternalId = `SELECT ` + sqlVideoColumns + ` FROM videos WHERE external_id = ?`
	sqlSelectVideosByOwner     = `SELECT ` + sqlVideoColumns + ` FROM videos WHERE owner_user = ? AND federated = 0 ORDER BY rowid DESC LIMIT ?`
	sqlCountVideoByExternalId  = `SELECT COUNT(*) FROM videos WHERE external_id = ?`
	sqlDeleteVideo             = `DELETE FROM videos WHERE id = ?`
	sqlUpdateVideoStatus       = `UPDATE videos SET status = ? WHERE id = ?`
	sqlSelectVideoCounters     = `SELECT view_count, like_count, comment_count, share_count FROM videos WHERE id = ?`
	sqlUpdateEngagement        = `UPDATE videos SET engagement_score = ? WHERE id = ?`

	sqlInsertComment             = `INSERT INTO comments(id, video_id, owner_user, content, federated, external_id, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`
	sqlCountCommentByExternalId  = `SELECT COUNT(*) FROM comments WHERE external_id = ?`
	sqlSelectCommentByExternalId = `SELECT id, video_id, owner_user, content, federated, external_id, created_at FROM comments WHERE external_id = ?`
	sqlDeleteComment             = `DELETE FROM comments WHERE id = ?`
)

func (c conn) InsertVideo(ctx context.Context, v *domain.Video) error {
	if v.Id == uuid.Nil {
		v.Id = uuid.New()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}
	if v.Status == "" {
		v.Status = domain.VideoProcessing
	}
	tags, err := json.Marshal(v.Tags)
	if err != nil {
		return err
	}
	resolutions, err := json.Marshal(v.ResolutionPaths)
	if err != nil {
		return err
	}
	v.RecomputeEngagement()

	_, err = c.q.ExecContext(ctx, sqlInsertVideo,
		v.Id.String(), v.OwnerUser, v.Title, v.Description, string(tags), v.DurationSec, string(v.Status),
		v.OriginalPath, string(resolutions), v.ThumbnailSmall, v.ThumbnailMedium, v.ThumbnailLarge,
		v.Federated, v.OriginInstance, v.OriginActor, nullString(v.ExternalId),
		v.ViewCount, v.LikeCount, v.CommentCount, v.ShareCount, v.EngagementScore, v.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert video %s: %w", v.Title, mapError(err))
	}
	return nil
}

func (c conn) ReadVideoById(ctx context.Context, id uuid.UUID) (*domain.Video, error) {
	return scanVideo(c.q.QueryRowContext(ctx, sqlSelectVideoById, id.String()))
}

func (c conn) ReadVideoByExternalId(ctx context.Context, externalId string) (*domain.Video, error) {
	return scanVideo(c.q.QueryRowContext(ctx, sqlSelectVideoByExternalId, externalId))
}

func (c conn) VideoExistsByExternalId(ctx context.Context, externalId string) (bool, error) {
	var n int
	err := c.q.QueryRowContext(ctx, sqlCountVideoByExternalId, externalId).Scan(&n)
	return n > 0, err
}

// ReadLocalVideos returns owner's own (non-federated) videos, newest first.
func (c conn) ReadLocalVideos(ctx context.Context, owner string, limit int) ([]domain.Video, error) {
	rows, err := c.q.QueryContext(ctx, sqlSelectVideosByOwner, owner, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var videos []domain.Video
	for rows.Next() {
		v, err := scanVideo(rows)
		if err != nil {
			return nil, err
		}
		videos = append(videos, *v)
	}
	return videos, rows.Err()
}

func (c conn) DeleteVideo(ctx context.Context, id uuid.UUID) error {
	res, err := c.q.ExecContext(ctx, sqlDeleteVideo, id.String())
	if err != nil {
		return fmt.Errorf("delete video %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (c conn) UpdateVideoStatus(ctx context.Context, id uuid.UUID, status domain.VideoStatus) error {
	_, err := c.q.ExecContext(ctx, sqlUpdateVideoStatus, string(status), id.String())
	return err
}

// IncrementVideoCounter bumps one counter and recomputes the engagement score.
func (c conn) IncrementVideoCounter(ctx context.Context, id uuid.UUID, counter Counter) (*domain.Video, error) {
	switch counter {
	case CounterViews, CounterLikes, CounterComments, CounterShares:
	default:
		return nil, fmt.Errorf("unknown counter %q", counter)
	}

	query := `UPDATE videos SET ` + string(counter) + ` = ` + string(counter) + ` + 1 WHERE id = ?`
	res, err := c.q.ExecContext(ctx, query, id.String())
	if err != nil {
		return nil, fmt.Errorf("increment %s: %w", counter, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, ErrNotFound
	}

	v := &domain.Video{Id: id}
	err = c.q.QueryRowContext(ctx, sqlSelectVideoCounters, id.String()).Scan(&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.ShareCount)
	if err != nil {
		return nil, mapError(err)
	}
	v.RecomputeEngagement()

	if _, err := c.q.ExecContext(ctx, sqlUpdateEngagement, v.EngagementScore, id.String()); err != nil {
		return nil, fmt.Errorf("update engagement: %w", err)
	}
	return v, nil
}

func scanVideo(row scanner) (*domain.Video, error) {
	var v domain.Video
	var description, tags, originalPath, resolutions, thumbS, thumbM, thumbL sql.NullString
	var originInstance, originActor, externalId sql.NullString
	var status string
	err := row.Scan(
		&v.Id, &v.OwnerUser, &v.Title, &description, &tags, &v.DurationSec, &status,
		&originalPath, &resolutions, &thumbS, &thumbM, &thumbL,
		&v.Federated, &originInstance, &originActor, &externalId,
		&v.ViewCount, &v.LikeCount, &v.CommentCount, &v.ShareCount, &v.EngagementScore, &v.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	v.Description = description.String
	v.Status = domain.VideoStatus(status)
	v.OriginalPath = originalPath.String
	v.ThumbnailSmall = thumbS.String
	v.ThumbnailMedium = thumbM.String
	v.ThumbnailLarge = thumbL.String
	v.OriginInstance = originInstance.String
	v.OriginActor = originActor.String
	v.ExternalId = externalId.String

	if tags.Valid && tags.String != "" {
		if err := json.Unmarshal([]byte(tags.String), &v.Tags); err != nil {
			return nil, fmt.Errorf("decode tags of video %s: %w", v.Id, err)
		}
	}
	if resolutions.Valid && resolutions.String != "" {
		if err := json.Unmarshal([]byte(resolutions.String), &v.ResolutionPaths); err != nil {
			return nil, fmt.Errorf("decode resolutions of video %s: %w", v.Id, err)
		}
	}
	return &v, nil
}

func (c conn) InsertComment(ctx context.Context, cm *domain.Comment) error {
	if cm.Id == uuid.Nil {
		cm.Id = uuid.New()
	}
	if cm.CreatedAt.IsZero() {
		cm.CreatedAt = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx, sqlInsertComment,
		cm.Id.String(), cm.VideoId.String(), cm.OwnerUser, cm.Content, cm.Federated, nullString(cm.ExternalId), cm.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert comment: %w", mapError(err))
	}
	return nil
}

func (c conn) CommentExistsByExternalId(ctx context.Context, externalId string) (bool, error) {
	var n int
	err := c.q.QueryRowContext(ctx, sqlCountCommentByExternalId, externalId).Scan(&n)
	return n > 0, err
}

func (c conn) ReadCommentByExternalId(ctx context.Context, externalId string) (*domain.Comment, error) {
	var cm domain.Comment
	var ext sql.NullString
	err := c.q.QueryRowContext(ctx, sqlSelectCommentByExternalId, externalId).Scan(
		&cm.Id, &cm.VideoId, &cm.OwnerUser, &cm.Content, &cm.Federated, &ext, &cm.CreatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	cm.ExternalId = ext.String
	return &cm, nil
}

func (c conn) DeleteComment(ctx context.Context, id uuid.UUID) error {
	_, err := c.q.ExecContext(ctx, sqlDeleteComment, id.String())
	return err
}

// unique columns hold NULL rather than "" so several rows may lack a value
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
