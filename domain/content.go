package domain

import (
	"time"

	"github.com/google/uuid"
)

type VideoStatus string

const (
	VideoProcessing VideoStatus = "processing"
	VideoReady      VideoStatus = "ready"
	VideoFailed     VideoStatus = "failed"
	VideoRejected   VideoStatus = "rejected"
)

// Resolution is one transcoded rendition a video can advertise.
type Resolution struct {
	Name   string
	Width  int
	Height int
}

// Resolutions in the order they are advertised as attachments.
var Resolutions = []Resolution{
	{"360p", 640, 360},
	{"480p", 854, 480},
	{"720p", 1280, 720},
	{"1080p", 1920, 1080},
}

const (
	MaxTitleLen       = 200
	MaxDescriptionLen = 2000
	MaxCommentLen     = 2000
	MaxTags           = 10
)

type Video struct {
	Id              uuid.UUID
	OwnerUser       string
	Title           string
	Description     string
	Tags            []string
	DurationSec     int
	Status          VideoStatus
	OriginalPath    string
	ResolutionPaths map[string]string // name -> path
	ThumbnailSmall  string
	ThumbnailMedium string
	ThumbnailLarge  string
	Federated       bool
	OriginInstance  string
	OriginActor     string
	ExternalId      string
	ViewCount       int
	LikeCount       int
	CommentCount    int
	ShareCount      int
	EngagementScore float64
	CreatedAt       time.Time
}

// RecomputeEngagement sets EngagementScore to 2*likes + 3*comments + 4*shares + 0.1*views.
func (v *Video) RecomputeEngagement() {
	v.EngagementScore = EngagementScore(v.LikeCount, v.CommentCount, v.ShareCount, v.ViewCount)
}

func EngagementScore(likes, comments, shares, views int) float64 {
	return float64(20*likes+30*comments+40*shares+views) / 10
}

// Files returns every on-disk path belonging to the video.
func (v *Video) Files() []string {
	var files []string
	add := func(p string) {
		if p != "" {
			files = append(files, p)
		}
	}
	add(v.OriginalPath)
	for _, r := range Resolutions {
		add(v.ResolutionPaths[r.Name])
	}
	add(v.ThumbnailSmall)
	add(v.ThumbnailMedium)
	add(v.ThumbnailLarge)
	return files
}

type Comment struct {
	Id         uuid.UUID
	VideoId    uuid.UUID
	OwnerUser  string
	Content    string
	Federated  bool
	ExternalId string
	CreatedAt  time.Time
}

type TaskStatus string

const (
	TaskPending TaskStatus = "pending"
	TaskDone    TaskStatus = "done"
)

const (
	TaskTranscodeVideo  = "transcode_video"
	TaskDeleteEmbedding = "delete_embedding"
)

// Task is a unit of work handed to an external worker.
type Task struct {
	Id        uuid.UUID
	Kind      string
	Payload   string
	Status    TaskStatus
	CreatedAt time.Time
}
