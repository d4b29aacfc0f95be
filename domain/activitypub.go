package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ActivityKind is the closed set of activity types the federation core handles.
type ActivityKind string

const (
	KindCreate   ActivityKind = "Create"
	KindLike     ActivityKind = "Like"
	KindAnnounce ActivityKind = "Announce"
	KindDelete   ActivityKind = "Delete"
	KindMove     ActivityKind = "Move"
	KindFollow   ActivityKind = "Follow"
	KindAccept   ActivityKind = "Accept"
	KindReject   ActivityKind = "Reject"
)

var activityKinds = []ActivityKind{
	KindCreate, KindLike, KindAnnounce, KindDelete,
	KindMove, KindFollow, KindAccept, KindReject,
}

// ActivityKinds returns every supported kind in a stable order.
func ActivityKinds() []ActivityKind {
	out := make([]ActivityKind, len(activityKinds))
	copy(out, activityKinds)
	return out
}

func ParseActivityKind(s string) (ActivityKind, error) {
	for _, k := range activityKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unsupported activity type %q", s)
}

func (k ActivityKind) String() string { return string(k) }

// RequiresObject reports whether an envelope of this type must carry an object.
// Update is not a supported kind but the rule still applies when validating.
func RequiresObject(typ string) bool {
	switch typ {
	case "Create", "Update", "Delete", "Follow":
		return true
	}
	return false
}

// Activity is the append-only record of every activity seen or produced.
type Activity struct {
	Id          uuid.UUID
	ActivityURI string
	Kind        ActivityKind
	ActorURI    string
	ObjectURI   string
	ObjectKind  string
	RawJSON     string
	Local       bool   // true if originated from this server
	OwnerUser   string // local activities only
	CreatedAt   time.Time
}

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// DeliveryRecord tracks one activity to one remote inbox.
type DeliveryRecord struct {
	Id            uuid.UUID
	ActivityId    uuid.UUID
	InboxURL      string
	Status        DeliveryStatus
	Attempts      int
	LastAttemptAt *time.Time
	NextRetryAt   *time.Time // nil once delivered or failed
	ErrorMessage  string
	CreatedAt     time.Time
}

// DeliveryStats aggregates record states for one activity.
type DeliveryStats struct {
	Total     int `json:"total"`
	Delivered int `json:"delivered"`
	Pending   int `json:"pending"`
	Failed    int `json:"failed"`
}

// Follower is a remote or local actor following a local user.
type Follower struct {
	Id            uuid.UUID
	OwnerUser     string
	FollowerActor string
	FollowerInbox string
	IsLocal       bool
	CreatedAt     time.Time
}

// RemoteActor is a cached actor document of another server.
type RemoteActor struct {
	ActorURI          string
	InboxURI          string
	PublicKeyPem      string
	PreferredUsername string
	LastFetchedAt     time.Time
}

// RemoteActorTTL bounds how long a cached actor is trusted.
const RemoteActorTTL = 24 * time.Hour

func (r *RemoteActor) Stale(now time.Time) bool {
	return now.Sub(r.LastFetchedAt) > RemoteActorTTL
}
