package activitypub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/util"
	"go.uber.org/zap"
)

const maxActorDocumentBytes = 1 << 20

// ErrActorMismatch marks an actor document that describes someone other
// than the actor it was fetched for.
var ErrActorMismatch = errors.New("actor document does not match")

// ActorResponse represents the JSON structure of an ActivityPub actor
type ActorResponse struct {
	Context           interface{} `json:"@context"`
	ID                string      `json:"id"`
	Type              string      `json:"type"`
	PreferredUsername string      `json:"preferredUsername"`
	Name              string      `json:"name"`
	Inbox             string      `json:"inbox"`
	Outbox            string      `json:"outbox"`
	Endpoints         struct {
		SharedInbox string `json:"sharedInbox"`
	} `json:"endpoints"`
	PublicKey struct {
		ID           string `json:"id"`
		Owner        string `json:"owner"`
		PublicKeyPem string `json:"publicKeyPem"`
	} `json:"publicKey"`
}

// ActorStore caches remote actors; *db.DB implements it.
type ActorStore interface {
	ReadRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteActor, error)
	UpsertRemoteActor(ctx context.Context, a *domain.RemoteActor) error
}

// ActorFetcher discovers remote actors and keeps them in a 24h cache.
type ActorFetcher struct {
	store  ActorStore
	client *http.Client
	log    *zap.Logger
	now    func() time.Time
}

func NewActorFetcher(store ActorStore, timeout time.Duration, logger *zap.Logger) *ActorFetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ActorFetcher{
		store:  store,
		client: &http.Client{Timeout: timeout},
		log:    logger,
		now:    time.Now,
	}
}

// Fetch retrieves the actor document and refreshes the cache.
func (f *ActorFetcher) Fetch(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	actorURI = stripFragment(actorURI)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, actorURI, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", ContentType)
	req.Header.Set("User-Agent", util.UserAgent())

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("actor fetch failed with status: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxActorDocumentBytes))
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var actor ActorResponse
	if err := json.Unmarshal(body, &actor); err != nil {
		return nil, fmt.Errorf("failed to parse actor JSON: %w", err)
	}
	if actor.ID == "" || actor.Inbox == "" || actor.PublicKey.PublicKeyPem == "" {
		return nil, fmt.Errorf("actor missing required fields")
	}

	if stripFragment(actor.ID) != actorURI {
		return nil, fmt.Errorf("%w: fetched %s, document claims %s", ErrActorMismatch, actorURI, actor.ID)
	}
	if owner := actor.PublicKey.Owner; owner != "" && stripFragment(owner) != actorURI {
		return nil, fmt.Errorf("%w: key of %s is owned by %s", ErrActorMismatch, actorURI, owner)
	}

	remote := &domain.RemoteActor{
		ActorURI:          actorURI,
		InboxURI:          actor.Inbox,
		PublicKeyPem:      actor.PublicKey.PublicKeyPem,
		PreferredUsername: actor.PreferredUsername,
		LastFetchedAt:     f.now().UTC(),
	}
	if err := f.store.UpsertRemoteActor(ctx, remote); err != nil {
		// a stale cache only costs a refetch
		f.log.Warn("Actors: failed to cache actor", zap.String("actor", actorURI), zap.Error(err))
	}
	f.log.Debug("Actors: fetched actor", zap.String("actor", actor.ID), zap.String("inbox", actor.Inbox))
	return remote, nil
}

// GetOrFetch returns the cached actor while fresh, otherwise fetches it.
// cached reports whether the result came from the cache.
func (f *ActorFetcher) GetOrFetch(ctx context.Context, actorURI string) (actor *domain.RemoteActor, cached bool, err error) {
	actorURI = stripFragment(actorURI)

	hit, err := f.store.ReadRemoteActor(ctx, actorURI)
	switch {
	case err == nil && !hit.Stale(f.now()):
		return hit, true, nil
	case err != nil && !errors.Is(err, db.ErrNotFound):
		f.log.Warn("Actors: cache lookup failed", zap.String("actor", actorURI), zap.Error(err))
	}

	actor, err = f.Fetch(ctx, actorURI)
	return actor, false, err
}

// InboxFor returns the inbox of a remote actor, or "" when it cannot be found.
func (f *ActorFetcher) InboxFor(ctx context.Context, actorURI string) string {
	if !strings.HasPrefix(actorURI, "http://") && !strings.HasPrefix(actorURI, "https://") {
		return ""
	}
	actor, _, err := f.GetOrFetch(ctx, actorURI)
	if err != nil {
		f.log.Debug("Actors: no inbox", zap.String("actor", actorURI), zap.Error(err))
		return ""
	}
	return actor.InboxURI
}

func stripFragment(uri string) string {
	if i := strings.IndexByte(uri, '#'); i >= 0 {
		return uri[:i]
	}
	return uri
}
