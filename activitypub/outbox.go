package activitypub

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"go.uber.org/zap"
)

// FanOut returns the distinct inboxes of owner's remote followers.
func (m *DeliveryManager) FanOut(ctx context.Context, owner string) ([]string, error) {
	return m.db.ReadRemoteInboxes(ctx, owner)
}

// Publish records a local activity and queues it for every remote follower of owner.
func (m *DeliveryManager) Publish(ctx context.Context, envelope map[string]any, owner string) (*domain.Activity, error) {
	inboxes, err := m.FanOut(ctx, owner)
	if err != nil {
		return nil, fmt.Errorf("fan out for %s: %w", owner, err)
	}
	return m.PublishTo(ctx, envelope, owner, inboxes)
}

// PublishTo records a local activity and queues it for the given inboxes.
// Delivery itself happens later in the worker.
func (m *DeliveryManager) PublishTo(ctx context.Context, envelope map[string]any, owner string, inboxes []string) (*domain.Activity, error) {
	raw, err := Canonicalize(envelope)
	if err != nil {
		return nil, err
	}
	kind, err := domain.ParseActivityKind(stringField(envelope, "type"))
	if err != nil {
		return nil, fmt.Errorf("publish: %w", err)
	}

	activity := &domain.Activity{
		ActivityURI: stringField(envelope, "id"),
		Kind:        kind,
		ActorURI:    stringField(envelope, "actor"),
		ObjectURI:   objectId(envelope["object"]),
		ObjectKind:  objectType(envelope["object"]),
		RawJSON:     string(raw),
		Local:       true,
		OwnerUser:   owner,
	}
	if activity.ActivityURI == "" {
		return nil, fmt.Errorf("publish: envelope has no id")
	}

	now := m.now().UTC()
	queued := 0
	err = m.db.WithTx(ctx, func(tx *db.Tx) error {
		queued = 0
		if err := tx.InsertActivity(ctx, activity); err != nil {
			return err
		}
		seen := make(map[string]bool, len(inboxes))
		for _, inbox := range inboxes {
			if inbox == "" || seen[inbox] {
				continue
			}
			seen[inbox] = true
			next := now
			inserted, err := tx.InsertDelivery(ctx, &domain.DeliveryRecord{
				ActivityId:  activity.Id,
				InboxURL:    inbox,
				Status:      domain.DeliveryPending,
				NextRetryAt: &next,
				CreatedAt:   now,
			})
			if err != nil {
				return err
			}
			if inserted {
				queued++
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("publish %s: %w", activity.ActivityURI, err)
	}

	m.log.Info("Outbox: queued activity",
		zap.String("type", string(kind)), zap.String("id", activity.ActivityURI), zap.Int("inboxes", queued))
	return activity, nil
}

const PublicCollection = "https://www.w3.org/ns/activitystreams#Public"

var ErrNotPublishable = errors.New("video cannot be published")

// PublishVideo announces a finished local video to its owner's followers
// as a Create attributed to actor.
func (m *DeliveryManager) PublishVideo(ctx context.Context, v *domain.Video, actor string) (*domain.Activity, error) {
	if v.Federated {
		return nil, fmt.Errorf("%w: %s is a federated copy", ErrNotPublishable, v.Id)
	}
	if v.Status != domain.VideoReady {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPublishable, v.Id, v.Status)
	}

	obj := m.codec.CanonicalObject(v, actor)
	followers := m.codec.UserURI(v.OwnerUser) + "/followers"
	obj["to"] = []any{PublicCollection}
	obj["cc"] = []any{followers}

	env := m.codec.Build(domain.KindCreate, actor, obj, map[string]any{
		"to": []any{PublicCollection},
		"cc": []any{followers},
	})
	return m.Publish(ctx, env, v.OwnerUser)
}

// DeliverNow sweeps immediately, used by the CLI and tests.
func (m *DeliveryManager) DeliverNow(ctx context.Context, timeout time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return m.Sweep(ctx)
}

func objectType(v any) string {
	if o, ok := v.(map[string]any); ok {
		return stringField(o, "type")
	}
	return ""
}
