package identity

import (
	"fmt"
	"net/url"

	"github.com/deemkeen/reelfed/activitypub"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/util"
)

// ActorDescriptor renders the Person document of a local identity.
func (k *KeyManager) ActorDescriptor(km *domain.ActorKeyMaterial) map[string]any {
	base := k.codec.UserURI(km.OwnerUser)

	doc := map[string]any{
		"@context":          []any{activitypub.ActivityStreamsContext, activitypub.SecurityContext},
		"id":                km.Identifier,
		"type":              "Person",
		"preferredUsername": km.OwnerUser,
		"url":               base,
		"inbox":             base + "/inbox",
		"outbox":            base + "/outbox",
		"followers":         base + "/followers",
		"following":         base + "/following",
		"endpoints": map[string]any{
			"sharedInbox": k.codec.InstanceURL() + "/inbox",
		},
		"publicKey": map[string]any{
			"id":           km.KeyId(),
			"owner":        km.Identifier,
			"publicKeyPem": km.PublicKeyPem,
		},
	}
	if km.MigrationStatus != domain.MigrationNone && km.CurrentInstanceURL != k.codec.InstanceURL() {
		doc["movedTo"] = migrationTarget(km.CurrentInstanceURL, km.OwnerUser)
	}
	return doc
}

// InstanceActor renders the Application actor that signs instance replies.
func (k *KeyManager) InstanceActor() (map[string]any, error) {
	if k.instanceKey == nil {
		return nil, fmt.Errorf("no instance key configured")
	}
	pem, err := util.PublicKeyPEM(&k.instanceKey.PublicKey)
	if err != nil {
		return nil, err
	}

	host := k.codec.InstanceURL()
	if u, err := url.Parse(host); err == nil && u.Host != "" {
		host = u.Host
	}
	actor := k.codec.InstanceActorURI()
	return map[string]any{
		"@context":          []any{activitypub.ActivityStreamsContext, activitypub.SecurityContext},
		"id":                actor,
		"type":              "Application",
		"preferredUsername": host,
		"inbox":             k.codec.InstanceURL() + "/inbox",
		"outbox":            actor + "/outbox",
		"publicKey": map[string]any{
			"id":           actor + "#main-key",
			"owner":        actor,
			"publicKeyPem": pem,
		},
	}, nil
}
