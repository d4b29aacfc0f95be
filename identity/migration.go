package identity

import (
	"context"
	"fmt"
	"strings"

	"github.com/deemkeen/reelfed/activitypub"
	"github.com/deemkeen/reelfed/domain"
	"go.uber.org/zap"
)

func migrationTarget(instanceURL, owner string) string {
	return strings.TrimRight(instanceURL, "/") + "/users/" + owner
}

// InitiateMigration moves owner's identity to newInstanceURL and announces
// the Move to every follower. The password proves control of the key.
func (k *KeyManager) InitiateMigration(ctx context.Context, owner, newInstanceURL, password string) (*domain.Activity, error) {
	newInstanceURL = strings.TrimRight(newInstanceURL, "/")
	if newInstanceURL == "" {
		return nil, fmt.Errorf("new instance url is required")
	}
	if k.publisher == nil {
		return nil, fmt.Errorf("no publisher configured")
	}

	km, priv, err := k.decrypt(ctx, owner, password)
	if err != nil {
		return nil, err
	}
	if km.MigrationStatus == domain.MigrationCompleted {
		return nil, fmt.Errorf("migration of %s already completed", owner)
	}
	// the Move must be signed with the identifier key itself
	k.remember(owner, priv, km.KeyId())

	move := k.codec.Build(domain.KindMove, km.Identifier, km.Identifier, map[string]any{
		"target": migrationTarget(newInstanceURL, owner),
	})

	if km.CurrentInstanceURL != newInstanceURL {
		km.PreviousInstanceURL = km.CurrentInstanceURL
		km.CurrentInstanceURL = newInstanceURL
	}
	km.MigrationStatus = domain.MigrationInitiated
	if err := k.db.UpdateKeyMaterialMigration(ctx, km); err != nil {
		return nil, err
	}

	activity, err := k.publisher.Publish(ctx, move, owner)
	if err != nil {
		return nil, fmt.Errorf("publish Move: %w", err)
	}

	k.log.Info("Identity: migration initiated",
		zap.String("owner", owner), zap.String("from", km.PreviousInstanceURL), zap.String("to", newInstanceURL))
	return activity, nil
}

// CompleteMigration marks an initiated migration as done.
func (k *KeyManager) CompleteMigration(ctx context.Context, owner string) error {
	km, err := k.Identity(ctx, owner)
	if err != nil {
		return err
	}
	if km.MigrationStatus != domain.MigrationInitiated {
		return fmt.Errorf("no migration in progress for %s", owner)
	}
	km.MigrationStatus = domain.MigrationCompleted
	if err := k.db.UpdateKeyMaterialMigration(ctx, km); err != nil {
		return err
	}
	k.log.Info("Identity: migration completed", zap.String("owner", owner))
	return nil
}

// VerifyMoveActivity accepts a Move only when its actor is an identifier on
// file, the stored key hashes to that identifier, and the request was
// signed with that key.
func (k *KeyManager) VerifyMoveActivity(ctx context.Context, activity map[string]any, sig activitypub.SignatureInput) bool {
	actor, _ := activity["actor"].(string)
	if !strings.HasPrefix(actor, "did:key:") {
		return false
	}
	if target, _ := activity["target"].(string); target == "" {
		return false
	}

	km, err := k.db.ReadKeyMaterialByIdentifier(ctx, actor)
	if err != nil {
		k.log.Info("Identity: Move from unknown identifier", zap.String("actor", actor))
		return false
	}
	if err := checkIdentifier(km); err != nil {
		k.log.Warn("Identity: identifier mismatch", zap.String("actor", actor), zap.Error(err))
		return false
	}
	return k.codec.Verify(sig, km.PublicKeyPem)
}

// ApplyFollowerMigration points every follow of oldActor at newActor.
func (k *KeyManager) ApplyFollowerMigration(ctx context.Context, oldActor, newActor string) (int, error) {
	n, err := k.db.MigrateFollowers(ctx, oldActor, newActor, "")
	if err != nil {
		return 0, err
	}
	k.log.Info("Identity: followers migrated", zap.String("from", oldActor), zap.String("to", newActor), zap.Int("rows", n))
	return n, nil
}
