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
	sqlKeyColumns = `id, owner_user, identifier, public_key_pem, encrypted_private_key, current_instance_url, previous_instance_url, migration_status, created_at, updated_at`

	sqlInsertKeyMaterial             = `INSERT INTO key_material(` + sqlKeyColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectKeyMaterialByOwner      = `SELECT ` + sqlKeyColumns + ` FROM key_material WHERE owner_user = ?`
	sqlSelectKeyMaterialByIdentifier = `SELECT ` + sqlKeyColumns + ` FROM key_material WHERE identifier = ?`
	sqlUpdateKeyMaterial             = `UPDATE key_material SET current_instance_url = ?, previous_instance_url = ?, migration_status = ?, updated_at = ? WHERE owner_user = ?`

	sqlUpsertRemoteActor = `INSERT INTO remote_actors(actor_uri, inbox_uri, public_key_pem, preferred_username, last_fetched_at) VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(actor_uri) DO UPDATE SET inbox_uri = excluded.inbox_uri, public_key_pem = excluded.public_key_pem,
		preferred_username = excluded.preferred_username, last_fetched_at = excluded.last_fetched_at`
	sqlSelectRemoteActor = `SELECT actor_uri, inbox_uri, public_key_pem, preferred_username, last_fetched_at FROM remote_actors WHERE actor_uri = ?`
)

func (c conn) InsertKeyMaterial(ctx context.Context, km *domain.ActorKeyMaterial) error {
	now := time.Now().UTC()
	if km.Id == uuid.Nil {
		km.Id = uuid.New()
	}
	if km.CreatedAt.IsZero() {
		km.CreatedAt = now
	}
	km.UpdatedAt = now
	if km.MigrationStatus == "" {
		km.MigrationStatus = domain.MigrationNone
	}
	_, err := c.q.ExecContext(ctx, sqlInsertKeyMaterial,
		km.Id.String(),
		km.OwnerUser,
		km.Identifier,
		km.PublicKeyPem,
		km.EncryptedPrivateKey,
		km.CurrentInstanceURL,
		km.PreviousInstanceURL,
		string(km.MigrationStatus),
		km.CreatedAt,
		km.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert key material for %s: %w", km.OwnerUser, mapError(err))
	}
	return nil
}

func (c conn) ReadKeyMaterialByOwner(ctx context.Context, owner string) (*domain.ActorKeyMaterial, error) {
	return scanKeyMaterial(c.q.QueryRowContext(ctx, sqlSelectKeyMaterialByOwner, owner))
}

func (c conn) ReadKeyMaterialByIdentifier(ctx context.Context, identifier string) (*domain.ActorKeyMaterial, error) {
	return scanKeyMaterial(c.q.QueryRowContext(ctx, sqlSelectKeyMaterialByIdentifier, identifier))
}

// UpdateKeyMaterialMigration persists the instance URLs and migration status.
func (c conn) UpdateKeyMaterialMigration(ctx context.Context, km *domain.ActorKeyMaterial) error {
	km.UpdatedAt = time.Now().UTC()
	res, err := c.q.ExecContext(ctx, sqlUpdateKeyMaterial,
		km.CurrentInstanceURL,
		km.PreviousInstanceURL,
		string(km.MigrationStatus),
		km.UpdatedAt,
		km.OwnerUser,
	)
	if err != nil {
		return fmt.Errorf("update key material for %s: %w", km.OwnerUser, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanKeyMaterial(row scanner) (*domain.ActorKeyMaterial, error) {
	var km domain.ActorKeyMaterial
	var previous sql.NullString
	var status string
	err := row.Scan(
		&km.Id,
		&km.OwnerUser,
		&km.Identifier,
		&km.PublicKeyPem,
		&km.EncryptedPrivateKey,
		&km.CurrentInstanceURL,
		&previous,
		&status,
		&km.CreatedAt,
		&km.UpdatedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	km.PreviousInstanceURL = previous.String
	km.MigrationStatus = domain.MigrationStatus(status)
	return &km, nil
}

func (c conn) UpsertRemoteActor(ctx context.Context, a *domain.RemoteActor) error {
	if a.LastFetchedAt.IsZero() {
		a.LastFetchedAt = time.Now().UTC()
	}
	_, err := c.q.ExecContext(ctx, sqlUpsertRemoteActor,
		a.ActorURI,
		a.InboxURI,
		a.PublicKeyPem,
		a.PreferredUsername,
		a.LastFetchedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("cache actor %s: %w", a.ActorURI, err)
	}
	return nil
}

func (c conn) ReadRemoteActor(ctx context.Context, actorURI string) (*domain.RemoteActor, error) {
	var a domain.RemoteActor
	var username sql.NullString
	err := c.q.QueryRowContext(ctx, sqlSelectRemoteActor, actorURI).Scan(
		&a.ActorURI,
		&a.InboxURI,
		&a.PublicKeyPem,
		&username,
		&a.LastFetchedAt,
	)
	if err != nil {
		return nil, mapError(err)
	}
	a.PreferredUsername = username.String
	return &a, nil
}
