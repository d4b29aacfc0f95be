package domain

import (
	"time"

	"github.com/google/uuid"
)

type MigrationStatus string

const (
	MigrationNone      MigrationStatus = "none"
	MigrationInitiated MigrationStatus = "initiated"
	MigrationCompleted MigrationStatus = "completed"
)

// ActorKeyMaterial holds a local user's self-certifying identity.
// EncryptedPrivateKey is base64(salt || nonce || ciphertext).
type ActorKeyMaterial struct {
	Id                  uuid.UUID
	OwnerUser           string
	Identifier          string
	PublicKeyPem        string
	EncryptedPrivateKey string
	CurrentInstanceURL  string
	PreviousInstanceURL string
	MigrationStatus     MigrationStatus
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

func (k *ActorKeyMaterial) KeyId() string {
	return k.Identifier + "#main-key"
}
