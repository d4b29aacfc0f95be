// Package identity manages self-certifying actor keys: creation, encryption
// at rest, the unlocked keyring used for signing, and identity migration.
package identity

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/deemkeen/reelfed/activitypub"
	"github.com/deemkeen/reelfed/db"
	"github.com/deemkeen/reelfed/domain"
	"github.com/deemkeen/reelfed/util"
	"go.uber.org/zap"
)

const identityKeyBits = 2048

var (
	ErrNoIdentity    = errors.New("no identity for user")
	ErrEmptyPassword = errors.New("password must not be empty")
	ErrKeyLocked     = errors.New("signing key is locked")
)

// Publisher queues a local activity for the owner's followers.
type Publisher interface {
	Publish(ctx context.Context, envelope map[string]any, owner string) (*domain.Activity, error)
}

type unlockedKey struct {
	key   *rsa.PrivateKey
	keyId string
}

type KeyManager struct {
	db          *db.DB
	codec       *activitypub.Codec
	publisher   Publisher
	instanceKey *rsa.PrivateKey
	log         *zap.Logger

	mu      sync.RWMutex
	keyring map[string]unlockedKey
}

func NewKeyManager(database *db.DB, codec *activitypub.Codec, instanceKey *rsa.PrivateKey, logger *zap.Logger) *KeyManager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyManager{
		db:          database,
		codec:       codec,
		instanceKey: instanceKey,
		log:         logger,
		keyring:     make(map[string]unlockedKey),
	}
}

// SetPublisher wires the outbound side; the delivery manager itself needs
// the KeyManager to sign, so it is attached after construction.
func (k *KeyManager) SetPublisher(p Publisher) {
	k.publisher = p
}

// CreateIdentity returns the owner's key material, generating it on first use.
func (k *KeyManager) CreateIdentity(ctx context.Context, owner, password string) (*domain.ActorKeyMaterial, error) {
	if password == "" {
		return nil, ErrEmptyPassword
	}

	existing, err := k.db.ReadKeyMaterialByOwner(ctx, owner)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("read key material: %w", err)
	}

	pair, err := util.GeneratePemKeypair(identityKeyBits)
	if err != nil {
		return nil, err
	}
	priv, err := util.ParsePrivateKey(pair.Private)
	if err != nil {
		return nil, err
	}
	identifier, err := DeriveIdentifier(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	encrypted, err := EncryptPrivateKey([]byte(pair.Private), password)
	if err != nil {
		return nil, fmt.Errorf("encrypt private key: %w", err)
	}

	km := &domain.ActorKeyMaterial{
		OwnerUser:           owner,
		Identifier:          identifier,
		PublicKeyPem:        pair.Public,
		EncryptedPrivateKey: encrypted,
		CurrentInstanceURL:  k.codec.InstanceURL(),
		MigrationStatus:     domain.MigrationNone,
	}
	if err := k.db.InsertKeyMaterial(ctx, km); err != nil {
		if errors.Is(err, db.ErrDuplicate) {
			// lost a race against a concurrent create
			return k.db.ReadKeyMaterialByOwner(ctx, owner)
		}
		return nil, err
	}

	k.remember(owner, priv, km.KeyId())
	k.log.Info("Identity: created", zap.String("owner", owner), zap.String("identifier", identifier))
	return km, nil
}

// Unlock decrypts the owner's key into the signing keyring.
func (k *KeyManager) Unlock(ctx context.Context, owner, password string) error {
	km, priv, err := k.decrypt(ctx, owner, password)
	if err != nil {
		return err
	}
	k.remember(owner, priv, km.KeyId())
	k.log.Info("Identity: unlocked", zap.String("owner", owner))
	return nil
}

func (k *KeyManager) Lock(owner string) {
	k.mu.Lock()
	delete(k.keyring, owner)
	k.mu.Unlock()
}

func (k *KeyManager) decrypt(ctx context.Context, owner, password string) (*domain.ActorKeyMaterial, *rsa.PrivateKey, error) {
	km, err := k.db.ReadKeyMaterialByOwner(ctx, owner)
	if errors.Is(err, db.ErrNotFound) {
		return nil, nil, fmt.Errorf("%w %s", ErrNoIdentity, owner)
	}
	if err != nil {
		return nil, nil, err
	}

	plain, err := DecryptPrivateKey(km.EncryptedPrivateKey, password)
	if err != nil {
		return nil, nil, err
	}
	priv, err := util.ParsePrivateKey(string(plain))
	if err != nil {
		return nil, nil, fmt.Errorf("parse decrypted key: %w", err)
	}
	return km, priv, nil
}

func (k *KeyManager) remember(owner string, key *rsa.PrivateKey, keyId string) {
	k.mu.Lock()
	k.keyring[owner] = unlockedKey{key: key, keyId: keyId}
	k.mu.Unlock()
}

// SigningKey returns the owner's unlocked key, or the instance actor key
// when owner is empty. A locked owner yields ErrKeyLocked: the activity names
// the owner's actor, so it cannot be signed by anyone else.
func (k *KeyManager) SigningKey(ctx context.Context, owner string) (*rsa.PrivateKey, string, error) {
	if owner != "" {
		k.mu.RLock()
		u, ok := k.keyring[owner]
		k.mu.RUnlock()
		if !ok {
			return nil, "", fmt.Errorf("%w for %s", ErrKeyLocked, owner)
		}
		return u.key, u.keyId, nil
	}
	if k.instanceKey == nil {
		return nil, "", fmt.Errorf("no instance key configured")
	}
	return k.instanceKey, k.codec.InstanceActorURI() + "#main-key", nil
}

func (k *KeyManager) Identity(ctx context.Context, owner string) (*domain.ActorKeyMaterial, error) {
	km, err := k.db.ReadKeyMaterialByOwner(ctx, owner)
	if errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("%w %s", ErrNoIdentity, owner)
	}
	return km, err
}

// ResolveIdentifier returns the public key on file for identifier, provided
// the key still hashes to it.
func (k *KeyManager) ResolveIdentifier(ctx context.Context, identifier string) (string, error) {
	km, err := k.db.ReadKeyMaterialByIdentifier(ctx, identifier)
	if err != nil {
		return "", err
	}
	if err := checkIdentifier(km); err != nil {
		return "", err
	}
	return km.PublicKeyPem, nil
}

// OwnerForActor maps a local actor (identifier or /users/<name> URL) to its owner.
func (k *KeyManager) OwnerForActor(ctx context.Context, actorURI string) (string, error) {
	if actorURI == "" {
		return "", db.ErrNotFound
	}
	if strings.HasPrefix(actorURI, "did:key:") {
		km, err := k.db.ReadKeyMaterialByIdentifier(ctx, actorURI)
		if err != nil {
			return "", err
		}
		return km.OwnerUser, nil
	}

	name, ok := strings.CutPrefix(actorURI, k.codec.InstanceURL()+"/users/")
	if !ok || name == "" || strings.Contains(name, "/") {
		return "", db.ErrNotFound
	}
	km, err := k.db.ReadKeyMaterialByOwner(ctx, name)
	if err != nil {
		return "", err
	}
	return km.OwnerUser, nil
}

func checkIdentifier(km *domain.ActorKeyMaterial) error {
	pub, err := util.ParsePublicKey(km.PublicKeyPem)
	if err != nil {
		return err
	}
	derived, err := DeriveIdentifier(pub)
	if err != nil {
		return err
	}
	if derived != km.Identifier {
		return fmt.Errorf("key on file does not match identifier %s", km.Identifier)
	}
	return nil
}

// LoadOrCreateInstanceKey reads the instance actor key from path, creating
// a new one with owner-only permissions if the file does not exist.
func LoadOrCreateInstanceKey(path string, logger *zap.Logger) (*rsa.PrivateKey, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	data, err := os.ReadFile(path)
	if err == nil {
		return util.ParsePrivateKey(string(data))
	}
	if !os.IsNotExist(err) {
		return nil, fmt.Errorf("read instance key: %w", err)
	}

	pair, err := util.GeneratePemKeypair(identityKeyBits)
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(pair.Private), 0600); err != nil {
		return nil, fmt.Errorf("write instance key: %w", err)
	}
	logger.Info("Identity: created instance key", zap.String("path", path))
	return util.ParsePrivateKey(pair.Private)
}
