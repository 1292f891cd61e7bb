// Package signing holds the rotating token-signing key pairs. The keyring is
// an injected dependency, not a process-wide singleton, so tests can pin a
// fixed registry and deployments can share retired verification keys through
// an external store.
package signing

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnknownKey is returned when no key with the requested id is available,
// either because it never existed or because its retention TTL elapsed.
// Tokens signed with such a key are permanently unverifiable; this bounds
// the blast radius of a compromised key.
var ErrUnknownKey = errors.New("unknown signing key")

// Key is one signing key pair. The private part never leaves the keyring
// once the key is rotated out; only the public half is retained.
type Key struct {
	ID        string
	Public    ed25519.PublicKey
	Private   ed25519.PrivateKey
	CreatedAt time.Time
}

// KeyStore persists retired verification keys with a TTL so that other
// instances can verify tokens signed shortly before a rotation they did not
// perform. Only public key material crosses this boundary.
type KeyStore interface {
	PutVerificationKey(ctx context.Context, keyID string, public ed25519.PublicKey, ttl time.Duration) error
	GetVerificationKey(ctx context.Context, keyID string) (ed25519.PublicKey, error)
}

type retiredKey struct {
	public    ed25519.PublicKey
	expiresAt time.Time
}

// Keyring tracks the current signing key pair and retains rotated-out public
// keys for the retention window. All methods are safe for concurrent use;
// rotation does not block in-flight verification lookups beyond the mutex.
type Keyring struct {
	mu        sync.RWMutex
	current   Key
	retired   map[string]retiredKey
	retention time.Duration
	store     KeyStore
	now       func() time.Time
}

// Option customizes a Keyring.
type Option func(*Keyring)

// WithClock substitutes the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(k *Keyring) { k.now = now }
}

// WithStore attaches an external retired-key store.
func WithStore(store KeyStore) Option {
	return func(k *Keyring) { k.store = store }
}

// NewKeyring generates the initial key pair.
func NewKeyring(retention time.Duration, opts ...Option) (*Keyring, error) {
	if retention <= 0 {
		return nil, errors.New("key retention must be positive")
	}
	k := &Keyring{
		retired:   make(map[string]retiredKey),
		retention: retention,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(k)
	}
	key, err := k.generate()
	if err != nil {
		return nil, err
	}
	k.current = key
	return k, nil
}

// Current returns the key pair tokens are signed with right now.
func (k *Keyring) Current() Key {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.current
}

// Rotate generates a new current key pair and moves the previous public key
// into the retention set. The previous private key is dropped immediately.
func (k *Keyring) Rotate(ctx context.Context) (Key, error) {
	next, err := k.generate()
	if err != nil {
		return Key{}, err
	}

	k.mu.Lock()
	prev := k.current
	k.current = next
	expiry := k.now().Add(k.retention)
	k.retired[prev.ID] = retiredKey{public: prev.Public, expiresAt: expiry}
	k.pruneLocked()
	k.mu.Unlock()

	if k.store != nil {
		if err := k.store.PutVerificationKey(ctx, prev.ID, prev.Public, k.retention); err != nil {
			return Key{}, fmt.Errorf("failed to persist retired key %s: %w", prev.ID, err)
		}
	}
	return next, nil
}

// VerificationKey resolves the public key for a token's embedded key id.
// Lookup order: current key, locally retained keys, then the external store.
func (k *Keyring) VerificationKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	k.mu.RLock()
	if k.current.ID == keyID {
		pub := k.current.Public
		k.mu.RUnlock()
		return pub, nil
	}
	r, ok := k.retired[keyID]
	k.mu.RUnlock()

	if ok {
		if k.now().Before(r.expiresAt) {
			return r.public, nil
		}
		k.mu.Lock()
		k.pruneLocked()
		k.mu.Unlock()
		return nil, ErrUnknownKey
	}

	if k.store != nil {
		pub, err := k.store.GetVerificationKey(ctx, keyID)
		if err == nil && len(pub) == ed25519.PublicKeySize {
			return pub, nil
		}
	}
	return nil, ErrUnknownKey
}

func (k *Keyring) generate() (Key, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return Key{}, fmt.Errorf("failed to generate signing key: %w", err)
	}
	return Key{
		ID:        uuid.NewString(),
		Public:    pub,
		Private:   priv,
		CreatedAt: k.now(),
	}, nil
}

// pruneLocked drops retired keys past their retention expiry. Caller holds
// the write lock.
func (k *Keyring) pruneLocked() {
	now := k.now()
	for id, r := range k.retired {
		if !now.Before(r.expiresAt) {
			delete(k.retired, id)
		}
	}
}
