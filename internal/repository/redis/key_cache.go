package redis

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/signing"
	"session-service/internal/util"
)

const verificationKeyPrefix = "verification_key:"

// KeyCache retains rotated-out verification keys with a TTL so every
// instance can verify tokens signed shortly before a rotation elsewhere.
// Only public key material is stored; once the TTL elapses the key is gone
// and tokens signed with it are permanently unverifiable.
type KeyCache struct {
	client *client.RedisClient
}

var _ signing.KeyStore = (*KeyCache)(nil)

func NewKeyCache(client *client.RedisClient) *KeyCache {
	return &KeyCache{client: client}
}

func (c *KeyCache) PutVerificationKey(ctx context.Context, keyID string, public ed25519.PublicKey, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	key := verificationKeyPrefix + keyID
	encoded := base64.RawStdEncoding.EncodeToString(public)
	if err := c.client.Set(ctx, key, encoded, ttl); err != nil {
		util.Error("Failed to persist verification key",
			zap.String("key_id", keyID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to persist verification key: %w", err)
	}

	util.Info("Retired verification key persisted",
		zap.String("key_id", keyID),
		zap.Duration("ttl", ttl))
	return nil
}

func (c *KeyCache) GetVerificationKey(ctx context.Context, keyID string) (ed25519.PublicKey, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, verificationKeyPrefix+keyID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, signing.ErrUnknownKey
		}
		return nil, fmt.Errorf("failed to load verification key: %w", err)
	}

	decoded, err := base64.RawStdEncoding.DecodeString(raw)
	if err != nil || len(decoded) != ed25519.PublicKeySize {
		return nil, signing.ErrUnknownKey
	}
	return ed25519.PublicKey(decoded), nil
}
