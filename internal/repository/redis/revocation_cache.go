package redis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/util"
)

const revokedTokenPrefix = "revoked_token:"

// RevocationCache is the revocation registry. Entries carry a TTL equal to
// the revoked token's remaining lifetime, so the registry never retains an
// entry longer than the token it shadows.
type RevocationCache struct {
	client *client.RedisClient
}

func NewRevocationCache(client *client.RedisClient) *RevocationCache {
	return &RevocationCache{client: client}
}

// Revoke records a token identifier until its natural expiry. A token that
// is already past its expiry needs no entry.
func (c *RevocationCache) Revoke(ctx context.Context, tokenID string, ttl time.Duration) error {
	if ttl <= 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	// SETNX keeps the first revocation's expiry when the same token id is
	// revoked twice, e.g. a session revoke racing an individual revoke.
	key := revokedTokenPrefix + tokenID
	if _, err := c.client.SetNX(ctx, key, "revoked", ttl); err != nil {
		util.Error("Failed to record token revocation",
			zap.String("token_id", tokenID),
			zap.Duration("ttl", ttl),
			zap.Error(err))
		return fmt.Errorf("failed to record token revocation: %w", err)
	}

	util.Debug("Token revoked",
		zap.String("token_id", tokenID),
		zap.Duration("ttl", ttl))
	return nil
}

// IsRevoked reports whether the token identifier is present in the registry.
func (c *RevocationCache) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	exists, err := c.client.Exists(ctx, revokedTokenPrefix+tokenID)
	if err != nil {
		util.Error("Failed to check token revocation",
			zap.String("token_id", tokenID),
			zap.Error(err))
		return false, fmt.Errorf("failed to check token revocation: %w", err)
	}
	return exists, nil
}
