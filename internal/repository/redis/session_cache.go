package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"session-service/internal/client"
	"session-service/internal/token"
	"session-service/internal/util"
)

const activeSessionPrefix = "active_session:"

// SessionCache tracks the active session per user in redis, backing the
// single-active-session policy. The entry expires with the refresh token,
// so an abandoned session needs no cleanup.
type SessionCache struct {
	client *client.RedisClient
}

var _ token.SessionStore = (*SessionCache)(nil)

func NewSessionCache(client *client.RedisClient) *SessionCache {
	return &SessionCache{client: client}
}

// SetActiveSession replaces the user's active session record.
func (c *SessionCache) SetActiveSession(ctx context.Context, userID string, session token.ActiveSession) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	ttl := time.Until(session.ExpiresAt)
	if ttl <= 0 {
		return fmt.Errorf("active session for user %s already expired", userID)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode active session: %w", err)
	}

	key := activeSessionPrefix + userID
	if err := c.client.Set(ctx, key, payload, ttl); err != nil {
		util.Error("Failed to set active session",
			zap.String("user_id", userID),
			zap.String("device_id", session.DeviceID),
			zap.Error(err))
		return fmt.Errorf("failed to set active session: %w", err)
	}

	util.Debug("Active session set",
		zap.String("user_id", userID),
		zap.String("device_id", session.DeviceID),
		zap.Duration("ttl", ttl))
	return nil
}

// GetActiveSession returns the user's current session record, or nil when
// the user has no live session.
func (c *SessionCache) GetActiveSession(ctx context.Context, userID string) (*token.ActiveSession, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	raw, err := c.client.Get(ctx, activeSessionPrefix+userID)
	if err != nil {
		if errors.Is(err, client.ErrKeyNotFound) {
			return nil, nil
		}
		util.Error("Failed to get active session",
			zap.String("user_id", userID),
			zap.Error(err))
		return nil, fmt.Errorf("failed to get active session: %w", err)
	}

	var session token.ActiveSession
	if err := json.Unmarshal([]byte(raw), &session); err != nil {
		return nil, fmt.Errorf("failed to decode active session: %w", err)
	}
	return &session, nil
}

// ClearActiveSession drops the user's session record.
func (c *SessionCache) ClearActiveSession(ctx context.Context, userID string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, activeSessionPrefix+userID); err != nil {
		util.Error("Failed to clear active session",
			zap.String("user_id", userID),
			zap.Error(err))
		return fmt.Errorf("failed to clear active session: %w", err)
	}

	util.Info("Active session cleared", zap.String("user_id", userID))
	return nil
}
