package redis

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/client"
	"session-service/internal/signing"
	"session-service/internal/token"
)

func testClient(t *testing.T) (*client.RedisClient, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	return client.Wrap(rdb), mr
}

func TestRevocationCache(t *testing.T) {
	rc, mr := testClient(t)
	cache := NewRevocationCache(rc)
	ctx := context.Background()

	revoked, err := cache.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, revoked)

	require.NoError(t, cache.Revoke(ctx, "tok-1", time.Minute))

	revoked, err = cache.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, revoked)

	// Entries expire with the token they shadow.
	mr.FastForward(time.Minute + time.Second)
	revoked, err = cache.IsRevoked(ctx, "tok-1")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeKeepsFirstExpiry(t *testing.T) {
	rc, mr := testClient(t)
	cache := NewRevocationCache(rc)
	ctx := context.Background()

	require.NoError(t, cache.Revoke(ctx, "tok-3", time.Minute))
	// A duplicate revocation cannot stretch the entry past the token's
	// natural expiry.
	require.NoError(t, cache.Revoke(ctx, "tok-3", time.Hour))

	mr.FastForward(time.Minute + time.Second)
	revoked, err := cache.IsRevoked(ctx, "tok-3")
	require.NoError(t, err)
	assert.False(t, revoked)
}

func TestRevokeSkipsExpiredTokens(t *testing.T) {
	rc, mr := testClient(t)
	cache := NewRevocationCache(rc)

	require.NoError(t, cache.Revoke(context.Background(), "tok-2", -time.Second))
	assert.False(t, mr.Exists("revoked_token:tok-2"))
}

func TestSessionCacheRoundTrip(t *testing.T) {
	rc, _ := testClient(t)
	cache := NewSessionCache(rc)
	ctx := context.Background()

	got, err := cache.GetActiveSession(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)

	session := token.ActiveSession{
		DeviceID:  "dev-1",
		TokenIDs:  []string{"access-1", "refresh-1"},
		ExpiresAt: time.Now().Add(time.Hour).Truncate(time.Second),
	}
	require.NoError(t, cache.SetActiveSession(ctx, "user-1", session))

	got, err = cache.GetActiveSession(ctx, "user-1")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, session.DeviceID, got.DeviceID)
	assert.Equal(t, session.TokenIDs, got.TokenIDs)
	assert.True(t, session.ExpiresAt.Equal(got.ExpiresAt))

	require.NoError(t, cache.ClearActiveSession(ctx, "user-1"))
	got, err = cache.GetActiveSession(ctx, "user-1")
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestSetActiveSessionRejectsExpired(t *testing.T) {
	rc, _ := testClient(t)
	cache := NewSessionCache(rc)

	err := cache.SetActiveSession(context.Background(), "user-1", token.ActiveSession{
		DeviceID:  "dev-1",
		ExpiresAt: time.Now().Add(-time.Minute),
	})
	assert.Error(t, err)
}

func TestKeyCacheRoundTrip(t *testing.T) {
	rc, mr := testClient(t)
	cache := NewKeyCache(rc)
	ctx := context.Background()

	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	require.NoError(t, cache.PutVerificationKey(ctx, "kid-1", pub, time.Hour))

	got, err := cache.GetVerificationKey(ctx, "kid-1")
	require.NoError(t, err)
	assert.Equal(t, pub, got)

	_, err = cache.GetVerificationKey(ctx, "kid-missing")
	assert.ErrorIs(t, err, signing.ErrUnknownKey)

	mr.FastForward(time.Hour + time.Second)
	_, err = cache.GetVerificationKey(ctx, "kid-1")
	assert.ErrorIs(t, err, signing.ErrUnknownKey)
}
