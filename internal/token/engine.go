package token

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/config"
	"session-service/internal/model"
	"session-service/internal/signing"
	"session-service/internal/util"
)

// TokenType distinguishes short-lived access tokens from session-continuity
// refresh tokens.
type TokenType string

const (
	TypeAccess  TokenType = "ACCESS"
	TypeRefresh TokenType = "REFRESH"
)

// Claims is the signed token payload. KeyID duplicates the JOSE kid header
// so the payload is self-describing even after the header is stripped by
// middleboxes or logs.
type Claims struct {
	DeviceID    string          `json:"did"`
	Fingerprint string          `json:"dfp,omitempty"`
	TokenType   TokenType       `json:"typ"`
	KYCStatus   model.KYCStatus `json:"kyc"`
	Scopes      []string        `json:"scope,omitempty"`
	KeyID       string          `json:"kid"`
	jwt.RegisteredClaims
}

// RevocationRegistry records individually revoked token identifiers until
// their natural expiry.
type RevocationRegistry interface {
	Revoke(ctx context.Context, tokenID string, ttl time.Duration) error
	IsRevoked(ctx context.Context, tokenID string) (bool, error)
}

// ActiveSession names the device owning a user's single active session and
// the token identifiers minted for it.
type ActiveSession struct {
	DeviceID  string    `json:"device_id"`
	TokenIDs  []string  `json:"token_ids"`
	ExpiresAt time.Time `json:"expires_at"`
}

// SessionStore tracks the active session per user.
type SessionStore interface {
	SetActiveSession(ctx context.Context, userID string, session ActiveSession) error
	GetActiveSession(ctx context.Context, userID string) (*ActiveSession, error)
	ClearActiveSession(ctx context.Context, userID string) error
}

// Engine mints and validates device-bound session tokens signed with the
// rotating key pair.
type Engine struct {
	keys        *signing.Keyring
	revocations RevocationRegistry
	sessions    SessionStore
	accessTTL   time.Duration
	refreshTTL  time.Duration
	issuer      string
	now         func() time.Time
	parser      *jwt.Parser
	onDisplace  func(userID, fromDeviceID, toDeviceID string)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithClock substitutes the time source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithDisplacementHook registers a callback invoked after a session on a
// different device is revoked in favor of a new one.
func WithDisplacementHook(fn func(userID, fromDeviceID, toDeviceID string)) Option {
	return func(e *Engine) { e.onDisplace = fn }
}

func NewEngine(cfg *config.Config, keys *signing.Keyring, revocations RevocationRegistry, sessions SessionStore, opts ...Option) *Engine {
	e := &Engine{
		keys:        keys,
		revocations: revocations,
		sessions:    sessions,
		accessTTL:   cfg.Token.AccessTTL,
		refreshTTL:  cfg.Token.RefreshTTL,
		issuer:      cfg.Token.Issuer,
		now:         time.Now,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
			jwt.WithoutClaimsValidation(),
		),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Issue mints an access/refresh pair for the credential on the given device.
// A rejected KYC status refuses issuance outright; every other status issues
// with the claim set the policy table allows. Issuing on a new device
// revokes whatever session the user held on a different device.
func (e *Engine) Issue(ctx context.Context, cred *model.Credential, deviceID, fingerprint string) (*model.TokenPair, error) {
	if cred.KYCStatus == model.KYCRejected {
		return nil, fmt.Errorf("%w: status %s issues no tokens", ErrKYCRejected, cred.KYCStatus)
	}

	now := e.now()
	key := e.keys.Current()
	scopes := ScopesFor(cred.KYCStatus)

	accessID := uuid.NewString()
	refreshID := uuid.NewString()

	access, err := e.sign(key, Claims{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		TokenType:   TypeAccess,
		KYCStatus:   cred.KYCStatus,
		Scopes:      scopes,
		KeyID:       key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        accessID,
			Subject:   cred.UserID,
			Issuer:    e.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.accessTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	refresh, err := e.sign(key, Claims{
		DeviceID:    deviceID,
		Fingerprint: fingerprint,
		TokenType:   TypeRefresh,
		KYCStatus:   cred.KYCStatus,
		Scopes:      scopes,
		KeyID:       key.ID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        refreshID,
			Subject:   cred.UserID,
			Issuer:    e.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(e.refreshTTL)),
		},
	})
	if err != nil {
		return nil, err
	}

	carried, err := e.displaceSession(ctx, cred.UserID, deviceID, now)
	if err != nil {
		return nil, err
	}

	session := ActiveSession{
		DeviceID:  deviceID,
		TokenIDs:  append(carried, accessID, refreshID),
		ExpiresAt: now.Add(e.refreshTTL),
	}
	if err := e.sessions.SetActiveSession(ctx, cred.UserID, session); err != nil {
		return nil, err
	}

	return &model.TokenPair{
		AccessToken:   access,
		RefreshToken:  refresh,
		KeyID:         key.ID,
		DeviceBinding: fingerprint,
		ExpiresAt:     now.Add(e.accessTTL),
	}, nil
}

// displaceSession enforces the single-active-session policy. A still-valid
// session on a different device is revoked token by token. Re-issuing on the
// same device (a refresh) keeps the session and returns its token ids so the
// replacement session still tracks every live token for a later revoke-all.
func (e *Engine) displaceSession(ctx context.Context, userID, deviceID string, now time.Time) ([]string, error) {
	prev, err := e.sessions.GetActiveSession(ctx, userID)
	if err != nil {
		return nil, err
	}
	if prev == nil {
		return nil, nil
	}
	if prev.DeviceID == deviceID {
		return prev.TokenIDs, nil
	}
	ttl := prev.ExpiresAt.Sub(now)
	for _, id := range prev.TokenIDs {
		if err := e.revocations.Revoke(ctx, id, ttl); err != nil {
			return nil, err
		}
	}
	util.Info("Displaced session on previous device",
		zap.String("user_id", userID),
		zap.String("previous_device_id", prev.DeviceID),
		zap.String("device_id", deviceID))
	if e.onDisplace != nil {
		e.onDisplace(userID, prev.DeviceID, deviceID)
	}
	return nil, nil
}

// Verify validates a presented token in a fixed order: signature via the
// embedded key id, revocation registry, device binding, then expiry. Every
// failure is terminal and maps to a distinct error kind.
func (e *Engine) Verify(ctx context.Context, tokenString, expectedDeviceID string, expectedType TokenType) (*Claims, error) {
	claims, err := e.parse(ctx, tokenString)
	if err != nil {
		return nil, err
	}

	revoked, err := e.revocations.IsRevoked(ctx, claims.ID)
	if err != nil {
		return nil, err
	}
	if revoked {
		return nil, ErrTokenRevoked
	}

	if claims.TokenType != expectedType {
		return nil, fmt.Errorf("%w: expected %s token", ErrTokenInvalid, expectedType)
	}

	if claims.DeviceID != expectedDeviceID {
		return nil, ErrInvalidDeviceBinding
	}

	if claims.ExpiresAt == nil || !e.now().Before(claims.ExpiresAt.Time) {
		return nil, ErrTokenExpired
	}

	return claims, nil
}

// RevokeToken inserts the token's identifier into the revocation registry
// with a TTL mirroring the token's remaining lifetime. The signature must
// check out; revocation by forged token is not a capability.
func (e *Engine) RevokeToken(ctx context.Context, tokenString string) error {
	claims, err := e.parse(ctx, tokenString)
	if err != nil {
		return err
	}
	if claims.ExpiresAt == nil {
		return ErrTokenInvalid
	}
	return e.revocations.Revoke(ctx, claims.ID, claims.ExpiresAt.Time.Sub(e.now()))
}

// RevokeSession revokes every token of the user's active session and clears
// the session record.
func (e *Engine) RevokeSession(ctx context.Context, userID string) error {
	session, err := e.sessions.GetActiveSession(ctx, userID)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}
	ttl := session.ExpiresAt.Sub(e.now())
	for _, id := range session.TokenIDs {
		if err := e.revocations.Revoke(ctx, id, ttl); err != nil {
			return err
		}
	}
	return e.sessions.ClearActiveSession(ctx, userID)
}

// RotateKeys makes a fresh key pair current. Tokens signed with the previous
// key remain verifiable for the retention window.
func (e *Engine) RotateKeys(ctx context.Context) (string, error) {
	key, err := e.keys.Rotate(ctx)
	if err != nil {
		return "", err
	}
	util.Info("Signing keys rotated", zap.String("key_id", key.ID))
	return key.ID, nil
}

func (e *Engine) sign(key signing.Key, claims Claims) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = key.ID
	signed, err := tok.SignedString(key.Private)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// parse checks structure and signature only; claim validation is done by
// Verify so the failure order stays fixed and errors stay distinguishable.
func (e *Engine) parse(ctx context.Context, tokenString string) (*Claims, error) {
	claims := &Claims{}
	_, err := e.parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			// fall back to the payload copy
			if c, ok := t.Claims.(*Claims); ok {
				kid = c.KeyID
			}
		}
		if kid == "" {
			return nil, signing.ErrUnknownKey
		}
		return e.keys.VerificationKey(ctx, kid)
	})
	if err != nil {
		if errors.Is(err, signing.ErrUnknownKey) {
			return nil, signing.ErrUnknownKey
		}
		return nil, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, ErrTokenInvalid
	}
	return claims, nil
}
