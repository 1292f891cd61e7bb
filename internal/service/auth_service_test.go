package service

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"session-service/internal/audit"
	"session-service/internal/bucketing"
	"session-service/internal/client"
	"session-service/internal/config"
	"session-service/internal/device"
	"session-service/internal/lockout"
	"session-service/internal/model"
	"session-service/internal/password"
	"session-service/internal/repository/memory"
	redisrepo "session-service/internal/repository/redis"
	"session-service/internal/signing"
	"session-service/internal/token"
)

const strongPassword = "Vault!Mint9Quartz"

type fixture struct {
	service *AuthService
	repo    *memory.CredentialRepository
	matcher *device.StaticMatcher
	sink    *audit.MemorySink
	auditor *audit.Dispatcher
	now     time.Time
}

func (f *fixture) advance(d time.Duration) {
	f.now = f.now.Add(d)
}

func (f *fixture) events(eventType audit.EventType) []audit.Event {
	f.auditor.Flush()
	return f.sink.ByType(eventType)
}

func testConfig() *config.Config {
	return &config.Config{
		Hashing: config.HashingConfig{
			Argon2MemoryCost:  8192,
			Argon2TimeCost:    1,
			Argon2Parallelism: 1,
		},
		Password: config.PasswordConfig{
			MinLength: 10,
			MinScore:  3,
		},
		Lockout: config.LockoutConfig{
			Threshold:   3,
			BaseLockout: time.Minute,
			MaxLockout:  8 * time.Minute,
		},
		DeviceTrust: config.DeviceTrustConfig{
			AcceptThreshold:    0.7,
			BiometricThreshold: 0.8,
		},
		Token: config.TokenConfig{
			AccessTTL:    15 * time.Minute,
			RefreshTTL:   24 * time.Hour,
			KeyRetention: time.Hour,
			Issuer:       "session-service-test",
		},
		Bucketing: config.BucketingConfig{
			UserBuckets:  64,
			EventBuckets: 256,
		},
	}
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testConfig()

	mr := miniredis.RunT(t)
	rdb := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	rc := client.Wrap(rdb)

	f := &fixture{now: time.Now().UTC()}
	clock := func() time.Time { return f.now }

	keys, err := signing.NewKeyring(cfg.Token.KeyRetention, signing.WithClock(clock))
	require.NoError(t, err)

	f.repo = memory.NewCredentialRepository()
	f.matcher = device.NewStaticMatcher()
	f.sink = audit.NewMemorySink()
	f.auditor = audit.NewDispatcher(bucketing.NewBucketingManager(cfg), f.sink)

	engine := token.NewEngine(cfg, keys,
		redisrepo.NewRevocationCache(rc),
		redisrepo.NewSessionCache(rc),
		token.WithClock(clock),
		token.WithDisplacementHook(func(userID, fromDeviceID, toDeviceID string) {
			f.auditor.Emit(audit.NewEvent(audit.EventSessionDisplaced, userID, toDeviceID).
				WithDetail("previous_device_id", fromDeviceID))
		}))

	svc, err := NewAuthService(cfg, f.repo,
		password.NewPolicy(cfg),
		lockout.NewMachine(cfg),
		device.NewEvaluator(cfg),
		f.matcher,
		engine,
		f.auditor)
	require.NoError(t, err)
	f.service = svc.WithClock(clock)
	return f
}

func registerRequest() *RegisterRequest {
	return &RegisterRequest{
		Email:    "ada@example.com",
		Password: strongPassword,
		Device: model.DeviceInfo{
			DeviceID:      "dev-1",
			DeviceType:    "ios",
			Name:          "Ada's phone",
			SecurityLevel: model.SecurityLevelHigh,
			Fingerprint:   "fp-1",
		},
	}
}

func loginRequest() *LoginRequest {
	return &LoginRequest{
		Identifier: "ada@example.com",
		Password:   strongPassword,
		Device: model.DeviceInfo{
			DeviceID:      "dev-1",
			SecurityLevel: model.SecurityLevelHigh,
			Fingerprint:   "fp-1",
		},
	}
}

func TestRegister(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, cred.UserID)
	assert.Equal(t, "ada@example.com", cred.Email)
	assert.Equal(t, model.KYCPending, cred.KYCStatus)
	require.Len(t, cred.Devices, 1)
	assert.True(t, cred.Devices[0].Trusted)
	assert.NotEqual(t, strongPassword, cred.PasswordHash)

	assert.Len(t, f.events(audit.EventUserRegistered), 1)
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	req := registerRequest()
	req.Email = ""
	req.Phone = ""
	_, err := f.service.Register(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req = registerRequest()
	req.Device.DeviceID = ""
	_, err = f.service.Register(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req = registerRequest()
	req.Email = "not-an-email"
	_, err = f.service.Register(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidInput)

	req = registerRequest()
	req.Password = "short"
	_, err = f.service.Register(ctx, req)
	assert.ErrorIs(t, err, password.ErrWeakPassword)
}

func TestRegisterDuplicateIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	_, err = f.service.Register(ctx, registerRequest())
	assert.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestLoginHappyPath(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	claims, err := f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, cred.UserID, claims.Subject)

	events := f.events(audit.EventLoginSucceeded)
	require.Len(t, events, 1)
	assert.Equal(t, "password", events[0].Detail["method"])
}

func TestLoginNormalizesIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	req := loginRequest()
	req.Identifier = "  ADA@Example.COM "
	_, err = f.service.Login(ctx, req)
	assert.NoError(t, err)
}

func TestLoginUnknownIdentifier(t *testing.T) {
	f := newFixture(t)

	_, err := f.service.Login(context.Background(), loginRequest())
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLoginWrongPasswordLocksAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	bad := loginRequest()
	bad.Password = "Wrong!Mint9Quartz"
	for i := 0; i < 3; i++ {
		_, err = f.service.Login(ctx, bad)
		assert.ErrorIs(t, err, ErrInvalidCredentials, "attempt %d", i+1)
	}

	// The correct password is rejected while the window is open.
	_, err = f.service.Login(ctx, loginRequest())
	assert.ErrorIs(t, err, lockout.ErrAccountLocked)

	assert.Len(t, f.events(audit.EventAccountLocked), 1)

	stored, err := f.repo.GetByID(ctx, cred.UserID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.FailedAttempts)
	require.False(t, stored.LockedUntil.IsZero())
	lockedUntil := stored.LockedUntil

	// Further attempts while locked, right or wrong, leave the window
	// and the counter exactly where they were.
	f.advance(10 * time.Second)
	_, err = f.service.Login(ctx, bad)
	assert.ErrorIs(t, err, lockout.ErrAccountLocked)
	_, err = f.service.Login(ctx, loginRequest())
	assert.ErrorIs(t, err, lockout.ErrAccountLocked)

	stored, err = f.repo.GetByID(ctx, cred.UserID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.FailedAttempts)
	assert.True(t, stored.LockedUntil.Equal(lockedUntil))
}

func TestLoginAfterWindowResetsLockout(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	bad := loginRequest()
	bad.Password = "Wrong!Mint9Quartz"
	for i := 0; i < 3; i++ {
		_, _ = f.service.Login(ctx, bad)
	}

	f.advance(time.Minute + time.Second)

	_, err = f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	stored, err := f.repo.GetByID(ctx, cred.UserID)
	require.NoError(t, err)
	assert.Zero(t, stored.FailedAttempts)
	assert.True(t, stored.LockedUntil.IsZero())
}

func TestLoginRejectsUntrustedDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	req := loginRequest()
	req.Device = model.DeviceInfo{
		DeviceID:      "dev-unknown",
		SecurityLevel: model.SecurityLevelHigh,
		Fingerprint:   "fp-9",
	}
	_, err = f.service.Login(ctx, req)
	assert.ErrorIs(t, err, ErrDeviceNotTrusted)

	assert.Len(t, f.events(audit.EventDeviceRejected), 1)
}

func TestTrustDeviceAllowsLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	info := model.DeviceInfo{
		DeviceID:      "dev-2",
		DeviceType:    "android",
		Name:          "Ada's tablet",
		SecurityLevel: model.SecurityLevelMedium,
		Fingerprint:   "fp-2",
	}
	require.NoError(t, f.service.TrustDevice(ctx, cred.UserID, info))

	// Display names are stored HTML-escaped.
	stored, err := f.repo.GetByID(ctx, cred.UserID)
	require.NoError(t, err)
	registered := stored.Device("dev-2")
	require.NotNil(t, registered)
	assert.Equal(t, "Ada&#39;s tablet", registered.Name)

	req := loginRequest()
	req.Device = info
	_, err = f.service.Login(ctx, req)
	assert.NoError(t, err)
}

func TestLoginDisplacesSessionOnOtherDevice(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	first, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	info := model.DeviceInfo{
		DeviceID:      "dev-2",
		SecurityLevel: model.SecurityLevelHigh,
		Fingerprint:   "fp-2",
	}
	require.NoError(t, f.service.TrustDevice(ctx, cred.UserID, info))

	req := loginRequest()
	req.Device = info
	second, err := f.service.Login(ctx, req)
	require.NoError(t, err)

	_, err = f.service.ValidateAccess(ctx, first.AccessToken, "dev-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)
	_, err = f.service.ValidateAccess(ctx, second.AccessToken, "dev-2")
	assert.NoError(t, err)

	displaced := f.events(audit.EventSessionDisplaced)
	require.Len(t, displaced, 1)
	assert.Equal(t, "dev-2", displaced[0].DeviceID)
	assert.Equal(t, "dev-1", displaced[0].Detail["previous_device_id"])
}

func TestRefreshRotatesTokens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	fresh, err := f.service.Refresh(ctx, pair.RefreshToken, "dev-1", "fp-1")
	require.NoError(t, err)
	assert.NotEqual(t, pair.AccessToken, fresh.AccessToken)

	// The spent refresh token is single-use.
	_, err = f.service.Refresh(ctx, pair.RefreshToken, "dev-1", "fp-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)

	_, err = f.service.ValidateAccess(ctx, fresh.AccessToken, "dev-1")
	assert.NoError(t, err)
}

func TestRefreshRejectsAccessToken(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	_, err = f.service.Refresh(ctx, pair.AccessToken, "dev-1", "fp-1")
	assert.ErrorIs(t, err, token.ErrTokenInvalid)
}

func TestLogoutRevokesSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	require.NoError(t, f.service.Logout(ctx, cred.UserID, "dev-1"))

	_, err = f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)

	assert.Len(t, f.events(audit.EventSessionRevoked), 1)
}

func TestChangePassword(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	err = f.service.ChangePassword(ctx, &ChangePasswordRequest{
		UserID:          cred.UserID,
		CurrentPassword: "Wrong!Mint9Quartz",
		NewPassword:     "Tulip&Ember4Radio",
	})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	err = f.service.ChangePassword(ctx, &ChangePasswordRequest{
		UserID:          cred.UserID,
		CurrentPassword: strongPassword,
		NewPassword:     "weak",
	})
	assert.ErrorIs(t, err, password.ErrWeakPassword)

	err = f.service.ChangePassword(ctx, &ChangePasswordRequest{
		UserID:          cred.UserID,
		CurrentPassword: strongPassword,
		NewPassword:     "Tulip&Ember4Radio",
	})
	require.NoError(t, err)

	// Outstanding tokens die with the old password.
	_, err = f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)

	req := loginRequest()
	req.Password = "Tulip&Ember4Radio"
	_, err = f.service.Login(ctx, req)
	assert.NoError(t, err)
}

func TestChangePasswordRevokesTokensFromBeforeRefresh(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	// A same-device refresh mints a new pair while the original access
	// token stays valid until its own expiry.
	fresh, err := f.service.Refresh(ctx, pair.RefreshToken, "dev-1", "fp-1")
	require.NoError(t, err)
	_, err = f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	require.NoError(t, err)

	err = f.service.ChangePassword(ctx, &ChangePasswordRequest{
		UserID:          cred.UserID,
		CurrentPassword: strongPassword,
		NewPassword:     "Tulip&Ember4Radio",
	})
	require.NoError(t, err)

	// Every outstanding token dies, including the access token minted
	// before the refresh.
	_, err = f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)
	_, err = f.service.ValidateAccess(ctx, fresh.AccessToken, "dev-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)
	_, err = f.service.Refresh(ctx, fresh.RefreshToken, "dev-1", "fp-1")
	assert.ErrorIs(t, err, token.ErrTokenRevoked)
}

func TestBiometricLogin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	template := []byte("reference-template")
	f.matcher.Enroll(cred.UserID, template)

	req := &BiometricLoginRequest{
		Identifier: "ada@example.com",
		Sample:     template,
		Device: model.DeviceInfo{
			DeviceID:      "dev-1",
			SecurityLevel: model.SecurityLevelHigh,
			Fingerprint:   "fp-1",
		},
	}
	pair, err := f.service.LoginWithBiometric(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)

	events := f.events(audit.EventLoginSucceeded)
	require.Len(t, events, 1)
	assert.Equal(t, "biometric", events[0].Detail["method"])
}

func TestBiometricLoginFailures(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	req := &BiometricLoginRequest{
		Identifier: "ada@example.com",
		Sample:     []byte("sample"),
		Device: model.DeviceInfo{
			DeviceID:      "dev-1",
			SecurityLevel: model.SecurityLevelHigh,
		},
	}

	// No template enrolled.
	_, err = f.service.LoginWithBiometric(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// A mismatching sample counts as a failed attempt.
	f.matcher.Enroll(cred.UserID, []byte("reference-template"))
	_, err = f.service.LoginWithBiometric(ctx, req)
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	stored, err := f.repo.GetByID(ctx, cred.UserID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.FailedAttempts)
}

func TestUpdateKYCStatus(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	require.NoError(t, f.service.UpdateKYCStatus(ctx, cred.UserID, model.KYCVerified))

	stored, err := f.repo.GetByID(ctx, cred.UserID)
	require.NoError(t, err)
	assert.Equal(t, model.KYCVerified, stored.KYCStatus)

	events := f.events(audit.EventKYCStatusChanged)
	require.Len(t, events, 1)
	assert.Equal(t, "pending", events[0].Detail["from"])
	assert.Equal(t, "verified", events[0].Detail["to"])

	// verified -> pending is not a legal transition.
	err = f.service.UpdateKYCStatus(ctx, cred.UserID, model.KYCPending)
	assert.ErrorIs(t, err, ErrInvalidKYCStatus)

	err = f.service.UpdateKYCStatus(ctx, cred.UserID, model.KYCStatus("bogus"))
	assert.ErrorIs(t, err, ErrInvalidKYCStatus)
}

func TestVerifiedKYCWidensScopes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cred, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)

	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)
	claims, err := f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"accounts:read"}, claims.Scopes)

	require.NoError(t, f.service.UpdateKYCStatus(ctx, cred.UserID, model.KYCVerified))

	pair, err = f.service.Login(ctx, loginRequest())
	require.NoError(t, err)
	claims, err = f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	require.NoError(t, err)
	assert.Contains(t, claims.Scopes, "payments:transfer")
}

func TestRotateSigningKeys(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.service.Register(ctx, registerRequest())
	require.NoError(t, err)
	pair, err := f.service.Login(ctx, loginRequest())
	require.NoError(t, err)

	keyID, err := f.service.RotateSigningKeys(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, keyID)
	assert.NotEqual(t, pair.KeyID, keyID)

	// Tokens signed before the rotation keep verifying within retention.
	_, err = f.service.ValidateAccess(ctx, pair.AccessToken, "dev-1")
	assert.NoError(t, err)

	events := f.events(audit.EventSigningKeyRotated)
	require.Len(t, events, 1)
	assert.Equal(t, keyID, events[0].Detail["key_id"])
}

func TestScorePassword(t *testing.T) {
	f := newFixture(t)

	weak := f.service.ScorePassword("password")
	strong := f.service.ScorePassword(strongPassword)

	assert.Equal(t, 0, weak.Score)
	assert.GreaterOrEqual(t, strong.Score, 3)
}
