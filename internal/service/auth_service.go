package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"session-service/internal/audit"
	"session-service/internal/config"
	"session-service/internal/device"
	"session-service/internal/lockout"
	"session-service/internal/model"
	"session-service/internal/password"
	"session-service/internal/repository/scylla"
	"session-service/internal/token"
	"session-service/internal/util"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidInput       = errors.New("invalid input")
	ErrUserAlreadyExists  = errors.New("user already exists")
	ErrDeviceNotTrusted   = errors.New("device not trusted")
	ErrInvalidKYCStatus   = errors.New("invalid kyc status transition")
)

const lockoutRetries = 3

// AuthService owns the credential validation flow: lockout checks, password
// verification, device trust, token issuance and the audit trail around them.
type AuthService struct {
	credentials scylla.CredentialRepository
	passwords   *password.Policy
	lockouts    *lockout.Machine
	devices     *device.Evaluator
	biometrics  device.BiometricMatcher
	tokens      *token.Engine
	auditor     *audit.Dispatcher

	biometricThreshold float64
	decoyHash          string
	now                func() time.Time
}

type RegisterRequest struct {
	Email    string           `json:"email,omitempty"`
	Phone    string           `json:"phone,omitempty"`
	Password string           `json:"password"`
	Device   model.DeviceInfo `json:"device"`
}

type LoginRequest struct {
	Identifier string           `json:"identifier"`
	Password   string           `json:"password"`
	Device     model.DeviceInfo `json:"device"`
}

type BiometricLoginRequest struct {
	Identifier string           `json:"identifier"`
	Sample     []byte           `json:"sample"`
	Device     model.DeviceInfo `json:"device"`
}

type ChangePasswordRequest struct {
	UserID          string `json:"user_id"`
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func NewAuthService(
	cfg *config.Config,
	credentials scylla.CredentialRepository,
	passwords *password.Policy,
	lockouts *lockout.Machine,
	devices *device.Evaluator,
	biometrics device.BiometricMatcher,
	tokens *token.Engine,
	auditor *audit.Dispatcher,
) (*AuthService, error) {
	// A throwaway hash verified against unknown identifiers so a miss costs
	// the same as a wrong password.
	decoyHash, err := passwords.Hash(uuid.NewString())
	if err != nil {
		return nil, fmt.Errorf("failed to prepare decoy hash: %w", err)
	}

	return &AuthService{
		credentials:        credentials,
		passwords:          passwords,
		lockouts:           lockouts,
		devices:            devices,
		biometrics:         biometrics,
		tokens:             tokens,
		auditor:            auditor,
		biometricThreshold: cfg.DeviceTrust.BiometricThreshold,
		decoyHash:          decoyHash,
		now:                func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClock overrides the service clock. Tests only.
func (s *AuthService) WithClock(now func() time.Time) *AuthService {
	s.now = now
	return s
}

// Register creates a credential. The first device is enrolled trusted since
// there is no prior session to vouch for a later one.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*model.Credential, error) {
	if req.Email == "" && req.Phone == "" {
		return nil, fmt.Errorf("%w: email or phone is required", ErrInvalidInput)
	}
	if req.Device.DeviceID == "" {
		return nil, fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}
	if req.Email != "" && !util.IsEmail(util.NormalizeIdentifier(req.Email)) {
		return nil, fmt.Errorf("%w: malformed email", ErrInvalidInput)
	}

	if err := s.passwords.Enforce(req.Password); err != nil {
		return nil, err
	}

	hash, err := s.passwords.Hash(req.Password)
	if err != nil {
		return nil, err
	}

	now := s.now()
	cred := &model.Credential{
		UserID:       uuid.NewString(),
		Email:        util.NormalizeIdentifier(req.Email),
		Phone:        util.NormalizeIdentifier(req.Phone),
		PasswordHash: hash,
		KYCStatus:    model.KYCPending,
		Devices: []model.Device{{
			DeviceID:   req.Device.DeviceID,
			DeviceType: req.Device.DeviceType,
			Name:       util.SanitizeInput(req.Device.Name),
			Trusted:    true,
			LastUsedAt: now,
		}},
		PreferredAuth: model.AuthMethodPassword,
	}

	if err := s.credentials.Create(ctx, cred); err != nil {
		if errors.Is(err, scylla.ErrDuplicateIdentifier) {
			return nil, ErrUserAlreadyExists
		}
		return nil, err
	}

	s.auditor.Emit(audit.NewEvent(audit.EventUserRegistered, cred.UserID, req.Device.DeviceID))

	util.Info("Credential registered",
		zap.String("user_id", cred.UserID),
		zap.String("device_id", req.Device.DeviceID))
	return cred, nil
}

// Login runs the full validation sequence: lockout, password, device trust.
// All credential failures collapse into ErrInvalidCredentials; only the
// lockout and device outcomes are distinguishable to the caller.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*model.TokenPair, error) {
	identifier := util.NormalizeIdentifier(req.Identifier)

	cred, err := s.credentials.FindByIdentifier(ctx, identifier)
	if errors.Is(err, scylla.ErrNotFound) {
		// Burn the same argon2 work an existing user would cost.
		_, _ = s.passwords.Verify(req.Password, s.decoyHash)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	state := model.LockoutState{FailedAttempts: cred.FailedAttempts, LockedUntil: cred.LockedUntil}
	if err := s.lockouts.Check(state, now); err != nil {
		s.auditor.Emit(audit.NewEvent(audit.EventLoginFailed, cred.UserID, req.Device.DeviceID).
			WithDetail("reason", "account_locked"))
		return nil, err
	}

	ok, err := s.passwords.Verify(req.Password, cred.PasswordHash)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, s.recordFailure(ctx, cred, req.Device.DeviceID, now)
	}

	return s.completeLogin(ctx, cred, req.Device, model.AuthMethodPassword, now)
}

// LoginWithBiometric authenticates via an enrolled biometric template
// instead of a password. The lockout and device gates apply unchanged.
func (s *AuthService) LoginWithBiometric(ctx context.Context, req *BiometricLoginRequest) (*model.TokenPair, error) {
	identifier := util.NormalizeIdentifier(req.Identifier)

	cred, err := s.credentials.FindByIdentifier(ctx, identifier)
	if errors.Is(err, scylla.ErrNotFound) {
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, err
	}

	now := s.now()
	state := model.LockoutState{FailedAttempts: cred.FailedAttempts, LockedUntil: cred.LockedUntil}
	if err := s.lockouts.Check(state, now); err != nil {
		s.auditor.Emit(audit.NewEvent(audit.EventLoginFailed, cred.UserID, req.Device.DeviceID).
			WithDetail("reason", "account_locked"))
		return nil, err
	}

	score, err := s.biometrics.Match(ctx, cred.UserID, req.Sample)
	if err != nil {
		if errors.Is(err, device.ErrNoTemplate) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if score < s.biometricThreshold {
		return nil, s.recordFailure(ctx, cred, req.Device.DeviceID, now)
	}

	return s.completeLogin(ctx, cred, req.Device, model.AuthMethodBiometric, now)
}

func (s *AuthService) completeLogin(ctx context.Context, cred *model.Credential, info model.DeviceInfo, method model.AuthMethod, now time.Time) (*model.TokenPair, error) {
	registered := cred.Device(info.DeviceID)
	score, err := s.devices.Check(info, registered)
	if err != nil {
		s.auditor.Emit(audit.NewEvent(audit.EventDeviceRejected, cred.UserID, info.DeviceID).
			WithDetail("score", fmt.Sprintf("%.2f", score)))
		return nil, ErrDeviceNotTrusted
	}

	pair, err := s.tokens.Issue(ctx, cred, info.DeviceID, info.Fingerprint)
	if err != nil {
		return nil, err
	}

	if cred.FailedAttempts > 0 || !cred.LockedUntil.IsZero() {
		prev := model.LockoutState{FailedAttempts: cred.FailedAttempts, LockedUntil: cred.LockedUntil}
		if err := s.applyLockoutState(ctx, cred.UserID, prev, s.lockouts.Reset()); err != nil {
			util.Warn("Failed to reset lockout state after login",
				zap.String("user_id", cred.UserID),
				zap.Error(err))
		}
	}

	if err := s.credentials.UpdateLastLogin(ctx, cred.UserID, now); err != nil {
		util.Warn("Failed to update last login",
			zap.String("user_id", cred.UserID),
			zap.Error(err))
	}

	if registered != nil {
		registered.LastUsedAt = now
		if err := s.credentials.UpsertDevice(ctx, cred.UserID, *registered); err != nil {
			util.Warn("Failed to touch device record",
				zap.String("user_id", cred.UserID),
				zap.String("device_id", registered.DeviceID),
				zap.Error(err))
		}
	}

	s.auditor.Emit(audit.NewEvent(audit.EventLoginSucceeded, cred.UserID, info.DeviceID).
		WithDetail("method", string(method)).
		WithDetail("trust_score", fmt.Sprintf("%.2f", score)))

	return pair, nil
}

// recordFailure advances the lockout state machine and reports whether this
// failure tipped the account into a locked window.
func (s *AuthService) recordFailure(ctx context.Context, cred *model.Credential, deviceID string, now time.Time) error {
	prev := model.LockoutState{FailedAttempts: cred.FailedAttempts, LockedUntil: cred.LockedUntil}
	next := s.lockouts.Fail(prev, now)

	if err := s.applyLockoutState(ctx, cred.UserID, prev, next); err != nil {
		util.Warn("Failed to persist lockout state",
			zap.String("user_id", cred.UserID),
			zap.Error(err))
	}

	event := audit.NewEvent(audit.EventLoginFailed, cred.UserID, deviceID).
		WithDetail("failed_attempts", fmt.Sprintf("%d", next.FailedAttempts))
	s.auditor.Emit(event)

	if s.lockouts.Locked(next, now) && !s.lockouts.Locked(prev, now) {
		s.auditor.Emit(audit.NewEvent(audit.EventAccountLocked, cred.UserID, deviceID).
			WithDetail("locked_until", next.LockedUntil.Format(time.RFC3339)))
	}

	return ErrInvalidCredentials
}

// applyLockoutState writes the transition with a bounded compare-and-set
// retry. A concurrent writer invalidates prev, so the current state is
// re-read and the transition replayed on top of it.
func (s *AuthService) applyLockoutState(ctx context.Context, userID string, prev, next model.LockoutState) error {
	var err error
	for attempt := 0; attempt < lockoutRetries; attempt++ {
		err = s.credentials.UpdateLockoutState(ctx, userID, prev, next)
		if err == nil || !errors.Is(err, scylla.ErrStaleLockoutState) {
			return err
		}

		cred, getErr := s.credentials.GetByID(ctx, userID)
		if getErr != nil {
			return getErr
		}
		prev = model.LockoutState{FailedAttempts: cred.FailedAttempts, LockedUntil: cred.LockedUntil}

		if next.FailedAttempts != 0 || !next.LockedUntil.IsZero() {
			next = s.lockouts.Fail(prev, s.now())
		}
	}
	return err
}

// Refresh rotates a refresh token: the presented token is verified, revoked,
// and a fresh pair is minted with the credential's current KYC snapshot.
func (s *AuthService) Refresh(ctx context.Context, refreshToken, deviceID, fingerprint string) (*model.TokenPair, error) {
	claims, err := s.tokens.Verify(ctx, refreshToken, deviceID, token.TypeRefresh)
	if err != nil {
		return nil, err
	}

	cred, err := s.credentials.GetByID(ctx, claims.Subject)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return nil, token.ErrTokenInvalid
		}
		return nil, err
	}

	if err := s.tokens.RevokeToken(ctx, refreshToken); err != nil {
		return nil, err
	}

	pair, err := s.tokens.Issue(ctx, cred, deviceID, fingerprint)
	if err != nil {
		return nil, err
	}

	s.auditor.Emit(audit.NewEvent(audit.EventTokenRefreshed, cred.UserID, deviceID))
	return pair, nil
}

// ValidateAccess checks a presented access token for the given device.
func (s *AuthService) ValidateAccess(ctx context.Context, accessToken, deviceID string) (*token.Claims, error) {
	return s.tokens.Verify(ctx, accessToken, deviceID, token.TypeAccess)
}

// Logout revokes the user's active session outright.
func (s *AuthService) Logout(ctx context.Context, userID, deviceID string) error {
	if err := s.tokens.RevokeSession(ctx, userID); err != nil {
		return err
	}
	s.auditor.Emit(audit.NewEvent(audit.EventSessionRevoked, userID, deviceID).
		WithDetail("reason", "logout"))
	return nil
}

// ChangePassword verifies the current password, enforces policy on the new
// one, and revokes the active session so stolen tokens die with the old
// password.
func (s *AuthService) ChangePassword(ctx context.Context, req *ChangePasswordRequest) error {
	cred, err := s.credentials.GetByID(ctx, req.UserID)
	if err != nil {
		if errors.Is(err, scylla.ErrNotFound) {
			return ErrInvalidCredentials
		}
		return err
	}

	ok, err := s.passwords.Verify(req.CurrentPassword, cred.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}

	if err := s.passwords.Enforce(req.NewPassword); err != nil {
		return err
	}

	hash, err := s.passwords.Hash(req.NewPassword)
	if err != nil {
		return err
	}

	if err := s.credentials.UpdatePasswordHash(ctx, req.UserID, hash); err != nil {
		return err
	}

	if err := s.tokens.RevokeSession(ctx, req.UserID); err != nil {
		util.Warn("Failed to revoke session after password change",
			zap.String("user_id", req.UserID),
			zap.Error(err))
	}

	s.auditor.Emit(audit.NewEvent(audit.EventPasswordChanged, req.UserID, ""))
	return nil
}

// ScorePassword exposes the strength scorer for pre-submit feedback.
func (s *AuthService) ScorePassword(plaintext string) password.Strength {
	return s.passwords.ScoreStrength(plaintext)
}

// TrustDevice enrolls or re-marks a device as trusted for the user. The
// caller must already hold a valid session; the handler enforces that.
func (s *AuthService) TrustDevice(ctx context.Context, userID string, info model.DeviceInfo) error {
	if info.DeviceID == "" {
		return fmt.Errorf("%w: device id is required", ErrInvalidInput)
	}

	record := model.Device{
		DeviceID:   info.DeviceID,
		DeviceType: info.DeviceType,
		Name:       util.SanitizeInput(info.Name),
		Trusted:    true,
		LastUsedAt: s.now(),
	}
	if err := s.credentials.UpsertDevice(ctx, userID, record); err != nil {
		return err
	}

	s.auditor.Emit(audit.NewEvent(audit.EventDeviceTrusted, userID, info.DeviceID))
	return nil
}

var kycTransitions = map[model.KYCStatus][]model.KYCStatus{
	model.KYCPending:        {model.KYCInProgress, model.KYCVerified, model.KYCRejected},
	model.KYCInProgress:     {model.KYCVerified, model.KYCRejected, model.KYCReviewRequired},
	model.KYCReviewRequired: {model.KYCVerified, model.KYCRejected},
	model.KYCVerified:       {model.KYCExpired, model.KYCReviewRequired},
	model.KYCRejected:       {model.KYCPending},
	model.KYCExpired:        {model.KYCInProgress, model.KYCVerified},
}

// UpdateKYCStatus moves the credential through the verification state
// machine. A downgrade does not touch tokens already issued; the new claim
// set applies from the next issuance.
func (s *AuthService) UpdateKYCStatus(ctx context.Context, userID string, status model.KYCStatus) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidKYCStatus, status)
	}

	cred, err := s.credentials.GetByID(ctx, userID)
	if err != nil {
		return err
	}

	allowed := false
	for _, next := range kycTransitions[cred.KYCStatus] {
		if next == status {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidKYCStatus, cred.KYCStatus, status)
	}

	if err := s.credentials.UpdateKYCStatus(ctx, userID, status); err != nil {
		return err
	}

	s.auditor.Emit(audit.NewEvent(audit.EventKYCStatusChanged, userID, "").
		WithDetail("from", string(cred.KYCStatus)).
		WithDetail("to", string(status)))
	return nil
}

// RotateSigningKeys cuts a new signing key. Outstanding tokens keep
// verifying against the retired key until retention lapses.
func (s *AuthService) RotateSigningKeys(ctx context.Context) (string, error) {
	keyID, err := s.tokens.RotateKeys(ctx)
	if err != nil {
		return "", err
	}

	s.auditor.Emit(audit.NewEvent(audit.EventSigningKeyRotated, "", "").
		WithDetail("key_id", keyID))
	return keyID, nil
}

// HealthCheck reports whether the credential store is reachable.
func (s *AuthService) HealthCheck(ctx context.Context) error {
	if err := s.credentials.HealthCheck(ctx); err != nil {
		return fmt.Errorf("credential repository health check failed: %w", err)
	}
	return nil
}
