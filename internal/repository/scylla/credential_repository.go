package scylla

import (
	"context"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"session-service/internal/bucketing"
	"session-service/internal/encryption"
	"session-service/internal/model"
	"session-service/internal/util"
)

const queryTimeout = 5 * time.Second

type credentialRepository struct {
	client     *ScyllaClient
	encryption *encryption.EncryptionManager
	bucketing  *bucketing.BucketingManager
}

func NewCredentialRepository(
	client *ScyllaClient,
	encryptionManager *encryption.EncryptionManager,
	bucketingManager *bucketing.BucketingManager,
) CredentialRepository {
	return &credentialRepository{
		client:     client,
		encryption: encryptionManager,
		bucketing:  bucketingManager,
	}
}

func (r *credentialRepository) Create(ctx context.Context, cred *model.Credential) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	cred.UserBucket = r.bucketing.GetUserBucket(cred.UserID)
	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	if cred.Email != "" {
		blob, keyID, err := r.encryption.SealContact(ctx, cred.Email)
		if err != nil {
			return fmt.Errorf("failed to encrypt email: %w", err)
		}
		cred.EmailEncrypted = []byte(blob)
		cred.ContactKeyID = keyID
	}
	if cred.Phone != "" {
		blob, keyID, err := r.encryption.SealContact(ctx, cred.Phone)
		if err != nil {
			return fmt.Errorf("failed to encrypt phone: %w", err)
		}
		cred.PhoneEncrypted = []byte(blob)
		cred.ContactKeyID = keyID
	}

	// Claim the lookup identifiers first. The conditional inserts are the
	// uniqueness guarantee; the credential row only lands once both apply.
	claimed := make([]string, 0, 2)
	if cred.Email != "" {
		applied, err := r.claimIdentifier(ctx, r.client.Prepared.CreateEmailToUser, cred.Email, cred)
		if err != nil {
			return err
		}
		if !applied {
			return ErrDuplicateIdentifier
		}
		claimed = append(claimed, "email")
	}
	if cred.Phone != "" {
		applied, err := r.claimIdentifier(ctx, r.client.Prepared.CreatePhoneToUser, cred.Phone, cred)
		if err != nil {
			r.releaseClaims(ctx, claimed, cred)
			return err
		}
		if !applied {
			r.releaseClaims(ctx, claimed, cred)
			return ErrDuplicateIdentifier
		}
	}

	err := r.client.Prepared.CreateCredential.Bind(
		cred.UserBucket, cred.UserID,
		cred.Email, cred.EmailEncrypted,
		cred.Phone, cred.PhoneEncrypted,
		cred.ContactKeyID, cred.PasswordHash,
		string(cred.KYCStatus),
		cred.FailedAttempts, cred.LockedUntil,
		cred.LastLoginAt, string(cred.PreferredAuth),
		cred.CreatedAt, cred.UpdatedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}

	for _, device := range cred.Devices {
		if err := r.UpsertDevice(ctx, cred.UserID, device); err != nil {
			return err
		}
	}

	util.Info("Credential created",
		zap.String("user_id", cred.UserID),
		zap.Int("user_bucket", cred.UserBucket))
	return nil
}

func (r *credentialRepository) claimIdentifier(ctx context.Context, query *gocql.Query, identifier string, cred *model.Credential) (bool, error) {
	var existingIdentifier string
	var existingBucket int
	var existingUserID string
	var existingCreatedAt time.Time

	applied, err := query.Bind(identifier, cred.UserBucket, cred.UserID, cred.CreatedAt).
		WithContext(ctx).
		ScanCAS(&existingIdentifier, &existingBucket, &existingUserID, &existingCreatedAt)
	if err != nil {
		return false, fmt.Errorf("failed to claim identifier: %w", err)
	}
	return applied, nil
}

func (r *credentialRepository) releaseClaims(ctx context.Context, claimed []string, cred *model.Credential) {
	if len(claimed) == 0 {
		return
	}
	batch := r.client.Batch(gocql.LoggedBatch).WithContext(ctx)
	for _, kind := range claimed {
		switch kind {
		case "email":
			batch.Query(`DELETE FROM email_to_user WHERE email = ?`, cred.Email)
		case "phone":
			batch.Query(`DELETE FROM phone_to_user WHERE phone = ?`, cred.Phone)
		}
	}
	if err := r.client.ExecuteBatch(batch); err != nil {
		util.Warn("Failed to release identifier claims",
			zap.Strings("kinds", claimed),
			zap.String("user_id", cred.UserID),
			zap.Error(err))
	}
}

func (r *credentialRepository) GetByID(ctx context.Context, userID string) (*model.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	userBucket := r.bucketing.GetUserBucket(userID)

	cred := &model.Credential{}
	var kycStatus, preferredAuth string

	err := r.client.ScanWithRetry(
		r.client.Prepared.GetCredentialByID.Bind(userBucket, userID).WithContext(ctx),
		&cred.UserBucket, &cred.UserID,
		&cred.Email, &cred.EmailEncrypted,
		&cred.Phone, &cred.PhoneEncrypted,
		&cred.ContactKeyID, &cred.PasswordHash,
		&kycStatus,
		&cred.FailedAttempts, &cred.LockedUntil,
		&cred.LastLoginAt, &preferredAuth,
		&cred.CreatedAt, &cred.UpdatedAt,
	)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get credential: %w", err)
	}

	cred.KYCStatus = model.KYCStatus(kycStatus)
	cred.PreferredAuth = model.AuthMethod(preferredAuth)

	if err := r.loadDevices(ctx, cred); err != nil {
		return nil, err
	}
	return cred, nil
}

func (r *credentialRepository) FindByIdentifier(ctx context.Context, identifier string) (*model.Credential, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	lookup := r.client.Prepared.GetUserByPhone
	if util.IsEmail(identifier) {
		lookup = r.client.Prepared.GetUserByEmail
	}

	var userBucket int
	var userID string
	err := lookup.Bind(identifier).WithContext(ctx).Scan(&userBucket, &userID)
	if err == gocql.ErrNotFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve identifier: %w", err)
	}

	return r.GetByID(ctx, userID)
}

func (r *credentialRepository) loadDevices(ctx context.Context, cred *model.Credential) error {
	iter := r.client.Prepared.GetDevicesByUser.Bind(cred.UserBucket, cred.UserID).
		WithContext(ctx).Iter()

	cred.Devices = cred.Devices[:0]
	var device model.Device
	for iter.Scan(&device.DeviceID, &device.DeviceType, &device.Name, &device.Trusted, &device.LastUsedAt) {
		cred.Devices = append(cred.Devices, device)
	}
	if err := iter.Close(); err != nil {
		return fmt.Errorf("failed to load devices: %w", err)
	}
	return nil
}

func (r *credentialRepository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	userBucket := r.bucketing.GetUserBucket(userID)
	err := r.client.Prepared.UpdatePassword.Bind(passwordHash, time.Now().UTC(), userBucket, userID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update password hash: %w", err)
	}
	return nil
}

func (r *credentialRepository) UpdateKYCStatus(ctx context.Context, userID string, status model.KYCStatus) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	userBucket := r.bucketing.GetUserBucket(userID)
	err := r.client.Prepared.UpdateKYCStatus.Bind(string(status), time.Now().UTC(), userBucket, userID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update kyc status: %w", err)
	}

	util.Info("KYC status updated",
		zap.String("user_id", userID),
		zap.String("status", string(status)))
	return nil
}

func (r *credentialRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	userBucket := r.bucketing.GetUserBucket(userID)
	err := r.client.Prepared.UpdateLastLogin.Bind(at, userBucket, userID).
		WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to update last login: %w", err)
	}
	return nil
}

func (r *credentialRepository) UpdateLockoutState(ctx context.Context, userID string, prev, next model.LockoutState) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	userBucket := r.bucketing.GetUserBucket(userID)

	var currentAttempts int
	var currentLockedUntil time.Time
	applied, err := r.client.Prepared.UpdateLockout.Bind(
		next.FailedAttempts, next.LockedUntil,
		userBucket, userID,
		prev.FailedAttempts, prev.LockedUntil,
	).WithContext(ctx).ScanCAS(&currentAttempts, &currentLockedUntil)
	if err != nil {
		return fmt.Errorf("failed to update lockout state: %w", err)
	}
	if !applied {
		return ErrStaleLockoutState
	}
	return nil
}

func (r *credentialRepository) UpsertDevice(ctx context.Context, userID string, device model.Device) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()

	userBucket := r.bucketing.GetUserBucket(userID)
	err := r.client.Prepared.UpsertDevice.Bind(
		userBucket, userID,
		device.DeviceID, device.DeviceType, device.Name,
		device.Trusted, device.LastUsedAt,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to upsert device: %w", err)
	}
	return nil
}

func (r *credentialRepository) HealthCheck(ctx context.Context) error {
	return r.client.HealthCheck()
}
