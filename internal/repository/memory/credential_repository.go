package memory

import (
	"context"
	"sync"
	"time"

	"session-service/internal/model"
	"session-service/internal/repository/scylla"
	"session-service/internal/util"
)

// CredentialRepository is an in-memory credential store used by tests and
// local development. It mirrors the conditional-update semantics of the
// Scylla implementation, including the lockout compare-and-set.
type CredentialRepository struct {
	mu          sync.RWMutex
	credentials map[string]*model.Credential
	byEmail     map[string]string
	byPhone     map[string]string
}

func NewCredentialRepository() *CredentialRepository {
	return &CredentialRepository{
		credentials: make(map[string]*model.Credential),
		byEmail:     make(map[string]string),
		byPhone:     make(map[string]string),
	}
}

func (r *CredentialRepository) Create(ctx context.Context, cred *model.Credential) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cred.Email != "" {
		if _, exists := r.byEmail[cred.Email]; exists {
			return scylla.ErrDuplicateIdentifier
		}
	}
	if cred.Phone != "" {
		if _, exists := r.byPhone[cred.Phone]; exists {
			return scylla.ErrDuplicateIdentifier
		}
	}

	now := time.Now().UTC()
	cred.CreatedAt = now
	cred.UpdatedAt = now

	stored := cloneCredential(cred)
	r.credentials[cred.UserID] = stored
	if cred.Email != "" {
		r.byEmail[cred.Email] = cred.UserID
	}
	if cred.Phone != "" {
		r.byPhone[cred.Phone] = cred.UserID
	}
	return nil
}

func (r *CredentialRepository) GetByID(ctx context.Context, userID string) (*model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cred, ok := r.credentials[userID]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return cloneCredential(cred), nil
}

func (r *CredentialRepository) FindByIdentifier(ctx context.Context, identifier string) (*model.Credential, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	index := r.byPhone
	if util.IsEmail(identifier) {
		index = r.byEmail
	}

	userID, ok := index[identifier]
	if !ok {
		return nil, scylla.ErrNotFound
	}
	return cloneCredential(r.credentials[userID]), nil
}

func (r *CredentialRepository) UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	cred.PasswordHash = passwordHash
	cred.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *CredentialRepository) UpdateKYCStatus(ctx context.Context, userID string, status model.KYCStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	cred.KYCStatus = status
	cred.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *CredentialRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	cred.LastLoginAt = &at
	return nil
}

func (r *CredentialRepository) UpdateLockoutState(ctx context.Context, userID string, prev, next model.LockoutState) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	if cred.FailedAttempts != prev.FailedAttempts || !cred.LockedUntil.Equal(prev.LockedUntil) {
		return scylla.ErrStaleLockoutState
	}
	cred.FailedAttempts = next.FailedAttempts
	cred.LockedUntil = next.LockedUntil
	return nil
}

func (r *CredentialRepository) UpsertDevice(ctx context.Context, userID string, device model.Device) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	cred, ok := r.credentials[userID]
	if !ok {
		return scylla.ErrNotFound
	}
	for i := range cred.Devices {
		if cred.Devices[i].DeviceID == device.DeviceID {
			cred.Devices[i] = device
			return nil
		}
	}
	cred.Devices = append(cred.Devices, device)
	return nil
}

func (r *CredentialRepository) HealthCheck(ctx context.Context) error {
	return nil
}

func cloneCredential(cred *model.Credential) *model.Credential {
	clone := *cred
	clone.Devices = make([]model.Device, len(cred.Devices))
	copy(clone.Devices, cred.Devices)
	if cred.LastLoginAt != nil {
		at := *cred.LastLoginAt
		clone.LastLoginAt = &at
	}
	return &clone
}
