package scylla

import (
	"context"
	"errors"
	"time"

	"session-service/internal/model"
)

var (
	ErrNotFound            = errors.New("credential not found")
	ErrDuplicateIdentifier = errors.New("email or phone already registered")
	ErrStaleLockoutState   = errors.New("lockout state changed concurrently")
)

// CredentialRepository is the persistence boundary for credentials, their
// lookup identifiers and registered devices.
type CredentialRepository interface {
	Create(ctx context.Context, cred *model.Credential) error
	GetByID(ctx context.Context, userID string) (*model.Credential, error)
	FindByIdentifier(ctx context.Context, identifier string) (*model.Credential, error)
	UpdatePasswordHash(ctx context.Context, userID, passwordHash string) error
	UpdateKYCStatus(ctx context.Context, userID string, status model.KYCStatus) error
	UpdateLastLogin(ctx context.Context, userID string, at time.Time) error
	// UpdateLockoutState applies next only if the stored state still equals
	// prev, returning ErrStaleLockoutState when another writer got there first.
	UpdateLockoutState(ctx context.Context, userID string, prev, next model.LockoutState) error
	UpsertDevice(ctx context.Context, userID string, device model.Device) error
	HealthCheck(ctx context.Context) error
}
