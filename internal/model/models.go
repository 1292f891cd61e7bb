package model

import "time"

// -------------------- KYC STATUS --------------------

// KYCStatus is the verification state of a user's identity documents.
// It gates which claims an issued token may carry.
type KYCStatus string

const (
	KYCPending        KYCStatus = "pending"
	KYCInProgress     KYCStatus = "in_progress"
	KYCVerified       KYCStatus = "verified"
	KYCRejected       KYCStatus = "rejected"
	KYCExpired        KYCStatus = "expired"
	KYCReviewRequired KYCStatus = "review_required"
)

// Valid reports whether s is a known KYC state.
func (s KYCStatus) Valid() bool {
	switch s {
	case KYCPending, KYCInProgress, KYCVerified, KYCRejected, KYCExpired, KYCReviewRequired:
		return true
	}
	return false
}

// -------------------- AUTH METHOD --------------------

type AuthMethod string

const (
	AuthMethodPassword  AuthMethod = "password"
	AuthMethodBiometric AuthMethod = "biometric"
)

// -------------------- CREDENTIAL MODEL --------------------

// Credential is the canonical user record held by the credential store.
// The password hash never leaves the service boundary; handlers and audit
// events work with the sanitized view only.
type Credential struct {
	UserBucket     int        `db:"user_bucket"`
	UserID         string     `db:"user_id"`
	Email          string     `db:"email"`
	EmailEncrypted []byte     `db:"email_encrypted"`
	Phone          string     `db:"phone"`
	PhoneEncrypted []byte     `db:"phone_encrypted"`
	ContactKeyID   string     `db:"contact_key_id"`
	PasswordHash   string     `db:"password_hash"`
	KYCStatus      KYCStatus  `db:"kyc_status"`
	Devices        []Device   `db:"devices"`
	FailedAttempts int        `db:"failed_attempts"`
	LockedUntil    time.Time  `db:"locked_until"`
	LastLoginAt    *time.Time `db:"last_login_at"`
	PreferredAuth  AuthMethod `db:"preferred_auth"`
	CreatedAt      time.Time  `db:"created_at"`
	UpdatedAt      time.Time  `db:"updated_at"`
}

// Device returns the registered device with the given id, or nil.
func (c *Credential) Device(deviceID string) *Device {
	for i := range c.Devices {
		if c.Devices[i].DeviceID == deviceID {
			return &c.Devices[i]
		}
	}
	return nil
}

// -------------------- DEVICE BINDING MODEL --------------------

// Device is a device binding record embedded in the credential record.
// One device id maps to at most one trust flag per user.
type Device struct {
	DeviceID   string    `db:"device_id"`
	DeviceType string    `db:"device_type"`
	Name       string    `db:"name"`
	Trusted    bool      `db:"trusted"`
	LastUsedAt time.Time `db:"last_used_at"`
}

// -------------------- LOCKOUT STATE --------------------

// LockoutState is the failed-attempt counter and lockout window owned by a
// credential record. Updates must be compare-and-set against the previous
// state so concurrent logins cannot slip an extra attempt past the threshold.
type LockoutState struct {
	FailedAttempts int       `db:"failed_attempts"`
	LockedUntil    time.Time `db:"locked_until"`
}

// -------------------- TOKEN PAIR --------------------

// TokenPair is the issuance result returned to authenticated callers.
type TokenPair struct {
	AccessToken   string    `json:"access_token"`
	RefreshToken  string    `json:"refresh_token"`
	KeyID         string    `json:"key_id"`
	DeviceBinding string    `json:"device_binding"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// -------------------- DEVICE INFO (presented at login) --------------------

// SecurityLevel is the security capability a device declares about itself.
type SecurityLevel string

const (
	SecurityLevelHigh   SecurityLevel = "HIGH"
	SecurityLevelMedium SecurityLevel = "MEDIUM"
	SecurityLevelLow    SecurityLevel = "LOW"
)

// DeviceInfo is the fingerprint material a client presents with a login
// request. It is matched against the credential's registered devices.
type DeviceInfo struct {
	DeviceID      string        `json:"device_id"`
	DeviceType    string        `json:"device_type"`
	Name          string        `json:"name"`
	SecurityLevel SecurityLevel `json:"security_level"`
	Fingerprint   string        `json:"fingerprint"`
}
