package token

import "errors"

var (
	// ErrTokenInvalid covers structural and signature failures as well as
	// type mismatches. Callers get no finer detail than this.
	ErrTokenInvalid = errors.New("invalid token")
	// ErrTokenExpired is returned when a structurally valid token is past
	// its expiry.
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked is returned when the token identifier is present in
	// the revocation registry.
	ErrTokenRevoked = errors.New("token revoked")
	// ErrInvalidDeviceBinding is returned when the token was minted for a
	// different device than the one presenting it.
	ErrInvalidDeviceBinding = errors.New("invalid device binding")
	// ErrKYCRejected blocks issuance for credentials whose KYC was rejected.
	ErrKYCRejected = errors.New("kyc validation failed")
)
