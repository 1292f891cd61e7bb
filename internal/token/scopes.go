package token

import "session-service/internal/model"

// kycScopes maps KYC status to the claim set a token may carry. The table is
// evaluated once at issuance and the result embedded immutably in the token;
// a later KYC change never alters tokens already in the wild.
var kycScopes = map[model.KYCStatus][]string{
	model.KYCVerified:       {"accounts:read", "accounts:write", "payments:transfer", "cards:manage"},
	model.KYCPending:        {"accounts:read"},
	model.KYCInProgress:     {"accounts:read"},
	model.KYCReviewRequired: {"accounts:read"},
	model.KYCExpired:        {"accounts:read", "kyc:resubmit"},
	// KYCRejected issues no tokens at all; see Engine.Issue.
}

// ScopesFor returns a copy of the allowed claim set for a KYC status.
func ScopesFor(status model.KYCStatus) []string {
	scopes, ok := kycScopes[status]
	if !ok {
		return nil
	}
	return append([]string(nil), scopes...)
}
