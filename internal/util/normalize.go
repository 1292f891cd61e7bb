package util

import (
	"html"
	"strings"
)

// SanitizeInput escapes HTML/script-like characters
func SanitizeInput(s string) string {
	s = strings.TrimSpace(s)
	return html.EscapeString(s)
}

// NormalizeIdentifier canonicalizes a login identifier so the same email or
// phone number always hits the same credential record. Emails are lowercased;
// phone numbers lose spacing and punctuation but keep a leading "+".
func NormalizeIdentifier(identifier string) string {
	id := strings.TrimSpace(identifier)
	if strings.Contains(id, "@") {
		return strings.ToLower(id)
	}
	var b strings.Builder
	for i, r := range id {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// IsEmail reports whether the identifier looks like an email address.
func IsEmail(identifier string) bool {
	return strings.Contains(identifier, "@")
}
