package password

import (
	"errors"
	"fmt"
	"strings"
	"unicode"

	"session-service/internal/config"
)

// ErrWeakPassword is the sentinel every WeakPasswordError unwraps to.
var ErrWeakPassword = errors.New("password policy violation")

// WeakPasswordError carries every violated rule, not just the first one, so
// callers can show the complete list in one round trip.
type WeakPasswordError struct {
	Score      int
	Violations []string
}

func (e *WeakPasswordError) Error() string {
	return fmt.Sprintf("weak password (score %d/4): %s", e.Score, strings.Join(e.Violations, "; "))
}

func (e *WeakPasswordError) Unwrap() error { return ErrWeakPassword }

// bannedTerms holds common weak choices plus domain-specific brand terms.
var bannedTerms = []string{
	"password", "passwort", "admin", "administrator", "qwerty", "letmein",
	"welcome", "iloveyou", "dragon", "monkey", "master", "login", "secret",
	"fpbe", "pibank", "pinetwork", "banking", "wallet",
}

// Strength is the result of scoring a candidate password.
type Strength struct {
	Score    int      // 0 (trivially guessable) .. 4 (strong)
	Feedback []string // one entry per violated rule
}

// Policy scores password strength and rejects weak secrets. Scoring is a
// deterministic rule table: length, character classes, sequential runs, and
// a banned-term dictionary.
type Policy struct {
	hasher    *Hasher
	minLength int
	minScore  int
}

func NewPolicy(cfg *config.Config) *Policy {
	return &Policy{
		hasher:    NewHasher(cfg),
		minLength: cfg.Password.MinLength,
		minScore:  cfg.Password.MinScore,
	}
}

// Hash delegates to the argon2id hasher.
func (p *Policy) Hash(plaintext string) (string, error) {
	return p.hasher.Hash(plaintext)
}

// Verify delegates to the argon2id hasher.
func (p *Policy) Verify(plaintext, encodedHash string) (bool, error) {
	return p.hasher.Verify(plaintext, encodedHash)
}

// ScoreStrength evaluates every rule and returns the aggregate score with
// per-rule feedback.
func (p *Policy) ScoreStrength(plaintext string) Strength {
	var feedback []string

	if len(plaintext) < p.minLength {
		feedback = append(feedback, fmt.Sprintf("must be at least %d characters", p.minLength))
	}

	var hasUpper, hasLower, hasDigit, hasSpecial bool
	for _, r := range plaintext {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSpecial = true
		}
	}
	classes := 0
	for _, ok := range []bool{hasUpper, hasLower, hasDigit, hasSpecial} {
		if ok {
			classes++
		}
	}
	if !hasUpper {
		feedback = append(feedback, "must contain an uppercase letter")
	}
	if !hasLower {
		feedback = append(feedback, "must contain a lowercase letter")
	}
	if !hasDigit {
		feedback = append(feedback, "must contain a digit")
	}
	if !hasSpecial {
		feedback = append(feedback, "must contain a special character")
	}

	sequential := hasSequentialRun(plaintext)
	if sequential {
		feedback = append(feedback, "must not contain sequential characters like \"abc\" or \"123\"")
	}

	banned := containsBannedTerm(plaintext)
	if banned {
		feedback = append(feedback, "must not contain common or brand-related terms")
	}

	score := lengthScore(len(plaintext), p.minLength)
	if classes >= 3 {
		score++
	}
	if sequential {
		score--
	}
	if banned {
		score -= 2
	}
	if score < 0 {
		score = 0
	}
	if score > 4 {
		score = 4
	}

	return Strength{Score: score, Feedback: feedback}
}

// Enforce rejects the plaintext with a WeakPasswordError when any hard rule
// is violated or the aggregate score is below the configured minimum.
func (p *Policy) Enforce(plaintext string) error {
	s := p.ScoreStrength(plaintext)
	if len(s.Feedback) == 0 && s.Score >= p.minScore {
		return nil
	}
	feedback := s.Feedback
	if s.Score < p.minScore {
		feedback = append(feedback, fmt.Sprintf("strength score %d is below the required %d", s.Score, p.minScore))
	}
	return &WeakPasswordError{Score: s.Score, Violations: feedback}
}

func lengthScore(length, minLength int) int {
	switch {
	case length >= minLength+8:
		return 3
	case length >= minLength+4:
		return 2
	case length >= minLength:
		return 1
	default:
		return 0
	}
}

// hasSequentialRun detects three or more consecutive ascending code points,
// such as "abc", "123" or "xyz". Case-insensitive.
func hasSequentialRun(s string) bool {
	runes := []rune(strings.ToLower(s))
	run := 1
	for i := 1; i < len(runes); i++ {
		if runes[i] == runes[i-1]+1 && isAlnum(runes[i]) && isAlnum(runes[i-1]) {
			run++
			if run >= 3 {
				return true
			}
		} else {
			run = 1
		}
	}
	return false
}

func isAlnum(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func containsBannedTerm(s string) bool {
	lower := strings.ToLower(s)
	for _, term := range bannedTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}
