package device

import (
	"context"
	"crypto/subtle"
	"errors"
	"sync"
)

// ErrBiometricRejected is returned when a biometric sample scores below the
// configured match threshold.
var ErrBiometricRejected = errors.New("biometric match rejected")

// ErrNoTemplate is returned when no biometric template is enrolled for the
// user.
var ErrNoTemplate = errors.New("no biometric template enrolled")

// BiometricMatcher returns a match score in [0,1] for a presented sample.
// The authentication core does not care how the score was obtained; a
// hardware sensor, a remote attestation service, and a test double all
// satisfy this interface.
type BiometricMatcher interface {
	Match(ctx context.Context, userID string, sample []byte) (float64, error)
}

// StaticMatcher is an in-process matcher over enrolled templates. It scores
// an exact template match as 1.0 and anything else as 0.0, which is enough
// for development and tests; production deployments wire a remote matcher.
type StaticMatcher struct {
	mu        sync.RWMutex
	templates map[string][]byte
}

func NewStaticMatcher() *StaticMatcher {
	return &StaticMatcher{templates: make(map[string][]byte)}
}

// Enroll stores the reference template for a user, replacing any previous one.
func (m *StaticMatcher) Enroll(userID string, template []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates[userID] = append([]byte(nil), template...)
}

func (m *StaticMatcher) Match(_ context.Context, userID string, sample []byte) (float64, error) {
	m.mu.RLock()
	template, ok := m.templates[userID]
	m.mu.RUnlock()
	if !ok {
		return 0, ErrNoTemplate
	}
	if len(template) == len(sample) && subtle.ConstantTimeCompare(template, sample) == 1 {
		return 1.0, nil
	}
	return 0, nil
}
