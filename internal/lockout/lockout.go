// Package lockout implements the progressive account lockout state machine.
// The machine itself is pure; persistence of the resulting state is the
// credential repository's job and must be a compare-and-set against the
// previous state (see repository.UpdateLockoutState).
package lockout

import (
	"errors"
	"fmt"
	"time"

	"session-service/internal/config"
	"session-service/internal/model"
)

// ErrAccountLocked is the sentinel every AccountLockedError unwraps to.
var ErrAccountLocked = errors.New("account locked")

// AccountLockedError reports when the lockout window ends.
type AccountLockedError struct {
	Until time.Time
}

func (e *AccountLockedError) Error() string {
	return fmt.Sprintf("account locked until %s", e.Until.UTC().Format(time.RFC3339))
}

func (e *AccountLockedError) Unwrap() error { return ErrAccountLocked }

// Machine evaluates lockout transitions. Threshold failures open a lockout
// window of min(2^(count-threshold) x base, max); the window is set only on
// the failure that crosses or extends the counter, never on attempts
// rejected while locked.
type Machine struct {
	threshold int
	base      time.Duration
	max       time.Duration
}

func NewMachine(cfg *config.Config) *Machine {
	return &Machine{
		threshold: cfg.Lockout.Threshold,
		base:      cfg.Lockout.BaseLockout,
		max:       cfg.Lockout.MaxLockout,
	}
}

// Locked reports whether attempts are currently rejected. A state whose
// window has passed is OPEN again; the counter survives until the next
// success resets it.
func (m *Machine) Locked(state model.LockoutState, now time.Time) bool {
	return now.Before(state.LockedUntil)
}

// Check returns an AccountLockedError when the state is LOCKED at now.
// Callers must short-circuit on this before touching the password hash.
func (m *Machine) Check(state model.LockoutState, now time.Time) error {
	if m.Locked(state, now) {
		return &AccountLockedError{Until: state.LockedUntil}
	}
	return nil
}

// Fail records a failed authentication attempt and returns the next state.
// The caller must only invoke this when the machine is OPEN.
func (m *Machine) Fail(state model.LockoutState, now time.Time) model.LockoutState {
	next := model.LockoutState{
		FailedAttempts: state.FailedAttempts + 1,
		LockedUntil:    state.LockedUntil,
	}
	if next.FailedAttempts >= m.threshold {
		next.LockedUntil = now.Add(m.window(next.FailedAttempts))
	}
	return next
}

// Reset returns the OPEN zero state. Any successful authentication resets
// the counter regardless of its previous value.
func (m *Machine) Reset() model.LockoutState {
	return model.LockoutState{}
}

// window computes min(2^(count-threshold) x base, max) with overflow guard.
func (m *Machine) window(count int) time.Duration {
	exp := count - m.threshold
	if exp < 0 {
		exp = 0
	}
	// 2^exp saturates well before the cap for any sane config.
	if exp > 30 {
		return m.max
	}
	d := m.base * time.Duration(1<<uint(exp))
	if d > m.max || d <= 0 {
		return m.max
	}
	return d
}
