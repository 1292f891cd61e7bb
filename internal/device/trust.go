// Package device scores how much a presented device fingerprint can be
// trusted for a given credential. The check runs after password verification
// succeeds so device-trust timing cannot leak password correctness, and
// before any token is minted.
package device

import (
	"errors"

	"session-service/internal/config"
	"session-service/internal/model"
)

// ErrTrustRejected is returned when a device scores below the acceptance
// threshold, independent of password correctness.
var ErrTrustRejected = errors.New("device trust rejected")

// Evaluator assigns a trust score in [0,1] from the declared security level
// and the device's registration state on the credential.
type Evaluator struct {
	threshold float64
}

func NewEvaluator(cfg *config.Config) *Evaluator {
	return &Evaluator{threshold: cfg.DeviceTrust.AcceptThreshold}
}

// Threshold returns the configured acceptance threshold.
func (e *Evaluator) Threshold() float64 { return e.threshold }

// Evaluate scores the presented device. registered is the matching device
// binding from the credential record, or nil when the device id is unknown
// for this user. Unregistered devices and devices declaring a LOW security
// level always land below the default threshold.
func (e *Evaluator) Evaluate(info model.DeviceInfo, registered *model.Device) float64 {
	if info.DeviceID == "" {
		return 0
	}

	var score float64
	switch {
	case registered != nil && registered.Trusted:
		score = 0.6
	case registered != nil:
		score = 0.4
	default:
		score = 0.1
	}

	switch info.SecurityLevel {
	case model.SecurityLevelHigh:
		score += 0.35
	case model.SecurityLevelMedium:
		score += 0.25
	case model.SecurityLevelLow:
		// no contribution; LOW devices stay below threshold
	}

	if score > 1 {
		score = 1
	}
	return score
}

// Check evaluates and enforces the threshold in one call.
func (e *Evaluator) Check(info model.DeviceInfo, registered *model.Device) (float64, error) {
	score := e.Evaluate(info, registered)
	if score < e.threshold {
		return score, ErrTrustRejected
	}
	return score, nil
}
