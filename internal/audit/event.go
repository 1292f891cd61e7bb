package audit

import (
	"time"

	"github.com/google/uuid"
)

// EventType names the security-relevant outcomes the service records.
type EventType string

const (
	EventLoginSucceeded    EventType = "login_succeeded"
	EventLoginFailed       EventType = "login_failed"
	EventAccountLocked     EventType = "account_locked"
	EventSessionDisplaced  EventType = "session_displaced"
	EventSessionRevoked    EventType = "session_revoked"
	EventTokenRefreshed    EventType = "token_refreshed"
	EventPasswordChanged   EventType = "password_changed"
	EventDeviceTrusted     EventType = "device_trusted"
	EventDeviceRejected    EventType = "device_rejected"
	EventKYCStatusChanged  EventType = "kyc_status_changed"
	EventSigningKeyRotated EventType = "signing_key_rotated"
	EventUserRegistered    EventType = "user_registered"
)

// Event is an immutable audit record. Identifiers are hashed or opaque;
// events never carry passwords, hashes or plaintext contact details.
type Event struct {
	EventID     string            `json:"event_id"`
	EventType   EventType         `json:"event_type"`
	UserID      string            `json:"user_id,omitempty"`
	DeviceID    string            `json:"device_id,omitempty"`
	EventBucket int               `json:"event_bucket"`
	DateBucket  string            `json:"date_bucket"`
	Detail      map[string]string `json:"detail,omitempty"`
	OccurredAt  time.Time         `json:"occurred_at"`
}

// NewEvent builds an event stamped with id and time. Bucket fields are
// filled in by the dispatcher.
func NewEvent(eventType EventType, userID, deviceID string) Event {
	return Event{
		EventID:    uuid.New().String(),
		EventType:  eventType,
		UserID:     userID,
		DeviceID:   deviceID,
		OccurredAt: time.Now().UTC(),
	}
}

// WithDetail attaches a key/value pair, allocating the map lazily.
func (e Event) WithDetail(key, value string) Event {
	if e.Detail == nil {
		e.Detail = make(map[string]string, 2)
	}
	e.Detail[key] = value
	return e
}
