package kafka

import (
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
)

// eventNamespace scopes deterministic event ids so replays of the same
// business fact always produce the same id.
var eventNamespace = uuid.MustParse("5b0f3c1e-8f43-4d8a-9d1c-2a4f8e6b7c10")

// Envelope is embedded in every event this service publishes or consumes.
type Envelope struct {
	EventID       string    `json:"event_id"`
	EventType     string    `json:"event_type"`
	EventVersion  int       `json:"event_version"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

// Typed is implemented by events that carry an Envelope; producers copy the
// type into a record header so consumers can route without decoding.
type Typed interface {
	Type() string
}

func (e Envelope) Type() string { return e.EventType }

func NewEnvelope(eventType string, version int, correlationID string) (Envelope, error) {
	return NewEnvelopeWithID(uuid.NewString(), eventType, version, correlationID)
}

func NewEnvelopeWithID(eventID, eventType string, version int, correlationID string) (Envelope, error) {
	env := Envelope{
		EventID:       eventID,
		EventType:     eventType,
		EventVersion:  version,
		Timestamp:     time.Now().UTC(),
		CorrelationID: correlationID,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// DeterministicEventID derives a stable id from parts, e.g. a claim id and
// the lifecycle step it reached.
func DeterministicEventID(parts ...string) string {
	joined := strings.Join(parts, "|")
	if joined == "" {
		return uuid.Nil.String()
	}
	return uuid.NewSHA1(eventNamespace, []byte(joined)).String()
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return errors.New("event_id is required")
	case e.EventType == "":
		return errors.New("event_type is required")
	case e.EventVersion <= 0:
		return errors.New("event_version must be positive")
	case e.Timestamp.IsZero():
		return errors.New("timestamp is required")
	}
	return nil
}
