package event

import (
	"os"
	"time"

	"github.com/google/uuid"
)

// Enriched is an Event plus the metadata stamped at track time. This is
// the unit that flows through the ingestion queue and is persisted as
// one raw row: {timestamp, event_type, service, user_id, data}.
type Enriched struct {
	Timestamp   time.Time  `json:"timestamp"`
	Kind        Kind       `json:"event_type"`
	Service     string     `json:"service"`
	UserID      *uuid.UUID `json:"user_id,omitempty"`
	Hostname    string     `json:"hostname,omitempty"`
	Environment string     `json:"environment,omitempty"`
	Payload     Payload    `json:"data"`
}

// Enrich stamps an event with the current time and the producer's
// identity. Timestamps are assigned here, not at write time, so batching
// delay never skews bucket assignment.
func Enrich(ev Event, service string) Enriched {
	return Enriched{
		Timestamp:   time.Now().UTC(),
		Kind:        ev.Kind,
		Service:     service,
		UserID:      ev.UserID,
		Hostname:    os.Getenv("HOSTNAME"),
		Environment: os.Getenv("ENVIRONMENT"),
		Payload:     ev.Payload,
	}
}

// Duration returns the duration_ms payload field, if present.
func (e Enriched) Duration() (int64, bool) {
	return payloadInt64(e.Payload, "duration_ms")
}

// PayloadString returns a string payload field, if present and a string.
func (e Enriched) PayloadString(key string) (string, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadBool returns a bool payload field, if present and a bool.
func (e Enriched) PayloadBool(key string) (bool, bool) {
	v, ok := e.Payload[key]
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

// PayloadInt64 returns a numeric payload field as int64. JSON decoding
// turns numbers into float64, so both widths are accepted.
func (e Enriched) PayloadInt64(key string) (int64, bool) {
	return payloadInt64(e.Payload, key)
}
