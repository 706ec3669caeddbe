package ingest

import (
	"fmt"

	"github.com/statlake/statlake/pkg/event"
)

// Validation limits. Payload fields are free-form, so the write path
// caps their number and size to keep a single misbehaving producer from
// bloating the store.
const (
	MaxKindLength          = 128
	MaxPayloadFields       = 64
	MaxPayloadKeyLength    = 256
	MaxPayloadStringLength = 4096
	MaxEventsPerRequest    = 1000
)

var (
	// ErrKindEmpty is returned when an event carries no event type.
	ErrKindEmpty = fmt.Errorf("event type cannot be empty")

	// ErrKindTooLong is returned when an event type exceeds the cap.
	ErrKindTooLong = fmt.Errorf("event type too long (max %d chars)", MaxKindLength)

	// ErrTimestampMissing is returned when an event has a zero timestamp.
	ErrTimestampMissing = fmt.Errorf("event timestamp is required")

	// ErrTooManyFields is returned when a payload has too many fields.
	ErrTooManyFields = fmt.Errorf("too many payload fields (max %d)", MaxPayloadFields)

	// ErrFieldKeyTooLong is returned when a payload key is too long.
	ErrFieldKeyTooLong = fmt.Errorf("payload key too long (max %d chars)", MaxPayloadKeyLength)

	// ErrFieldValueTooLong is returned when a payload string is too long.
	ErrFieldValueTooLong = fmt.Errorf("payload value too long (max %d chars)", MaxPayloadStringLength)

	// ErrTooManyEvents is returned when a batch exceeds the request cap.
	ErrTooManyEvents = fmt.Errorf("too many events in request (max %d)", MaxEventsPerRequest)
)

// ValidateEvent checks one enriched event against the write-path limits.
func ValidateEvent(ev event.Enriched) error {
	if ev.Kind == "" {
		return ErrKindEmpty
	}
	if len(ev.Kind) > MaxKindLength {
		return fmt.Errorf("%w: %q has %d chars", ErrKindTooLong, ev.Kind, len(ev.Kind))
	}
	if ev.Timestamp.IsZero() {
		return fmt.Errorf("%w: event type %q", ErrTimestampMissing, ev.Kind)
	}
	if len(ev.Payload) > MaxPayloadFields {
		return fmt.Errorf("%w: event type %q has %d fields", ErrTooManyFields, ev.Kind, len(ev.Payload))
	}
	for k, v := range ev.Payload {
		if len(k) > MaxPayloadKeyLength {
			return fmt.Errorf("%w: key %q in event type %q", ErrFieldKeyTooLong, k, ev.Kind)
		}
		if s, ok := v.(string); ok && len(s) > MaxPayloadStringLength {
			return fmt.Errorf("%w: value for key %q in event type %q", ErrFieldValueTooLong, k, ev.Kind)
		}
	}
	return nil
}
