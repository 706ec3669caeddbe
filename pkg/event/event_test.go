package event

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTaskCompletedCarriesDuration(t *testing.T) {
	ev := TaskCompleted(uuid.New(), uuid.New(), 1500, 0)

	assert.Equal(t, KindTaskCompleted, ev.Kind)
	require.NotNil(t, ev.UserID)

	d, ok := ev.Duration()
	require.True(t, ok)
	assert.Equal(t, int64(1500), d)
}

func TestOptionalFieldsOmittedFromPayload(t *testing.T) {
	ev := AuthLoginAttempt(nil, "user@example.com", true, "")

	assert.Nil(t, ev.UserID)
	_, hasError := ev.Payload["error"]
	assert.False(t, hasError, "empty error should not be persisted")

	ev = AuthLoginAttempt(nil, "user@example.com", false, "invalid code")
	assert.Equal(t, "invalid code", ev.Payload["error"])
}

func TestEnrichStampsMetadata(t *testing.T) {
	before := time.Now().UTC()
	enriched := Enrich(APIRequest("api-gateway", "/v1/tasks", "POST", 201, 42, nil), "api-gateway")
	after := time.Now().UTC()

	assert.Equal(t, KindAPIRequest, enriched.Kind)
	assert.Equal(t, "api-gateway", enriched.Service)
	assert.False(t, enriched.Timestamp.Before(before))
	assert.False(t, enriched.Timestamp.After(after))
}

func TestEnrichedJSONShape(t *testing.T) {
	userID := uuid.New()
	enriched := Enrich(TaskFailed(uuid.New(), userID, nil, nil, "oom killed"), "task-runner")

	data, err := json.Marshal(enriched)
	require.NoError(t, err)

	var row map[string]any
	require.NoError(t, json.Unmarshal(data, &row))

	assert.Equal(t, "task_failed", row["event_type"])
	assert.Equal(t, "task-runner", row["service"])
	assert.Equal(t, userID.String(), row["user_id"])

	payload, ok := row["data"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "oom killed", payload["error"])
	_, hasDuration := payload["duration_ms"]
	assert.False(t, hasDuration, "nil duration must stay absent, not become zero")
}

func TestPayloadInt64ToleratesJSONNumbers(t *testing.T) {
	// Events that round-trip through the HTTP ingest path come back with
	// float64 numbers.
	e := Enriched{Payload: Payload{"duration_ms": float64(250)}}
	d, ok := e.PayloadInt64("duration_ms")
	require.True(t, ok)
	assert.Equal(t, int64(250), d)

	_, ok = e.PayloadInt64("missing")
	assert.False(t, ok)
}
