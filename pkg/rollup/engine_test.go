package rollup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/obs"
	"github.com/statlake/statlake/pkg/storage/memory"
)

func newTestEngine(t *testing.T, now time.Time) (*Engine, *memory.Store, *obs.Metrics) {
	t.Helper()
	store := memory.New()
	cat, err := catalog.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cat.Close() })

	migrations := append(catalog.BaseMigrations(), Migrations(Shipped())...)
	require.NoError(t, cat.Migrate(context.Background(), migrations, catalog.PhaseAll))

	metrics := obs.New()
	engine := NewEngine(store, cat, metrics)
	engine.now = func() time.Time { return now }
	return engine, store, metrics
}

func apiRequestAt(ts time.Time, service string, userID uuid.UUID, status, durationMS int64) event.Enriched {
	return event.Enriched{
		Timestamp: ts,
		Kind:      event.KindAPIRequest,
		Service:   service,
		UserID:    &userID,
		Payload: event.Payload{
			"endpoint":    "/v1/things",
			"method":      "GET",
			"status_code": status,
			"duration_ms": durationMS,
		},
	}
}

func findDef(t *testing.T, name string) Definition {
	t.Helper()
	for _, d := range Shipped() {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("no shipped definition named %s", name)
	return Definition{}
}

func TestRefreshComputesHourlyAggregates(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "api_requests_hourly")

	bucket := time.Date(2026, 8, 30, 9, 0, 0, 0, time.UTC)
	u1, u2 := uuid.New(), uuid.New()
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		apiRequestAt(bucket.Add(1*time.Minute), "api", u1, 200, 100),
		apiRequestAt(bucket.Add(2*time.Minute), "api", u2, 200, 200),
		apiRequestAt(bucket.Add(3*time.Minute), "api", u1, 502, 300),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))

	rows, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	row := rows[0]
	assert.Equal(t, bucket, row.Bucket)
	assert.Equal(t, "api", row.Groups["service"])
	assert.Equal(t, int64(3), row.Values["request_count"])
	assert.Equal(t, int64(1), row.Values["error_count"])
	assert.Equal(t, int64(2), row.Values["distinct_users"])
	assert.InDelta(t, 200.0, row.Values["avg_duration_ms"].(float64), 0.001)
	assert.Equal(t, 200.0, row.Values["p50_duration_ms"])
	assert.Equal(t, 300.0, row.Values["p95_duration_ms"])
	assert.Equal(t, 300.0, row.Values["p99_duration_ms"])
}

func TestRefreshIsIdempotent(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, metrics := newTestEngine(t, now)
	def := findDef(t, "api_requests_hourly")

	bucket := now.Add(-3 * time.Hour)
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		apiRequestAt(bucket.Add(time.Minute), "api", uuid.New(), 200, 50),
		apiRequestAt(bucket.Add(2*time.Minute), "api", uuid.New(), 200, 150),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))
	first, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))
	second, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.RefreshRuns.WithLabelValues(def.Name)))
}

func TestRefreshPicksUpLateEvents(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "api_requests_hourly")

	bucket := now.Add(-2 * time.Hour)
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		apiRequestAt(bucket.Add(time.Minute), "api", uuid.New(), 200, 100),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Refresh(context.Background(), def))

	// A row for the same bucket arrives after the first refresh. The
	// next run replaces the stored bucket rather than double counting.
	_, err = store.AppendBatch(context.Background(), []event.Enriched{
		apiRequestAt(bucket.Add(2*time.Minute), "api", uuid.New(), 200, 300),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Refresh(context.Background(), def))

	rows, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0].Values["request_count"])
	assert.InDelta(t, 200.0, rows[0].Values["avg_duration_ms"].(float64), 0.001)
}

func TestRefreshSkipsIncompleteBuckets(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 30, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "api_requests_hourly")

	// 12:05 lies inside the current hour; with a 15 minute end offset
	// the 12:00 bucket is not yet complete and must not be written.
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		apiRequestAt(now.Add(-25*time.Minute), "api", uuid.New(), 200, 100),
	})
	require.NoError(t, err)
	require.NoError(t, engine.Refresh(context.Background(), def))

	rows, err := engine.Rows(context.Background(), def,
		now.Truncate(time.Hour), now.Truncate(time.Hour).Add(time.Hour))
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestMeanSkipsEventsWithoutField(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "tasks_hourly")

	bucket := now.Add(-3 * time.Hour)
	uid := uuid.New()
	created := event.Enriched{
		Timestamp: bucket.Add(time.Minute),
		Kind:      event.KindTaskCreated,
		Service:   "worker",
		UserID:    &uid,
		Payload:   event.Payload{"task_id": uuid.NewString(), "task_type": "sync"},
	}
	completed := event.Enriched{
		Timestamp: bucket.Add(10 * time.Minute),
		Kind:      event.KindTaskCompleted,
		Service:   "worker",
		UserID:    &uid,
		Payload:   event.Payload{"task_id": uuid.NewString(), "task_type": "sync", "duration_ms": int64(400)},
	}
	_, err := store.AppendBatch(context.Background(), []event.Enriched{created, completed})
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))
	rows, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)

	// Only the completed task carries a duration; the created event is
	// counted but excluded from the average.
	assert.Equal(t, int64(2), rows[0].Values["event_count"])
	assert.Equal(t, int64(1), rows[0].Values["completed_count"])
	assert.InDelta(t, 400.0, rows[0].Values["avg_duration_ms"].(float64), 0.001)
}

func TestMeanIsNullWhenNoFieldPresent(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "tasks_hourly")

	bucket := now.Add(-3 * time.Hour)
	_, err := store.AppendBatch(context.Background(), []event.Enriched{{
		Timestamp: bucket.Add(time.Minute),
		Kind:      event.KindTaskCreated,
		Service:   "worker",
		Payload:   event.Payload{"task_id": uuid.NewString(), "task_type": "sync"},
	}})
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))
	rows, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Nil(t, rows[0].Values["avg_duration_ms"])
	assert.Nil(t, rows[0].Values["p95_duration_ms"])
}

func TestFirstValueTakesEarliestByTimestamp(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "errors_hourly")

	bucket := now.Add(-3 * time.Hour)
	appErr := func(ts time.Time, msg string) event.Enriched {
		return event.Enriched{
			Timestamp: ts,
			Kind:      event.KindApplicationError,
			Service:   "api",
			Payload:   event.Payload{"service": "api", "error_type": "timeout", "error_message": msg},
		}
	}
	// Append out of timestamp order; first_message must still be the
	// chronologically earliest.
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		appErr(bucket.Add(30*time.Minute), "later"),
		appErr(bucket.Add(5*time.Minute), "earliest"),
		appErr(bucket.Add(50*time.Minute), "latest"),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))
	rows, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(3), rows[0].Values["error_count"])
	assert.Equal(t, "earliest", rows[0].Values["first_message"])
}

func TestRefreshGroupsByProvider(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, _ := newTestEngine(t, now)
	def := findDef(t, "integrations_daily")

	day := time.Date(2026, 8, 29, 0, 0, 0, 0, time.UTC)
	uid := uuid.New()
	integ := func(kind event.Kind, provider string, offset time.Duration) event.Enriched {
		return event.Enriched{
			Timestamp: day.Add(offset),
			Kind:      kind,
			Service:   "api",
			UserID:    &uid,
			Payload:   event.Payload{"integration_id": uuid.NewString(), "provider": provider},
		}
	}
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		integ(event.KindIntegrationUsed, "github", time.Hour),
		integ(event.KindIntegrationUsed, "github", 2*time.Hour),
		integ(event.KindIntegrationError, "slack", 3*time.Hour),
	})
	require.NoError(t, err)

	require.NoError(t, engine.Refresh(context.Background(), def))
	rows, err := engine.Rows(context.Background(), def, day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, rows, 2)

	byProvider := map[string]Row{}
	for _, r := range rows {
		byProvider[r.Groups["provider"]] = r
	}
	assert.Equal(t, int64(2), byProvider["github"].Values["event_count"])
	assert.Equal(t, int64(0), byProvider["github"].Values["error_count"])
	assert.Equal(t, int64(1), byProvider["slack"].Values["event_count"])
	assert.Equal(t, int64(1), byProvider["slack"].Values["error_count"])
}

func TestRefreshFailureLeavesTableUntouched(t *testing.T) {
	now := time.Date(2026, 8, 30, 12, 0, 0, 0, time.UTC)
	engine, store, metrics := newTestEngine(t, now)

	// A definition without a backing table: the insert fails and the
	// transaction rolls back without touching anything else.
	def := findDef(t, "api_requests_hourly")
	broken := def
	broken.Name = "missing_table"

	bucket := now.Add(-3 * time.Hour)
	_, err := store.AppendBatch(context.Background(), []event.Enriched{
		apiRequestAt(bucket.Add(time.Minute), "api", uuid.New(), 200, 100),
	})
	require.NoError(t, err)

	require.Error(t, engine.Refresh(context.Background(), broken))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RefreshFailures.WithLabelValues("missing_table")))

	require.NoError(t, engine.Refresh(context.Background(), def))
	rows, err := engine.Rows(context.Background(), def, bucket, bucket.Add(time.Hour))
	require.NoError(t, err)
	assert.Len(t, rows, 1)
}

func TestNearestRankPercentile(t *testing.T) {
	assert.Equal(t, 300.0, nearestRank([]float64{100, 200, 300}, 0.95))
	assert.Equal(t, 200.0, nearestRank([]float64{300, 100, 200}, 0.50))
	assert.Equal(t, 100.0, nearestRank([]float64{100}, 0.99))
	assert.Equal(t, 95.0, nearestRankSeq(t, 100, 0.95))
	assert.Equal(t, 50.0, nearestRankSeq(t, 100, 0.50))
}

func nearestRankSeq(t *testing.T, n int, q float64) float64 {
	t.Helper()
	values := make([]float64, n)
	for i := range values {
		values[i] = float64(i + 1)
	}
	return nearestRank(values, q)
}

func TestShippedDefinitionDDL(t *testing.T) {
	for _, def := range Shipped() {
		assert.Contains(t, def.DDL(), def.TableName())
		assert.Contains(t, def.DDL(), "bucket_ts INTEGER NOT NULL")
	}
	migrations := Migrations(Shipped())
	require.Len(t, migrations, 7)
	seen := map[int]bool{}
	for _, m := range migrations {
		assert.Equal(t, catalog.PhasePostDeploy, m.Phase)
		assert.False(t, seen[m.Version], "duplicate version %d", m.Version)
		seen[m.Version] = true
	}
}
