package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
	"github.com/statlake/statlake/pkg/storage/memory"
)

func seedEvents(t *testing.T, store storage.Store, base time.Time, n int) {
	t.Helper()
	uid := uuid.New()
	events := make([]event.Enriched, n)
	for i := range events {
		events[i] = event.Enriched{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Kind:        event.KindAPIRequest,
			Service:     "api",
			UserID:      &uid,
			Hostname:    "host-1",
			Environment: "test",
			Payload: event.Payload{
				"endpoint":    "/v1/things",
				"method":      "GET",
				"status_code": int64(200),
				"duration_ms": int64(i * 10),
			},
		}
	}
	_, err := store.AppendBatch(context.Background(), events)
	require.NoError(t, err)
}

func TestExportImportRoundtrip(t *testing.T) {
	src := memory.New()
	base := time.Now().UTC().Add(-2 * time.Hour)
	seedEvents(t, src, base, 25)

	var buf bytes.Buffer
	result, err := NewExporter(src).ExportJSON(context.Background(), &buf, Options{
		Start: base.Add(-time.Hour),
		End:   base.Add(time.Hour),
	})
	require.NoError(t, err)
	assert.Equal(t, 25, result.EventsExported)

	dst := memory.New()
	imported, err := NewImporter(dst).ImportJSON(context.Background(), &buf)
	require.NoError(t, err)
	assert.Equal(t, 25, imported.EventsImported)
	assert.Zero(t, imported.EventsSkipped)

	restored, err := dst.Query(context.Background(), storage.Query{
		Start: base.Add(-time.Hour),
		End:   base.Add(time.Hour),
	})
	require.NoError(t, err)
	require.Len(t, restored, 25)
	assert.Equal(t, event.KindAPIRequest, restored[0].Kind)
	assert.Equal(t, "api", restored[0].Service)
	v, ok := restored[0].PayloadInt64("status_code")
	require.True(t, ok)
	assert.Equal(t, int64(200), v)
}

func TestExportFilters(t *testing.T) {
	store := memory.New()
	base := time.Now().UTC().Add(-2 * time.Hour)
	seedEvents(t, store, base, 5)
	_, err := store.AppendBatch(context.Background(), []event.Enriched{{
		Timestamp: base.Add(time.Minute),
		Kind:      event.KindApplicationError,
		Service:   "worker",
		Payload:   event.Payload{"service": "worker", "error_type": "oops", "error_message": "boom"},
	}})
	require.NoError(t, err)

	var buf bytes.Buffer
	result, err := NewExporter(store).ExportJSON(context.Background(), &buf, Options{
		Start: base.Add(-time.Hour),
		End:   base.Add(time.Hour),
		Kinds: []event.Kind{event.KindApplicationError},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.EventsExported)

	var archive Archive
	require.NoError(t, json.Unmarshal(buf.Bytes(), &archive))
	require.Len(t, archive.Events, 1)
	assert.Equal(t, event.KindApplicationError, archive.Events[0].Kind)
	assert.Equal(t, 1, archive.Metadata.EventCount)
}

func TestExportCSVShape(t *testing.T) {
	store := memory.New()
	base := time.Now().UTC().Add(-2 * time.Hour)
	seedEvents(t, store, base, 3)

	var buf bytes.Buffer
	_, err := NewExporter(store).ExportCSV(context.Background(), &buf, Options{
		Start: base.Add(-time.Hour),
		End:   base.Add(time.Hour),
	})
	require.NoError(t, err)

	rows, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"id", "timestamp", "event_type", "service", "user_id", "hostname", "environment", "payload"}, rows[0])
	assert.Equal(t, "api_request", rows[1][2])
	assert.Contains(t, rows[1][7], "\"endpoint\"")
}

func TestImportSkipsCompressedDays(t *testing.T) {
	src := memory.New()
	base := time.Now().UTC().Add(-10 * 24 * time.Hour)
	seedEvents(t, src, base, 4)

	var buf bytes.Buffer
	_, err := NewExporter(src).ExportJSON(context.Background(), &buf, Options{
		Start: base.Add(-time.Hour),
		End:   base.Add(time.Hour),
	})
	require.NoError(t, err)

	dst := memory.New()
	seedEvents(t, dst, base, 1)
	require.NoError(t, dst.CompressPartition(context.Background(), storage.PartitionOf(base)))

	result, err := NewImporter(dst).ImportJSON(context.Background(), &buf)
	require.NoError(t, err)
	assert.Zero(t, result.EventsImported)
	assert.Equal(t, 4, result.EventsSkipped)
	require.NotEmpty(t, result.Errors)
	assert.Contains(t, result.Errors[0], "read-only")
}

func TestImportRejectsUnknownVersion(t *testing.T) {
	body := strings.NewReader(`{"metadata":{"version":"9.9"},"events":[]}`)
	_, err := NewImporter(memory.New()).ImportJSON(context.Background(), body)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported archive version")
}

func TestHandleExportValidation(t *testing.T) {
	h := NewHandler(memory.New())

	for _, target := range []string{
		"/v1/export?format=xml",
		"/v1/export?start=yesterday",
		"/v1/export?start=2020-01-01T00:00:00Z&end=2021-01-01T00:00:00Z",
	} {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		rec := httptest.NewRecorder()
		h.HandleExport(rec, r)
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestHandleImportEndToEnd(t *testing.T) {
	src := memory.New()
	base := time.Now().UTC().Add(-2 * time.Hour)
	seedEvents(t, src, base, 10)

	var buf bytes.Buffer
	_, err := NewExporter(src).ExportJSON(context.Background(), &buf, Options{
		Start: base.Add(-time.Hour),
		End:   base.Add(time.Hour),
	})
	require.NoError(t, err)

	dst := memory.New()
	h := NewHandler(dst)
	r := httptest.NewRequest(http.MethodPost, "/v1/import", &buf)
	rec := httptest.NewRecorder()
	h.HandleImport(rec, r)

	require.Equal(t, http.StatusOK, rec.Code)
	var result ImportResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	assert.Equal(t, 10, result.EventsImported)
}
