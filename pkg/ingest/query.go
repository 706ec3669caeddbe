package ingest

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/httpx"
	"github.com/statlake/statlake/pkg/rollup"
	"github.com/statlake/statlake/pkg/storage"
)

const (
	queryDefaultWindow = time.Hour
	queryDefaultLimit  = 100
	queryMaxLimit      = 5000
)

// SetRollups attaches the aggregation engine so stored rollup rows can
// be served over HTTP.
func (h *Handler) SetRollups(engine *rollup.Engine, defs []rollup.Definition) {
	h.engine = engine
	h.defs = defs
}

// QueryResponse is the body returned by the raw event endpoint.
type QueryResponse struct {
	Events []storage.StoredEvent `json:"events"`
	Count  int                   `json:"count"`
}

// HandleQuery serves raw events. Defaults to the most recent hour,
// newest first.
func (h *Handler) HandleQuery(w http.ResponseWriter, r *http.Request) {
	q, err := parseQuery(r)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, err.Error())
		return
	}
	events, err := h.store.Query(r.Context(), q)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusInternalServerError, "query failed")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, QueryResponse{Events: events, Count: len(events)})
}

func parseQuery(r *http.Request) (storage.Query, error) {
	now := time.Now().UTC()
	q := storage.Query{
		Start:      now.Add(-queryDefaultWindow),
		End:        now,
		Limit:      queryDefaultLimit,
		Descending: true,
	}
	params := r.URL.Query()
	if v := params.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return storage.Query{}, fmt.Errorf("invalid start: %v", err)
		}
		q.Start = t
	}
	if v := params.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return storage.Query{}, fmt.Errorf("invalid end: %v", err)
		}
		q.End = t
	}
	if v := params.Get("event_type"); v != "" {
		for _, k := range strings.Split(v, ",") {
			q.Kinds = append(q.Kinds, event.Kind(k))
		}
	}
	q.Service = params.Get("service")
	if v := params.Get("user_id"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			return storage.Query{}, fmt.Errorf("invalid user_id: %v", err)
		}
		q.UserID = &id
	}
	if v := params.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return storage.Query{}, fmt.Errorf("invalid limit %q", v)
		}
		if n > queryMaxLimit {
			n = queryMaxLimit
		}
		q.Limit = n
	}
	if params.Get("order") == "asc" {
		q.Descending = false
	}
	// Any remaining field=value pairs filter on payload fields.
	for key, values := range params {
		switch key {
		case "start", "end", "event_type", "service", "user_id", "limit", "order":
			continue
		}
		if len(values) > 0 {
			if q.PayloadEquals == nil {
				q.PayloadEquals = make(map[string]string)
			}
			q.PayloadEquals[key] = values[0]
		}
	}
	return q, nil
}

// StatsResponse reports storage usage.
type StatsResponse struct {
	TotalEvents          uint64    `json:"total_events"`
	OpenPartitions       int       `json:"open_partitions"`
	CompressedPartitions int       `json:"compressed_partitions"`
	SizeBytes            uint64    `json:"size_bytes"`
	OldestEvent          time.Time `json:"oldest_event,omitempty"`
	NewestEvent          time.Time `json:"newest_event,omitempty"`
}

// HandleStats serves storage statistics.
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		httpx.RespondErrorString(w, http.StatusInternalServerError, "stats failed")
		return
	}
	httpx.RespondJSON(w, http.StatusOK, StatsResponse{
		TotalEvents:          stats.TotalEvents,
		OpenPartitions:       stats.OpenPartitions,
		CompressedPartitions: stats.CompressedPartitions,
		SizeBytes:            stats.SizeBytes,
		OldestEvent:          stats.OldestEvent,
		NewestEvent:          stats.NewestEvent,
	})
}

// PartitionResponse is one manifest entry.
type PartitionResponse struct {
	Day   int64  `json:"day"`
	Start string `json:"start"`
	State string `json:"state"`
	Rows  int64  `json:"rows"`
}

// HandlePartitions lists day partitions and their lifecycle state.
func (h *Handler) HandlePartitions(w http.ResponseWriter, r *http.Request) {
	parts, err := h.store.Partitions(r.Context())
	if err != nil {
		httpx.RespondErrorString(w, http.StatusInternalServerError, "partition list failed")
		return
	}
	out := make([]PartitionResponse, 0, len(parts))
	for _, p := range parts {
		out = append(out, PartitionResponse{
			Day:   int64(p.Day),
			Start: p.Day.Start().Format(time.RFC3339),
			State: string(p.State),
			Rows:  p.Rows,
		})
	}
	httpx.RespondJSON(w, http.StatusOK, out)
}

// HandleRollup serves stored rollup rows for one definition.
func (h *Handler) HandleRollup(w http.ResponseWriter, r *http.Request) {
	if h.engine == nil {
		httpx.RespondErrorString(w, http.StatusServiceUnavailable, "rollups disabled")
		return
	}
	name := mux.Vars(r)["name"]
	var def rollup.Definition
	found := false
	for _, d := range h.defs {
		if d.Name == name {
			def, found = d, true
			break
		}
	}
	if !found {
		httpx.RespondErrorString(w, http.StatusNotFound, fmt.Sprintf("unknown rollup %q", name))
		return
	}

	now := time.Now().UTC()
	start, end := now.Add(-24*time.Hour), now
	params := r.URL.Query()
	if v := params.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
			return
		}
		start = t
	}
	if v := params.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
			return
		}
		end = t
	}

	rows, err := h.engine.Rows(r.Context(), def, start, end)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusInternalServerError, "rollup read failed")
		return
	}
	type rowResponse struct {
		Bucket time.Time         `json:"bucket"`
		Groups map[string]string `json:"groups,omitempty"`
		Values map[string]any    `json:"values"`
	}
	out := make([]rowResponse, 0, len(rows))
	for _, row := range rows {
		out = append(out, rowResponse{Bucket: row.Bucket, Groups: row.Groups, Values: row.Values})
	}
	httpx.RespondJSON(w, http.StatusOK, out)
}
