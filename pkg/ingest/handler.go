// Package ingest is the pipeline's HTTP surface: batched event
// submission from remote producers, raw event queries for dashboards,
// and a websocket feed of accepted events for live tails.
package ingest

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/statlake/statlake/pkg/catalog"
	"github.com/statlake/statlake/pkg/httpx"
	"github.com/statlake/statlake/pkg/obs"
	"github.com/statlake/statlake/pkg/rollup"
	"github.com/statlake/statlake/pkg/storage"
	"github.com/statlake/statlake/pkg/worker"
)

// Handler serves the ingest endpoints.
type Handler struct {
	store   storage.Store
	catalog *catalog.Catalog
	metrics *obs.Metrics
	hub     *EventHub
	engine  *rollup.Engine
	defs    []rollup.Definition
}

// NewHandler creates an ingest handler. The catalog and hub may be nil;
// partition registration and live streaming are then skipped.
func NewHandler(store storage.Store, cat *catalog.Catalog, metrics *obs.Metrics, hub *EventHub) *Handler {
	if metrics == nil {
		metrics = obs.New()
	}
	return &Handler{store: store, catalog: cat, metrics: metrics, hub: hub}
}

// Routes registers the ingest endpoints on the router.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/v1/events/batch", h.HandleBatch).Methods(http.MethodPost)
	r.HandleFunc("/v1/events", h.HandleQuery).Methods(http.MethodGet)
	r.HandleFunc("/v1/events/stream", h.HandleWebSocket).Methods(http.MethodGet)
	r.HandleFunc("/v1/partitions", h.HandlePartitions).Methods(http.MethodGet)
	r.HandleFunc("/v1/stats", h.HandleStats).Methods(http.MethodGet)
	r.HandleFunc("/v1/rollups/{name}", h.HandleRollup).Methods(http.MethodGet)
}

// BatchResponse is the body returned for an accepted batch.
type BatchResponse struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// HandleBatch accepts one batch of enriched events and writes it
// atomically. A malformed body or a write into a compressed partition
// rejects the whole batch; the sender's retry loop sees the status code
// and acts accordingly.
func (h *Handler) HandleBatch(w http.ResponseWriter, r *http.Request) {
	var req worker.BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid JSON: %v", err))
		return
	}
	if len(req.Events) == 0 {
		httpx.RespondJSON(w, http.StatusOK, BatchResponse{Status: "success", Count: 0})
		return
	}
	if len(req.Events) > MaxEventsPerRequest {
		httpx.RespondErrorString(w, http.StatusBadRequest, ErrTooManyEvents.Error())
		return
	}
	for i, ev := range req.Events {
		if err := ValidateEvent(ev); err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("event %d: %v", i, err))
			return
		}
	}

	days, err := h.store.AppendBatch(r.Context(), req.Events)
	if err != nil {
		if errors.Is(err, storage.ErrPartitionCompressed) {
			httpx.RespondErrorString(w, http.StatusConflict, err.Error())
			return
		}
		log.Printf("ingest: batch write failed: %v", err)
		httpx.RespondErrorString(w, http.StatusInternalServerError, "write failed")
		return
	}
	h.metrics.EventsWritten.Add(float64(len(req.Events)))

	if h.catalog != nil {
		if err := h.catalog.EnsurePartitions(r.Context(), days); err != nil {
			// The rows are committed; manifest registration can catch up
			// on the next batch touching the same day.
			log.Printf("ingest: partition registration failed: %v", err)
		}
	}
	if h.hub != nil && h.hub.HasClients() {
		h.hub.BroadcastEvents(req.Events)
	}

	httpx.RespondJSON(w, http.StatusOK, BatchResponse{Status: "success", Count: len(req.Events)})
}
