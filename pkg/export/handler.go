package export

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/httpx"
	"github.com/statlake/statlake/pkg/storage"
)

const (
	// DefaultExportWindow is used when no range is given.
	DefaultExportWindow = 24 * time.Hour

	// MaxExportWindow caps one export request.
	MaxExportWindow = 30 * 24 * time.Hour
)

// Handler serves the backup and restore endpoints.
type Handler struct {
	exporter *Exporter
	importer *Importer
}

// NewHandler creates an export/import handler over the store.
func NewHandler(store storage.Store) *Handler {
	return &Handler{
		exporter: NewExporter(store),
		importer: NewImporter(store),
	}
}

// Routes registers the endpoints on the router.
func (h *Handler) Routes(r *mux.Router) {
	r.HandleFunc("/v1/export", h.HandleExport).Methods(http.MethodGet)
	r.HandleFunc("/v1/import", h.HandleImport).Methods(http.MethodPost)
}

// HandleExport streams an archive of the requested range.
// Query params: format (json|csv), start, end (RFC3339), event_type
// (comma list), service.
func (h *Handler) HandleExport(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()

	format := params.Get("format")
	if format == "" {
		format = "json"
	}
	if format != "json" && format != "csv" {
		httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("unsupported format %q", format))
		return
	}

	now := time.Now().UTC()
	opts := Options{Start: now.Add(-DefaultExportWindow), End: now, Format: format}
	if v := params.Get("start"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid start: %v", err))
			return
		}
		opts.Start = t
	}
	if v := params.Get("end"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			httpx.RespondErrorString(w, http.StatusBadRequest, fmt.Sprintf("invalid end: %v", err))
			return
		}
		opts.End = t
	}
	if opts.End.Sub(opts.Start) > MaxExportWindow {
		httpx.RespondErrorString(w, http.StatusBadRequest,
			fmt.Sprintf("export window exceeds maximum of %v", MaxExportWindow))
		return
	}
	if v := params.Get("event_type"); v != "" {
		for _, k := range strings.Split(v, ",") {
			opts.Kinds = append(opts.Kinds, event.Kind(k))
		}
	}
	opts.Service = params.Get("service")

	filename := fmt.Sprintf("statlake-export-%s.%s", now.Format("20060102-150405"), format)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	var err error
	if format == "csv" {
		w.Header().Set("Content-Type", "text/csv")
		_, err = h.exporter.ExportCSV(r.Context(), w, opts)
	} else {
		w.Header().Set("Content-Type", "application/json")
		_, err = h.exporter.ExportJSON(r.Context(), w, opts)
	}
	if err != nil {
		// Headers are already streaming; the body is truncated and the
		// failure goes to the log.
		log.Printf("export: %v", err)
	}
}

// HandleImport restores a JSON archive from the request body.
func (h *Handler) HandleImport(w http.ResponseWriter, r *http.Request) {
	result, err := h.importer.ImportJSON(r.Context(), r.Body)
	if err != nil {
		httpx.RespondErrorString(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.RespondJSON(w, http.StatusOK, result)
}
