package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/statlake/statlake/pkg/event"
	"github.com/statlake/statlake/pkg/storage"
)

// Sink receives one batch per call. A batch either lands whole or not
// at all; the worker retries the entire batch on error.
type Sink interface {
	WriteBatch(ctx context.Context, events []event.Enriched) error
}

// StoreSink bulk-appends batches directly into a local event store.
// Used when the worker runs in the same process as the store.
type StoreSink struct {
	Store storage.Store
}

func (s StoreSink) WriteBatch(ctx context.Context, events []event.Enriched) error {
	_, err := s.Store.AppendBatch(ctx, events)
	return err
}

// HTTPSink posts batches as JSON to a remote ingestion service. This is
// the path services use when the store lives behind the statlake server.
type HTTPSink struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// BatchRequest is the wire form of one bulk write.
type BatchRequest struct {
	Events []event.Enriched `json:"events"`
}

// NewHTTPSink creates a sink posting to endpoint, e.g.
// "http://localhost:8094/v1/events/batch".
func NewHTTPSink(endpoint, apiKey string) *HTTPSink {
	return &HTTPSink{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (s *HTTPSink) WriteBatch(ctx context.Context, events []event.Enriched) error {
	if len(events) == 0 {
		return nil
	}

	body, err := json.Marshal(BatchRequest{Events: events})
	if err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send batch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("batch rejected with status %d", resp.StatusCode)
	}
	return nil
}
