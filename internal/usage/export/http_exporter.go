// Package export forwards recorded usage to the external metering partner.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/golang/snappy"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
)

const maxErrorBody = 512

var ErrExportRejected = errors.New("usage_export_rejected")

// Batch is the JSON document posted to the partner endpoint.
type Batch struct {
	Meta   map[string]string `json:"meta"`
	Events []Event           `json:"events"`
}

type Event struct {
	ID           string         `json:"id"`
	AccountID    string         `json:"account_id"`
	Service      string         `json:"service"`
	Quantity     string         `json:"quantity"`
	UnitCost     string         `json:"unit_cost"`
	TotalCost    string         `json:"total_cost"`
	ResourceID   string         `json:"resource_id,omitempty"`
	ResourceType string         `json:"resource_type,omitempty"`
	Emergency    bool           `json:"emergency,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	OccurredAt   string         `json:"occurred_at"`
}

// HTTPExporter posts usage batches as JSON, optionally snappy-compressed.
type HTTPExporter struct {
	endpoint   string
	authToken  string
	compress   bool
	clock      clock.Clock
	httpClient *http.Client
}

// NewHTTPExporter returns nil when export is disabled so callers can treat the
// exporter as optional.
func NewHTTPExporter(cfg config.Config, clk clock.Clock) usagedomain.Exporter {
	exportCfg := cfg.UsageExport
	endpoint := strings.TrimSpace(exportCfg.Endpoint)
	if !exportCfg.Enabled || endpoint == "" {
		return nil
	}
	timeout := exportCfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPExporter{
		endpoint:   endpoint,
		authToken:  strings.TrimSpace(exportCfg.AuthToken),
		compress:   exportCfg.Compress,
		clock:      clk,
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
	}
}

func (e *HTTPExporter) Export(ctx context.Context, events []usagedomain.UsageEvent) error {
	if len(events) == 0 {
		return nil
	}

	ctx, cid := correlation.EnsureCorrelationID(ctx)
	batch := Batch{
		Meta:   correlation.Envelope(ctx, e.clock.Now()),
		Events: make([]Event, 0, len(events)),
	}
	for _, ev := range events {
		batch.Events = append(batch.Events, toEvent(ev))
	}

	payload, err := json.Marshal(batch)
	if err != nil {
		return err
	}
	if e.compress {
		payload = snappy.Encode(nil, payload)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if e.compress {
		req.Header.Set("Content-Encoding", "snappy")
	}
	req.Header.Set(correlation.HeaderName, cid)
	if e.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+e.authToken)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: %s", ErrExportRejected, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

func toEvent(ev usagedomain.UsageEvent) Event {
	return Event{
		ID:           ev.ID.String(),
		AccountID:    ev.AccountID,
		Service:      ev.Service,
		Quantity:     ev.Quantity.String(),
		UnitCost:     ev.UnitCost.String(),
		TotalCost:    ev.TotalCost.String(),
		ResourceID:   ev.ResourceID,
		ResourceType: ev.ResourceType,
		Emergency:    ev.Emergency,
		Metadata:     ev.Metadata,
		OccurredAt:   ev.CreatedAt.UTC().Format(time.RFC3339Nano),
	}
}
