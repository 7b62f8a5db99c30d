// Package notify delivers live monitor callbacks to the integration that owns
// the monitored operation.
package notify

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

	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	obstracing "github.com/smallbiznis/creditmeter/internal/observability/tracing"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"go.uber.org/zap"
)

const (
	EventLowCredits     = "low_credits"
	EventForceTerminate = "force_terminate"

	maxErrorBody = 512
)

var ErrCallbackRejected = errors.New("callback_rejected")

// Event is the JSON document posted for every callback.
type Event struct {
	Type     string                 `json:"type"`
	Meta     map[string]string      `json:"meta"`
	Snapshot monitordomain.Snapshot `json:"snapshot"`
	Warnings []string               `json:"warnings,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
}

// HTTPNotifier posts callbacks to a single configured URL.
type HTTPNotifier struct {
	url        string
	authToken  string
	clock      clock.Clock
	httpClient *http.Client
}

// NewNotifier returns an HTTP notifier when a callback URL is configured and a
// log-only notifier otherwise.
func NewNotifier(cfg config.Config, clk clock.Clock, log *zap.Logger) monitordomain.Notifier {
	url := strings.TrimSpace(cfg.Notify.CallbackURL)
	if url == "" {
		return &LogNotifier{log: log.Named("monitor.notify")}
	}
	timeout := cfg.Notify.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPNotifier{
		url:        url,
		authToken:  strings.TrimSpace(cfg.Notify.AuthToken),
		clock:      clk,
		httpClient: obstracing.WrapHTTPClient(&http.Client{Timeout: timeout}),
	}
}

func (n *HTTPNotifier) LowCredits(ctx context.Context, snapshot monitordomain.Snapshot, warnings []string) error {
	return n.post(ctx, Event{Type: EventLowCredits, Snapshot: snapshot, Warnings: warnings})
}

func (n *HTTPNotifier) ForceTerminate(ctx context.Context, snapshot monitordomain.Snapshot, reason string) error {
	return n.post(ctx, Event{Type: EventForceTerminate, Snapshot: snapshot, Reason: reason})
}

func (n *HTTPNotifier) post(ctx context.Context, event Event) error {
	ctx, cid := correlation.EnsureCorrelationID(ctx)
	event.Meta = correlation.Envelope(ctx, n.clock.Now())

	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(correlation.HeaderName, cid)
	if n.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+n.authToken)
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s: %s", ErrCallbackRejected, resp.Status, strings.TrimSpace(string(body)))
	}
	return nil
}

// LogNotifier only logs. It is used when no callback URL is configured.
type LogNotifier struct {
	log *zap.Logger
}

func (n *LogNotifier) LowCredits(_ context.Context, snapshot monitordomain.Snapshot, warnings []string) error {
	n.log.Warn("low credits",
		zap.String("account_id", snapshot.AccountID),
		zap.String("resource_id", snapshot.Resource.ID),
		zap.String("state", string(snapshot.State)),
		zap.Strings("warnings", warnings),
	)
	return nil
}

func (n *LogNotifier) ForceTerminate(_ context.Context, snapshot monitordomain.Snapshot, reason string) error {
	n.log.Error("operation must be terminated",
		zap.String("account_id", snapshot.AccountID),
		zap.String("resource_id", snapshot.Resource.ID),
		zap.String("reason", reason),
	)
	return nil
}
