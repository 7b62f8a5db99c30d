package notify

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func notifyConfig(url string) config.Config {
	return config.Config{Notify: config.NotifyConfig{CallbackURL: url, AuthToken: "hook-secret", Timeout: time.Second}}
}

func snapshot() monitordomain.Snapshot {
	return monitordomain.Snapshot{
		AccountID: "acct_n1",
		Resource:  usagedomain.ResourceRef{ID: "call_n1", Type: "call"},
		State:     monitordomain.StateCritical,
		Projected: decimal.RequireFromString("4.5"),
	}
}

func TestNewNotifierFallsBackToLogging(t *testing.T) {
	n := NewNotifier(config.Config{}, testutil.NewClock(), zap.NewNop())
	assert.IsType(t, &LogNotifier{}, n)
	assert.NoError(t, n.LowCredits(context.Background(), snapshot(), nil))
	assert.NoError(t, n.ForceTerminate(context.Background(), snapshot(), "out of credits"))
}

func TestHTTPNotifierPostsEvents(t *testing.T) {
	var (
		events  []Event
		headers []http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		events = append(events, ev)
		headers = append(headers, r.Header.Clone())
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewNotifier(notifyConfig(srv.URL), testutil.NewClock(), zap.NewNop())
	require.IsType(t, &HTTPNotifier{}, n)

	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr_n1")
	require.NoError(t, n.LowCredits(ctx, snapshot(), []string{"projected balance 4.50"}))
	require.NoError(t, n.ForceTerminate(ctx, snapshot(), "countdown elapsed"))

	require.Len(t, events, 2)
	assert.Equal(t, EventLowCredits, events[0].Type)
	assert.Equal(t, []string{"projected balance 4.50"}, events[0].Warnings)
	assert.Equal(t, "call_n1", events[0].Snapshot.Resource.ID)
	assert.Equal(t, EventForceTerminate, events[1].Type)
	assert.Equal(t, "countdown elapsed", events[1].Reason)
	assert.Equal(t, "corr_n1", events[1].Meta["correlation_id"])

	assert.Equal(t, "Bearer hook-secret", headers[0].Get("Authorization"))
	assert.Equal(t, "corr_n1", headers[0].Get(correlation.HeaderName))
}

func TestHTTPNotifierRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown call", http.StatusNotFound)
	}))
	defer srv.Close()

	n := NewNotifier(notifyConfig(srv.URL), testutil.NewClock(), zap.NewNop())
	err := n.ForceTerminate(context.Background(), snapshot(), "countdown elapsed")
	assert.ErrorIs(t, err, ErrCallbackRejected)
	assert.Contains(t, err.Error(), "unknown call")
}
