package export

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang/snappy"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	usagerepo "github.com/smallbiznis/creditmeter/internal/usage/repository"
	"github.com/smallbiznis/creditmeter/pkg/telemetry/correlation"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func exportConfig(endpoint string, compress bool) config.Config {
	return config.Config{UsageExport: config.UsageExportConfig{
		Enabled:   true,
		Endpoint:  endpoint,
		AuthToken: "secret",
		Timeout:   time.Second,
		Compress:  compress,
	}}
}

func TestNewHTTPExporterDisabled(t *testing.T) {
	assert.Nil(t, NewHTTPExporter(config.Config{}, testutil.NewClock()))
	assert.Nil(t, NewHTTPExporter(config.Config{UsageExport: config.UsageExportConfig{Enabled: true}}, testutil.NewClock()))
}

func TestHTTPExporterPostsCompressedBatch(t *testing.T) {
	var (
		got     Batch
		headers http.Header
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		headers = r.Header.Clone()
		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		decoded, err := snappy.Decode(nil, raw)
		require.NoError(t, err)
		require.NoError(t, json.Unmarshal(decoded, &got))
		w.WriteHeader(http.StatusAccepted)
	}))
	defer srv.Close()

	exporter := NewHTTPExporter(exportConfig(srv.URL, true), testutil.NewClock())
	require.NotNil(t, exporter)

	ctx := correlation.ContextWithCorrelationID(context.Background(), "corr_1")
	err := exporter.Export(ctx, []usagedomain.UsageEvent{{
		ID:        42,
		AccountID: "acct_1",
		Service:   "chat_message",
		Quantity:  decimal.NewFromInt(3),
		TotalCost: decimal.RequireFromString("0.857143"),
		CreatedAt: testutil.Epoch,
	}})
	require.NoError(t, err)

	assert.Equal(t, "Bearer secret", headers.Get("Authorization"))
	assert.Equal(t, "snappy", headers.Get("Content-Encoding"))
	assert.Equal(t, "corr_1", headers.Get(correlation.HeaderName))
	assert.Equal(t, "corr_1", got.Meta["correlation_id"])
	require.Len(t, got.Events, 1)
	assert.Equal(t, "42", got.Events[0].ID)
	assert.Equal(t, "0.857143", got.Events[0].TotalCost)
}

func TestHTTPExporterRejectsNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusTooManyRequests)
	}))
	defer srv.Close()

	exporter := NewHTTPExporter(exportConfig(srv.URL, false), testutil.NewClock())
	err := exporter.Export(context.Background(), []usagedomain.UsageEvent{{ID: 1, AccountID: "a", Service: "s"}})
	assert.ErrorIs(t, err, ErrExportRejected)
	assert.Contains(t, err.Error(), "quota exceeded")
}

type recordingExporter struct {
	mu   sync.Mutex
	seen []usagedomain.UsageEvent
	err  error
}

func (r *recordingExporter) Export(ctx context.Context, events []usagedomain.UsageEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.seen = append(r.seen, events...)
	return nil
}

func TestSweeperExportsAgedUnprocessedEvents(t *testing.T) {
	db := testutil.NewDB(t, &usagedomain.UsageEvent{})
	clk := testutil.NewClock()
	exporter := &recordingExporter{}

	rows := []usagedomain.UsageEvent{
		{ID: 1, AccountID: "a", Service: "chat_message", CreatedAt: testutil.Epoch.Add(-time.Hour)},
		{ID: 2, AccountID: "a", Service: "chat_message", CreatedAt: testutil.Epoch.Add(-time.Hour), Processed: true},
		{ID: 3, AccountID: "a", Service: "chat_message", CreatedAt: testutil.Epoch.Add(-5 * time.Second)},
	}
	require.NoError(t, db.Create(&rows).Error)

	sweeper := NewSweeper(SweepParams{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    clk,
		Repo:     usagerepo.ProvideExport(),
		Exporter: exporter,
		Config:   SweepConfig{BatchSize: 10, MinAge: 30 * time.Second},
	})

	n, err := sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, exporter.seen, 1)
	assert.EqualValues(t, 1, exporter.seen[0].ID)

	// The young row becomes eligible once it ages past MinAge.
	clk.Advance(time.Minute)
	n, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = sweeper.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweeperLeavesRowsOnExportFailure(t *testing.T) {
	db := testutil.NewDB(t, &usagedomain.UsageEvent{})
	require.NoError(t, db.Create(&usagedomain.UsageEvent{ID: 9, AccountID: "a", Service: "s", CreatedAt: testutil.Epoch.Add(-time.Hour)}).Error)

	sweeper := NewSweeper(SweepParams{
		DB:       db,
		Log:      zap.NewNop(),
		Clock:    testutil.NewClock(),
		Repo:     usagerepo.ProvideExport(),
		Exporter: &recordingExporter{err: errors.New("down")},
	})
	_, err := sweeper.RunOnce(context.Background())
	assert.Error(t, err)

	count, err := usagerepo.ProvideExport().CountUnprocessed(context.Background(), db)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestSweeperDisabledWithoutExporter(t *testing.T) {
	sweeper := NewSweeper(SweepParams{Log: zap.NewNop()})
	assert.False(t, sweeper.Enabled())
	n, err := sweeper.RunOnce(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, n)
}
