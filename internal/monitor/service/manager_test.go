package service

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startRequest(resourceID string) monitordomain.StartRequest {
	return monitordomain.StartRequest{
		AccountID:  "acct_m2",
		Resource:   usagedomain.ResourceRef{ID: resourceID, Type: "call"},
		Components: callComponents(),
	}
}

func TestManagerStartStop(t *testing.T) {
	m, _ := newTestManager(newBalanceStub("500"), &notifierStub{})
	ctx := context.Background()

	snap, err := m.Start(ctx, startRequest("call_a"))
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateHealthy, snap.State)
	assert.True(t, snap.StartingBalance.Equal(decimal.NewFromInt(500)))
	assert.Equal(t, 1, snap.Ticks)
	assert.Equal(t, 1, m.Active())

	_, err = m.Start(ctx, startRequest("call_a"))
	assert.ErrorIs(t, err, monitordomain.ErrAlreadyMonitoring)

	got, ok := m.Get("call_a")
	require.True(t, ok)
	assert.Equal(t, "acct_m2", got.AccountID)

	final, ok := m.Stop(ctx, "call_a")
	require.True(t, ok)
	assert.Equal(t, monitordomain.StateHealthy, final.State)
	assert.Zero(t, m.Active())

	_, ok = m.Stop(ctx, "call_a")
	assert.False(t, ok)
	_, ok = m.Get("call_a")
	assert.False(t, ok)
}

func TestManagerStartValidation(t *testing.T) {
	m, _ := newTestManager(newBalanceStub("500"), &notifierStub{})
	ctx := context.Background()

	req := startRequest("call_v")
	req.AccountID = " "
	_, err := m.Start(ctx, req)
	assert.ErrorIs(t, err, monitordomain.ErrInvalidAccount)

	req = startRequest("")
	_, err = m.Start(ctx, req)
	assert.ErrorIs(t, err, monitordomain.ErrInvalidResource)

	req = startRequest("call_v")
	req.Components = nil
	_, err = m.Start(ctx, req)
	assert.ErrorIs(t, err, monitordomain.ErrInvalidComponent)

	req = startRequest("call_v")
	req.Components = []monitordomain.CostComponent{{Service: "unknown_service", Kind: monitordomain.KindOneTime, Quantity: decimal.NewFromInt(1)}}
	_, err = m.Start(ctx, req)
	assert.ErrorIs(t, err, monitordomain.ErrInvalidComponent)

	req = startRequest("call_v")
	req.Components[0].Kind = "hourly"
	_, err = m.Start(ctx, req)
	assert.ErrorIs(t, err, monitordomain.ErrInvalidComponent)

	assert.Zero(t, m.Active())
}

func TestManagerLoopExitsAfterTermination(t *testing.T) {
	notifier := &notifierStub{}
	m, _ := newTestManager(newBalanceStub("10"), notifier, func(p *config.CreditPolicy) {
		p.Monitor.Interval = time.Millisecond
		p.Monitor.Countdown = 0
	})

	snap, err := m.Start(context.Background(), startRequest("call_t"))
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateTerminated, snap.State)

	assert.Eventually(t, func() bool { return m.Active() == 0 }, time.Second, 5*time.Millisecond)
	_, terminated := notifier.Calls()
	assert.Equal(t, 1, terminated)
}

func TestManagerShutdownStopsEveryMonitor(t *testing.T) {
	m, _ := newTestManager(newBalanceStub("500"), &notifierStub{})
	ctx := context.Background()

	for _, id := range []string{"call_1", "call_2", "call_3"} {
		_, err := m.Start(ctx, startRequest(id))
		require.NoError(t, err)
	}
	require.Equal(t, 3, m.Active())

	shutdownCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, m.Shutdown(shutdownCtx))
	assert.Zero(t, m.Active())
}
