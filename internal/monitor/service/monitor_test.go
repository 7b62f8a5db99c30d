package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type balanceStub struct {
	mu      sync.Mutex
	balance ledgerdomain.Balance
	err     error
}

func newBalanceStub(available string) *balanceStub {
	return &balanceStub{balance: ledgerdomain.Balance{Available: dec(available), PaidAvailable: dec(available), TotalPurchased: dec(available)}}
}

func (b *balanceStub) GetBalance(context.Context, string) (ledgerdomain.Balance, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance, b.err
}

func (b *balanceStub) purchase(credits string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.balance.Available = b.balance.Available.Add(dec(credits))
	b.balance.TotalPurchased = b.balance.TotalPurchased.Add(dec(credits))
}

type notifierStub struct {
	mu         sync.Mutex
	low        []monitordomain.Snapshot
	terminated []monitordomain.Snapshot
	err        error
}

func (n *notifierStub) LowCredits(_ context.Context, snap monitordomain.Snapshot, _ []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.low = append(n.low, snap)
	return n.err
}

func (n *notifierStub) ForceTerminate(_ context.Context, snap monitordomain.Snapshot, _ string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.terminated = append(n.terminated, snap)
	return n.err
}

func (n *notifierStub) Calls() (low, terminated int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.low), len(n.terminated)
}

type tableStub struct {
	table pricingdomain.Table
}

func (t tableStub) Table(context.Context) (pricingdomain.Table, error) { return t.table, nil }

// callTable prices a credit at 0.007 provider currency.
func callTable() pricingdomain.Table {
	rule := func(service, price string) pricingdomain.Rule {
		return pricingdomain.Rule{Service: service, UnitPrice: dec(price), Active: true}
	}
	return pricingdomain.Table{
		CreditToCurrencyRate: decimal.NewFromInt(100),
		DefaultProfitMargin:  dec("0.3"),
		Rules: map[string]pricingdomain.Rule{
			"video_call_minute":    rule("video_call_minute", "0.1"),
			"transcription_minute": rule("transcription_minute", "0.006"),
			"post_processing":      rule("post_processing", "0.05"),
		},
	}
}

func callComponents() []monitordomain.CostComponent {
	return []monitordomain.CostComponent{
		{Name: "call", Service: "video_call_minute", Kind: monitordomain.KindPerMinute, Quantity: decimal.NewFromInt(1)},
		{Name: "transcription", Service: "transcription_minute", Kind: monitordomain.KindPerMinute, Quantity: decimal.NewFromInt(1)},
		{Name: "summary", Service: "post_processing", Kind: monitordomain.KindOneTime, Quantity: decimal.NewFromInt(1)},
	}
}

func newTestManager(balances BalanceReader, notifier monitordomain.Notifier, mutate ...func(*config.CreditPolicy)) (*Manager, func(time.Duration)) {
	clk := testutil.NewClock()
	m := NewManager(Params{
		Log:      zap.NewNop(),
		Clock:    clk,
		Policy:   testutil.NewPolicy(mutate...),
		Balances: balances,
		Pricing:  tableStub{table: callTable()},
		Notifier: notifier,
	})
	return m, clk.Advance
}

// newCallMonitor builds a monitor without starting its loop so tests can
// drive ticks against the fake clock.
func newCallMonitor(t *testing.T, balances *balanceStub, notifier *notifierStub) (*Monitor, func(time.Duration)) {
	t.Helper()
	m, advance := newTestManager(balances, notifier)
	mon, err := m.build(context.Background(), monitordomain.StartRequest{
		AccountID:  "acct_m1",
		Resource:   usagedomain.ResourceRef{ID: "call_1", Type: "call"},
		Components: callComponents(),
	})
	require.NoError(t, err)
	return mon, advance
}

func TestMonitorTerminatesOnceAfterCountdown(t *testing.T) {
	balances := newBalanceStub("100")
	notifier := &notifierStub{}
	mon, advance := newCallMonitor(t, balances, notifier)
	ctx := context.Background()

	advance(150 * time.Second)
	snap, err := mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateWarning, snap.State)
	assert.True(t, snap.Projected.Equal(dec("39.857143")), snap.Projected.String())
	require.Len(t, snap.Composition, 3)
	assert.True(t, snap.Composition[2].Credits.Equal(dec("7.142857")))

	advance(150 * time.Second)
	snap, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateCritical, snap.State)
	assert.True(t, snap.Projected.Equal(dec("2.000001")), snap.Projected.String())
	require.NotNil(t, snap.CountdownEndsAt)
	assert.Equal(t, testutil.Epoch.Add(8*time.Minute), *snap.CountdownEndsAt)

	advance(150 * time.Second)
	snap, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateCritical, snap.State)

	advance(150 * time.Second)
	snap, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateTerminated, snap.State)
	assert.Equal(t, 4, snap.Ticks)

	advance(150 * time.Second)
	snap, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateTerminated, snap.State)
	assert.Equal(t, 4, snap.Ticks)

	low, terminated := notifier.Calls()
	assert.Equal(t, 2, low)
	assert.Equal(t, 1, terminated)
}

func TestMonitorRecoversWhenCreditsArePurchased(t *testing.T) {
	balances := newBalanceStub("100")
	notifier := &notifierStub{}
	mon, advance := newCallMonitor(t, balances, notifier)
	ctx := context.Background()

	advance(150 * time.Second)
	_, err := mon.Tick(ctx)
	require.NoError(t, err)
	advance(150 * time.Second)
	snap, err := mon.Tick(ctx)
	require.NoError(t, err)
	require.Equal(t, monitordomain.StateCritical, snap.State)

	balances.purchase("100")
	advance(150 * time.Second)
	snap, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateHealthy, snap.State)
	assert.True(t, snap.PurchasedSince.Equal(dec("100")))
	assert.True(t, snap.Projected.Equal(dec("64.142858")), snap.Projected.String())
	assert.Nil(t, snap.CountdownEndsAt)

	advance(150 * time.Second)
	snap, err = mon.Tick(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, monitordomain.StateTerminated, snap.State)

	_, terminated := notifier.Calls()
	assert.Zero(t, terminated)
}

func TestMonitorCallbackErrorsDoNotStopEvaluation(t *testing.T) {
	balances := newBalanceStub("60")
	notifier := &notifierStub{err: errors.New("callback down")}
	mon, advance := newCallMonitor(t, balances, notifier)

	advance(3 * time.Minute)
	snap, err := mon.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, monitordomain.StateCritical, snap.State)

	low, _ := notifier.Calls()
	assert.Equal(t, 1, low)
}

func TestMonitorTickKeepsStateOnBalanceError(t *testing.T) {
	balances := newBalanceStub("100")
	mon, advance := newCallMonitor(t, balances, &notifierStub{})

	balances.mu.Lock()
	balances.err = errors.New("db down")
	balances.mu.Unlock()

	advance(10 * time.Minute)
	snap, err := mon.Tick(context.Background())
	require.Error(t, err)
	assert.Equal(t, monitordomain.StateHealthy, snap.State)
	assert.Zero(t, snap.Ticks)
}
