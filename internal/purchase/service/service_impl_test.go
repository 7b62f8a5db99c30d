package service

import (
	"context"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	ledgerrepo "github.com/smallbiznis/creditmeter/internal/ledger/repository"
	ledgerservice "github.com/smallbiznis/creditmeter/internal/ledger/service"
	purchasedomain "github.com/smallbiznis/creditmeter/internal/purchase/domain"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fixture struct {
	svc     purchasedomain.Service
	ledger  ledgerdomain.Service
	metrics *cloudmetrics.CloudMetrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	db := testutil.NewDB(t, &ledgerdomain.CreditAccount{}, &ledgerdomain.Transaction{}, &usagedomain.UsageEvent{})
	ledger := ledgerservice.NewService(ledgerservice.Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.NewNode(t),
		Clock:  testutil.NewClock(),
		Policy: testutil.NewPolicy(),
		Repo:   ledgerrepo.Provide(),
	})
	metrics := cloudmetrics.New(nil, nil, "test", "0.0.0", nil)
	svc := NewService(Params{Log: zap.NewNop(), Ledger: ledger, Metrics: metrics})
	return fixture{svc: svc, ledger: ledger, metrics: metrics}
}

func dec(v string) decimal.Decimal { return decimal.RequireFromString(v) }

func creditsAdded(t *testing.T, reg *prometheus.Registry, txType string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != "creditmeter_accounting_credits_added_total" {
			continue
		}
		for _, metric := range family.GetMetric() {
			for _, label := range metric.GetLabel() {
				if label.GetName() == "tx_type" && label.GetValue() == txType {
					return metric.GetCounter().GetValue()
				}
			}
		}
	}
	return 0
}

func TestConfirmPurchaseTwiceCreditsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := purchasedomain.ConfirmRequest{ExternalRef: "chk_1", AccountID: "acct_buy", Credits: dec("1000"), Metadata: map[string]any{"pack": "starter"}}

	first, err := f.svc.ConfirmPurchase(ctx, req)
	require.NoError(t, err)
	assert.True(t, first.Accepted)
	assert.False(t, first.AlreadyProcessed)

	second, err := f.svc.ConfirmPurchase(ctx, req)
	require.NoError(t, err)
	assert.False(t, second.Accepted)
	assert.True(t, second.AlreadyProcessed)
	assert.Equal(t, first.TransactionID, second.TransactionID)
	assert.True(t, second.Balance.PaidAvailable.Equal(dec("1000")), second.Balance.PaidAvailable.String())

	assert.Equal(t, 1000.0, creditsAdded(t, f.metrics.Registry(), "purchase"))
}

func TestConfirmPurchaseConcurrentWebhooks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	const deliveries = 6
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		accepted int
	)
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := f.svc.ConfirmPurchase(ctx, purchasedomain.ConfirmRequest{ExternalRef: "chk_race", AccountID: "acct_race", Credits: dec("40")})
			assert.NoError(t, err)
			if res.Accepted {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, accepted)
	balance, err := f.ledger.GetBalance(ctx, "acct_race")
	require.NoError(t, err)
	assert.True(t, balance.TotalPurchased.Equal(dec("40")))
}

func TestConfirmRefund(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.ConfirmRefund(ctx, purchasedomain.ConfirmRequest{ExternalRef: "re_1", AccountID: "acct_ref", Credits: dec("12.5")})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.True(t, res.Balance.TotalRefunded.Equal(dec("12.5")))
	assert.True(t, res.Balance.TotalPurchased.IsZero())
	assert.Equal(t, 12.5, creditsAdded(t, f.metrics.Registry(), "refund"))
}

func TestConfirmPurchaseValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	cases := []purchasedomain.ConfirmRequest{
		{AccountID: "acct_v", Credits: dec("1")},
		{ExternalRef: "chk_v", Credits: dec("1")},
		{ExternalRef: "chk_v", AccountID: "acct_v", Credits: dec("0")},
		{ExternalRef: "chk_v", AccountID: "acct_v", Credits: dec("-5")},
	}
	for _, req := range cases {
		_, err := f.svc.ConfirmPurchase(ctx, req)
		assert.ErrorIs(t, err, purchasedomain.ErrInvalidRequest)
	}
}
