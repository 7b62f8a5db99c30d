package service

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/creditmeter/internal/cache"
	"github.com/smallbiznis/creditmeter/internal/clock"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	"github.com/smallbiznis/creditmeter/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) (pricingdomain.Service, *clock.FakeClock) {
	t.Helper()
	db := testutil.NewDB(t, &pricingdomain.PricingRule{})
	clk := testutil.NewClock()
	svc := NewService(Params{
		DB:     db,
		Log:    zap.NewNop(),
		GenID:  testutil.NewNode(t),
		Clock:  clk,
		Policy: testutil.NewPolicy(),
		Cache:  cache.NewPricingTableCache(clk, time.Minute),
	})
	return svc, clk
}

func TestTableUsesPolicyDefaults(t *testing.T) {
	svc, _ := newTestService(t)
	cost, err := svc.Calculate(context.Background(), pricingdomain.CostRequest{Service: "video_call_minute", Quantity: dec("1")})
	require.NoError(t, err)
	assert.True(t, cost.Credits.Equal(dec("14.285714")), "credits=%s", cost.Credits)
}

func TestUpsertRuleOverridesDefaultAndInvalidatesCache(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.Table(ctx)
	require.NoError(t, err)

	margin := dec("0")
	_, err = svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{
		Service:      "video_call_minute",
		UnitPrice:    dec("0.2"),
		ProfitMargin: &margin,
	})
	require.NoError(t, err)

	cost, err := svc.Calculate(ctx, pricingdomain.CostRequest{Service: "video_call_minute", Quantity: dec("1")})
	require.NoError(t, err)
	assert.True(t, cost.Credits.Equal(dec("20")), "credits=%s", cost.Credits)

	inactive := false
	_, err = svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{Service: "video_call_minute", UnitPrice: dec("0.2"), IsActive: &inactive})
	require.NoError(t, err)
	_, err = svc.Calculate(ctx, pricingdomain.CostRequest{Service: "video_call_minute", Quantity: dec("1")})
	assert.ErrorIs(t, err, pricingdomain.ErrUnknownService)

	rules, err := svc.ListRules(ctx)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	assert.False(t, rules[0].IsActive)
}

func TestUpsertRuleCreatesInactiveAndReactivates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	inactive, active := false, true
	stored, err := svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{Service: "chat_message", UnitPrice: dec("0.002"), IsActive: &inactive})
	require.NoError(t, err)
	assert.False(t, stored.IsActive)

	_, err = svc.Calculate(ctx, pricingdomain.CostRequest{Service: "chat_message", Quantity: dec("1")})
	assert.ErrorIs(t, err, pricingdomain.ErrUnknownService)

	stored, err = svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{Service: "chat_message", UnitPrice: dec("0.002"), IsActive: &active})
	require.NoError(t, err)
	assert.True(t, stored.IsActive)

	_, err = svc.Calculate(ctx, pricingdomain.CostRequest{Service: "chat_message", Quantity: dec("1")})
	assert.NoError(t, err)
}

func TestUpsertRuleValidates(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	_, err := svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{Service: "x", UnitPrice: dec("-1")})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidPrice)

	margin := dec("1.5")
	_, err = svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{Service: "x", ProfitMargin: &margin})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidMargin)

	rate := dec("0")
	_, err = svc.UpsertRule(ctx, pricingdomain.UpsertRuleRequest{Service: "x", CreditConversionRate: &rate})
	assert.ErrorIs(t, err, pricingdomain.ErrInvalidConversion)
}

func TestSeedDefaultsIsIdempotent(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	n, err := svc.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	n, err = svc.SeedDefaults(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
