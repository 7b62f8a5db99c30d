package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateCreditPolicy(t *testing.T) {
	negative := -0.1
	tests := []struct {
		name    string
		mutate  func(*CreditPolicy)
		wantErr bool
	}{
		{name: "defaults", mutate: func(*CreditPolicy) {}},
		{name: "zero rate", mutate: func(p *CreditPolicy) { p.CreditToCurrencyRate = 0 }, wantErr: true},
		{name: "margin of one", mutate: func(p *CreditPolicy) { p.DefaultProfitMargin = 1 }, wantErr: true},
		{name: "duplicate service", mutate: func(p *CreditPolicy) {
			p.Pricing = append(p.Pricing, PricingRuleConfig{Service: "llm_chat"})
		}, wantErr: true},
		{name: "negative rule margin", mutate: func(p *CreditPolicy) { p.Pricing[0].ProfitMargin = &negative }, wantErr: true},
		{name: "floor above warning", mutate: func(p *CreditPolicy) { p.Monitor.CriticalFloor = p.Monitor.WarningThreshold + 1 }, wantErr: true},
		{name: "bad renewal", mutate: func(p *CreditPolicy) { p.FreeCredits.RenewalPeriod = "fortnightly" }, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			policy := DefaultCreditPolicy()
			tt.mutate(&policy)
			err := ValidateCreditPolicy(policy)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestParseRenewalPeriod(t *testing.T) {
	start := time.Date(2026, 1, 31, 0, 0, 0, 0, time.UTC)

	monthly, err := ParseRenewalPeriod("monthly")
	require.NoError(t, err)
	assert.Equal(t, start.AddDate(0, 1, 0), monthly.Next(start))

	weekly, err := ParseRenewalPeriod("168h")
	require.NoError(t, err)
	assert.Equal(t, start.Add(7*24*time.Hour), weekly.Next(start))

	_, err = ParseRenewalPeriod("-1h")
	assert.Error(t, err)
}

func TestRenewalPeriodNextAfterSkipsMissedPeriods(t *testing.T) {
	anchor := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)

	monthly := RenewalPeriod{Monthly: true}
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), monthly.NextAfter(anchor, anchor))
	assert.Equal(t, time.Date(2026, 6, 15, 0, 0, 0, 0, time.UTC),
		monthly.NextAfter(anchor, time.Date(2026, 5, 20, 0, 0, 0, 0, time.UTC)))
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC),
		monthly.NextAfter(anchor, time.Date(2026, 12, 15, 0, 0, 0, 0, time.UTC)))

	daily := RenewalPeriod{Every: 24 * time.Hour}
	assert.Equal(t, anchor.Add(11*24*time.Hour), daily.NextAfter(anchor, anchor.Add(10*24*time.Hour+time.Minute)))

	future := anchor.Add(time.Hour)
	assert.Equal(t, future, daily.NextAfter(future, anchor))
}

func TestCreditPolicyHolderSetRejectsInvalid(t *testing.T) {
	holder := NewStaticCreditPolicyHolder(DefaultCreditPolicy())

	bad := DefaultCreditPolicy()
	bad.CreditToCurrencyRate = -1
	assert.Error(t, holder.Set(bad))
	assert.Equal(t, float64(100), holder.Get().CreditToCurrencyRate)

	good := DefaultCreditPolicy()
	good.FreeCredits.Allocation = 42
	require.NoError(t, holder.Set(good))
	assert.Equal(t, float64(42), holder.Get().FreeCredits.Allocation)
}
