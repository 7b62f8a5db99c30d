package service

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitCost(t *testing.T) {
	cases := []struct {
		name      string
		free      string
		paid      string
		cost      string
		emergency bool
		wantFree  string
		wantPaid  string
		wantShort string
		wantErr   error
	}{
		{name: "free covers", free: "500", paid: "0", cost: "300", wantFree: "300", wantPaid: "0", wantShort: "0"},
		{name: "spills into paid", free: "50", paid: "100", cost: "80", wantFree: "50", wantPaid: "30", wantShort: "0"},
		{name: "insufficient", free: "200", paid: "0", cost: "300", wantErr: ledgerdomain.ErrInsufficientCredits},
		{name: "emergency overdraft", free: "200", paid: "0", cost: "300", emergency: true, wantFree: "200", wantPaid: "100", wantShort: "100"},
		{name: "negative paid counts against free", free: "10", paid: "-5", cost: "10", wantErr: ledgerdomain.ErrInsufficientCredits},
		{name: "negative paid still affordable", free: "500", paid: "-150", cost: "300", wantFree: "300", wantPaid: "0", wantShort: "0"},
		{name: "emergency on negative combined", free: "0", paid: "-150", cost: "100", emergency: true, wantFree: "0", wantPaid: "100", wantShort: "100"},
		{name: "emergency partly covered", free: "10", paid: "-5", cost: "10", emergency: true, wantFree: "10", wantPaid: "0", wantShort: "5"},
		{name: "zero cost", free: "0", paid: "0", cost: "0", wantFree: "0", wantPaid: "0", wantShort: "0"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			account := ledgerdomain.CreditAccount{FreeAvailable: dec(tc.free), PaidAvailable: dec(tc.paid)}
			split, err := splitCost(account, dec(tc.cost), tc.emergency)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				return
			}
			require.NoError(t, err)
			assert.True(t, split.free.Equal(dec(tc.wantFree)), "free=%s", split.free)
			assert.True(t, split.paid.Equal(dec(tc.wantPaid)), "paid=%s", split.paid)
			assert.True(t, split.shortfall.Equal(dec(tc.wantShort)), "shortfall=%s", split.shortfall)
			assert.Equal(t, !split.shortfall.IsZero(), split.overdraft)
		})
	}
}

func TestApplyRenewal(t *testing.T) {
	now := time.Date(2026, 5, 10, 0, 0, 0, 0, time.UTC)
	account := ledgerdomain.CreditAccount{
		FreeAvailable:     dec("120"),
		TotalFreeGranted:  dec("500"),
		NextFreeRenewalAt: time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC),
	}

	delta, renewed := applyRenewal(&account, dec("500"), config.RenewalPeriod{Monthly: true}, now)
	require.True(t, renewed)
	assert.True(t, delta.Equal(dec("380")))
	assert.True(t, account.FreeAvailable.Equal(dec("500")))
	assert.True(t, account.TotalFreeGranted.Equal(dec("880")))
	assert.Equal(t, time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC), account.NextFreeRenewalAt)

	_, renewed = applyRenewal(&account, dec("500"), config.RenewalPeriod{Monthly: true}, now)
	assert.False(t, renewed)

	// A lowered allocation shrinks the bucket without counting as a grant.
	account.NextFreeRenewalAt = now
	delta, renewed = applyRenewal(&account, decimal.NewFromInt(100), config.RenewalPeriod{Monthly: true}, now)
	require.True(t, renewed)
	assert.True(t, delta.Equal(dec("-400")))
	assert.True(t, account.TotalFreeGranted.Equal(dec("880")))
}
