package service

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
)

type costSplit struct {
	free      decimal.Decimal
	paid      decimal.Decimal
	overdraft bool
	shortfall decimal.Decimal
}

// splitCost takes cost from the free bucket first and the remainder from paid.
// Without emergency the combined balance, including a paid balance already
// driven negative by an earlier overdraft, must cover cost. The shortfall is
// the part of cost the combined balance could not cover.
func splitCost(account ledgerdomain.CreditAccount, cost decimal.Decimal, emergency bool) (costSplit, error) {
	if !cost.IsPositive() {
		return costSplit{}, nil
	}

	free := decimal.Max(account.FreeAvailable, decimal.Zero)
	available := account.FreeAvailable.Add(account.PaidAvailable)

	if available.LessThan(cost) && !emergency {
		return costSplit{}, ledgerdomain.ErrInsufficientCredits
	}

	fromFree := decimal.Min(free, cost)
	split := costSplit{
		free: fromFree,
		paid: cost.Sub(fromFree),
	}
	if available.LessThan(cost) {
		split.overdraft = true
		split.shortfall = cost.Sub(decimal.Max(available, decimal.Zero))
	}
	return split, nil
}

// applyRenewal resets the free bucket to allocation when the renewal instant
// has passed and moves the schedule strictly past now. delta is the signed
// change applied to the free bucket.
func applyRenewal(account *ledgerdomain.CreditAccount, allocation decimal.Decimal, period config.RenewalPeriod, now time.Time) (decimal.Decimal, bool) {
	if now.Before(account.NextFreeRenewalAt) {
		return decimal.Zero, false
	}

	delta := allocation.Sub(account.FreeAvailable)
	account.FreeAvailable = allocation
	account.FreeAllocation = allocation
	if delta.IsPositive() {
		account.TotalFreeGranted = account.TotalFreeGranted.Add(delta)
	}
	account.NextFreeRenewalAt = period.NextAfter(account.NextFreeRenewalAt, now)
	return delta, true
}
