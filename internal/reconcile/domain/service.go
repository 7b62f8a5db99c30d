// Package domain describes the balance reconciliation job that replays the
// transaction log and corrects drifted account rows.
package domain

import (
	"context"

	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
)

// Discrepancy is one bucket whose stored balance differs from the replay.
type Discrepancy struct {
	Bucket     ledgerdomain.Bucket `json:"bucket"`
	Stored     decimal.Decimal     `json:"stored"`
	Calculated decimal.Decimal     `json:"calculated"`
	Delta      decimal.Decimal     `json:"delta"`
}

type AccountResult struct {
	AccountID       string        `json:"account_id"`
	Discrepancies   []Discrepancy `json:"discrepancies,omitempty"`
	TotalsRewritten bool          `json:"totals_rewritten"`
}

// Adjusted reports whether the run wrote anything for the account.
func (r AccountResult) Adjusted() bool {
	return len(r.Discrepancies) > 0 || r.TotalsRewritten
}

type Summary struct {
	Accounts    int `json:"accounts"`
	Adjusted    int `json:"adjusted"`
	Adjustments int `json:"adjustments"`
	Failed      int `json:"failed"`
}

type Service interface {
	ReconcileAccount(ctx context.Context, accountID string) (AccountResult, error)
	// Run walks every account in id order. Callers must ensure a single runner.
	Run(ctx context.Context, batchSize int) (Summary, error)
}
