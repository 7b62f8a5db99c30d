// Package domain describes affordability checks run before a long operation
// starts and the advisory reservations that keep two operations from
// budgeting the same credits.
package domain

import (
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
)

// Role ranks how much a sub-operation matters. It selects the safety buffer
// and whether the planner may degrade it.
type Role string

const (
	RolePrimary      Role = "primary"
	RoleMustComplete Role = "must_complete"
	RoleOptional     Role = "optional"
)

// PlannedOperation is one priced step of a long-running operation, such as
// the call itself, its transcription, or post-processing.
type PlannedOperation struct {
	Name         string          `json:"name"`
	Service      string          `json:"service"`
	Role         Role            `json:"role"`
	Quantity     decimal.Decimal `json:"quantity"`
	InputTokens  int64           `json:"input_tokens,omitempty"`
	OutputTokens int64           `json:"output_tokens,omitempty"`
	// ScalesWithPrimary shrinks the quantity in proportion to the primary
	// operation when the plan is shortened.
	ScalesWithPrimary bool `json:"scales_with_primary,omitempty"`
	// Tiers are cheaper services tried in order when an optional step is
	// degraded.
	Tiers []string `json:"tiers,omitempty"`
}

type Outcome string

const (
	OutcomeFull      Outcome = "full"
	OutcomeDegraded  Outcome = "degraded"
	OutcomeShortened Outcome = "shortened"
	OutcomeDenied    Outcome = "denied"
)

// OperationEstimate is the priced form of a PlannedOperation.
type OperationEstimate struct {
	Name     string          `json:"name"`
	Service  string          `json:"service"`
	Role     Role            `json:"role"`
	Quantity decimal.Decimal `json:"quantity"`
	Cost     decimal.Decimal `json:"cost"`
	Buffer   decimal.Decimal `json:"buffer"`
}

// Estimate totals a plan. Total is Cost plus Buffer.
type Estimate struct {
	Operations []OperationEstimate `json:"operations"`
	Cost       decimal.Decimal     `json:"cost"`
	Buffer     decimal.Decimal     `json:"buffer"`
	Total      decimal.Decimal     `json:"total"`
}

// Decision is the preflight verdict. Requested prices the plan as asked;
// Approved is the plan the account can afford, empty when denied.
type Decision struct {
	CanAfford       bool            `json:"can_afford"`
	Outcome         Outcome         `json:"outcome"`
	Requested       Estimate        `json:"requested"`
	Approved        Estimate        `json:"approved"`
	Balance         decimal.Decimal `json:"balance"`
	Reserved        decimal.Decimal `json:"reserved_by_others"`
	Available       decimal.Decimal `json:"available"`
	Shortfall       decimal.Decimal `json:"shortfall"`
	PrimaryMinutes  decimal.Decimal `json:"primary_minutes"`
	Warnings        []string        `json:"warnings,omitempty"`
	Recommendations []string        `json:"recommendations,omitempty"`
	Reservation     *Reservation    `json:"reservation,omitempty"`
}

// Reservation is a soft hold against future affordability. It never touches
// the ledger.
type Reservation struct {
	ID        string                  `json:"id"`
	AccountID string                  `json:"account_id"`
	Amount    decimal.Decimal         `json:"reserved_amount"`
	Resource  usagedomain.ResourceRef `json:"resource"`
	CreatedAt time.Time               `json:"created_at"`
	ExpiresAt time.Time               `json:"expires_at"`
	Metadata  map[string]any          `json:"metadata,omitempty"`
}

func (r Reservation) Expired(now time.Time) bool {
	return !now.Before(r.ExpiresAt)
}
