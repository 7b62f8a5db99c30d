// Package domain defines the live cost monitor that watches an in-progress
// operation and ends it before back-loaded costs overdraw the account.
package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
)

// State only escalates healthy → warning → critical → terminated, except that
// a recovering projection may step back from critical or warning.
// Terminated is absorbing.
type State string

const (
	StateHealthy    State = "healthy"
	StateWarning    State = "warning"
	StateCritical   State = "critical"
	StateTerminated State = "terminated"
)

// ComponentKind says how a cost accrues over the operation.
type ComponentKind string

const (
	// KindPerMinute accrues Quantity units for every elapsed minute.
	KindPerMinute ComponentKind = "per_minute"
	// KindOneTime is charged once, typically when the operation ends.
	KindOneTime ComponentKind = "one_time"
)

// CostComponent is one part of the burn model, whether or not it has been
// deducted yet.
type CostComponent struct {
	Name         string          `json:"name"`
	Service      string          `json:"service"`
	Kind         ComponentKind   `json:"kind"`
	Quantity     decimal.Decimal `json:"quantity"`
	InputTokens  int64           `json:"input_tokens,omitempty"`
	OutputTokens int64           `json:"output_tokens,omitempty"`
}

// ComponentCost is a component's share of the projected cost.
type ComponentCost struct {
	Name    string          `json:"name"`
	Service string          `json:"service"`
	Kind    ComponentKind   `json:"kind"`
	Credits decimal.Decimal `json:"credits"`
}

type StartRequest struct {
	AccountID  string
	Resource   usagedomain.ResourceRef
	Components []CostComponent
	Metadata   map[string]any
}

// Snapshot is the monitor's view after its latest evaluation.
type Snapshot struct {
	AccountID       string                  `json:"account_id"`
	Resource        usagedomain.ResourceRef `json:"resource"`
	State           State                   `json:"state"`
	StartedAt       time.Time               `json:"started_at"`
	EvaluatedAt     time.Time               `json:"evaluated_at"`
	Elapsed         time.Duration           `json:"elapsed"`
	StartingBalance decimal.Decimal         `json:"starting_balance"`
	Accrued         decimal.Decimal         `json:"projected_cost"`
	PurchasedSince  decimal.Decimal         `json:"purchased_since"`
	Projected       decimal.Decimal         `json:"projected_balance"`
	Composition     []ComponentCost         `json:"composition"`
	CountdownEndsAt *time.Time              `json:"countdown_ends_at,omitempty"`
	Ticks           int                     `json:"ticks"`
}

// Notifier delivers monitor callbacks to the integration that owns the
// operation. Receivers must treat repeated termination calls as idempotent.
type Notifier interface {
	LowCredits(ctx context.Context, snapshot Snapshot, warnings []string) error
	ForceTerminate(ctx context.Context, snapshot Snapshot, reason string) error
}

// Manager runs one monitor per resource.
type Manager interface {
	Start(ctx context.Context, req StartRequest) (Snapshot, error)
	Stop(ctx context.Context, resourceID string) (Snapshot, bool)
	Get(resourceID string) (Snapshot, bool)
	Active() int
}

var (
	ErrInvalidAccount    = errors.New("invalid_account")
	ErrInvalidResource   = errors.New("invalid_resource")
	ErrInvalidComponent  = errors.New("invalid_component")
	ErrAlreadyMonitoring = errors.New("already_monitoring")
)
