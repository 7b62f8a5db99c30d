package domain

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
)

type PreflightRequest struct {
	AccountID  string
	Operations []PlannedOperation
	Resource   usagedomain.ResourceRef
	// Reserve places a reservation for the approved total when affordable.
	Reserve  bool
	Metadata map[string]any
}

type ReserveRequest struct {
	AccountID string
	Amount    decimal.Decimal
	Resource  usagedomain.ResourceRef
	TTL       time.Duration
	Metadata  map[string]any
}

type Service interface {
	Preflight(ctx context.Context, req PreflightRequest) (Decision, error)
	Reserve(ctx context.Context, req ReserveRequest) (Reservation, error)
	Release(ctx context.Context, reservationID string) error
	// ActiveReserved sums live reservations of accountID, skipping those held
	// by exclude.
	ActiveReserved(ctx context.Context, accountID string, exclude usagedomain.ResourceRef) (decimal.Decimal, error)
}

// ReservationStore holds reservations. Expired entries are dropped lazily by
// Active.
type ReservationStore interface {
	Put(ctx context.Context, r Reservation) error
	Delete(ctx context.Context, id string) error
	Active(ctx context.Context, accountID string, now time.Time) ([]Reservation, error)
}

var (
	ErrInvalidAccount     = errors.New("invalid_account")
	ErrInvalidPlan        = errors.New("invalid_plan")
	ErrInvalidAmount      = errors.New("invalid_amount")
	ErrReservationBlocked = errors.New("reservation_exceeds_available")
)
