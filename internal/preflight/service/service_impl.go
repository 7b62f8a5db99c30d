package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const defaultReservationTTL = 15 * time.Minute

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Policy     *config.CreditPolicyHolder
	Ledger     ledgerdomain.Service
	Pricing    pricingdomain.Service
	Store      preflightdomain.ReservationStore
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	clock      clock.Clock
	policy     *config.CreditPolicyHolder
	ledger     ledgerdomain.Service
	pricing    pricingdomain.Service
	store      preflightdomain.ReservationStore
	obsMetrics *obsmetrics.Metrics

	// reserveMu narrows the check-then-put window of Reserve inside one
	// process. Reservations stay advisory across processes.
	reserveMu sync.Mutex
}

func NewService(p Params) preflightdomain.Service {
	return &Service{
		log:        p.Log.Named("preflight.service"),
		clock:      p.Clock,
		policy:     p.Policy,
		ledger:     p.Ledger,
		pricing:    p.Pricing,
		store:      p.Store,
		obsMetrics: p.ObsMetrics,
	}
}

func (s *Service) Preflight(ctx context.Context, req preflightdomain.PreflightRequest) (preflightdomain.Decision, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return preflightdomain.Decision{}, preflightdomain.ErrInvalidAccount
	}

	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return preflightdomain.Decision{}, err
	}
	reserved, err := s.ActiveReserved(ctx, accountID, req.Resource)
	if err != nil {
		return preflightdomain.Decision{}, err
	}
	table, err := s.pricing.Table(ctx)
	if err != nil {
		return preflightdomain.Decision{}, err
	}

	p := planner{table: table, policy: s.policy.Get().Preflight}
	decision, err := p.decide(req.Operations, balance.Available.Sub(reserved))
	if err != nil {
		return preflightdomain.Decision{}, err
	}
	decision.Balance = balance.Available
	decision.Reserved = reserved

	s.obsMetrics.RecordPreflight(ctx, string(decision.Outcome))
	fields := []zap.Field{
		zap.String("account_id", accountID),
		zap.String("resource_id", req.Resource.ID),
		zap.String("outcome", string(decision.Outcome)),
		zap.String("requested", decision.Requested.Total.String()),
		zap.String("available", decision.Available.String()),
	}
	if decision.CanAfford {
		s.log.Info("preflight approved", fields...)
	} else {
		s.log.Info("preflight denied", append(fields, zap.String("shortfall", decision.Shortfall.String()))...)
	}

	if req.Reserve && decision.CanAfford {
		reservation, err := s.Reserve(ctx, preflightdomain.ReserveRequest{
			AccountID: accountID,
			Amount:    decision.Approved.Total,
			Resource:  req.Resource,
			Metadata:  req.Metadata,
		})
		if err != nil {
			return decision, fmt.Errorf("reserve approved plan: %w", err)
		}
		decision.Reservation = &reservation
	}
	return decision, nil
}

func (s *Service) Reserve(ctx context.Context, req preflightdomain.ReserveRequest) (preflightdomain.Reservation, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return preflightdomain.Reservation{}, preflightdomain.ErrInvalidAccount
	}
	if !req.Amount.IsPositive() {
		return preflightdomain.Reservation{}, preflightdomain.ErrInvalidAmount
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = s.policy.Get().Preflight.ReservationTTL
	}
	if ttl <= 0 {
		ttl = defaultReservationTTL
	}

	s.reserveMu.Lock()
	defer s.reserveMu.Unlock()

	now := s.clock.Now()
	active, err := s.store.Active(ctx, accountID, now)
	if err != nil {
		return preflightdomain.Reservation{}, err
	}
	others := decimal.Zero
	for _, r := range active {
		if sameResource(r.Resource, req.Resource) {
			// A resource holds one reservation; a new one replaces it.
			if err := s.store.Delete(ctx, r.ID); err != nil {
				return preflightdomain.Reservation{}, err
			}
			continue
		}
		others = others.Add(r.Amount)
	}

	balance, err := s.ledger.GetBalance(ctx, accountID)
	if err != nil {
		return preflightdomain.Reservation{}, err
	}
	if balance.Available.Sub(others).LessThan(req.Amount) {
		s.log.Info("reservation rejected",
			zap.String("account_id", accountID),
			zap.String("resource_id", req.Resource.ID),
			zap.String("amount", req.Amount.String()),
			zap.String("available", balance.Available.Sub(others).String()),
		)
		return preflightdomain.Reservation{}, fmt.Errorf("%w: %w", preflightdomain.ErrReservationBlocked, ledgerdomain.ErrInsufficientCredits)
	}

	reservation := preflightdomain.Reservation{
		ID:        ulid.Make().String(),
		AccountID: accountID,
		Amount:    req.Amount,
		Resource:  req.Resource,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		Metadata:  req.Metadata,
	}
	if err := s.store.Put(ctx, reservation); err != nil {
		return preflightdomain.Reservation{}, err
	}
	s.log.Debug("reservation placed",
		zap.String("account_id", accountID),
		zap.String("reservation_id", reservation.ID),
		zap.Time("expires_at", reservation.ExpiresAt),
	)
	return reservation, nil
}

// Release is idempotent: unknown or expired ids are not an error.
func (s *Service) Release(ctx context.Context, reservationID string) error {
	reservationID = strings.TrimSpace(reservationID)
	if reservationID == "" {
		return nil
	}
	if err := s.store.Delete(ctx, reservationID); err != nil {
		s.log.Warn("release reservation failed", zap.String("reservation_id", reservationID), zap.Error(err))
		return err
	}
	return nil
}

func (s *Service) ActiveReserved(ctx context.Context, accountID string, exclude usagedomain.ResourceRef) (decimal.Decimal, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return decimal.Zero, preflightdomain.ErrInvalidAccount
	}
	active, err := s.store.Active(ctx, accountID, s.clock.Now())
	if err != nil {
		return decimal.Zero, err
	}
	total := decimal.Zero
	for _, r := range active {
		if sameResource(r.Resource, exclude) {
			continue
		}
		total = total.Add(r.Amount)
	}
	return total, nil
}

func sameResource(a, b usagedomain.ResourceRef) bool {
	return b.ID != "" && a.ID == b.ID && a.Type == b.Type
}
