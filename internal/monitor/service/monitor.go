package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"go.uber.org/zap"
)

var minute = decimal.NewFromInt(int64(time.Minute / time.Millisecond))

// BalanceReader is the slice of the ledger the monitor polls.
type BalanceReader interface {
	GetBalance(ctx context.Context, accountID string) (ledgerdomain.Balance, error)
}

// pricedComponent caches credits per minute or per operation.
type pricedComponent struct {
	component monitordomain.CostComponent
	credits   decimal.Decimal
}

// Monitor evaluates one operation. Tick is safe for concurrent use; Run
// drives Tick on an interval until the context ends or the operation is
// terminated.
type Monitor struct {
	accountID  string
	resource   usagedomain.ResourceRef
	cfg        config.MonitorConfig
	clock      clock.Clock
	balances   BalanceReader
	notifier   monitordomain.Notifier
	log        *zap.Logger
	obsMetrics *obsmetrics.Metrics

	components        []pricedComponent
	startedAt         time.Time
	startingBalance   decimal.Decimal
	startingPurchased decimal.Decimal

	mu       sync.Mutex
	state    monitordomain.State
	deadline time.Time
	ticks    int
	last     monitordomain.Snapshot
}

func newMonitor(
	accountID string,
	resource usagedomain.ResourceRef,
	start ledgerdomain.Balance,
	components []pricedComponent,
	cfg config.MonitorConfig,
	clk clock.Clock,
	balances BalanceReader,
	notifier monitordomain.Notifier,
	log *zap.Logger,
	metrics *obsmetrics.Metrics,
) *Monitor {
	m := &Monitor{
		accountID:         accountID,
		resource:          resource,
		cfg:               cfg,
		clock:             clk,
		balances:          balances,
		notifier:          notifier,
		log:               log.With(zap.String("account_id", accountID), zap.String("resource_id", resource.ID)),
		obsMetrics:        metrics,
		components:        components,
		startedAt:         clk.Now(),
		startingBalance:   start.Available,
		startingPurchased: start.TotalPurchased,
		state:             monitordomain.StateHealthy,
	}
	m.last = m.snapshot(m.startedAt, decimal.Zero, m.project(0, decimal.Zero))
	return m
}

// State returns the current state.
func (m *Monitor) State() monitordomain.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Snapshot returns the result of the latest evaluation.
func (m *Monitor) Snapshot() monitordomain.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

// Run ticks every interval. It returns when ctx is done or after the tick
// that terminates the operation, so no tick is scheduled after either.
func (m *Monitor) Run(ctx context.Context) {
	interval := m.cfg.Interval
	if interval <= 0 {
		interval = 15 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if ctx.Err() != nil {
			return
		}
		snap, err := m.Tick(ctx)
		if err != nil {
			m.log.Warn("monitor tick failed", zap.Error(err))
			continue
		}
		if snap.State == monitordomain.StateTerminated {
			return
		}
	}
}

// projection is one evaluation of the burn model.
type projection struct {
	accrued     decimal.Decimal
	projected   decimal.Decimal
	composition []monitordomain.ComponentCost
}

// project prices elapsed plus the lookahead window. One-time components are
// always counted in full since they land at the end.
func (m *Monitor) project(elapsed time.Duration, purchasedSince decimal.Decimal) projection {
	minutes := decimal.NewFromInt(elapsed.Milliseconds()).Div(minute)
	if m.cfg.LookaheadMinutes > 0 {
		minutes = minutes.Add(decimal.NewFromFloat(m.cfg.LookaheadMinutes))
	}

	p := projection{composition: make([]monitordomain.ComponentCost, 0, len(m.components))}
	for _, c := range m.components {
		credits := c.credits
		if c.component.Kind == monitordomain.KindPerMinute {
			credits = c.credits.Mul(minutes)
		}
		credits = credits.Round(6)
		p.accrued = p.accrued.Add(credits)
		p.composition = append(p.composition, monitordomain.ComponentCost{
			Name:    c.component.Name,
			Service: c.component.Service,
			Kind:    c.component.Kind,
			Credits: credits,
		})
	}
	p.projected = m.startingBalance.Sub(p.accrued).Add(purchasedSince)
	return p
}

func (m *Monitor) snapshot(now time.Time, purchasedSince decimal.Decimal, p projection) monitordomain.Snapshot {
	snap := monitordomain.Snapshot{
		AccountID:       m.accountID,
		Resource:        m.resource,
		State:           m.state,
		StartedAt:       m.startedAt,
		EvaluatedAt:     now,
		Elapsed:         now.Sub(m.startedAt),
		StartingBalance: m.startingBalance,
		Accrued:         p.accrued,
		PurchasedSince:  purchasedSince,
		Projected:       p.projected,
		Composition:     p.composition,
		Ticks:           m.ticks,
	}
	if m.state == monitordomain.StateCritical {
		deadline := m.deadline
		snap.CountdownEndsAt = &deadline
	}
	return snap
}

type callback int

const (
	callbackNone callback = iota
	callbackLow
	callbackTerminate
)

// Tick evaluates the projection once and applies at most one transition.
func (m *Monitor) Tick(ctx context.Context) (monitordomain.Snapshot, error) {
	if m.State() == monitordomain.StateTerminated {
		return m.Snapshot(), nil
	}

	balance, err := m.balances.GetBalance(ctx, m.accountID)
	if err != nil {
		return m.Snapshot(), fmt.Errorf("read balance: %w", err)
	}
	now := m.clock.Now()
	purchasedSince := decimal.Max(balance.TotalPurchased.Sub(m.startingPurchased), decimal.Zero)
	p := m.project(now.Sub(m.startedAt), purchasedSince)

	m.mu.Lock()
	if m.state == monitordomain.StateTerminated {
		snap := m.last
		m.mu.Unlock()
		return snap, nil
	}
	from := m.state
	fire := m.transition(now, p.projected)
	m.ticks++
	snap := m.snapshot(now, purchasedSince, p)
	m.last = snap
	m.mu.Unlock()

	if from != snap.State {
		m.obsMetrics.RecordMonitorTransition(ctx, string(from), string(snap.State))
		m.log.Info("monitor state changed",
			zap.String("from", string(from)),
			zap.String("to", string(snap.State)),
			zap.String("projected_balance", snap.Projected.String()),
		)
	}

	switch fire {
	case callbackLow:
		m.notifyLow(ctx, snap)
	case callbackTerminate:
		m.notifyTerminate(ctx, snap)
	}
	return snap, nil
}

// transition must be called with mu held. Low-credit callbacks fire on
// escalation only; termination fires on the single transition into
// terminated.
func (m *Monitor) transition(now time.Time, projected decimal.Decimal) callback {
	warning := decimal.NewFromFloat(m.cfg.WarningThreshold)
	floor := decimal.NewFromFloat(m.cfg.CriticalFloor)

	switch {
	case projected.LessThan(floor):
		if m.state != monitordomain.StateCritical {
			m.state = monitordomain.StateCritical
			m.deadline = now.Add(m.cfg.Countdown)
			if m.cfg.Countdown > 0 {
				return callbackLow
			}
		}
		if !now.Before(m.deadline) {
			m.state = monitordomain.StateTerminated
			return callbackTerminate
		}
		return callbackNone
	case projected.LessThan(warning):
		escalated := m.state == monitordomain.StateHealthy
		m.state = monitordomain.StateWarning
		m.deadline = time.Time{}
		if escalated {
			return callbackLow
		}
		return callbackNone
	default:
		m.state = monitordomain.StateHealthy
		m.deadline = time.Time{}
		return callbackNone
	}
}

func (m *Monitor) callbackContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := m.cfg.CallbackTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

func (m *Monitor) notifyLow(ctx context.Context, snap monitordomain.Snapshot) {
	warnings := []string{
		fmt.Sprintf("projected balance %s credits after %s", snap.Projected.StringFixed(2), snap.Elapsed.Round(time.Second)),
	}
	for _, c := range snap.Composition {
		warnings = append(warnings, fmt.Sprintf("%s: %s credits", c.Name, c.Credits.StringFixed(2)))
	}
	if snap.CountdownEndsAt != nil {
		warnings = append(warnings, fmt.Sprintf("operation ends at %s unless credits are added", snap.CountdownEndsAt.Format(time.RFC3339)))
	}

	cbCtx, cancel := m.callbackContext(ctx)
	defer cancel()
	if err := m.notifier.LowCredits(cbCtx, snap, warnings); err != nil {
		m.log.Warn("low credits callback failed", zap.String("state", string(snap.State)), zap.Error(err))
	}
}

func (m *Monitor) notifyTerminate(ctx context.Context, snap monitordomain.Snapshot) {
	reason := fmt.Sprintf("projected balance %s stayed below %.2f credits for %s",
		snap.Projected.StringFixed(2), m.cfg.CriticalFloor, m.cfg.Countdown)
	m.log.Warn("force terminating operation", zap.String("reason", reason))

	cbCtx, cancel := m.callbackContext(ctx)
	defer cancel()
	if err := m.notifier.ForceTerminate(cbCtx, snap, reason); err != nil {
		m.log.Error("force terminate callback failed", zap.Error(err))
	}
}
