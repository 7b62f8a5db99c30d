package service

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/config"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	pricingservice "github.com/smallbiznis/creditmeter/internal/pricing/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// PriceTable is the slice of the pricing service the manager needs.
type PriceTable interface {
	Table(ctx context.Context) (pricingdomain.Table, error)
}

type Params struct {
	fx.In

	Log        *zap.Logger
	Clock      clock.Clock
	Policy     *config.CreditPolicyHolder
	Balances   BalanceReader
	Pricing    PriceTable
	Notifier   monitordomain.Notifier
	ObsMetrics *obsmetrics.Metrics `optional:"true"`
}

type entry struct {
	monitor *Monitor
	cancel  context.CancelFunc
	done    chan struct{}
}

type Manager struct {
	log        *zap.Logger
	clock      clock.Clock
	policy     *config.CreditPolicyHolder
	balances   BalanceReader
	pricing    PriceTable
	notifier   monitordomain.Notifier
	obsMetrics *obsmetrics.Metrics

	base   context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	monitors map[string]*entry
}

func NewManager(p Params) *Manager {
	base, cancel := context.WithCancel(context.Background())
	return &Manager{
		log:        p.Log.Named("monitor.manager"),
		clock:      p.Clock,
		policy:     p.Policy,
		balances:   p.Balances,
		pricing:    p.Pricing,
		notifier:   p.Notifier,
		obsMetrics: p.ObsMetrics,
		base:       base,
		cancel:     cancel,
		monitors:   make(map[string]*entry),
	}
}

// Start prices the burn model, captures the starting balance, evaluates once
// and then polls in the background until Stop or termination.
func (m *Manager) Start(ctx context.Context, req monitordomain.StartRequest) (monitordomain.Snapshot, error) {
	mon, err := m.build(ctx, req)
	if err != nil {
		return monitordomain.Snapshot{}, err
	}

	m.mu.Lock()
	if _, exists := m.monitors[mon.resource.ID]; exists {
		m.mu.Unlock()
		return monitordomain.Snapshot{}, monitordomain.ErrAlreadyMonitoring
	}
	runCtx, cancel := context.WithCancel(m.base)
	e := &entry{monitor: mon, cancel: cancel, done: make(chan struct{})}
	m.monitors[mon.resource.ID] = e
	m.mu.Unlock()

	snap, err := mon.Tick(ctx)
	if err != nil {
		m.log.Warn("initial monitor tick failed", zap.String("resource_id", mon.resource.ID), zap.Error(err))
	}

	go func() {
		defer close(e.done)
		mon.Run(runCtx)
		m.forget(mon.resource.ID, e)
	}()

	m.log.Info("monitor started",
		zap.String("account_id", mon.accountID),
		zap.String("resource_id", mon.resource.ID),
		zap.String("starting_balance", mon.startingBalance.String()),
		zap.String("state", string(snap.State)),
	)
	return snap, nil
}

func (m *Manager) build(ctx context.Context, req monitordomain.StartRequest) (*Monitor, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return nil, monitordomain.ErrInvalidAccount
	}
	resource := req.Resource
	resource.ID = strings.TrimSpace(resource.ID)
	if resource.ID == "" {
		return nil, monitordomain.ErrInvalidResource
	}
	if len(req.Components) == 0 {
		return nil, fmt.Errorf("%w: no cost components", monitordomain.ErrInvalidComponent)
	}

	table, err := m.pricing.Table(ctx)
	if err != nil {
		return nil, err
	}
	priced := make([]pricedComponent, 0, len(req.Components))
	for _, c := range req.Components {
		switch c.Kind {
		case monitordomain.KindPerMinute, monitordomain.KindOneTime:
		default:
			return nil, fmt.Errorf("%w: unknown kind %q", monitordomain.ErrInvalidComponent, c.Kind)
		}
		if c.Name == "" {
			c.Name = c.Service
		}
		cost, err := pricingservice.Calculate(table, pricingdomain.CostRequest{
			Service:      c.Service,
			Quantity:     c.Quantity,
			InputTokens:  c.InputTokens,
			OutputTokens: c.OutputTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %w", monitordomain.ErrInvalidComponent, c.Service, err)
		}
		priced = append(priced, pricedComponent{component: c, credits: cost.Credits})
	}

	start, err := m.balances.GetBalance(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return newMonitor(accountID, resource, start, priced, m.policy.Get().Monitor,
		m.clock, m.balances, m.notifier, m.log, m.obsMetrics), nil
}

// Stop cancels the monitor and waits for its loop to exit. It reports false
// when no monitor is running for resourceID, including after termination.
func (m *Manager) Stop(_ context.Context, resourceID string) (monitordomain.Snapshot, bool) {
	m.mu.Lock()
	e, ok := m.monitors[strings.TrimSpace(resourceID)]
	if ok {
		delete(m.monitors, strings.TrimSpace(resourceID))
	}
	m.mu.Unlock()
	if !ok {
		return monitordomain.Snapshot{}, false
	}

	e.cancel()
	<-e.done
	snap := e.monitor.Snapshot()
	m.log.Info("monitor stopped",
		zap.String("resource_id", resourceID),
		zap.String("state", string(snap.State)),
	)
	return snap, true
}

func (m *Manager) Get(resourceID string) (monitordomain.Snapshot, bool) {
	m.mu.Lock()
	e, ok := m.monitors[strings.TrimSpace(resourceID)]
	m.mu.Unlock()
	if !ok {
		return monitordomain.Snapshot{}, false
	}
	return e.monitor.Snapshot(), true
}

func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.monitors)
}

// Shutdown stops every monitor and waits for their loops.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.cancel()
	m.mu.Lock()
	entries := make([]*entry, 0, len(m.monitors))
	for id, e := range m.monitors {
		entries = append(entries, e)
		delete(m.monitors, id)
	}
	m.mu.Unlock()

	for _, e := range entries {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *Manager) forget(resourceID string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.monitors[resourceID]; ok && current == e {
		delete(m.monitors, resourceID)
	}
}
