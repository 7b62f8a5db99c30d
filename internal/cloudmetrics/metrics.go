package cloudmetrics

import (
	"context"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// CloudMetrics holds accounting counters pushed to the billing analytics
// backend. All methods are safe on a nil receiver.
type CloudMetrics struct {
	registry *prometheus.Registry
	pusher   Pusher
	log      *zap.Logger

	usageEvents        *prometheus.CounterVec
	creditsConsumed    *prometheus.CounterVec
	creditsPurchased   *prometheus.CounterVec
	emergencyOverdraft prometheus.Counter
	adjustments        *prometheus.CounterVec
	accountsTotal      prometheus.Gauge
	unexportedUsage    prometheus.Gauge
	memoryBytes        prometheus.Gauge
}

// New registers the accounting collectors on registry, or a fresh registry
// when nil.
func New(registry *prometheus.Registry, pusher Pusher, instanceID, version string, log *zap.Logger) *CloudMetrics {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	if log == nil {
		log = zap.NewNop()
	}
	constLabels := prometheus.Labels{
		"instance_id": normalizeLabel(instanceID),
		"version":     normalizeLabel(version),
	}

	m := &CloudMetrics{
		registry: registry,
		pusher:   pusher,
		log:      log.Named("cloudmetrics"),
		usageEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_accounting_usage_events_total",
			Help:        "Priced usage events recorded, by service.",
			ConstLabels: constLabels,
		}, []string{"service"}),
		creditsConsumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_accounting_credits_consumed_total",
			Help:        "Credits deducted from accounts, by bucket.",
			ConstLabels: constLabels,
		}, []string{"bucket"}),
		creditsPurchased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_accounting_credits_added_total",
			Help:        "Credits added to paid balances, by transaction type.",
			ConstLabels: constLabels,
		}, []string{"tx_type"}),
		emergencyOverdraft: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "creditmeter_accounting_emergency_overdrafts_total",
			Help:        "Must-complete deductions that drove a paid balance negative.",
			ConstLabels: constLabels,
		}),
		adjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "creditmeter_accounting_reconcile_adjustments_total",
			Help:        "Adjustment transactions written by balance reconciliation.",
			ConstLabels: constLabels,
		}, []string{"bucket"}),
		accountsTotal: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_accounting_accounts_total",
			Help:        "Credit accounts known to the ledger.",
			ConstLabels: constLabels,
		}),
		unexportedUsage: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_accounting_unexported_usage_events",
			Help:        "Usage events not yet accepted by the metering partner.",
			ConstLabels: constLabels,
		}),
		memoryBytes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "creditmeter_process_memory_bytes",
			Help:        "Memory obtained from the OS by the process.",
			ConstLabels: constLabels,
		}),
	}
	registry.MustRegister(
		m.usageEvents,
		m.creditsConsumed,
		m.creditsPurchased,
		m.emergencyOverdraft,
		m.adjustments,
		m.accountsTotal,
		m.unexportedUsage,
		m.memoryBytes,
	)
	return m
}

func (m *CloudMetrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *CloudMetrics) IncUsageEvent(service string) {
	if m == nil {
		return
	}
	m.usageEvents.WithLabelValues(normalizeLabel(service)).Inc()
}

func (m *CloudMetrics) AddCreditsConsumed(bucket string, credits decimal.Decimal) {
	if m == nil || !credits.IsPositive() {
		return
	}
	value, _ := credits.Float64()
	m.creditsConsumed.WithLabelValues(normalizeLabel(bucket)).Add(value)
}

func (m *CloudMetrics) AddCreditsAdded(txType string, credits decimal.Decimal) {
	if m == nil || !credits.IsPositive() {
		return
	}
	value, _ := credits.Float64()
	m.creditsPurchased.WithLabelValues(normalizeLabel(txType)).Add(value)
}

func (m *CloudMetrics) IncEmergencyOverdraft() {
	if m == nil {
		return
	}
	m.emergencyOverdraft.Inc()
}

func (m *CloudMetrics) IncReconcileAdjustment(bucket string) {
	if m == nil {
		return
	}
	m.adjustments.WithLabelValues(normalizeLabel(bucket)).Inc()
}

func (m *CloudMetrics) SetAccountsTotal(count int64) {
	if m == nil {
		return
	}
	m.accountsTotal.Set(float64(count))
}

func (m *CloudMetrics) SetUnexportedUsage(count int64) {
	if m == nil {
		return
	}
	m.unexportedUsage.Set(float64(count))
}

func (m *CloudMetrics) SetMemoryUsage(bytes uint64) {
	if m == nil {
		return
	}
	m.memoryBytes.Set(float64(bytes))
}

// Push sends the current registry through the configured pusher.
func (m *CloudMetrics) Push(ctx context.Context) error {
	if m == nil || m.pusher == nil {
		return nil
	}
	return m.pusher.Push(ctx, m.registry)
}

func normalizeLabel(value string) string {
	value = strings.TrimSpace(value)
	if value == "" {
		return "unknown"
	}
	return value
}
