package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes credit accounting instruments.
type Metrics struct {
	usageRecorded       metric.Int64Counter
	creditsConsumed     metric.Float64Counter
	deductions          metric.Int64Counter
	purchases           metric.Int64Counter
	reconcileAdjustment metric.Int64Counter
	preflightDecisions  metric.Int64Counter
	monitorTransitions  metric.Int64Counter
	rateLimitAllowed    metric.Int64Counter
	rateLimitDenied     metric.Int64Counter
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "creditmeter"
	}
	meter := provider.Meter(name)

	usageRecorded, err := meter.Int64Counter("creditmeter_usage_recorded_total")
	if err != nil {
		return nil, err
	}
	creditsConsumed, err := meter.Float64Counter("creditmeter_credits_consumed_total")
	if err != nil {
		return nil, err
	}
	deductions, err := meter.Int64Counter("creditmeter_deductions_total")
	if err != nil {
		return nil, err
	}
	purchases, err := meter.Int64Counter("creditmeter_purchases_total")
	if err != nil {
		return nil, err
	}
	reconcileAdjustment, err := meter.Int64Counter("creditmeter_reconcile_adjustments_total")
	if err != nil {
		return nil, err
	}
	preflightDecisions, err := meter.Int64Counter("creditmeter_preflight_decisions_total")
	if err != nil {
		return nil, err
	}
	monitorTransitions, err := meter.Int64Counter("creditmeter_monitor_transitions_total")
	if err != nil {
		return nil, err
	}
	rateLimitAllowed, err := meter.Int64Counter("creditmeter_rate_limit_allowed_total")
	if err != nil {
		return nil, err
	}
	rateLimitDenied, err := meter.Int64Counter("creditmeter_rate_limit_denied_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		usageRecorded:       usageRecorded,
		creditsConsumed:     creditsConsumed,
		deductions:          deductions,
		purchases:           purchases,
		reconcileAdjustment: reconcileAdjustment,
		preflightDecisions:  preflightDecisions,
		monitorTransitions:  monitorTransitions,
		rateLimitAllowed:    rateLimitAllowed,
		rateLimitDenied:     rateLimitDenied,
	}, nil
}

// RecordUsage counts a recorded usage event and the credits it consumed.
func (m *Metrics) RecordUsage(ctx context.Context, service, outcome string, credits float64) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("service", strings.TrimSpace(service)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.usageRecorded.Add(ctx, 1, metric.WithAttributes(attrs...))
	if credits > 0 {
		m.creditsConsumed.Add(ctx, credits, metric.WithAttributes(attrs...))
	}
}

// RecordDeduction counts ledger deductions by outcome (ok, insufficient, conflict, emergency).
func (m *Metrics) RecordDeduction(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.deductions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPurchase counts purchase confirmations.
func (m *Metrics) RecordPurchase(ctx context.Context, txType, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("tx_type", strings.TrimSpace(txType)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	)
	m.purchases.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordReconcileAdjustment counts corrective adjustments per bucket.
func (m *Metrics) RecordReconcileAdjustment(ctx context.Context, bucket string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("bucket", strings.TrimSpace(bucket)))
	m.reconcileAdjustment.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordPreflight counts preflight decisions by outcome.
func (m *Metrics) RecordPreflight(ctx context.Context, outcome string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.preflightDecisions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordMonitorTransition counts live monitor state changes.
func (m *Metrics) RecordMonitorTransition(ctx context.Context, from, to string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("from_state", strings.TrimSpace(from)),
		attribute.String("state", strings.TrimSpace(to)),
	)
	m.monitorTransitions.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitAllowed increments rate limit allow counts.
func (m *Metrics) RecordRateLimitAllowed(ctx context.Context, endpoint string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("endpoint", strings.TrimSpace(endpoint)))
	m.rateLimitAllowed.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordRateLimitDenied increments rate limit deny counts.
func (m *Metrics) RecordRateLimitDenied(ctx context.Context, endpoint, reason string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(
		attribute.String("endpoint", strings.TrimSpace(endpoint)),
		attribute.String("reason", strings.TrimSpace(reason)),
	)
	m.rateLimitDenied.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}

// account_id is deliberately absent: it is unbounded.
var allowedLabelKeys = map[attribute.Key]struct{}{
	"service":     {},
	"outcome":     {},
	"bucket":      {},
	"tx_type":     {},
	"state":       {},
	"from_state":  {},
	"endpoint":    {},
	"status_code": {},
	"reason":      {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
