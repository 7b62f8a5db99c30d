package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/smallbiznis/creditmeter/internal/clock"
	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	"github.com/smallbiznis/creditmeter/internal/config"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	pricingdomain "github.com/smallbiznis/creditmeter/internal/pricing/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultExportTimeout = 5 * time.Second

type ServiceParam struct {
	fx.In

	DB         *gorm.DB
	Log        *zap.Logger
	Clock      clock.Clock
	Cfg        config.Config
	Pricing    pricingdomain.Service
	Ledger     ledgerdomain.Service
	ExportRepo usagedomain.ExportRepository
	Exporter   usagedomain.Exporter       `optional:"true"`
	Metrics    *cloudmetrics.CloudMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	db  *gorm.DB
	log *zap.Logger

	clock         clock.Clock
	pricing       pricingdomain.Service
	ledger        ledgerdomain.Service
	exportRepo    usagedomain.ExportRepository
	exporter      usagedomain.Exporter
	exportTimeout time.Duration
	metrics       *cloudmetrics.CloudMetrics
	obsMetrics    *obsmetrics.Metrics
}

func NewService(p ServiceParam) usagedomain.Service {
	timeout := p.Cfg.UsageExport.Timeout
	if timeout <= 0 {
		timeout = defaultExportTimeout
	}
	return &Service{
		db:  p.DB,
		log: p.Log.Named("usage.service"),

		clock:         p.Clock,
		pricing:       p.Pricing,
		ledger:        p.Ledger,
		exportRepo:    p.ExportRepo,
		exporter:      p.Exporter,
		exportTimeout: timeout,
		metrics:       p.Metrics,
		obsMetrics:    p.ObsMetrics,
	}
}

// Record prices the reported usage, funds it from the ledger and forwards it
// to the metering partner. Partner failures never undo the deduction; the row
// stays unprocessed for the export sweep.
func (s *Service) Record(ctx context.Context, req usagedomain.RecordRequest) (usagedomain.RecordResult, error) {
	accountID := strings.TrimSpace(req.AccountID)
	if accountID == "" {
		return usagedomain.RecordResult{}, usagedomain.ErrInvalidAccount
	}
	service := strings.TrimSpace(req.Service)
	if service == "" {
		return usagedomain.RecordResult{}, usagedomain.ErrInvalidService
	}
	if req.Quantity.IsNegative() || req.InputTokens < 0 || req.OutputTokens < 0 {
		return usagedomain.RecordResult{}, usagedomain.ErrInvalidQuantity
	}

	cost, err := s.pricing.Calculate(ctx, pricingdomain.CostRequest{
		Service:      service,
		Quantity:     req.Quantity,
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
	})
	if err != nil {
		switch {
		case errors.Is(err, pricingdomain.ErrUnknownService):
			return usagedomain.RecordResult{}, fmt.Errorf("%w: %w", usagedomain.ErrInvalidService, err)
		case errors.Is(err, pricingdomain.ErrInvalidQuantity):
			return usagedomain.RecordResult{}, fmt.Errorf("%w: %w", usagedomain.ErrInvalidQuantity, err)
		}
		return usagedomain.RecordResult{}, err
	}

	deduct := ledgerdomain.DeductRequest{
		AccountID:      accountID,
		Service:        service,
		Quantity:       req.Quantity,
		UnitCost:       cost.UnitCost,
		Cost:           cost.Credits,
		Resource:       req.Resource,
		IdempotencyKey: req.IdempotencyKey,
		Metadata:       tokenMetadata(req),
	}

	var res ledgerdomain.DeductResult
	if req.MustComplete {
		res, err = s.ledger.DeductEmergency(ctx, deduct)
	} else {
		res, err = s.ledger.Deduct(ctx, deduct)
	}
	if err != nil {
		outcome := "error"
		if ledgerdomain.IsUnaffordable(err) {
			outcome = "insufficient"
		}
		s.obsMetrics.RecordUsage(ctx, service, outcome, 0)
		return usagedomain.RecordResult{}, err
	}

	result := usagedomain.RecordResult{
		Event:            res.Event,
		Cost:             res.Event.TotalCost,
		FreeCost:         res.FreeCost,
		PaidCost:         res.PaidCost,
		PaidAvailable:    res.Balance.PaidAvailable,
		FreeAvailable:    res.Balance.FreeAvailable,
		EmergencyApplied: res.EmergencyApplied,
		AlreadyProcessed: res.AlreadyProcessed,
	}
	if res.AlreadyProcessed {
		s.obsMetrics.RecordUsage(ctx, service, "already_processed", 0)
		return result, nil
	}

	credits, _ := cost.Credits.Float64()
	s.obsMetrics.RecordUsage(ctx, service, "ok", credits)
	s.recordAccounting(service, res)

	if processedAt, ok := s.export(ctx, res.Event); ok {
		result.Event.Processed = true
		result.Event.ProcessedAt = &processedAt
	}
	return result, nil
}

func (s *Service) export(ctx context.Context, event usagedomain.UsageEvent) (time.Time, bool) {
	if s.exporter == nil {
		return time.Time{}, false
	}

	exportCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.exportTimeout)
	defer cancel()

	if err := s.exporter.Export(exportCtx, []usagedomain.UsageEvent{event}); err != nil {
		s.log.Warn("usage export failed, left for sweep",
			zap.String("usage_event_id", event.ID.String()),
			zap.String("account_id", event.AccountID),
			zap.String("service", event.Service),
			zap.Error(err),
		)
		return time.Time{}, false
	}

	now := s.clock.Now()
	if _, err := s.exportRepo.MarkProcessed(exportCtx, s.db, []snowflake.ID{event.ID}, now); err != nil {
		s.log.Warn("usage export mark processed failed",
			zap.String("usage_event_id", event.ID.String()),
			zap.Error(err),
		)
		return time.Time{}, false
	}
	return now, true
}

func (s *Service) recordAccounting(service string, res ledgerdomain.DeductResult) {
	if s.metrics == nil {
		return
	}
	s.metrics.IncUsageEvent(service)
	s.metrics.AddCreditsConsumed(string(ledgerdomain.BucketFree), res.FreeCost)
	s.metrics.AddCreditsConsumed(string(ledgerdomain.BucketPaid), res.PaidCost)
	if res.EmergencyApplied {
		s.metrics.IncEmergencyOverdraft()
	}
}

func tokenMetadata(req usagedomain.RecordRequest) map[string]any {
	if req.InputTokens == 0 && req.OutputTokens == 0 {
		return req.Metadata
	}
	out := make(map[string]any, len(req.Metadata)+2)
	for k, v := range req.Metadata {
		out[k] = v
	}
	out["input_tokens"] = req.InputTokens
	out["output_tokens"] = req.OutputTokens
	return out
}
