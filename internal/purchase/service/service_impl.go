package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/smallbiznis/creditmeter/internal/cloudmetrics"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
	obsmetrics "github.com/smallbiznis/creditmeter/internal/observability/metrics"
	purchasedomain "github.com/smallbiznis/creditmeter/internal/purchase/domain"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Params struct {
	fx.In

	Log        *zap.Logger
	Ledger     ledgerdomain.Service
	Metrics    *cloudmetrics.CloudMetrics `optional:"true"`
	ObsMetrics *obsmetrics.Metrics        `optional:"true"`
}

type Service struct {
	log        *zap.Logger
	ledger     ledgerdomain.Service
	metrics    *cloudmetrics.CloudMetrics
	obsMetrics *obsmetrics.Metrics
}

func NewService(p Params) purchasedomain.Service {
	return &Service{
		log:        p.Log.Named("purchase.service"),
		ledger:     p.Ledger,
		metrics:    p.Metrics,
		obsMetrics: p.ObsMetrics,
	}
}

// ConfirmPurchase credits the paid bucket once per external reference. The
// existence check and the credit share one ledger transaction, and the unique
// index on external_ref settles concurrent duplicates.
func (s *Service) ConfirmPurchase(ctx context.Context, req purchasedomain.ConfirmRequest) (purchasedomain.ConfirmResult, error) {
	return s.confirm(ctx, req, ledgerdomain.TransactionTypePurchase, s.ledger.Add)
}

func (s *Service) ConfirmRefund(ctx context.Context, req purchasedomain.ConfirmRequest) (purchasedomain.ConfirmResult, error) {
	return s.confirm(ctx, req, ledgerdomain.TransactionTypeRefund, s.ledger.Refund)
}

type creditFunc func(context.Context, ledgerdomain.AddRequest) (ledgerdomain.AddResult, error)

func (s *Service) confirm(ctx context.Context, req purchasedomain.ConfirmRequest, typ ledgerdomain.TransactionType, credit creditFunc) (purchasedomain.ConfirmResult, error) {
	externalRef := strings.TrimSpace(req.ExternalRef)
	accountID := strings.TrimSpace(req.AccountID)
	if externalRef == "" || accountID == "" {
		return purchasedomain.ConfirmResult{}, fmt.Errorf("%w: external_ref and account_id are required", purchasedomain.ErrInvalidRequest)
	}
	if !req.Credits.IsPositive() {
		return purchasedomain.ConfirmResult{}, fmt.Errorf("%w: credits must be positive", purchasedomain.ErrInvalidRequest)
	}

	res, err := credit(ctx, ledgerdomain.AddRequest{
		AccountID:   accountID,
		Credits:     req.Credits,
		ExternalRef: externalRef,
		Description: req.Description,
		Metadata:    req.Metadata,
	})
	if err != nil {
		s.obsMetrics.RecordPurchase(ctx, string(typ), "error")
		s.log.Error("credit confirmation failed",
			zap.String("account_id", accountID),
			zap.String("external_ref", externalRef),
			zap.String("type", string(typ)),
			zap.Error(err),
		)
		return purchasedomain.ConfirmResult{}, err
	}

	outcome := "accepted"
	if res.AlreadyProcessed {
		outcome = "already_processed"
	} else {
		s.metrics.AddCreditsAdded(string(typ), req.Credits)
		s.log.Info("credits confirmed",
			zap.String("account_id", accountID),
			zap.String("external_ref", externalRef),
			zap.String("type", string(typ)),
			zap.String("credits", req.Credits.String()),
			zap.String("paid_available", res.Balance.PaidAvailable.String()),
		)
	}
	s.obsMetrics.RecordPurchase(ctx, string(typ), outcome)

	return purchasedomain.ConfirmResult{
		Accepted:         res.Accepted,
		AlreadyProcessed: res.AlreadyProcessed,
		Balance:          res.Balance,
		TransactionID:    res.TransactionID,
	}, nil
}
