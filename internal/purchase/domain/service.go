// Package domain describes confirmation of completed credit purchases coming
// from the payment integration.
package domain

import (
	"context"
	"errors"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
)

// ConfirmRequest is one settled checkout or refund. ExternalRef is the payment
// provider's identifier and makes confirmation safe to retry.
type ConfirmRequest struct {
	ExternalRef string          `json:"external_ref"`
	AccountID   string          `json:"account_id"`
	Credits     decimal.Decimal `json:"credits"`
	Description string          `json:"description,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

type ConfirmResult struct {
	Accepted         bool                 `json:"accepted"`
	AlreadyProcessed bool                 `json:"already_processed"`
	Balance          ledgerdomain.Balance `json:"balance"`
	TransactionID    snowflake.ID         `json:"transaction_id,string"`
}

type Service interface {
	ConfirmPurchase(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
	ConfirmRefund(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}

var ErrInvalidRequest = errors.New("invalid_purchase_request")
