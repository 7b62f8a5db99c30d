package server

import (
	"strings"

	ledgerdomain "github.com/smallbiznis/creditmeter/internal/ledger/domain"
)

func parseTransactionType(value string) (ledgerdomain.TransactionType, error) {
	trimmed := ledgerdomain.TransactionType(strings.ToLower(strings.TrimSpace(value)))
	switch trimmed {
	case "":
		return "", nil
	case ledgerdomain.TransactionTypePurchase,
		ledgerdomain.TransactionTypeUsage,
		ledgerdomain.TransactionTypeFreeUsage,
		ledgerdomain.TransactionTypeRefund,
		ledgerdomain.TransactionTypeAdjustment,
		ledgerdomain.TransactionTypeFreeGrant:
		return trimmed, nil
	default:
		return "", newValidationError("type", "invalid_type", "unknown transaction type")
	}
}
