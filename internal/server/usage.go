package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
)

type recordUsageRequest struct {
	AccountID      string          `json:"account_id"`
	Service        string          `json:"service"`
	Quantity       decimal.Decimal `json:"quantity"`
	InputTokens    int64           `json:"input_tokens"`
	OutputTokens   int64           `json:"output_tokens"`
	MustComplete   bool            `json:"must_complete"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       map[string]any  `json:"metadata"`
	usagedomain.ResourceRef
}

func (s *Server) RecordUsage(c *gin.Context) {
	var req recordUsageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	tagRequest(c, req.AccountID, req.Service, req.ResourceRef.ID)

	idempotencyKey := strings.TrimSpace(req.IdempotencyKey)
	if idempotencyKey == "" {
		idempotencyKey = strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	}

	result, err := s.usagesvc.Record(c.Request.Context(), usagedomain.RecordRequest{
		AccountID:      req.AccountID,
		Service:        req.Service,
		Quantity:       req.Quantity,
		InputTokens:    req.InputTokens,
		OutputTokens:   req.OutputTokens,
		Resource:       req.ResourceRef,
		Metadata:       req.Metadata,
		MustComplete:   req.MustComplete,
		IdempotencyKey: idempotencyKey,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
