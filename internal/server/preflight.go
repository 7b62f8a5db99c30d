package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
)

type preflightRequest struct {
	AccountID  string                             `json:"account_id"`
	Operations []preflightdomain.PlannedOperation `json:"operations"`
	Reserve    bool                               `json:"reserve"`
	Metadata   map[string]any                     `json:"metadata"`
	usagedomain.ResourceRef
}

// Preflight always answers 200; a denied plan is a verdict, not an error.
func (s *Server) Preflight(c *gin.Context) {
	var req preflightRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tagRequest(c, req.AccountID, "", req.ResourceRef.ID)

	decision, err := s.preflightSvc.Preflight(c.Request.Context(), preflightdomain.PreflightRequest{
		AccountID:  req.AccountID,
		Operations: req.Operations,
		Resource:   req.ResourceRef,
		Reserve:    req.Reserve,
		Metadata:   req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, decision)
}

type reserveRequest struct {
	AccountID  string          `json:"account_id"`
	Amount     decimal.Decimal `json:"amount"`
	TTLSeconds int64           `json:"ttl_seconds"`
	Metadata   map[string]any  `json:"metadata"`
	usagedomain.ResourceRef
}

func (s *Server) CreateReservation(c *gin.Context) {
	var req reserveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}
	if req.TTLSeconds < 0 {
		AbortWithError(c, newValidationError("ttl_seconds", "invalid_ttl_seconds", "ttl_seconds must not be negative"))
		return
	}

	tagRequest(c, req.AccountID, "", req.ResourceRef.ID)

	reservation, err := s.preflightSvc.Reserve(c.Request.Context(), preflightdomain.ReserveRequest{
		AccountID: req.AccountID,
		Amount:    req.Amount,
		Resource:  req.ResourceRef,
		TTL:       time.Duration(req.TTLSeconds) * time.Second,
		Metadata:  req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusCreated, reservation)
}

// ReleaseReservation is idempotent: unknown or expired ids also get 204.
func (s *Server) ReleaseReservation(c *gin.Context) {
	id := strings.TrimSpace(c.Param("id"))
	if id == "" {
		AbortWithError(c, invalidRequestError())
		return
	}
	if err := s.preflightSvc.Release(c.Request.Context(), id); err != nil {
		AbortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
