package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	purchasedomain "github.com/smallbiznis/creditmeter/internal/purchase/domain"
)

// ConfirmPurchase is called by the payment integration after checkout. A
// replayed webhook answers 200 with already_processed set.
func (s *Server) ConfirmPurchase(c *gin.Context) {
	var req purchasedomain.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tagRequest(c, req.AccountID, "", "")

	result, err := s.purchaseSvc.ConfirmPurchase(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) ConfirmRefund(c *gin.Context) {
	var req purchasedomain.ConfirmRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tagRequest(c, req.AccountID, "", "")

	result, err := s.purchaseSvc.ConfirmRefund(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}
