package server

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	monitordomain "github.com/smallbiznis/creditmeter/internal/monitor/domain"
	usagedomain "github.com/smallbiznis/creditmeter/internal/usage/domain"
)

type startSessionRequest struct {
	AccountID  string                        `json:"account_id"`
	Components []monitordomain.CostComponent `json:"components"`
	Metadata   map[string]any                `json:"metadata"`
	usagedomain.ResourceRef
}

func (s *Server) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	tagRequest(c, req.AccountID, "", req.ResourceRef.ID)

	snapshot, err := s.monitors.Start(c.Request.Context(), monitordomain.StartRequest{
		AccountID:  req.AccountID,
		Resource:   req.ResourceRef,
		Components: req.Components,
		Metadata:   req.Metadata,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, snapshot)
}

func (s *Server) GetSession(c *gin.Context) {
	tagRequest(c, "", "", c.Param("id"))
	snapshot, ok := s.monitors.Get(strings.TrimSpace(c.Param("id")))
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}

// StopSession ends monitoring when the operation finishes normally and
// returns the final evaluation.
func (s *Server) StopSession(c *gin.Context) {
	tagRequest(c, "", "", c.Param("id"))
	snapshot, ok := s.monitors.Stop(c.Request.Context(), strings.TrimSpace(c.Param("id")))
	if !ok {
		AbortWithError(c, ErrNotFound)
		return
	}
	c.JSON(http.StatusOK, snapshot)
}
