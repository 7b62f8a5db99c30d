package server

import (
	"strings"

	"github.com/gin-gonic/gin"
	obscontext "github.com/smallbiznis/creditmeter/internal/observability/context"
)

// tagRequest records which account, service and resource a call touched for
// the request log line and span. It also puts the account on the request
// context so service-level loggers pick it up.
func tagRequest(c *gin.Context, accountID, service, resourceID string) {
	if accountID = strings.TrimSpace(accountID); accountID != "" {
		c.Set(obscontext.GinKeyAccountID, accountID)
		c.Request = c.Request.WithContext(obscontext.WithAccountID(c.Request.Context(), accountID))
	}
	if service = strings.TrimSpace(service); service != "" {
		c.Set(obscontext.GinKeyService, service)
	}
	if resourceID = strings.TrimSpace(resourceID); resourceID != "" {
		c.Set(obscontext.GinKeyResource, resourceID)
	}
}
