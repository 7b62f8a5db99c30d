package server

import (
	"bytes"
	"encoding/json"
	"io"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/smallbiznis/creditmeter/internal/observability/logger"
	"go.uber.org/zap"
)

const (
	rateLimitReasonAccountRate = "account-rate"

	// Usage reports are small; anything larger is left for the handler to reject.
	maxRateLimitPeekBytes = 64 << 10
)

// UsageIngestRateLimit applies the per-account token bucket to usage reports.
// The account is read from the JSON body, which is restored for the handler.
func (s *Server) UsageIngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.usageLimiter.Enabled() {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		log := logger.FromContext(ctx)
		route := rateLimitRoute(c)

		accountID, err := peekAccountID(c)
		if err != nil {
			log.Warn("usage rate limit could not read body", zap.Error(err))
			AbortWithError(c, invalidRequestError())
			return
		}
		if accountID == "" {
			c.Next()
			return
		}

		res, err := s.usageLimiter.AllowAccount(ctx, accountID)
		if err != nil {
			log.Warn("usage rate limit check failed", zap.String("account_id", accountID), zap.Error(err))
			AbortWithError(c, ErrServiceUnavailable)
			return
		}
		if res.Allowed {
			s.obsMetrics.RecordRateLimitAllowed(ctx, route)
			c.Next()
			return
		}

		log.Info("usage rate limited",
			zap.String("account_id", accountID),
			zap.String("route", route),
			zap.Duration("retry_after", res.RetryAfter),
		)
		s.obsMetrics.RecordRateLimitDenied(ctx, route, rateLimitReasonAccountRate)
		c.Header("Retry-After", retryAfterSeconds(res.RetryAfter))
		c.Header("X-Rate-Limited-Reason", rateLimitReasonAccountRate)
		AbortWithError(c, ErrRateLimited)
	}
}

func retryAfterSeconds(d time.Duration) string {
	return strconv.Itoa(max(1, int(math.Ceil(d.Seconds()))))
}

// peekAccountID returns "" for bodies it cannot decode so the handler can
// report the validation error itself.
func peekAccountID(c *gin.Context) (string, error) {
	if c.Request.Body == nil {
		return "", nil
	}
	head, err := io.ReadAll(io.LimitReader(c.Request.Body, maxRateLimitPeekBytes))
	if err != nil {
		return "", err
	}
	c.Request.Body = io.NopCloser(io.MultiReader(bytes.NewReader(head), c.Request.Body))

	var payload struct {
		AccountID string `json:"account_id"`
	}
	if len(head) == 0 || json.Unmarshal(head, &payload) != nil {
		return "", nil
	}
	return strings.TrimSpace(payload.AccountID), nil
}

func rateLimitRoute(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	if c.Request.URL != nil && c.Request.URL.Path != "" {
		return c.Request.URL.Path
	}
	return "unknown"
}
