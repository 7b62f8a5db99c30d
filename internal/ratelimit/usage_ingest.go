package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/zap"
)

const keyUsageIngestAccount = "creditmeter:usage:ingest:account:%s"

var ErrRedisRequired = errors.New("rate_limit_requires_redis")

// UsageIngestLimiter throttles usage recording per account. A nil limiter
// allows everything.
type UsageIngestLimiter struct {
	bucket *TokenBucket
	spec   Bucket
}

func NewUsageIngestLimiter(cfg config.Config, client *redis.Client, log *zap.Logger) (*UsageIngestLimiter, error) {
	limitCfg := cfg.RateLimit
	if !limitCfg.Enabled {
		return nil, nil
	}
	if client == nil {
		return nil, ErrRedisRequired
	}
	spec := Bucket{Rate: limitCfg.UsageIngestAccountRate, Burst: limitCfg.UsageIngestAccountBurst}
	if !spec.valid() {
		return nil, fmt.Errorf("usage ingest account limit: %w", ErrInvalidBucket)
	}

	log.Named("ratelimit").Info("usage ingest rate limit enabled",
		zap.Float64("rate", limitCfg.UsageIngestAccountRate),
		zap.Int("burst", limitCfg.UsageIngestAccountBurst),
	)
	return &UsageIngestLimiter{
		bucket: NewTokenBucket(client),
		spec:   spec,
	}, nil
}

func (l *UsageIngestLimiter) Enabled() bool {
	return l != nil && l.bucket != nil
}

func (l *UsageIngestLimiter) AllowAccount(ctx context.Context, accountID string) (*RateLimitResult, error) {
	if !l.Enabled() {
		return &RateLimitResult{Allowed: true}, nil
	}
	return l.bucket.Take(ctx, fmt.Sprintf(keyUsageIngestAccount, strings.TrimSpace(accountID)), l.spec)
}
