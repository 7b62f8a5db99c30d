package cloudmetrics

import (
	"context"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/smallbiznis/creditmeter/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const defaultPushInterval = time.Minute

var Module = fx.Module("cloud.metrics",
	fx.Provide(func() *prometheus.Registry {
		return prometheus.NewRegistry()
	}),
	fx.Provide(NewPusher),
	fx.Provide(func(cfg config.Config, registry *prometheus.Registry, pusher Pusher, logger *zap.Logger) *CloudMetrics {
		if !cfg.Metrics.Enabled {
			return nil
		}
		return New(registry, pusher, cfg.InstanceID, cfg.AppVersion, logger)
	}),
	fx.Invoke(startPushLoop),
)

func startPushLoop(lc fx.Lifecycle, cfg config.Config, c *CloudMetrics, pusher Pusher, logger *zap.Logger, db *gorm.DB) {
	if c == nil {
		return
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	interval := cfg.Metrics.PushInterval
	if interval <= 0 {
		interval = defaultPushInterval
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			logger.Info("starting accounting metrics worker", zap.Duration("interval", interval))
			go func() {
				defer close(done)
				ticker := time.NewTicker(interval)
				defer ticker.Stop()

				for {
					collect(ctx, c, db)
					if err := c.Push(ctx); err != nil {
						logger.Warn("accounting metrics push failed", zap.Error(err))
					}
					select {
					case <-ticker.C:
					case <-ctx.Done():
						logger.Info("stopping accounting metrics worker")
						return
					}
				}
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
			case <-stopCtx.Done():
			}
			if closer, ok := pusher.(interface{ Close() error }); ok {
				return closer.Close()
			}
			return nil
		},
	})
}

// collect refreshes the gauges that are sampled rather than counted.
func collect(ctx context.Context, c *CloudMetrics, db *gorm.DB) {
	if c == nil {
		return
	}
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	c.SetMemoryUsage(m.Sys)

	if db == nil {
		return
	}
	var accounts int64
	if err := db.WithContext(ctx).Table("credit_accounts").Count(&accounts).Error; err == nil {
		c.SetAccountsTotal(accounts)
	}
	var pending int64
	if err := db.WithContext(ctx).Table("usage_events").Where("processed = ?", false).Count(&pending).Error; err == nil {
		c.SetUnexportedUsage(pending)
	}
}
