package preflight

import (
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/config"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
	"github.com/smallbiznis/creditmeter/internal/preflight/reservation"
	"github.com/smallbiznis/creditmeter/internal/preflight/service"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("preflight.service",
	fx.Provide(NewReservationStore),
	fx.Provide(service.NewService),
)

type storeParams struct {
	fx.In

	Cfg   config.Config
	Log   *zap.Logger
	Redis *redis.Client `optional:"true"`
}

// NewReservationStore picks the Redis store when configured and reachable
// through the shared client, otherwise the in-process store.
func NewReservationStore(p storeParams) preflightdomain.ReservationStore {
	backend := strings.ToLower(strings.TrimSpace(p.Cfg.Reservations.Backend))
	if backend == "redis" {
		if p.Redis != nil {
			return reservation.NewRedisStore(p.Redis)
		}
		p.Log.Warn("redis reservation backend requested without redis, using memory store")
	}
	return reservation.NewMemoryStore()
}
