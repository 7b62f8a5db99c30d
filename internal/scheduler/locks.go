package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/creditmeter/internal/ratelimit"
)

const (
	keyRunnerLock = "creditmeter:scheduler:lock:"
	keyLastRun    = "creditmeter:scheduler:last_run:"
)

// coordinator keeps a job to a single runner and remembers when it last
// completed. Redis backs it when configured so several scheduler replicas
// agree; otherwise state lives in this process.
type coordinator interface {
	TryLock(ctx context.Context, job string, ttl time.Duration) (release func(context.Context), ok bool, err error)
	Due(ctx context.Context, job string, now time.Time, interval time.Duration) (bool, error)
	MarkRun(ctx context.Context, job string, now time.Time, interval time.Duration) error
}

func newCoordinator(client *redis.Client) coordinator {
	if client == nil {
		return newLocalCoordinator()
	}
	return &redisCoordinator{client: client, locker: ratelimit.NewLocker(client)}
}

type redisCoordinator struct {
	client *redis.Client
	locker *ratelimit.Locker
}

func (c *redisCoordinator) TryLock(ctx context.Context, job string, ttl time.Duration) (func(context.Context), bool, error) {
	lease, err := c.locker.Acquire(ctx, keyRunnerLock+job, ttl)
	if err != nil || lease == nil {
		return nil, false, err
	}
	return func(releaseCtx context.Context) {
		_, _ = lease.Release(releaseCtx)
	}, true, nil
}

func (c *redisCoordinator) Due(ctx context.Context, job string, _ time.Time, _ time.Duration) (bool, error) {
	_, err := c.client.Get(ctx, keyLastRun+job).Result()
	if errors.Is(err, redis.Nil) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

// MarkRun stores the completion time with the interval as TTL, so the key
// disappearing is what makes the job due again.
func (c *redisCoordinator) MarkRun(ctx context.Context, job string, now time.Time, interval time.Duration) error {
	return c.client.Set(ctx, keyLastRun+job, now.UTC().Format(time.RFC3339Nano), interval).Err()
}

type localCoordinator struct {
	mu      sync.Mutex
	held    map[string]bool
	lastRun map[string]time.Time
}

func newLocalCoordinator() *localCoordinator {
	return &localCoordinator{held: map[string]bool{}, lastRun: map[string]time.Time{}}
}

func (c *localCoordinator) TryLock(_ context.Context, job string, _ time.Duration) (func(context.Context), bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.held[job] {
		return nil, false, nil
	}
	c.held[job] = true
	return func(context.Context) {
		c.mu.Lock()
		delete(c.held, job)
		c.mu.Unlock()
	}, true, nil
}

func (c *localCoordinator) Due(_ context.Context, job string, now time.Time, interval time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.lastRun[job]
	return !ok || !now.Before(last.Add(interval)), nil
}

func (c *localCoordinator) MarkRun(_ context.Context, job string, now time.Time, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastRun[job] = now
	return nil
}
