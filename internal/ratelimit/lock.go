package ratelimit

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
)

// Compare-and-delete so a runner whose lease expired cannot free a lock now
// owned by someone else.
const lockReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

var (
	ErrLockNotConfigured = errors.New("lock_not_configured")
	ErrInvalidLock       = errors.New("invalid_lock")
)

// Locker hands out single-holder leases on Redis keys. Used to keep the
// balance reconciliation job to one scheduler replica.
type Locker struct {
	client *redis.Client
	script *redis.Script
}

// Lease is one holder's claim on a key until Release or TTL expiry.
type Lease struct {
	Key   string
	Token string

	locker *Locker
}

func NewLocker(client *redis.Client) *Locker {
	if client == nil {
		return nil
	}
	return &Locker{
		client: client,
		script: redis.NewScript(lockReleaseScript),
	}
}

// Acquire returns nil without error when another holder has the key.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	if l == nil || l.client == nil {
		return nil, ErrLockNotConfigured
	}
	key = strings.TrimSpace(key)
	if key == "" || ttl <= 0 {
		return nil, ErrInvalidLock
	}

	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &Lease{Key: key, Token: token, locker: l}, nil
}

// Release reports whether this lease still owned the key.
func (l *Lease) Release(ctx context.Context) (bool, error) {
	if l == nil || l.locker == nil {
		return false, nil
	}
	deleted, err := l.locker.script.Run(ctx, l.locker.client, []string{l.Key}, l.Token).Int()
	if err != nil {
		return false, err
	}
	return deleted == 1, nil
}
