package reservation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	redis "github.com/redis/go-redis/v9"
	preflightdomain "github.com/smallbiznis/creditmeter/internal/preflight/domain"
)

// Keys touched by one script share the account hash tag so they land in the
// same cluster slot. The owner key maps a reservation id back to its account
// for Delete, which only knows the id.
const (
	keyReservation = "creditmeter:{%s}:reservation:%s"
	keyAccountSet  = "creditmeter:{%s}:reservations"
	keyOwner       = "creditmeter:reservation-owner:%s"
)

func reservationKey(accountID, id string) string {
	return fmt.Sprintf(keyReservation, accountID, id)
}

func accountSetKey(accountID string) string {
	return fmt.Sprintf(keyAccountSet, accountID)
}

func ownerKey(id string) string {
	return fmt.Sprintf(keyOwner, id)
}

// putScript stores the body with a PX expiry and indexes it. The index key
// keeps the longest expiry of its members.
const putScript = `
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[4])
local current = redis.call("PTTL", KEYS[2])
if current < tonumber(ARGV[2]) then
  redis.call("PEXPIRE", KEYS[2], ARGV[2])
end
return 1
`

// releaseScript drops the reservation body and its index entry together.
const releaseScript = `
redis.call("ZREM", KEYS[2], ARGV[1])
return redis.call("DEL", KEYS[1])
`

// RedisStore shares reservations between instances. Each reservation is a
// JSON value with a PX expiry, indexed by a per-account sorted set scored by
// expiry time in milliseconds.
type RedisStore struct {
	client  *redis.Client
	put     *redis.Script
	release *redis.Script
}

func NewRedisStore(client *redis.Client) *RedisStore {
	if client == nil {
		return nil
	}
	return &RedisStore{
		client:  client,
		put:     redis.NewScript(putScript),
		release: redis.NewScript(releaseScript),
	}
}

func (s *RedisStore) Put(ctx context.Context, r preflightdomain.Reservation) error {
	if s == nil || s.client == nil {
		return errors.New("reservation store not configured")
	}
	ttl := r.ExpiresAt.Sub(r.CreatedAt)
	if ttl <= 0 {
		return nil
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}

	err = s.put.Run(ctx, s.client,
		[]string{reservationKey(r.AccountID, r.ID), accountSetKey(r.AccountID)},
		string(payload), ttl.Milliseconds(), r.ExpiresAt.UnixMilli(), r.ID,
	).Err()
	if err != nil {
		return err
	}
	return s.client.Set(ctx, ownerKey(r.ID), r.AccountID, ttl).Err()
}

func (s *RedisStore) Delete(ctx context.Context, id string) error {
	if s == nil || s.client == nil || id == "" {
		return nil
	}
	accountID, err := s.client.Get(ctx, ownerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return err
	}
	err = s.release.Run(ctx, s.client, []string{reservationKey(accountID, id), accountSetKey(accountID)}, id).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return err
	}
	return s.client.Del(ctx, ownerKey(id)).Err()
}

func (s *RedisStore) Active(ctx context.Context, accountID string, now time.Time) ([]preflightdomain.Reservation, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("reservation store not configured")
	}
	setKey := accountSetKey(accountID)
	nowMs := strconv.FormatInt(now.UnixMilli(), 10)

	if err := s.client.ZRemRangeByScore(ctx, setKey, "-inf", nowMs).Err(); err != nil {
		return nil, err
	}
	ids, err := s.client.ZRange(ctx, setKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = reservationKey(accountID, id)
	}
	values, err := s.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]preflightdomain.Reservation, 0, len(values))
	var stale []any
	for i, value := range values {
		raw, ok := value.(string)
		if !ok {
			stale = append(stale, ids[i])
			continue
		}
		var r preflightdomain.Reservation
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			stale = append(stale, ids[i])
			continue
		}
		if r.Expired(now) {
			continue
		}
		out = append(out, r)
	}
	if len(stale) > 0 {
		_ = s.client.ZRem(ctx, setKey, stale...).Err()
	}
	return out, nil
}
