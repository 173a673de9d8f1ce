package kv

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

type Client struct {
	rdb       redis.UniversalClient
	namespace string
	now       func() time.Time
}

func New(addr, password, namespace string) *Client {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	return &Client{rdb: rdb, namespace: namespace, now: time.Now}
}

func NewWithClient(rdb redis.UniversalClient, namespace string) *Client {
	return &Client{rdb: rdb, namespace: namespace, now: time.Now}
}

func (c *Client) key(k string) string {
	if c.namespace == "" {
		return k
	}
	return c.namespace + ":" + k
}

func (c *Client) Ping(ctx context.Context) error { return c.rdb.Ping(ctx).Err() }

func (c *Client) Close() error { return c.rdb.Close() }

// Claim sets key only if absent. It reports false when someone already holds it.
func (c *Client) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, c.key(key), 1, ttl).Result()
}

func (c *Client) Release(ctx context.Context, key string) error {
	return c.rdb.Del(ctx, c.key(key)).Err()
}

var acquireSlot = redis.NewScript(`
local ttl = tonumber(ARGV[4])
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[5])
if redis.call('PTTL', KEYS[1]) < ttl then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return 1
`)

// Acquire takes one of limit slots under key. Each holder is a member scored
// by its own deadline, so a holder that never releases stops counting once
// ttl has passed no matter how busy the key is. It returns the holder to pass
// to ReleaseSlot, or "" when every slot is taken.
func (c *Client) Acquire(ctx context.Context, key string, limit int, ttl time.Duration) (string, error) {
	holder := uuid.NewString()
	now := c.now()
	n, err := acquireSlot.Run(ctx, c.rdb, []string{c.key(key)},
		now.UnixMilli(), limit, now.Add(ttl).UnixMilli(), ttl.Milliseconds(), holder).Int64()
	if err != nil {
		return "", err
	}
	if n == 0 {
		return "", nil
	}
	return holder, nil
}

func (c *Client) ReleaseSlot(ctx context.Context, key, holder string) error {
	return c.rdb.ZRem(ctx, c.key(key), holder).Err()
}
