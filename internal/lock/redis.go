package lock

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"lookout/internal/logging"
)

const (
	defaultTTL   = 30 * time.Second
	pollInterval = 50 * time.Millisecond
)

// Delete only if we still own the key; a plain DEL could free a lease that
// expired and was taken by someone else.
var releaseScript = goredis.NewScript(`
if redis.call('get', KEYS[1]) == ARGV[1] then
  return redis.call('del', KEYS[1])
else
  return 0
end
`)

// Redis is a lease-based lock using SET NX PX with a random owner token.
type Redis struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis creates a Redis locker. A non-positive ttl uses 30s.
func NewRedis(client goredis.UniversalClient, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	return &Redis{client: client, prefix: "lookout:lock:", ttl: ttl}
}

// NewRedisFromURL parses a redis:// URL and builds a locker on a new client.
func NewRedisFromURL(url string, ttl time.Duration) (*Redis, error) {
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return NewRedis(goredis.NewClient(opts), ttl), nil
}

// Close releases the underlying client.
func (r *Redis) Close() error { return r.client.Close() }

// Lock polls until the lease is acquired or ctx is done.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	full := r.prefix + key
	token := uuid.NewString()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()
	for {
		ok, err := r.client.SetNX(ctx, full, token, r.ttl).Result()
		if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		if ok {
			return func() {
				// release with a fresh context so a cancelled caller still frees the lease
				rctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := releaseScript.Run(rctx, r.client, []string{full}, token).Err(); err != nil {
					logging.Warn("lock_release_failed", map[string]any{"key": key, "error": err.Error()})
				}
			}, nil
		}
		select {
		case <-ctx.Done():
			return nil, errors.Join(ErrNotAcquired, ctx.Err())
		case <-ticker.C:
		}
	}
}
