package keylock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/lazypower/feedcal/internal/logger"
)

const (
	defaultPrefix = "feedcal:lock:"
	defaultTTL    = 10 * time.Second
	defaultRetry  = 25 * time.Millisecond
)

// releaseScript deletes the lock only if it still carries our token, so an
// expired holder never frees a lease someone else has since taken.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis is a lease lock shared by every process using the same Redis.
type Redis struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	retry  time.Duration
	log    *logger.Logger
}

// RedisOption customises a Redis locker.
type RedisOption func(*Redis)

// WithTTL sets the lease length. Default: 10s.
func WithTTL(d time.Duration) RedisOption { return func(r *Redis) { r.ttl = d } }

// WithRetryInterval sets the poll interval while waiting. Default: 25ms.
func WithRetryInterval(d time.Duration) RedisOption { return func(r *Redis) { r.retry = d } }

// WithPrefix sets the key prefix. Default: "feedcal:lock:".
func WithPrefix(p string) RedisOption { return func(r *Redis) { r.prefix = p } }

// WithLogger reports failed or late unlocks. Default: discard.
func WithLogger(l *logger.Logger) RedisOption { return func(r *Redis) { r.log = l } }

// NewRedis creates a locker from an existing client.
func NewRedis(client *redis.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: defaultPrefix,
		ttl:    defaultTTL,
		retry:  defaultRetry,
		log:    logger.Nop(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// DialRedis parses redisURL, verifies the connection and returns a locker.
func DialRedis(ctx context.Context, redisURL string, opts ...RedisOption) (*Redis, error) {
	ropts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(ropts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewRedis(client, opts...), nil
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	k := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, k, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("keylock: acquire %s: %w", key, err)
		}
		if ok {
			var once sync.Once
			return func() {
				once.Do(func() { r.release(k, token) })
			}, nil
		}

		t := time.NewTimer(r.retry)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
}

// release frees k if token still holds it. A lease that already expired is
// not an error but means the holder overran the TTL.
func (r *Redis) release(k, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	n, err := releaseScript.Run(ctx, r.client, []string{k}, token).Int()
	switch {
	case err != nil:
		r.log.Error("keylock: release failed, lease held until ttl", "key", k, "ttl", r.ttl, "err", err)
	case n == 0:
		r.log.Warn("keylock: lease expired before unlock", "key", k, "ttl", r.ttl)
	}
}
