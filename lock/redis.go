// Package lock provides a Redis-backed generic.Locker so that several ledger
// processes serialize postings per owner.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/warp/incentive-ledger/generic"
)

// ErrLockTimeout is returned when the lock could not be acquired before the
// context ended.
var ErrLockTimeout = errors.New("lock: timed out waiting for lock")

// releaseScript deletes the key only if it still holds our token, so a
// holder whose TTL expired cannot release someone else's lock.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

type Options struct {
	// TTL bounds how long a crashed holder blocks the owner. Postings are
	// short, so the default is generous.
	TTL           time.Duration
	RetryInterval time.Duration
	Prefix        string
	Logger        zerolog.Logger
}

type Redis struct {
	client *redis.Client
	ttl    time.Duration
	retry  time.Duration
	prefix string
	log    zerolog.Logger
}

var _ generic.Locker = (*Redis)(nil)

func NewRedis(client *redis.Client, opts Options) *Redis {
	r := &Redis{
		client: client,
		ttl:    opts.TTL,
		retry:  opts.RetryInterval,
		prefix: opts.Prefix,
		log:    opts.Logger.With().Str("component", "lock").Logger(),
	}
	if r.ttl <= 0 {
		r.ttl = 10 * time.Second
	}
	if r.retry <= 0 {
		r.retry = 25 * time.Millisecond
	}
	if r.prefix == "" {
		r.prefix = "ledger:lock:"
	}
	return r
}

// Lock blocks until key is held or ctx ends. The returned func releases it
// and is safe to call more than once.
func (r *Redis) Lock(ctx context.Context, key string) (func(), error) {
	name := r.prefix + key
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, name, token, r.ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
			}
			return nil, &generic.UpstreamError{Op: "lock " + key, Err: err}
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockTimeout, key)
		case <-time.After(r.retry):
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() { r.release(name, token) })
	}, nil
}

func (r *Redis) release(name, token string) {
	// The caller's context may already be cancelled; release anyway.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := releaseScript.Run(ctx, r.client, []string{name}, token).Err(); err != nil {
		r.log.Warn().Err(err).Str("key", name).Msg("lock release failed, waiting for TTL")
	}
}

// Dial connects to Redis and checks the connection before handing the
// client out.
func Dial(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", addr, err)
	}
	return client, nil
}
