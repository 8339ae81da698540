package claim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"platecore/pkg/domain"
)

const (
	defaultKeyPrefix = "platecore:claim:"
	maxBackoff       = 500 * time.Millisecond
)

var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// Redis is a Claimer shared by every process using the same Redis. A held
// claim is kept alive until released; a crashed holder's claim expires after ttl.
type Redis struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis returns a Redis claimer.
func NewRedis(rdb redis.UniversalClient, ttl time.Duration, log *zap.Logger) *Redis {
	if ttl <= 0 {
		ttl = time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Redis{rdb: rdb, prefix: defaultKeyPrefix, ttl: ttl, log: log}
}

// Key returns the Redis key guarding plate.
func (r *Redis) Key(plate domain.Plate) string { return r.prefix + string(plate) }

// Claim implements Claimer, retrying SET NX with capped exponential backoff.
func (r *Redis) Claim(ctx context.Context, plate domain.Plate) (Release, error) {
	key := r.Key(plate)
	owner := uuid.New().String()
	backoff := 10 * time.Millisecond
	for {
		ok, err := r.rdb.SetNX(ctx, key, owner, r.ttl).Result()
		if err != nil && ctx.Err() == nil {
			return nil, fmt.Errorf("claim %s: %w", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("plate %s: %w: %w", plate, ErrNotAcquired, ctx.Err())
		case <-time.After(backoff):
			backoff = min(backoff*2, maxBackoff)
		}
	}
	r.log.Debug("claim acquired", zap.String("plate", plate.String()), zap.String("key", key))

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.keepAlive(key, owner, stop)
	}()

	var once sync.Once
	return func(ctx context.Context) error {
		err := ErrNotHeld
		once.Do(func() {
			close(stop)
			wg.Wait()
			err = r.release(ctx, key, owner)
		})
		return err
	}, nil
}

func (r *Redis) keepAlive(key, owner string, stop <-chan struct{}) {
	ticker := time.NewTicker(r.ttl / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.ttl/2)
			n, err := extendScript.Run(ctx, r.rdb, []string{key}, owner, r.ttl.Milliseconds()).Int64()
			cancel()
			if err != nil || n == 0 {
				r.log.Warn("claim keepalive failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

func (r *Redis) release(ctx context.Context, key, owner string) error {
	n, err := releaseScript.Run(ctx, r.rdb, []string{key}, owner).Int64()
	if err != nil {
		return fmt.Errorf("release %s: %w", key, err)
	}
	if n == 0 {
		return fmt.Errorf("release %s: %w", key, ErrNotHeld)
	}
	r.log.Debug("claim released", zap.String("key", key))
	return nil
}
