package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"fiscal-inbox-go/internal/config"
	"fiscal-inbox-go/internal/ingest"
)

// cycleKey is shared by every replica pointing at the same redis
const cycleKey = "lock:fiscal-inbox:ingestion-cycle"

type obtainer interface {
	Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error)
}

// RedisLocker keeps ingestion cycles from overlapping across replicas
type RedisLocker struct {
	locker obtainer
	ttl    time.Duration
}

// NewRedisClient connects to redis and checks the connection
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.Addr, err)
	}
	return rdb, nil
}

func NewRedisLocker(rdb redis.UniversalClient, ttl time.Duration) *RedisLocker {
	return &RedisLocker{locker: redislock.New(rdb), ttl: ttl}
}

// Acquire takes the cycle lock. It returns ingest.ErrCycleInProgress when
// another replica holds it.
func (l *RedisLocker) Acquire(ctx context.Context) (func(), error) {
	lk, err := l.locker.Obtain(ctx, cycleKey, l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ingest.ErrCycleInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to obtain cycle lock: %w", err)
	}

	return func() {
		// release on a fresh context, the cycle context may be done by now
		if err := lk.Release(context.Background()); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			logrus.WithError(err).Warn("Failed to release cycle lock")
		}
	}, nil
}
