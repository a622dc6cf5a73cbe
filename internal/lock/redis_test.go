package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bsm/redislock"
	"github.com/stretchr/testify/assert"

	"fiscal-inbox-go/internal/ingest"
)

type stubObtainer struct {
	err error
	key string
	ttl time.Duration
}

func (s *stubObtainer) Obtain(ctx context.Context, key string, ttl time.Duration, opt *redislock.Options) (*redislock.Lock, error) {
	s.key, s.ttl = key, ttl
	return nil, s.err
}

func TestAcquireHeldElsewhere(t *testing.T) {
	stub := &stubObtainer{err: redislock.ErrNotObtained}
	l := &RedisLocker{locker: stub, ttl: 15 * time.Minute}

	release, err := l.Acquire(context.Background())
	assert.Nil(t, release)
	assert.True(t, errors.Is(err, ingest.ErrCycleInProgress))
	assert.Equal(t, cycleKey, stub.key)
	assert.Equal(t, 15*time.Minute, stub.ttl)
}

func TestAcquireRedisFailure(t *testing.T) {
	l := &RedisLocker{locker: &stubObtainer{err: errors.New("dial tcp: connection refused")}, ttl: time.Minute}

	_, err := l.Acquire(context.Background())
	assert.Error(t, err)
	assert.False(t, errors.Is(err, ingest.ErrCycleInProgress))
}
