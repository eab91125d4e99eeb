package redisadapter

import (
	"context"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/metrics"
)

const lockKeyPrefix = "dispatch:lock:"

// releaseScript deletes the lease only while the caller's token still owns
// it. Releasing an expired-and-reacquired lease would break mutual
// exclusion for the new owner.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker is a TTL-bound distributed mutual exclusion primitive backed by
// Redis. Every shared trip/driver mutation in the dispatch core runs
// inside one of its leases.
type Locker struct {
	client *redis.Client
	l      logger.Logger

	serviceName string
}

func NewLocker(client *redis.Client, serviceName string, l logger.Logger) *Locker {
	return &Locker{
		client:      client,
		l:           l,
		serviceName: serviceName,
	}
}

// WithLock acquires the named lease, runs fn exactly once, and releases
// the lease on every exit path. Acquisition retries with jittered backoff
// up to maxRetries and then fails with ErrLockAcquisitionFailed wrapping
// failureMessage.
func (lk *Locker) WithLock(ctx context.Context, key, failureMessage string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error {
	ctx = wrap.WithAction(ctx, types.ActionLockAcquire)

	fullKey := lockKeyPrefix + key
	token := uuid.NewString()

	acquired, err := lk.acquire(ctx, fullKey, token, ttl, maxRetries)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if !acquired {
		metrics.LockAcquisitionsTotal.WithLabelValues(lk.serviceName, "exhausted").Inc()
		return wrap.Error(ctx, fmt.Errorf("%w: %s", types.ErrLockAcquisitionFailed, failureMessage))
	}
	metrics.LockAcquisitionsTotal.WithLabelValues(lk.serviceName, "acquired").Inc()

	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()

		if err := releaseScript.Run(releaseCtx, lk.client, []string{fullKey}, token).Err(); err != nil && err != redis.Nil {
			// Lease expires on its own; losing the release only delays
			// the next acquirer.
			lk.l.Warn(releaseCtx, "failed to release lock", "key", key, "err", err.Error())
		}
	}()

	return fn(ctx)
}

func (lk *Locker) acquire(ctx context.Context, fullKey, token string, ttl time.Duration, maxRetries int) (bool, error) {
	for attempt := 0; ; attempt++ {
		ok, err := lk.client.SetNX(ctx, fullKey, token, ttl).Result()
		if err != nil {
			return false, fmt.Errorf("lock setnx: %w", err)
		}
		if ok {
			return true, nil
		}
		if attempt >= maxRetries {
			return false, nil
		}

		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(retryBackoff(attempt)):
		}
	}
}

// retryBackoff grows linearly with a random jitter so contending callers
// do not retry in lockstep.
func retryBackoff(attempt int) time.Duration {
	base := time.Duration(attempt+1) * 50 * time.Millisecond
	if base > time.Second {
		base = time.Second
	}
	jitter := time.Duration(rand.Int64N(int64(50 * time.Millisecond)))
	return base + jitter
}
