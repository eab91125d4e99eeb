package redisadapter

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
)

func newTestLocker(t *testing.T) *Locker {
	t.Helper()
	_, client := newTestClient(t)
	return NewLocker(client, "locker-test", logger.InitLogger("locker-test", logger.LevelError))
}

func TestWithLock_MutualExclusion(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	const (
		workers    = 4
		iterations = 5
	)

	var (
		inside  int32
		overlap int32
		counter int // guarded only by the lock
	)

	var wg sync.WaitGroup
	for g := 0; g < workers; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < iterations; i++ {
				err := locker.WithLock(ctx, "shared", "test contention", 5*time.Second, 200,
					func(ctx context.Context) error {
						if atomic.AddInt32(&inside, 1) != 1 {
							atomic.StoreInt32(&overlap, 1)
						}
						v := counter
						time.Sleep(200 * time.Microsecond)
						counter = v + 1
						atomic.AddInt32(&inside, -1)
						return nil
					})
				if err != nil {
					t.Errorf("with lock: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if atomic.LoadInt32(&overlap) != 0 {
		t.Fatal("two holders observed inside the critical section")
	}
	if counter != workers*iterations {
		t.Fatalf("counter = %d, want %d; an update was lost", counter, workers*iterations)
	}
}

func TestWithLock_ExhaustedRetries(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	innerErr := make(chan error, 1)
	err := locker.WithLock(ctx, "busy", "outer", 5*time.Second, 0, func(ctx context.Context) error {
		innerErr <- locker.WithLock(ctx, "busy", "inner", 5*time.Second, 0,
			func(ctx context.Context) error { return nil })
		return nil
	})
	if err != nil {
		t.Fatalf("outer lock: %v", err)
	}

	if err := <-innerErr; !errors.Is(err, types.ErrLockAcquisitionFailed) {
		t.Fatalf("inner err = %v, want ErrLockAcquisitionFailed", err)
	}
}

func TestWithLock_ReleasedOnReturn(t *testing.T) {
	locker := newTestLocker(t)
	ctx := context.Background()

	if err := locker.WithLock(ctx, "once", "first", 5*time.Second, 0,
		func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("first lock: %v", err)
	}

	// No retries allowed, so this only succeeds if the first holder
	// actually released the lease.
	if err := locker.WithLock(ctx, "once", "second", 5*time.Second, 0,
		func(ctx context.Context) error { return nil }); err != nil {
		t.Fatalf("second lock: %v", err)
	}
}

func TestWithLock_ExpiredLeaseNotReleasedForNewOwner(t *testing.T) {
	mr, client := newTestClient(t)
	locker := NewLocker(client, "locker-test", logger.InitLogger("locker-test", logger.LevelError))
	ctx := context.Background()

	err := locker.WithLock(ctx, "lease", "short holder", 50*time.Millisecond, 0,
		func(ctx context.Context) error {
			// The lease expires mid-section and someone else takes it.
			mr.FastForward(100 * time.Millisecond)
			return client.Set(ctx, lockKeyPrefix+"lease", "new-owner-token", time.Minute).Err()
		})
	if err != nil {
		t.Fatalf("with lock: %v", err)
	}

	got, err := client.Get(ctx, lockKeyPrefix+"lease").Result()
	if err != nil {
		t.Fatalf("the stale holder's release deleted the new owner's lease: %v", err)
	}
	if got != "new-owner-token" {
		t.Fatalf("lease token = %q, want the new owner's", got)
	}
}
