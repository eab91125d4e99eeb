package redisadapter

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
)

func newTestClient(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func queueItem(priority int, at time.Time) models.OfferQueueItem {
	return models.OfferQueueItem{TripID: uuid.New(), Priority: priority, EnqueuedAt: at}
}

func TestPopNext_EmptyQueue(t *testing.T) {
	_, client := newTestClient(t)
	q := NewOfferQueue(client)

	got, err := q.PopNext(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if got != nil {
		t.Fatalf("popped %v from an empty queue", got)
	}
}

func TestPopNext_OrdersByPriorityThenFIFO(t *testing.T) {
	_, client := newTestClient(t)
	q := NewOfferQueue(client)
	ctx := context.Background()
	driverID := uuid.New()

	now := time.Now()
	relaxedEarly := queueItem(5, now.Add(-2*time.Second))
	relaxedLate := queueItem(5, now)
	urgent := queueItem(1, now.Add(-time.Second))

	for _, it := range []models.OfferQueueItem{relaxedEarly, relaxedLate, urgent} {
		if err := q.Enqueue(ctx, driverID, it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	want := []uuid.UUID{urgent.TripID, relaxedEarly.TripID, relaxedLate.TripID}
	for i, wantID := range want {
		got, err := q.PopNext(ctx, driverID)
		if err != nil {
			t.Fatalf("pop %d: %v", i, err)
		}
		if got == nil || got.TripID != wantID {
			t.Fatalf("pop %d = %v, want trip %s", i, got, wantID)
		}
	}
}

func TestPopNext_ConcurrentPopsDeliverEachOfferOnce(t *testing.T) {
	_, client := newTestClient(t)
	q := NewOfferQueue(client)
	ctx := context.Background()
	driverID := uuid.New()

	const total = 40
	enqueued := make(map[uuid.UUID]bool, total)
	now := time.Now()
	for i := 0; i < total; i++ {
		it := queueItem(5, now.Add(time.Duration(i)*time.Millisecond))
		enqueued[it.TripID] = true
		if err := q.Enqueue(ctx, driverID, it); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	// Competing workers drain the queue. The pop script must hand every
	// offer to exactly one of them.
	popped := make(chan uuid.UUID, total)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				it, err := q.PopNext(ctx, driverID)
				if err != nil {
					t.Errorf("pop: %v", err)
					return
				}
				if it == nil {
					return
				}
				popped <- it.TripID
			}
		}()
	}
	wg.Wait()
	close(popped)

	seen := make(map[uuid.UUID]int, total)
	for id := range popped {
		seen[id]++
	}
	if len(seen) != total {
		t.Fatalf("popped %d distinct offers, want %d", len(seen), total)
	}
	for id, n := range seen {
		if !enqueued[id] {
			t.Fatalf("popped unknown trip %s", id)
		}
		if n != 1 {
			t.Fatalf("trip %s popped %d times", id, n)
		}
	}

	if depth, _ := q.QueueDepth(ctx, driverID); depth != 0 {
		t.Fatalf("queue depth = %d after drain, want 0", depth)
	}
	stats, err := q.Stats(ctx)
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if len(stats) != 0 {
		t.Fatalf("drained driver still listed in stats: %v", stats)
	}
}

func TestPopNext_CleansReverseIndex(t *testing.T) {
	_, client := newTestClient(t)
	q := NewOfferQueue(client)
	ctx := context.Background()
	driverID := uuid.New()

	it := queueItem(5, time.Now())
	if err := q.Enqueue(ctx, driverID, it); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	if _, err := q.PopNext(ctx, driverID); err != nil {
		t.Fatalf("pop: %v", err)
	}

	queued, err := q.DriversQueuedForTrip(ctx, it.TripID)
	if err != nil {
		t.Fatalf("reverse index: %v", err)
	}
	if len(queued) != 0 {
		t.Fatalf("reverse index still holds %v after pop", queued)
	}
}

func TestClearActiveOfferIf_OnlyMatchingTrip(t *testing.T) {
	_, client := newTestClient(t)
	q := NewOfferQueue(client)
	ctx := context.Background()
	driverID := uuid.New()
	tripID := uuid.New()

	ok, err := q.SetActiveOffer(ctx, driverID, tripID, time.Minute)
	if err != nil || !ok {
		t.Fatalf("set active = (%v, %v), want (true, nil)", ok, err)
	}

	cleared, err := q.ClearActiveOfferIf(ctx, driverID, uuid.New())
	if err != nil {
		t.Fatalf("conditional clear: %v", err)
	}
	if cleared {
		t.Fatal("slot cleared for a different trip")
	}
	if got, _ := q.GetActiveOffer(ctx, driverID); got != tripID {
		t.Fatalf("active offer = %s, want %s", got, tripID)
	}

	cleared, err = q.ClearActiveOfferIf(ctx, driverID, tripID)
	if err != nil || !cleared {
		t.Fatalf("conditional clear = (%v, %v), want (true, nil)", cleared, err)
	}
	if got, _ := q.GetActiveOffer(ctx, driverID); got != uuid.Nil {
		t.Fatalf("active offer = %s after clear, want none", got)
	}
}
