package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
)

type fakeJobSource struct {
	mu  sync.Mutex
	due []models.DelayedJob
}

func (s *fakeJobSource) PopDue(ctx context.Context, now time.Time, limit int) ([]models.DelayedJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.due) > limit {
		popped := s.due[:limit]
		s.due = s.due[limit:]
		return popped, nil
	}
	popped := s.due
	s.due = nil
	return popped, nil
}

func (s *fakeJobSource) add(name, correlation string, payload any) {
	body, _ := json.Marshal(payload)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.due = append(s.due, models.DelayedJob{Name: name, Correlation: correlation, Payload: body})
}

func newScheduler(r *rig, source *fakeJobSource) *TimeoutScheduler {
	return NewTimeoutScheduler(source, r.orch, r.orch.cfg, "worker-test",
		logger.InitLogger("worker-test", logger.LevelError))
}

func TestScheduler_RunsOfferTimeoutJob(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "offer active", func() bool { return r.queue.activeOffer(d) == trip.ID })

	source := &fakeJobSource{}
	source.add(models.JobOfferTimeout, offerCorrelation(trip.ID, d),
		models.OfferTimeoutPayload{TripID: trip.ID, DriverID: d})

	s := newScheduler(r, source)
	s.poll(context.Background())

	waitFor(t, "trip resolved by timeout job", func() bool {
		return r.tripStatus(t, trip.ID) == types.StatusDriverNotFound
	})
	waitFor(t, "slot freed", func() bool {
		return r.queue.activeOffer(d) == uuid.Nil
	})
}

func TestScheduler_RunsGlobalTimeoutJob(t *testing.T) {
	r := newRig()
	d1 := r.addDriver(5)
	d2 := r.addDriver(5)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "both offers active", func() bool {
		return r.queue.activeOffer(d1) == trip.ID && r.queue.activeOffer(d2) == trip.ID
	})

	source := &fakeJobSource{}
	source.add(models.JobGlobalTimeout, trip.ID.String(),
		models.GlobalTimeoutPayload{TripID: trip.ID, DriverIDs: trip.CalledDriverIDs})

	s := newScheduler(r, source)
	s.poll(context.Background())

	waitFor(t, "round ended", func() bool {
		return r.tripStatus(t, trip.ID) == types.StatusDriverNotFound
	})
	waitFor(t, "customer notified once", func() bool {
		return r.notifier.notFound(trip.ID) == 1
	})
}

func TestScheduler_MalformedPayloadIsDropped(t *testing.T) {
	r := newRig()
	s := newScheduler(r, &fakeJobSource{})

	job := models.DelayedJob{
		Name:        models.JobOfferTimeout,
		Correlation: "broken",
		Payload:     []byte("{not json"),
	}
	if err := s.handle(context.Background(), job); err != nil {
		t.Fatalf("malformed payload should be swallowed, got %v", err)
	}
}

func TestScheduler_UnknownJobIsIgnored(t *testing.T) {
	r := newRig()
	s := newScheduler(r, &fakeJobSource{})

	job := models.DelayedJob{Name: "compact_segments", Correlation: "x"}
	if err := s.handle(context.Background(), job); err != nil {
		t.Fatalf("unknown job should be ignored, got %v", err)
	}
}

func TestScheduler_PausedPollClaimsNothing(t *testing.T) {
	r := newRig()
	source := &fakeJobSource{}
	source.add(models.JobGlobalTimeout, "c", models.GlobalTimeoutPayload{})

	s := newScheduler(r, source)
	s.Pause()
	s.poll(context.Background())

	source.mu.Lock()
	remaining := len(source.due)
	source.mu.Unlock()
	if remaining != 1 {
		t.Fatalf("paused poll claimed jobs, %d left, want 1", remaining)
	}

	s.Resume()
	if s.Paused() {
		t.Fatal("still paused after resume")
	}
}

func TestScheduler_PopRespectsBatchLimit(t *testing.T) {
	source := &fakeJobSource{}
	for i := 0; i < popBatchSize+10; i++ {
		source.add("noop", "c", struct{}{})
	}

	first, err := source.PopDue(context.Background(), time.Now(), popBatchSize)
	if err != nil {
		t.Fatalf("pop: %v", err)
	}
	if len(first) != popBatchSize {
		t.Fatalf("popped %d, want %d", len(first), popBatchSize)
	}
	rest, _ := source.PopDue(context.Background(), time.Now(), popBatchSize)
	if len(rest) != 10 {
		t.Fatalf("remaining = %d, want 10", len(rest))
	}
}
