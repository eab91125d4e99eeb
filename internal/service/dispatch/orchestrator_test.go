package dispatch

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
)

/* ======================= fakes ======================= */

type fakeTripRepo struct {
	mu     sync.Mutex
	trips  map[uuid.UUID]*models.Trip
	events []string
}

func newFakeTripRepo() *fakeTripRepo {
	return &fakeTripRepo{trips: make(map[uuid.UUID]*models.Trip)}
}

func (r *fakeTripRepo) put(t *models.Trip) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *t
	r.trips[t.ID] = &cp
}

func (r *fakeTripRepo) Get(ctx context.Context, tripID uuid.UUID) (*models.Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[tripID]
	if !ok {
		return nil, types.ErrTripNotFound
	}
	cp := *t
	cp.CalledDriverIDs = append([]uuid.UUID(nil), t.CalledDriverIDs...)
	cp.RejectedDriverIDs = append([]uuid.UUID(nil), t.RejectedDriverIDs...)
	return &cp, nil
}

func (r *fakeTripRepo) Update(ctx context.Context, tripID uuid.UUID, patch models.TripPatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[tripID]
	if !ok {
		return types.ErrTripNotFound
	}
	if patch.Status != nil {
		t.Status = *patch.Status
	}
	if patch.AssignedDriverID != nil {
		t.AssignedDriverID = patch.AssignedDriverID
	}
	if patch.CalledDriverIDs != nil {
		t.CalledDriverIDs = append([]uuid.UUID(nil), *patch.CalledDriverIDs...)
	}
	if patch.RejectedDriverIDs != nil {
		t.RejectedDriverIDs = append([]uuid.UUID(nil), *patch.RejectedDriverIDs...)
	}
	if patch.CallStartTime != nil {
		t.CallStartTime = patch.CallStartTime
	}
	if patch.CallRetryCount != nil {
		t.CallRetryCount = *patch.CallRetryCount
	}
	if patch.CancellationReason != nil {
		t.CancellationReason = patch.CancellationReason
	}
	if patch.MatchedAt != nil {
		t.MatchedAt = patch.MatchedAt
	}
	if patch.CompletedAt != nil {
		t.CompletedAt = patch.CompletedAt
	}
	if patch.CancelledAt != nil {
		t.CancelledAt = patch.CancelledAt
	}
	return nil
}

func (r *fakeTripRepo) AppendRejectedDriver(ctx context.Context, tripID, driverID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.trips[tripID]
	if !ok {
		return types.ErrTripNotFound
	}
	for _, id := range t.RejectedDriverIDs {
		if id == driverID {
			return nil
		}
	}
	t.RejectedDriverIDs = append(t.RejectedDriverIDs, driverID)
	return nil
}

func (r *fakeTripRepo) FindTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]*models.Trip, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.Trip
	for _, t := range r.trips {
		if t.Status == types.StatusWaitingForDriver && t.CallStartTime != nil && t.CallStartTime.Before(cutoff) {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *fakeTripRepo) InsertEvent(ctx context.Context, tripID uuid.UUID, eventType string, eventData any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, eventType)
	return nil
}

type fakeQueue struct {
	mu     sync.Mutex
	queues map[uuid.UUID][]models.OfferQueueItem
	active map[uuid.UUID]uuid.UUID
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		queues: make(map[uuid.UUID][]models.OfferQueueItem),
		active: make(map[uuid.UUID]uuid.UUID),
	}
}

func (q *fakeQueue) Enqueue(ctx context.Context, driverID uuid.UUID, item models.OfferQueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[driverID] = append(q.queues[driverID], item)
	sort.SliceStable(q.queues[driverID], func(i, j int) bool {
		a, b := q.queues[driverID][i], q.queues[driverID][j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return a.EnqueuedAt.Before(b.EnqueuedAt)
	})
	return nil
}

func (q *fakeQueue) PopNext(ctx context.Context, driverID uuid.UUID) (*models.OfferQueueItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[driverID]
	if len(items) == 0 {
		return nil, nil
	}
	item := items[0]
	q.queues[driverID] = items[1:]
	return &item, nil
}

func (q *fakeQueue) RemoveSpecific(ctx context.Context, driverID, tripID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	items := q.queues[driverID]
	for i, item := range items {
		if item.TripID == tripID {
			q.queues[driverID] = append(items[:i:i], items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (q *fakeQueue) RemoveAllForDriver(ctx context.Context, driverID uuid.UUID) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := int64(len(q.queues[driverID]))
	delete(q.queues, driverID)
	return n, nil
}

func (q *fakeQueue) RemoveFromAllDrivers(ctx context.Context, tripID uuid.UUID) (models.RemovedFromAll, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out models.RemovedFromAll
	for driverID, items := range q.queues {
		kept := items[:0:0]
		removed := false
		for _, item := range items {
			if item.TripID == tripID {
				removed = true
				continue
			}
			kept = append(kept, item)
		}
		if removed {
			out.Count++
			out.AffectedDrivers = append(out.AffectedDrivers, driverID)
			q.queues[driverID] = kept
		}
	}
	return out, nil
}

func (q *fakeQueue) DriversQueuedForTrip(ctx context.Context, tripID uuid.UUID) ([]uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []uuid.UUID
	for driverID, items := range q.queues {
		for _, item := range items {
			if item.TripID == tripID {
				out = append(out, driverID)
				break
			}
		}
	}
	return out, nil
}

func (q *fakeQueue) SetActiveOffer(ctx context.Context, driverID, tripID uuid.UUID, ttl time.Duration) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, busy := q.active[driverID]; busy {
		return false, nil
	}
	q.active[driverID] = tripID
	return true, nil
}

func (q *fakeQueue) GetActiveOffer(ctx context.Context, driverID uuid.UUID) (uuid.UUID, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[driverID], nil
}

func (q *fakeQueue) ClearActiveOffer(ctx context.Context, driverID uuid.UUID) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.active, driverID)
	return nil
}

func (q *fakeQueue) ClearActiveOfferIf(ctx context.Context, driverID, tripID uuid.UUID) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active[driverID] == tripID {
		delete(q.active, driverID)
		return true, nil
	}
	return false, nil
}

func (q *fakeQueue) depth(driverID uuid.UUID) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[driverID])
}

func (q *fakeQueue) activeOffer(driverID uuid.UUID) uuid.UUID {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.active[driverID]
}

type fakeSearch struct {
	mu       sync.Mutex
	byRadius map[float64][]uuid.UUID
}

func (s *fakeSearch) FindNearby(ctx context.Context, pickup models.Location, radiusKm float64) ([]uuid.UUID, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]uuid.UUID(nil), s.byRadius[radiusKm]...), nil
}

type fakeAvailability struct {
	mu     sync.Mutex
	states map[uuid.UUID]types.DriverAvailability
}

func newFakeAvailability() *fakeAvailability {
	return &fakeAvailability{states: make(map[uuid.UUID]types.DriverAvailability)}
}

func (a *fakeAvailability) Availability(ctx context.Context, driverID uuid.UUID) (types.DriverAvailability, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if s, ok := a.states[driverID]; ok {
		return s, nil
	}
	return "", types.ErrDriverNotFound
}

func (a *fakeAvailability) SetAvailability(ctx context.Context, driverID uuid.UUID, availability types.DriverAvailability) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.states[driverID] = availability
	return nil
}

type offerRecord struct {
	driverID uuid.UUID
	tripID   uuid.UUID
}

type fakeNotifier struct {
	mu            sync.Mutex
	offers        []offerRecord
	taken         map[uuid.UUID][]uuid.UUID // tripID -> drivers told trip is gone
	notFoundCount map[uuid.UUID]int
	statuses      []types.TripStatus
	unreachable   map[uuid.UUID]bool
}

func newFakeNotifier() *fakeNotifier {
	return &fakeNotifier{
		taken:         make(map[uuid.UUID][]uuid.UUID),
		notFoundCount: make(map[uuid.UUID]int),
		unreachable:   make(map[uuid.UUID]bool),
	}
}

func (n *fakeNotifier) NotifyOffer(ctx context.Context, driverID uuid.UUID, offer models.OfferPush) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.unreachable[driverID] {
		return types.ErrDriverNotFound
	}
	n.offers = append(n.offers, offerRecord{driverID: driverID, tripID: offer.TripID})
	return nil
}

func (n *fakeNotifier) NotifyTripTaken(ctx context.Context, driverIDs []uuid.UUID, tripID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.taken[tripID] = append(n.taken[tripID], driverIDs...)
}

func (n *fakeNotifier) NotifyDriverNotFound(ctx context.Context, customerID, tripID uuid.UUID) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notFoundCount[tripID]++
}

func (n *fakeNotifier) NotifyStatusChanged(ctx context.Context, trip *models.Trip) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.statuses = append(n.statuses, trip.Status)
}

func (n *fakeNotifier) offerCount(driverID, tripID uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	count := 0
	for _, rec := range n.offers {
		if rec.driverID == driverID && rec.tripID == tripID {
			count++
		}
	}
	return count
}

func (n *fakeNotifier) takenDrivers(tripID uuid.UUID) []uuid.UUID {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]uuid.UUID(nil), n.taken[tripID]...)
}

func (n *fakeNotifier) notFound(tripID uuid.UUID) int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.notFoundCount[tripID]
}

type scheduledJob struct {
	name        string
	correlation string
	payload     []byte
}

type fakeJobs struct {
	mu   sync.Mutex
	jobs []scheduledJob
}

func (j *fakeJobs) Schedule(ctx context.Context, name, correlation string, payload []byte, delay time.Duration) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.jobs = append(j.jobs, scheduledJob{name: name, correlation: correlation, payload: payload})
	return nil
}

func (j *fakeJobs) CancelByCorrelation(ctx context.Context, name, correlationPrefix string) (int64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	kept := j.jobs[:0:0]
	var cancelled int64
	for _, job := range j.jobs {
		if job.name == name && strings.HasPrefix(job.correlation, correlationPrefix) {
			cancelled++
			continue
		}
		kept = append(kept, job)
	}
	j.jobs = kept
	return cancelled, nil
}

func (j *fakeJobs) pending(name string) int {
	j.mu.Lock()
	defer j.mu.Unlock()
	count := 0
	for _, job := range j.jobs {
		if job.name == name {
			count++
		}
	}
	return count
}

// fakeLocker provides real per-key mutual exclusion so concurrent test
// scenarios exercise the same serialization as production.
type fakeLocker struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newFakeLocker() *fakeLocker {
	return &fakeLocker{locks: make(map[string]*sync.Mutex)}
}

func (l *fakeLocker) WithLock(ctx context.Context, key, failureMessage string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error {
	l.mu.Lock()
	m, ok := l.locks[key]
	if !ok {
		m = &sync.Mutex{}
		l.locks[key] = m
	}
	l.mu.Unlock()

	m.Lock()
	defer m.Unlock()
	return fn(ctx)
}

/* ======================= rig ======================= */

type rig struct {
	repo     *fakeTripRepo
	queue    *fakeQueue
	search   *fakeSearch
	avail    *fakeAvailability
	notifier *fakeNotifier
	jobs     *fakeJobs
	locker   *fakeLocker

	orch *Orchestrator
}

func newRig() *rig {
	r := &rig{
		repo:     newFakeTripRepo(),
		queue:    newFakeQueue(),
		search:   &fakeSearch{byRadius: make(map[float64][]uuid.UUID)},
		avail:    newFakeAvailability(),
		notifier: newFakeNotifier(),
		jobs:     &fakeJobs{},
		locker:   newFakeLocker(),
	}

	cfg := config.DispatchConfig{
		OfferTimeout:      30 * time.Second,
		GlobalTimeout:     60 * time.Second,
		MaxOfferStaleness: 2 * time.Minute,
		ActiveSlotTTL:     90 * time.Second,
		LockTTL:           time.Second,
		LockMaxRetries:    50,
		SearchRadiiKm:     "5,7,10",
	}

	r.orch = NewOrchestrator(r.repo, r.queue, r.search, r.avail, r.notifier, r.jobs, r.locker,
		cfg, "dispatch-test", logger.InitLogger("dispatch-test", logger.LevelError))
	return r
}

func (r *rig) newTrip(status types.TripStatus) *models.Trip {
	t := &models.Trip{
		ID:            uuid.New(),
		TripNumber:    "TRIP_20260831_001",
		Status:        status,
		CustomerID:    uuid.New(),
		Pickup:        models.Location{Latitude: 51.1, Longitude: 71.4},
		Destination:   models.Location{Latitude: 51.2, Longitude: 71.5},
		EstimatedFare: 1500,
	}
	r.repo.put(t)
	return t
}

func (r *rig) addDriver(radius float64) uuid.UUID {
	id := uuid.New()
	r.search.mu.Lock()
	r.search.byRadius[radius] = append(r.search.byRadius[radius], id)
	r.search.mu.Unlock()
	r.avail.states[id] = types.DriverAvailable
	return id
}

func (r *rig) tripStatus(t *testing.T, tripID uuid.UUID) types.TripStatus {
	t.Helper()
	got, err := r.repo.Get(context.Background(), tripID)
	if err != nil {
		t.Fatalf("get trip: %v", err)
	}
	return got.Status
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func acceptAs(r *rig, t *models.Trip, driverID uuid.UUID) error {
	return r.locker.WithLock(context.Background(), types.TripLockKey(t.ID), "test accept", time.Second, 1,
		func(ctx context.Context) error {
			fresh, err := r.repo.Get(ctx, t.ID)
			if err != nil {
				return err
			}
			return r.orch.HandleDriverAccept(ctx, fresh, driverID)
		})
}

func declineAs(r *rig, t *models.Trip, driverID uuid.UUID) error {
	return r.locker.WithLock(context.Background(), types.TripLockKey(t.ID), "test decline", time.Second, 1,
		func(ctx context.Context) error {
			fresh, err := r.repo.Get(ctx, t.ID)
			if err != nil {
				return err
			}
			return r.orch.HandleDriverDecline(ctx, fresh, driverID)
		})
}

/* ======================= dispatch ======================= */

func TestDispatch_FansOutToAvailableDrivers(t *testing.T) {
	r := newRig()
	d1 := r.addDriver(5)
	d2 := r.addDriver(5)
	busy := r.addDriver(5)
	r.avail.states[busy] = types.DriverOnTrip

	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	if got := r.tripStatus(t, trip.ID); got != types.StatusWaitingForDriver {
		t.Fatalf("status = %s, want %s", got, types.StatusWaitingForDriver)
	}
	if len(trip.CalledDriverIDs) != 2 {
		t.Fatalf("called %d drivers, want 2", len(trip.CalledDriverIDs))
	}
	for _, id := range trip.CalledDriverIDs {
		if id == busy {
			t.Fatal("busy driver was called")
		}
	}
	if got := r.jobs.pending(models.JobGlobalTimeout); got != 1 {
		t.Fatalf("global timeout jobs = %d, want 1", got)
	}

	// Fan-out activates both drivers in parallel.
	waitFor(t, "both offers active", func() bool {
		return r.queue.activeOffer(d1) == trip.ID && r.queue.activeOffer(d2) == trip.ID
	})
	waitFor(t, "offer timeout jobs armed", func() bool {
		return r.jobs.pending(models.JobOfferTimeout) == 2
	})
}

func TestDispatch_NoDriversAnywhere(t *testing.T) {
	r := newRig()
	trip := r.newTrip(types.StatusDraft)

	err := r.orch.Dispatch(context.Background(), trip)
	if !errors.Is(err, types.ErrNoDriversFound) {
		t.Fatalf("err = %v, want ErrNoDriversFound", err)
	}
	if got := r.tripStatus(t, trip.ID); got != types.StatusDraft {
		t.Fatalf("status = %s, want DRAFT untouched", got)
	}
}

func TestDispatch_EscalatesSearchRadius(t *testing.T) {
	r := newRig()
	far := r.addDriver(10)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(trip.CalledDriverIDs) != 1 || trip.CalledDriverIDs[0] != far {
		t.Fatalf("called = %v, want only the 10km driver", trip.CalledDriverIDs)
	}
}

func TestDispatch_RerequestSkipsPriorDecliners(t *testing.T) {
	r := newRig()
	declined := r.addDriver(5)
	fresh := r.addDriver(5)

	trip := r.newTrip(types.StatusDriverNotFound)
	trip.CalledDriverIDs = []uuid.UUID{declined}
	trip.RejectedDriverIDs = []uuid.UUID{declined}
	trip.CallRetryCount = 0
	r.repo.put(trip)

	loaded, _ := r.repo.Get(context.Background(), trip.ID)
	if err := r.orch.Dispatch(context.Background(), loaded); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	stored, _ := r.repo.Get(context.Background(), trip.ID)
	if stored.Status != types.StatusWaitingForDriver {
		t.Fatalf("status = %s, want WAITING_FOR_DRIVER", stored.Status)
	}
	if stored.CallRetryCount != 1 {
		t.Fatalf("retry count = %d, want 1", stored.CallRetryCount)
	}
	// The driver who declined last round is not called again, and the
	// rejection list restarts for the new round.
	if len(stored.CalledDriverIDs) != 1 || stored.CalledDriverIDs[0] != fresh {
		t.Fatalf("called = %v, want only %s", stored.CalledDriverIDs, fresh)
	}
	if len(stored.RejectedDriverIDs) != 0 {
		t.Fatalf("rejected = %v, want empty", stored.RejectedDriverIDs)
	}
}

/* ======================= accept ======================= */

func TestAccept_AssignsDriverAndCleansUp(t *testing.T) {
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

	if err := acceptAs(r, trip, d1); err != nil {
		t.Fatalf("accept: %v", err)
	}

	stored, _ := r.repo.Get(context.Background(), trip.ID)
	if stored.Status != types.StatusApproved {
		t.Fatalf("status = %s, want APPROVED", stored.Status)
	}
	if stored.AssignedDriverID == nil || *stored.AssignedDriverID != d1 {
		t.Fatalf("assigned = %v, want %s", stored.AssignedDriverID, d1)
	}
	if stored.MatchedAt == nil {
		t.Fatal("matched_at not set")
	}

	if got := r.queue.activeOffer(d2); got != uuid.Nil {
		t.Fatalf("loser still holds active offer %s", got)
	}
	if got := r.jobs.pending(models.JobOfferTimeout) + r.jobs.pending(models.JobGlobalTimeout); got != 0 {
		t.Fatalf("pending timeout jobs = %d, want 0", got)
	}

	if got, _ := r.avail.Availability(context.Background(), d1); got != types.DriverOnTrip {
		t.Fatalf("winner availability = %s, want ON_TRIP", got)
	}

	// The winner must not be told the trip was taken.
	for _, id := range r.notifier.takenDrivers(trip.ID) {
		if id == d1 {
			t.Fatal("accepting driver received trip_taken")
		}
	}
}

func TestAccept_SecondDriverGetsStale(t *testing.T) {
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

	if err := acceptAs(r, trip, d1); err != nil {
		t.Fatalf("first accept: %v", err)
	}
	if err := acceptAs(r, trip, d2); !errors.Is(err, types.ErrStaleOfferResponse) {
		t.Fatalf("second accept err = %v, want ErrStaleOfferResponse", err)
	}

	stored, _ := r.repo.Get(context.Background(), trip.ID)
	if *stored.AssignedDriverID != d1 {
		t.Fatalf("assigned = %s, want first accepter %s", *stored.AssignedDriverID, d1)
	}
}

func TestAccept_ConcurrentRace_SingleWinner(t *testing.T) {
	r := newRig()
	drivers := make([]uuid.UUID, 5)
	for i := range drivers {
		drivers[i] = r.addDriver(5)
	}
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "all offers active", func() bool {
		for _, d := range drivers {
			if r.queue.activeOffer(d) != trip.ID {
				return false
			}
		}
		return true
	})

	var wg sync.WaitGroup
	errs := make([]error, len(drivers))
	for i, d := range drivers {
		wg.Add(1)
		go func(i int, d uuid.UUID) {
			defer wg.Done()
			errs[i] = acceptAs(r, trip, d)
		}(i, d)
	}
	wg.Wait()

	winners := 0
	for _, err := range errs {
		if err == nil {
			winners++
		} else if !errors.Is(err, types.ErrStaleOfferResponse) {
			t.Fatalf("unexpected accept error: %v", err)
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}

	stored, _ := r.repo.Get(context.Background(), trip.ID)
	if stored.Status != types.StatusApproved || stored.AssignedDriverID == nil {
		t.Fatalf("trip not approved with a single assignee: %s %v", stored.Status, stored.AssignedDriverID)
	}
}

/* ======================= decline ======================= */

func TestAccept_DrainsWinnersQueuedOffers(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	other := r.addDriver(7)
	tripA := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), tripA); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "offer active", func() bool { return r.queue.activeOffer(d) == tripA.ID })

	// A second trip is waiting in line behind the active offer, in the
	// winner's queue and another candidate's.
	tripB := r.newTrip(types.StatusWaitingForDriver)
	fresh, _ := r.repo.Get(context.Background(), tripB.ID)
	fresh.CalledDriverIDs = []uuid.UUID{d, other}
	r.repo.put(fresh)
	mustEnqueue(t, r, d, models.OfferQueueItem{TripID: tripB.ID, Priority: 5, EnqueuedAt: time.Now()})
	mustEnqueue(t, r, other, models.OfferQueueItem{TripID: tripB.ID, Priority: 5, EnqueuedAt: time.Now()})

	if err := acceptAs(r, tripA, d); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if got := r.queue.depth(d); got != 0 {
		t.Fatalf("winner queue depth = %d, want 0 after accept", got)
	}
	if got := r.queue.depth(other); got != 1 {
		t.Fatalf("other driver queue depth = %d, want their copy untouched", got)
	}
}

func TestAccept_RemovesTripFromQueuedDriversAndNotifies(t *testing.T) {
	r := newRig()
	e := r.addDriver(5)
	tripB := r.newTrip(types.StatusDraft)

	// Driver e is already weighing an offer for another trip.
	if err := r.orch.Dispatch(context.Background(), tripB); err != nil {
		t.Fatalf("dispatch first trip: %v", err)
	}
	waitFor(t, "first offer active", func() bool { return r.queue.activeOffer(e) == tripB.ID })

	d := r.addDriver(5)
	tripA := r.newTrip(types.StatusDraft)

	// Fan-out calls both; e's slot is taken, so trip A only queues there.
	if err := r.orch.Dispatch(context.Background(), tripA); err != nil {
		t.Fatalf("dispatch second trip: %v", err)
	}
	waitFor(t, "second offer active for d", func() bool { return r.queue.activeOffer(d) == tripA.ID })
	if got := r.queue.depth(e); got != 1 {
		t.Fatalf("queued offers for e = %d, want 1", got)
	}

	if err := acceptAs(r, tripA, d); err != nil {
		t.Fatalf("accept: %v", err)
	}

	if got := r.queue.depth(e); got != 0 {
		t.Fatalf("queued offers for e = %d, want entry removed after accept", got)
	}
	if got := r.queue.activeOffer(e); got != tripB.ID {
		t.Fatalf("active offer for e = %s, want %s untouched", got, tripB.ID)
	}

	taken := r.notifier.takenDrivers(tripA.ID)
	foundE := false
	for _, id := range taken {
		if id == d {
			t.Fatal("accepting driver received trip_taken")
		}
		if id == e {
			foundE = true
		}
	}
	if !foundE {
		t.Fatalf("trip_taken recipients = %v, want driver %s", taken, e)
	}
}

func TestDecline_LastRejectionEndsRound(t *testing.T) {
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

	if err := declineAs(r, trip, d1); err != nil {
		t.Fatalf("first decline: %v", err)
	}
	if got := r.tripStatus(t, trip.ID); got != types.StatusWaitingForDriver {
		t.Fatalf("status after first decline = %s, want still WAITING", got)
	}
	if got := r.notifier.notFound(trip.ID); got != 0 {
		t.Fatalf("premature driver_not_found notification")
	}

	if err := declineAs(r, trip, d2); err != nil {
		t.Fatalf("second decline: %v", err)
	}
	if got := r.tripStatus(t, trip.ID); got != types.StatusDriverNotFound {
		t.Fatalf("status = %s, want DRIVER_NOT_FOUND", got)
	}
	if got := r.notifier.notFound(trip.ID); got != 1 {
		t.Fatalf("driver_not_found notifications = %d, want exactly 1", got)
	}
}

func TestDecline_StaleWhenNoActiveOffer(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "offer active", func() bool { return r.queue.activeOffer(d) == trip.ID })

	if err := declineAs(r, trip, d); err != nil {
		t.Fatalf("decline: %v", err)
	}
	if err := declineAs(r, trip, d); !errors.Is(err, types.ErrStaleOfferResponse) {
		t.Fatalf("replayed decline err = %v, want ErrStaleOfferResponse", err)
	}
}

func TestDecline_SurfacesNextQueuedOffer(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)

	tripA := r.newTrip(types.StatusDraft)
	tripB := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), tripA); err != nil {
		t.Fatalf("dispatch A: %v", err)
	}
	waitFor(t, "offer A active", func() bool { return r.queue.activeOffer(d) == tripA.ID })

	// B queues behind A's active offer.
	if err := r.orch.Dispatch(context.Background(), tripB); err != nil {
		t.Fatalf("dispatch B: %v", err)
	}
	waitFor(t, "offer B queued", func() bool { return r.queue.depth(d) == 1 })

	if err := declineAs(r, tripA, d); err != nil {
		t.Fatalf("decline A: %v", err)
	}

	waitFor(t, "offer B active", func() bool { return r.queue.activeOffer(d) == tripB.ID })
	if got := r.notifier.offerCount(d, tripB.ID); got != 1 {
		t.Fatalf("offer pushes for B = %d, want 1", got)
	}
}

/* ======================= timeouts ======================= */

func TestOfferTimeout_RejectsAndCascades(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "offer active", func() bool { return r.queue.activeOffer(d) == trip.ID })

	payload := models.OfferTimeoutPayload{TripID: trip.ID, DriverID: d}
	if err := r.orch.HandleOfferTimeout(context.Background(), payload); err != nil {
		t.Fatalf("offer timeout: %v", err)
	}

	if got := r.tripStatus(t, trip.ID); got != types.StatusDriverNotFound {
		t.Fatalf("status = %s, want DRIVER_NOT_FOUND (sole driver timed out)", got)
	}
	if got := r.queue.activeOffer(d); got != uuid.Nil {
		t.Fatalf("active offer still set after timeout")
	}
	if got := r.notifier.notFound(trip.ID); got != 1 {
		t.Fatalf("driver_not_found notifications = %d, want 1", got)
	}
}

func TestOfferTimeout_ReplayIsNoop(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "offer active", func() bool { return r.queue.activeOffer(d) == trip.ID })

	payload := models.OfferTimeoutPayload{TripID: trip.ID, DriverID: d}
	if err := r.orch.HandleOfferTimeout(context.Background(), payload); err != nil {
		t.Fatalf("first timeout: %v", err)
	}
	if err := r.orch.HandleOfferTimeout(context.Background(), payload); err != nil {
		t.Fatalf("replayed timeout: %v", err)
	}

	if got := r.notifier.notFound(trip.ID); got != 1 {
		t.Fatalf("driver_not_found notifications = %d, want exactly 1 after replay", got)
	}
}

func TestOfferTimeout_LosesRaceToAccept(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	waitFor(t, "offer active", func() bool { return r.queue.activeOffer(d) == trip.ID })

	if err := acceptAs(r, trip, d); err != nil {
		t.Fatalf("accept: %v", err)
	}

	payload := models.OfferTimeoutPayload{TripID: trip.ID, DriverID: d}
	if err := r.orch.HandleOfferTimeout(context.Background(), payload); err != nil {
		t.Fatalf("late timeout: %v", err)
	}

	stored, _ := r.repo.Get(context.Background(), trip.ID)
	if stored.Status != types.StatusApproved {
		t.Fatalf("late timeout changed status to %s", stored.Status)
	}
	if len(stored.RejectedDriverIDs) != 0 {
		t.Fatalf("late timeout rejected the accepted driver")
	}
}

func TestGlobalTimeout_EndsRoundOnce(t *testing.T) {
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

	payload := models.GlobalTimeoutPayload{TripID: trip.ID, DriverIDs: trip.CalledDriverIDs}
	if err := r.orch.HandleGlobalTimeout(context.Background(), payload); err != nil {
		t.Fatalf("global timeout: %v", err)
	}

	if got := r.tripStatus(t, trip.ID); got != types.StatusDriverNotFound {
		t.Fatalf("status = %s, want DRIVER_NOT_FOUND", got)
	}
	if r.queue.activeOffer(d1) != uuid.Nil || r.queue.activeOffer(d2) != uuid.Nil {
		t.Fatal("active offers survived global timeout")
	}
	if got := r.notifier.notFound(trip.ID); got != 1 {
		t.Fatalf("driver_not_found notifications = %d, want 1", got)
	}

	// Replay after resolution is a no-op.
	if err := r.orch.HandleGlobalTimeout(context.Background(), payload); err != nil {
		t.Fatalf("replayed global timeout: %v", err)
	}
	if got := r.notifier.notFound(trip.ID); got != 1 {
		t.Fatalf("replay re-notified the customer")
	}
}

/* ======================= activation ======================= */

func TestActivate_SkipsOffersForResolvedTrips(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)

	tripA := r.newTrip(types.StatusDraft)
	tripB := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), tripA); err != nil {
		t.Fatalf("dispatch A: %v", err)
	}
	waitFor(t, "offer A active", func() bool { return r.queue.activeOffer(d) == tripA.ID })
	if err := r.orch.Dispatch(context.Background(), tripB); err != nil {
		t.Fatalf("dispatch B: %v", err)
	}
	waitFor(t, "offer B queued", func() bool { return r.queue.depth(d) == 1 })

	// B resolves while queued.
	cancelled := types.StatusCancelled
	if err := r.repo.Update(context.Background(), tripB.ID, models.TripPatch{Status: &cancelled}); err != nil {
		t.Fatalf("cancel B: %v", err)
	}

	if err := declineAs(r, tripA, d); err != nil {
		t.Fatalf("decline A: %v", err)
	}

	// The cancelled trip must be discarded, leaving the driver idle.
	waitFor(t, "queue drained", func() bool { return r.queue.depth(d) == 0 })
	time.Sleep(20 * time.Millisecond)
	if got := r.queue.activeOffer(d); got != uuid.Nil {
		t.Fatalf("cancelled trip activated as offer %s", got)
	}
	if got := r.notifier.offerCount(d, tripB.ID); got != 0 {
		t.Fatalf("offer pushes for cancelled trip = %d, want 0", got)
	}
}

func TestActivate_UnreachableDriverKeepsOfferQueued(t *testing.T) {
	r := newRig()
	d := r.addDriver(5)
	r.notifier.unreachable[d] = true
	trip := r.newTrip(types.StatusDraft)

	if err := r.orch.Dispatch(context.Background(), trip); err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// The push fails, so the slot stays free and the offer goes back to
	// the queue for the sweep to retry after reconnect.
	waitFor(t, "offer requeued", func() bool {
		return r.queue.activeOffer(d) == uuid.Nil && r.queue.depth(d) == 1
	})

	r.notifier.mu.Lock()
	r.notifier.unreachable[d] = false
	r.notifier.mu.Unlock()

	if err := r.orch.ActivateNextOffer(context.Background(), d); err != nil {
		t.Fatalf("reactivate: %v", err)
	}
	if got := r.queue.activeOffer(d); got != trip.ID {
		t.Fatalf("active offer = %s, want %s after reconnect", got, trip.ID)
	}
}

func TestActivate_PriorityBeatsFIFO(t *testing.T) {
	r := newRig()
	d := uuid.New()
	r.avail.states[d] = types.DriverAvailable

	lowTrip := r.newTrip(types.StatusWaitingForDriver)
	highTrip := r.newTrip(types.StatusWaitingForDriver)
	for _, tr := range []*models.Trip{lowTrip, highTrip} {
		fresh, _ := r.repo.Get(context.Background(), tr.ID)
		fresh.CalledDriverIDs = []uuid.UUID{d}
		r.repo.put(fresh)
	}

	now := time.Now()
	mustEnqueue(t, r, d, models.OfferQueueItem{TripID: lowTrip.ID, Priority: 5, EnqueuedAt: now.Add(-time.Second)})
	mustEnqueue(t, r, d, models.OfferQueueItem{TripID: highTrip.ID, Priority: 1, EnqueuedAt: now})

	if err := r.orch.ActivateNextOffer(context.Background(), d); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if got := r.queue.activeOffer(d); got != highTrip.ID {
		t.Fatalf("activated %s, want the higher priority trip %s", got, highTrip.ID)
	}
}

func mustEnqueue(t *testing.T, r *rig, driverID uuid.UUID, item models.OfferQueueItem) {
	t.Helper()
	if err := r.queue.Enqueue(context.Background(), driverID, item); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
}

/* ======================= cancel dispatch ======================= */

func TestCancelDispatch_TearsDownRound(t *testing.T) {
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

	r.orch.CancelDispatch(context.Background(), trip)

	if r.queue.activeOffer(d1) != uuid.Nil || r.queue.activeOffer(d2) != uuid.Nil {
		t.Fatal("active offers survived dispatch cancellation")
	}
	if got := r.jobs.pending(models.JobGlobalTimeout) + r.jobs.pending(models.JobOfferTimeout); got != 0 {
		t.Fatalf("pending jobs = %d, want 0", got)
	}
}
