package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/internal/service/trip"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/metrics"
)

// basePriority is the queue priority of a first dispatch round. Each
// retry round dispatches one band more urgent, so re-requested trips
// jump ahead of fresh ones.
const basePriority = 5

// offerCorrelation ties an offer timeout job to one (trip, driver) pair.
// The trip prefix alone matches every pending offer job of the trip.
func offerCorrelation(tripID, driverID uuid.UUID) string {
	return tripID.String() + ":" + driverID.String()
}

// Orchestrator runs the offer cascade: candidate fan-out, per-driver
// activation, accept/decline/timeout resolution. Callers that already
// hold the trip lock use the plain methods; the Handle* methods acquire
// it themselves and are the entry points for the timeout worker.
type Orchestrator struct {
	trips        TripRepo
	queue        OfferQueue
	search       CandidateSearch
	availability AvailabilityOracle
	notifier     Notifier
	jobs         JobScheduler
	locker       Locker

	cfg         config.DispatchConfig
	serviceName string
	l           logger.Logger

	// Fast-path guard against the same timeout job being processed twice
	// by one process. Cross-process dedup is the trip lock's job.
	inFlight sync.Map
}

func NewOrchestrator(
	trips TripRepo,
	queue OfferQueue,
	search CandidateSearch,
	availability AvailabilityOracle,
	notifier Notifier,
	jobs JobScheduler,
	locker Locker,
	cfg config.DispatchConfig,
	serviceName string,
	l logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		trips:        trips,
		queue:        queue,
		search:       search,
		availability: availability,
		notifier:     notifier,
		jobs:         jobs,
		locker:       locker,
		cfg:          cfg,
		serviceName:  serviceName,
		l:            l,
	}
}

// Dispatch fans the trip out to nearby available drivers and arms the
// global timeout. The caller holds the trip lock. Returns
// ErrNoDriversFound when every escalation radius comes up empty.
func (o *Orchestrator) Dispatch(ctx context.Context, t *models.Trip) error {
	ctx = wrap.WithTripID(ctx, t.ID.String())

	if ok, reason := trip.CanTransition(t.Status, types.StatusWaitingForDriver); !ok {
		return wrap.Error(ctx, fmt.Errorf("%w: %s", types.ErrInvalidTransition, reason))
	}

	candidates, err := o.findCandidates(ctx, t)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if len(candidates) == 0 {
		return types.ErrNoDriversFound
	}

	now := time.Now()
	retryCount := t.CallRetryCount
	if t.Status == types.StatusDriverNotFound {
		retryCount++
	}

	status := types.StatusWaitingForDriver
	empty := []uuid.UUID{}
	if err := o.trips.Update(ctx, t.ID, models.TripPatch{
		Status:            &status,
		CalledDriverIDs:   &candidates,
		RejectedDriverIDs: &empty,
		CallStartTime:     &now,
		CallRetryCount:    &retryCount,
	}); err != nil {
		return wrap.Error(ctx, err)
	}

	t.Status = status
	t.CalledDriverIDs = candidates
	t.RejectedDriverIDs = nil
	t.CallStartTime = &now
	t.CallRetryCount = retryCount

	item := models.OfferQueueItem{
		TripID:           t.ID,
		Priority:         offerPriority(retryCount),
		EnqueuedAt:       now,
		CustomerLocation: t.Pickup,
	}
	for _, driverID := range candidates {
		if err := o.queue.Enqueue(ctx, driverID, item); err != nil {
			o.l.Error(ctx, "enqueue offer failed", err, "driver_id", driverID)
		}
	}

	payload, _ := json.Marshal(models.GlobalTimeoutPayload{TripID: t.ID, DriverIDs: candidates})
	if err := o.jobs.Schedule(ctx, models.JobGlobalTimeout, t.ID.String(), payload, o.cfg.GlobalTimeout); err != nil {
		// The sweep catches trips whose timeout job was lost.
		o.l.Error(ctx, "schedule global timeout failed", err)
	}

	o.notifier.NotifyStatusChanged(ctx, t)
	o.l.Info(ctx, "trip dispatched", "candidates", len(candidates), "retry", retryCount)

	bg := context.WithoutCancel(ctx)
	for _, driverID := range candidates {
		go func(id uuid.UUID) {
			if err := o.ActivateNextOffer(bg, id); err != nil {
				o.l.Error(wrap.WithDriverID(bg, id.String()), "offer activation failed", err)
			}
		}(driverID)
	}

	return nil
}

// findCandidates escalates through the configured search radii and keeps
// drivers that are available and have not rejected this trip before.
func (o *Orchestrator) findCandidates(ctx context.Context, t *models.Trip) ([]uuid.UUID, error) {
	for _, radius := range o.cfg.SearchRadii() {
		nearby, err := o.search.FindNearby(ctx, t.Pickup, radius)
		if err != nil {
			return nil, fmt.Errorf("candidate search at %.1fkm: %w", radius, err)
		}

		var candidates []uuid.UUID
		for _, driverID := range nearby {
			if t.HasRejected(driverID) {
				continue
			}
			avail, err := o.availability.Availability(ctx, driverID)
			if err != nil || avail != types.DriverAvailable {
				continue
			}
			candidates = append(candidates, driverID)
		}

		if len(candidates) > 0 {
			return candidates, nil
		}
	}
	return nil, nil
}

// ActivateNextOffer surfaces the driver's most urgent queued offer into
// the single active slot. Offers that went stale while queued are
// discarded and the next one is tried.
func (o *Orchestrator) ActivateNextOffer(ctx context.Context, driverID uuid.UUID) error {
	ctx = wrap.WithDriverID(ctx, driverID.String())

	avail, err := o.availability.Availability(ctx, driverID)
	if err != nil {
		return err
	}
	if avail != types.DriverAvailable {
		// Queued offers stay put until the driver is back; the periodic
		// sweep or the next nudge will surface them then.
		return nil
	}

	for {
		if active, err := o.queue.GetActiveOffer(ctx, driverID); err != nil {
			return err
		} else if active != uuid.Nil {
			return nil
		}

		item, err := o.queue.PopNext(ctx, driverID)
		if err != nil {
			return err
		}
		if item == nil {
			return nil
		}

		t, reason, err := o.offerStillValid(ctx, item, driverID)
		if err != nil {
			return err
		}
		if t == nil {
			metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "stale").Inc()
			o.l.Debug(ctx, "discarding queued offer", "trip_id", item.TripID, "reason", reason)
			continue
		}

		ok, err := o.queue.SetActiveOffer(ctx, driverID, t.ID, o.cfg.ActiveSlotTTL)
		if err != nil {
			return err
		}
		if !ok {
			// Lost the slot race; put the offer back for the next turn.
			return o.queue.Enqueue(ctx, driverID, *item)
		}

		expiresAt := time.Now().Add(o.cfg.OfferTimeout)
		err = o.notifier.NotifyOffer(ctx, driverID, models.OfferPush{
			TripID:        t.ID,
			TripNumber:    t.TripNumber,
			Pickup:        t.Pickup,
			Destination:   t.Destination,
			EstimatedFare: t.EstimatedFare,
			ExpiresAt:     expiresAt,
		})
		if err != nil {
			// Driver unreachable. Free the slot and requeue so the offer
			// survives a reconnect.
			if _, clearErr := o.queue.ClearActiveOfferIf(ctx, driverID, t.ID); clearErr != nil {
				o.l.Error(ctx, "clear active offer after failed push", clearErr, "trip_id", t.ID)
			}
			return o.queue.Enqueue(ctx, driverID, *item)
		}

		payload, _ := json.Marshal(models.OfferTimeoutPayload{TripID: t.ID, DriverID: driverID})
		if err := o.jobs.Schedule(ctx, models.JobOfferTimeout, offerCorrelation(t.ID, driverID), payload, o.cfg.OfferTimeout); err != nil {
			o.l.Error(ctx, "schedule offer timeout failed", err, "trip_id", t.ID)
		}

		metrics.OffersActivatedTotal.WithLabelValues(o.serviceName).Inc()
		metrics.ActiveOffersGauge.WithLabelValues(o.serviceName).Inc()
		o.l.Info(ctx, "offer activated", "trip_id", t.ID, "expires_at", expiresAt)
		return nil
	}
}

// offerStillValid re-checks a popped offer against current trip state.
// A nil trip with a reason means the offer is dead. Driver-side problems
// are not checked here; those keep the offer queued, they never kill it.
func (o *Orchestrator) offerStillValid(ctx context.Context, item *models.OfferQueueItem, driverID uuid.UUID) (*models.Trip, string, error) {
	if time.Since(item.EnqueuedAt) > o.cfg.MaxOfferStaleness {
		return nil, "offer exceeded max staleness", nil
	}

	t, err := o.trips.Get(ctx, item.TripID)
	if err != nil {
		if errors.Is(err, types.ErrTripNotFound) {
			return nil, "trip no longer exists", nil
		}
		return nil, "", err
	}

	if t.Status != types.StatusWaitingForDriver {
		return nil, fmt.Sprintf("trip is %s", t.Status), nil
	}
	if !t.WasCalled(driverID) || t.HasRejected(driverID) {
		return nil, "driver not in current dispatch round", nil
	}

	return t, "", nil
}

// HandleDriverAccept resolves an accepted offer. The caller holds the
// trip lock and t is loaded under it.
func (o *Orchestrator) HandleDriverAccept(ctx context.Context, t *models.Trip, driverID uuid.UUID) error {
	ctx = wrap.WithDriverID(wrap.WithTripID(ctx, t.ID.String()), driverID.String())

	active, err := o.queue.GetActiveOffer(ctx, driverID)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if active != t.ID {
		metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "stale").Inc()
		return types.ErrStaleOfferResponse
	}

	if !t.WasCalled(driverID) {
		return types.ErrDriverNotAuthorized
	}
	if ok, _ := trip.CanTransition(t.Status, types.StatusApproved); !ok {
		metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "stale").Inc()
		return types.ErrStaleOfferResponse
	}

	now := time.Now()
	status := types.StatusApproved
	if err := o.trips.Update(ctx, t.ID, models.TripPatch{
		Status:           &status,
		AssignedDriverID: &driverID,
		MatchedAt:        &now,
	}); err != nil {
		return wrap.Error(ctx, err)
	}
	t.Status = status
	t.AssignedDriverID = &driverID
	t.MatchedAt = &now

	o.cancelTimeoutJobs(ctx, t.ID, nil)

	removed, err := o.queue.RemoveFromAllDrivers(ctx, t.ID)
	if err != nil {
		o.l.Error(ctx, "queue cleanup after accept failed", err)
	}

	// The winner is on a trip now, so their remaining queued offers are
	// void. Those trips still sit in the other candidates' queues.
	if _, err := o.queue.RemoveAllForDriver(ctx, driverID); err != nil {
		o.l.Error(ctx, "clear winner queue failed", err)
	}

	// Other drivers may hold this trip as their live offer too; the
	// fan-out activates in parallel. Free every slot still pinned to it.
	freed := make([]uuid.UUID, 0, len(t.CalledDriverIDs))
	for _, id := range t.CalledDriverIDs {
		cleared, err := o.queue.ClearActiveOfferIf(ctx, id, t.ID)
		if err != nil {
			o.l.Error(ctx, "clear active offer failed", err, "driver_id", id)
			continue
		}
		if cleared {
			metrics.ActiveOffersGauge.WithLabelValues(o.serviceName).Dec()
			if id != driverID {
				freed = append(freed, id)
			}
		}
	}

	// The accepting driver must never receive the trip-taken push for
	// the trip they just won.
	others := make([]uuid.UUID, 0, len(removed.AffectedDrivers)+len(freed))
	for _, id := range removed.AffectedDrivers {
		if id != driverID {
			others = append(others, id)
		}
	}
	others = append(others, freed...)
	if len(others) > 0 {
		o.notifier.NotifyTripTaken(ctx, others, t.ID)
	}

	if err := o.availability.SetAvailability(ctx, driverID, types.DriverOnTrip); err != nil {
		o.l.Error(ctx, "set driver availability failed", err)
	}

	if err := o.trips.InsertEvent(ctx, t.ID, "DRIVER_ACCEPTED", map[string]any{"driver_id": driverID}); err != nil {
		o.l.Error(ctx, "insert trip event failed", err)
	}

	o.notifier.NotifyStatusChanged(ctx, t)
	metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "accepted").Inc()
	metrics.TripsDispatchedTotal.WithLabelValues(o.serviceName, "approved").Inc()
	o.l.Info(ctx, "driver accepted trip")

	bg := context.WithoutCancel(ctx)
	for _, id := range freed {
		go func(id uuid.UUID) {
			if err := o.ActivateNextOffer(bg, id); err != nil {
				o.l.Error(wrap.WithDriverID(bg, id.String()), "offer activation failed", err)
			}
		}(id)
	}

	return nil
}

// HandleDriverDecline resolves a declined offer. The caller holds the
// trip lock. A decline that races behind another resolution is a no-op.
func (o *Orchestrator) HandleDriverDecline(ctx context.Context, t *models.Trip, driverID uuid.UUID) error {
	ctx = wrap.WithDriverID(wrap.WithTripID(ctx, t.ID.String()), driverID.String())

	active, err := o.queue.GetActiveOffer(ctx, driverID)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if active != t.ID || t.Status != types.StatusWaitingForDriver {
		metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "stale").Inc()
		return types.ErrStaleOfferResponse
	}

	metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "declined").Inc()
	return o.resolveRejection(ctx, t, driverID)
}

// HandleOfferTimeout fires when an active offer expires unanswered.
// Entry point for the timeout worker; acquires the trip lock itself.
func (o *Orchestrator) HandleOfferTimeout(ctx context.Context, payload models.OfferTimeoutPayload) error {
	ctx = wrap.WithDriverID(wrap.WithTripID(ctx, payload.TripID.String()), payload.DriverID.String())

	key := offerCorrelation(payload.TripID, payload.DriverID)
	if _, loaded := o.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return nil
	}
	defer o.inFlight.Delete(key)

	return o.locker.WithLock(ctx, types.TripLockKey(payload.TripID), "offer timeout",
		o.cfg.LockTTL, o.cfg.LockMaxRetries, func(ctx context.Context) error {
			t, err := o.trips.Get(ctx, payload.TripID)
			if err != nil {
				if errors.Is(err, types.ErrTripNotFound) {
					return nil
				}
				return err
			}
			if t.Status != types.StatusWaitingForDriver {
				return nil
			}

			// The slot still pointing at this trip is what proves the
			// offer really expired rather than resolving first.
			cleared, err := o.queue.ClearActiveOfferIf(ctx, payload.DriverID, payload.TripID)
			if err != nil {
				return err
			}
			if !cleared {
				metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "stale").Inc()
				return nil
			}
			metrics.ActiveOffersGauge.WithLabelValues(o.serviceName).Dec()
			metrics.OffersResolvedTotal.WithLabelValues(o.serviceName, "expired").Inc()
			o.l.Info(ctx, "offer expired")

			return o.rejectLocked(ctx, t, payload.DriverID)
		})
}

// HandleGlobalTimeout fires when the whole dispatch round runs out of
// time. Entry point for the timeout worker; acquires the trip lock.
func (o *Orchestrator) HandleGlobalTimeout(ctx context.Context, payload models.GlobalTimeoutPayload) error {
	ctx = wrap.WithTripID(ctx, payload.TripID.String())

	key := payload.TripID.String()
	if _, loaded := o.inFlight.LoadOrStore(key, struct{}{}); loaded {
		return nil
	}
	defer o.inFlight.Delete(key)

	return o.locker.WithLock(ctx, types.TripLockKey(payload.TripID), "global timeout",
		o.cfg.LockTTL, o.cfg.LockMaxRetries, func(ctx context.Context) error {
			t, err := o.trips.Get(ctx, payload.TripID)
			if err != nil {
				if errors.Is(err, types.ErrTripNotFound) {
					return nil
				}
				return err
			}
			if t.Status != types.StatusWaitingForDriver {
				return nil
			}

			o.l.Info(ctx, "global dispatch timeout", "called", len(t.CalledDriverIDs))
			return o.markDriverNotFound(ctx, t)
		})
}

// resolveRejection records the rejection, frees the driver's slot, and
// either ends the round or moves on. Caller holds the trip lock and has
// verified the offer was live.
func (o *Orchestrator) resolveRejection(ctx context.Context, t *models.Trip, driverID uuid.UUID) error {
	if cleared, err := o.queue.ClearActiveOfferIf(ctx, driverID, t.ID); err != nil {
		o.l.Error(ctx, "clear active offer failed", err)
	} else if cleared {
		metrics.ActiveOffersGauge.WithLabelValues(o.serviceName).Dec()
	}

	if _, err := o.jobs.CancelByCorrelation(ctx, models.JobOfferTimeout, offerCorrelation(t.ID, driverID)); err != nil {
		o.l.Error(ctx, "cancel offer timeout job failed", err)
	}

	return o.rejectLocked(ctx, t, driverID)
}

// rejectLocked appends the rejection and finishes the round when this
// was the last pending driver. The driver's next queued offer is
// surfaced outside the lock.
func (o *Orchestrator) rejectLocked(ctx context.Context, t *models.Trip, driverID uuid.UUID) error {
	if err := o.trips.AppendRejectedDriver(ctx, t.ID, driverID); err != nil {
		return wrap.Error(ctx, err)
	}
	if !t.HasRejected(driverID) {
		t.RejectedDriverIDs = append(t.RejectedDriverIDs, driverID)
	}

	if t.AllRejected() {
		if err := o.markDriverNotFound(ctx, t); err != nil {
			return err
		}
	}

	bg := context.WithoutCancel(ctx)
	go func() {
		if err := o.ActivateNextOffer(bg, driverID); err != nil {
			o.l.Error(wrap.WithDriverID(bg, driverID.String()), "offer activation failed", err)
		}
	}()

	return nil
}

// markDriverNotFound ends the dispatch round with no winner. Guarded by
// the WAITING_FOR_DRIVER status check in every caller, so the customer
// is notified exactly once per round.
func (o *Orchestrator) markDriverNotFound(ctx context.Context, t *models.Trip) error {
	if ok, reason := trip.CanTransition(t.Status, types.StatusDriverNotFound); !ok {
		return wrap.Error(ctx, fmt.Errorf("%w: %s", types.ErrInvalidTransition, reason))
	}

	status := types.StatusDriverNotFound
	if err := o.trips.Update(ctx, t.ID, models.TripPatch{Status: &status}); err != nil {
		return wrap.Error(ctx, err)
	}
	t.Status = status

	o.cancelTimeoutJobs(ctx, t.ID, nil)

	removed, err := o.queue.RemoveFromAllDrivers(ctx, t.ID)
	if err != nil {
		o.l.Error(ctx, "queue cleanup failed", err)
	}

	// Drop any active slot still pinned to this trip.
	freed := make([]uuid.UUID, 0, len(t.CalledDriverIDs))
	for _, driverID := range t.CalledDriverIDs {
		cleared, err := o.queue.ClearActiveOfferIf(ctx, driverID, t.ID)
		if err != nil {
			o.l.Error(ctx, "clear active offer failed", err, "driver_id", driverID)
			continue
		}
		if cleared {
			metrics.ActiveOffersGauge.WithLabelValues(o.serviceName).Dec()
			freed = append(freed, driverID)
		}
	}

	if err := o.trips.InsertEvent(ctx, t.ID, "DRIVER_NOT_FOUND", map[string]any{
		"called":   len(t.CalledDriverIDs),
		"rejected": len(t.RejectedDriverIDs),
		"retry":    t.CallRetryCount,
	}); err != nil {
		o.l.Error(ctx, "insert trip event failed", err)
	}

	o.notifier.NotifyDriverNotFound(ctx, t.CustomerID, t.ID)
	o.notifier.NotifyStatusChanged(ctx, t)
	metrics.TripsDispatchedTotal.WithLabelValues(o.serviceName, "driver_not_found").Inc()
	o.l.Info(ctx, "no driver found", "queued_drivers_cleaned", removed.Count)

	bg := context.WithoutCancel(ctx)
	for _, driverID := range freed {
		go func(id uuid.UUID) {
			if err := o.ActivateNextOffer(bg, id); err != nil {
				o.l.Error(wrap.WithDriverID(bg, id.String()), "offer activation failed", err)
			}
		}(driverID)
	}

	return nil
}

// CancelDispatch tears down the offer cascade of a trip leaving the
// waiting state, typically on customer cancellation. Caller holds the
// trip lock and has already moved the trip out of WAITING_FOR_DRIVER.
func (o *Orchestrator) CancelDispatch(ctx context.Context, t *models.Trip) {
	ctx = wrap.WithTripID(ctx, t.ID.String())

	o.cancelTimeoutJobs(ctx, t.ID, nil)

	removed, err := o.queue.RemoveFromAllDrivers(ctx, t.ID)
	if err != nil {
		o.l.Error(ctx, "queue cleanup on cancel failed", err)
	}

	freed := make([]uuid.UUID, 0, len(t.CalledDriverIDs))
	for _, driverID := range t.CalledDriverIDs {
		cleared, err := o.queue.ClearActiveOfferIf(ctx, driverID, t.ID)
		if err != nil {
			o.l.Error(ctx, "clear active offer failed", err, "driver_id", driverID)
			continue
		}
		if cleared {
			metrics.ActiveOffersGauge.WithLabelValues(o.serviceName).Dec()
			freed = append(freed, driverID)
		}
	}

	if len(removed.AffectedDrivers) > 0 {
		o.notifier.NotifyTripTaken(ctx, removed.AffectedDrivers, t.ID)
	}

	bg := context.WithoutCancel(ctx)
	for _, driverID := range freed {
		go func(id uuid.UUID) {
			if err := o.ActivateNextOffer(bg, id); err != nil {
				o.l.Error(wrap.WithDriverID(bg, id.String()), "offer activation failed", err)
			}
		}(driverID)
	}
}

// cancelTimeoutJobs clears the global timeout and either one driver's
// offer job or, with driverID nil, every offer job of the trip.
func (o *Orchestrator) cancelTimeoutJobs(ctx context.Context, tripID uuid.UUID, driverID *uuid.UUID) {
	if _, err := o.jobs.CancelByCorrelation(ctx, models.JobGlobalTimeout, tripID.String()); err != nil {
		o.l.Error(ctx, "cancel global timeout job failed", err)
	}

	prefix := tripID.String() + ":"
	if driverID != nil {
		prefix = offerCorrelation(tripID, *driverID)
	}
	if _, err := o.jobs.CancelByCorrelation(ctx, models.JobOfferTimeout, prefix); err != nil {
		o.l.Error(ctx, "cancel offer timeout jobs failed", err)
	}
}

func offerPriority(retryCount int) int {
	p := basePriority - retryCount
	if p < 0 {
		p = 0
	}
	return p
}
