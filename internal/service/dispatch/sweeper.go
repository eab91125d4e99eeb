package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

const sweepBatchSize = 100

// QueueInspector is the admin/maintenance view of the offer queues.
type QueueInspector interface {
	Stats(ctx context.Context) ([]models.QueueStats, error)
	PurgeStale(ctx context.Context, maxAge time.Duration) (int64, error)
}

// Sweeper is the periodic backstop behind the delayed job store. It
// resolves waiting trips whose timeout job was lost, purges offers that
// sat queued past their staleness bound, and reactivates idle drivers
// left with queued offers but no active one.
type Sweeper struct {
	trips        TripRepo
	inspector    QueueInspector
	orchestrator *Orchestrator

	cfg config.DispatchConfig
	l   logger.Logger
}

func NewSweeper(trips TripRepo, inspector QueueInspector, orchestrator *Orchestrator, cfg config.DispatchConfig, l logger.Logger) *Sweeper {
	return &Sweeper{
		trips:        trips,
		inspector:    inspector,
		orchestrator: orchestrator,
		cfg:          cfg,
		l:            l,
	}
}

// Run sweeps until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ctx = wrap.WithAction(ctx, types.ActionDispatchSweep)
	s.l.Info(ctx, "sweeper started", "interval", s.cfg.SweepInterval.String())

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.l.Info(ctx, "sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one maintenance pass.
func (s *Sweeper) Sweep(ctx context.Context) {
	s.resolveTimedOutTrips(ctx)
	s.purgeStaleOffers(ctx)
	s.reactivateIdleDrivers(ctx)
}

func (s *Sweeper) resolveTimedOutTrips(ctx context.Context) {
	cutoff := time.Now().Add(-s.cfg.GlobalTimeout)

	trips, err := s.trips.FindTimedOut(ctx, cutoff, sweepBatchSize)
	if err != nil {
		s.l.Error(ctx, "find timed out trips failed", err)
		return
	}

	for _, t := range trips {
		payload := models.GlobalTimeoutPayload{TripID: t.ID, DriverIDs: t.CalledDriverIDs}
		if err := s.orchestrator.HandleGlobalTimeout(ctx, payload); err != nil {
			s.l.Error(wrap.WithTripID(ctx, t.ID.String()), "sweep global timeout failed", err)
		}
	}

	if len(trips) > 0 {
		s.l.Info(ctx, "swept timed out trips", "count", len(trips))
	}
}

func (s *Sweeper) purgeStaleOffers(ctx context.Context) {
	purged, err := s.inspector.PurgeStale(ctx, s.cfg.MaxOfferStaleness)
	if err != nil {
		s.l.Error(ctx, "purge stale offers failed", err)
		return
	}
	if purged > 0 {
		s.l.Info(ctx, "purged stale offers", "count", purged)
	}
}

// reactivateIdleDrivers nudges drivers that have queued offers but an
// empty active slot, usually after a crash between slot expiry and the
// next activation.
func (s *Sweeper) reactivateIdleDrivers(ctx context.Context) {
	stats, err := s.inspector.Stats(ctx)
	if err != nil {
		s.l.Error(ctx, "queue stats failed", err)
		return
	}

	var idle []uuid.UUID
	for _, st := range stats {
		if st.ActiveTrip == nil && st.QueueDepth > 0 {
			idle = append(idle, st.DriverID)
		}
	}

	for _, driverID := range idle {
		if err := s.orchestrator.ActivateNextOffer(ctx, driverID); err != nil {
			s.l.Error(wrap.WithDriverID(ctx, driverID.String()), "sweep activation failed", err)
		}
	}

	if len(idle) > 0 {
		s.l.Info(ctx, "reactivated idle drivers", "count", len(idle))
	}
}
