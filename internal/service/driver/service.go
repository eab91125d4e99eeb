package driver

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

// Service tracks driver presence: availability in Postgres and position
// in the geo index the dispatcher searches. Trip-related driver actions
// (accept, decline, status advance) live in the trip service.
type Service struct {
	repo  DriverRepo
	geo   LocationIndex
	queue OfferQueue
	l     logger.Logger
}

func NewService(repo DriverRepo, geo LocationIndex, queue OfferQueue, l logger.Logger) *Service {
	return &Service{
		repo:  repo,
		geo:   geo,
		queue: queue,
		l:     l,
	}
}

// GoOnline marks the driver dispatchable and registers the position.
func (s *Service) GoOnline(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	ctx = wrap.WithAction(wrap.WithDriverID(ctx, driverID.String()), "driver_go_online")

	exists, err := s.repo.IsDriverExist(ctx, driverID)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if !exists {
		return types.ErrDriverNotFound
	}

	current, err := s.repo.Availability(ctx, driverID)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if current == types.DriverOnTrip {
		return wrap.Error(ctx, fmt.Errorf("%w: driver is on a trip", types.ErrInvalidTransition))
	}

	if err := s.repo.SetAvailability(ctx, driverID, types.DriverAvailable); err != nil {
		return wrap.Error(ctx, err)
	}
	if err := s.geo.UpsertDriver(ctx, driverID, loc); err != nil {
		return wrap.Error(ctx, err)
	}

	s.l.Info(ctx, "driver online", "lat", loc.Latitude, "lng", loc.Longitude)
	return nil
}

// GoOffline withdraws the driver from dispatch. Refused while a trip is
// in progress. Queued offers are dropped; an active offer is left to
// expire through its timeout.
func (s *Service) GoOffline(ctx context.Context, driverID uuid.UUID) error {
	ctx = wrap.WithAction(wrap.WithDriverID(ctx, driverID.String()), "driver_go_offline")

	changed, err := s.repo.SetAvailabilityIf(ctx, driverID, types.DriverAvailable, types.DriverOffline)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if !changed {
		current, err := s.repo.Availability(ctx, driverID)
		if err != nil {
			return wrap.Error(ctx, err)
		}
		if current == types.DriverOffline {
			return nil
		}
		return wrap.Error(ctx, fmt.Errorf("%w: driver is %s", types.ErrInvalidTransition, current))
	}

	if err := s.geo.RemoveDriver(ctx, driverID); err != nil {
		s.l.Error(ctx, "remove driver from geo index failed", err)
	}

	dropped, err := s.queue.RemoveAllForDriver(ctx, driverID)
	if err != nil {
		s.l.Error(ctx, "drop queued offers failed", err)
	}

	s.l.Info(ctx, "driver offline", "dropped_offers", dropped)
	return nil
}

// UpdateLocation refreshes the driver's position in the geo index.
func (s *Service) UpdateLocation(ctx context.Context, driverID uuid.UUID, loc models.Location) error {
	ctx = wrap.WithAction(wrap.WithDriverID(ctx, driverID.String()), "driver_update_location")

	current, err := s.repo.Availability(ctx, driverID)
	if err != nil {
		return wrap.Error(ctx, err)
	}
	if current == types.DriverOffline {
		return wrap.Error(ctx, fmt.Errorf("%w: driver is offline", types.ErrInvalidTransition))
	}

	if err := s.geo.UpsertDriver(ctx, driverID, loc); err != nil {
		return wrap.Error(ctx, err)
	}
	return nil
}

// Availability reports the driver's current dispatch state.
func (s *Service) Availability(ctx context.Context, driverID uuid.UUID) (types.DriverAvailability, error) {
	return s.repo.Availability(ctx, driverID)
}
