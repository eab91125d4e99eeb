package trip

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/config"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/metrics"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/trm"
)

// Service is the trip lifecycle facade. It owns trip creation and every
// user-initiated transition; the dispatch engine is invoked through the
// Dispatcher port, always under the trip lock.
type Service struct {
	repo         TripRepo
	dispatcher   Dispatcher
	availability AvailabilityOracle
	notifier     Notifier
	locker       Locker

	cfg         config.DispatchConfig
	serviceName string
	trm         trm.TxManager
	l           logger.Logger
}

func NewService(
	repo TripRepo,
	dispatcher Dispatcher,
	availability AvailabilityOracle,
	notifier Notifier,
	locker Locker,
	cfg config.DispatchConfig,
	serviceName string,
	txm trm.TxManager,
	l logger.Logger,
) *Service {
	return &Service{
		repo:         repo,
		dispatcher:   dispatcher,
		availability: availability,
		notifier:     notifier,
		locker:       locker,
		cfg:          cfg,
		serviceName:  serviceName,
		trm:          txm,
		l:            l,
	}
}

// Create registers a new DRAFT trip for the customer.
func (s *Service) Create(ctx context.Context, customerID uuid.UUID, pickup, destination models.Location) (*models.Trip, error) {
	ctx = wrap.WithAction(ctx, "create_trip")

	var created *models.Trip

	err := s.locker.WithLock(ctx, types.CustomerTripsKey(customerID), "create trip",
		s.cfg.LockTTL, s.cfg.LockMaxRetries, func(ctx context.Context) error {
			busy, err := s.repo.HasActiveTrip(ctx, customerID, uuid.Nil)
			if err != nil {
				return wrap.Error(ctx, err)
			}
			if busy {
				return wrap.Error(ctx, types.ErrActiveTripExists)
			}

			return s.trm.Do(ctx, func(ctx context.Context) error {
				tripNumber, err := s.generateTripNumber(ctx)
				if err != nil {
					return wrap.Error(ctx, fmt.Errorf("could not generate trip number: %w", err))
				}

				distance := calculateDistance(pickup, destination)
				t := &models.Trip{
					TripNumber:    tripNumber,
					Status:        types.StatusDraft,
					CustomerID:    customerID,
					Pickup:        pickup,
					Destination:   destination,
					EstimatedFare: calculateFare(distance),
				}

				created, err = s.repo.Create(ctx, t)
				if err != nil {
					return wrap.Error(ctx, fmt.Errorf("could not create trip: %w", err))
				}
				return nil
			})
		})
	if err != nil {
		return nil, wrap.Error(ctx, err)
	}

	s.l.Info(wrap.WithTripID(ctx, created.ID.String()), "trip created", "trip_number", created.TripNumber)
	return created, nil
}

// RequestDriver starts (or restarts) the dispatch round for the trip.
func (s *Service) RequestDriver(ctx context.Context, customerID, tripID uuid.UUID) (*models.Trip, error) {
	ctx = wrap.WithAction(wrap.WithTripID(ctx, tripID.String()), "request_driver")

	var result *models.Trip

	err := s.withTripLock(ctx, tripID, "request driver", func(ctx context.Context) error {
		t, err := s.repo.Get(ctx, tripID)
		if err != nil {
			return wrap.Error(ctx, err)
		}
		if t.CustomerID != customerID {
			return wrap.Error(ctx, types.ErrNotFound)
		}

		if !ValidateStatuses(t.Status, types.StatusDraft, types.StatusDriverNotFound) {
			return wrap.Error(ctx, fmt.Errorf("%w: cannot request a driver for a %s trip",
				types.ErrInvalidTransition, t.Status))
		}

		// Guards rows that predate the create-time check.
		busy, err := s.repo.HasActiveTrip(ctx, t.CustomerID, t.ID)
		if err != nil {
			return wrap.Error(ctx, err)
		}
		if busy {
			return wrap.Error(ctx, types.ErrActiveTripExists)
		}

		if err := s.dispatcher.Dispatch(ctx, t); err != nil {
			return err
		}

		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// AcceptOffer resolves the driver's active offer as accepted.
func (s *Service) AcceptOffer(ctx context.Context, driverID, tripID uuid.UUID) (*models.Trip, error) {
	ctx = wrap.WithAction(wrap.WithDriverID(wrap.WithTripID(ctx, tripID.String()), driverID.String()), "accept_offer")

	var result *models.Trip

	err := s.withTripLock(ctx, tripID, "accept offer", func(ctx context.Context) error {
		t, err := s.repo.Get(ctx, tripID)
		if err != nil {
			return wrap.Error(ctx, err)
		}

		if err := s.dispatcher.HandleDriverAccept(ctx, t, driverID); err != nil {
			return err
		}

		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// DeclineOffer resolves the driver's active offer as declined.
func (s *Service) DeclineOffer(ctx context.Context, driverID, tripID uuid.UUID) error {
	ctx = wrap.WithAction(wrap.WithDriverID(wrap.WithTripID(ctx, tripID.String()), driverID.String()), "decline_offer")

	return s.withTripLock(ctx, tripID, "decline offer", func(ctx context.Context) error {
		t, err := s.repo.Get(ctx, tripID)
		if err != nil {
			return wrap.Error(ctx, err)
		}
		return s.dispatcher.HandleDriverDecline(ctx, t, driverID)
	})
}

// CancelByCustomer cancels the trip on behalf of its customer. Holding
// the customer cancel key first keeps a user mashing the cancel button
// down to one in-flight cancellation.
func (s *Service) CancelByCustomer(ctx context.Context, customerID, tripID uuid.UUID, reason string) (*models.Trip, error) {
	ctx = wrap.WithAction(wrap.WithTripID(ctx, tripID.String()), "cancel_by_customer")

	var result *models.Trip

	err := s.locker.WithLock(ctx, types.CustomerCancelKey(customerID), "customer cancellation",
		s.cfg.LockTTL, s.cfg.LockMaxRetries, func(ctx context.Context) error {
			return s.withTripLock(ctx, tripID, "customer cancellation", func(ctx context.Context) error {
				t, err := s.repo.Get(ctx, tripID)
				if err != nil {
					return wrap.Error(ctx, err)
				}
				if t.CustomerID != customerID {
					return wrap.Error(ctx, types.ErrNotFound)
				}

				if err := s.cancelLocked(ctx, t, reason); err != nil {
					return err
				}
				result = t
				return nil
			})
		})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CancelByDriver cancels an assigned trip on behalf of its driver.
func (s *Service) CancelByDriver(ctx context.Context, driverID, tripID uuid.UUID, reason string) (*models.Trip, error) {
	ctx = wrap.WithAction(wrap.WithDriverID(wrap.WithTripID(ctx, tripID.String()), driverID.String()), "cancel_by_driver")

	var result *models.Trip

	err := s.locker.WithLock(ctx, types.DriverCancelKey(driverID), "driver cancellation",
		s.cfg.LockTTL, s.cfg.LockMaxRetries, func(ctx context.Context) error {
			return s.withTripLock(ctx, tripID, "driver cancellation", func(ctx context.Context) error {
				t, err := s.repo.Get(ctx, tripID)
				if err != nil {
					return wrap.Error(ctx, err)
				}
				if t.AssignedDriverID == nil || *t.AssignedDriverID != driverID {
					return wrap.Error(ctx, types.ErrDriverNotAuthorized)
				}

				if err := s.cancelLocked(ctx, t, reason); err != nil {
					return err
				}
				result = t
				return nil
			})
		})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// cancelLocked performs the shared cancellation path under the trip
// lock: state check, dispatch teardown when a round is live, driver
// release when one was assigned.
func (s *Service) cancelLocked(ctx context.Context, t *models.Trip, reason string) error {
	if ok, why := CanTransition(t.Status, types.StatusCancelled); !ok {
		return wrap.Error(ctx, fmt.Errorf("%w: %s", types.ErrInvalidTransition, why))
	}

	wasWaiting := t.Status == types.StatusWaitingForDriver

	now := time.Now()
	status := types.StatusCancelled
	if err := s.repo.Update(ctx, t.ID, models.TripPatch{
		Status:             &status,
		CancellationReason: &reason,
		CancelledAt:        &now,
	}); err != nil {
		return wrap.Error(ctx, err)
	}
	prevDriver := t.AssignedDriverID
	t.Status = status
	t.CancellationReason = &reason
	t.CancelledAt = &now

	if wasWaiting {
		s.dispatcher.CancelDispatch(ctx, t)
	}

	if prevDriver != nil {
		if err := s.availability.SetAvailability(ctx, *prevDriver, types.DriverAvailable); err != nil {
			s.l.Error(ctx, "release driver failed", err, "driver_id", *prevDriver)
		}
	}

	if err := s.repo.InsertEvent(ctx, t.ID, "TRIP_CANCELLED", map[string]any{"reason": reason}); err != nil {
		s.l.Error(ctx, "insert trip event failed", err)
	}

	s.notifier.NotifyStatusChanged(ctx, t)
	metrics.TripsDispatchedTotal.WithLabelValues(s.serviceName, "cancelled").Inc()
	s.l.Info(ctx, "trip cancelled", "reason", reason)

	return nil
}

// AdvanceStatus moves an assigned trip forward through its post-match
// lifecycle. Only the assigned driver may advance.
func (s *Service) AdvanceStatus(ctx context.Context, driverID, tripID uuid.UUID, to types.TripStatus) (*models.Trip, error) {
	ctx = wrap.WithAction(wrap.WithDriverID(wrap.WithTripID(ctx, tripID.String()), driverID.String()), "advance_status")

	var result *models.Trip

	err := s.withTripLock(ctx, tripID, "advance status", func(ctx context.Context) error {
		t, err := s.repo.Get(ctx, tripID)
		if err != nil {
			return wrap.Error(ctx, err)
		}
		if t.AssignedDriverID == nil || *t.AssignedDriverID != driverID {
			return wrap.Error(ctx, types.ErrDriverNotAuthorized)
		}

		if ok, why := CanTransition(t.Status, to); !ok {
			return wrap.Error(ctx, fmt.Errorf("%w: %s", types.ErrInvalidTransition, why))
		}

		patch := models.TripPatch{Status: &to}
		if to == types.StatusCompleted {
			now := time.Now()
			patch.CompletedAt = &now
			t.CompletedAt = &now
		}

		if err := s.repo.Update(ctx, t.ID, patch); err != nil {
			return wrap.Error(ctx, err)
		}
		t.Status = to

		if to == types.StatusCompleted {
			if err := s.availability.SetAvailability(ctx, driverID, types.DriverAvailable); err != nil {
				s.l.Error(ctx, "release driver failed", err)
			}
		}

		if err := s.repo.InsertEvent(ctx, t.ID, "STATUS_"+string(to), nil); err != nil {
			s.l.Error(ctx, "insert trip event failed", err)
		}

		s.notifier.NotifyStatusChanged(ctx, t)
		s.l.Info(ctx, "trip status advanced", "status", to)

		result = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// Get returns the trip by id without taking the lock.
func (s *Service) Get(ctx context.Context, tripID uuid.UUID) (*models.Trip, error) {
	return s.repo.Get(ctx, tripID)
}

func (s *Service) withTripLock(ctx context.Context, tripID uuid.UUID, failureMessage string, fn func(ctx context.Context) error) error {
	return s.locker.WithLock(ctx, types.TripLockKey(tripID), failureMessage,
		s.cfg.LockTTL, s.cfg.LockMaxRetries, fn)
}
