package trip

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

type TripRepo interface {
	Create(ctx context.Context, trip *models.Trip) (*models.Trip, error)
	Get(ctx context.Context, tripID uuid.UUID) (*models.Trip, error)
	Update(ctx context.Context, tripID uuid.UUID, patch models.TripPatch) error
	HasActiveTrip(ctx context.Context, customerID, excludeTripID uuid.UUID) (bool, error)
	CountByDate(ctx context.Context, date time.Time) (int, error)
	InsertEvent(ctx context.Context, tripID uuid.UUID, eventType string, eventData any) error
}

// Dispatcher is the offer cascade engine. All methods expect the trip
// lock to be held by the caller.
type Dispatcher interface {
	Dispatch(ctx context.Context, t *models.Trip) error
	HandleDriverAccept(ctx context.Context, t *models.Trip, driverID uuid.UUID) error
	HandleDriverDecline(ctx context.Context, t *models.Trip, driverID uuid.UUID) error
	CancelDispatch(ctx context.Context, t *models.Trip)
}

type AvailabilityOracle interface {
	SetAvailability(ctx context.Context, driverID uuid.UUID, availability types.DriverAvailability) error
}

type Notifier interface {
	NotifyStatusChanged(ctx context.Context, trip *models.Trip)
}

type Locker interface {
	WithLock(ctx context.Context, key, failureMessage string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error
}
