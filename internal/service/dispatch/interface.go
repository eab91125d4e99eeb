package dispatch

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

type TripRepo interface {
	Get(ctx context.Context, tripID uuid.UUID) (*models.Trip, error)
	Update(ctx context.Context, tripID uuid.UUID, patch models.TripPatch) error
	AppendRejectedDriver(ctx context.Context, tripID, driverID uuid.UUID) error
	FindTimedOut(ctx context.Context, cutoff time.Time, limit int) ([]*models.Trip, error)
	InsertEvent(ctx context.Context, tripID uuid.UUID, eventType string, eventData any) error
}

type OfferQueue interface {
	Enqueue(ctx context.Context, driverID uuid.UUID, item models.OfferQueueItem) error
	PopNext(ctx context.Context, driverID uuid.UUID) (*models.OfferQueueItem, error)
	RemoveSpecific(ctx context.Context, driverID, tripID uuid.UUID) (bool, error)
	RemoveAllForDriver(ctx context.Context, driverID uuid.UUID) (int64, error)
	RemoveFromAllDrivers(ctx context.Context, tripID uuid.UUID) (models.RemovedFromAll, error)
	DriversQueuedForTrip(ctx context.Context, tripID uuid.UUID) ([]uuid.UUID, error)
	SetActiveOffer(ctx context.Context, driverID, tripID uuid.UUID, ttl time.Duration) (bool, error)
	GetActiveOffer(ctx context.Context, driverID uuid.UUID) (uuid.UUID, error)
	ClearActiveOffer(ctx context.Context, driverID uuid.UUID) error
	ClearActiveOfferIf(ctx context.Context, driverID, tripID uuid.UUID) (bool, error)
}

type CandidateSearch interface {
	FindNearby(ctx context.Context, pickup models.Location, radiusKm float64) ([]uuid.UUID, error)
}

type AvailabilityOracle interface {
	Availability(ctx context.Context, driverID uuid.UUID) (types.DriverAvailability, error)
	SetAvailability(ctx context.Context, driverID uuid.UUID, availability types.DriverAvailability) error
}

type Notifier interface {
	NotifyOffer(ctx context.Context, driverID uuid.UUID, offer models.OfferPush) error
	NotifyTripTaken(ctx context.Context, driverIDs []uuid.UUID, tripID uuid.UUID)
	NotifyDriverNotFound(ctx context.Context, customerID, tripID uuid.UUID)
	NotifyStatusChanged(ctx context.Context, trip *models.Trip)
}

type JobScheduler interface {
	Schedule(ctx context.Context, name, correlation string, payload []byte, delay time.Duration) error
	CancelByCorrelation(ctx context.Context, name, correlationPrefix string) (int64, error)
}

type Locker interface {
	WithLock(ctx context.Context, key, failureMessage string, ttl time.Duration, maxRetries int, fn func(ctx context.Context) error) error
}
