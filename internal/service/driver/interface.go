package driver

import (
	"context"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

type DriverRepo interface {
	IsDriverExist(ctx context.Context, driverID uuid.UUID) (bool, error)
	Availability(ctx context.Context, driverID uuid.UUID) (types.DriverAvailability, error)
	SetAvailability(ctx context.Context, driverID uuid.UUID, availability types.DriverAvailability) error
	SetAvailabilityIf(ctx context.Context, driverID uuid.UUID, expected, next types.DriverAvailability) (bool, error)
}

// LocationIndex is the geospatial index the dispatcher searches.
type LocationIndex interface {
	UpsertDriver(ctx context.Context, driverID uuid.UUID, loc models.Location) error
	RemoveDriver(ctx context.Context, driverID uuid.UUID) error
}

// OfferQueue exposes the cleanup side of the per-driver queue.
type OfferQueue interface {
	RemoveAllForDriver(ctx context.Context, driverID uuid.UUID) (int64, error)
}
