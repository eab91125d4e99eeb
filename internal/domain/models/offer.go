package models

import (
	"time"

	"github.com/google/uuid"
)

// OfferQueueItem is one pending trip offer in a driver's queue. An item is
// owned by exactly one driver queue at a time.
type OfferQueueItem struct {
	TripID           uuid.UUID `json:"trip_id"`
	Priority         int       `json:"priority"`
	EnqueuedAt       time.Time `json:"enqueued_at"`
	CustomerLocation Location  `json:"customer_location"`
}

// ActiveOffer is the single trip currently offered to a driver.
type ActiveOffer struct {
	TripID      uuid.UUID
	ActivatedAt time.Time
	ExpiresAt   time.Time
}

// ActivationResult is the per-driver outcome of a dispatch fan-out.
type ActivationResult struct {
	DriverID  uuid.UUID `json:"driver_id"`
	Activated bool      `json:"activated"`
	Reason    string    `json:"reason,omitempty"`
}

// QueueStats is the operational dump for the admin surface.
type QueueStats struct {
	DriverID   uuid.UUID  `json:"driver_id"`
	QueueDepth int64      `json:"queue_depth"`
	ActiveTrip *uuid.UUID `json:"active_trip,omitempty"`
}

// RemovedFromAll reports the fan-out cleanup result for one trip.
type RemovedFromAll struct {
	Count           int64
	AffectedDrivers []uuid.UUID
}
