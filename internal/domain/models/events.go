package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

/* ======================= rabbitmq ======================= */

type TripStatusMessage struct {
	TripID        uuid.UUID        `json:"trip_id"`
	TripNumber    string           `json:"trip_number"`
	Status        types.TripStatus `json:"status"`
	DriverID      *uuid.UUID       `json:"driver_id,omitempty"`
	CustomerID    uuid.UUID        `json:"customer_id"`
	Timestamp     time.Time        `json:"timestamp"`
	CorrelationID string           `json:"correlation_id"`
}

type TripOfferMessage struct {
	TripID        uuid.UUID   `json:"trip_id"`
	DriverIDs     []uuid.UUID `json:"driver_ids"`
	Event         string      `json:"event"`
	Timestamp     time.Time   `json:"timestamp"`
	CorrelationID string      `json:"correlation_id"`
}

/* ======================= websocket ======================= */

type OfferPush struct {
	MsgType       string    `json:"type"` // "trip_offer"
	TripID        uuid.UUID `json:"trip_id"`
	TripNumber    string    `json:"trip_number"`
	Pickup        Location  `json:"pickup_location"`
	Destination   Location  `json:"destination_location"`
	EstimatedFare float64   `json:"estimated_fare"`
	ExpiresAt     time.Time `json:"expires_at"`
}

type TripTakenPush struct {
	MsgType string    `json:"type"` // "trip_taken"
	TripID  uuid.UUID `json:"trip_id"`
}

type DriverNotFoundPush struct {
	MsgType string    `json:"type"` // "driver_not_found"
	TripID  uuid.UUID `json:"trip_id"`
}

type StatusChangedPush struct {
	MsgType string           `json:"type"` // "status_changed"
	TripID  uuid.UUID        `json:"trip_id"`
	Status  types.TripStatus `json:"status"`
}

/* ======================= delayed jobs ======================= */

const (
	JobOfferTimeout  = "offer_timeout"
	JobGlobalTimeout = "global_timeout"
)

// DelayedJob is one claimed timeout job popped from the delayed job
// store.
type DelayedJob struct {
	Name        string
	Correlation string
	Payload     []byte
}

type OfferTimeoutPayload struct {
	TripID   uuid.UUID `json:"trip_id"`
	DriverID uuid.UUID `json:"driver_id"`
}

type GlobalTimeoutPayload struct {
	TripID    uuid.UUID   `json:"trip_id"`
	DriverIDs []uuid.UUID `json:"driver_ids"`
}
