package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

type Trip struct {
	ID         uuid.UUID
	TripNumber string
	Status     types.TripStatus
	CustomerID uuid.UUID

	// Nil until the trip reaches APPROVED.
	AssignedDriverID *uuid.UUID

	// Candidates the current dispatch round was fanned out to, in offer order,
	// and the subset that declined or timed out. Rejected is always a subset
	// of Called.
	CalledDriverIDs   []uuid.UUID
	RejectedDriverIDs []uuid.UUID

	CallStartTime  *time.Time
	CallRetryCount int

	Pickup      Location
	Destination Location

	// Opaque to dispatch.
	EstimatedFare float64
	FinalFare     *float64

	CancellationReason *string

	CreatedAt   time.Time
	MatchedAt   *time.Time
	CompletedAt *time.Time
	CancelledAt *time.Time
}

// WasCalled reports whether driverID belongs to the current dispatch round.
func (t *Trip) WasCalled(driverID uuid.UUID) bool {
	for _, id := range t.CalledDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// HasRejected reports whether driverID already declined or timed out.
func (t *Trip) HasRejected(driverID uuid.UUID) bool {
	for _, id := range t.RejectedDriverIDs {
		if id == driverID {
			return true
		}
	}
	return false
}

// AllRejected reports whether every called driver has rejected the trip.
// False for an empty call list.
func (t *Trip) AllRejected() bool {
	if len(t.CalledDriverIDs) == 0 {
		return false
	}
	for _, id := range t.CalledDriverIDs {
		if !t.HasRejected(id) {
			return false
		}
	}
	return true
}

// TripPatch is a partial update applied by the repository. Nil fields are
// left untouched.
type TripPatch struct {
	Status             *types.TripStatus
	AssignedDriverID   *uuid.UUID
	CalledDriverIDs    *[]uuid.UUID
	RejectedDriverIDs  *[]uuid.UUID
	CallStartTime      *time.Time
	CallRetryCount     *int
	CancellationReason *string
	MatchedAt          *time.Time
	CompletedAt        *time.Time
	CancelledAt        *time.Time
}
