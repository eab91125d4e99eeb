package dto

import (
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
)

type LocationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address,omitempty"`
}

func (l LocationRequest) Validate(errs map[string]string, field string) {
	if l.Latitude < -90 || l.Latitude > 90 {
		errs[field+".latitude"] = "must be between -90 and 90"
	}
	if l.Longitude < -180 || l.Longitude > 180 {
		errs[field+".longitude"] = "must be between -180 and 180"
	}
}

func (l LocationRequest) ToModel() models.Location {
	return models.Location{
		Latitude:  l.Latitude,
		Longitude: l.Longitude,
		Address:   l.Address,
	}
}

type CreateTripRequest struct {
	Pickup      LocationRequest `json:"pickup_location"`
	Destination LocationRequest `json:"destination_location"`
}

func (r CreateTripRequest) Validate() map[string]string {
	errs := make(map[string]string)
	r.Pickup.Validate(errs, "pickup_location")
	r.Destination.Validate(errs, "destination_location")
	if r.Pickup.Latitude == r.Destination.Latitude && r.Pickup.Longitude == r.Destination.Longitude {
		errs["destination_location"] = "must differ from pickup location"
	}
	if len(errs) == 0 {
		return nil
	}
	return errs
}

type CancelTripRequest struct {
	Reason string `json:"reason"`
}

func (r CancelTripRequest) Validate() map[string]string {
	if r.Reason == "" {
		return map[string]string{"reason": "must be provided"}
	}
	return nil
}

type TripResponse struct {
	ID               uuid.UUID  `json:"id"`
	TripNumber       string     `json:"trip_number"`
	Status           string     `json:"status"`
	CustomerID       uuid.UUID  `json:"customer_id"`
	AssignedDriverID *uuid.UUID `json:"assigned_driver_id,omitempty"`

	Pickup      models.Location `json:"pickup_location"`
	Destination models.Location `json:"destination_location"`

	EstimatedFare float64  `json:"estimated_fare"`
	FinalFare     *float64 `json:"final_fare,omitempty"`

	CancellationReason *string `json:"cancellation_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	MatchedAt   *time.Time `json:"matched_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

func ToTripResponse(t *models.Trip) TripResponse {
	return TripResponse{
		ID:                 t.ID,
		TripNumber:         t.TripNumber,
		Status:             t.Status.String(),
		CustomerID:         t.CustomerID,
		AssignedDriverID:   t.AssignedDriverID,
		Pickup:             t.Pickup,
		Destination:        t.Destination,
		EstimatedFare:      t.EstimatedFare,
		FinalFare:          t.FinalFare,
		CancellationReason: t.CancellationReason,
		CreatedAt:          t.CreatedAt,
		MatchedAt:          t.MatchedAt,
		CompletedAt:        t.CompletedAt,
		CancelledAt:        t.CancelledAt,
	}
}
