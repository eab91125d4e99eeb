package dto

import (
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
)

type DriverOnlineRequest struct {
	Location LocationRequest `json:"location"`
}

func (r DriverOnlineRequest) Validate() map[string]string {
	errs := make(map[string]string)
	r.Location.Validate(errs, "location")
	if len(errs) == 0 {
		return nil
	}
	return errs
}

type UpdateLocationRequest struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

func (r UpdateLocationRequest) Validate() map[string]string {
	errs := make(map[string]string)
	LocationRequest{Latitude: r.Latitude, Longitude: r.Longitude}.Validate(errs, "location")
	if len(errs) == 0 {
		return nil
	}
	return errs
}

// advanceableStatuses are the post-match statuses a driver may move the
// trip into over the REST surface.
var advanceableStatuses = map[types.TripStatus]struct{}{
	types.StatusDriverOnWay:     {},
	types.StatusArrivedAtPickup: {},
	types.StatusTripInProgress:  {},
	types.StatusPayment:         {},
	types.StatusPaymentRetry:    {},
	types.StatusCompleted:       {},
}

type AdvanceStatusRequest struct {
	Status string `json:"status"`
}

func (r AdvanceStatusRequest) Validate() map[string]string {
	if _, ok := advanceableStatuses[types.TripStatus(r.Status)]; !ok {
		return map[string]string{"status": "must be a post-match trip status"}
	}
	return nil
}

func (r AdvanceStatusRequest) ToStatus() types.TripStatus {
	return types.TripStatus(r.Status)
}
