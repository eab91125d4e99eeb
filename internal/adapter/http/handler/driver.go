package handler

import (
	"context"
	"net/http"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/adapter/http/handler/dto"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
)

type DriverService interface {
	GoOnline(ctx context.Context, driverID uuid.UUID, loc models.Location) error
	GoOffline(ctx context.Context, driverID uuid.UUID) error
	UpdateLocation(ctx context.Context, driverID uuid.UUID, loc models.Location) error
	Availability(ctx context.Context, driverID uuid.UUID) (types.DriverAvailability, error)
}

// OfferService is the driver-facing slice of the trip lifecycle.
type OfferService interface {
	AcceptOffer(ctx context.Context, driverID, tripID uuid.UUID) (*models.Trip, error)
	DeclineOffer(ctx context.Context, driverID, tripID uuid.UUID) error
	CancelByDriver(ctx context.Context, driverID, tripID uuid.UUID, reason string) (*models.Trip, error)
	AdvanceStatus(ctx context.Context, driverID, tripID uuid.UUID, to types.TripStatus) (*models.Trip, error)
}

type Driver struct {
	drivers DriverService
	offers  OfferService
	l       logger.Logger
}

func NewDriver(drivers DriverService, offers OfferService, l logger.Logger) *Driver {
	return &Driver{
		drivers: drivers,
		offers:  offers,
		l:       l,
	}
}

// driverFromRequest enforces that the authenticated driver matches the
// path. Admins may act on any driver.
func driverFromRequest(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	driverID, err := uuid.Parse(r.PathValue("driver_id"))
	if err != nil {
		badRequestResponse(w, "invalid driver id")
		return uuid.Nil, false
	}

	user := models.UserFromContext(r.Context())
	if user == nil {
		errorResponse(w, http.StatusUnauthorized, "authorization required")
		return uuid.Nil, false
	}
	if user.Role != types.RoleAdmin && user.ID != driverID {
		errorResponse(w, http.StatusForbidden, "cannot act on another driver")
		return uuid.Nil, false
	}

	return driverID, true
}

func (h *Driver) GoOnline(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "driver_go_online")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}

	var req dto.DriverOnlineRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequestResponse(w, err.Error())
		return
	}
	if errs := req.Validate(); errs != nil {
		failedValidationResponse(w, errs)
		return
	}

	if err := h.drivers.GoOnline(ctx, driverID, req.Location.ToModel()); err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to set driver online", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"status": string(types.DriverAvailable)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Driver) GoOffline(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "driver_go_offline")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}

	if err := h.drivers.GoOffline(ctx, driverID); err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to set driver offline", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"status": string(types.DriverOffline)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Driver) UpdateLocation(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "driver_update_location")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}

	var req dto.UpdateLocationRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequestResponse(w, err.Error())
		return
	}
	if errs := req.Validate(); errs != nil {
		failedValidationResponse(w, errs)
		return
	}

	loc := models.Location{Latitude: req.Latitude, Longitude: req.Longitude}
	if err := h.drivers.UpdateLocation(ctx, driverID, loc); err != nil {
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Driver) AcceptOffer(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "accept_offer")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}
	tripID, err := uuid.Parse(r.PathValue("trip_id"))
	if err != nil {
		badRequestResponse(w, "invalid trip id")
		return
	}

	trip, err := h.offers.AcceptOffer(ctx, driverID, tripID)
	if err != nil {
		if IsOneOf(err, types.ErrStaleOfferResponse) {
			// Raced behind another resolution; not a failure.
			errorResponse(w, http.StatusConflict, "offer is no longer available")
			return
		}
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to accept offer", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Driver) DeclineOffer(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "decline_offer")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}
	tripID, err := uuid.Parse(r.PathValue("trip_id"))
	if err != nil {
		badRequestResponse(w, "invalid trip id")
		return
	}

	if err := h.offers.DeclineOffer(ctx, driverID, tripID); err != nil {
		if IsOneOf(err, types.ErrStaleOfferResponse) {
			errorResponse(w, http.StatusConflict, "offer is no longer available")
			return
		}
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to decline offer", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Driver) CancelTrip(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "cancel_by_driver")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}
	tripID, err := uuid.Parse(r.PathValue("trip_id"))
	if err != nil {
		badRequestResponse(w, "invalid trip id")
		return
	}

	var req dto.CancelTripRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequestResponse(w, err.Error())
		return
	}
	if errs := req.Validate(); errs != nil {
		failedValidationResponse(w, errs)
		return
	}

	trip, err := h.offers.CancelByDriver(ctx, driverID, tripID, req.Reason)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to cancel trip", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Driver) AdvanceStatus(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "advance_trip_status")

	driverID, ok := driverFromRequest(w, r)
	if !ok {
		return
	}
	tripID, err := uuid.Parse(r.PathValue("trip_id"))
	if err != nil {
		badRequestResponse(w, "invalid trip id")
		return
	}

	var req dto.AdvanceStatusRequest
	if err := readJSON(w, r, &req); err != nil {
		badRequestResponse(w, err.Error())
		return
	}
	if errs := req.Validate(); errs != nil {
		failedValidationResponse(w, errs)
		return
	}

	trip, err := h.offers.AdvanceStatus(ctx, driverID, tripID, req.ToStatus())
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to advance trip status", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}
