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

type TripService interface {
	Create(ctx context.Context, customerID uuid.UUID, pickup, destination models.Location) (*models.Trip, error)
	RequestDriver(ctx context.Context, customerID, tripID uuid.UUID) (*models.Trip, error)
	CancelByCustomer(ctx context.Context, customerID, tripID uuid.UUID, reason string) (*models.Trip, error)
	Get(ctx context.Context, tripID uuid.UUID) (*models.Trip, error)
}

type Trip struct {
	service TripService
	l       logger.Logger
}

func NewTrip(service TripService, l logger.Logger) *Trip {
	return &Trip{
		service: service,
		l:       l,
	}
}

func (h *Trip) Create(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "create_trip")

	user := models.UserFromContext(ctx)
	if user == nil {
		errorResponse(w, http.StatusUnauthorized, "authorization required")
		return
	}

	var req dto.CreateTripRequest
	if err := readJSON(w, r, &req); err != nil {
		h.l.Warn(ctx, "failed to read request body", "err", err.Error())
		badRequestResponse(w, err.Error())
		return
	}
	if errs := req.Validate(); errs != nil {
		failedValidationResponse(w, errs)
		return
	}

	trip, err := h.service.Create(ctx, user.ID, req.Pickup.ToModel(), req.Destination.ToModel())
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to create trip", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusCreated, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Trip) RequestDriver(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "request_driver")

	user := models.UserFromContext(ctx)
	tripID, err := uuid.Parse(r.PathValue("trip_id"))
	if err != nil {
		badRequestResponse(w, "invalid trip id")
		return
	}

	trip, err := h.service.RequestDriver(ctx, user.ID, tripID)
	if err != nil {
		if IsOneOf(err, types.ErrNoDriversFound) {
			// The trip stays requestable; tell the customer nobody is around.
			errorResponse(w, http.StatusNotFound, "no drivers available nearby")
			return
		}
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to request driver", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusAccepted, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Trip) Cancel(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "cancel_trip")

	user := models.UserFromContext(ctx)
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

	trip, err := h.service.CancelByCustomer(ctx, user.ID, tripID, req.Reason)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to cancel trip", err)
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func (h *Trip) Get(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "get_trip")

	user := models.UserFromContext(ctx)
	tripID, err := uuid.Parse(r.PathValue("trip_id"))
	if err != nil {
		badRequestResponse(w, "invalid trip id")
		return
	}

	trip, err := h.service.Get(ctx, tripID)
	if err != nil {
		errorResponse(w, GetCode(err), err.Error())
		return
	}

	// Visible to its customer, its assigned driver, and admins only.
	if !canSeeTrip(user, trip) {
		errorResponse(w, http.StatusNotFound, types.ErrTripNotFound.Error())
		return
	}

	if err := writeJSON(w, http.StatusOK, envelope{"trip": dto.ToTripResponse(trip)}, nil); err != nil {
		internalErrorResponse(w, err.Error())
	}
}

func canSeeTrip(user *models.User, trip *models.Trip) bool {
	if user == nil {
		return false
	}
	switch user.Role {
	case types.RoleAdmin:
		return true
	case types.RoleCustomer:
		return trip.CustomerID == user.ID
	case types.RoleDriver:
		return trip.AssignedDriverID != nil && *trip.AssignedDriverID == user.ID
	}
	return false
}
