package wshandler

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/metrics"
	ws "github.com/Temutjin2k/trip-dispatch-system/pkg/wsHub"
)

// OfferResponder is the driver-side slice of the trip lifecycle used by
// the socket message loop.
type OfferResponder interface {
	AcceptOffer(ctx context.Context, driverID, tripID uuid.UUID) (*models.Trip, error)
	DeclineOffer(ctx context.Context, driverID, tripID uuid.UUID) error
}

// Reactivator nudges a reconnected driver's queue so an offer parked by
// a dead connection surfaces again.
type Reactivator interface {
	ActivateNextOffer(ctx context.Context, driverID uuid.UUID) error
}

type DriverEndpoint struct {
	hub         *ws.ConnectionHub
	offers      OfferResponder
	reactivator Reactivator
	serviceName string
	l           logger.Logger

	upgrader websocket.Upgrader
}

func NewDriverEndpoint(hub *ws.ConnectionHub, offers OfferResponder, reactivator Reactivator, serviceName string, l logger.Logger) *DriverEndpoint {
	return &DriverEndpoint{
		hub:         hub,
		offers:      offers,
		reactivator: reactivator,
		serviceName: serviceName,
		l:           l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

// HandleWS upgrades the driver socket and runs the message loop until
// the connection dies. Offer responses arrive here as JSON messages.
func (h *DriverEndpoint) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "driver_ws")

	driverID, err := uuid.Parse(r.PathValue("driver_id"))
	if err != nil {
		http.Error(w, "invalid driver id", http.StatusBadRequest)
		return
	}
	user := models.UserFromContext(ctx)
	if user == nil || user.IsAnonymous() || (user.Role == types.RoleDriver && user.ID != driverID) {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}

	ctx = wrap.WithDriverID(ctx, driverID.String())

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "websocket upgrade failed", err)
		return
	}

	conn := ws.NewConn(context.WithoutCancel(ctx), driverID, raw)
	if err := h.hub.Add(conn); err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to register driver connection", err)
		conn.Close()
		return
	}
	metrics.WebSocketConnectionsGauge.WithLabelValues(h.serviceName).Inc()
	h.l.Info(ctx, "driver connected")

	defer func() {
		h.hub.Delete(driverID)
		metrics.WebSocketConnectionsGauge.WithLabelValues(h.serviceName).Dec()
		h.l.Info(ctx, "driver disconnected")
	}()

	// An offer may be sitting in the queue from before the reconnect.
	if err := h.reactivator.ActivateNextOffer(ctx, driverID); err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "offer reactivation on connect failed", err)
	}

	if err := conn.Listen(func(msg map[string]any) error {
		h.handleMessage(ctx, conn, driverID, msg)
		return nil
	}); err != nil {
		h.l.Debug(ctx, "driver socket closed", "reason", err.Error())
	}
}

func (h *DriverEndpoint) handleMessage(ctx context.Context, conn *ws.Conn, driverID uuid.UUID, msg map[string]any) {
	msgType, _ := msg["type"].(string)

	switch msgType {
	case "accept_offer", "decline_offer":
	default:
		sendError(conn, "unknown message type")
		return
	}

	rawTripID, _ := msg["trip_id"].(string)
	tripID, err := uuid.Parse(rawTripID)
	if err != nil {
		sendError(conn, "invalid trip_id")
		return
	}
	ctx = wrap.WithTripID(ctx, tripID.String())

	switch msgType {
	case "accept_offer":
		trip, err := h.offers.AcceptOffer(ctx, driverID, tripID)
		if err != nil {
			h.respondFailure(ctx, conn, tripID, msgType, err)
			return
		}
		sendAck(conn, msgType, tripID, string(trip.Status))

	case "decline_offer":
		if err := h.offers.DeclineOffer(ctx, driverID, tripID); err != nil {
			h.respondFailure(ctx, conn, tripID, msgType, err)
			return
		}
		sendAck(conn, msgType, tripID, "declined")
	}
}

func (h *DriverEndpoint) respondFailure(ctx context.Context, conn *ws.Conn, tripID uuid.UUID, msgType string, err error) {
	if errors.Is(err, types.ErrStaleOfferResponse) {
		// The offer resolved some other way first; tell the driver it is gone.
		sendAck(conn, msgType, tripID, "offer_gone")
		return
	}

	h.l.Error(wrap.ErrorCtx(ctx, err), "offer response failed", err, "message_type", msgType)
	sendError(conn, err.Error())
}
