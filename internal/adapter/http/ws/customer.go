package wshandler

import (
	"context"
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

// CustomerEndpoint is a push-only socket. Customers receive trip status
// updates over it; inbound messages are ignored.
type CustomerEndpoint struct {
	hub         *ws.ConnectionHub
	serviceName string
	l           logger.Logger

	upgrader websocket.Upgrader
}

func NewCustomerEndpoint(hub *ws.ConnectionHub, serviceName string, l logger.Logger) *CustomerEndpoint {
	return &CustomerEndpoint{
		hub:         hub,
		serviceName: serviceName,
		l:           l,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *CustomerEndpoint) HandleWS(w http.ResponseWriter, r *http.Request) {
	ctx := wrap.WithAction(r.Context(), "customer_ws")

	customerID, err := uuid.Parse(r.PathValue("customer_id"))
	if err != nil {
		http.Error(w, "invalid customer id", http.StatusBadRequest)
		return
	}
	user := models.UserFromContext(ctx)
	if user == nil || user.IsAnonymous() || (user.Role == types.RoleCustomer && user.ID != customerID) {
		http.Error(w, "authorization required", http.StatusUnauthorized)
		return
	}

	raw, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "websocket upgrade failed", err)
		return
	}

	conn := ws.NewConn(context.WithoutCancel(ctx), customerID, raw)
	if err := h.hub.Add(conn); err != nil {
		h.l.Error(wrap.ErrorCtx(ctx, err), "failed to register customer connection", err)
		conn.Close()
		return
	}
	metrics.WebSocketConnectionsGauge.WithLabelValues(h.serviceName).Inc()
	h.l.Info(ctx, "customer connected", "customer_id", customerID)

	defer func() {
		h.hub.Delete(customerID)
		metrics.WebSocketConnectionsGauge.WithLabelValues(h.serviceName).Dec()
		h.l.Info(ctx, "customer disconnected", "customer_id", customerID)
	}()

	if err := conn.Listen(func(msg map[string]any) error {
		// Push-only channel, nothing to read.
		return nil
	}); err != nil {
		h.l.Debug(ctx, "customer socket closed", "reason", err.Error())
	}
}
