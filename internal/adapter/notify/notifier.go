package notify

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/types"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	ws "github.com/Temutjin2k/trip-dispatch-system/pkg/wsHub"
)

// Broker is the rabbit side of the fan-out.
type Broker interface {
	PublishTripStatus(ctx context.Context, msg models.TripStatusMessage) error
	PublishOfferEvent(ctx context.Context, msg models.TripOfferMessage) error
}

// Notifier delivers dispatch events to drivers and customers over
// websocket and mirrors them to rabbit. Delivery is best effort: a
// disconnected client or a broker hiccup never fails the state change
// that triggered the notification.
type Notifier struct {
	drivers   *ws.ConnectionHub
	customers *ws.ConnectionHub
	broker    Broker

	l logger.Logger
}

func New(drivers, customers *ws.ConnectionHub, broker Broker, log logger.Logger) *Notifier {
	return &Notifier{
		drivers:   drivers,
		customers: customers,
		broker:    broker,

		l: log,
	}
}

// NotifyOffer pushes the active offer to the driver. The returned error
// reports an unreachable driver so the caller can skip to the next
// queued offer; it is the one notification that is not fire and forget.
func (n *Notifier) NotifyOffer(ctx context.Context, driverID uuid.UUID, offer models.OfferPush) error {
	ctx = wrap.WithDriverID(wrap.WithTripID(ctx, offer.TripID.String()), driverID.String())

	offer.MsgType = string(types.EventOffer)
	if err := n.drivers.SendTo(driverID, offer); err != nil {
		if errors.Is(err, ws.ErrConnIsNotFound) {
			return types.ErrDriverNotFound
		}
		return err
	}
	return nil
}

// NotifyTripTaken tells every still-queued driver that the trip is gone.
func (n *Notifier) NotifyTripTaken(ctx context.Context, driverIDs []uuid.UUID, tripID uuid.UUID) {
	ctx = wrap.WithTripID(ctx, tripID.String())

	for _, driverID := range driverIDs {
		msg := models.TripTakenPush{MsgType: string(types.EventTripTaken), TripID: tripID}
		if err := n.drivers.SendTo(driverID, msg); err != nil && !errors.Is(err, ws.ErrConnIsNotFound) {
			n.l.Warn(ctx, "trip taken push failed", "driver_id", driverID, "err", err.Error())
		}
	}

	n.publishOfferEvent(ctx, models.TripOfferMessage{
		TripID:        tripID,
		DriverIDs:     driverIDs,
		Event:         string(types.EventTripTaken),
		Timestamp:     time.Now(),
		CorrelationID: wrap.GetRequestID(ctx),
	})
}

// NotifyDriverNotFound tells the customer that dispatch exhausted all
// candidates.
func (n *Notifier) NotifyDriverNotFound(ctx context.Context, customerID, tripID uuid.UUID) {
	ctx = wrap.WithTripID(ctx, tripID.String())

	msg := models.DriverNotFoundPush{MsgType: string(types.EventDriverNotFound), TripID: tripID}
	if err := n.customers.SendTo(customerID, msg); err != nil && !errors.Is(err, ws.ErrConnIsNotFound) {
		n.l.Warn(ctx, "driver not found push failed", "customer_id", customerID, "err", err.Error())
	}
}

// NotifyStatusChanged pushes a lifecycle transition to both parties and
// publishes it for downstream consumers.
func (n *Notifier) NotifyStatusChanged(ctx context.Context, trip *models.Trip) {
	ctx = wrap.WithTripID(ctx, trip.ID.String())

	push := models.StatusChangedPush{
		MsgType: string(types.EventStatusChanged),
		TripID:  trip.ID,
		Status:  trip.Status,
	}

	if err := n.customers.SendTo(trip.CustomerID, push); err != nil && !errors.Is(err, ws.ErrConnIsNotFound) {
		n.l.Warn(ctx, "status push to customer failed", "customer_id", trip.CustomerID, "err", err.Error())
	}

	if trip.AssignedDriverID != nil {
		if err := n.drivers.SendTo(*trip.AssignedDriverID, push); err != nil && !errors.Is(err, ws.ErrConnIsNotFound) {
			n.l.Warn(ctx, "status push to driver failed", "driver_id", *trip.AssignedDriverID, "err", err.Error())
		}
	}

	n.publishStatus(ctx, models.TripStatusMessage{
		TripID:        trip.ID,
		TripNumber:    trip.TripNumber,
		Status:        trip.Status,
		DriverID:      trip.AssignedDriverID,
		CustomerID:    trip.CustomerID,
		Timestamp:     time.Now(),
		CorrelationID: wrap.GetRequestID(ctx),
	})
}

func (n *Notifier) publishStatus(ctx context.Context, msg models.TripStatusMessage) {
	if n.broker == nil {
		return
	}
	if err := n.broker.PublishTripStatus(ctx, msg); err != nil {
		n.l.Warn(ctx, "trip status publish failed", "err", err.Error())
	}
}

func (n *Notifier) publishOfferEvent(ctx context.Context, msg models.TripOfferMessage) {
	if n.broker == nil {
		return
	}
	if err := n.broker.PublishOfferEvent(ctx, msg); err != nil {
		n.l.Warn(ctx, "offer event publish failed", "err", err.Error())
	}
}
