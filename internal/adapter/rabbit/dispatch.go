package rabbit

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"

	"github.com/Temutjin2k/trip-dispatch-system/internal/domain/models"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/logger"
	wrap "github.com/Temutjin2k/trip-dispatch-system/pkg/logger/wrapper"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/metrics"
	"github.com/Temutjin2k/trip-dispatch-system/pkg/rabbit"
)

const (
	TripExchange = "trip_topic"

	QueueTripStatus = "trip_status"
	QueueTripOffers = "trip_offers"
)

// DispatchBroker publishes trip lifecycle events for downstream
// consumers (analytics, billing, push gateways).
type DispatchBroker struct {
	client      *rabbit.RabbitMQ
	exchange    string
	serviceName string

	l logger.Logger
}

func NewDispatchBroker(client *rabbit.RabbitMQ, serviceName string, log logger.Logger) *DispatchBroker {
	return &DispatchBroker{
		client:      client,
		exchange:    TripExchange,
		serviceName: serviceName,

		l: log,
	}
}

// Setup declares the exchange and the durable queues downstream
// consumers read from. Safe to call from every process.
func (b *DispatchBroker) Setup(ctx context.Context) error {
	ctx = wrap.WithAction(ctx, "rabbitmq_setup")

	if err := b.client.EnsureConnection(ctx); err != nil {
		return wrap.Error(ctx, err)
	}

	if err := b.client.Channel.ExchangeDeclare(b.exchange, "topic", true, false, false, false, nil); err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to declare exchange: %w", err))
	}

	for queue, bindingKey := range map[string]string{
		QueueTripStatus: "trip.status.*",
		QueueTripOffers: "trip.offer.*",
	} {
		q, err := b.client.Channel.QueueDeclare(queue, true, false, false, false, nil)
		if err != nil {
			return wrap.Error(ctx, fmt.Errorf("failed to declare queue %s: %w", queue, err))
		}
		if err := b.client.Channel.QueueBind(q.Name, bindingKey, b.exchange, false, nil); err != nil {
			return wrap.Error(ctx, fmt.Errorf("failed to bind queue %s: %w", queue, err))
		}
	}

	b.l.Info(ctx, "rabbitmq topology declared", "exchange", b.exchange)
	return nil
}

// PublishTripStatus publishes a status transition with routing key
// 'trip.status.{status}'.
func (b *DispatchBroker) PublishTripStatus(ctx context.Context, msg models.TripStatusMessage) error {
	ctx = wrap.WithAction(ctx, "rabbitmq_publish_trip_status")

	if err := b.client.EnsureConnection(ctx); err != nil {
		b.l.Error(ctx, "ensure connection failed", err)
		return wrap.Error(ctx, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to marshal message: %w", err))
	}

	key := fmt.Sprintf("trip.status.%s", msg.Status)

	err = retry(5, time.Second, func() error {
		return b.client.Channel.PublishWithContext(
			ctx,
			b.exchange,
			key,
			false, // mandatory
			false, // immediate
			amqp091.Publishing{
				ContentType:   "application/json",
				CorrelationId: msg.CorrelationID,
				Body:          body,
				Timestamp:     time.Now(),
			},
		)
	})
	metrics.RecordRabbitMQPublish(b.serviceName, b.exchange, err)
	if err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to publish trip status: %w", err))
	}

	return nil
}

// PublishOfferEvent publishes a dispatch fan-out event with routing key
// 'trip.offer.{event}'.
func (b *DispatchBroker) PublishOfferEvent(ctx context.Context, msg models.TripOfferMessage) error {
	ctx = wrap.WithAction(ctx, "rabbitmq_publish_offer_event")

	if err := b.client.EnsureConnection(ctx); err != nil {
		b.l.Error(ctx, "ensure connection failed", err)
		return wrap.Error(ctx, err)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to marshal message: %w", err))
	}

	key := fmt.Sprintf("trip.offer.%s", msg.Event)

	err = retry(5, time.Second, func() error {
		return b.client.Channel.PublishWithContext(
			ctx,
			b.exchange,
			key,
			false, // mandatory
			false, // immediate
			amqp091.Publishing{
				ContentType:   "application/json",
				CorrelationId: msg.CorrelationID,
				Body:          body,
				Timestamp:     time.Now(),
			},
		)
	})
	metrics.RecordRabbitMQPublish(b.serviceName, b.exchange, err)
	if err != nil {
		return wrap.Error(ctx, fmt.Errorf("failed to publish offer event: %w", err))
	}

	return nil
}

func retry(n int, sleep time.Duration, fn func() error) error {
	var err error
	for range n {
		if err = fn(); err == nil {
			return nil
		}
		time.Sleep(sleep)
	}
	return err
}
