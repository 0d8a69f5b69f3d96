package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/marketplace/services/settlement/internal/clients"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/payment"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// Routing keys consumed by settlement.
const (
	RoutingGatewayPayment   = "gateway.payment"
	RoutingPayoutCompleted  = "payout.completed"
	RoutingPayoutFailed     = "payout.failed"
	RoutingListingPublished = "listing.published"
	RoutingListingUpdated   = "listing.updated"
	RoutingUserSuspended    = "user.suspended"
	RoutingUserReinstated   = "user.reinstated"
)

const prefetchCount = 16

type GatewayReconciler interface {
	Reconcile(ctx context.Context, event payment.GatewayEvent) (payment.Result, error)
}

type PayoutProcessor interface {
	ConfirmPayout(ctx context.Context, withdrawalID string) (*db.WithdrawalRequest, bool, error)
	FailPayout(ctx context.Context, withdrawalID, reason string) (*db.WithdrawalRequest, bool, error)
}

// DirectorySync keeps the local listing and suspension copies current.
type DirectorySync interface {
	SyncListing(ctx context.Context, listing clients.Listing) error
	Suspend(ctx context.Context, suspension clients.Suspension) error
	Reinstate(ctx context.Context, userID string) error
}

type Consumer struct {
	conn        *amqp.Connection
	channel     *amqp.Channel
	serviceName string
	reconciler  GatewayReconciler
	payouts     PayoutProcessor
	directory   DirectorySync
	log         *zap.Logger
}

type PayoutEvent struct {
	WithdrawalID string `json:"withdrawal_id"`
	Reason       string `json:"reason,omitempty"`
}

type ReinstatementEvent struct {
	UserID string `json:"user_id"`
}

func NewConsumer(url, serviceName string, reconciler GatewayReconciler, payouts PayoutProcessor, directory DirectorySync, log *zap.Logger) (*Consumer, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	// Declare exchange
	if err := ch.ExchangeDeclare(
		exchangeName,
		exchangeType,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange: %w", err)
	}

	if err := ch.Qos(prefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("failed to set prefetch: %w", err)
	}

	log.Info("Consumer connected to RabbitMQ", zap.String("exchange", exchangeName))

	return &Consumer{
		conn:        conn,
		channel:     ch,
		serviceName: serviceName,
		reconciler:  reconciler,
		payouts:     payouts,
		directory:   directory,
		log:         log,
	}, nil
}

// Start consumes until ctx is cancelled or the channel closes.
func (c *Consumer) Start(ctx context.Context) error {
	// Declare queue for this service
	queueName := fmt.Sprintf("%s.settlement.queue", c.serviceName)

	queue, err := c.channel.QueueDeclare(
		queueName,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		return fmt.Errorf("failed to declare queue: %w", err)
	}

	routingKeys := []string{
		RoutingGatewayPayment,
		RoutingPayoutCompleted,
		RoutingPayoutFailed,
		RoutingListingPublished,
		RoutingListingUpdated,
		RoutingUserSuspended,
		RoutingUserReinstated,
	}

	for _, key := range routingKeys {
		if err := c.channel.QueueBind(
			queue.Name,
			key,
			exchangeName,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to bind queue to %s: %w", key, err)
		}
		c.log.Info("Listening for events", zap.String("routing_key", key))
	}

	// Start consuming
	msgs, err := c.channel.Consume(
		queue.Name,
		c.serviceName, // consumer tag
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // args
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-msgs:
			if !ok {
				return errors.New("delivery channel closed")
			}
			c.handleMessage(ctx, msg)
		}
	}
}

func (c *Consumer) handleMessage(ctx context.Context, msg amqp.Delivery) {
	c.log.Debug("Received event", zap.String("routing_key", msg.RoutingKey), zap.String("message_id", msg.MessageId))

	var event Event
	if err := json.Unmarshal(msg.Body, &event); err != nil {
		c.log.Warn("Failed to unmarshal event envelope", zap.String("routing_key", msg.RoutingKey), zap.Error(err))
		msg.Nack(false, false)
		return
	}

	if event.CorrelationID != "" {
		ctx = WithCorrelationID(ctx, event.CorrelationID)
	}

	var err error
	switch msg.RoutingKey {
	case RoutingGatewayPayment:
		err = c.handleGatewayPayment(ctx, event)
	case RoutingPayoutCompleted:
		err = c.handlePayout(ctx, event, true)
	case RoutingPayoutFailed:
		err = c.handlePayout(ctx, event, false)
	case RoutingListingPublished, RoutingListingUpdated:
		err = c.handleListing(ctx, event)
	case RoutingUserSuspended:
		err = c.handleSuspension(ctx, event)
	case RoutingUserReinstated:
		err = c.handleReinstatement(ctx, event)
	default:
		c.log.Warn("Unknown event type", zap.String("routing_key", msg.RoutingKey))
		msg.Nack(false, false) // Don't requeue unknown events
		return
	}

	c.settle(msg, event, err)
}

// settle acks handled and permanently bad messages and requeues only when the
// store was unreachable.
func (c *Consumer) settle(msg amqp.Delivery, event Event, err error) {
	switch {
	case err == nil:
		msg.Ack(false)
	case errors.Is(err, domain.ErrStorageUnavailable):
		c.log.Error("Storage unavailable, requeueing event",
			zap.String("event_id", event.EventID),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		msg.Nack(false, true)
	case errors.Is(err, domain.ErrInvalidTransition), errors.Is(err, domain.ErrReconciliationConflict):
		c.log.Warn("Event conflicts with current state, dropping",
			zap.String("event_id", event.EventID),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		msg.Ack(false)
	default:
		c.log.Warn("Rejecting event",
			zap.String("event_id", event.EventID),
			zap.String("routing_key", msg.RoutingKey),
			zap.Error(err),
		)
		msg.Nack(false, false)
	}
}

func (c *Consumer) handleGatewayPayment(ctx context.Context, event Event) error {
	var payload payment.GatewayEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("gateway payload: %w", domain.ErrValidation)
	}
	if payload.EventID == "" {
		payload.EventID = event.EventID
	}

	result, err := c.reconciler.Reconcile(ctx, payload)
	if err != nil {
		return err
	}
	c.log.Info("Gateway event reconciled",
		zap.String("event_id", payload.EventID),
		zap.String("gateway_reference", payload.GatewayReference),
		zap.String("result", string(result)),
	)
	return nil
}

func (c *Consumer) handlePayout(ctx context.Context, event Event, completed bool) error {
	var payload PayoutEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil || payload.WithdrawalID == "" {
		return fmt.Errorf("payout payload: %w", domain.ErrValidation)
	}

	if completed {
		_, _, err := c.payouts.ConfirmPayout(ctx, payload.WithdrawalID)
		return err
	}
	reason := payload.Reason
	if reason == "" {
		reason = "payout failed"
	}
	_, _, err := c.payouts.FailPayout(ctx, payload.WithdrawalID, reason)
	return err
}

func (c *Consumer) handleListing(ctx context.Context, event Event) error {
	var listing clients.Listing
	if err := json.Unmarshal(event.Payload, &listing); err != nil {
		return fmt.Errorf("listing payload: %w", domain.ErrValidation)
	}
	return c.directory.SyncListing(ctx, listing)
}

func (c *Consumer) handleSuspension(ctx context.Context, event Event) error {
	var suspension clients.Suspension
	if err := json.Unmarshal(event.Payload, &suspension); err != nil {
		return fmt.Errorf("suspension payload: %w", domain.ErrValidation)
	}
	return c.directory.Suspend(ctx, suspension)
}

func (c *Consumer) handleReinstatement(ctx context.Context, event Event) error {
	var payload ReinstatementEvent
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		return fmt.Errorf("reinstatement payload: %w", domain.ErrValidation)
	}
	return c.directory.Reinstate(ctx, payload.UserID)
}

// IsHealthy checks if the consumer connection is healthy
func (c *Consumer) IsHealthy() bool {
	return c.conn != nil && !c.conn.IsClosed()
}

func (c *Consumer) Close() {
	if c.channel != nil {
		c.channel.Close()
	}
	if c.conn != nil {
		c.conn.Close()
	}
	c.log.Info("Consumer closed")
}
