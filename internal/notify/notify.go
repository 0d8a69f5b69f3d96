// Package notify dispatches settlement state changes to interested parties.
// Delivery is best effort and never blocks or undoes a transition.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/marketplace/services/settlement/internal/metrics"
	"go.uber.org/zap"
)

// Event types published on state changes.
const (
	BookingConfirmed   = "settlement.booking.confirmed"
	BookingFailed      = "settlement.booking.failed"
	WithdrawalReserved = "settlement.withdrawal.reserved"
	WithdrawalPaidOut  = "settlement.withdrawal.paid_out"
	WithdrawalFailed   = "settlement.withdrawal.failed"
)

// Notifier is the fire-and-forget signal used by the settlement components.
type Notifier interface {
	Notify(ctx context.Context, eventType string, payload map[string]interface{})
}

// Sender delivers one event synchronously.
type Sender interface {
	Publish(ctx context.Context, eventType string, payload map[string]interface{}) error
}

// AsyncNotifier hands every event to its own goroutine with a bounded timeout.
type AsyncNotifier struct {
	sender  Sender
	timeout time.Duration
	metrics *metrics.Metrics
	log     *zap.Logger
	wg      sync.WaitGroup
}

func NewAsyncNotifier(sender Sender, timeout time.Duration, m *metrics.Metrics, log *zap.Logger) *AsyncNotifier {
	return &AsyncNotifier{
		sender:  sender,
		timeout: timeout,
		metrics: m,
		log:     log,
	}
}

// Notify returns at once. The send keeps ctx values such as the correlation id
// but not its cancellation.
func (n *AsyncNotifier) Notify(ctx context.Context, eventType string, payload map[string]interface{}) {
	sendCtx := context.WithoutCancel(ctx)
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				n.log.Error("Notification sender panicked", zap.String("event_type", eventType), zap.Any("panic", r))
			}
		}()

		ctx, cancel := context.WithTimeout(sendCtx, n.timeout)
		defer cancel()

		if err := n.sender.Publish(ctx, eventType, payload); err != nil {
			n.metrics.NotificationFailed()
			n.log.Warn("Notification not delivered",
				zap.String("event_type", eventType),
				zap.Error(err),
			)
		}
	}()
}

// Wait blocks until in-flight notifications finish. Used on shutdown.
func (n *AsyncNotifier) Wait() {
	n.wg.Wait()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Notify(context.Context, string, map[string]interface{}) {}
