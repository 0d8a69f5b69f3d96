// Package payment charges buyers through the external processor and folds the
// processor's asynchronous events back into the booking state machine.
package payment

import "context"

// ChargeStatus is the processor's view of a charge right after it is created.
type ChargeStatus string

const (
	ChargeSucceeded ChargeStatus = "succeeded"
	// ChargePending means the outcome arrives later as a gateway event.
	ChargePending ChargeStatus = "pending"
	ChargeFailed  ChargeStatus = "failed"
)

// ChargeRequest is one outbound charge. IdempotencyKey is always the booking
// id, so a retried charge can never produce a second payment.
type ChargeRequest struct {
	BookingID      string
	IdempotencyKey string
	Amount         int64
	Currency       string
	PaymentMethod  string
}

type ChargeResult struct {
	Reference     string
	Status        ChargeStatus
	FailureReason string
}

// Gateway is the external payment processor. Rejections are reported as
// domain.ErrGatewayRejected and deadline overruns as domain.ErrGatewayTimeout.
type Gateway interface {
	Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
}
