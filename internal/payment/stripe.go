package payment

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/paymentintent"
	"go.uber.org/zap"
)

// StripeGateway charges through Stripe PaymentIntents, confirmed on creation.
type StripeGateway struct {
	client paymentintent.Client
	log    *zap.Logger
}

type StripeConfig struct {
	SecretKey string
	Timeout   time.Duration
	// BaseURL overrides the API endpoint. Empty means api.stripe.com.
	BaseURL string
}

func NewStripeGateway(cfg StripeConfig, log *zap.Logger) *StripeGateway {
	backendCfg := &stripe.BackendConfig{
		HTTPClient:        &http.Client{Timeout: cfg.Timeout},
		MaxNetworkRetries: stripe.Int64(0),
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripe.String(cfg.BaseURL)
	}

	return &StripeGateway{
		client: paymentintent.Client{
			B:   stripe.GetBackendWithConfig(stripe.APIBackend, backendCfg),
			Key: cfg.SecretKey,
		},
		log: log,
	}
}

func (g *StripeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	params := &stripe.PaymentIntentParams{
		Amount:        stripe.Int64(req.Amount),
		Currency:      stripe.String(strings.ToLower(req.Currency)),
		PaymentMethod: stripe.String(req.PaymentMethod),
		Confirm:       stripe.Bool(true),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	params.AddMetadata(MetadataBookingID, req.BookingID)

	pi, err := g.client.New(params)
	if err != nil {
		return ChargeResult{}, g.classify(req.BookingID, err)
	}

	result := ChargeResult{Reference: pi.ID}
	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		result.Status = ChargeSucceeded
	case stripe.PaymentIntentStatusCanceled, stripe.PaymentIntentStatusRequiresPaymentMethod:
		result.Status = ChargeFailed
		result.FailureReason = "payment intent " + string(pi.Status)
		if pi.LastPaymentError != nil && pi.LastPaymentError.Msg != "" {
			result.FailureReason = pi.LastPaymentError.Msg
		}
	default:
		result.Status = ChargePending
	}

	g.log.Info("Stripe payment intent created",
		zap.String("booking_id", req.BookingID),
		zap.String("gateway_reference", pi.ID),
		zap.String("status", string(pi.Status)),
	)
	return result, nil
}

// MetadataBookingID is the metadata key carrying the booking id on charges.
const MetadataBookingID = "booking_id"

func (g *StripeGateway) classify(bookingID string, err error) error {
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		g.log.Warn("Stripe charge timed out", zap.String("booking_id", bookingID), zap.Error(err))
		return fmt.Errorf("%w: %v", domain.ErrGatewayTimeout, err)
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		g.log.Warn("Stripe rejected charge",
			zap.String("booking_id", bookingID),
			zap.String("type", string(stripeErr.Type)),
			zap.String("code", string(stripeErr.Code)),
			zap.Int("status", stripeErr.HTTPStatusCode),
		)
		if stripeErr.Msg != "" {
			return fmt.Errorf("%w: %s", domain.ErrGatewayRejected, stripeErr.Msg)
		}
	}
	return fmt.Errorf("%w: %v", domain.ErrGatewayRejected, err)
}
