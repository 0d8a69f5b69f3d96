package httpapi

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/labstack/echo/v4"
	"github.com/marketplace/services/settlement/internal/payment"
	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"
	"go.uber.org/zap"
)

const maxWebhookBody = 65536

func (h *Handler) StripeWebhook(c echo.Context) error {
	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBody))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "unreadable body")
	}

	event, err := webhook.ConstructEventWithOptions(body, c.Request().Header.Get("Stripe-Signature"), h.webhookKey,
		webhook.ConstructEventOptions{IgnoreAPIVersionMismatch: true})
	if err != nil {
		h.log.Warn("Rejected Stripe webhook", zap.Error(err))
		return echo.NewHTTPError(http.StatusBadRequest, "invalid signature")
	}

	var outcome payment.Outcome
	switch event.Type {
	case stripe.EventTypePaymentIntentSucceeded:
		outcome = payment.OutcomeSucceeded
	case stripe.EventTypePaymentIntentPaymentFailed:
		outcome = payment.OutcomeFailed
	default:
		return c.JSON(http.StatusOK, map[string]string{"result": "ignored"})
	}

	var intent stripe.PaymentIntent
	if event.Data == nil || json.Unmarshal(event.Data.Raw, &intent) != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid payment intent")
	}

	ge := payment.GatewayEvent{
		EventID:          event.ID,
		GatewayReference: intent.ID,
		BookingID:        intent.Metadata[payment.MetadataBookingID],
		Outcome:          outcome,
	}
	if intent.LastPaymentError != nil {
		ge.FailureReason = intent.LastPaymentError.Msg
	}

	result, err := h.reconciler.Reconcile(c.Request().Context(), ge)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"result": string(result)})
}
