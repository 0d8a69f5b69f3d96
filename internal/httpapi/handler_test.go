package httpapi

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/marketplace/services/settlement/internal/booking"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/domain"
	"github.com/marketplace/services/settlement/internal/events"
	"github.com/marketplace/services/settlement/internal/payment"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test"

// --- Mock services ---

type mockCheckout struct {
	checkoutFn func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error)
}

func (m *mockCheckout) Checkout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error) {
	return m.checkoutFn(ctx, req)
}

type mockBookings struct {
	getFn func(ctx context.Context, id string) (*booking.View, error)
}

func (m *mockBookings) Get(ctx context.Context, id string) (*booking.View, error) {
	return m.getFn(ctx, id)
}

type mockLedger struct {
	balances  map[string]int64
	entries   []db.LedgerEntry
	lastLimit int
}

func (m *mockLedger) BalanceOf(ctx context.Context, accountID string) (int64, error) {
	return m.balances[accountID], nil
}

func (m *mockLedger) Entries(ctx context.Context, accountID string, limit int) ([]db.LedgerEntry, error) {
	m.lastLimit = limit
	return m.entries, nil
}

type mockWithdrawals struct {
	requestFn func(ctx context.Context, accountID string, amount int64) (*db.WithdrawalRequest, error)
	store     map[string]*db.WithdrawalRequest
}

func (m *mockWithdrawals) RequestWithdrawal(ctx context.Context, accountID string, amount int64) (*db.WithdrawalRequest, error) {
	return m.requestFn(ctx, accountID, amount)
}

func (m *mockWithdrawals) Get(ctx context.Context, id string) (*db.WithdrawalRequest, error) {
	w, ok := m.store[id]
	if !ok {
		return nil, domain.ErrWithdrawalNotFound
	}
	return w, nil
}

func (m *mockWithdrawals) ConfirmPayout(ctx context.Context, id string) (*db.WithdrawalRequest, bool, error) {
	w, err := m.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	w.State = db.WithdrawalPaidOut
	return w, true, nil
}

func (m *mockWithdrawals) FailPayout(ctx context.Context, id, reason string) (*db.WithdrawalRequest, bool, error) {
	w, err := m.Get(ctx, id)
	if err != nil {
		return nil, false, err
	}
	w.State = db.WithdrawalFailed
	w.FailureReason = reason
	return w, true, nil
}

type mockReconciler struct {
	events []payment.GatewayEvent
}

func (m *mockReconciler) Reconcile(ctx context.Context, event payment.GatewayEvent) (payment.Result, error) {
	m.events = append(m.events, event)
	return payment.ResultApplied, nil
}

type testServer struct {
	e           *echo.Echo
	checkout    *mockCheckout
	bookings    *mockBookings
	ledger      *mockLedger
	withdrawals *mockWithdrawals
	reconciler  *mockReconciler
	healthy     bool
}

func newTestServer() *testServer {
	ts := &testServer{
		checkout:    &mockCheckout{},
		bookings:    &mockBookings{},
		ledger:      &mockLedger{balances: map[string]int64{}},
		withdrawals: &mockWithdrawals{store: map[string]*db.WithdrawalRequest{}},
		reconciler:  &mockReconciler{},
		healthy:     true,
	}
	h := NewHandler(ts.checkout, ts.bookings, ts.ledger, ts.withdrawals, ts.reconciler, testWebhookSecret, zap.NewNop())
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("# metrics"))
	})
	ts.e = NewServer(h, func() bool { return ts.healthy }, metricsHandler, zap.NewNop())
	return ts
}

func (ts *testServer) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) ErrorResponse {
	t.Helper()
	var resp ErrorResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func sampleBooking(state db.BookingState) *db.Booking {
	ref := "pi_123"
	return &db.Booking{
		ID:                 "b-1",
		BuyerID:            "buyer-1",
		InventoryUnitID:    "unit-1",
		Quantity:           1,
		Currency:           "SAR",
		GrossAmount:        10000,
		NetPayable:         10000,
		PlatformCommission: 1000,
		VatOnCommission:    130,
		NetCommission:      870,
		ProviderEarnings:   9000,
		State:              state,
		GatewayReference:   &ref,
		CreatedAt:          time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

// --- Bookings ---

func TestCreateBooking_Confirmed(t *testing.T) {
	ts := newTestServer()
	var got payment.CheckoutRequest
	ts.checkout.checkoutFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error) {
		got = req
		return &payment.CheckoutResult{
			Booking: sampleBooking(db.BookingConfirmed),
			Charge:  payment.ChargeResult{Reference: "pi_123", Status: payment.ChargeSucceeded},
		}, nil
	}

	rec := ts.do(http.MethodPost, "/api/v1/bookings",
		`{"buyer_id":"buyer-1","inventory_unit_id":"unit-1","quantity":1,"points_to_redeem":0,"payment_method":"pm_card_visa"}`, nil)

	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "pm_card_visa", got.PaymentMethod)

	var resp CheckoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "confirmed", resp.Booking.State)
	assert.Equal(t, int64(9000), resp.Booking.ProviderEarnings)
	assert.Equal(t, "pi_123", resp.Booking.GatewayReference)
	assert.Equal(t, "succeeded", resp.ChargeStatus)
}

func TestCreateBooking_PendingIsAccepted(t *testing.T) {
	ts := newTestServer()
	ts.checkout.checkoutFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error) {
		return &payment.CheckoutResult{
			Booking: sampleBooking(db.BookingPending),
			Charge:  payment.ChargeResult{Reference: "pi_123", Status: payment.ChargePending},
		}, nil
	}

	rec := ts.do(http.MethodPost, "/api/v1/bookings",
		`{"buyer_id":"buyer-1","inventory_unit_id":"unit-1","quantity":1,"payment_method":"pm_card_visa"}`, nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestCreateBooking_BadRequest(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(http.MethodPost, "/api/v1/bookings", `{"buyer_id":"","inventory_unit_id":"unit-1","quantity":1}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", decodeError(t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/v1/bookings", `{"buyer_id":"b","inventory_unit_id":"unit-1","quantity":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/bookings", `{not json`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateBooking_DomainErrors(t *testing.T) {
	cases := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"suspended", domain.ErrBuyerSuspended, http.StatusForbidden, "buyer_suspended"},
		{"capacity", fmt.Errorf("%w: %w", domain.ErrInsufficientCapacity, domain.ErrCapacityExceeded), http.StatusConflict, "insufficient_capacity"},
		{"points", domain.ErrInsufficientPoints, http.StatusUnprocessableEntity, "insufficient_points"},
		{"rate", fmt.Errorf("pricing: %w", domain.ErrInvalidRate), http.StatusBadRequest, "validation_error"},
		{"rejected", fmt.Errorf("booking b-1: %w", domain.ErrGatewayRejected), http.StatusPaymentRequired, "gateway_rejected"},
		{"timeout", fmt.Errorf("booking b-1: %w", domain.ErrGatewayTimeout), http.StatusGatewayTimeout, "gateway_timeout"},
		{"listing", domain.ErrListingNotFound, http.StatusNotFound, "not_found"},
		{"storage", fmt.Errorf("create: %w", domain.ErrStorageUnavailable), http.StatusServiceUnavailable, "storage_unavailable"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ts := newTestServer()
			ts.checkout.checkoutFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error) {
				return nil, tc.err
			}

			rec := ts.do(http.MethodPost, "/api/v1/bookings",
				`{"buyer_id":"buyer-1","inventory_unit_id":"unit-1","quantity":1,"payment_method":"pm"}`, nil)

			assert.Equal(t, tc.status, rec.Code)
			assert.Equal(t, tc.code, decodeError(t, rec).Code)
		})
	}
}

func TestCreateBooking_UnknownErrorHidden(t *testing.T) {
	ts := newTestServer()
	ts.checkout.checkoutFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error) {
		return nil, fmt.Errorf("pq: relation does not exist")
	}

	rec := ts.do(http.MethodPost, "/api/v1/bookings",
		`{"buyer_id":"buyer-1","inventory_unit_id":"unit-1","quantity":1,"payment_method":"pm"}`, nil)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	resp := decodeError(t, rec)
	assert.Equal(t, "internal_error", resp.Code)
	assert.Equal(t, "internal error", resp.Error)
}

func TestGetBooking(t *testing.T) {
	ts := newTestServer()
	ts.bookings.getFn = func(ctx context.Context, id string) (*booking.View, error) {
		if id != "b-1" {
			return nil, domain.ErrBookingNotFound
		}
		return &booking.View{
			Booking: sampleBooking(db.BookingConfirmed),
			Tickets: []db.Ticket{{ID: "t-1", Serial: 1, RedemptionCode: "ABC123", State: db.TicketActive}},
		}, nil
	}

	rec := ts.do(http.MethodGet, "/api/v1/bookings/b-1", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BookingResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "b-1", resp.ID)
	require.Len(t, resp.Tickets, 1)
	assert.Equal(t, "ABC123", resp.Tickets[0].RedemptionCode)

	rec = ts.do(http.MethodGet, "/api/v1/bookings/missing", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

// --- Accounts ---

func TestGetBalance(t *testing.T) {
	ts := newTestServer()
	ts.ledger.balances["provider:p-1"] = 9000

	rec := ts.do(http.MethodGet, "/api/v1/accounts/provider:p-1/balance", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp BalanceResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "provider:p-1", resp.AccountID)
	assert.Equal(t, int64(9000), resp.Balance)
}

func TestListEntries_Limit(t *testing.T) {
	ts := newTestServer()
	ts.ledger.entries = []db.LedgerEntry{
		{ID: "e-1", AccountID: "platform", Amount: 1000, Kind: db.KindPlatformCommission, ReferenceID: "b-1"},
	}

	rec := ts.do(http.MethodGet, "/api/v1/accounts/platform/entries", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, defaultEntriesLimit, ts.ledger.lastLimit)

	var resp []EntryResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "platform_commission", resp[0].Kind)

	rec = ts.do(http.MethodGet, "/api/v1/accounts/platform/entries?limit=1000", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, maxEntriesLimit, ts.ledger.lastLimit)

	rec = ts.do(http.MethodGet, "/api/v1/accounts/platform/entries?limit=-1", "", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// --- Withdrawals ---

func TestCreateWithdrawal(t *testing.T) {
	ts := newTestServer()
	ts.withdrawals.requestFn = func(ctx context.Context, accountID string, amount int64) (*db.WithdrawalRequest, error) {
		if amount > 5000 {
			return nil, domain.ErrInsufficientAvailableBalance
		}
		return &db.WithdrawalRequest{ID: "w-1", AccountID: accountID, Amount: amount, State: db.WithdrawalReserved}, nil
	}

	rec := ts.do(http.MethodPost, "/api/v1/withdrawals", `{"account_id":"provider:p-1","amount":5000}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var resp WithdrawalResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "reserved", resp.State)

	rec = ts.do(http.MethodPost, "/api/v1/withdrawals", `{"account_id":"provider:p-1","amount":5001}`, nil)
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	assert.Equal(t, "insufficient_available_balance", decodeError(t, rec).Code)

	rec = ts.do(http.MethodPost, "/api/v1/withdrawals", `{"account_id":"provider:p-1","amount":0}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRecordPayout(t *testing.T) {
	ts := newTestServer()
	ts.withdrawals.store["w-1"] = &db.WithdrawalRequest{ID: "w-1", State: db.WithdrawalReserved}
	ts.withdrawals.store["w-2"] = &db.WithdrawalRequest{ID: "w-2", State: db.WithdrawalReserved}

	rec := ts.do(http.MethodPost, "/api/v1/withdrawals/w-1/payout", `{"outcome":"paid_out"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, db.WithdrawalPaidOut, ts.withdrawals.store["w-1"].State)

	rec = ts.do(http.MethodPost, "/api/v1/withdrawals/w-2/payout", `{"outcome":"failed"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "payout failed", ts.withdrawals.store["w-2"].FailureReason)

	rec = ts.do(http.MethodPost, "/api/v1/withdrawals/w-1/payout", `{"outcome":"maybe"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(http.MethodPost, "/api/v1/withdrawals/missing/payout", `{"outcome":"paid_out"}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(http.MethodGet, "/api/v1/withdrawals/w-2", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

// --- Stripe webhook ---

func signStripePayload(payload string, ts time.Time) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	fmt.Fprintf(mac, "%d.%s", ts.Unix(), payload)
	return fmt.Sprintf("t=%d,v1=%s", ts.Unix(), hex.EncodeToString(mac.Sum(nil)))
}

func TestStripeWebhook_Succeeded(t *testing.T) {
	ts := newTestServer()
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123","object":"payment_intent","metadata":{"booking_id":"b-1"}}}}`

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/stripe", payload,
		map[string]string{"Stripe-Signature": signStripePayload(payload, time.Now())})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.reconciler.events, 1)
	ev := ts.reconciler.events[0]
	assert.Equal(t, "evt_1", ev.EventID)
	assert.Equal(t, "pi_123", ev.GatewayReference)
	assert.Equal(t, "b-1", ev.BookingID)
	assert.Equal(t, payment.OutcomeSucceeded, ev.Outcome)
}

func TestStripeWebhook_PaymentFailed(t *testing.T) {
	ts := newTestServer()
	payload := `{"id":"evt_2","object":"event","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_456","object":"payment_intent","last_payment_error":{"message":"card declined"}}}}`

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/stripe", payload,
		map[string]string{"Stripe-Signature": signStripePayload(payload, time.Now())})

	require.Equal(t, http.StatusOK, rec.Code)
	require.Len(t, ts.reconciler.events, 1)
	assert.Equal(t, payment.OutcomeFailed, ts.reconciler.events[0].Outcome)
	assert.Equal(t, "card declined", ts.reconciler.events[0].FailureReason)
}

func TestStripeWebhook_BadSignature(t *testing.T) {
	ts := newTestServer()
	payload := `{"id":"evt_1","object":"event","type":"payment_intent.succeeded","data":{"object":{"id":"pi_123"}}}`

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/stripe", payload,
		map[string]string{"Stripe-Signature": "t=1,v1=deadbeef"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, ts.reconciler.events)
}

func TestStripeWebhook_IgnoresOtherEvents(t *testing.T) {
	ts := newTestServer()
	payload := `{"id":"evt_3","object":"event","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`

	rec := ts.do(http.MethodPost, "/api/v1/webhooks/stripe", payload,
		map[string]string{"Stripe-Signature": signStripePayload(payload, time.Now())})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, ts.reconciler.events)
}

// --- Probes ---

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer()

	rec := ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	ts.healthy = false
	rec = ts.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = ts.do(http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")
}

func TestRequestIDBecomesCorrelationID(t *testing.T) {
	ts := newTestServer()
	var correlation string
	ts.checkout.checkoutFn = func(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error) {
		correlation = events.CorrelationID(ctx)
		return &payment.CheckoutResult{
			Booking: sampleBooking(db.BookingConfirmed),
			Charge:  payment.ChargeResult{Reference: "pi_123", Status: payment.ChargeSucceeded},
		}, nil
	}

	rec := ts.do(http.MethodPost, "/api/v1/bookings",
		`{"buyer_id":"buyer-1","inventory_unit_id":"unit-1","quantity":1,"payment_method":"pm"}`,
		map[string]string{echo.HeaderXRequestID: "req-123"})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "req-123", correlation)
	assert.Equal(t, "req-123", rec.Header().Get(echo.HeaderXRequestID))

	rec = ts.do(http.MethodPost, "/api/v1/bookings",
		`{"buyer_id":"buyer-1","inventory_unit_id":"unit-1","quantity":1,"payment_method":"pm"}`, nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.NotEmpty(t, correlation)
	assert.Equal(t, rec.Header().Get(echo.HeaderXRequestID), correlation)
}
