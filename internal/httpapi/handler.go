package httpapi

import (
	"context"
	"net/http"
	"net/url"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/marketplace/services/settlement/internal/booking"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/payment"
	"go.uber.org/zap"
)

const (
	defaultEntriesLimit = 50
	maxEntriesLimit     = 100
)

type Checkout interface {
	Checkout(ctx context.Context, req payment.CheckoutRequest) (*payment.CheckoutResult, error)
}

type BookingReader interface {
	Get(ctx context.Context, bookingID string) (*booking.View, error)
}

type Ledger interface {
	BalanceOf(ctx context.Context, accountID string) (int64, error)
	Entries(ctx context.Context, accountID string, limit int) ([]db.LedgerEntry, error)
}

type Withdrawals interface {
	RequestWithdrawal(ctx context.Context, accountID string, amount int64) (*db.WithdrawalRequest, error)
	Get(ctx context.Context, withdrawalID string) (*db.WithdrawalRequest, error)
	ConfirmPayout(ctx context.Context, withdrawalID string) (*db.WithdrawalRequest, bool, error)
	FailPayout(ctx context.Context, withdrawalID, reason string) (*db.WithdrawalRequest, bool, error)
}

type Reconciler interface {
	Reconcile(ctx context.Context, event payment.GatewayEvent) (payment.Result, error)
}

// Handler serves the settlement REST API.
type Handler struct {
	checkout    Checkout
	bookings    BookingReader
	ledger      Ledger
	withdrawals Withdrawals
	reconciler  Reconciler
	webhookKey  string
	log         *zap.Logger
}

func NewHandler(checkout Checkout, bookings BookingReader, ledger Ledger, withdrawals Withdrawals, reconciler Reconciler, stripeWebhookSecret string, log *zap.Logger) *Handler {
	return &Handler{
		checkout:    checkout,
		bookings:    bookings,
		ledger:      ledger,
		withdrawals: withdrawals,
		reconciler:  reconciler,
		webhookKey:  stripeWebhookSecret,
		log:         log,
	}
}

func (h *Handler) RegisterRoutes(g *echo.Group) {
	g.POST("/bookings", h.CreateBooking)
	g.GET("/bookings/:id", h.GetBooking)

	g.GET("/accounts/:id/balance", h.GetBalance)
	g.GET("/accounts/:id/entries", h.ListEntries)

	g.POST("/withdrawals", h.CreateWithdrawal)
	g.GET("/withdrawals/:id", h.GetWithdrawal)
	g.POST("/withdrawals/:id/payout", h.RecordPayout)

	g.POST("/webhooks/stripe", h.StripeWebhook)
}

func (h *Handler) CreateBooking(c echo.Context) error {
	var req CheckoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.BuyerID == "" || req.InventoryUnitID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "buyer_id and inventory_unit_id are required")
	}
	if req.Quantity <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "quantity must be positive")
	}

	result, err := h.checkout.Checkout(c.Request().Context(), payment.CheckoutRequest{
		BuyerID:         req.BuyerID,
		InventoryUnitID: req.InventoryUnitID,
		Quantity:        req.Quantity,
		PointsToRedeem:  req.PointsToRedeem,
		PaymentMethod:   req.PaymentMethod,
	})
	if err != nil {
		return err
	}

	status := http.StatusCreated
	if result.Booking.State == db.BookingPending {
		status = http.StatusAccepted
	}
	return c.JSON(status, toCheckoutResponse(result))
}

func (h *Handler) GetBooking(c echo.Context) error {
	view, err := h.bookings.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toViewResponse(view))
}

func (h *Handler) GetBalance(c echo.Context) error {
	accountID, err := accountParam(c)
	if err != nil {
		return err
	}

	balance, err := h.ledger.BalanceOf(c.Request().Context(), accountID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, BalanceResponse{AccountID: accountID, Balance: balance})
}

func (h *Handler) ListEntries(c echo.Context) error {
	accountID, err := accountParam(c)
	if err != nil {
		return err
	}

	limit := defaultEntriesLimit
	if raw := c.QueryParam("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		limit = min(n, maxEntriesLimit)
	}

	entries, err := h.ledger.Entries(c.Request().Context(), accountID, limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toEntryResponses(entries))
}

func (h *Handler) CreateWithdrawal(c echo.Context) error {
	var req WithdrawalRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.AccountID == "" || req.Amount <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "account_id and amount (>0) are required")
	}

	w, err := h.withdrawals.RequestWithdrawal(c.Request().Context(), req.AccountID, req.Amount)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, toWithdrawalResponse(w))
}

func (h *Handler) GetWithdrawal(c echo.Context) error {
	w, err := h.withdrawals.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toWithdrawalResponse(w))
}

func (h *Handler) RecordPayout(c echo.Context) error {
	var req PayoutRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}

	ctx := c.Request().Context()
	id := c.Param("id")

	var (
		w   *db.WithdrawalRequest
		err error
	)
	switch db.WithdrawalState(req.Outcome) {
	case db.WithdrawalPaidOut:
		w, _, err = h.withdrawals.ConfirmPayout(ctx, id)
	case db.WithdrawalFailed:
		reason := req.Reason
		if reason == "" {
			reason = "payout failed"
		}
		w, _, err = h.withdrawals.FailPayout(ctx, id, reason)
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "outcome must be paid_out or failed")
	}
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, toWithdrawalResponse(w))
}

// accountParam accepts both literal and percent-encoded account ids such as
// provider:abc.
func accountParam(c echo.Context) (string, error) {
	id, err := url.PathUnescape(c.Param("id"))
	if err != nil || id == "" {
		return "", echo.NewHTTPError(http.StatusBadRequest, "invalid account id")
	}
	return id, nil
}
