package httpapi

import (
	"time"

	"github.com/marketplace/services/settlement/internal/booking"
	"github.com/marketplace/services/settlement/internal/db"
	"github.com/marketplace/services/settlement/internal/payment"
)

type CheckoutRequest struct {
	BuyerID         string `json:"buyer_id"`
	InventoryUnitID string `json:"inventory_unit_id"`
	Quantity        int64  `json:"quantity"`
	PointsToRedeem  int64  `json:"points_to_redeem"`
	PaymentMethod   string `json:"payment_method"`
}

type WithdrawalRequest struct {
	AccountID string `json:"account_id"`
	Amount    int64  `json:"amount"`
}

type PayoutRequest struct {
	Outcome string `json:"outcome"`
	Reason  string `json:"reason"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type TicketResponse struct {
	ID             string `json:"id"`
	Serial         int    `json:"serial"`
	RedemptionCode string `json:"redemption_code"`
	State          string `json:"state"`
}

type BookingResponse struct {
	ID                 string           `json:"id"`
	BuyerID            string           `json:"buyer_id"`
	InventoryUnitID    string           `json:"inventory_unit_id"`
	Quantity           int64            `json:"quantity"`
	Currency           string           `json:"currency"`
	GrossAmount        int64            `json:"gross_amount"`
	PointsRedeemed     int64            `json:"points_redeemed"`
	NetPayable         int64            `json:"net_payable"`
	CommissionRate     string           `json:"commission_rate"`
	PlatformCommission int64            `json:"platform_commission"`
	VatOnCommission    int64            `json:"vat_on_commission"`
	NetCommission      int64            `json:"net_commission"`
	ProviderEarnings   int64            `json:"provider_earnings"`
	IsCommissionExempt bool             `json:"is_commission_exempt"`
	State              string           `json:"state"`
	GatewayReference   string           `json:"gateway_reference,omitempty"`
	FailureReason      string           `json:"failure_reason,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	Tickets            []TicketResponse `json:"tickets,omitempty"`
}

type CheckoutResponse struct {
	Booking      BookingResponse `json:"booking"`
	ChargeStatus string          `json:"charge_status"`
}

type BalanceResponse struct {
	AccountID string `json:"account_id"`
	Balance   int64  `json:"balance"`
}

type EntryResponse struct {
	ID          string    `json:"id"`
	Amount      int64     `json:"amount"`
	Kind        string    `json:"kind"`
	ReferenceID string    `json:"reference_id"`
	CreatedAt   time.Time `json:"created_at"`
}

type WithdrawalResponse struct {
	ID                     string    `json:"id"`
	AccountID              string    `json:"account_id"`
	Amount                 int64     `json:"amount"`
	State                  string    `json:"state"`
	MinimumRetainedBalance int64     `json:"minimum_retained_balance"`
	FailureReason          string    `json:"failure_reason,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
}

func toBookingResponse(b *db.Booking, tickets []db.Ticket) BookingResponse {
	resp := BookingResponse{
		ID:                 b.ID,
		BuyerID:            b.BuyerID,
		InventoryUnitID:    b.InventoryUnitID,
		Quantity:           b.Quantity,
		Currency:           b.Currency,
		GrossAmount:        b.GrossAmount,
		PointsRedeemed:     b.PointsRedeemed,
		NetPayable:         b.NetPayable,
		CommissionRate:     b.CommissionRate.String(),
		PlatformCommission: b.PlatformCommission,
		VatOnCommission:    b.VatOnCommission,
		NetCommission:      b.NetCommission,
		ProviderEarnings:   b.ProviderEarnings,
		IsCommissionExempt: b.IsCommissionExempt,
		State:              string(b.State),
		FailureReason:      b.FailureReason,
		CreatedAt:          b.CreatedAt,
	}
	if b.GatewayReference != nil {
		resp.GatewayReference = *b.GatewayReference
	}
	for _, t := range tickets {
		resp.Tickets = append(resp.Tickets, TicketResponse{
			ID:             t.ID,
			Serial:         t.Serial,
			RedemptionCode: t.RedemptionCode,
			State:          string(t.State),
		})
	}
	return resp
}

func toViewResponse(v *booking.View) BookingResponse {
	return toBookingResponse(v.Booking, v.Tickets)
}

func toCheckoutResponse(r *payment.CheckoutResult) CheckoutResponse {
	return CheckoutResponse{
		Booking:      toBookingResponse(r.Booking, nil),
		ChargeStatus: string(r.Charge.Status),
	}
}

func toEntryResponses(entries []db.LedgerEntry) []EntryResponse {
	resp := make([]EntryResponse, len(entries))
	for i, e := range entries {
		resp[i] = EntryResponse{
			ID:          e.ID,
			Amount:      e.Amount,
			Kind:        string(e.Kind),
			ReferenceID: e.ReferenceID,
			CreatedAt:   e.CreatedAt,
		}
	}
	return resp
}

func toWithdrawalResponse(w *db.WithdrawalRequest) WithdrawalResponse {
	return WithdrawalResponse{
		ID:                     w.ID,
		AccountID:              w.AccountID,
		Amount:                 w.Amount,
		State:                  string(w.State),
		MinimumRetainedBalance: w.MinimumRetainedBalance,
		FailureReason:          w.FailureReason,
		CreatedAt:              w.CreatedAt,
	}
}
