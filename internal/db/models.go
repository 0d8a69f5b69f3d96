package db

import (
	"errors"
	"time"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// ErrLedgerImmutable is returned by the ledger entry hooks on update or delete.
var ErrLedgerImmutable = errors.New("ledger entries are append-only")

// MaxReasonLength is the width, in characters, of the failure_reason columns.
const MaxReasonLength = 255

// TruncateReason fits s into a failure_reason column without splitting a
// multibyte character.
func TruncateReason(s string) string {
	if utf8.RuneCountInString(s) <= MaxReasonLength {
		return s
	}
	return string([]rune(s)[:MaxReasonLength])
}

// InventoryUnit is a purchasable capacity pool (an event or a service slot)
// together with the listing pricing synced from the catalog.
type InventoryUnit struct {
	ID                string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	ProviderAccountID string          `gorm:"type:varchar(64);not null;index" json:"provider_account_id"`
	Title             string          `gorm:"type:varchar(255)" json:"title,omitempty"`
	UnitPrice         int64           `gorm:"not null;check:chk_units_price,unit_price >= 0" json:"unit_price"` // VAT-inclusive, minor units
	Currency          string          `gorm:"type:varchar(3);not null;default:'SAR'" json:"currency"`
	CommissionRate    decimal.Decimal `gorm:"type:numeric(5,2);not null;default:0" json:"commission_rate"`
	IsExempt          bool            `gorm:"not null;default:false" json:"is_exempt"`
	Capacity          *int64          `gorm:"check:chk_units_capacity,capacity IS NULL OR reserved <= capacity" json:"capacity,omitempty"` // nil = unlimited
	Reserved          int64           `gorm:"not null;default:0;check:chk_units_reserved,reserved >= 0" json:"reserved"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

func (InventoryUnit) TableName() string {
	return "inventory_units"
}

// CapacityReservation is the persisted reservation token.
type CapacityReservation struct {
	ID              string     `gorm:"primaryKey;type:varchar(64)" json:"id"`
	InventoryUnitID string     `gorm:"type:varchar(64);not null;index" json:"inventory_unit_id"`
	Quantity        int64      `gorm:"not null" json:"quantity"`
	ReleasedAt      *time.Time `json:"released_at,omitempty"`
	CreatedAt       time.Time  `gorm:"not null;index" json:"created_at"`
}

func (CapacityReservation) TableName() string {
	return "capacity_reservations"
}

type BookingState string

const (
	BookingPending   BookingState = "pending"
	BookingConfirmed BookingState = "confirmed"
	BookingFailed    BookingState = "failed"
)

// Booking is owned by the booking lifecycle manager. The breakdown columns are
// a snapshot taken at creation and are never recomputed.
type Booking struct {
	ID                string `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BuyerID           string `gorm:"type:varchar(64);not null;index" json:"buyer_id"`
	InventoryUnitID   string `gorm:"type:varchar(64);not null;index" json:"inventory_unit_id"`
	ReservationID     string `gorm:"type:varchar(64);not null;uniqueIndex" json:"reservation_id"`
	ProviderAccountID string `gorm:"type:varchar(64);not null" json:"provider_account_id"`
	Quantity          int64  `gorm:"not null" json:"quantity"`
	Currency          string `gorm:"type:varchar(3);not null" json:"currency"`
	GrossAmount       int64  `gorm:"not null" json:"gross_amount"`
	PointsRedeemed    int64  `gorm:"not null;default:0" json:"points_redeemed"`
	NetPayable        int64  `gorm:"not null" json:"net_payable"`

	CommissionRate     decimal.Decimal `gorm:"type:numeric(5,2);not null" json:"commission_rate"`
	PlatformCommission int64           `gorm:"not null" json:"platform_commission"`
	VatOnCommission    int64           `gorm:"not null" json:"vat_on_commission"`
	NetCommission      int64           `gorm:"not null" json:"net_commission"`
	ProviderEarnings   int64           `gorm:"not null" json:"provider_earnings"`
	IsCommissionExempt bool            `gorm:"not null" json:"is_commission_exempt"`

	State            BookingState `gorm:"type:varchar(16);not null;index" json:"state"`
	GatewayReference *string      `gorm:"type:varchar(128);uniqueIndex" json:"gateway_reference,omitempty"`
	FailureReason    string       `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	CreatedAt        time.Time    `gorm:"not null;index" json:"created_at"`
	UpdatedAt        time.Time    `json:"updated_at"`
	ConfirmedAt      *time.Time   `json:"confirmed_at,omitempty"`
	FailedAt         *time.Time   `json:"failed_at,omitempty"`
}

func (Booking) TableName() string {
	return "bookings"
}

type TicketState string

const (
	TicketActive   TicketState = "active"
	TicketRedeemed TicketState = "redeemed"
	TicketVoid     TicketState = "void"
)

// Ticket is issued per unit of quantity on the pending → confirmed transition.
type Ticket struct {
	ID             string      `gorm:"primaryKey;type:varchar(64)" json:"id"`
	BookingID      string      `gorm:"type:varchar(64);not null;uniqueIndex:idx_tickets_booking_serial" json:"booking_id"`
	Serial         int         `gorm:"not null;uniqueIndex:idx_tickets_booking_serial" json:"serial"`
	RedemptionCode string      `gorm:"type:varchar(32);not null;uniqueIndex" json:"redemption_code"`
	State          TicketState `gorm:"type:varchar(16);not null" json:"state"`
	CreatedAt      time.Time   `json:"created_at"`
}

func (Ticket) TableName() string {
	return "tickets"
}

// LedgerAccount exists only as a lock target for debits; it holds no balance.
type LedgerAccount struct {
	ID        string    `gorm:"primaryKey;type:varchar(128)"`
	CreatedAt time.Time `gorm:"not null"`
}

func (LedgerAccount) TableName() string {
	return "ledger_accounts"
}

type EntryKind string

const (
	KindProviderEarning    EntryKind = "provider_earning"
	KindPlatformCommission EntryKind = "platform_commission"
	KindLoyaltyEarn        EntryKind = "loyalty_earn"
	KindLoyaltyRedeem      EntryKind = "loyalty_redeem"
	KindWithdrawalReserve  EntryKind = "withdrawal_reserve"
	KindWithdrawalRelease  EntryKind = "withdrawal_release"
)

// Valid reports whether k is one of the known entry kinds.
func (k EntryKind) Valid() bool {
	switch k {
	case KindProviderEarning, KindPlatformCommission, KindLoyaltyEarn,
		KindLoyaltyRedeem, KindWithdrawalReserve, KindWithdrawalRelease:
		return true
	}
	return false
}

// LedgerEntry is a signed, immutable monetary fact.
type LedgerEntry struct {
	ID             string    `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID      string    `gorm:"type:varchar(128);not null;index" json:"account_id"`
	Amount         int64     `gorm:"not null" json:"amount"`
	Kind           EntryKind `gorm:"type:varchar(32);not null" json:"kind"`
	ReferenceID    string    `gorm:"type:varchar(64);not null;index" json:"reference_id"`
	IdempotencyKey string    `gorm:"type:varchar(160);not null;uniqueIndex" json:"-"`
	CreatedAt      time.Time `gorm:"not null" json:"created_at"`
}

func (LedgerEntry) TableName() string {
	return "ledger_entries"
}

func (LedgerEntry) BeforeUpdate(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

func (LedgerEntry) BeforeDelete(tx *gorm.DB) error {
	return ErrLedgerImmutable
}

type WithdrawalState string

const (
	WithdrawalRequested WithdrawalState = "requested"
	WithdrawalReserved  WithdrawalState = "reserved"
	WithdrawalPaidOut   WithdrawalState = "paid_out"
	WithdrawalFailed    WithdrawalState = "failed"
)

type WithdrawalRequest struct {
	ID                     string          `gorm:"primaryKey;type:varchar(64)" json:"id"`
	AccountID              string          `gorm:"type:varchar(128);not null;index" json:"account_id"`
	Amount                 int64           `gorm:"not null" json:"amount"`
	State                  WithdrawalState `gorm:"type:varchar(16);not null;index" json:"state"`
	MinimumRetainedBalance int64           `gorm:"not null" json:"minimum_retained_balance"`
	FailureReason          string          `gorm:"type:varchar(255)" json:"failure_reason,omitempty"`
	CreatedAt              time.Time       `gorm:"not null" json:"created_at"`
	UpdatedAt              time.Time       `json:"updated_at"`
}

func (WithdrawalRequest) TableName() string {
	return "withdrawal_requests"
}

// BuyerSuspension is synced from moderation events. A row with a nil or
// future Until keeps the buyer out of purchasing.
type BuyerSuspension struct {
	BuyerID     string `gorm:"primaryKey;type:varchar(64)"`
	Reason      string `gorm:"type:varchar(255)"`
	Until       *time.Time
	SuspendedAt time.Time `gorm:"not null"`
}

func (BuyerSuspension) TableName() string {
	return "buyer_suspensions"
}

// ProcessedGatewayEvent records a gateway event id once it has been applied.
type ProcessedGatewayEvent struct {
	EventID          string    `gorm:"primaryKey;type:varchar(128)"`
	GatewayReference string    `gorm:"type:varchar(128);index"`
	BookingID        string    `gorm:"type:varchar(64)"`
	Outcome          string    `gorm:"type:varchar(32);not null"`
	Result           string    `gorm:"type:varchar(32);not null"`
	ProcessedAt      time.Time `gorm:"not null"`
}

func (ProcessedGatewayEvent) TableName() string {
	return "processed_gateway_events"
}
