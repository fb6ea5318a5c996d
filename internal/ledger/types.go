package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Money is represented in minor units (e.g., cents). No floats.
type Money struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

func (m Money) IsPositive() bool { return m.Amount > 0 }
func (m Money) IsZero() bool     { return m.Amount == 0 }

// AffiliateStatus is the affiliate lifecycle state.
type AffiliateStatus string

const (
	AffiliateActive   AffiliateStatus = "active"
	AffiliateInactive AffiliateStatus = "inactive"
	AffiliatePending  AffiliateStatus = "pending"
)

// ConversionStatus is the conversion state machine position.
type ConversionStatus string

const (
	ConversionPending  ConversionStatus = "pending"
	ConversionApproved ConversionStatus = "approved"
	ConversionRejected ConversionStatus = "rejected"
	ConversionPaid     ConversionStatus = "paid"
)

// PayoutStatus is the payout state machine position.
type PayoutStatus string

const (
	PayoutPending    PayoutStatus = "pending"
	PayoutProcessing PayoutStatus = "processing"
	PayoutCompleted  PayoutStatus = "completed"
	PayoutFailed     PayoutStatus = "failed"
)

// Affiliate carries the running balances mutated by conversion transitions
// and payout completion. All monetary fields are minor units of a single
// service-wide currency.
type Affiliate struct {
	ID             string          `json:"id"`
	Email          string          `json:"email"`
	PromoCode      string          `json:"promo_code"`
	CommissionRate decimal.Decimal `json:"commission_rate"` // percent, 0..100
	TotalEarned    int64           `json:"total_earned"`
	TotalPaid      int64           `json:"total_paid"`
	PendingAmount  int64           `json:"pending_amount"`
	Status         AffiliateStatus `json:"status"`
	Profile        PaymentProfile  `json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Conversion is a tracked sale attributed to an affiliate's promo code.
// OrderID doubles as the idempotency key for inbound order events.
// CommissionAmount is frozen at creation and never recomputed.
type Conversion struct {
	ID               string           `json:"id"`
	AffiliateID      string           `json:"affiliate_id"`
	OrderID          string           `json:"order_id"`
	OrderAmount      int64            `json:"order_amount"`
	CommissionAmount int64            `json:"commission_amount"`
	Status           ConversionStatus `json:"status"`
	PayoutID         string           `json:"payout_id,omitempty"` // set when claimed by a payout
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// Payout is a batched transfer of accumulated commission. Membership and
// amount are fixed at creation time.
type Payout struct {
	ID            string       `json:"id"`
	AffiliateID   string       `json:"affiliate_id"`
	ConversionIDs []string     `json:"conversion_ids"`
	Amount        int64        `json:"amount"`
	Status        PayoutStatus `json:"status"`
	PaymentRef    string       `json:"payment_ref,omitempty"`
	FailureReason string       `json:"failure_reason,omitempty"`
	ProcessedAt   *time.Time   `json:"processed_at,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

var (
	ErrNotFound          = errors.New("not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrInvalidState      = errors.New("invalid state")
	ErrEmptySelection    = errors.New("empty conversion selection")
	ErrAlreadyProcessing = errors.New("payout already processing")
	ErrAlreadyCompleted  = errors.New("payout already completed")
	ErrDuplicateEmail    = errors.New("email already registered")
	ErrDuplicatePromo    = errors.New("promo code already assigned")
	ErrInvalidAmount     = errors.New("invalid amount (must be > 0)")
	ErrInvalidRate       = errors.New("commission rate must be between 0 and 100")
)

var percentBase = decimal.NewFromInt(100)

// CommissionFor derives the commission in minor units from an order amount
// and a percent rate, rounded half away from zero. The result is frozen on
// the conversion at creation time.
func CommissionFor(orderAmount int64, rate decimal.Decimal) int64 {
	return decimal.NewFromInt(orderAmount).Mul(rate).Div(percentBase).Round(0).IntPart()
}

// ValidRate reports whether rate is a usable commission percentage.
func ValidRate(rate decimal.Decimal) bool {
	return !rate.IsNegative() && rate.LessThanOrEqual(percentBase)
}
