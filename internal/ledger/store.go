package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
)

// NewAffiliate is the creation input for an affiliate record. Status starts
// at "pending" until activated.
type NewAffiliate struct {
	Email          string
	PromoCode      string
	CommissionRate decimal.Decimal
	Profile        PaymentProfile
}

// NewConversion is the creation input for a conversion. The affiliate is
// resolved from the promo code carried by the order event; OrderID is the
// idempotency key.
type NewConversion struct {
	PromoCode   string
	OrderID     string
	OrderAmount int64
}

// AffiliateFilter narrows ListAffiliates.
type AffiliateFilter struct {
	Status AffiliateStatus
	Limit  int
}

// ConversionFilter narrows ListConversions.
type ConversionFilter struct {
	AffiliateID string
	Status      ConversionStatus
	From, To    time.Time
	Limit       int
}

// PayoutFilter narrows ListPayouts.
type PayoutFilter struct {
	AffiliateID string
	Status      PayoutStatus
	Limit       int
}

// Store is the durable home of affiliates, conversions and payouts. State
// transitions that touch balances are store operations so each
// implementation can make the status write and the balance delta one atomic
// unit (a single mutex hold in memory, a transaction in Postgres).
type Store interface {
	CreateAffiliate(ctx context.Context, in NewAffiliate) (Affiliate, error)
	GetAffiliate(ctx context.Context, id string) (Affiliate, error)
	ListAffiliates(ctx context.Context, f AffiliateFilter) ([]Affiliate, error)
	SetAffiliateStatus(ctx context.Context, id string, status AffiliateStatus) (Affiliate, error)
	// DeleteAffiliate removes an affiliate with no conversions. An affiliate
	// that owns conversions is deactivated instead; removed reports which
	// path was taken.
	DeleteAffiliate(ctx context.Context, id string) (removed bool, err error)
	PromoCodeTaken(ctx context.Context, code string) (bool, error)

	// CreateConversion is idempotent on OrderID: a replayed order event
	// returns the previously stored conversion unchanged with created=false.
	CreateConversion(ctx context.Context, in NewConversion) (conv Conversion, created bool, err error)
	GetConversion(ctx context.Context, id string) (Conversion, error)
	ListConversions(ctx context.Context, f ConversionFilter) ([]Conversion, error)
	// SetConversionStatus applies the transition table and the resulting
	// affiliate balance delta atomically. A conversion claimed by a payout
	// refuses direct edits (ErrInvalidState); it moves only through payout
	// completion.
	SetConversionStatus(ctx context.Context, id string, status ConversionStatus) (Conversion, error)

	// ApplyBalanceDelta increments affiliate balance fields. Increments are
	// commutative; implementations must not read-modify-write at the
	// application layer.
	ApplyBalanceDelta(ctx context.Context, affiliateID string, delta BalanceDelta) error

	// CreatePayout claims every listed conversion for the new payout (all
	// must be approved, owned by the affiliate and unclaimed) and persists
	// it in status pending. The claim is atomic: overlapping selections
	// never both win a conversion.
	CreatePayout(ctx context.Context, affiliateID string, conversionIDs []string) (Payout, error)
	GetPayout(ctx context.Context, id string) (Payout, error)
	ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error)
	// MarkPayoutProcessing conditionally moves pending|failed -> processing.
	// Concurrent calls observe the in-flight state and are rejected.
	MarkPayoutProcessing(ctx context.Context, id string) (Payout, error)
	// CompletePayout records the provider reference, marks member
	// conversions paid and credits the affiliate, all in one atomic unit.
	CompletePayout(ctx context.Context, id, paymentRef string, at time.Time) (Payout, error)
	// FailPayout marks the payout failed and touches nothing else, so a
	// retry is safe.
	FailPayout(ctx context.Context, id, reason string) (Payout, error)
}
