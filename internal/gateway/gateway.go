// Package gateway abstracts the external payment rail that executes
// payouts. The engine only needs "send payment, get a reference or a
// failure"; no retry or backoff lives here. A failed payout is retried by
// an explicit operator action.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"afflow.org/internal/ledger"
)

// Receipt is the provider's acknowledgement of an executed transfer.
type Receipt struct {
	Reference string `json:"reference"`
}

// Gateway sends a payment to the destination described by the affiliate's
// payment profile.
type Gateway interface {
	Send(ctx context.Context, profile ledger.PaymentProfile, amount ledger.Money) (Receipt, error)
}

// ErrNotConfigured indicates missing provider credentials; no call was made.
var ErrNotConfigured = errors.New("payment gateway is not configured")

// Error is a provider-side failure with the underlying message attached.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s)", e.Message, e.Code)
	}
	return "gateway: " + e.Message
}

func validateSend(profile ledger.PaymentProfile, amount ledger.Money) error {
	if profile == nil {
		return &Error{Code: "no_profile", Message: "affiliate has no payment profile"}
	}
	if err := profile.Validate(); err != nil {
		return &Error{Code: "bad_profile", Message: err.Error()}
	}
	if !amount.IsPositive() {
		return &Error{Code: "bad_amount", Message: "amount must be > 0"}
	}
	return nil
}
