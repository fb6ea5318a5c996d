package gateway

import (
	"context"

	"github.com/google/uuid"

	"afflow.org/internal/ledger"
)

// Sandbox is an in-process provider that accepts every valid transfer.
// It backs local development and the smoke tool; references are unique so
// completed payouts stay distinguishable.
type Sandbox struct{}

var _ Gateway = Sandbox{}

func (Sandbox) Send(ctx context.Context, profile ledger.PaymentProfile, amount ledger.Money) (Receipt, error) {
	if err := validateSend(profile, amount); err != nil {
		return Receipt{}, err
	}
	return Receipt{Reference: "sbx_" + uuid.NewString()}, nil
}
