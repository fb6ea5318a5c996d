package ledger

// BalanceDelta is a set of commutative increments applied to an affiliate's
// running balances. Writers always increment, never overwrite, so concurrent
// deltas for the same affiliate compose without lost updates.
type BalanceDelta struct {
	TotalEarned   int64
	TotalPaid     int64
	PendingAmount int64
}

func (d BalanceDelta) IsZero() bool {
	return d.TotalEarned == 0 && d.TotalPaid == 0 && d.PendingAmount == 0
}

// Add merges two deltas.
func (d BalanceDelta) Add(o BalanceDelta) BalanceDelta {
	return BalanceDelta{
		TotalEarned:   d.TotalEarned + o.TotalEarned,
		TotalPaid:     d.TotalPaid + o.TotalPaid,
		PendingAmount: d.PendingAmount + o.PendingAmount,
	}
}

// Transition validates a conversion status change and returns the balance
// delta it triggers for the owning affiliate. Setting the current status
// again is an idempotent no-op (zero delta). "rejected" and "paid" are
// terminal, and "paid" is never reachable through a direct status edit; it
// is only written by payout completion.
func Transition(from, to ConversionStatus, commission int64) (BalanceDelta, error) {
	switch to {
	case ConversionPending, ConversionApproved, ConversionRejected:
	default:
		return BalanceDelta{}, ErrInvalidTransition
	}
	if from == to {
		return BalanceDelta{}, nil
	}
	switch from {
	case ConversionRejected, ConversionPaid:
		return BalanceDelta{}, ErrInvalidTransition
	}

	switch {
	case from == ConversionPending && to == ConversionApproved:
		return BalanceDelta{TotalEarned: commission, PendingAmount: commission}, nil
	case from == ConversionApproved && to == ConversionPending:
		return BalanceDelta{TotalEarned: -commission, PendingAmount: -commission}, nil
	case from == ConversionApproved && to == ConversionRejected:
		return BalanceDelta{TotalEarned: -commission, PendingAmount: -commission}, nil
	case from == ConversionPending && to == ConversionRejected:
		return BalanceDelta{}, nil
	}
	return BalanceDelta{}, ErrInvalidTransition
}

// PaidDelta is the affiliate-side delta applied when a payout completes.
func PaidDelta(amount int64) BalanceDelta {
	return BalanceDelta{TotalPaid: amount, PendingAmount: -amount}
}
