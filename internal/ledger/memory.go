package ledger

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"afflow.org/internal/ids"
)

// InMemory implements Store with in-process concurrency safety. Used by
// tests and as the dev backend when no Postgres DSN is configured; the
// single mutex makes every operation its own atomic unit.
type InMemory struct {
	mu         sync.RWMutex
	affiliates map[string]*Affiliate
	convs      map[string]*Conversion
	payouts    map[string]*Payout
	byOrder    map[string]string // order id -> conversion id
	byPromo    map[string]string // promo code -> affiliate id
	byEmail    map[string]string // email -> affiliate id
}

var _ Store = (*InMemory)(nil)

// NewInMemory creates an empty store.
func NewInMemory() *InMemory {
	return &InMemory{
		affiliates: make(map[string]*Affiliate),
		convs:      make(map[string]*Conversion),
		payouts:    make(map[string]*Payout),
		byOrder:    make(map[string]string),
		byPromo:    make(map[string]string),
		byEmail:    make(map[string]string),
	}
}

func (s *InMemory) CreateAffiliate(ctx context.Context, in NewAffiliate) (Affiliate, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	code := strings.ToUpper(strings.TrimSpace(in.PromoCode))
	if email == "" || code == "" {
		return Affiliate{}, ErrInvalidState
	}
	if !ValidRate(in.CommissionRate) {
		return Affiliate{}, ErrInvalidRate
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.byEmail[email]; ok {
		return Affiliate{}, ErrDuplicateEmail
	}
	if _, ok := s.byPromo[code]; ok {
		return Affiliate{}, ErrDuplicatePromo
	}

	aff := &Affiliate{
		ID:             ids.New(),
		Email:          email,
		PromoCode:      code,
		CommissionRate: in.CommissionRate,
		Status:         AffiliatePending,
		Profile:        in.Profile,
		CreatedAt:      time.Now().UTC(),
	}
	s.affiliates[aff.ID] = aff
	s.byEmail[email] = aff.ID
	s.byPromo[code] = aff.ID
	return *aff, nil
}

func (s *InMemory) GetAffiliate(ctx context.Context, id string) (Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	aff, ok := s.affiliates[id]
	if !ok {
		return Affiliate{}, ErrNotFound
	}
	return *aff, nil
}

func (s *InMemory) ListAffiliates(ctx context.Context, f AffiliateFilter) ([]Affiliate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Affiliate, 0)
	for _, aff := range s.affiliates {
		if f.Status != "" && aff.Status != f.Status {
			continue
		}
		out = append(out, *aff)
	}
	// Newest first, the same order the database backend returns.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return clipLimit(out, f.Limit), nil
}

func (s *InMemory) SetAffiliateStatus(ctx context.Context, id string, status AffiliateStatus) (Affiliate, error) {
	switch status {
	case AffiliateActive, AffiliateInactive, AffiliatePending:
	default:
		return Affiliate{}, ErrInvalidState
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	aff, ok := s.affiliates[id]
	if !ok {
		return Affiliate{}, ErrNotFound
	}
	aff.Status = status
	return *aff, nil
}

func (s *InMemory) DeleteAffiliate(ctx context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	aff, ok := s.affiliates[id]
	if !ok {
		return false, ErrNotFound
	}
	for _, c := range s.convs {
		if c.AffiliateID == id {
			// History must survive; deactivate instead of deleting.
			aff.Status = AffiliateInactive
			return false, nil
		}
	}
	delete(s.affiliates, id)
	delete(s.byEmail, aff.Email)
	delete(s.byPromo, aff.PromoCode)
	return true, nil
}

func (s *InMemory) PromoCodeTaken(ctx context.Context, code string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.byPromo[strings.ToUpper(strings.TrimSpace(code))]
	return ok, nil
}

func (s *InMemory) CreateConversion(ctx context.Context, in NewConversion) (Conversion, bool, error) {
	if in.OrderAmount <= 0 {
		return Conversion{}, false, ErrInvalidAmount
	}
	orderID := strings.TrimSpace(in.OrderID)
	if orderID == "" {
		return Conversion{}, false, ErrInvalidState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// Idempotency: a replayed order event returns the stored row.
	if cid, ok := s.byOrder[orderID]; ok {
		return *s.convs[cid], false, nil
	}

	affID, ok := s.byPromo[strings.ToUpper(strings.TrimSpace(in.PromoCode))]
	if !ok {
		return Conversion{}, false, ErrNotFound
	}
	aff := s.affiliates[affID]

	now := time.Now().UTC()
	conv := &Conversion{
		ID:               ids.New(),
		AffiliateID:      affID,
		OrderID:          orderID,
		OrderAmount:      in.OrderAmount,
		CommissionAmount: CommissionFor(in.OrderAmount, aff.CommissionRate),
		Status:           ConversionPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	s.convs[conv.ID] = conv
	s.byOrder[orderID] = conv.ID
	return *conv, true, nil
}

func (s *InMemory) GetConversion(ctx context.Context, id string) (Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.convs[id]
	if !ok {
		return Conversion{}, ErrNotFound
	}
	return *c, nil
}

func (s *InMemory) ListConversions(ctx context.Context, f ConversionFilter) ([]Conversion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Conversion, 0)
	for _, c := range s.convs {
		if f.AffiliateID != "" && c.AffiliateID != f.AffiliateID {
			continue
		}
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && c.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && c.CreatedAt.After(f.To) {
			continue
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return clipLimit(out, f.Limit), nil
}

func (s *InMemory) SetConversionStatus(ctx context.Context, id string, status ConversionStatus) (Conversion, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.convs[id]
	if !ok {
		return Conversion{}, ErrNotFound
	}
	delta, err := Transition(c.Status, status, c.CommissionAmount)
	if err != nil {
		return Conversion{}, err
	}
	if c.Status == status {
		return *c, nil
	}
	if c.PayoutID != "" {
		// Claimed by a payout whose amount was frozen over this commission;
		// the conversion only moves through that payout's lifecycle.
		return Conversion{}, ErrInvalidState
	}

	// Status write and balance delta under one lock hold: both or neither.
	aff := s.affiliates[c.AffiliateID]
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	applyDelta(aff, delta)
	return *c, nil
}

func (s *InMemory) ApplyBalanceDelta(ctx context.Context, affiliateID string, delta BalanceDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	aff, ok := s.affiliates[affiliateID]
	if !ok {
		return ErrNotFound
	}
	applyDelta(aff, delta)
	return nil
}

func (s *InMemory) CreatePayout(ctx context.Context, affiliateID string, conversionIDs []string) (Payout, error) {
	if len(conversionIDs) == 0 {
		return Payout{}, ErrEmptySelection
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.affiliates[affiliateID]; !ok {
		return Payout{}, ErrNotFound
	}

	seen := make(map[string]struct{}, len(conversionIDs))
	var amount int64
	members := make([]*Conversion, 0, len(conversionIDs))
	for _, cid := range conversionIDs {
		if _, dup := seen[cid]; dup {
			return Payout{}, ErrInvalidState
		}
		seen[cid] = struct{}{}
		c, ok := s.convs[cid]
		if !ok {
			return Payout{}, ErrNotFound
		}
		if c.AffiliateID != affiliateID || c.Status != ConversionApproved || c.PayoutID != "" {
			return Payout{}, ErrInvalidState
		}
		amount += c.CommissionAmount
		members = append(members, c)
	}

	p := &Payout{
		ID:            ids.New(),
		AffiliateID:   affiliateID,
		ConversionIDs: append([]string(nil), conversionIDs...),
		Amount:        amount,
		Status:        PayoutPending,
		CreatedAt:     time.Now().UTC(),
	}
	// Claim under the same lock: overlapping selections cannot both win.
	for _, c := range members {
		c.PayoutID = p.ID
	}
	s.payouts[p.ID] = p
	return copyPayout(p), nil
}

func (s *InMemory) GetPayout(ctx context.Context, id string) (Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.payouts[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	return copyPayout(p), nil
}

func (s *InMemory) ListPayouts(ctx context.Context, f PayoutFilter) ([]Payout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Payout, 0)
	for _, p := range s.payouts {
		if f.AffiliateID != "" && p.AffiliateID != f.AffiliateID {
			continue
		}
		if f.Status != "" && p.Status != f.Status {
			continue
		}
		out = append(out, copyPayout(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return clipLimit(out, f.Limit), nil
}

func (s *InMemory) MarkPayoutProcessing(ctx context.Context, id string) (Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	switch p.Status {
	case PayoutPending, PayoutFailed:
		p.Status = PayoutProcessing
		p.FailureReason = ""
		return copyPayout(p), nil
	case PayoutProcessing:
		return Payout{}, ErrAlreadyProcessing
	case PayoutCompleted:
		return Payout{}, ErrAlreadyCompleted
	}
	return Payout{}, ErrInvalidState
}

func (s *InMemory) CompletePayout(ctx context.Context, id, paymentRef string, at time.Time) (Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	if p.Status != PayoutProcessing {
		return Payout{}, ErrInvalidState
	}

	// Payout, member conversions and affiliate balances move together.
	p.Status = PayoutCompleted
	p.PaymentRef = paymentRef
	t := at.UTC()
	p.ProcessedAt = &t
	for _, cid := range p.ConversionIDs {
		c := s.convs[cid]
		c.Status = ConversionPaid
		c.UpdatedAt = t
	}
	applyDelta(s.affiliates[p.AffiliateID], PaidDelta(p.Amount))
	return copyPayout(p), nil
}

func (s *InMemory) FailPayout(ctx context.Context, id, reason string) (Payout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.payouts[id]
	if !ok {
		return Payout{}, ErrNotFound
	}
	if p.Status != PayoutProcessing {
		return Payout{}, ErrInvalidState
	}
	p.Status = PayoutFailed
	p.FailureReason = reason
	return copyPayout(p), nil
}

func applyDelta(aff *Affiliate, delta BalanceDelta) {
	aff.TotalEarned += delta.TotalEarned
	aff.TotalPaid += delta.TotalPaid
	aff.PendingAmount += delta.PendingAmount
}

func copyPayout(p *Payout) Payout {
	out := *p
	out.ConversionIDs = append([]string(nil), p.ConversionIDs...)
	return out
}

func normalizeLimit(limit int) int {
	if limit <= 0 || limit > 1000 {
		return 100
	}
	return limit
}

func clipLimit[T any](items []T, limit int) []T {
	if n := normalizeLimit(limit); len(items) > n {
		return items[:n]
	}
	return items
}
