// Package payout drives payout batches through
// pending -> processing -> completed|failed against the external payment
// rail. Retries are explicit operator actions; nothing here resubmits a
// payment on its own.
package payout

import (
	"context"
	"fmt"
	"time"

	"afflow.org/internal/gateway"
	"afflow.org/internal/ledger"
	"afflow.org/internal/obs"
	"afflow.org/internal/stream"
)

// Engine coordinates the store and the gateway for a single payout attempt.
// It holds no state of its own; concurrency control lives in the store.
type Engine struct {
	store    ledger.Store
	gateway  gateway.Gateway
	events   *stream.Stream
	currency string
	nowFn    func() time.Time
}

// Option configures the Engine.
type Option func(*Engine)

// WithEvents publishes payout state changes to the live feed.
func WithEvents(s *stream.Stream) Option {
	return func(e *Engine) { e.events = s }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.nowFn = now
		}
	}
}

// New constructs an Engine. currency labels every outbound transfer; the
// ledger itself is single-currency.
func New(store ledger.Store, gw gateway.Gateway, currency string, opts ...Option) *Engine {
	e := &Engine{
		store:    store,
		gateway:  gw,
		currency: currency,
		nowFn:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Create groups approved, unclaimed conversions of one affiliate into a new
// pending payout. Conversion and affiliate state stay untouched beyond the
// claim itself.
func (e *Engine) Create(ctx context.Context, affiliateID string, conversionIDs []string) (ledger.Payout, error) {
	p, err := e.store.CreatePayout(ctx, affiliateID, conversionIDs)
	if err != nil {
		return ledger.Payout{}, err
	}
	obs.RecordPayout(p.Status)
	e.publish(stream.EventPayoutCreated, p)
	return p, nil
}

// Process executes one payout attempt. The processing mark is persisted
// before the gateway call so concurrent attempts are rejected; a crash
// between a successful send and the completion write leaves the payout in
// "processing", which operators resolve by reconciling against the
// provider; it is never auto-transitioned.
func (e *Engine) Process(ctx context.Context, payoutID string) (ledger.Payout, error) {
	p, err := e.store.MarkPayoutProcessing(ctx, payoutID)
	if err != nil {
		return ledger.Payout{}, err
	}
	obs.RecordPayout(p.Status)
	e.publish(stream.EventPayoutStatus, p)

	aff, err := e.store.GetAffiliate(ctx, p.AffiliateID)
	if err != nil {
		return e.fail(ctx, p.ID, fmt.Errorf("load affiliate: %w", err))
	}

	start := time.Now()
	receipt, sendErr := e.gateway.Send(ctx, aff.Profile, ledger.Money{Currency: e.currency, Amount: p.Amount})
	if sendErr != nil {
		obs.ObserveGatewaySend(time.Since(start), "failure")
		return e.fail(ctx, p.ID, sendErr)
	}
	obs.ObserveGatewaySend(time.Since(start), "success")

	completed, err := e.store.CompletePayout(ctx, p.ID, receipt.Reference, e.nowFn())
	if err != nil {
		// The provider accepted the transfer but the completion write did
		// not land. The payout stays in "processing" for manual
		// reconciliation; do not fail it, that would invite a double send.
		obs.Logger().Println(`{"level":"error","msg":"payout stuck in processing","payout_id":"` + p.ID + `","reference":"` + receipt.Reference + `"}`)
		return ledger.Payout{}, fmt.Errorf("persist completion of payout %s (provider ref %s): %w", p.ID, receipt.Reference, err)
	}
	obs.RecordPayout(completed.Status)
	e.publish(stream.EventPayoutStatus, completed)
	return completed, nil
}

func (e *Engine) fail(ctx context.Context, payoutID string, cause error) (ledger.Payout, error) {
	failed, err := e.store.FailPayout(ctx, payoutID, cause.Error())
	if err != nil {
		return ledger.Payout{}, fmt.Errorf("mark payout failed after %v: %w", cause, err)
	}
	obs.RecordPayout(failed.Status)
	e.publish(stream.EventPayoutStatus, failed)
	return failed, cause
}

func (e *Engine) publish(typ stream.EventType, p ledger.Payout) {
	if e.events == nil {
		return
	}
	e.events.Publish(stream.Event{
		Type:        typ,
		AffiliateID: p.AffiliateID,
		EntityID:    p.ID,
		Status:      string(p.Status),
		Amount:      p.Amount,
		Currency:    e.currency,
	})
}
