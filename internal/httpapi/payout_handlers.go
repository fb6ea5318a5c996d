package httpapi

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"afflow.org/internal/audit"
	"afflow.org/internal/gateway"
	"afflow.org/internal/ledger"
)

type createPayoutRequest struct {
	AffiliateID   string   `json:"affiliate_id"`
	ConversionIDs []string `json:"conversion_ids"`
}

func (a *API) createPayout(w http.ResponseWriter, r *http.Request) {
	var req createPayoutRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if req.AffiliateID == "" {
		writeError(w, r, http.StatusBadRequest, "affiliate_id is required")
		return
	}

	p, err := a.engine.Create(r.Context(), req.AffiliateID, req.ConversionIDs)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "payout.create", map[string]any{
		"payout_id":    p.ID,
		"affiliate_id": p.AffiliateID,
		"amount":       p.Amount,
		"conversions":  len(p.ConversionIDs),
	})
	w.Header().Set("Location", "/v1/payouts/"+p.ID)
	writeJSON(w, http.StatusCreated, p)
}

func (a *API) getPayout(w http.ResponseWriter, r *http.Request) {
	p, err := a.store.GetPayout(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (a *API) listPayouts(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.store.ListPayouts(r.Context(), ledger.PayoutFilter{
		AffiliateID: q.Get("affiliate_id"),
		Status:      ledger.PayoutStatus(q.Get("status")),
		Limit:       limit,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// processPayout runs one payment attempt. A failed attempt leaves the
// payout in "failed" and is reported alongside the gateway error so the
// operator sees both.
func (a *API) processPayout(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	p, err := a.engine.Process(r.Context(), id)

	event := "payout.process"
	if err != nil {
		event = "payout.process_failed"
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"payout_id": id,
		"status":    string(p.Status),
	})

	if err != nil {
		if p.Status == ledger.PayoutFailed {
			code := http.StatusBadGateway
			if errors.Is(err, gateway.ErrNotConfigured) {
				code = http.StatusServiceUnavailable
			}
			writeJSON(w, code, map[string]any{
				"error":  err.Error(),
				"payout": p,
			})
			return
		}
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}
