package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"afflow.org/internal/audit"
	"afflow.org/internal/ledger"
	"afflow.org/internal/obs"
	"afflow.org/internal/stream"
)

type createConversionRequest struct {
	PromoCode   string `json:"promo_code"`
	OrderID     string `json:"order_id"`
	OrderAmount int64  `json:"order_amount"`
}

func (a *API) createConversion(w http.ResponseWriter, r *http.Request) {
	var req createConversionRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.PromoCode) == "" {
		writeError(w, r, http.StatusBadRequest, "promo_code is required")
		return
	}
	if strings.TrimSpace(req.OrderID) == "" {
		writeError(w, r, http.StatusBadRequest, "order_id is required")
		return
	}
	if req.OrderAmount <= 0 {
		writeError(w, r, http.StatusBadRequest, "order_amount must be > 0")
		return
	}

	conv, created, err := a.store.CreateConversion(r.Context(), ledger.NewConversion{
		PromoCode:   req.PromoCode,
		OrderID:     req.OrderID,
		OrderAmount: req.OrderAmount,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	event := "conversion.create"
	if !created {
		// Replayed order event; nothing was written.
		event = "conversion.idempotent_replay"
	} else if a.events != nil {
		a.events.Publish(stream.Event{
			Type:        stream.EventConversionCreated,
			AffiliateID: conv.AffiliateID,
			EntityID:    conv.ID,
			Status:      string(conv.Status),
			Amount:      conv.CommissionAmount,
		})
	}
	_ = audit.LogEvent(r.Context(), event, map[string]any{
		"conversion_id": conv.ID,
		"order_id":      conv.OrderID,
		"affiliate_id":  conv.AffiliateID,
	})

	w.Header().Set("Location", "/v1/conversions/"+conv.ID)
	writeJSON(w, http.StatusCreated, conv)
}

func (a *API) getConversion(w http.ResponseWriter, r *http.Request) {
	conv, err := a.store.GetConversion(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (a *API) listConversions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	filter := ledger.ConversionFilter{
		AffiliateID: q.Get("affiliate_id"),
		Status:      ledger.ConversionStatus(q.Get("status")),
		Limit:       limit,
	}
	for _, bound := range []struct {
		raw string
		dst *time.Time
	}{
		{q.Get("from"), &filter.From},
		{q.Get("to"), &filter.To},
	} {
		if strings.TrimSpace(bound.raw) == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, bound.raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "from/to must be RFC3339 timestamps")
			return
		}
		*bound.dst = t
	}

	items, err := a.store.ListConversions(r.Context(), filter)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type conversionStatusRequest struct {
	Status ledger.ConversionStatus `json:"status"`
}

// setConversionStatus drives the conversion state machine. Direct edits may
// target pending, approved or rejected; "paid" only ever comes from payout
// completion.
func (a *API) setConversionStatus(w http.ResponseWriter, r *http.Request) {
	var req conversionStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case ledger.ConversionPending, ledger.ConversionApproved, ledger.ConversionRejected:
	default:
		writeError(w, r, http.StatusBadRequest, "status must be pending, approved or rejected")
		return
	}

	id := mux.Vars(r)["id"]
	before, err := a.store.GetConversion(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	conv, err := a.store.SetConversionStatus(r.Context(), id, req.Status)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	if before.Status != conv.Status {
		obs.RecordTransition(before.Status, conv.Status)
		if a.events != nil {
			a.events.Publish(stream.Event{
				Type:        stream.EventConversionStatus,
				AffiliateID: conv.AffiliateID,
				EntityID:    conv.ID,
				Status:      string(conv.Status),
				Amount:      conv.CommissionAmount,
			})
		}
	}
	_ = audit.LogEvent(r.Context(), "conversion.status", map[string]any{
		"conversion_id": conv.ID,
		"from":          string(before.Status),
		"to":            string(conv.Status),
	})
	writeJSON(w, http.StatusOK, conv)
}
