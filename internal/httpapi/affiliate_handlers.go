package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"afflow.org/internal/audit"
	"afflow.org/internal/ledger"
	"afflow.org/internal/promo"
)

type createAffiliateRequest struct {
	Email          string           `json:"email"`
	CommissionRate *decimal.Decimal `json:"commission_rate"`
	PromoCode      string           `json:"promo_code"`
	PaymentProfile *profilePayload  `json:"payment_profile"`
}

type profilePayload struct {
	Method ledger.PaymentMethod  `json:"method"`
	Bank   *ledger.BankProfile   `json:"bank,omitempty"`
	Wallet *ledger.WalletProfile `json:"wallet,omitempty"`
}

func (p *profilePayload) toProfile() (ledger.PaymentProfile, error) {
	if p == nil {
		return nil, nil
	}
	switch p.Method {
	case ledger.MethodBank:
		if p.Bank == nil {
			return nil, errBankPayloadMissing
		}
		return *p.Bank, nil
	case ledger.MethodWallet:
		if p.Wallet == nil {
			return nil, errWalletPayloadMissing
		}
		return *p.Wallet, nil
	}
	return nil, errUnknownMethod
}

var (
	errBankPayloadMissing   = &payloadError{"bank profile payload missing"}
	errWalletPayloadMissing = &payloadError{"wallet profile payload missing"}
	errUnknownMethod        = &payloadError{"unknown payment method"}
)

type payloadError struct{ msg string }

func (e *payloadError) Error() string { return e.msg }

func (a *API) createAffiliate(w http.ResponseWriter, r *http.Request) {
	var req createAffiliateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" || !strings.Contains(email, "@") {
		writeError(w, r, http.StatusBadRequest, "a valid email is required")
		return
	}
	if req.CommissionRate == nil {
		writeError(w, r, http.StatusBadRequest, "commission_rate is required")
		return
	}
	if !ledger.ValidRate(*req.CommissionRate) {
		writeError(w, r, http.StatusBadRequest, ledger.ErrInvalidRate.Error())
		return
	}
	profile, err := req.PaymentProfile.toProfile()
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if profile != nil {
		if err := profile.Validate(); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
	}

	code := strings.ToUpper(strings.TrimSpace(req.PromoCode))
	if code == "" {
		code, err = promo.Mint(r.Context(), a.store.PromoCodeTaken)
		if err != nil {
			writeError(w, r, http.StatusInternalServerError, "could not allocate promo code")
			return
		}
	}

	aff, err := a.store.CreateAffiliate(r.Context(), ledger.NewAffiliate{
		Email:          email,
		PromoCode:      code,
		CommissionRate: *req.CommissionRate,
		Profile:        profile,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "affiliate.create", map[string]any{
		"affiliate_id": aff.ID,
		"promo_code":   aff.PromoCode,
	})
	w.Header().Set("Location", "/v1/affiliates/"+aff.ID)
	writeJSON(w, http.StatusCreated, aff)
}

func (a *API) getAffiliate(w http.ResponseWriter, r *http.Request) {
	aff, err := a.store.GetAffiliate(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, aff)
}

func (a *API) listAffiliates(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	items, err := a.store.ListAffiliates(r.Context(), ledger.AffiliateFilter{
		Status: ledger.AffiliateStatus(r.URL.Query().Get("status")),
		Limit:  limit,
	})
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

type affiliateStatusRequest struct {
	Status ledger.AffiliateStatus `json:"status"`
}

func (a *API) setAffiliateStatus(w http.ResponseWriter, r *http.Request) {
	var req affiliateStatusRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	switch req.Status {
	case ledger.AffiliateActive, ledger.AffiliateInactive, ledger.AffiliatePending:
	default:
		writeError(w, r, http.StatusBadRequest, "status must be active, inactive or pending")
		return
	}
	aff, err := a.store.SetAffiliateStatus(r.Context(), mux.Vars(r)["id"], req.Status)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "affiliate.status", map[string]any{
		"affiliate_id": aff.ID,
		"status":       string(aff.Status),
	})
	writeJSON(w, http.StatusOK, aff)
}

func (a *API) deleteAffiliate(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	removed, err := a.store.DeleteAffiliate(r.Context(), id)
	if err != nil {
		handleDomainError(w, r, err)
		return
	}
	if !removed {
		// Affiliate owns conversions: deactivated, not deleted.
		aff, err := a.store.GetAffiliate(r.Context(), id)
		if err != nil {
			handleDomainError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "affiliate.deactivate", map[string]any{"affiliate_id": id})
		writeJSON(w, http.StatusOK, aff)
		return
	}
	_ = audit.LogEvent(r.Context(), "affiliate.delete", map[string]any{"affiliate_id": id})
	w.WriteHeader(http.StatusNoContent)
}
