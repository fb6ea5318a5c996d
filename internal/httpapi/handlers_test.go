package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"afflow.org/internal/auth"
	"afflow.org/internal/gateway"
	"afflow.org/internal/ledger"
	"afflow.org/internal/payout"
	"afflow.org/internal/stream"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	store   *ledger.InMemory
	t       *testing.T
}

// newTestAPI serves the full middleware chain over an in-memory store and
// the sandbox gateway. Token auth stays disabled; authn_test.go covers the
// authenticated path.
func newTestAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("AFFLOW_AUTH_SECRET", "")
	auth.ResetSecretForTests()
	t.Cleanup(auth.ResetSecretForTests)

	store := ledger.NewInMemory()
	engine := payout.New(store, gateway.Sandbox{}, "USD")
	api := New(ReadyProbe{}, "test", store, engine, stream.New())
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		store:   store,
		t:       t,
	}
}

func (c *apiClient) do(method, path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPost, path, body, headers)
}

func (c *apiClient) patch(path string, body any, headers map[string]string) *http.Response {
	return c.do(http.MethodPatch, path, body, headers)
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var out T
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func wantStatus(t *testing.T, r *http.Response, want int) {
	t.Helper()
	if r.StatusCode != want {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		r.Body.Close()
		t.Fatalf("status %d, want %d: %s", r.StatusCode, want, buf.String())
	}
}

type listOf[T any] struct {
	Items []T `json:"items"`
}

type affiliateBody struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	PromoCode     string `json:"promo_code"`
	Status        string `json:"status"`
	TotalEarned   int64  `json:"total_earned"`
	TotalPaid     int64  `json:"total_paid"`
	PendingAmount int64  `json:"pending_amount"`
}

type conversionBody struct {
	ID               string `json:"id"`
	AffiliateID      string `json:"affiliate_id"`
	OrderID          string `json:"order_id"`
	CommissionAmount int64  `json:"commission_amount"`
	Status           string `json:"status"`
	PayoutID         string `json:"payout_id"`
}

type payoutBody struct {
	ID            string   `json:"id"`
	AffiliateID   string   `json:"affiliate_id"`
	ConversionIDs []string `json:"conversion_ids"`
	Amount        int64    `json:"amount"`
	Status        string   `json:"status"`
	PaymentRef    string   `json:"payment_ref"`
	FailureReason string   `json:"failure_reason"`
}

func (c *apiClient) createAffiliate(email string) affiliateBody {
	c.t.Helper()
	resp := c.post("/v1/affiliates", map[string]any{
		"email":           email,
		"commission_rate": "10",
		"payment_profile": map[string]any{
			"method": "wallet",
			"wallet": map[string]any{"address": "0xabc", "network": "base"},
		},
	}, nil)
	wantStatus(c.t, resp, http.StatusCreated)
	return decode[affiliateBody](c.t, resp)
}

func TestHealthAndInfo(t *testing.T) {
	c := newTestAPI(t)

	resp := c.get("/healthz", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	health := decode[map[string]any](t, resp)
	if health["service"] != "afflow-api" {
		t.Fatalf("healthz body: %v", health)
	}

	resp = c.get("/v1/info", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	info := decode[map[string]any](t, resp)
	if info["version"] != "test" {
		t.Fatalf("info body: %v", info)
	}
}

func TestAffiliateLifecycle(t *testing.T) {
	c := newTestAPI(t)

	aff := c.createAffiliate("ada@example.com")
	if aff.Status != "pending" || aff.PromoCode == "" {
		t.Fatalf("created affiliate: %+v", aff)
	}

	resp := c.post("/v1/affiliates", map[string]any{
		"email":           "ada@example.com",
		"commission_rate": "5",
	}, nil)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.patch("/v1/affiliates/"+aff.ID+"/status", map[string]any{"status": "active"}, nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[affiliateBody](t, resp); got.Status != "active" {
		t.Fatalf("after activate: %+v", got)
	}

	resp = c.do(http.MethodDelete, "/v1/affiliates/"+aff.ID, nil, nil)
	wantStatus(t, resp, http.StatusNoContent)
	resp.Body.Close()

	resp = c.get("/v1/affiliates/"+aff.ID, nil, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()
}

func TestAffiliateValidation(t *testing.T) {
	c := newTestAPI(t)

	resp := c.post("/v1/affiliates", map[string]any{"email": "not-an-email", "commission_rate": "10"}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/affiliates", map[string]any{"email": "ada@example.com"}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/affiliates", map[string]any{"email": "ada@example.com", "commission_rate": "120"}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	// Unknown fields are rejected, not silently dropped.
	resp = c.post("/v1/affiliates", map[string]any{"email": "ada@example.com", "commission_rate": "10", "surprise": true}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestConversionScenario(t *testing.T) {
	c := newTestAPI(t)
	aff := c.createAffiliate("ada@example.com")

	// 10% of 200.00 is a 20.00 commission.
	resp := c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-1",
		"order_amount": 20_000,
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	conv := decode[conversionBody](t, resp)
	if conv.CommissionAmount != 2_000 || conv.Status != "pending" {
		t.Fatalf("created conversion: %+v", conv)
	}

	// Replaying the same order returns the stored row, not a duplicate.
	resp = c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-1",
		"order_amount": 20_000,
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	if replay := decode[conversionBody](t, resp); replay.ID != conv.ID {
		t.Fatalf("replay created a second conversion: %s != %s", replay.ID, conv.ID)
	}

	resp = c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "approved"}, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.get("/v1/affiliates/"+aff.ID, nil, nil)
	wantStatus(t, resp, http.StatusOK)
	if got := decode[affiliateBody](t, resp); got.TotalEarned != 2_000 || got.PendingAmount != 2_000 {
		t.Fatalf("balances after approval: %+v", got)
	}

	resp = c.get("/v1/conversions", url.Values{"affiliate_id": {aff.ID}, "status": {"approved"}}, nil)
	wantStatus(t, resp, http.StatusOK)
	list := decode[listOf[conversionBody]](t, resp)
	if len(list.Items) != 1 || list.Items[0].ID != conv.ID {
		t.Fatalf("list: %+v", list.Items)
	}
}

func TestConversionStatusBoundaries(t *testing.T) {
	c := newTestAPI(t)
	aff := c.createAffiliate("ada@example.com")
	resp := c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-1",
		"order_amount": 20_000,
	}, nil)
	conv := decode[conversionBody](t, resp)

	// Rejecting a pending conversion is final.
	resp = c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "rejected"}, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "approved"}, nil)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	// "paid" is not settable through the API at all.
	resp = c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "paid"}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()

	resp = c.post("/v1/conversions", map[string]any{
		"promo_code":   "NOSUCH99",
		"order_id":     "ord-2",
		"order_amount": 1_000,
	}, nil)
	wantStatus(t, resp, http.StatusNotFound)
	resp.Body.Close()

	resp = c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-3",
		"order_amount": -5,
	}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestPayoutRoundTripOverHTTP(t *testing.T) {
	c := newTestAPI(t)
	aff := c.createAffiliate("ada@example.com")

	resp := c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-1",
		"order_amount": 20_000,
	}, nil)
	conv := decode[conversionBody](t, resp)
	resp = c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "approved"}, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()

	resp = c.post("/v1/payouts", map[string]any{
		"affiliate_id":   aff.ID,
		"conversion_ids": []string{conv.ID},
	}, nil)
	wantStatus(t, resp, http.StatusCreated)
	p := decode[payoutBody](t, resp)
	if p.Status != "pending" || p.Amount != 2_000 {
		t.Fatalf("created payout: %+v", p)
	}

	// Claimed conversions cannot be batched twice while the payout is open.
	resp = c.post("/v1/payouts", map[string]any{
		"affiliate_id":   aff.ID,
		"conversion_ids": []string{conv.ID},
	}, nil)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()

	resp = c.post("/v1/payouts/"+p.ID+"/process", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	done := decode[payoutBody](t, resp)
	if done.Status != "completed" || done.PaymentRef == "" {
		t.Fatalf("processed payout: %+v", done)
	}

	resp = c.get("/v1/conversions/"+conv.ID, nil, nil)
	if got := decode[conversionBody](t, resp); got.Status != "paid" || got.PayoutID != p.ID {
		t.Fatalf("conversion after payout: %+v", got)
	}
	resp = c.get("/v1/affiliates/"+aff.ID, nil, nil)
	if got := decode[affiliateBody](t, resp); got.TotalPaid != 2_000 || got.PendingAmount != 0 {
		t.Fatalf("balances after payout: %+v", got)
	}

	// Completed payouts reject reprocessing.
	resp = c.post("/v1/payouts/"+p.ID+"/process", nil, nil)
	wantStatus(t, resp, http.StatusConflict)
	resp.Body.Close()
}

func TestPayoutEmptySelection(t *testing.T) {
	c := newTestAPI(t)
	aff := c.createAffiliate("ada@example.com")

	resp := c.post("/v1/payouts", map[string]any{
		"affiliate_id":   aff.ID,
		"conversion_ids": []string{},
	}, nil)
	wantStatus(t, resp, http.StatusBadRequest)
	resp.Body.Close()
}

func TestListPayoutsFilters(t *testing.T) {
	c := newTestAPI(t)
	aff := c.createAffiliate("ada@example.com")
	resp := c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-1",
		"order_amount": 20_000,
	}, nil)
	conv := decode[conversionBody](t, resp)
	resp = c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "approved"}, nil)
	resp.Body.Close()
	resp = c.post("/v1/payouts", map[string]any{
		"affiliate_id":   aff.ID,
		"conversion_ids": []string{conv.ID},
	}, nil)
	p := decode[payoutBody](t, resp)

	resp = c.get("/v1/payouts", url.Values{"affiliate_id": {aff.ID}, "status": {"pending"}}, nil)
	wantStatus(t, resp, http.StatusOK)
	list := decode[listOf[payoutBody]](t, resp)
	if len(list.Items) != 1 || list.Items[0].ID != p.ID {
		t.Fatalf("filtered list: %+v", list.Items)
	}

	resp = c.get("/v1/payouts", url.Values{"status": {"completed"}}, nil)
	wantStatus(t, resp, http.StatusOK)
	list = decode[listOf[payoutBody]](t, resp)
	if len(list.Items) != 0 {
		t.Fatalf("completed list should be empty: %+v", list.Items)
	}
}
