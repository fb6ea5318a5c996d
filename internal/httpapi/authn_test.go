package httpapi

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"afflow.org/internal/auth"
	"afflow.org/internal/gateway"
	"afflow.org/internal/ledger"
	"afflow.org/internal/payout"
	"afflow.org/internal/stream"
)

// newAuthedAPI is newTestAPI with token auth switched on.
func newAuthedAPI(t *testing.T) *apiClient {
	t.Helper()

	t.Setenv("AFFLOW_AUTH_SECRET", "test-secret")
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

func (c *apiClient) obtainToken(user string, roles []string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"user":  user,
		"roles": roles,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestAuthRequiredWhenEnabled(t *testing.T) {
	c := newAuthedAPI(t)

	resp := c.get("/v1/affiliates", nil, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous request status: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("WWW-Authenticate"); got == "" {
		t.Fatal("401 without WWW-Authenticate")
	}

	// Health and readiness stay public.
	resp = c.get("/healthz", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	resp = c.get("/v1/info", nil, nil)
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestAuthRejectsBadTokens(t *testing.T) {
	c := newAuthedAPI(t)

	resp := c.get("/v1/affiliates", nil, map[string]string{"Authorization": "Bearer garbage"})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("garbage token status: %d", resp.StatusCode)
	}

	resp = c.get("/v1/affiliates", nil, map[string]string{"Authorization": "Basic dXNlcjpwdw=="})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("basic auth status: %d", resp.StatusCode)
	}
}

func TestAuthGrantsAccessWithToken(t *testing.T) {
	c := newAuthedAPI(t)
	token := c.obtainToken("viewer-1", []string{"viewer"})

	resp := c.get("/v1/affiliates", nil, bearerHeader(token))
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
}

func TestProcessPayoutRequiresOperatorRole(t *testing.T) {
	c := newAuthedAPI(t)
	viewer := c.obtainToken("viewer-1", []string{"viewer"})
	operator := c.obtainToken("ops-1", []string{"operator"})

	aff := decode[affiliateBody](t, c.post("/v1/affiliates", map[string]any{
		"email":           "ada@example.com",
		"commission_rate": "10",
		"payment_profile": map[string]any{
			"method": "wallet",
			"wallet": map[string]any{"address": "0xabc", "network": "base"},
		},
	}, bearerHeader(operator)))
	conv := decode[conversionBody](t, c.post("/v1/conversions", map[string]any{
		"promo_code":   aff.PromoCode,
		"order_id":     "ord-1",
		"order_amount": 20_000,
	}, bearerHeader(operator)))
	resp := c.patch("/v1/conversions/"+conv.ID+"/status", map[string]any{"status": "approved"}, bearerHeader(operator))
	wantStatus(t, resp, http.StatusOK)
	resp.Body.Close()
	p := decode[payoutBody](t, c.post("/v1/payouts", map[string]any{
		"affiliate_id":   aff.ID,
		"conversion_ids": []string{conv.ID},
	}, bearerHeader(operator)))

	resp = c.post("/v1/payouts/"+p.ID+"/process", nil, bearerHeader(viewer))
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer processed a payout: %d", resp.StatusCode)
	}

	resp = c.post("/v1/payouts/"+p.ID+"/process", nil, bearerHeader(operator))
	wantStatus(t, resp, http.StatusOK)
	if done := decode[payoutBody](t, resp); done.Status != "completed" {
		t.Fatalf("payout after operator process: %+v", done)
	}
}

func TestExtractBearerToken(t *testing.T) {
	if _, err := extractBearerToken(""); err == nil {
		t.Fatal("empty header accepted")
	}
	if _, err := extractBearerToken("Bearer "); err == nil {
		t.Fatal("empty token accepted")
	}
	tok, err := extractBearerToken("bearer abc.def.ghi")
	if err != nil || tok != "abc.def.ghi" {
		t.Fatalf("case-insensitive scheme: tok=%q err=%v", tok, err)
	}
}
