package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"
)

// End-to-end round trip against a running afflow-api: enroll an affiliate,
// record an order, approve it, pay it out through the sandbox gateway and
// check the balances land where they should.
func main() {
	base := os.Getenv("AFFLOW_API_URL")
	if base == "" {
		base = "http://localhost:8080"
	}
	client := &http.Client{Timeout: 10 * time.Second}
	run := fmt.Sprintf("smoke-%d", time.Now().UnixNano())

	var affiliate struct {
		ID            string `json:"id"`
		PromoCode     string `json:"promo_code"`
		TotalEarned   int64  `json:"total_earned"`
		TotalPaid     int64  `json:"total_paid"`
		PendingAmount int64  `json:"pending_amount"`
	}
	call(client, http.MethodPost, base+"/v1/affiliates", map[string]any{
		"email":           run + "@example.com",
		"commission_rate": "10",
		"payment_profile": map[string]any{
			"method": "wallet",
			"wallet": map[string]any{"address": "0xsmoke", "network": "base"},
		},
	}, http.StatusCreated, &affiliate)

	var conv struct {
		ID               string `json:"id"`
		CommissionAmount int64  `json:"commission_amount"`
		Status           string `json:"status"`
	}
	call(client, http.MethodPost, base+"/v1/conversions", map[string]any{
		"promo_code":   affiliate.PromoCode,
		"order_id":     run + "-order",
		"order_amount": 20_000,
	}, http.StatusCreated, &conv)
	if conv.CommissionAmount != 2_000 {
		log.Fatalf("commission: got %d, want 2000", conv.CommissionAmount)
	}

	call(client, http.MethodPatch, base+"/v1/conversions/"+conv.ID+"/status", map[string]any{
		"status": "approved",
	}, http.StatusOK, nil)

	var payout struct {
		ID     string `json:"id"`
		Amount int64  `json:"amount"`
		Status string `json:"status"`
	}
	call(client, http.MethodPost, base+"/v1/payouts", map[string]any{
		"affiliate_id":   affiliate.ID,
		"conversion_ids": []string{conv.ID},
	}, http.StatusCreated, &payout)
	if payout.Amount != 2_000 {
		log.Fatalf("payout amount: got %d, want 2000", payout.Amount)
	}

	call(client, http.MethodPost, base+"/v1/payouts/"+payout.ID+"/process", nil, http.StatusOK, &payout)
	if payout.Status != "completed" {
		log.Fatalf("payout status: got %s, want completed", payout.Status)
	}

	call(client, http.MethodGet, base+"/v1/affiliates/"+affiliate.ID, nil, http.StatusOK, &affiliate)
	if affiliate.TotalEarned != 2_000 || affiliate.TotalPaid != 2_000 || affiliate.PendingAmount != 0 {
		log.Fatalf("balances off: earned=%d paid=%d pending=%d",
			affiliate.TotalEarned, affiliate.TotalPaid, affiliate.PendingAmount)
	}

	fmt.Printf("✅ afflow smoke test passed: affiliate=%s payout=%s\n", affiliate.ID, payout.ID)
}

func call(client *http.Client, method, url string, body any, wantStatus int, out any) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			log.Fatalf("%s %s: marshal: %v", method, url, err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token := os.Getenv("AFFLOW_API_TOKEN"); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != wantStatus {
		var msg bytes.Buffer
		_, _ = msg.ReadFrom(resp.Body)
		log.Fatalf("%s %s: status %d, want %d: %s", method, url, resp.StatusCode, wantStatus, msg.String())
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			log.Fatalf("%s %s: decode: %v", method, url, err)
		}
	}
}
