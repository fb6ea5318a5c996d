package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"afflow.org/internal/ledger"
)

// HTTPGateway talks to a JSON payment provider. The wire shape is a single
// POST with the destination tagged by payment method; the provider answers
// with a transfer reference or an error envelope.
type HTTPGateway struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Gateway = (*HTTPGateway)(nil)

// NewHTTP builds a provider client. An empty apiKey is allowed at
// construction so the service can boot without credentials; Send then
// reports ErrNotConfigured instead of calling out.
func NewHTTP(baseURL, apiKey string) *HTTPGateway {
	return &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type sendRequest struct {
	Currency string                `json:"currency"`
	Amount   int64                 `json:"amount"`
	Method   ledger.PaymentMethod  `json:"method"`
	Bank     *ledger.BankProfile   `json:"bank,omitempty"`
	Wallet   *ledger.WalletProfile `json:"wallet,omitempty"`
}

type sendResponse struct {
	Reference string `json:"reference"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *HTTPGateway) Send(ctx context.Context, profile ledger.PaymentProfile, amount ledger.Money) (Receipt, error) {
	if g.baseURL == "" || g.apiKey == "" {
		return Receipt{}, ErrNotConfigured
	}
	if err := validateSend(profile, amount); err != nil {
		return Receipt{}, err
	}

	payload := sendRequest{
		Currency: amount.Currency,
		Amount:   amount.Amount,
		Method:   profile.Kind(),
	}
	switch p := profile.(type) {
	case ledger.BankProfile:
		payload.Bank = &p
	case ledger.WalletProfile:
		payload.Wallet = &p
	default:
		return Receipt{}, &Error{Code: "bad_profile", Message: fmt.Sprintf("unsupported profile %T", profile)}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return Receipt{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/transfers", bytes.NewReader(body))
	if err != nil {
		return Receipt{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+g.apiKey)

	resp, err := g.client.Do(req)
	if err != nil {
		return Receipt{}, &Error{Code: "transport", Message: err.Error()}
	}
	defer resp.Body.Close()

	var decoded sendResponse
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Receipt{}, &Error{Code: "transport", Message: err.Error()}
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &decoded); err != nil {
			return Receipt{}, &Error{Code: "bad_response", Message: fmt.Sprintf("provider returned status %d with unparseable body", resp.StatusCode)}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := decoded.Error.Message
		if msg == "" {
			msg = fmt.Sprintf("provider returned status %d", resp.StatusCode)
		}
		return Receipt{}, &Error{Code: decoded.Error.Code, Message: msg}
	}
	if decoded.Reference == "" {
		return Receipt{}, &Error{Code: "bad_response", Message: "provider response missing reference"}
	}
	return Receipt{Reference: decoded.Reference}, nil
}
