package ledger

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// PaymentMethod selects the payout rail variant.
type PaymentMethod string

const (
	MethodBank   PaymentMethod = "bank"
	MethodWallet PaymentMethod = "wallet"
)

// PaymentProfile is the tagged union of payout destination variants. The
// gateway dispatches on Kind; no duck typing on raw fields.
type PaymentProfile interface {
	Kind() PaymentMethod
	Validate() error
}

// BankProfile is a bank-transfer destination (ACH-style rails).
type BankProfile struct {
	HolderName    string `json:"holder_name"`
	RoutingNumber string `json:"routing_number"`
	AccountNumber string `json:"account_number"`
}

func (BankProfile) Kind() PaymentMethod { return MethodBank }

func (p BankProfile) Validate() error {
	if strings.TrimSpace(p.HolderName) == "" {
		return errors.New("holder_name is required")
	}
	if strings.TrimSpace(p.RoutingNumber) == "" {
		return errors.New("routing_number is required")
	}
	if strings.TrimSpace(p.AccountNumber) == "" {
		return errors.New("account_number is required")
	}
	return nil
}

// WalletProfile is a token/wallet destination.
type WalletProfile struct {
	Address string `json:"address"`
	Network string `json:"network,omitempty"`
}

func (WalletProfile) Kind() PaymentMethod { return MethodWallet }

func (p WalletProfile) Validate() error {
	if strings.TrimSpace(p.Address) == "" {
		return errors.New("address is required")
	}
	return nil
}

type profileEnvelope struct {
	Method PaymentMethod  `json:"method"`
	Bank   *BankProfile   `json:"bank,omitempty"`
	Wallet *WalletProfile `json:"wallet,omitempty"`
}

// MarshalJSON renders the affiliate with its payment profile in envelope
// form ({"method": ..., "bank"/"wallet": ...}).
func (a Affiliate) MarshalJSON() ([]byte, error) {
	type alias Affiliate
	out := struct {
		alias
		PaymentProfile json.RawMessage `json:"payment_profile,omitempty"`
	}{alias: alias(a)}
	if a.Profile != nil {
		encoded, err := EncodeProfile(a.Profile)
		if err != nil {
			return nil, err
		}
		out.PaymentProfile = encoded
	}
	return json.Marshal(out)
}

// EncodeProfile serializes a profile into its envelope form, used both for
// the JSON API and the jsonb column in Postgres.
func EncodeProfile(p PaymentProfile) ([]byte, error) {
	if p == nil {
		return []byte("null"), nil
	}
	env := profileEnvelope{Method: p.Kind()}
	switch v := p.(type) {
	case BankProfile:
		env.Bank = &v
	case *BankProfile:
		env.Bank = v
	case WalletProfile:
		env.Wallet = &v
	case *WalletProfile:
		env.Wallet = v
	default:
		return nil, fmt.Errorf("unknown payment profile type %T", p)
	}
	return json.Marshal(env)
}

// DecodeProfile parses the envelope form back into a typed profile.
// A null or empty document yields a nil profile.
func DecodeProfile(data []byte) (PaymentProfile, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil, nil
	}
	var env profileEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	switch env.Method {
	case MethodBank:
		if env.Bank == nil {
			return nil, errors.New("bank profile payload missing")
		}
		return *env.Bank, nil
	case MethodWallet:
		if env.Wallet == nil {
			return nil, errors.New("wallet profile payload missing")
		}
		return *env.Wallet, nil
	default:
		return nil, fmt.Errorf("unknown payment method %q", env.Method)
	}
}
