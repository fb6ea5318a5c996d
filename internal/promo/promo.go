// Package promo mints affiliate promo codes.
package promo

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
)

// Ambiguous characters (0/O, 1/I/L) are excluded so codes survive being
// read over the phone.
const alphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const (
	codeLength  = 8
	maxAttempts = 5
)

// TakenFunc reports whether a candidate code is already assigned.
type TakenFunc func(ctx context.Context, code string) (bool, error)

// Mint generates a unique promo code, probing the store for collisions.
func Mint(ctx context.Context, taken TakenFunc) (string, error) {
	for attempt := 0; attempt < maxAttempts; attempt++ {
		code, err := randomCode()
		if err != nil {
			return "", err
		}
		inUse, err := taken(ctx, code)
		if err != nil {
			return "", fmt.Errorf("promo uniqueness check: %w", err)
		}
		if !inUse {
			return code, nil
		}
	}
	return "", errors.New("could not mint a unique promo code")
}

func randomCode() (string, error) {
	buf := make([]byte, codeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = alphabet[int(b)%len(alphabet)]
	}
	return string(buf), nil
}
