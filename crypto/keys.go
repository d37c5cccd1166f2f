package crypto

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ParseAddress decodes a base58 identity. The all-zero key is rejected since
// it names nobody.
func ParseAddress(raw string) (solana.PublicKey, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return solana.PublicKey{}, fmt.Errorf("crypto: address required")
	}
	key, err := solana.PublicKeyFromBase58(trimmed)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("crypto: invalid address %q: %w", trimmed, err)
	}
	if key.IsZero() {
		return solana.PublicKey{}, fmt.Errorf("crypto: zero address")
	}
	return key, nil
}

// GeneratePrivateKey returns a fresh ed25519 identity key.
func GeneratePrivateKey() (solana.PrivateKey, error) {
	key, err := solana.NewRandomPrivateKey()
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	return key, nil
}

// IsCustodyAddress reports whether addr lies off the ed25519 curve, which is
// the case for every program-derived custody address and for no wallet key.
func IsCustodyAddress(addr solana.PublicKey) bool {
	return !solana.IsOnCurve(addr.Bytes())
}
