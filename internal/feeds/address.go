// internal/feeds/address.go
package feeds

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

// ErrInvalidAddress is returned for addresses that do not fit their chain.
var ErrInvalidAddress = errors.New("invalid address")

var evmChains = map[string]bool{
	"eth": true, "ethereum": true, "bsc": true, "polygon": true, "arbitrum": true,
	"optimism": true, "base": true, "avalanche": true, "avax": true,
}

// Address identifies a watched address on a chain.
type Address struct {
	Chain   string `json:"chain"`
	Address string `json:"address"`
}

// Key returns the canonical "chain:address" key. Addresses that fail
// validation keep their trimmed form so they still get a stable key.
func (a Address) Key() string {
	chain := strings.ToLower(strings.TrimSpace(a.Chain))
	addr, err := CanonicalAddress(chain, a.Address)
	if err != nil {
		addr = strings.TrimSpace(a.Address)
		if evmChains[chain] {
			addr = strings.ToLower(addr)
		}
	}
	return chain + ":" + addr
}

// Canonical returns a with chain and address normalised.
func (a Address) Canonical() (Address, error) {
	chain := strings.ToLower(strings.TrimSpace(a.Chain))
	addr, err := CanonicalAddress(chain, a.Address)
	if err != nil {
		return a, err
	}
	return Address{Chain: chain, Address: addr}, nil
}

// CanonicalAddress normalises address for chain: EVM addresses are lower-cased
// hex, Solana addresses are re-encoded base58 public keys. Other chains are
// only trimmed.
func CanonicalAddress(chain, address string) (string, error) {
	chain = strings.ToLower(strings.TrimSpace(chain))
	address = strings.TrimSpace(address)
	if address == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidAddress)
	}

	switch {
	case evmChains[chain]:
		if !isHexAddress(address) {
			return "", fmt.Errorf("%w: %q is not a 20-byte hex address", ErrInvalidAddress, address)
		}
		return strings.ToLower(address), nil
	case chain == "sol" || chain == "solana":
		pk, err := solana.PublicKeyFromBase58(address)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidAddress, err)
		}
		return pk.String(), nil
	default:
		return address, nil
	}
}

func isHexAddress(s string) bool {
	if len(s) != 42 || (s[:2] != "0x" && s[:2] != "0X") {
		return false
	}
	for _, c := range s[2:] {
		switch {
		case c >= '0' && c <= '9', c >= 'a' && c <= 'f', c >= 'A' && c <= 'F':
		default:
			return false
		}
	}
	return true
}
