package types

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// Address identifies an account on the ledger.
type Address [20]byte

// Hash is a 32-byte entity identifier (keccak256 digest).
type Hash [32]byte

// IsZero reports whether the address is unset.
func (a Address) IsZero() bool { return a == Address{} }

// Hex returns the 0x-prefixed hexadecimal form of the address.
func (a Address) Hex() string { return "0x" + hex.EncodeToString(a[:]) }

// ParseAddress decodes a 0x-prefixed or bare hexadecimal address.
func ParseAddress(s string) (Address, error) {
	var addr Address
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return addr, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if len(raw) != len(addr) {
		return addr, fmt.Errorf("invalid address length %d", len(raw))
	}
	copy(addr[:], raw)
	return addr, nil
}

// IsZero reports whether the hash is unset.
func (h Hash) IsZero() bool { return h == Hash{} }

// Hex returns the 0x-prefixed hexadecimal form of the hash.
func (h Hash) Hex() string { return "0x" + hex.EncodeToString(h[:]) }

// ParseHash decodes a 0x-prefixed or bare hexadecimal 32-byte identifier.
func ParseHash(s string) (Hash, error) {
	var id Hash
	trimmed := strings.TrimPrefix(strings.TrimSpace(s), "0x")
	raw, err := hex.DecodeString(trimmed)
	if err != nil {
		return id, fmt.Errorf("invalid id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid id length %d", len(raw))
	}
	copy(id[:], raw)
	return id, nil
}
