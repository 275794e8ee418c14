// Package derive computes deterministic identifiers for escrows and their
// custody vaults.
//
// An escrow id is a pure function of (owner, unique seed), so any party that
// knows both can recompute the id without a lookup. The vault ref is in turn
// a pure function of the escrow id. Neither function owns any state.
package derive

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"strings"
)

// SeedSize is the length in bytes of the caller-supplied unique seed.
const SeedSize = 8

const (
	escrowPrefix = "escrow"
	vaultPrefix  = "vault"
)

// Seed is the caller-supplied uniqueness component of an escrow id.
// Two escrows by the same owner must use distinct seeds.
type Seed [SeedSize]byte

// SeedFromUint64 packs a counter or nonce into a Seed (big-endian).
func SeedFromUint64(n uint64) Seed {
	var s Seed
	binary.BigEndian.PutUint64(s[:], n)
	return s
}

// ErrInvalidSeed reports a seed string that is not 8 bytes of hex.
var ErrInvalidSeed = errors.New("derive: seed must be 8 bytes of hex")

// ParseSeed decodes a 16-character hex string into a Seed. A leading "0x"
// is accepted.
func ParseSeed(s string) (Seed, error) {
	var seed Seed
	s = strings.TrimPrefix(s, "0x")
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != SeedSize {
		return seed, ErrInvalidSeed
	}
	copy(seed[:], b)
	return seed, nil
}

// String returns the hex encoding of the seed.
func (s Seed) String() string {
	return hex.EncodeToString(s[:])
}

// EscrowID derives the globally unique escrow id for (owner, seed).
// Owner identity is case-folded so mixed-case addresses derive the same id.
func EscrowID(owner string, seed Seed) string {
	h := sha256.New()
	h.Write([]byte(escrowPrefix))
	h.Write([]byte(strings.ToLower(owner)))
	h.Write(seed[:])
	return "esc_" + hex.EncodeToString(h.Sum(nil)[:16])
}

// VaultRef derives the custody vault reference for an escrow id.
func VaultRef(escrowID string) string {
	h := sha256.New()
	h.Write([]byte(vaultPrefix))
	h.Write([]byte(escrowID))
	return "vlt_" + hex.EncodeToString(h.Sum(nil)[:16])
}
