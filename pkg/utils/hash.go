package utils

import (
	"encoding/hex"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Blake2b256Hex returns the 0x-prefixed blake2-256 digest of bz.
// Substrate fingerprints proxy calls this way.
func Blake2b256Hex(bz []byte) string {
	sum := blake2b.Sum256(bz)
	return "0x" + hex.EncodeToString(sum[:])
}

// NormalizeHex lower-cases a hex string and makes sure it carries the 0x prefix,
// so hashes coming from config, the chain and the database compare equal.
func NormalizeHex(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	if !strings.HasPrefix(s, "0x") {
		s = "0x" + s
	}
	return s
}
