// Package hash implements canonical JSON hashing used throughout the
// system for payload addressability, deduplication, and input
// fingerprinting.
package hash

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Hash returns the lowercase hex SHA-256 digest of v's RFC 8785 (JCS)
// canonical JSON form: sorted object keys, preserved array order,
// minimal number formatting. Non-finite floats are rejected by
// encoding/json before canonicalization ever runs.
//
// Hash is pure and must produce identical output across processes and
// languages for byte-equal logical values.
func Hash(v any) (string, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("hash: marshal: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("hash: canonicalize: %w", err)
	}
	sum := sha256.Sum256(canon)
	return hex.EncodeToString(sum[:]), nil
}

// MustHash panics on error. Reserved for call sites where v is a
// statically-known, always-marshalable Go value (e.g. a fixed-shape
// struct literal) and a hash failure would indicate a programming bug.
func MustHash(v any) string {
	h, err := Hash(v)
	if err != nil {
		panic(err)
	}
	return h
}

// Combine derives a single fingerprint from an ordered sequence of
// already-computed hashes or identifiers (e.g. market snapshot hash,
// instrument hash, position hash, pricer version, scenario id), the way
// a valuation result's input fingerprint is built. Order matters and is
// preserved: Combine hashes a JSON array, not an object, so JCS never
// reorders the parts.
func Combine(parts ...string) (string, error) {
	return Hash(parts)
}

// Bucket computes the stable, cross-language partition index for a
// position id: the first 8 bytes of SHA-256(UTF-8 positionID),
// interpreted as an unsigned big-endian integer, mod hashMod.
func Bucket(positionID string, hashMod int) int {
	if hashMod <= 0 {
		hashMod = 1
	}
	sum := sha256.Sum256([]byte(positionID))
	n := binary.BigEndian.Uint64(sum[:8])
	return int(n % uint64(hashMod))
}
