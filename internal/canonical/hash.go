// Package canonical provides the deterministic serialization and content
// hashing used by the audit chain.
//
// The encoding is JSON with object keys sorted by byte order, no
// insignificant whitespace, minimal string escaping and normalized numbers.
// Two values that are equal as JSON documents always produce the same bytes
// and therefore the same SHA-256 digest.
package canonical

import (
	"crypto/sha256"
	"encoding/hex"
)

// Algorithm names the digest produced by Hash.
const Algorithm = "sha256"

// Scheme describes the canonicalization in exported bundles.
const Scheme = "json-sorted-keys-compact-utf8"

// Hash returns the hex SHA-256 digest of the canonical encoding of v.
func Hash(v any) (string, error) {
	b, err := Encode(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
