// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme) compliant
// serialization for deterministic hashing of manifests and proof receipts.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// DigestPrefix is prepended to every digest produced by Digest.
const DigestPrefix = "sha256:"

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// v is first marshaled with encoding/json so struct tags and custom
// marshalers are honored, then transformed: keys sorted by UTF-16 code
// units, numbers in ES6 form, no HTML escaping.
func JCS(v any) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}
	return Transform(intermediate)
}

// Transform canonicalizes already-serialized JSON text.
func Transform(data []byte) ([]byte, error) {
	out, err := jcs.Transform(data)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return out, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON representation of v.
func CanonicalHash(v any) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// Digest is CanonicalHash with the "sha256:" prefix.
func Digest(v any) (string, error) {
	h, err := CanonicalHash(v)
	if err != nil {
		return "", err
	}
	return DigestPrefix + h, nil
}

// HashBytes computes SHA-256 hash of raw bytes and returns hex string
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}
