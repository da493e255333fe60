package certificate

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Canonicalize returns the RFC 8785 (JCS) canonical serialization of v.
// Object keys are sorted lexicographically by UTF-8 bytes, negative zero
// normalizes to 0, and HTML escaping is disabled. Non-finite numbers are
// rejected (encoding/json refuses NaN and infinities at marshal time).
// Nil optional fields are omitted from objects via their omitempty tags;
// nil elements inside arrays serialize as null.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: pre-marshal failed: %w", err)
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: jcs transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the hex SHA-256 of the canonical form of v.
func CanonicalHash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// SigningHash computes the canonical hash of the certificate with its
// signature block removed. This is the exact payload an institutional
// signature covers, so verification can recompute it from the certificate
// alone.
func SigningHash(cert *Certificate) (string, error) {
	unsigned := *cert
	unsigned.Signature = nil
	return CanonicalHash(&unsigned)
}
