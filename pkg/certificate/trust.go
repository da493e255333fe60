package certificate

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
)

// TrustStore maps institutional key IDs to trusted Ed25519 public keys and
// tracks revoked key IDs. A nil *TrustStore means "no trust store
// configured": cryptographically valid signatures from there-unknown keys
// then verify with a warning instead of failing.
type TrustStore struct {
	keys    map[string]ed25519.PublicKey
	revoked map[string]bool
}

// NewTrustStore builds a trust store from hex-encoded public keys by key ID.
func NewTrustStore(keysHex map[string]string) (*TrustStore, error) {
	ts := &TrustStore{
		keys:    make(map[string]ed25519.PublicKey, len(keysHex)),
		revoked: make(map[string]bool),
	}
	for keyID, pubHex := range keysHex {
		raw, err := hex.DecodeString(pubHex)
		if err != nil {
			return nil, fmt.Errorf("trust store: key %s: invalid hex: %w", keyID, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("trust store: key %s: bad public key size %d", keyID, len(raw))
		}
		ts.keys[keyID] = ed25519.PublicKey(raw)
	}
	return ts, nil
}

// Revoke marks a key ID as revoked.
func (t *TrustStore) Revoke(keyID string) {
	t.revoked[keyID] = true
}

// IsRevoked reports whether the key ID is on the revocation set.
func (t *TrustStore) IsRevoked(keyID string) bool {
	return t != nil && t.revoked[keyID]
}

// Lookup returns the trusted public key for keyID.
func (t *TrustStore) Lookup(keyID string) (ed25519.PublicKey, bool) {
	if t == nil {
		return nil, false
	}
	pk, ok := t.keys[keyID]
	return pk, ok
}
