package certificate

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// Signer issues institutional Ed25519 signatures over certificates.
type Signer struct {
	priv  ed25519.PrivateKey
	pub   ed25519.PublicKey
	KeyID string
}

// NewSigner generates a fresh keypair under the given key ID.
func NewSigner(keyID string) (*Signer, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("key generation failed: %w", err)
	}
	return &Signer{priv: priv, pub: pub, KeyID: keyID}, nil
}

// NewSignerFromKey wraps an existing private key.
func NewSignerFromKey(priv ed25519.PrivateKey, keyID string) *Signer {
	return &Signer{priv: priv, pub: priv.Public().(ed25519.PublicKey), KeyID: keyID}
}

// PublicKeyHex returns the hex public key, as stored in trust stores.
func (s *Signer) PublicKeyHex() string {
	return hex.EncodeToString(s.pub)
}

// Sign attaches an institutional signature covering the certificate's
// canonical hash (computed with the signature block absent).
func (s *Signer) Sign(cert *Certificate) error {
	digest, err := SigningHash(cert)
	if err != nil {
		return err
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		return fmt.Errorf("signing hash decode: %w", err)
	}
	sig := ed25519.Sign(s.priv, raw)
	cert.Signature = &InstitutionalSignature{
		KeyID:     s.KeyID,
		Algorithm: "ed25519",
		PublicKey: s.PublicKeyHex(),
		Signature: hex.EncodeToString(sig),
	}
	return nil
}
