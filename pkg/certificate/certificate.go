// Package certificate builds, canonicalizes and verifies the ECO, the
// canonical, independently verifiable evidence document projected from a
// protected document's ledger state.
//
// Verification is offline by design: it trusts only the cryptographic
// primitives (Ed25519, SHA-256, RFC 8785 JCS) and the certificate format,
// never a server or network service.
package certificate

import (
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
)

// FormatVersion is the certificate format emitted by this package.
// Verification accepts any 1.x version.
const FormatVersion = "1.0.0"

// HashChain ties the document's source, witness and signed forms together.
// TerminalHash is the hash of the last form the document reached.
type HashChain struct {
	SourceHash   string `json:"source_hash"`
	WitnessHash  string `json:"witness_hash,omitempty"`
	SignedHash   string `json:"signed_hash,omitempty"`
	TerminalHash string `json:"terminal_hash"`
}

// ArtifactRef points at a rendered form of the document by content hash.
type ArtifactRef struct {
	Hash      string `json:"hash"`
	MediaType string `json:"media_type,omitempty"`
}

// TSAEvidence is the embedded RFC 3161 proof.
type TSAEvidence struct {
	WitnessHash  string    `json:"witness_hash"`
	Token        string    `json:"token"`
	AuthorityURL string    `json:"authority_url,omitempty"`
	ConfirmedAt  time.Time `json:"confirmed_at"`
}

// AnchorEvidence is one blockchain anchoring proof.
type AnchorEvidence struct {
	Network     event.Network `json:"network"`
	TxID        string        `json:"txid"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
}

// Evidence aggregates the proofs collected for the certificate.
type Evidence struct {
	TSA     *TSAEvidence     `json:"tsa,omitempty"`
	Anchors []AnchorEvidence `json:"anchors,omitempty"`
}

// InstitutionalSignature is an optional Ed25519 signature over the
// certificate's canonical hash, issued by the protecting institution.
type InstitutionalSignature struct {
	KeyID     string `json:"key_id"`
	Algorithm string `json:"algorithm"` // "ed25519"
	PublicKey string `json:"public_key"` // hex
	Signature string `json:"signature"`  // hex over the canonical hash
}

// Certificate is the ECO. Immutable once finalized and stored at a
// content-addressed path; regenerated as a new artifact, never mutated.
type Certificate struct {
	Version      string                  `json:"version"`
	DocumentID   string                  `json:"document_id"`
	OwnerID      string                  `json:"owner_id,omitempty"`
	Status       string                  `json:"status"`
	SourceHash   string                  `json:"source_hash"`
	WitnessHash  string                  `json:"witness_hash,omitempty"`
	SignedHash   string                  `json:"signed_hash,omitempty"`
	HashChain    *HashChain              `json:"hash_chain"`
	TransformLog []ledger.TransformEntry `json:"transform_log,omitempty"`
	Witness      *ArtifactRef            `json:"witness,omitempty"`
	Signed       *ArtifactRef            `json:"signed,omitempty"`
	Evidence     Evidence                `json:"evidence"`
	EventCount   int                     `json:"event_count"`
	IssuedAt     time.Time               `json:"issued_at"`
	Signature    *InstitutionalSignature `json:"signature,omitempty"`
}

// Project builds a certificate from the entity's current hash chain,
// transform log and events. The entity is never mutated.
func Project(doc *ledger.Document, issuedAt time.Time) *Certificate {
	chain := &HashChain{
		SourceHash:   doc.SourceHash,
		WitnessHash:  doc.WitnessHash,
		SignedHash:   doc.SignedHash,
		TerminalHash: terminalHash(doc),
	}

	cert := &Certificate{
		Version:      FormatVersion,
		DocumentID:   doc.ID,
		OwnerID:      doc.OwnerID,
		Status:       string(doc.Status),
		SourceHash:   doc.SourceHash,
		WitnessHash:  doc.WitnessHash,
		SignedHash:   doc.SignedHash,
		HashChain:    chain,
		TransformLog: append([]ledger.TransformEntry(nil), doc.TransformLog...),
		EventCount:   len(doc.Events),
		IssuedAt:     issuedAt.UTC(),
	}

	if doc.WitnessHash != "" {
		cert.Witness = &ArtifactRef{Hash: doc.WitnessHash, MediaType: "application/pdf"}
	}
	if doc.SignedHash != "" {
		cert.Signed = &ArtifactRef{Hash: doc.SignedHash, MediaType: "application/pdf"}
	}

	if tsa, ok := ledger.LastTSAConfirmed(doc.Events); ok {
		cert.Evidence.TSA = &TSAEvidence{
			WitnessHash:  tsa.WitnessHash,
			Token:        tsa.Token,
			AuthorityURL: tsa.AuthorityURL,
			ConfirmedAt:  tsaConfirmedAt(doc.Events),
		}
	}
	anchors := ledger.ConfirmedAnchors(doc.Events)
	for _, n := range []event.Network{event.NetworkPolygon, event.NetworkBitcoin} {
		if p, ok := anchors[n]; ok && p.ConfirmedAt != nil {
			cert.Evidence.Anchors = append(cert.Evidence.Anchors, AnchorEvidence{
				Network:     n,
				TxID:        p.TxID,
				ConfirmedAt: p.ConfirmedAt.UTC(),
			})
		}
	}
	return cert
}

func terminalHash(doc *ledger.Document) string {
	switch {
	case doc.SignedHash != "":
		return doc.SignedHash
	case doc.WitnessHash != "":
		return doc.WitnessHash
	default:
		return doc.SourceHash
	}
}

func tsaConfirmedAt(events []event.Event) time.Time {
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == event.KindTSAConfirmed {
			return events[i].At.UTC()
		}
	}
	return time.Time{}
}
