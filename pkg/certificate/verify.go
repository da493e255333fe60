package certificate

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/Masterminds/semver/v3"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
)

// VerifyStatus is the overall outcome of certificate verification.
type VerifyStatus string

const (
	StatusValid      VerifyStatus = "valid"
	StatusTampered   VerifyStatus = "tampered"
	StatusIncomplete VerifyStatus = "incomplete"
	StatusUnknown    VerifyStatus = "unknown"
)

// Check is one verification step's outcome.
type Check struct {
	Name   string `json:"name"`
	Pass   bool   `json:"pass"`
	Reason string `json:"reason,omitempty"`
}

// Result is the structured verification outcome. Verification never panics
// and never returns an error: a verifier UI or CLI always gets a result it
// can render, even for garbage input.
type Result struct {
	Status   VerifyStatus `json:"status"`
	Checks   []Check      `json:"checks"`
	Warnings []string     `json:"warnings,omitempty"`
}

func (r *Result) add(name string, pass bool, reason string) {
	r.Checks = append(r.Checks, Check{Name: name, Pass: pass, Reason: reason})
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// supportedVersions accepts any 1.x certificate.
var supportedVersions = func() *semver.Constraints {
	c, err := semver.NewConstraint("^1.0.0")
	if err != nil {
		panic(err)
	}
	return c
}()

// Verify checks the certificate's internal consistency and any embedded
// institutional signature. trust may be nil (no trust store configured).
//
// Status precedence: unknown (unusable shape) > tampered (any integrity
// failure) > incomplete (referenced forms missing) > valid.
func Verify(cert *Certificate, trust *TrustStore) *Result {
	res := &Result{}

	if !checkRecognizable(cert, res) {
		res.Status = StatusUnknown
		return res
	}

	tampered := false
	if !checkHashAgreement(cert, res) {
		tampered = true
	}
	if !checkTransformLog(cert, res) {
		tampered = true
	}
	if !checkSignature(cert, trust, res) {
		tampered = true
	}
	if tampered {
		res.Status = StatusTampered
		return res
	}

	if !checkCompleteness(cert, res) {
		res.Status = StatusIncomplete
		return res
	}

	res.Status = StatusValid
	return res
}

// VerifyJSON decodes raw certificate bytes and verifies them. Undecodable
// input yields status unknown.
func VerifyJSON(raw []byte, trust *TrustStore) *Result {
	var cert Certificate
	if err := json.Unmarshal(raw, &cert); err != nil {
		res := &Result{Status: StatusUnknown}
		res.add("decode", false, fmt.Sprintf("not a certificate document: %v", err))
		return res
	}
	return Verify(&cert, trust)
}

func checkRecognizable(cert *Certificate, res *Result) bool {
	if cert == nil {
		res.add("shape", false, "nil certificate")
		return false
	}
	if cert.HashChain == nil {
		res.add("shape", false, "missing hash chain")
		return false
	}
	if cert.SourceHash == "" {
		res.add("shape", false, "missing source hash")
		return false
	}

	v, err := semver.NewVersion(cert.Version)
	if err != nil {
		res.add("version", false, fmt.Sprintf("unparseable version %q", cert.Version))
		return false
	}
	if !supportedVersions.Check(v) {
		res.add("version", false, fmt.Sprintf("unrecognized version %s", cert.Version))
		return false
	}
	res.add("version", true, "")

	raw, err := json.Marshal(cert)
	if err != nil {
		res.add("shape", false, fmt.Sprintf("unserializable: %v", err))
		return false
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		res.add("shape", false, err.Error())
		return false
	}
	if err := checkShape(doc); err != nil {
		res.add("shape", false, err.Error())
		return false
	}
	res.add("shape", true, "")
	return true
}

// checkHashAgreement compares the top-level hashes, the artifact references
// and the hash-chain fields. Any disagreement is tampering.
func checkHashAgreement(cert *Certificate, res *Result) bool {
	chain := cert.HashChain
	ok := true
	if cert.SourceHash != chain.SourceHash {
		res.add("hash_chain.source", false, "source hash disagrees with hash chain")
		ok = false
	}
	if cert.WitnessHash != chain.WitnessHash {
		res.add("hash_chain.witness", false, "witness hash disagrees with hash chain")
		ok = false
	}
	if cert.SignedHash != chain.SignedHash {
		res.add("hash_chain.signed", false, "signed hash disagrees with hash chain")
		ok = false
	}
	if cert.Witness != nil && cert.Witness.Hash != chain.WitnessHash {
		res.add("witness.hash", false, "witness object hash disagrees with hash chain")
		ok = false
	}
	if cert.Signed != nil && cert.Signed.Hash != chain.SignedHash {
		res.add("signed.hash", false, "signed object hash disagrees with hash chain")
		ok = false
	}
	if ok {
		res.add("hash_chain", true, "")
	}
	return ok
}

// checkTransformLog verifies the hash-linked transform chain: each entry's
// to_hash must equal the next entry's from_hash, and the final to_hash must
// equal the chain's terminal hash.
func checkTransformLog(cert *Certificate, res *Result) bool {
	log := cert.TransformLog
	if len(log) == 0 {
		return true
	}
	for i := 0; i < len(log)-1; i++ {
		if log[i].ToHash != log[i+1].FromHash {
			res.add("transform_log", false,
				fmt.Sprintf("chain broken at entry %d: to_hash does not match next from_hash", i))
			return false
		}
	}
	if last := log[len(log)-1]; last.ToHash != cert.HashChain.TerminalHash {
		res.add("transform_log", false, "final to_hash does not match terminal hash")
		return false
	}
	res.add("transform_log", true, "")
	return true
}

// checkSignature verifies the institutional signature, when present,
// against its claimed public key after canonical-hash recomputation, then
// applies trust-store and revocation policy. A cryptographically valid
// signature from a key outside any configured trust store is tampering; the
// same signature with no trust store configured verifies with a warning.
func checkSignature(cert *Certificate, trust *TrustStore, res *Result) bool {
	sig := cert.Signature
	if sig == nil {
		return true
	}

	if sig.Algorithm != "ed25519" {
		res.add("signature", false, fmt.Sprintf("unsupported algorithm %q", sig.Algorithm))
		return false
	}
	pub, err := hex.DecodeString(sig.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		res.add("signature", false, "malformed public key")
		return false
	}
	sigBytes, err := hex.DecodeString(sig.Signature)
	if err != nil {
		res.add("signature", false, "malformed signature")
		return false
	}
	digest, err := SigningHash(cert)
	if err != nil {
		res.add("signature", false, fmt.Sprintf("canonical hash recomputation failed: %v", err))
		return false
	}
	raw, err := hex.DecodeString(digest)
	if err != nil {
		res.add("signature", false, "canonical hash not hex")
		return false
	}
	if !ed25519.Verify(ed25519.PublicKey(pub), raw, sigBytes) {
		res.add("signature", false, "signature does not verify against claimed public key")
		return false
	}

	if trust.IsRevoked(sig.KeyID) {
		res.add("signature.trust", false, fmt.Sprintf("key %s is revoked", sig.KeyID))
		return false
	}
	if trust == nil {
		res.add("signature", true, "")
		res.warn("signature key %s verified but no trust store is configured", sig.KeyID)
		return true
	}
	trusted, ok := trust.Lookup(sig.KeyID)
	if !ok {
		res.add("signature.trust", false, fmt.Sprintf("key %s absent from trust store", sig.KeyID))
		return false
	}
	if !trusted.Equal(ed25519.PublicKey(pub)) {
		res.add("signature.trust", false, fmt.Sprintf("key %s does not match trusted key material", sig.KeyID))
		return false
	}
	res.add("signature", true, "")
	return true
}

// checkCompleteness requires witness and signed objects when the lifecycle
// status references them.
func checkCompleteness(cert *Certificate, res *Result) bool {
	status := ledger.Status(cert.Status)
	needsWitness := status == ledger.StatusWitnessReady ||
		status == ledger.StatusInSignatureFlow ||
		status == ledger.StatusSigned ||
		status == ledger.StatusAnchored
	needsSigned := status == ledger.StatusSigned || cert.SignedHash != ""

	if needsWitness && cert.Witness == nil {
		res.add("completeness", false, "witness object absent while lifecycle status references it")
		return false
	}
	if needsSigned && cert.Signed == nil {
		res.add("completeness", false, "signed object absent while lifecycle status references it")
		return false
	}
	res.add("completeness", true, "")
	return true
}
