package main

import (
	"bytes"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/certificate"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
)

func buildCertificate(t *testing.T) *certificate.Certificate {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	confirmed := now.Add(time.Minute)

	anchorDone := event.NewAnchorPayload(event.KindAnchorConfirmed, event.NetworkBitcoin)
	anchorDone.TxID = "tx-1"
	anchorDone.ConfirmedAt = &confirmed

	doc := &ledger.Document{
		ID:          "doc-1",
		OwnerID:     "owner-1",
		SourceHash:  "sha256:source",
		WitnessHash: "sha256:witness",
		Status:      ledger.StatusAnchored,
		TransformLog: []ledger.TransformEntry{
			{Operation: "render_pdf", FromHash: "sha256:source", ToHash: "sha256:witness"},
		},
		Events: []event.Event{
			event.New(now, event.RequestedPayload{DocumentID: "doc-1", PlanKey: "free"}),
			event.New(now, event.TSAConfirmedPayload{WitnessHash: "sha256:witness", Token: "dG9rZW4="}),
			event.New(now, anchorDone),
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	return certificate.Project(doc, now.Add(time.Hour))
}

func writeCertificate(t *testing.T, cert *certificate.Certificate) string {
	t.Helper()
	raw, err := json.Marshal(cert)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "doc-1.eco.json")
	require.NoError(t, os.WriteFile(path, raw, 0o644))
	return path
}

func TestRunValidCertificate(t *testing.T) {
	path := writeCertificate(t, buildCertificate(t))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", path}, &stdout, &stderr)
	assert.Zero(t, code)
	assert.Contains(t, stdout.String(), "valid")
	assert.Contains(t, stdout.String(), "[ok]")
}

func TestRunTamperedCertificate(t *testing.T) {
	cert := buildCertificate(t)
	cert.Witness.Hash = "sha256:forged"
	path := writeCertificate(t, cert)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", path}, &stdout, &stderr)
	assert.Equal(t, 1, code)
	assert.Contains(t, stdout.String(), "tampered")
	assert.Contains(t, stdout.String(), "[FAIL]")
}

func TestRunIncompleteCertificate(t *testing.T) {
	cert := buildCertificate(t)
	// The anchored status references a witness form that is absent.
	cert.Witness = nil
	cert.WitnessHash = ""
	cert.HashChain.WitnessHash = ""
	path := writeCertificate(t, cert)

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", path}, &stdout, &stderr)
	assert.Equal(t, 2, code)
	assert.Contains(t, stdout.String(), "incomplete")
}

func TestRunUnknownDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "garbage.json")
	require.NoError(t, os.WriteFile(path, []byte("not json at all"), 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", path}, &stdout, &stderr)
	assert.Equal(t, 3, code)
	assert.Contains(t, stdout.String(), "unknown")
}

func TestRunMissingCertFlag(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run(nil, &stdout, &stderr)
	assert.Equal(t, 4, code)
	assert.Contains(t, stderr.String(), "--cert is required")
}

func TestRunUnreadableFile(t *testing.T) {
	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", filepath.Join(t.TempDir(), "missing.json")}, &stdout, &stderr)
	assert.Equal(t, 4, code)
	assert.Contains(t, stderr.String(), "cannot read certificate")
}

func TestRunJSONOutput(t *testing.T) {
	path := writeCertificate(t, buildCertificate(t))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", path, "--json"}, &stdout, &stderr)
	assert.Zero(t, code)

	var report certificate.Result
	require.NoError(t, json.Unmarshal(stdout.Bytes(), &report))
	assert.Equal(t, certificate.StatusValid, report.Status)
	assert.NotEmpty(t, report.Checks)
}

func TestRunWithTrustStore(t *testing.T) {
	cert := buildCertificate(t)

	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	key := ed25519.NewKeyFromSeed(seed)
	signer := certificate.NewSignerFromKey(key, "institutional-1")
	require.NoError(t, signer.Sign(cert))
	certPath := writeCertificate(t, cert)

	trustDoc := map[string]any{
		"keys": map[string]string{
			"institutional-1": hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		},
	}
	trustRaw, err := json.Marshal(trustDoc)
	require.NoError(t, err)
	trustPath := filepath.Join(t.TempDir(), "trust.json")
	require.NoError(t, os.WriteFile(trustPath, trustRaw, 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", certPath, "--trust", trustPath}, &stdout, &stderr)
	assert.Zero(t, code)
	assert.NotContains(t, stdout.String(), "warning")
}

func TestRunRevokedKey(t *testing.T) {
	cert := buildCertificate(t)

	seed := bytes.Repeat([]byte{0x42}, ed25519.SeedSize)
	key := ed25519.NewKeyFromSeed(seed)
	signer := certificate.NewSignerFromKey(key, "institutional-1")
	require.NoError(t, signer.Sign(cert))
	certPath := writeCertificate(t, cert)

	trustDoc := map[string]any{
		"keys": map[string]string{
			"institutional-1": hex.EncodeToString(key.Public().(ed25519.PublicKey)),
		},
		"revoked": []string{"institutional-1"},
	}
	trustRaw, err := json.Marshal(trustDoc)
	require.NoError(t, err)
	trustPath := filepath.Join(t.TempDir(), "trust.json")
	require.NoError(t, os.WriteFile(trustPath, trustRaw, 0o644))

	var stdout, stderr bytes.Buffer
	code := Run([]string{"--cert", certPath, "--trust", trustPath}, &stdout, &stderr)
	assert.Equal(t, 1, code, "a revoked key is tampering")
}
