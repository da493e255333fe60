package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/certificate"
)

// ecoverify validates a protection certificate offline: canonical hash
// agreement, transform chain continuity, completeness for the claimed
// status, and the institutional signature when a trust file is given.
//
// Exit codes:
//
//	0 = valid
//	1 = tampered
//	2 = incomplete
//	3 = unknown (not recognizable as a certificate)
//	4 = runtime error
func main() {
	os.Exit(Run(os.Args[1:], os.Stdout, os.Stderr))
}

// Run is the entrypoint for testing.
func Run(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ecoverify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		certPath   string
		trustPath  string
		jsonOutput bool
	)

	cmd.StringVar(&certPath, "cert", "", "Path to certificate JSON (REQUIRED)")
	cmd.StringVar(&trustPath, "trust", "", "Path to trusted keys JSON (key_id -> hex public key)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 4
	}

	if certPath == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --cert is required")
		cmd.Usage()
		return 4
	}

	raw, err := os.ReadFile(certPath)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: cannot read certificate: %v\n", err)
		return 4
	}

	var trust *certificate.TrustStore
	if trustPath != "" {
		trust, err = loadTrust(trustPath)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: cannot load trust file: %v\n", err)
			return 4
		}
	}

	report := certificate.VerifyJSON(raw, trust)

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printReport(stdout, certPath, report)
	}

	switch report.Status {
	case certificate.StatusValid:
		return 0
	case certificate.StatusTampered:
		return 1
	case certificate.StatusIncomplete:
		return 2
	default:
		return 3
	}
}

func printReport(w io.Writer, path string, report *certificate.Result) {
	_, _ = fmt.Fprintf(w, "Certificate: %s\n", path)
	_, _ = fmt.Fprintf(w, "Status:      %s\n", report.Status)
	for _, c := range report.Checks {
		mark := "ok"
		if !c.Pass {
			mark = "FAIL"
		}
		if c.Reason != "" {
			_, _ = fmt.Fprintf(w, "  [%s] %s: %s\n", mark, c.Name, c.Reason)
		} else {
			_, _ = fmt.Fprintf(w, "  [%s] %s\n", mark, c.Name)
		}
	}
	for _, warn := range report.Warnings {
		_, _ = fmt.Fprintf(w, "  warning: %s\n", warn)
	}
}

// loadTrust reads a JSON object mapping key IDs to hex-encoded ed25519
// public keys, with an optional "revoked" list of key IDs.
func loadTrust(path string) (*certificate.TrustStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var doc struct {
		Keys    map[string]string `json:"keys"`
		Revoked []string          `json:"revoked,omitempty"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	trust, err := certificate.NewTrustStore(doc.Keys)
	if err != nil {
		return nil, err
	}
	for _, keyID := range doc.Revoked {
		trust.Revoke(keyID)
	}
	return trust, nil
}
