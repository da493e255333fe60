// Package authority selects, per decision, whether the canonical decision
// engine or the legacy path has authority, and runs both in shadow mode to
// log discrepancies during the migration.
//
// Flags are read from the environment once at process start and mirrored
// into the store for observability. They are authoritative only for the
// process that read them; there is no live reload within a run.
package authority

import (
	"context"
	"log/slog"
	"os"
	"strings"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/decision"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// FlagID names one authority decision flag.
type FlagID string

const (
	FlagRunTSA        FlagID = "D1" // run_tsa decisions
	FlagAnchorPolygon FlagID = "D2" // polygon anchor decisions
	FlagAnchorBitcoin FlagID = "D3" // bitcoin anchor decisions
	FlagBuildArtifact FlagID = "D4" // artifact assembly decisions
	FlagNextAction    FlagID = "D5" // combined next-action arbitration
)

// AllFlags lists every decision flag.
var AllFlags = []FlagID{FlagRunTSA, FlagAnchorPolygon, FlagAnchorBitcoin, FlagBuildArtifact, FlagNextAction}

// Config is the explicit flag state threaded into callers. Decision
// functions never read ambient globals.
type Config struct {
	Flags map[FlagID]bool
}

// Enabled reports whether the canonical engine has authority for id.
func (c Config) Enabled(id FlagID) bool {
	return c.Flags[id]
}

// LoadFromEnv reads ECOSIGN_AUTHORITY_D1..D5 ("true"/"1" enables the
// canonical engine) once, at process start.
func LoadFromEnv() Config {
	cfg := Config{Flags: make(map[FlagID]bool, len(AllFlags))}
	for _, id := range AllFlags {
		v := strings.ToLower(os.Getenv("ECOSIGN_AUTHORITY_" + string(id)))
		cfg.Flags[id] = v == "true" || v == "1"
	}
	return cfg
}

// FlagStore mirrors the process's flag state into durable storage so
// operators can see which authority each worker runs under.
type FlagStore interface {
	MirrorFlags(ctx context.Context, workerID string, flags map[FlagID]bool) error
}

// Mirror writes the flags through the store; mirroring is best-effort
// observability and failures are logged, not fatal.
func Mirror(ctx context.Context, store FlagStore, workerID string, cfg Config, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.MirrorFlags(ctx, workerID, cfg.Flags); err != nil {
		logger.Warn("authority flag mirror failed", "worker_id", workerID, "error", err)
	}
}

// LegacyDecider is the pre-migration decision path, kept alongside the
// canonical engine until cutover completes.
type LegacyDecider func(events []event.Event, required []event.Network) decision.Action

// Switch computes both paths, logs a structured discrepancy record on
// mismatch, and returns the decision of whichever path holds authority.
// It wraps the pure engine from outside; the engine itself stays
// flag-free.
type Switch struct {
	cfg    Config
	legacy LegacyDecider
	logger *slog.Logger
}

// NewSwitch builds the authority switch. A nil legacy path means the
// canonical engine always decides.
func NewSwitch(cfg Config, legacy LegacyDecider, logger *slog.Logger) *Switch {
	if logger == nil {
		logger = slog.Default()
	}
	return &Switch{cfg: cfg, legacy: legacy, logger: logger}
}

// Next arbitrates the combined next-action decision (flag D5).
func (s *Switch) Next(documentID string, events []event.Event, required []event.Network) decision.Action {
	canonical := decision.Next(events, required)
	if s.legacy == nil {
		return canonical
	}
	legacy := s.legacy(events, required)
	if canonical != legacy {
		s.logger.Warn("authority discrepancy",
			"flag", string(FlagNextAction),
			"document_id", documentID,
			"canonical", string(canonical),
			"legacy", string(legacy),
			"event_count", len(events),
			"authoritative", s.authoritativeName(FlagNextAction),
		)
	}
	if s.cfg.Enabled(FlagNextAction) {
		return canonical
	}
	return legacy
}

func (s *Switch) authoritativeName(id FlagID) string {
	if s.cfg.Enabled(id) {
		return "canonical"
	}
	return "legacy"
}
