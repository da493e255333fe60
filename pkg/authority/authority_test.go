package authority

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/decision"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("ECOSIGN_AUTHORITY_D1", "true")
	t.Setenv("ECOSIGN_AUTHORITY_D2", "1")
	t.Setenv("ECOSIGN_AUTHORITY_D3", "false")
	t.Setenv("ECOSIGN_AUTHORITY_D4", "")
	t.Setenv("ECOSIGN_AUTHORITY_D5", "TRUE")

	cfg := LoadFromEnv()

	assert.True(t, cfg.Enabled(FlagRunTSA))
	assert.True(t, cfg.Enabled(FlagAnchorPolygon))
	assert.False(t, cfg.Enabled(FlagAnchorBitcoin))
	assert.False(t, cfg.Enabled(FlagBuildArtifact))
	assert.True(t, cfg.Enabled(FlagNextAction))
}

func requestedEvents() []event.Event {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return []event.Event{event.New(at, event.RequestedPayload{DocumentID: "doc-1"})}
}

func TestSwitch_CanonicalOnlyWithoutLegacy(t *testing.T) {
	sw := NewSwitch(Config{Flags: map[FlagID]bool{}}, nil, slog.Default())

	act := sw.Next("doc-1", requestedEvents(), nil)
	assert.Equal(t, decision.ActionRunTSA, act)
}

func TestSwitch_LegacyHoldsAuthorityByDefault(t *testing.T) {
	legacy := func([]event.Event, []event.Network) decision.Action {
		return decision.ActionNone
	}
	sw := NewSwitch(Config{Flags: map[FlagID]bool{}}, legacy, slog.Default())

	// Flag off: the legacy answer wins even when the engine disagrees.
	act := sw.Next("doc-1", requestedEvents(), nil)
	assert.Equal(t, decision.ActionNone, act)
}

func TestSwitch_CanonicalWinsWhenFlagged(t *testing.T) {
	legacy := func([]event.Event, []event.Network) decision.Action {
		return decision.ActionNone
	}
	cfg := Config{Flags: map[FlagID]bool{FlagNextAction: true}}
	sw := NewSwitch(cfg, legacy, slog.Default())

	act := sw.Next("doc-1", requestedEvents(), nil)
	assert.Equal(t, decision.ActionRunTSA, act)
}

func TestSwitch_LogsDiscrepancy(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	legacy := func([]event.Event, []event.Network) decision.Action {
		return decision.ActionNone
	}
	sw := NewSwitch(Config{Flags: map[FlagID]bool{}}, legacy, logger)
	sw.Next("doc-1", requestedEvents(), nil)

	out := buf.String()
	require.Contains(t, out, "authority discrepancy")
	assert.Contains(t, out, `"document_id":"doc-1"`)
	assert.Contains(t, out, `"canonical":"run_tsa"`)
	assert.Contains(t, out, `"legacy":"none"`)
	assert.Contains(t, out, `"authoritative":"legacy"`)
}

func TestSwitch_NoDiscrepancyNoLog(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	legacy := func(events []event.Event, required []event.Network) decision.Action {
		return decision.Next(events, required)
	}
	sw := NewSwitch(Config{Flags: map[FlagID]bool{}}, legacy, logger)
	sw.Next("doc-1", requestedEvents(), nil)

	assert.Empty(t, buf.String())
}
