package ledger

import (
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// Projections are derived, recomputable views over the event list. They are
// never the source of truth; any cached copy must be rebuildable by
// replaying events through these functions.

// LastTSAConfirmed returns the most recent tsa.confirmed payload by append
// order, if any.
func LastTSAConfirmed(events []event.Event) (event.TSAConfirmedPayload, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if p, ok := events[i].TSAPayloadOf(); ok && events[i].Kind == event.KindTSAConfirmed {
			return p, true
		}
	}
	return event.TSAConfirmedPayload{}, false
}

// ConfirmedAnchors returns the latest confirmed anchor payload per network,
// by append order.
func ConfirmedAnchors(events []event.Event) map[event.Network]event.AnchorPayload {
	out := make(map[event.Network]event.AnchorPayload)
	for _, e := range events {
		if e.Kind != event.KindAnchorConfirmed {
			continue
		}
		if p, ok := e.AnchorPayloadOf(); ok {
			out[p.Network] = p
		}
	}
	return out
}

// FinalizedArtifact returns the artifact.finalized payload if present.
func FinalizedArtifact(events []event.Event) (event.ArtifactFinalizedPayload, bool) {
	for i := len(events) - 1; i >= 0; i-- {
		if p, ok := events[i].Payload.(event.ArtifactFinalizedPayload); ok {
			return p, true
		}
	}
	return event.ArtifactFinalizedPayload{}, false
}

// CountByKind tallies events per kind, for diagnostics.
func CountByKind(events []event.Event) map[event.Kind]int {
	out := make(map[event.Kind]int)
	for _, e := range events {
		out[e.Kind]++
	}
	return out
}
