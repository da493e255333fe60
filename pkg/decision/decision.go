// Package decision derives the next protection action from a document's
// event history. Every function here is pure: same events and policy in,
// same answer out, no clock, no store, no I/O.
//
// Ordering is the append sequence of the event slice. Wall-clock timestamps
// on events are informational and never consulted to decide whether
// something "already happened".
package decision

import (
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// Action is what the executor should enqueue next for a document.
type Action string

const (
	ActionRunTSA        Action = "run_tsa"
	ActionAnchorPolygon Action = "submit_anchor_polygon"
	ActionAnchorBitcoin Action = "submit_anchor_bitcoin"
	ActionBuildArtifact Action = "build_artifact"
	ActionNone          Action = "none"
)

// ShouldRunTSA reports whether a timestamp request is due: a protection was
// requested and no tsa.confirmed exists yet.
func ShouldRunTSA(events []event.Event) bool {
	return hasKind(events, event.KindProtectionRequested) &&
		!hasKind(events, event.KindTSAConfirmed)
}

// ShouldSubmitAnchor reports whether an anchor submission to network is due.
// A confirmation only satisfies the requirement when it is causally valid;
// a timed-out or invalid confirmation leaves resubmission open.
func ShouldSubmitAnchor(network event.Network, events []event.Event, required []event.Network) bool {
	if !hasKind(events, event.KindTSAConfirmed) {
		return false
	}
	if !containsNetwork(required, network) {
		return false
	}
	return !HasValidAnchorConfirmation(events, network)
}

// ShouldBuildArtifact reports whether the final certificate can be
// assembled: timestamp confirmed, every required network anchored, and no
// artifact finalized yet. Once finalized it stays finalized.
func ShouldBuildArtifact(events []event.Event, required []event.Network) bool {
	if !hasKind(events, event.KindTSAConfirmed) {
		return false
	}
	if hasKind(events, event.KindArtifactFinalized) {
		return false
	}
	for _, n := range required {
		if !HasValidAnchorConfirmation(events, n) {
			return false
		}
	}
	return true
}

// Next returns the single next action for the document, in precedence order
// run_tsa > polygon > bitcoin > build_artifact > none.
func Next(events []event.Event, required []event.Network) Action {
	if ShouldRunTSA(events) {
		return ActionRunTSA
	}
	if ShouldSubmitAnchor(event.NetworkPolygon, events, required) {
		return ActionAnchorPolygon
	}
	if ShouldSubmitAnchor(event.NetworkBitcoin, events, required) {
		return ActionAnchorBitcoin
	}
	if ShouldBuildArtifact(events, required) {
		return ActionBuildArtifact
	}
	return ActionNone
}

// HasValidAnchorConfirmation reports whether events holds an anchor.confirmed
// for network whose payload is complete and causally consistent
// (confirmed_at not earlier than the event's own at).
func HasValidAnchorConfirmation(events []event.Event, network event.Network) bool {
	for _, e := range events {
		if e.Kind != event.KindAnchorConfirmed {
			continue
		}
		p, ok := e.AnchorPayloadOf()
		if !ok || p.Network != network {
			continue
		}
		if p.TxID == "" || p.ConfirmedAt == nil {
			continue
		}
		if p.ConfirmedAt.Before(e.At) {
			continue
		}
		return true
	}
	return false
}

func hasKind(events []event.Event, kind event.Kind) bool {
	for _, e := range events {
		if e.Kind == kind {
			return true
		}
	}
	return false
}

func containsNetwork(networks []event.Network, n event.Network) bool {
	for _, x := range networks {
		if x == n {
			return true
		}
	}
	return false
}
