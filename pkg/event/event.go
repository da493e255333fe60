// Package event defines the closed set of ledger event kinds and their
// payloads. Payloads are typed per kind and validated before they reach
// storage; unknown kinds are rejected rather than passed through.
package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies an event type. The set is closed.
type Kind string

const (
	KindProtectionRequested Kind = "document.protected.requested"
	KindTSAConfirmed        Kind = "tsa.confirmed"
	KindTSAFailed           Kind = "tsa.failed"
	KindAnchor              Kind = "anchor"
	KindAnchorConfirmed     Kind = "anchor.confirmed"
	KindAnchorFailed        Kind = "anchor.failed"
	KindAnchorTimeout       Kind = "anchor.timeout"
	KindArtifactFinalized   Kind = "artifact.finalized"
	KindNDAAccepted         Kind = "nda.accepted"
	KindShareCreated        Kind = "share.created"
	KindShareOpened         Kind = "share.opened"
	KindPresenceOpened      Kind = "presence.opened"
	KindPresenceClosed      Kind = "presence.closed"
)

// Network names a public blockchain anchoring target.
type Network string

const (
	NetworkPolygon Network = "polygon"
	NetworkBitcoin Network = "bitcoin"
)

// KnownNetwork reports whether n is a supported anchoring network.
func KnownNetwork(n Network) bool {
	return n == NetworkPolygon || n == NetworkBitcoin
}

// Payload is implemented by every per-kind payload struct.
type Payload interface {
	Kind() Kind
	Validate() error
}

// Event is an immutable ledger record. At is informational wall-clock time;
// ordering within a document is the append sequence, never At.
type Event struct {
	Kind    Kind      `json:"kind"`
	At      time.Time `json:"at"`
	Payload Payload   `json:"payload,omitempty"`
}

// RequestedPayload starts a protection flow.
type RequestedPayload struct {
	DocumentID string `json:"document_id"`
	PlanKey    string `json:"plan_key,omitempty"`
	FlowType   string `json:"flow_type,omitempty"`
	Stage      string `json:"stage,omitempty"`
}

func (p RequestedPayload) Kind() Kind { return KindProtectionRequested }

func (p RequestedPayload) Validate() error {
	if p.DocumentID == "" {
		return fmt.Errorf("requested: missing document_id")
	}
	return nil
}

// TSAConfirmedPayload records a successful RFC 3161 timestamp.
type TSAConfirmedPayload struct {
	WitnessHash  string `json:"witness_hash"`
	Token        string `json:"token"` // base64 TimeStampResp
	AuthorityURL string `json:"authority_url,omitempty"`
	ElapsedMS    int64  `json:"elapsed_ms,omitempty"`
}

func (p TSAConfirmedPayload) Kind() Kind { return KindTSAConfirmed }

func (p TSAConfirmedPayload) Validate() error {
	if p.WitnessHash == "" {
		return fmt.Errorf("tsa.confirmed: missing witness_hash")
	}
	if p.Token == "" {
		return fmt.Errorf("tsa.confirmed: empty token")
	}
	return nil
}

// TSAFailedPayload records a failed timestamp attempt.
type TSAFailedPayload struct {
	WitnessHash string `json:"witness_hash"`
	Reason      string `json:"reason"`
}

func (p TSAFailedPayload) Kind() Kind { return KindTSAFailed }

func (p TSAFailedPayload) Validate() error {
	if p.Reason == "" {
		return fmt.Errorf("tsa.failed: missing reason")
	}
	return nil
}

// AnchorPayload describes a blockchain anchoring attempt or outcome. The
// same shape backs anchor, anchor.confirmed, anchor.failed and
// anchor.timeout; ConfirmedAt is set only on confirmation.
type AnchorPayload struct {
	Network     Network    `json:"network"`
	TxID        string     `json:"txid,omitempty"`
	ConfirmedAt *time.Time `json:"confirmed_at,omitempty"`
	Reason      string     `json:"reason,omitempty"`

	kind Kind
}

// NewAnchorPayload builds an anchor-family payload for the given kind.
func NewAnchorPayload(kind Kind, network Network) AnchorPayload {
	return AnchorPayload{Network: network, kind: kind}
}

func (p AnchorPayload) Kind() Kind {
	if p.kind == "" {
		return KindAnchor
	}
	return p.kind
}

func (p AnchorPayload) Validate() error {
	if !KnownNetwork(p.Network) {
		return fmt.Errorf("anchor: unknown network %q", p.Network)
	}
	if p.Kind() == KindAnchorConfirmed {
		if p.TxID == "" {
			return fmt.Errorf("anchor.confirmed: missing txid")
		}
		if p.ConfirmedAt == nil {
			return fmt.Errorf("anchor.confirmed: missing confirmed_at")
		}
	}
	return nil
}

// ArtifactFinalizedPayload records the assembled certificate.
type ArtifactFinalizedPayload struct {
	ArtifactHash string `json:"artifact_hash"`
	StoragePath  string `json:"storage_path,omitempty"`
}

func (p ArtifactFinalizedPayload) Kind() Kind { return KindArtifactFinalized }

func (p ArtifactFinalizedPayload) Validate() error {
	if p.ArtifactHash == "" {
		return fmt.Errorf("artifact.finalized: missing artifact_hash")
	}
	return nil
}

// NDAAcceptedPayload records acceptance of a non-disclosure agreement prior
// to viewing a shared document.
type NDAAcceptedPayload struct {
	AcceptorEmail string `json:"acceptor_email"`
	NDAHash       string `json:"nda_hash,omitempty"`
}

func (p NDAAcceptedPayload) Kind() Kind { return KindNDAAccepted }

func (p NDAAcceptedPayload) Validate() error {
	if p.AcceptorEmail == "" {
		return fmt.Errorf("nda.accepted: missing acceptor_email")
	}
	return nil
}

// SharePayload backs share.created and share.opened.
type SharePayload struct {
	ShareID        string `json:"share_id"`
	RecipientEmail string `json:"recipient_email,omitempty"`

	kind Kind
}

// NewSharePayload builds a share-family payload for the given kind.
func NewSharePayload(kind Kind, shareID string) SharePayload {
	return SharePayload{ShareID: shareID, kind: kind}
}

func (p SharePayload) Kind() Kind {
	if p.kind == "" {
		return KindShareCreated
	}
	return p.kind
}

func (p SharePayload) Validate() error {
	if p.ShareID == "" {
		return fmt.Errorf("share: missing share_id")
	}
	return nil
}

// PresencePayload backs presence-session events.
type PresencePayload struct {
	SessionID string `json:"session_id"`
	Viewer    string `json:"viewer,omitempty"`

	kind Kind
}

// NewPresencePayload builds a presence-family payload for the given kind.
func NewPresencePayload(kind Kind, sessionID string) PresencePayload {
	return PresencePayload{SessionID: sessionID, kind: kind}
}

func (p PresencePayload) Kind() Kind {
	if p.kind == "" {
		return KindPresenceOpened
	}
	return p.kind
}

func (p PresencePayload) Validate() error {
	if p.SessionID == "" {
		return fmt.Errorf("presence: missing session_id")
	}
	return nil
}

// New builds an event for the given payload, stamped with at.
func New(at time.Time, payload Payload) Event {
	return Event{Kind: payload.Kind(), At: at, Payload: payload}
}

// Validate checks kind/payload consistency and per-kind required fields.
func (e Event) Validate() error {
	if e.At.IsZero() {
		return fmt.Errorf("event %s: missing at timestamp", e.Kind)
	}
	if e.Payload == nil {
		return fmt.Errorf("event %s: missing payload", e.Kind)
	}
	if e.Payload.Kind() != e.Kind {
		return fmt.Errorf("event %s: payload is for kind %s", e.Kind, e.Payload.Kind())
	}
	return e.Payload.Validate()
}

// AnchorPayloadOf returns the anchor payload if e is an anchor-family event.
func (e Event) AnchorPayloadOf() (AnchorPayload, bool) {
	p, ok := e.Payload.(AnchorPayload)
	return p, ok
}

// TSAPayloadOf returns the tsa.confirmed payload if present.
func (e Event) TSAPayloadOf() (TSAConfirmedPayload, bool) {
	p, ok := e.Payload.(TSAConfirmedPayload)
	return p, ok
}

type envelope struct {
	Kind    Kind            `json:"kind"`
	At      time.Time       `json:"at"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON encodes the event as {kind, at, payload}.
func (e Event) MarshalJSON() ([]byte, error) {
	var raw json.RawMessage
	if e.Payload != nil {
		b, err := json.Marshal(e.Payload)
		if err != nil {
			return nil, err
		}
		raw = b
	}
	return json.Marshal(envelope{Kind: e.Kind, At: e.At, Payload: raw})
}

// UnmarshalJSON decodes the payload into the struct matching the kind.
// Unknown kinds are an error.
func (e *Event) UnmarshalJSON(data []byte) error {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	payload, err := decodePayload(env.Kind, env.Payload)
	if err != nil {
		return err
	}
	e.Kind = env.Kind
	e.At = env.At
	e.Payload = payload
	return nil
}

func decodePayload(kind Kind, raw json.RawMessage) (Payload, error) {
	unmarshal := func(v any) error {
		if len(raw) == 0 {
			return nil
		}
		return json.Unmarshal(raw, v)
	}
	switch kind {
	case KindProtectionRequested:
		var p RequestedPayload
		return p, unmarshal(&p)
	case KindTSAConfirmed:
		var p TSAConfirmedPayload
		return p, unmarshal(&p)
	case KindTSAFailed:
		var p TSAFailedPayload
		return p, unmarshal(&p)
	case KindAnchor, KindAnchorConfirmed, KindAnchorFailed, KindAnchorTimeout:
		var p AnchorPayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	case KindArtifactFinalized:
		var p ArtifactFinalizedPayload
		return p, unmarshal(&p)
	case KindNDAAccepted:
		var p NDAAcceptedPayload
		return p, unmarshal(&p)
	case KindShareCreated, KindShareOpened:
		var p SharePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	case KindPresenceOpened, KindPresenceClosed:
		var p PresencePayload
		if err := unmarshal(&p); err != nil {
			return nil, err
		}
		p.kind = kind
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event kind %q", kind)
	}
}
