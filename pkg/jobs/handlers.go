package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/anchor"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/artifacts"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/certificate"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/decision"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/tsa"
)

// HandlerSet wires the enumerated job types to their collaborators: the
// TSA client, the per-network anchor submitters, the certificate engine
// and the artifact store. Every handler re-checks the decision engine
// before acting, so superseded work resolves as success.
type HandlerSet struct {
	Ledger     *ledger.Ledger
	Planner    *Planner
	TSA        *tsa.Client
	Submitters map[event.Network]anchor.Submitter
	Pollers    map[event.Network]anchor.Poller
	Artifacts  artifacts.Store
	Signer     *certificate.Signer // optional institutional signature
	Logger     *slog.Logger
	Clock      func() time.Time
}

// Handlers returns the dispatch map for the executor.
func (h *HandlerSet) Handlers() map[Type]Handler {
	if h.Logger == nil {
		h.Logger = slog.Default()
	}
	if h.Clock == nil {
		h.Clock = time.Now
	}
	return map[Type]Handler{
		TypeRunTSA:        h.runTSA,
		TypeAnchorPolygon: h.submitAnchor(event.NetworkPolygon),
		TypeAnchorBitcoin: h.submitAnchor(event.NetworkBitcoin),
		TypeBuildArtifact: h.buildArtifact,
	}
}

func (h *HandlerSet) runTSA(ctx context.Context, job *Job) error {
	doc, err := h.Ledger.Get(ctx, job.EntityID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if !decision.ShouldRunTSA(doc.Events) {
		h.Logger.Info("run_tsa superseded", "document_id", doc.ID)
		return nil
	}
	if doc.WitnessHash == "" {
		return fmt.Errorf("%w: document %s has no witness hash", ErrPrecondition, doc.ID)
	}

	reqDER, err := tsa.BuildRequestFromHashHex(doc.WitnessHash)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	resp, err := h.TSA.Request(ctx, reqDER)
	if err != nil {
		h.appendBestEffort(ctx, doc.ID, event.New(h.Clock().UTC(), event.TSAFailedPayload{
			WitnessHash: doc.WitnessHash,
			Reason:      err.Error(),
		}))
		return fmt.Errorf("%w: tsa request: %v", ErrTransient, err)
	}

	ev := event.New(h.Clock().UTC(), event.TSAConfirmedPayload{
		WitnessHash:  doc.WitnessHash,
		Token:        resp.TokenBase64,
		AuthorityURL: resp.AuthorityURL,
		ElapsedMS:    resp.Elapsed.Milliseconds(),
	})
	if err := h.Ledger.Append(ctx, doc.ID, ev); err != nil {
		return classifyAppendErr(err)
	}
	h.reconcile(ctx, doc.ID)
	return nil
}

// pollerFor returns the network's confirmation poller. Networks without an
// explicit entry get the default leash.
func (h *HandlerSet) pollerFor(network event.Network) anchor.Poller {
	if p, ok := h.Pollers[network]; ok {
		return p
	}
	return anchor.DefaultPoller()
}

func (h *HandlerSet) submitAnchor(network event.Network) Handler {
	return func(ctx context.Context, job *Job) error {
		doc, err := h.Ledger.Get(ctx, job.EntityID)
		if err != nil {
			return fmt.Errorf("%w: %v", ErrTransient, err)
		}
		required := PolicyFor(doc).RequiredNetworks()
		if !decision.ShouldSubmitAnchor(network, doc.Events, required) {
			h.Logger.Info("anchor superseded", "document_id", doc.ID, "network", string(network))
			return nil
		}
		sub, ok := h.Submitters[network]
		if !ok {
			return fmt.Errorf("%w: no submitter for network %s", ErrPrecondition, network)
		}

		txid, err := sub.Submit(ctx, doc.WitnessHash)
		if err != nil {
			h.appendAnchorOutcome(ctx, doc.ID, event.KindAnchorFailed, network, "", nil, err.Error())
			return fmt.Errorf("%w: anchor submit %s: %v", ErrTransient, network, err)
		}
		h.appendAnchorOutcome(ctx, doc.ID, event.KindAnchor, network, txid, nil, "")

		receipt, err := h.pollerFor(network).WaitForConfirmation(ctx, sub, txid)
		if errors.Is(err, anchor.ErrConfirmationTimeout) {
			// Timing out must leave a trace, never fail silently.
			h.appendAnchorOutcome(ctx, doc.ID, event.KindAnchorTimeout, network, txid, nil, "confirmation deadline exceeded")
			return fmt.Errorf("%w: anchor %s txid %s: %v", ErrTransient, network, txid, err)
		}
		if err != nil {
			h.appendAnchorOutcome(ctx, doc.ID, event.KindAnchorFailed, network, txid, nil, err.Error())
			return fmt.Errorf("%w: anchor poll %s: %v", ErrTransient, network, err)
		}

		confirmedAt := receipt.ConfirmedAt
		p := event.NewAnchorPayload(event.KindAnchorConfirmed, network)
		p.TxID = receipt.TxID
		p.ConfirmedAt = &confirmedAt
		at := h.Clock().UTC()
		if at.After(confirmedAt) {
			// Causality: confirmed_at may not precede the event's own at.
			at = confirmedAt
		}
		if err := h.Ledger.Append(ctx, doc.ID, event.New(at, p)); err != nil {
			return classifyAppendErr(err)
		}
		h.reconcile(ctx, doc.ID)
		return nil
	}
}

func (h *HandlerSet) buildArtifact(ctx context.Context, job *Job) error {
	doc, err := h.Ledger.Get(ctx, job.EntityID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	required := PolicyFor(doc).RequiredNetworks()
	if !decision.ShouldBuildArtifact(doc.Events, required) {
		// Already finalized or evidence still missing; either way this job
		// is a no-op now.
		h.Logger.Info("build_artifact superseded", "document_id", doc.ID)
		return nil
	}

	cert := certificate.Project(doc, h.Clock().UTC())
	if h.Signer != nil {
		if err := h.Signer.Sign(cert); err != nil {
			return fmt.Errorf("%w: certificate signing: %v", ErrPrecondition, err)
		}
	}
	canonical, err := certificate.Canonicalize(cert)
	if err != nil {
		return fmt.Errorf("%w: canonicalize: %v", ErrPrecondition, err)
	}
	address, err := h.Artifacts.Store(ctx, canonical)
	if err != nil {
		return fmt.Errorf("%w: artifact store: %v", ErrTransient, err)
	}

	ev := event.New(h.Clock().UTC(), event.ArtifactFinalizedPayload{
		ArtifactHash: address,
		StoragePath:  address,
	})
	if err := h.Ledger.Append(ctx, doc.ID, ev); err != nil {
		return classifyAppendErr(err)
	}
	h.Logger.Info("certificate finalized", "document_id", doc.ID, "artifact", address)
	return nil
}

// reconcile enqueues the next step of the flow; failures here are logged,
// not fatal; the periodic sweep will pick the document up again.
func (h *HandlerSet) reconcile(ctx context.Context, documentID string) {
	if h.Planner == nil {
		return
	}
	if _, err := h.Planner.Reconcile(ctx, documentID); err != nil {
		h.Logger.Warn("reconcile after handler failed", "document_id", documentID, "error", err)
	}
}

func (h *HandlerSet) appendBestEffort(ctx context.Context, documentID string, ev event.Event) {
	if err := h.Ledger.Append(ctx, documentID, ev); err != nil {
		h.Logger.Warn("best-effort append failed", "document_id", documentID,
			"kind", string(ev.Kind), "error", err)
	}
}

func (h *HandlerSet) appendAnchorOutcome(ctx context.Context, documentID string, kind event.Kind,
	network event.Network, txid string, confirmedAt *time.Time, reason string) {
	p := event.NewAnchorPayload(kind, network)
	p.TxID = txid
	p.ConfirmedAt = confirmedAt
	p.Reason = reason
	h.appendBestEffort(ctx, documentID, event.New(h.Clock().UTC(), p))
}

// classifyAppendErr maps ledger rejections onto the job taxonomy: invariant
// violations are preconditions (dead, no retry), everything else is store
// trouble worth retrying.
func classifyAppendErr(err error) error {
	if errors.Is(err, ledger.ErrInvalidEvent) || errors.Is(err, ledger.ErrAppendOnlyViolation) {
		return fmt.Errorf("%w: %v", ErrPrecondition, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
