package jobs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/authority"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/decision"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/ledger"
	"github.com/TemporalDynamics/ecosign-sub002/pkg/policy"
)

// PolicyFor derives the protection policy for a document from its
// requested event. Missing flow metadata resolves to the conservative
// direct-protection defaults.
func PolicyFor(doc *ledger.Document) policy.Decision {
	planKey := "free"
	flow := policy.FlowDirect
	stage := policy.StageInitial
	for _, e := range doc.Events {
		p, ok := e.Payload.(event.RequestedPayload)
		if !ok {
			continue
		}
		if p.PlanKey != "" {
			planKey = p.PlanKey
		}
		if p.FlowType != "" {
			flow = policy.FlowType(p.FlowType)
		}
		if p.Stage != "" {
			stage = policy.Stage(p.Stage)
		}
		break
	}
	return policy.DecideForPlanKey(stage, flow, planKey, policy.EvidenceSet{})
}

// Planner turns ledger state into queue state: it asks the authority
// switch what must happen next for a document and enqueues exactly that,
// relying on dedupe keys for idempotence.
type Planner struct {
	ledger *ledger.Ledger
	store  Store
	sw     *authority.Switch
	clock  func() time.Time
}

// NewPlanner builds a planner over the ledger and queue.
func NewPlanner(l *ledger.Ledger, store Store, sw *authority.Switch) *Planner {
	return &Planner{ledger: l, store: store, sw: sw, clock: time.Now}
}

// Reconcile computes and enqueues the next action for the document.
// ActionNone means the flow is settled (or waiting on external evidence)
// and nothing was enqueued.
func (p *Planner) Reconcile(ctx context.Context, documentID string) (decision.Action, error) {
	doc, err := p.ledger.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, ledger.ErrNotFound) {
			return decision.ActionNone, err
		}
		return decision.ActionNone, fmt.Errorf("%w: %v", ErrTransient, err)
	}

	pol := PolicyFor(doc)
	act := p.sw.Next(doc.ID, doc.Events, pol.RequiredNetworks())
	if act == decision.ActionNone {
		return act, nil
	}

	job := &Job{
		Type:     Type(act),
		EntityID: doc.ID,
		RunAt:    p.clock().UTC(),
	}
	if err := p.store.Enqueue(ctx, job); err != nil {
		return act, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return act, nil
}
