package policy

import (
	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// Stage is the position of a protection within its flow.
type Stage string

const (
	StageInitial      Stage = "initial"
	StageIntermediate Stage = "intermediate"
	StageFinal        Stage = "final"
)

// FlowType distinguishes direct protection from a signature flow.
type FlowType string

const (
	FlowDirect    FlowType = "DIRECT"
	FlowSignature FlowType = "SIGNATURE_FLOW"
)

// Source records how the policy was chosen.
type Source string

const (
	SourceContract Source = "contract"
	SourceFallback Source = "fallback"
)

// EvidenceSet is a membership flag per evidence kind.
type EvidenceSet struct {
	TSA     bool `json:"tsa"`
	Polygon bool `json:"polygon"`
	Bitcoin bool `json:"bitcoin"`
}

func (s EvidenceSet) has(e Evidence) bool {
	switch e {
	case EvidenceTSA:
		return s.TSA
	case EvidencePolygon:
		return s.Polygon
	case EvidenceBitcoin:
		return s.Bitcoin
	}
	return false
}

func (s *EvidenceSet) set(e Evidence) {
	switch e {
	case EvidenceTSA:
		s.TSA = true
	case EvidencePolygon:
		s.Polygon = true
	case EvidenceBitcoin:
		s.Bitcoin = true
	}
}

// Decision is the resolved protection policy for one request. It is derived
// per call, never stored.
type Decision struct {
	PlanKey    string      `json:"plan_key"`
	Stage      Stage       `json:"stage"`
	Requested  EvidenceSet `json:"requested"`
	Allowed    EvidenceSet `json:"allowed"`
	Protection []Evidence  `json:"protection"`
	Source     Source      `json:"source"`
}

// RequiredNetworks converts the protection list into the anchor networks the
// decision engine must see confirmed.
func (d Decision) RequiredNetworks() []event.Network {
	var out []event.Network
	for _, e := range d.Protection {
		switch e {
		case EvidencePolygon:
			out = append(out, event.NetworkPolygon)
		case EvidenceBitcoin:
			out = append(out, event.NetworkBitcoin)
		}
	}
	return out
}

// contractTable is the fixed flow/stage/tier policy. Rows are contractual:
// the table decides what is required, capabilities only gate what is allowed.
func contractTable(flow FlowType, stage Stage, tier TierClass) []Evidence {
	if flow == FlowDirect {
		if tier == TierPro {
			return []Evidence{EvidenceTSA, EvidencePolygon, EvidenceBitcoin}
		}
		return []Evidence{EvidenceTSA, EvidenceBitcoin}
	}
	switch stage {
	case StageInitial:
		if tier == TierPro {
			return []Evidence{EvidenceTSA, EvidencePolygon}
		}
		return []Evidence{EvidenceTSA}
	case StageIntermediate:
		return []Evidence{EvidenceTSA}
	case StageFinal:
		if tier == TierPro {
			return []Evidence{EvidenceTSA, EvidencePolygon, EvidenceBitcoin}
		}
		return []Evidence{EvidenceBitcoin}
	}
	// Unknown stage gets the most conservative row.
	return []Evidence{EvidenceTSA}
}

// evidenceOrder fixes the ordering of protection lists.
var evidenceOrder = []Evidence{EvidenceTSA, EvidencePolygon, EvidenceBitcoin}

// Decide resolves the policy for one protection request. The requested
// config may ask for extra evidence beyond the contract row; a plan lacking
// a capability silently drops the requirement rather than failing.
func Decide(stage Stage, flow FlowType, plan Plan, requestedConfig EvidenceSet) Decision {
	source := SourceContract
	known := false
	if _, known = AllPlans[plan.Key]; !known {
		source = SourceFallback
	}

	tier := Classify(plan.Key)
	required := contractTable(flow, stage, tier)

	var requested EvidenceSet
	for _, e := range required {
		requested.set(e)
	}
	for _, e := range evidenceOrder {
		if requestedConfig.has(e) {
			requested.set(e)
		}
	}

	var allowed EvidenceSet
	var protection []Evidence
	for _, e := range evidenceOrder {
		if requested.has(e) && plan.HasCapability(e) {
			allowed.set(e)
			protection = append(protection, e)
		}
	}

	return Decision{
		PlanKey:    plan.Key,
		Stage:      stage,
		Requested:  requested,
		Allowed:    allowed,
		Protection: protection,
		Source:     source,
	}
}

// DecideForPlanKey resolves the plan key first, recording a fallback source
// for unrecognized keys.
func DecideForPlanKey(stage Stage, flow FlowType, planKey string, requestedConfig EvidenceSet) Decision {
	plan, known := Lookup(planKey)
	d := Decide(stage, flow, plan, requestedConfig)
	d.PlanKey = planKey
	if !known {
		d.Source = SourceFallback
	}
	return d
}
