// Package policy resolves which protection evidence a document is entitled
// to, from its subscription plan and the stage of its flow. Plans map to
// evidence capabilities the way product tiers map to limits.
package policy

import "strings"

// Evidence names a kind of protection evidence.
type Evidence string

const (
	EvidenceTSA     Evidence = "tsa"
	EvidencePolygon Evidence = "polygon"
	EvidenceBitcoin Evidence = "bitcoin"
)

// TierClass is the coarse billing class a plan key resolves to.
type TierClass string

const (
	TierBase TierClass = "base"
	TierPro  TierClass = "pro_plus"
)

// Plan describes a subscription plan's evidence capabilities.
type Plan struct {
	Key          string
	Name         string
	Capabilities []Evidence
}

// Built-in plans. Custom plan keys classify by prefix; anything
// unrecognized falls back to the base policy.
var (
	Free = Plan{
		Key:          "free",
		Name:         "Free",
		Capabilities: []Evidence{EvidenceTSA, EvidenceBitcoin},
	}

	Pro = Plan{
		Key:          "pro",
		Name:         "Pro",
		Capabilities: []Evidence{EvidenceTSA, EvidencePolygon, EvidenceBitcoin},
	}

	Business = Plan{
		Key:          "business",
		Name:         "Business",
		Capabilities: []Evidence{EvidenceTSA, EvidencePolygon, EvidenceBitcoin},
	}

	Enterprise = Plan{
		Key:          "enterprise",
		Name:         "Enterprise",
		Capabilities: []Evidence{EvidenceTSA, EvidencePolygon, EvidenceBitcoin},
	}

	// AllPlans contains the built-in plans by key.
	AllPlans = map[string]Plan{
		Free.Key:       Free,
		Pro.Key:        Pro,
		Business.Key:   Business,
		Enterprise.Key: Enterprise,
	}
)

// proPrefixes classify a plan key into the pro+ tier by string prefix.
var proPrefixes = []string{"pro", "business", "enterprise"}

// Classify maps a plan key to its tier class. Unrecognized keys are base.
func Classify(planKey string) TierClass {
	key := strings.ToLower(strings.TrimSpace(planKey))
	for _, p := range proPrefixes {
		if strings.HasPrefix(key, p) {
			return TierPro
		}
	}
	return TierBase
}

// Lookup returns the plan for key. Keys matching a pro+ prefix resolve to
// the Pro plan. Anything else that is not a built-in key is unrecognized and
// yields the conservative base plan with ok=false so callers can record the
// fallback.
func Lookup(planKey string) (Plan, bool) {
	key := strings.ToLower(strings.TrimSpace(planKey))
	if p, ok := AllPlans[key]; ok {
		return p, true
	}
	if Classify(key) == TierPro {
		return Pro, true
	}
	return Free, false
}

// HasCapability checks whether the plan includes the given evidence.
func (p Plan) HasCapability(e Evidence) bool {
	for _, c := range p.Capabilities {
		if c == e {
			return true
		}
	}
	return false
}
