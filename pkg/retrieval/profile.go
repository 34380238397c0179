package retrieval

import (
	"strings"

	"github.com/chaiyawut/butler/pkg/types"
)

// Profile is the lexical classification of a query. It yields the prior
// source weights, per-source candidate multipliers, and layer boosts.
type Profile string

const (
	ProfileExactLookup    Profile = "exact-lookup"
	ProfileSemanticHowTo  Profile = "semantic-how-to"
	ProfileSemanticRecall Profile = "semantic-recall"
	ProfileMixed          Profile = "mixed"
)

var howToMarkers = []string{
	"how to", "how do", "how can", "steps to", "when ", "if ",
	"วิธี", "ทำยังไง", "ทำอย่างไร", "ถ้า",
}

var recallMarkers = []string{
	"remember", "what did", "last time", "previously", "when did",
	"จำได้", "เคย", "ครั้งก่อน", "คราวที่แล้ว",
}

var exactMarkers = []string{
	"error:", "exception", "http", "://", ".go", ".ts", ".py", "id=",
}

// classify picks a profile by cheap lexical heuristics on the raw query.
func classify(query string) Profile {
	q := strings.ToLower(query)

	exact := containsAny(q, exactMarkers) ||
		(len(strings.Fields(q)) <= 2 && !containsAny(q, howToMarkers))
	howTo := containsAny(q, howToMarkers)
	recall := containsAny(q, recallMarkers)

	switch {
	case howTo && !recall:
		return ProfileSemanticHowTo
	case recall && !howTo:
		return ProfileSemanticRecall
	case exact && !howTo && !recall:
		return ProfileExactLookup
	default:
		return ProfileMixed
	}
}

func containsAny(s string, markers []string) bool {
	for _, m := range markers {
		if strings.Contains(s, m) {
			return true
		}
	}
	return false
}

// priors returns the (wFts, wVec) prior weights for the profile. They
// always sum to 1.
func (p Profile) priors() (float64, float64) {
	switch p {
	case ProfileExactLookup:
		return 0.75, 0.25
	case ProfileSemanticHowTo:
		return 0.35, 0.65
	case ProfileSemanticRecall:
		return 0.40, 0.60
	default:
		return 0.50, 0.50
	}
}

// lexicalMultiplier bounds the lexical candidate set at
// limit × multiplier.
func (p Profile) lexicalMultiplier() int {
	if p == ProfileExactLookup {
		return 4
	}
	return 3
}

// vectorMultiplier bounds the vector candidate set.
func (p Profile) vectorMultiplier() int {
	switch p {
	case ProfileSemanticHowTo, ProfileSemanticRecall:
		return 4
	default:
		return 3
	}
}

// layerBoost is the layer-dependent score multiplier keyed on the
// profile. The user model is always damped so it does not dominate
// general retrieval.
func (p Profile) layerBoost(l types.Layer) float64 {
	if l == types.LayerUserModel {
		return 0.5
	}
	switch p {
	case ProfileSemanticHowTo:
		if l == types.LayerProcedural {
			return 1.2
		}
	case ProfileSemanticRecall:
		if l == types.LayerEpisodic {
			return 1.15
		}
	}
	return 1.0
}
