package memory

import (
	"math"
	"time"

	"github.com/chaiyawut/butler/pkg/types"
)

// Per-layer decay rates (per day). The user model never decays. The
// half-lives work out to roughly 139 days for procedural and 69 days
// for semantic and episodic.
var decayLambda = map[types.Layer]float64{
	types.LayerUserModel:  0,
	types.LayerProcedural: 0.005,
	types.LayerSemantic:   0.01,
	types.LayerEpisodic:   0.01,
	types.LayerLegacy:     0.01,
}

// ComputeDecay returns the decay score in [0,1]:
//
//	recency      = exp(-λ · days_since_updated)
//	accessFactor = min(1, 0.5 + 0.05·access_count)
//	decay        = clamp(recency · accessFactor, 0, 1)
func ComputeDecay(d *types.Document, now time.Time) float64 {
	lambda := decayLambda[d.Layer]
	if d.Layer == types.LayerUserModel {
		return 1.0
	}
	days := now.Sub(d.UpdatedAt).Hours() / 24
	if days < 0 {
		days = 0
	}
	recency := math.Exp(-lambda * days)
	accessFactor := math.Min(1, 0.5+0.05*float64(d.AccessCount))
	decay := recency * accessFactor
	if decay < 0 {
		return 0
	}
	if decay > 1 {
		return 1
	}
	return decay
}
