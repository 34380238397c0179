package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestScoreRoundTrip(t *testing.T) {
	// floatToInt ∘ intToFloat must be the identity on [0..100].
	for v := 0; v <= 100; v++ {
		assert.Equal(t, v, FloatToScore(ScoreToFloat(v)), "score %d", v)
	}
}

func TestScoreClamping(t *testing.T) {
	tests := []struct {
		name string
		in   float64
		want int
	}{
		{"negative clamps to zero", -0.5, 0},
		{"above one clamps to hundred", 1.5, 100},
		{"zero", 0, 0},
		{"one", 1, 100},
		{"rounds nearest", 0.675, 68},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, FloatToScore(tt.in))
		})
	}

	assert.Equal(t, 0.0, ScoreToFloat(-10))
	assert.Equal(t, 1.0, ScoreToFloat(200))
}

func TestEffectiveLayer(t *testing.T) {
	assert.Equal(t, LayerSemantic, EffectiveLayer(LayerLegacy))
	assert.Equal(t, LayerSemantic, EffectiveLayer(LayerSemantic))
	assert.Equal(t, LayerUserModel, EffectiveLayer(LayerUserModel))
	assert.Equal(t, LayerProcedural, EffectiveLayer(LayerProcedural))
	assert.Equal(t, LayerEpisodic, EffectiveLayer(LayerEpisodic))
}
