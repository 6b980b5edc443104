package riskengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/configs"
)

func TestMapScore(t *testing.T) {
	cfg := configs.RiskEngineConfig{ReviewThreshold: 0.3, ChallengeThreshold: 0.6, BlockThreshold: 0.85}

	cases := []struct {
		score         float64
		expectLevel   string
		expectAction  string
	}{
		{0.0, "low", "allow"},
		{0.29, "low", "allow"},
		{0.3, "medium", "review"},
		{0.59, "medium", "review"},
		{0.6, "high", "challenge"},
		{0.84, "high", "challenge"},
		{0.85, "critical", "block"},
		{1.0, "critical", "block"},
	}

	for _, tc := range cases {
		level, action := mapScore(tc.score, cfg)
		assert.Equal(t, tc.expectLevel, level, "score %v", tc.score)
		assert.Equal(t, tc.expectAction, action, "score %v", tc.score)
	}
}

func TestDedupeSortsAndDeduplicates(t *testing.T) {
	assert.Equal(t, []string{"a", "b", "c"}, dedupe([]string{"c", "a", "b", "a"}))
	assert.Nil(t, dedupe(nil))
}

func TestSubsetOf(t *testing.T) {
	set := map[string]bool{"a": true, "b": true}
	assert.True(t, subsetOf([]string{"a", "b"}, set))
	assert.False(t, subsetOf([]string{"a", "c"}, set))
	assert.False(t, subsetOf(nil, set))
}

func TestMinFloat(t *testing.T) {
	assert.Equal(t, 1.0, minFloat(1, 2))
	assert.Equal(t, 1.0, minFloat(2, 1))
}
