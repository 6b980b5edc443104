package models_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/models"
)

func TestRiskLevelAtLeast(t *testing.T) {
	assert.True(t, models.RiskLevelAtLeast(models.RiskLevelHigh, models.RiskLevelMedium))
	assert.True(t, models.RiskLevelAtLeast(models.RiskLevelCritical, models.RiskLevelCritical))
	assert.False(t, models.RiskLevelAtLeast(models.RiskLevelLow, models.RiskLevelMedium))
}

func TestRiskLevelAtLeastUnknownLevels(t *testing.T) {
	assert.False(t, models.RiskLevelAtLeast("bogus", models.RiskLevelLow))
	assert.True(t, models.RiskLevelAtLeast(models.RiskLevelLow, "bogus"))
}

func TestJSONBRoundTrip(t *testing.T) {
	j := models.JSONB{"a": 1.0, "b": "two"}
	raw, err := j.Value()
	assert.NoError(t, err)

	var out models.JSONB
	assert.NoError(t, out.Scan(raw))
	assert.Equal(t, j["b"], out["b"])
}
