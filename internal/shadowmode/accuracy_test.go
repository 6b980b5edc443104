package shadowmode

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/models"
)

func boolPtr(b bool) *bool { return &b }

func TestConfusionMatrix(t *testing.T) {
	results := []*models.ShadowResult{
		{WouldHaveBlocked: true, ActualFraud: boolPtr(true)},   // TP
		{WouldHaveBlocked: true, ActualFraud: boolPtr(false)},  // FP
		{WouldHaveBlocked: false, ActualFraud: boolPtr(true)},  // FN
		{WouldHaveBlocked: false, ActualFraud: boolPtr(false)}, // TN
		{WouldHaveBlocked: true, ActualFraud: nil},             // unlabeled, ignored
	}

	tp, fp, fn, tn := confusionMatrix(results)
	assert.Equal(t, 1, tp)
	assert.Equal(t, 1, fp)
	assert.Equal(t, 1, fn)
	assert.Equal(t, 1, tn)
}

func TestPrecisionRecallF1(t *testing.T) {
	precision, recall, f1 := precisionRecallF1(8, 2, 2)
	assert.InDelta(t, 0.8, precision, 0.0001)
	assert.InDelta(t, 0.8, recall, 0.0001)
	assert.InDelta(t, 0.8, f1, 0.0001)
}

func TestPrecisionRecallF1ZeroDenominators(t *testing.T) {
	precision, recall, f1 := precisionRecallF1(0, 0, 0)
	assert.Equal(t, 0.0, precision)
	assert.Equal(t, 0.0, recall)
	assert.Equal(t, 0.0, f1)
}

func TestRecommendBands(t *testing.T) {
	assert.Equal(t, "promote", recommend(0.95))
	assert.Equal(t, "promote", recommend(0.92))
	assert.Equal(t, "tune", recommend(0.85))
	assert.Equal(t, "tune", recommend(0.80))
	assert.Equal(t, "keep_in_shadow", recommend(0.79))
	assert.Equal(t, "keep_in_shadow", recommend(0))
}
