package audit_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/audit"
	"github.com/sentineliq/risk-engine/internal/models"
)

func TestScrubRedactsSensitiveFields(t *testing.T) {
	payload := models.JSONB{
		"password":       "hunter2",
		"email":          "user@example.com",
		"amount":         100.0,
		"account_number": "12345",
	}

	scrubbed := audit.Scrub(payload)

	assert.Equal(t, "[REDACTED]", scrubbed["password"])
	assert.Equal(t, "[REDACTED]", scrubbed["email"])
	assert.Equal(t, "[REDACTED]", scrubbed["account_number"])
	assert.Equal(t, 100.0, scrubbed["amount"])
}

func TestScrubIsCaseInsensitiveAndRecursive(t *testing.T) {
	payload := models.JSONB{
		"user": map[string]interface{}{
			"SSN":    "123-45-6789",
			"name":   "Jane Doe",
			"nested": []interface{}{map[string]interface{}{"CVV": "123"}},
		},
	}

	scrubbed := audit.Scrub(payload)
	user := scrubbed["user"].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", user["SSN"])
	assert.Equal(t, "Jane Doe", user["name"])

	nested := user["nested"].([]interface{})
	inner := nested[0].(map[string]interface{})
	assert.Equal(t, "[REDACTED]", inner["CVV"])
}

func TestScrubNilPayload(t *testing.T) {
	assert.Nil(t, audit.Scrub(nil))
}

func TestScrubLeavesNonSensitiveUntouched(t *testing.T) {
	payload := models.JSONB{"risk_score": 0.8, "risk_level": "high"}
	scrubbed := audit.Scrub(payload)
	assert.Equal(t, payload, scrubbed)
}
