package repositories

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/models"
)

// buildEntry constructs a properly chained entry the same way Append does,
// so tests exercise the exact hash the repository would have computed.
func buildEntry(seq int64, prevHash string, payload models.JSONB, ts time.Time) *models.AuditEntry {
	canonical, err := canonicalPayload(payload)
	if err != nil {
		panic(err)
	}
	e := &models.AuditEntry{
		Sequence:     seq,
		PrevHash:     prevHash,
		ActorID:      "analyst-1",
		EventType:    "risk_decision",
		ResourceType: "decision",
		ResourceID:   "dec-1",
		Payload:      payload,
		Timestamp:    ts,
	}
	e.CurrHash = computeChainHash(e.PrevHash, e.ActorID, e.EventType, canonical, e.Timestamp)
	return e
}

func TestVerifyChainIntactChainHasNoAnomalies(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := buildEntry(1, "", models.JSONB{"amount": 100.0}, ts)
	b := buildEntry(2, a.CurrHash, models.JSONB{"amount": 200.0}, ts.Add(time.Minute))

	anomalies := verifyChain([]*models.AuditEntry{a, b})
	assert.Empty(t, anomalies)
}

// TestVerifyChainTamperCascades mirrors Scenario Seed 4 (spec §8): tampering
// entry A's payload after the fact, without touching its stored prev_hash or
// curr_hash columns, must flag A's own curr_hash mismatch AND additionally
// flag B as chain-broken, because B's stored prev_hash was computed against
// A's original (now-unreproducible) curr_hash.
func TestVerifyChainTamperCascades(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := buildEntry(1, "", models.JSONB{"amount": 100.0}, ts)
	b := buildEntry(2, a.CurrHash, models.JSONB{"amount": 200.0}, ts.Add(time.Minute))

	// Simulate tampering: mutate A's payload in place, leaving its stored
	// prev_hash/curr_hash columns exactly as originally persisted.
	a.Payload["amount"] = 999999.0

	anomalies := verifyChain([]*models.AuditEntry{a, b})
	require.Len(t, anomalies, 2)

	assert.Equal(t, int64(1), anomalies[0].Sequence)
	assert.Contains(t, anomalies[0].Reason, "curr_hash does not match recomputed hash")

	assert.Equal(t, int64(2), anomalies[1].Sequence)
	assert.Contains(t, anomalies[1].Reason, "prev_hash does not match preceding entry's curr_hash")
}

func TestVerifyChainDetectsBrokenLinkageWithoutTampering(t *testing.T) {
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	a := buildEntry(1, "", models.JSONB{"amount": 100.0}, ts)
	b := buildEntry(2, "not-a-real-prev-hash", models.JSONB{"amount": 200.0}, ts.Add(time.Minute))

	anomalies := verifyChain([]*models.AuditEntry{a, b})
	require.Len(t, anomalies, 1)
	assert.Equal(t, int64(2), anomalies[0].Sequence)
}
