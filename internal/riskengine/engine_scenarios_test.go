package riskengine_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/riskengine"
	"github.com/sentineliq/risk-engine/internal/rules"
)

type fakeRegistry struct {
	set *rules.RuleSet
}

func (f *fakeRegistry) Current() *rules.RuleSet { return f.set }

func testRuleSet() *rules.RuleSet {
	src := rules.Source{
		Scoring: rules.ScoringConfig{BaseRisk: 0.1, VelocityWeight: 0.3, BehavioralWeight: 0.3},
		Gates: []rules.Gate{
			{Name: "sanctioned_region", Score: 1.0, Condition: rules.Condition{
				Type: "threshold", Field: "is_sanctioned_country", Operator: "=", Value: true,
			}},
		},
		Rules: []rules.Rule{
			{Name: "high_risk_country", Type: models.RuleTypeBehavioral, Score: 0.35, Condition: rules.Condition{
				Type: "threshold", Field: "is_high_risk_country", Operator: "=", Value: true,
			}},
			{Name: "rapid_transactions", Type: models.RuleTypeVelocity, Score: 0.3, Condition: rules.Condition{
				Type: "threshold", Field: "transaction_velocity_1h", Operator: ">", Value: 20,
			}},
		},
		Combinations: []rules.Combination{
			{ID: "combo", TriggeredRules: []string{"high_risk_country", "rapid_transactions"}, Boost: 0.2},
		},
	}
	return &rules.RuleSet{Version: "1.0.0", Hash: "testhash", Source: src}
}

func testEngine(t *testing.T, set *rules.RuleSet) *riskengine.Engine {
	t.Helper()
	cfg := configs.RiskEngineConfig{
		ReviewThreshold: 0.3, ChallengeThreshold: 0.6, BlockThreshold: 0.85,
		EvalDeadline: time.Second,
	}
	return riskengine.New(&fakeRegistry{set: set}, nil, cfg)
}

// baseEvent has no Actor.UserID, so buildContext never touches the velocity
// store; every field it would otherwise derive defaults to zero/false.
func baseEvent() models.Event {
	return models.Event{
		EventID:   "evt-1",
		OrgID:     "org-1",
		EventType: models.EventTypeTransaction,
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Payload:   map[string]interface{}{},
	}
}

func TestEvaluateHardGateBlocksImmediately(t *testing.T) {
	engine := testEngine(t, testRuleSet())
	event := baseEvent()
	event.Context.Country = "KP"

	outcome, err := engine.Evaluate(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.RiskLevelCritical, outcome.Decision.RiskLevel)
	assert.Equal(t, models.ActionBlock, outcome.Decision.Action)
	assert.Equal(t, 1.0, outcome.Decision.RiskScore)
	assert.Equal(t, 1.0, outcome.Decision.Confidence)
	assert.Contains(t, outcome.Decision.TriggeredRules, "sanctioned_region")
}

func TestEvaluateHardGateUsesMatchedGateScore(t *testing.T) {
	set := testRuleSet()
	set.Source.Gates = append(set.Source.Gates, rules.Gate{
		Name: "critical_amount_gate", Score: 0.9, Condition: rules.Condition{
			Type: "threshold", Field: "amount", Operator: ">", Value: 50000.0,
		},
	})
	engine := testEngine(t, set)
	event := baseEvent()
	event.Context.Country = "US"
	event.Payload["amount"] = 75000.0

	outcome, err := engine.Evaluate(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.ActionBlock, outcome.Decision.Action)
	assert.Equal(t, 0.9, outcome.Decision.RiskScore)
	assert.Contains(t, outcome.Decision.TriggeredRules, "critical_amount_gate")
}

func TestEvaluateAllowsCleanEvent(t *testing.T) {
	engine := testEngine(t, testRuleSet())
	event := baseEvent()
	event.Context.Country = "US"

	outcome, err := engine.Evaluate(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.RiskLevelLow, outcome.Decision.RiskLevel)
	assert.Equal(t, models.ActionAllow, outcome.Decision.Action)
	assert.Empty(t, outcome.Decision.TriggeredRules)
}

func TestEvaluateBehavioralRuleTriggersReview(t *testing.T) {
	engine := testEngine(t, testRuleSet())
	event := baseEvent()
	event.Context.Country = "MM" // on the engine's high-risk list but not sanctioned, so no gate fires

	outcome, err := engine.Evaluate(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, 0.35, outcome.Decision.RiskScore)
	assert.Equal(t, models.ActionReview, outcome.Decision.Action)
	assert.Contains(t, outcome.Decision.TriggeredRules, "high_risk_country")
}

func TestEvaluateSkipsDisabledGateAndRule(t *testing.T) {
	set := testRuleSet()
	disabled := false
	set.Source.Gates[0].Enabled = &disabled
	set.Source.Rules[0].Enabled = &disabled

	engine := testEngine(t, set)
	event := baseEvent()
	event.Context.Country = "KP" // would match sanctioned_region if enabled

	outcome, err := engine.Evaluate(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, models.RiskLevelLow, outcome.Decision.RiskLevel)
	assert.Equal(t, models.ActionAllow, outcome.Decision.Action)
	assert.NotContains(t, outcome.Decision.TriggeredRules, "sanctioned_region")
	assert.NotContains(t, outcome.Decision.TriggeredRules, "high_risk_country")
}

func TestEvaluateNoRuleSetFailsOpen(t *testing.T) {
	engine := testEngine(t, nil)
	outcome, err := engine.Evaluate(context.Background(), baseEvent())

	require.Error(t, err)
	assert.Equal(t, models.RiskLevelLow, outcome.Decision.RiskLevel)
	assert.Equal(t, models.ActionAllow, outcome.Decision.Action)
	assert.Equal(t, []string{models.EvaluationErrorRule}, outcome.Decision.TriggeredRules)
	assert.Equal(t, 0.5, outcome.Decision.Confidence)
}

