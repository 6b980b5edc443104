package rules_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/rules"
)

func validSource() rules.Source {
	return rules.Source{
		Scoring: rules.ScoringConfig{BaseRisk: 0.1, VelocityWeight: 0.3, BehavioralWeight: 0.3},
		Gates: []rules.Gate{
			{Name: "sanctioned_region", Score: 1.0, Condition: rules.Condition{Type: "threshold", Field: "is_sanctioned_country", Operator: "=", Value: true}},
		},
		Rules: []rules.Rule{
			{Name: "rapid_transactions", Type: models.RuleTypeVelocity, Score: 0.3,
				Condition: rules.Condition{Type: "threshold", Field: "transaction_velocity_1h", Operator: ">", Value: 20}},
		},
	}
}

func TestSourceValidatePasses(t *testing.T) {
	src := validSource()
	assert.NoError(t, src.Validate())
}

func TestSourceValidateRejectsEmptyScoring(t *testing.T) {
	src := validSource()
	src.Scoring = rules.ScoringConfig{}
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsNoRules(t *testing.T) {
	src := validSource()
	src.Rules = nil
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsNoGates(t *testing.T) {
	src := validSource()
	src.Gates = nil
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsUnknownRuleType(t *testing.T) {
	src := validSource()
	src.Rules[0].Type = "made_up"
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsUnnamedRule(t *testing.T) {
	src := validSource()
	src.Rules[0].Name = ""
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsGateWithoutCondition(t *testing.T) {
	src := validSource()
	src.Gates[0].Condition = rules.Condition{}
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsRuleMissingScore(t *testing.T) {
	src := validSource()
	src.Rules[0].Score = 0
	assert.Error(t, src.Validate())
}

func TestSourceValidateRejectsGateMissingScore(t *testing.T) {
	src := validSource()
	src.Gates[0].Score = 0
	assert.Error(t, src.Validate())
}
