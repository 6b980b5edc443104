// Package riskengine implements the rule-driven decision pipeline (spec
// §4.2): hard gates, velocity checks, behavioral rules, meta-rule
// combinations, and score→action mapping, with a strict evaluation
// deadline and a fail-open contract on any internal error.
package riskengine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/sentineliq/risk-engine/configs"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/rules"
	"github.com/sentineliq/risk-engine/internal/velocity"
)

// Registry is the subset of rules.Registry the engine depends on.
type Registry interface {
	Current() *rules.RuleSet
}

// Engine evaluates events against the current rule set and velocity state.
type Engine struct {
	registry Registry
	velocity *velocity.Store
	cfg      configs.RiskEngineConfig
}

// New creates a risk engine.
func New(registry Registry, store *velocity.Store, cfg configs.RiskEngineConfig) *Engine {
	return &Engine{registry: registry, velocity: store, cfg: cfg}
}

// Outcome bundles the decision with the per-rule evaluations that produced
// it, matching the RiskDecision/RuleEvaluation pairing in the data model.
type Outcome struct {
	Decision    models.RiskDecision
	Evaluations []models.RuleEvaluation
}

// Evaluate scores event within the engine's configured deadline. On any
// internal error or deadline exceeded, it fails open: allow, low risk,
// confidence 0.5, with the distinguished evaluation_error rule id, and the
// error returned so the caller can count/alert on it without blocking the
// decision path.
func (e *Engine) Evaluate(ctx context.Context, event models.Event) (Outcome, error) {
	deadline := e.cfg.EvalDeadline
	if deadline <= 0 {
		deadline = 150 * time.Millisecond
	}

	evalCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type result struct {
		outcome Outcome
		err     error
	}
	resultCh := make(chan result, 1)

	go func() {
		outcome, err := e.evaluate(evalCtx, event)
		resultCh <- result{outcome, err}
	}()

	select {
	case r := <-resultCh:
		if r.err != nil {
			log.Error().Err(r.err).Str("event_id", event.EventID).Msg("risk evaluation failed, failing open")
			return e.failOpen(event), r.err
		}
		return r.outcome, nil
	case <-evalCtx.Done():
		log.Warn().Str("event_id", event.EventID).Msg("risk evaluation deadline exceeded, failing open")
		return e.failOpen(event), evalCtx.Err()
	}
}

func (e *Engine) failOpen(event models.Event) Outcome {
	return Outcome{
		Decision: models.RiskDecision{
			OrgID:          event.OrgID,
			EventID:        event.EventID,
			EventType:      event.EventType,
			UserID:         event.Actor.UserID,
			RiskScore:      0.2,
			RiskLevel:      models.RiskLevelLow,
			Action:         models.ActionAllow,
			TriggeredRules: []string{models.EvaluationErrorRule},
			Confidence:     0.5,
		},
		Evaluations: []models.RuleEvaluation{{
			RuleID:       models.EvaluationErrorRule,
			RuleCategory: models.RuleCategoryHard,
			Matched:      true,
		}},
	}
}

func (e *Engine) evaluate(ctx context.Context, event models.Event) (Outcome, error) {
	ruleSet := e.registry.Current()
	if ruleSet == nil {
		return Outcome{}, fmt.Errorf("no rule set installed")
	}

	evalCtx, err := e.buildContext(ctx, event)
	if err != nil {
		return Outcome{}, err
	}

	var triggeredRules []string
	var evaluations []models.RuleEvaluation
	var score float64

	// 1. Hard gates, short-circuiting: any match blocks at the highest
	// matched gate's score and skips every later category.
	gateMatched := false
	gateScore := 0.0
	for _, gate := range ruleSet.Source.Gates {
		if !gate.IsEnabled() {
			continue
		}
		matched := gate.Condition.Matches(evalCtx)
		evaluations = append(evaluations, models.RuleEvaluation{
			RuleID: gate.Name, RuleCategory: models.RuleCategoryHard, Matched: matched,
			ScoreContribution: gate.Score,
		})
		if matched {
			triggeredRules = append(triggeredRules, gate.Name)
			if !gateMatched || gate.Score > gateScore {
				gateScore = gate.Score
			}
			gateMatched = true
		}
	}
	if gateMatched {
		decision := models.RiskDecision{
			OrgID: event.OrgID, EventID: event.EventID, EventType: event.EventType, UserID: event.Actor.UserID,
			RiskScore: gateScore, RiskLevel: models.RiskLevelCritical, Action: models.ActionBlock,
			TriggeredRules: dedupe(triggeredRules), Confidence: 1.0,
		}
		return Outcome{Decision: decision, Evaluations: evaluations}, nil
	}

	// 2. Velocity rules.
	velocityMax := 0.0
	for _, rule := range filterByType(ruleSet.Source.Rules, models.RuleTypeVelocity) {
		if !rule.IsEnabled() {
			continue
		}
		matched := rule.Condition.Matches(evalCtx)
		evaluations = append(evaluations, models.RuleEvaluation{
			RuleID: rule.Name, RuleCategory: models.RuleCategoryVelocity, Matched: matched,
			ScoreContribution: rule.Score,
		})
		if matched {
			triggeredRules = append(triggeredRules, rule.Name)
			if rule.Score > velocityMax {
				velocityMax = rule.Score
			}
		}
	}
	score = velocityMax

	// 3. Behavioral rules, blended with velocity.
	behavioralMax := 0.0
	behavioralTypes := map[string]bool{models.RuleTypeBehavioral: true, models.RuleTypeBehavioralML: true}
	for _, rule := range ruleSet.Source.Rules {
		if !behavioralTypes[rule.Type] || !rule.IsEnabled() {
			continue
		}
		matched := rule.Condition.Matches(evalCtx)
		evaluations = append(evaluations, models.RuleEvaluation{
			RuleID: rule.Name, RuleCategory: models.RuleCategoryBehavioral, Matched: matched,
			ScoreContribution: rule.Score,
		})
		if matched {
			triggeredRules = append(triggeredRules, rule.Name)
			if rule.Score > behavioralMax {
				behavioralMax = rule.Score
			}
		}
	}

	switch {
	case velocityMax > 0 && behavioralMax > 0:
		score = 0.7*velocityMax + 0.3*behavioralMax
	case behavioralMax > 0:
		score = behavioralMax
	default:
		score = velocityMax
	}

	// 4. Meta-combinations: largest single boost wins, no stacking.
	triggeredSet := make(map[string]bool, len(triggeredRules))
	for _, id := range triggeredRules {
		triggeredSet[id] = true
	}

	bestBoost := 0.0
	for _, combo := range ruleSet.Source.Combinations {
		if subsetOf(combo.TriggeredRules, triggeredSet) && combo.Boost > bestBoost {
			bestBoost = combo.Boost
		}
	}
	score += bestBoost
	if score > 1.0 {
		score = 1.0
	}

	// 5. Action mapping.
	level, action := mapScore(score, e.cfg)

	// 6. Confidence.
	ruleCount := float64(len(dedupe(triggeredRules)))
	confidence := (minFloat(1, ruleCount/3) + score) / 2

	decision := models.RiskDecision{
		OrgID: event.OrgID, EventID: event.EventID, EventType: event.EventType, UserID: event.Actor.UserID,
		RiskScore: score, RiskLevel: level, Action: action,
		TriggeredRules: dedupe(triggeredRules), Confidence: confidence,
	}

	return Outcome{Decision: decision, Evaluations: evaluations}, nil
}

func mapScore(score float64, cfg configs.RiskEngineConfig) (level, action string) {
	switch {
	case score < cfg.ReviewThreshold:
		return models.RiskLevelLow, models.ActionAllow
	case score < cfg.ChallengeThreshold:
		return models.RiskLevelMedium, models.ActionReview
	case score < cfg.BlockThreshold:
		return models.RiskLevelHigh, models.ActionChallenge
	default:
		return models.RiskLevelCritical, models.ActionBlock
	}
}

func filterByType(rs []rules.Rule, ruleType string) []rules.Rule {
	var out []rules.Rule
	for _, r := range rs {
		if r.Type == ruleType {
			out = append(out, r)
		}
	}
	return out
}

func subsetOf(ids []string, set map[string]bool) bool {
	if len(ids) == 0 {
		return false
	}
	for _, id := range ids {
		if !set[id] {
			return false
		}
	}
	return true
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
