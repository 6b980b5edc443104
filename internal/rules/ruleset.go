// Package rules implements the hot-reloadable rule registry (spec §4.4):
// it loads a YAML rule source, validates it, versions and hashes it, and
// hands out an immutable RuleSet snapshot that the risk engine reads
// lock-free. Distribution across instances rides on the same Redis
// primitives the velocity store uses (queue.CacheClient).
package rules

import (
	"fmt"
	"time"

	"github.com/sentineliq/risk-engine/internal/models"
)

// Condition is the small DSL the risk engine's rules and gates are built
// from: threshold comparisons, boolean compounds, and hour-of-day ranges.
// Grounded in the teacher's scoring.RuleCondition.
type Condition struct {
	Type       string      `yaml:"type" json:"type"`
	Field      string      `yaml:"field" json:"field,omitempty"`
	Operator   string      `yaml:"operator" json:"operator,omitempty"`
	Value      interface{} `yaml:"value" json:"value,omitempty"`
	Conditions []Condition `yaml:"conditions" json:"conditions,omitempty"`
	Start      int         `yaml:"start" json:"start,omitempty"`
	End        int         `yaml:"end" json:"end,omitempty"`
}

// ScoringConfig holds the blend weights applied across rule categories.
type ScoringConfig struct {
	BaseRisk         float64 `yaml:"base_risk" json:"base_risk"`
	VelocityWeight   float64 `yaml:"velocity_weight" json:"velocity_weight"`
	BehavioralWeight float64 `yaml:"behavioral_weight" json:"behavioral_weight"`
}

// Rule is a single scored condition within a category. Enabled is a pointer
// so an omitted field defaults to true, while an explicit `enabled: false`
// still disables it.
type Rule struct {
	Name      string    `yaml:"name" json:"name"`
	Type      string    `yaml:"type" json:"type"`
	Score     float64   `yaml:"score" json:"score"`
	Enabled   *bool     `yaml:"enabled" json:"enabled,omitempty"`
	Condition Condition `yaml:"conditions" json:"conditions"`
}

// IsEnabled reports whether the rule should be evaluated; an omitted
// Enabled field defaults to true.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

// Gate is a hard rule: any match short-circuits the engine to a block.
type Gate struct {
	Name      string    `yaml:"name" json:"name"`
	Score     float64   `yaml:"score" json:"score"`
	Enabled   *bool     `yaml:"enabled" json:"enabled,omitempty"`
	Condition Condition `yaml:"conditions" json:"conditions"`
}

// IsEnabled reports whether the gate should be evaluated; an omitted
// Enabled field defaults to true.
func (g Gate) IsEnabled() bool {
	return g.Enabled == nil || *g.Enabled
}

// Combination is a meta-rule: if every rule in TriggeredRules triggered,
// Boost is added to the running score (bounded, non-stacking with other
// combos).
type Combination struct {
	ID             string   `yaml:"id" json:"id"`
	TriggeredRules []string `yaml:"triggered_rules" json:"triggered_rules"`
	Boost          float64  `yaml:"boost" json:"boost"`
}

// Source is the on-disk/blob shape the registry loads and canonicalizes
// (spec §6: scoring, rules, gates, rule_combinations).
type Source struct {
	Scoring      ScoringConfig `yaml:"scoring" json:"scoring"`
	Rules        []Rule        `yaml:"rules" json:"rules"`
	Gates        []Gate        `yaml:"gates" json:"gates"`
	Combinations []Combination `yaml:"rule_combinations" json:"rule_combinations,omitempty"`
}

// RuleSet is an immutable, versioned, hash-identified snapshot of a Source.
type RuleSet struct {
	Version  string    `json:"version"`
	Hash     string    `json:"hash"`
	LoadedAt time.Time `json:"loaded_at"`
	Source   Source    `json:"source"`
}

// Validate enforces the registry's install-time contract (spec §4.4): the
// required sections are present, scoring fields are numeric, each rule has
// a name/type/score, and gates carry conditions.
func (s *Source) Validate() error {
	if s.Scoring.BaseRisk == 0 && s.Scoring.VelocityWeight == 0 && s.Scoring.BehavioralWeight == 0 {
		return fmt.Errorf("scoring section missing or all-zero: base_risk, velocity_weight, behavioral_weight required")
	}
	if len(s.Rules) == 0 {
		return fmt.Errorf("rules section must not be empty")
	}
	if len(s.Gates) == 0 {
		return fmt.Errorf("gates section must not be empty")
	}

	validTypes := map[string]bool{
		models.RuleTypeHard: true, models.RuleTypeVelocity: true,
		models.RuleTypeBehavioral: true, models.RuleTypeBehavioralML: true,
	}

	for _, r := range s.Rules {
		if r.Name == "" {
			return fmt.Errorf("rule missing name")
		}
		if !validTypes[r.Type] {
			return fmt.Errorf("rule %q has invalid type %q", r.Name, r.Type)
		}
		if r.Score == 0 {
			return fmt.Errorf("rule %q missing score", r.Name)
		}
	}

	for _, g := range s.Gates {
		if g.Name == "" {
			return fmt.Errorf("gate missing name")
		}
		if g.Condition.Type == "" {
			return fmt.Errorf("gate %q missing conditions", g.Name)
		}
		if g.Score == 0 {
			return fmt.Errorf("gate %q missing score", g.Name)
		}
	}

	return nil
}

// Stats summarizes the installed rule set for the operational stats
// surface: per-type rule counts, gate count, scoring config, and when the
// version was installed.
type Stats struct {
	Version      string         `json:"version"`
	Hash         string         `json:"hash"`
	LoadedAt     time.Time      `json:"loaded_at"`
	RulesByType  map[string]int `json:"rules_by_type"`
	GateCount    int            `json:"gate_count"`
	ComboCount   int            `json:"combination_count"`
	Scoring      ScoringConfig  `json:"scoring"`
	EnabledRules int            `json:"enabled_rules"`
}

// Stats computes the summary view of this rule set.
func (rs *RuleSet) Stats() Stats {
	byType := make(map[string]int)
	enabled := 0
	for _, r := range rs.Source.Rules {
		byType[r.Type]++
		if r.IsEnabled() {
			enabled++
		}
	}
	return Stats{
		Version:      rs.Version,
		Hash:         rs.Hash,
		LoadedAt:     rs.LoadedAt,
		RulesByType:  byType,
		GateCount:    len(rs.Source.Gates),
		ComboCount:   len(rs.Source.Combinations),
		Scoring:      rs.Source.Scoring,
		EnabledRules: enabled,
	}
}
