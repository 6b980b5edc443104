package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Actor identifies who or what produced an Event.
type Actor struct {
	UserID    string `json:"user_id"`
	IP        string `json:"ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
	DeviceFP  string `json:"device_fp,omitempty"`
	Session   string `json:"session,omitempty"`
}

// GeoContext is the location context attached to an Event.
type GeoContext struct {
	Lat     float64 `json:"lat,omitempty"`
	Lon     float64 `json:"lon,omitempty"`
	Country string  `json:"country,omitempty"`
}

// Event is the canonical shape every ingress path normalizes into.
type Event struct {
	EventID   string                 `json:"event_id"`
	OrgID     string                 `json:"org_id"`
	EventType string                 `json:"event_type"`
	Timestamp time.Time              `json:"timestamp"`
	Actor     Actor                  `json:"actor"`
	Context   GeoContext             `json:"context"`
	Payload   map[string]interface{} `json:"payload,omitempty"`
}

// EventType values the risk engine knows how to route on.
const (
	EventTypeAuth               = "auth"
	EventTypeTransaction        = "transaction"
	EventTypeDataAccess         = "data_access"
	EventTypeRBACViolation      = "rbac_violation"
	EventTypeLogin              = "login"
	EventTypeTransactionAttempt = "transaction_attempted"
)

// AllEventTypes enumerates every EventType the engine routes on, used by
// the evaluation worker to subscribe to each type's event bus topic.
var AllEventTypes = []string{
	EventTypeAuth, EventTypeTransaction, EventTypeDataAccess,
	EventTypeRBACViolation, EventTypeLogin, EventTypeTransactionAttempt,
}

// OutboxStatus enum values.
const (
	OutboxStatusPending   = "pending"
	OutboxStatusPublished = "published"
	OutboxStatusFailed    = "failed"
)

// OutboxEntry is written in the same transaction as the domain record it
// accompanies and polled by the outbox poller for publication to the event bus.
type OutboxEntry struct {
	ID          uuid.UUID  `json:"id"`
	OrgID       string     `json:"org_id"`
	EventID     string     `json:"event_id"`
	EventType   string     `json:"event_type"`
	Payload     JSONB      `json:"payload"`
	Status      string     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	PublishedAt *time.Time `json:"published_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	LastError   *string    `json:"last_error,omitempty"`
	NextRetryAt *time.Time `json:"next_retry_at,omitempty"`
}

// Risk level and action enums (§3, §4.2).
const (
	RiskLevelLow      = "low"
	RiskLevelMedium   = "medium"
	RiskLevelHigh     = "high"
	RiskLevelCritical = "critical"

	ActionAllow     = "allow"
	ActionReview    = "review"
	ActionChallenge = "challenge"
	ActionBlock     = "block"
)

// riskLevelRank gives the ordinal used by webhook min_risk_level filtering.
var riskLevelRank = map[string]int{
	RiskLevelLow:      0,
	RiskLevelMedium:   1,
	RiskLevelHigh:     2,
	RiskLevelCritical: 3,
}

// RiskLevelAtLeast reports whether level meets or exceeds min on the
// low < medium < high < critical ordinal scale. Unknown levels rank below all.
func RiskLevelAtLeast(level, min string) bool {
	lr, ok := riskLevelRank[level]
	if !ok {
		return false
	}
	mr, ok := riskLevelRank[min]
	if !ok {
		return true
	}
	return lr >= mr
}

// EvaluationErrorRule is the distinguished triggered-rule marker emitted on
// the risk engine's fail-open path. Part of the public rule-id namespace.
const EvaluationErrorRule = "evaluation_error"

// RiskDecision is the single, immutable outcome of evaluating one Event.
type RiskDecision struct {
	ID             uuid.UUID `json:"id"`
	OrgID          string    `json:"org_id"`
	EventID        string    `json:"event_id"`
	EventType      string    `json:"event_type"`
	UserID         string    `json:"user_id"`
	RiskScore      float64   `json:"risk_score"`
	RiskLevel      string    `json:"risk_level"`
	Action         string    `json:"action"`
	TriggeredRules []string  `json:"triggered_rules"`
	Confidence     float64   `json:"confidence"`
	CreatedAt      time.Time `json:"created_at"`
}

// RuleCategory enum values.
const (
	RuleCategoryHard       = "hard"
	RuleCategoryVelocity   = "velocity"
	RuleCategoryBehavioral = "behavioral"
)

// RuleEvaluation records one rule's contribution to a RiskDecision.
type RuleEvaluation struct {
	ID                uuid.UUID `json:"id"`
	DecisionRef       uuid.UUID `json:"decision_ref"`
	RuleID            string    `json:"rule_id"`
	RuleCategory      string    `json:"rule_category"`
	Matched           bool      `json:"matched"`
	ScoreContribution float64   `json:"score_contribution"`
	ConditionSnapshot JSONB     `json:"condition_snapshot,omitempty"`
}

// LastLocation is the most recently observed location for a user, TTL-bounded.
type LastLocation struct {
	UserID string    `json:"user_id"`
	Lat    float64   `json:"lat"`
	Lon    float64   `json:"lon"`
	SeenAt time.Time `json:"seen_at"`
}

// UserConnection is an undirected edge in the link graph, canonicalized a<b.
// Scoped to OrgID so one organization's connection graph never leaks edges
// into another's ring analysis, matching every other per-org table.
type UserConnection struct {
	OrgID           string    `json:"org_id"`
	UserAID         string    `json:"user_a_id"`
	UserBID         string    `json:"user_b_id"`
	ConnectionType  string    `json:"connection_type"`
	ConnectionValue string    `json:"connection_value"`
	Strength        float64   `json:"strength"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	EventCount      int       `json:"event_count"`
	FlaggedRing     bool      `json:"flagged_ring"`
}

// ShadowResult is the recorded outcome of a candidate rule evaluated in
// shadow mode, later labeled with ground truth by an analyst.
type ShadowResult struct {
	ID               uuid.UUID  `json:"id"`
	OrgID            string     `json:"org_id"`
	RuleID           string     `json:"rule_id"`
	EventID          string     `json:"event_id"`
	UserID           string     `json:"user_id"`
	WouldHaveBlocked bool       `json:"would_have_blocked"`
	Confidence       float64    `json:"confidence"`
	ActualFraud      *bool      `json:"actual_fraud,omitempty"`
	LabeledAt        *time.Time `json:"labeled_at,omitempty"`
	LabeledBy        *string    `json:"labeled_by,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// AuditEntry is one link in an organization's append-only hash chain.
type AuditEntry struct {
	ID           uuid.UUID `json:"id"`
	OrgID        string    `json:"org_id"`
	Sequence     int64     `json:"sequence"`
	PrevHash     string    `json:"prev_hash,omitempty"`
	CurrHash     string    `json:"curr_hash"`
	ActorID      string    `json:"actor_id,omitempty"`
	ActorRole    string    `json:"actor_role,omitempty"`
	EventType    string    `json:"event_type"`
	ResourceType string    `json:"resource_type"`
	ResourceID   string    `json:"resource_id"`
	Payload      JSONB     `json:"payload"`
	Timestamp    time.Time `json:"timestamp"`
	ShadowMode   bool      `json:"shadow_mode"`
}

// ChainAnomaly describes a detected break in an audit chain.
type ChainAnomaly struct {
	Sequence int64  `json:"sequence"`
	Reason   string `json:"reason"`
}

// RuleConditionType enum values for the condition DSL evaluated by the
// rule registry (threshold comparisons, boolean compounds, time windows).
const (
	ConditionThreshold = "threshold"
	ConditionCompound  = "compound"
	ConditionTimeRange = "time_range"
)

// RuleType enum values accepted by rule source validation.
const (
	RuleTypeHard         = "hard"
	RuleTypeVelocity     = "velocity"
	RuleTypeBehavioral   = "behavioral"
	RuleTypeBehavioralML = "behavioral_ml"
)

// JSONB is a helper type for PostgreSQL JSONB columns.
type JSONB map[string]interface{}

func (j JSONB) Value() ([]byte, error) {
	return json.Marshal(j)
}

func (j *JSONB) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return nil
	}
	return json.Unmarshal(bytes, j)
}

// Webhook is a registered outbound delivery target for risk decisions
// (spec §4.8), filtered by event type and minimum risk level.
type Webhook struct {
	ID                   uuid.UUID  `json:"id"`
	OrgID                string     `json:"org_id"`
	URL                  string     `json:"url"`
	Secret               string     `json:"-"`
	EventTypes           []string   `json:"event_types,omitempty"`
	MinRiskLevel         string     `json:"min_risk_level,omitempty"`
	TimeoutSeconds       int        `json:"timeout_seconds"`
	MaxRetries           int        `json:"max_retries"`
	IsActive             bool       `json:"is_active"`
	TotalDeliveries      int64      `json:"total_deliveries"`
	SuccessfulDeliveries int64      `json:"successful_deliveries"`
	FailedDeliveries     int64      `json:"failed_deliveries"`
	LastTriggeredAt      *time.Time `json:"last_triggered_at,omitempty"`
	CreatedAt            time.Time  `json:"created_at"`
}

// WebhookDelivery is one attempt at delivering a decision to a Webhook.
type WebhookDelivery struct {
	ID             uuid.UUID `json:"id"`
	WebhookID      uuid.UUID `json:"webhook_id"`
	EventID        string    `json:"event_id"`
	RiskLevel      string    `json:"risk_level"`
	AttemptNumber  int       `json:"attempt_number"`
	StatusCode     int       `json:"status_code"`
	RequestBody    JSONB     `json:"request_body"`
	ResponseBody   string    `json:"response_body,omitempty"`
	ResponseTimeMs int       `json:"response_time_ms"`
	IsSuccessful   bool      `json:"is_successful"`
	IsFinalAttempt bool      `json:"is_final_attempt"`
	CreatedAt      time.Time `json:"created_at"`
}

// Operator role enum values for the RBAC-gated admin surface.
const (
	OperatorRoleAdmin   = "admin"
	OperatorRoleAnalyst = "analyst"
)

// Operator is the minimal account the RBAC middleware authenticates
// against to guard rule-registry, audit, and shadow-mode endpoints. It is
// not a customer/end-user entity; the risk engine itself is anonymous to
// end users beyond the Actor identifiers carried on Events.
type Operator struct {
	ID           uuid.UUID `json:"id"`
	OrgID        string    `json:"org_id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         string    `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Pagination represents pagination parameters.
type Pagination struct {
	Page     int `json:"page"`
	PageSize int `json:"page_size"`
	Total    int `json:"total"`
}

// PaginatedResponse wraps paginated results.
type PaginatedResponse struct {
	Data       interface{} `json:"data"`
	Pagination Pagination  `json:"pagination"`
}
