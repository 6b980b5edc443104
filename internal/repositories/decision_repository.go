package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lib/pq"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

var (
	ErrDecisionNotFound = riskerr.New(riskerr.NotFound, "risk decision not found")
)

// DecisionRepository persists risk decisions and the rule evaluations that
// produced them (spec §3, §4.2).
type DecisionRepository struct {
	db *Database
}

// NewDecisionRepository creates a new decision repository.
func NewDecisionRepository(db *Database) *DecisionRepository {
	return &DecisionRepository{db: db}
}

// Create writes a decision and its rule evaluations. Both are committed
// together so a decision never exists without the evaluations explaining it.
func (r *DecisionRepository) Create(ctx context.Context, decision *models.RiskDecision, evaluations []*models.RuleEvaluation) error {
	decision.ID = uuid.New()
	decision.CreatedAt = time.Now()

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO risk_decisions (
				id, org_id, event_id, event_type, user_id, risk_score, risk_level, action,
				triggered_rules, confidence, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		`,
			decision.ID, decision.OrgID, decision.EventID, decision.EventType, decision.UserID,
			decision.RiskScore, decision.RiskLevel, decision.Action,
			pq.Array(decision.TriggeredRules), decision.Confidence, decision.CreatedAt,
		)
		if err != nil {
			return err
		}

		if len(evaluations) == 0 {
			return nil
		}

		batch := &pgx.Batch{}
		for _, ev := range evaluations {
			ev.ID = uuid.New()
			ev.DecisionRef = decision.ID
			snapshotBytes, serr := ev.ConditionSnapshot.Value()
			if serr != nil {
				return serr
			}
			batch.Queue(`
				INSERT INTO rule_evaluations (
					id, decision_ref, rule_id, rule_category, matched,
					score_contribution, condition_snapshot
				) VALUES ($1, $2, $3, $4, $5, $6, $7)
			`, ev.ID, ev.DecisionRef, ev.RuleID, ev.RuleCategory, ev.Matched,
				ev.ScoreContribution, snapshotBytes)
		}

		br := tx.SendBatch(ctx, batch)
		defer br.Close()
		for range evaluations {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
}

// GetByID retrieves a decision by ID.
func (r *DecisionRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.RiskDecision, error) {
	query := `
		SELECT id, org_id, event_id, event_type, user_id, risk_score, risk_level, action,
			   triggered_rules, confidence, created_at
		FROM risk_decisions
		WHERE id = $1
	`
	d := &models.RiskDecision{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&d.ID, &d.OrgID, &d.EventID, &d.EventType, &d.UserID, &d.RiskScore, &d.RiskLevel,
		&d.Action, &d.TriggeredRules, &d.Confidence, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return d, nil
}

// GetByEventID retrieves the decision made for a specific event, if any.
func (r *DecisionRepository) GetByEventID(ctx context.Context, orgID, eventID string) (*models.RiskDecision, error) {
	query := `
		SELECT id, org_id, event_id, event_type, user_id, risk_score, risk_level, action,
			   triggered_rules, confidence, created_at
		FROM risk_decisions
		WHERE org_id = $1 AND event_id = $2
	`
	d := &models.RiskDecision{}
	err := r.db.Pool.QueryRow(ctx, query, orgID, eventID).Scan(
		&d.ID, &d.OrgID, &d.EventID, &d.EventType, &d.UserID, &d.RiskScore, &d.RiskLevel,
		&d.Action, &d.TriggeredRules, &d.Confidence, &d.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrDecisionNotFound
		}
		return nil, err
	}
	return d, nil
}

// GetByUser retrieves recent decisions for a user, most recent first.
func (r *DecisionRepository) GetByUser(ctx context.Context, orgID, userID string, page, pageSize int) ([]*models.RiskDecision, int, error) {
	offset := (page - 1) * pageSize

	var total int
	if err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM risk_decisions WHERE org_id = $1 AND user_id = $2
	`, orgID, userID).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, org_id, event_id, event_type, user_id, risk_score, risk_level, action,
			   triggered_rules, confidence, created_at
		FROM risk_decisions
		WHERE org_id = $1 AND user_id = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, orgID, userID, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	decisions, err := r.scanDecisions(rows)
	return decisions, total, err
}

// GetByLevel retrieves decisions at exactly the given risk level; higher
// levels are not included.
func (r *DecisionRepository) GetByLevel(ctx context.Context, orgID, level string, page, pageSize int) ([]*models.RiskDecision, int, error) {
	offset := (page - 1) * pageSize

	var total int
	if err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM risk_decisions WHERE org_id = $1 AND risk_level = $2
	`, orgID, level).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := r.db.Pool.Query(ctx, `
		SELECT id, org_id, event_id, event_type, user_id, risk_score, risk_level, action,
			   triggered_rules, confidence, created_at
		FROM risk_decisions
		WHERE org_id = $1 AND risk_level = $2
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`, orgID, level, pageSize, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	decisions, err := r.scanDecisions(rows)
	return decisions, total, err
}

// GetEvaluations returns the rule evaluations behind a decision.
func (r *DecisionRepository) GetEvaluations(ctx context.Context, decisionID uuid.UUID) ([]*models.RuleEvaluation, error) {
	query := `
		SELECT id, decision_ref, rule_id, rule_category, matched,
			   score_contribution, condition_snapshot
		FROM rule_evaluations
		WHERE decision_ref = $1
	`
	rows, err := r.db.Pool.Query(ctx, query, decisionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []*models.RuleEvaluation
	for rows.Next() {
		e := &models.RuleEvaluation{}
		var snapshotBytes []byte
		if err := rows.Scan(&e.ID, &e.DecisionRef, &e.RuleID, &e.RuleCategory,
			&e.Matched, &e.ScoreContribution, &snapshotBytes); err != nil {
			return nil, err
		}
		e.ConditionSnapshot.Scan(snapshotBytes)
		evals = append(evals, e)
	}
	return evals, nil
}

// RuleTriggerCounts returns how often each rule ID triggered within a
// window, used for the compliance/stats reporting surface.
func (r *DecisionRepository) RuleTriggerCounts(ctx context.Context, orgID string, since time.Time) (map[string]int, error) {
	query := `
		SELECT rule_id, COUNT(*)
		FROM rule_evaluations re
		JOIN risk_decisions rd ON rd.id = re.decision_ref
		WHERE rd.org_id = $1 AND rd.created_at >= $2 AND re.matched = true
		GROUP BY rule_id
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var ruleID string
		var count int
		if err := rows.Scan(&ruleID, &count); err != nil {
			return nil, err
		}
		counts[ruleID] = count
	}
	return counts, nil
}

func (r *DecisionRepository) scanDecisions(rows pgx.Rows) ([]*models.RiskDecision, error) {
	var decisions []*models.RiskDecision
	for rows.Next() {
		d := &models.RiskDecision{}
		if err := rows.Scan(&d.ID, &d.OrgID, &d.EventID, &d.EventType, &d.UserID, &d.RiskScore,
			&d.RiskLevel, &d.Action, &d.TriggeredRules, &d.Confidence, &d.CreatedAt); err != nil {
			return nil, err
		}
		decisions = append(decisions, d)
	}
	return decisions, nil
}
