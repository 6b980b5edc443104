package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

var (
	ErrShadowResultNotFound = riskerr.New(riskerr.NotFound, "shadow result not found")
	ErrShadowAlreadyLabeled = riskerr.New(riskerr.Conflict, "shadow result already labeled")
)

// ShadowRepository persists candidate rule evaluations recorded in shadow
// mode (spec §4.7), later labeled with ground truth by an analyst.
type ShadowRepository struct {
	db *Database
}

// NewShadowRepository creates a new shadow repository.
func NewShadowRepository(db *Database) *ShadowRepository {
	return &ShadowRepository{db: db}
}

// Create records a shadow evaluation.
func (r *ShadowRepository) Create(ctx context.Context, result *models.ShadowResult) error {
	result.ID = uuid.New()
	result.CreatedAt = time.Now()

	query := `
		INSERT INTO shadow_results (
			id, org_id, rule_id, event_id, user_id, would_have_blocked,
			confidence, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		result.ID, result.OrgID, result.RuleID, result.EventID, result.UserID,
		result.WouldHaveBlocked, result.Confidence, result.CreatedAt,
	)
	return err
}

// Label sets an analyst's ground-truth judgment on a result exactly once.
func (r *ShadowRepository) Label(ctx context.Context, id uuid.UUID, actualFraud bool, analyst string) error {
	now := time.Now()
	query := `
		UPDATE shadow_results
		SET actual_fraud = $2, labeled_at = $3, labeled_by = $4
		WHERE id = $1 AND labeled_at IS NULL
	`
	result, err := r.db.Pool.Exec(ctx, query, id, actualFraud, now, analyst)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		if _, getErr := r.GetByID(ctx, id); getErr == nil {
			return ErrShadowAlreadyLabeled
		}
		return ErrShadowResultNotFound
	}
	return nil
}

// GetByID retrieves a shadow result.
func (r *ShadowRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ShadowResult, error) {
	query := `
		SELECT id, org_id, rule_id, event_id, user_id, would_have_blocked,
			   confidence, actual_fraud, labeled_at, labeled_by, created_at
		FROM shadow_results
		WHERE id = $1
	`
	res := &models.ShadowResult{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&res.ID, &res.OrgID, &res.RuleID, &res.EventID, &res.UserID,
		&res.WouldHaveBlocked, &res.Confidence, &res.ActualFraud,
		&res.LabeledAt, &res.LabeledBy, &res.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrShadowResultNotFound
		}
		return nil, err
	}
	return res, nil
}

// GetLabeledInWindow returns labeled results for rule_id within [since, now),
// the input to accuracy computation.
func (r *ShadowRepository) GetLabeledInWindow(ctx context.Context, orgID, ruleID string, since time.Time) ([]*models.ShadowResult, error) {
	query := `
		SELECT id, org_id, rule_id, event_id, user_id, would_have_blocked,
			   confidence, actual_fraud, labeled_at, labeled_by, created_at
		FROM shadow_results
		WHERE org_id = $1 AND rule_id = $2 AND created_at >= $3 AND actual_fraud IS NOT NULL
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID, ruleID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.ShadowResult
	for rows.Next() {
		res := &models.ShadowResult{}
		if err := rows.Scan(
			&res.ID, &res.OrgID, &res.RuleID, &res.EventID, &res.UserID,
			&res.WouldHaveBlocked, &res.Confidence, &res.ActualFraud,
			&res.LabeledAt, &res.LabeledBy, &res.CreatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}

// GetPendingLabels returns results not yet labeled, for an analyst queue.
func (r *ShadowRepository) GetPendingLabels(ctx context.Context, orgID string, limit int) ([]*models.ShadowResult, error) {
	query := `
		SELECT id, org_id, rule_id, event_id, user_id, would_have_blocked,
			   confidence, actual_fraud, labeled_at, labeled_by, created_at
		FROM shadow_results
		WHERE org_id = $1 AND actual_fraud IS NULL
		ORDER BY created_at ASC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*models.ShadowResult
	for rows.Next() {
		res := &models.ShadowResult{}
		if err := rows.Scan(
			&res.ID, &res.OrgID, &res.RuleID, &res.EventID, &res.UserID,
			&res.WouldHaveBlocked, &res.Confidence, &res.ActualFraud,
			&res.LabeledAt, &res.LabeledBy, &res.CreatedAt,
		); err != nil {
			return nil, err
		}
		results = append(results, res)
	}
	return results, nil
}
