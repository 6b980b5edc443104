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

var ErrWebhookNotFound = riskerr.New(riskerr.NotFound, "webhook not found")

// WebhookRepository persists registered webhooks, their delivery history,
// and their running counters (spec §4.8).
type WebhookRepository struct {
	db *Database
}

// NewWebhookRepository creates a new webhook repository.
func NewWebhookRepository(db *Database) *WebhookRepository {
	return &WebhookRepository{db: db}
}

// Create registers a new webhook.
func (r *WebhookRepository) Create(ctx context.Context, wh *models.Webhook) error {
	wh.ID = uuid.New()
	wh.CreatedAt = time.Now()
	wh.IsActive = true

	query := `
		INSERT INTO webhooks (
			id, org_id, url, secret, event_types, min_risk_level,
			timeout_seconds, max_retries, is_active, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		wh.ID, wh.OrgID, wh.URL, wh.Secret, pq.Array(wh.EventTypes), wh.MinRiskLevel,
		wh.TimeoutSeconds, wh.MaxRetries, wh.IsActive, wh.CreatedAt,
	)
	return err
}

// ActiveForOrg returns every active webhook registered for an org, the
// candidate set match-and-dispatch filters down per decision.
func (r *WebhookRepository) ActiveForOrg(ctx context.Context, orgID string) ([]*models.Webhook, error) {
	query := `
		SELECT id, org_id, url, secret, event_types, min_risk_level,
			   timeout_seconds, max_retries, is_active, total_deliveries,
			   successful_deliveries, failed_deliveries, last_triggered_at, created_at
		FROM webhooks
		WHERE org_id = $1 AND is_active = true
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Webhook
	for rows.Next() {
		wh := &models.Webhook{}
		if err := rows.Scan(&wh.ID, &wh.OrgID, &wh.URL, &wh.Secret, &wh.EventTypes,
			&wh.MinRiskLevel, &wh.TimeoutSeconds, &wh.MaxRetries, &wh.IsActive,
			&wh.TotalDeliveries, &wh.SuccessfulDeliveries, &wh.FailedDeliveries,
			&wh.LastTriggeredAt, &wh.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, wh)
	}
	return out, nil
}

// GetByID retrieves a webhook by id.
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	query := `
		SELECT id, org_id, url, secret, event_types, min_risk_level,
			   timeout_seconds, max_retries, is_active, total_deliveries,
			   successful_deliveries, failed_deliveries, last_triggered_at, created_at
		FROM webhooks
		WHERE id = $1
	`
	wh := &models.Webhook{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(&wh.ID, &wh.OrgID, &wh.URL, &wh.Secret,
		&wh.EventTypes, &wh.MinRiskLevel, &wh.TimeoutSeconds, &wh.MaxRetries, &wh.IsActive,
		&wh.TotalDeliveries, &wh.SuccessfulDeliveries, &wh.FailedDeliveries,
		&wh.LastTriggeredAt, &wh.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrWebhookNotFound
		}
		return nil, err
	}
	return wh, nil
}

// RecordDelivery inserts a per-attempt delivery record and updates the
// webhook's running counters in one transaction.
func (r *WebhookRepository) RecordDelivery(ctx context.Context, delivery *models.WebhookDelivery) error {
	delivery.ID = uuid.New()
	delivery.CreatedAt = time.Now()

	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		bodyBytes, err := delivery.RequestBody.Value()
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO webhook_deliveries (
				id, webhook_id, event_id, risk_level, attempt_number, status_code,
				request_body, response_body, response_time_ms, is_successful,
				is_final_attempt, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		`,
			delivery.ID, delivery.WebhookID, delivery.EventID, delivery.RiskLevel,
			delivery.AttemptNumber, delivery.StatusCode, bodyBytes, delivery.ResponseBody,
			delivery.ResponseTimeMs, delivery.IsSuccessful, delivery.IsFinalAttempt, delivery.CreatedAt,
		)
		if err != nil {
			return err
		}

		if delivery.IsSuccessful {
			_, err = tx.Exec(ctx, `
				UPDATE webhooks
				SET total_deliveries = total_deliveries + 1,
					successful_deliveries = successful_deliveries + 1,
					last_triggered_at = $2
				WHERE id = $1
			`, delivery.WebhookID, delivery.CreatedAt)
		} else {
			_, err = tx.Exec(ctx, `
				UPDATE webhooks
				SET total_deliveries = total_deliveries + 1,
					failed_deliveries = failed_deliveries + 1,
					last_triggered_at = $2
				WHERE id = $1
			`, delivery.WebhookID, delivery.CreatedAt)
		}
		return err
	})
}

// DeliveryHistory returns every recorded attempt for a webhook/event pair,
// oldest attempt first.
func (r *WebhookRepository) DeliveryHistory(ctx context.Context, webhookID uuid.UUID, eventID string) ([]*models.WebhookDelivery, error) {
	query := `
		SELECT id, webhook_id, event_id, risk_level, attempt_number, status_code,
			   request_body, response_body, response_time_ms, is_successful,
			   is_final_attempt, created_at
		FROM webhook_deliveries
		WHERE webhook_id = $1 AND event_id = $2
		ORDER BY attempt_number ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, webhookID, eventID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.WebhookDelivery
	for rows.Next() {
		d := &models.WebhookDelivery{}
		var bodyBytes []byte
		if err := rows.Scan(&d.ID, &d.WebhookID, &d.EventID, &d.RiskLevel, &d.AttemptNumber,
			&d.StatusCode, &bodyBytes, &d.ResponseBody, &d.ResponseTimeMs, &d.IsSuccessful,
			&d.IsFinalAttempt, &d.CreatedAt); err != nil {
			return nil, err
		}
		d.RequestBody.Scan(bodyBytes)
		out = append(out, d)
	}
	return out, nil
}
