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
	ErrOutboxEntryNotFound = riskerr.New(riskerr.NotFound, "outbox entry not found")
)

// OutboxRepository persists the transactional outbox (spec §4.1). Callers
// insert entries inside the same transaction as the business write they
// accompany via Database.WithTransaction; the poller then drains pending
// rows on its own schedule.
type OutboxRepository struct {
	db *Database
}

// NewOutboxRepository creates a new outbox repository.
func NewOutboxRepository(db *Database) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Insert writes a pending outbox entry using tx if non-nil, or the pool
// otherwise. Always call this inside the same transaction as the write
// it accompanies so publication and persistence never diverge.
func (r *OutboxRepository) Insert(ctx context.Context, tx pgx.Tx, entry *models.OutboxEntry) error {
	query := `
		INSERT INTO outbox_entries (
			id, org_id, event_id, event_type, payload, status, created_at, retry_count, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULL)
	`

	entry.ID = uuid.New()
	entry.Status = models.OutboxStatusPending
	entry.CreatedAt = time.Now()

	payloadBytes, err := entry.Payload.Value()
	if err != nil {
		return err
	}

	args := []interface{}{
		entry.ID, entry.OrgID, entry.EventID, entry.EventType,
		payloadBytes, entry.Status, entry.CreatedAt, entry.RetryCount,
	}

	if tx != nil {
		_, err = tx.Exec(ctx, query, args...)
	} else {
		_, err = r.db.Pool.Exec(ctx, query, args...)
	}
	return err
}

// ListPending returns up to limit pending entries whose next retry is due
// (next_retry_at is unset or has elapsed), ordered by age oldest first, for
// the poller to attempt publication.
func (r *OutboxRepository) ListPending(ctx context.Context, limit int) ([]*models.OutboxEntry, error) {
	query := `
		SELECT id, org_id, event_id, event_type, payload, status,
			   created_at, published_at, retry_count, last_error, next_retry_at
		FROM outbox_entries
		WHERE status = $1 AND (next_retry_at IS NULL OR next_retry_at <= now())
		ORDER BY created_at ASC
		LIMIT $2
	`

	rows, err := r.db.Pool.Query(ctx, query, models.OutboxStatusPending, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return r.scanEntries(rows)
}

// MarkPublished records a successful publish.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE outbox_entries
		SET status = $2, published_at = $3
		WHERE id = $1
	`
	now := time.Now()
	result, err := r.db.Pool.Exec(ctx, query, id, models.OutboxStatusPublished, now)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

// backoffFor returns the delay before the (1-indexed) retryCount-th retry,
// doubling from 1 second and capped at maxBackoff so a persistently failing
// downstream doesn't get hammered every poll tick.
func backoffFor(retryCount int, maxBackoff time.Duration) time.Duration {
	d := time.Second
	for i := 1; i < retryCount; i++ {
		d *= 2
		if d >= maxBackoff {
			return maxBackoff
		}
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// RecordFailure increments the retry count, records the error, and schedules
// the next retry with exponential backoff. The entry stays pending (so a
// later poll retries it once its backoff elapses) unless the post-increment
// retry count reaches maxRetries, at which point it transitions to the
// terminal failed status.
func (r *OutboxRepository) RecordFailure(ctx context.Context, id uuid.UUID, publishErr error, maxRetries int, maxBackoff time.Duration) error {
	var retryCount int
	if err := r.db.Pool.QueryRow(ctx, `SELECT retry_count FROM outbox_entries WHERE id = $1`, id).Scan(&retryCount); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrOutboxEntryNotFound
		}
		return err
	}
	retryCount++
	nextRetryAt := time.Now().Add(backoffFor(retryCount, maxBackoff))

	query := `
		UPDATE outbox_entries
		SET retry_count = $2,
			last_error = $3,
			next_retry_at = $4,
			status = CASE WHEN $2 >= $5 THEN $6 ELSE status END
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, retryCount, publishErr.Error(), nextRetryAt, maxRetries, models.OutboxStatusFailed)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

// Requeue resets a failed entry back to pending, clearing its backoff so the
// poller picks it up again on its next sweep.
func (r *OutboxRepository) Requeue(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE outbox_entries SET status = $2, next_retry_at = NULL WHERE id = $1`
	result, err := r.db.Pool.Exec(ctx, query, id, models.OutboxStatusPending)
	if err != nil {
		return err
	}
	if result.RowsAffected() == 0 {
		return ErrOutboxEntryNotFound
	}
	return nil
}

// DeletePublishedBefore removes published entries older than the retention
// cutoff, keeping the table from growing unbounded.
func (r *OutboxRepository) DeletePublishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	query := `DELETE FROM outbox_entries WHERE status = $1 AND published_at < $2`
	result, err := r.db.Pool.Exec(ctx, query, models.OutboxStatusPublished, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func (r *OutboxRepository) scanEntries(rows pgx.Rows) ([]*models.OutboxEntry, error) {
	var entries []*models.OutboxEntry
	for rows.Next() {
		entry := &models.OutboxEntry{}
		var payloadBytes []byte

		if err := rows.Scan(
			&entry.ID, &entry.OrgID, &entry.EventID, &entry.EventType,
			&payloadBytes, &entry.Status, &entry.CreatedAt, &entry.PublishedAt,
			&entry.RetryCount, &entry.LastError, &entry.NextRetryAt,
		); err != nil {
			return nil, err
		}
		entry.Payload.Scan(payloadBytes)
		entries = append(entries, entry)
	}
	return entries, nil
}
