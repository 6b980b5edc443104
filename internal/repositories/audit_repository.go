package repositories

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/models"
)

var (
	ErrAuditChainBroken = errors.New("audit chain integrity check failed")
)

// AuditRepository persists the per-org cryptographically chained audit log
// (spec §4.5). Each entry's curr_hash commits to the previous entry's hash,
// so appends must be serialized per org and hashes recomputed on read to
// detect tampering.
type AuditRepository struct {
	db *Database
}

// NewAuditRepository creates a new audit repository.
func NewAuditRepository(db *Database) *AuditRepository {
	return &AuditRepository{db: db}
}

// canonicalPayload marshals payload with sorted keys so the hash is stable
// regardless of map iteration order.
func canonicalPayload(payload models.JSONB) ([]byte, error) {
	if payload == nil {
		return []byte("{}"), nil
	}
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]interface{}, len(payload))
	for _, k := range keys {
		ordered[k] = payload[k]
	}
	return json.Marshal(ordered)
}

func computeChainHash(prevHash, actorID, eventType string, canonicalJSON []byte, timestamp time.Time) string {
	h := sha256.New()
	h.Write([]byte(prevHash))
	h.Write([]byte(actorID))
	h.Write([]byte(eventType))
	h.Write(canonicalJSON)
	h.Write([]byte(timestamp.UTC().Format(time.RFC3339Nano)))
	return hex.EncodeToString(h.Sum(nil))
}

// Append writes the next entry in an org's chain. It takes a
// transaction-scoped advisory lock keyed on the org, reads the current tip,
// computes the new entry's sequence and curr_hash, and inserts atomically,
// so concurrent appends for the same org (including the first one) are
// serialized. The lock relies on all appenders going through this method.
func (r *AuditRepository) Append(ctx context.Context, entry *models.AuditEntry) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		var prevSeq int64
		var prevHash string

		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, entry.OrgID); err != nil {
			return err
		}

		err := tx.QueryRow(ctx, `
			SELECT sequence, curr_hash FROM audit_entries
			WHERE org_id = $1
			ORDER BY sequence DESC
			LIMIT 1
			FOR UPDATE
		`, entry.OrgID).Scan(&prevSeq, &prevHash)

		switch {
		case errors.Is(err, pgx.ErrNoRows):
			prevSeq = 0
			prevHash = ""
		case err != nil:
			return err
		}

		entry.ID = uuid.New()
		entry.Sequence = prevSeq + 1
		entry.PrevHash = prevHash
		// Postgres keeps microseconds; hash the value exactly as it is stored.
		entry.Timestamp = time.Now().UTC().Truncate(time.Microsecond)

		canonical, err := canonicalPayload(entry.Payload)
		if err != nil {
			return err
		}
		entry.CurrHash = computeChainHash(entry.PrevHash, entry.ActorID, entry.EventType, canonical, entry.Timestamp)

		payloadBytes, err := entry.Payload.Value()
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO audit_entries (
				id, org_id, sequence, prev_hash, curr_hash, actor_id, actor_role,
				event_type, resource_type, resource_id, payload, timestamp, shadow_mode
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		`,
			entry.ID, entry.OrgID, entry.Sequence, entry.PrevHash, entry.CurrHash,
			entry.ActorID, entry.ActorRole, entry.EventType, entry.ResourceType,
			entry.ResourceID, payloadBytes, entry.Timestamp, entry.ShadowMode,
		)
		return err
	})
}

// GetChain returns an org's full chain in sequence order.
func (r *AuditRepository) GetChain(ctx context.Context, orgID string) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, org_id, sequence, prev_hash, curr_hash, actor_id, actor_role,
			   event_type, resource_type, resource_id, payload, timestamp, shadow_mode
		FROM audit_entries
		WHERE org_id = $1
		ORDER BY sequence ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanEntries(rows)
}

// AuditFilter narrows a chain query; zero-valued fields match everything.
type AuditFilter struct {
	EventType    string
	ActorID      string
	ResourceType string
	Limit        int
}

// Query returns an org's entries matching filter, newest first, capped at
// filter.Limit when set.
func (r *AuditRepository) Query(ctx context.Context, orgID string, filter AuditFilter) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, org_id, sequence, prev_hash, curr_hash, actor_id, actor_role,
			   event_type, resource_type, resource_id, payload, timestamp, shadow_mode
		FROM audit_entries
		WHERE org_id = $1
		  AND ($2 = '' OR event_type = $2)
		  AND ($3 = '' OR actor_id = $3)
		  AND ($4 = '' OR resource_type = $4)
		ORDER BY sequence DESC
		LIMIT $5
	`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Pool.Query(ctx, query, orgID, filter.EventType, filter.ActorID, filter.ResourceType, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanEntries(rows)
}

// GetByResource returns the audit trail for a specific resource.
func (r *AuditRepository) GetByResource(ctx context.Context, orgID, resourceType, resourceID string) ([]*models.AuditEntry, error) {
	query := `
		SELECT id, org_id, sequence, prev_hash, curr_hash, actor_id, actor_role,
			   event_type, resource_type, resource_id, payload, timestamp, shadow_mode
		FROM audit_entries
		WHERE org_id = $1 AND resource_type = $2 AND resource_id = $3
		ORDER BY sequence ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID, resourceType, resourceID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanEntries(rows)
}

// VerifyChain walks an org's chain and recomputes each entry's hash from its
// recorded fields, reporting every sequence where the stored hash disagrees
// with the recomputed one or the prev_hash linkage is broken.
func (r *AuditRepository) VerifyChain(ctx context.Context, orgID string) ([]models.ChainAnomaly, error) {
	entries, err := r.GetChain(ctx, orgID)
	if err != nil {
		return nil, err
	}
	return verifyChain(entries), nil
}

// verifyChain is the pure recomputation loop VerifyChain runs over a fetched
// chain. Isolated from the DB read so the cascade behavior below is
// independently testable: a tampered entry's recomputed hash (not its
// untouched stored curr_hash) is what the next entry's prev_hash is checked
// against, so corruption at sequence N always cascades into an anomaly at
// sequence N+1 rather than being masked by N's own unchanged columns.
func verifyChain(entries []*models.AuditEntry) []models.ChainAnomaly {
	var anomalies []models.ChainAnomaly
	prevHash := ""
	for _, e := range entries {
		if e.PrevHash != prevHash {
			anomalies = append(anomalies, models.ChainAnomaly{
				Sequence: e.Sequence,
				Reason:   "prev_hash does not match preceding entry's curr_hash",
			})
		}

		canonical, cerr := canonicalPayload(e.Payload)
		if cerr != nil {
			anomalies = append(anomalies, models.ChainAnomaly{Sequence: e.Sequence, Reason: "payload not canonicalizable"})
			prevHash = e.CurrHash
			continue
		}
		recomputed := computeChainHash(e.PrevHash, e.ActorID, e.EventType, canonical, e.Timestamp)
		if recomputed != e.CurrHash {
			anomalies = append(anomalies, models.ChainAnomaly{
				Sequence: e.Sequence,
				Reason:   "curr_hash does not match recomputed hash",
			})
		}
		prevHash = recomputed
	}

	return anomalies
}

func (r *AuditRepository) scanEntries(rows pgx.Rows) ([]*models.AuditEntry, error) {
	var entries []*models.AuditEntry
	for rows.Next() {
		e := &models.AuditEntry{}
		var payloadBytes []byte

		if err := rows.Scan(
			&e.ID, &e.OrgID, &e.Sequence, &e.PrevHash, &e.CurrHash,
			&e.ActorID, &e.ActorRole, &e.EventType, &e.ResourceType,
			&e.ResourceID, &payloadBytes, &e.Timestamp, &e.ShadowMode,
		); err != nil {
			return nil, err
		}
		e.Payload.Scan(payloadBytes)
		entries = append(entries, e)
	}
	return entries, nil
}
