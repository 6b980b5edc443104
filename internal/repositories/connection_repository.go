package repositories

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

var (
	ErrConnectionNotFound = riskerr.New(riskerr.NotFound, "user connection not found")
)

// ConnectionRepository persists the undirected edges of the link-analysis
// graph (spec §4.6): two users sharing a device, card, or address. Edges are
// canonicalized so (a, b) and (b, a) always collapse to the same row.
type ConnectionRepository struct {
	db *Database
}

// NewConnectionRepository creates a new connection repository.
func NewConnectionRepository(db *Database) *ConnectionRepository {
	return &ConnectionRepository{db: db}
}

func canonicalPair(a, b string) (string, string) {
	if a <= b {
		return a, b
	}
	return b, a
}

// Upsert records an observation of a shared attribute between two users. If
// the edge already exists for that connection type and value, last_seen and
// event_count are updated instead of inserting a duplicate row.
func (r *ConnectionRepository) Upsert(ctx context.Context, orgID, userA, userB, connType, connValue string, strength float64) error {
	a, b := canonicalPair(userA, userB)
	now := time.Now()

	query := `
		INSERT INTO user_connections (
			org_id, user_a_id, user_b_id, connection_type, connection_value, strength,
			first_seen, last_seen, event_count, flagged_ring
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $7, 1, false)
		ON CONFLICT (org_id, user_a_id, user_b_id, connection_type, connection_value)
		DO UPDATE SET last_seen = $7, event_count = user_connections.event_count + 1,
			strength = GREATEST(user_connections.strength, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query, orgID, a, b, connType, connValue, strength, now)
	return err
}

// Neighbors returns every connection touching userID within orgID, used as
// the adjacency lookup for graph traversal.
func (r *ConnectionRepository) Neighbors(ctx context.Context, orgID, userID string) ([]*models.UserConnection, error) {
	query := `
		SELECT org_id, user_a_id, user_b_id, connection_type, connection_value,
			   strength, first_seen, last_seen, event_count, flagged_ring
		FROM user_connections
		WHERE org_id = $1 AND (user_a_id = $2 OR user_b_id = $2)
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanConnections(rows)
}

// All returns every edge in orgID's graph, used to build the full adjacency
// structure for ring analysis and hub ranking. Scoped per org so one
// organization's link analysis never traverses into another's users.
func (r *ConnectionRepository) All(ctx context.Context, orgID string) ([]*models.UserConnection, error) {
	query := `
		SELECT org_id, user_a_id, user_b_id, connection_type, connection_value,
			   strength, first_seen, last_seen, event_count, flagged_ring
		FROM user_connections
		WHERE org_id = $1
	`
	rows, err := r.db.Pool.Query(ctx, query, orgID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return r.scanConnections(rows)
}

// FlagRing marks every edge between the given users within orgID as part of
// a flagged fraud ring.
func (r *ConnectionRepository) FlagRing(ctx context.Context, orgID string, userIDs []string) error {
	query := `
		UPDATE user_connections
		SET flagged_ring = true
		WHERE org_id = $1 AND user_a_id = ANY($2) AND user_b_id = ANY($2)
	`
	_, err := r.db.Pool.Exec(ctx, query, orgID, userIDs)
	return err
}

func (r *ConnectionRepository) scanConnections(rows pgx.Rows) ([]*models.UserConnection, error) {
	var conns []*models.UserConnection
	for rows.Next() {
		c := &models.UserConnection{}
		if err := rows.Scan(
			&c.OrgID, &c.UserAID, &c.UserBID, &c.ConnectionType, &c.ConnectionValue,
			&c.Strength, &c.FirstSeen, &c.LastSeen, &c.EventCount, &c.FlaggedRing,
		); err != nil {
			return nil, err
		}
		conns = append(conns, c)
	}
	return conns, nil
}
