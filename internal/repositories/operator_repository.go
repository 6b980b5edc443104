package repositories

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

var (
	ErrOperatorNotFound      = riskerr.New(riskerr.NotFound, "operator not found")
	ErrOperatorAlreadyExists = riskerr.New(riskerr.Conflict, "operator already exists")
)

// OperatorRepository persists the minimal admin/analyst accounts the RBAC
// middleware authenticates against.
type OperatorRepository struct {
	db *Database
}

// NewOperatorRepository creates a new operator repository.
func NewOperatorRepository(db *Database) *OperatorRepository {
	return &OperatorRepository{db: db}
}

// Create inserts a new operator account.
func (r *OperatorRepository) Create(ctx context.Context, op *models.Operator) error {
	op.ID = uuid.New()
	op.CreatedAt = time.Now()

	query := `
		INSERT INTO operators (id, org_id, email, password_hash, role, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`
	_, err := r.db.Pool.Exec(ctx, query,
		op.ID, op.OrgID, op.Email, op.PasswordHash, op.Role, op.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrOperatorAlreadyExists
		}
		return err
	}
	return nil
}

// GetByEmail retrieves an operator by login email within an org.
func (r *OperatorRepository) GetByEmail(ctx context.Context, orgID, email string) (*models.Operator, error) {
	query := `
		SELECT id, org_id, email, password_hash, role, created_at
		FROM operators
		WHERE org_id = $1 AND email = $2
	`
	op := &models.Operator{}
	err := r.db.Pool.QueryRow(ctx, query, orgID, email).Scan(
		&op.ID, &op.OrgID, &op.Email, &op.PasswordHash, &op.Role, &op.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}

// GetByID retrieves an operator by id.
func (r *OperatorRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Operator, error) {
	query := `
		SELECT id, org_id, email, password_hash, role, created_at
		FROM operators
		WHERE id = $1
	`
	op := &models.Operator{}
	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&op.ID, &op.OrgID, &op.Email, &op.PasswordHash, &op.Role, &op.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOperatorNotFound
		}
		return nil, err
	}
	return op, nil
}
