package services

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/sentineliq/risk-engine/internal/auth"
	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/repositories"
	"github.com/sentineliq/risk-engine/internal/riskerr"
)

var (
	ErrInvalidCredentials = riskerr.New(riskerr.Unauthorized, "invalid email or password")
	ErrWeakPassword       = riskerr.New(riskerr.InvalidInput, "password does not meet requirements")
)

// AuthService issues and validates the operator credentials that gate the
// admin surface (rule registry, audit/compliance, shadow mode). It is the
// only auth surface this core touches: the engine itself authenticates
// nothing about the end users its Events describe.
type AuthService struct {
	operatorRepo *repositories.OperatorRepository
	jwtManager   *auth.JWTManager
}

// NewAuthService creates a new auth service.
func NewAuthService(operatorRepo *repositories.OperatorRepository, jwtManager *auth.JWTManager) *AuthService {
	return &AuthService{operatorRepo: operatorRepo, jwtManager: jwtManager}
}

// RegisterRequest provisions a new operator account. Self-service signup
// is not exposed over HTTP; this is used by an admin-only onboarding route.
type RegisterRequest struct {
	OrgID    string `json:"org_id" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required,min=8"`
	Role     string `json:"role"`
}

// LoginRequest represents an operator login request.
type LoginRequest struct {
	OrgID    string `json:"org_id" binding:"required"`
	Email    string `json:"email" binding:"required,email"`
	Password string `json:"password" binding:"required"`
}

// AuthResponse represents an authentication response.
type AuthResponse struct {
	Token     string           `json:"token"`
	ExpiresIn int64            `json:"expires_in"`
	Operator  OperatorResponse `json:"operator"`
}

// OperatorResponse represents an operator in responses.
type OperatorResponse struct {
	ID        uuid.UUID `json:"id"`
	OrgID     string    `json:"org_id"`
	Email     string    `json:"email"`
	Role      string    `json:"role"`
	CreatedAt string    `json:"created_at"`
}

func toOperatorResponse(op *models.Operator) OperatorResponse {
	return OperatorResponse{
		ID:        op.ID,
		OrgID:     op.OrgID,
		Email:     op.Email,
		Role:      op.Role,
		CreatedAt: op.CreatedAt.Format("2006-01-02T15:04:05Z"),
	}
}

func (s *AuthService) issue(op *models.Operator) (*AuthResponse, error) {
	token, exp, err := s.jwtManager.GenerateToken(op.ID, op.OrgID, op.Email, op.Role)
	if err != nil {
		return nil, riskerr.Wrap(riskerr.Transient, "failed to generate token", err)
	}
	return &AuthResponse{
		Token:     token,
		ExpiresIn: int64(exp.Unix()),
		Operator:  toOperatorResponse(op),
	}, nil
}

// Register provisions a new operator account.
func (s *AuthService) Register(ctx context.Context, req *RegisterRequest) (*AuthResponse, error) {
	if !auth.ValidatePasswordStrength(req.Password) {
		return nil, ErrWeakPassword
	}

	hashedPassword, err := auth.HashPassword(req.Password)
	if err != nil {
		return nil, riskerr.Wrap(riskerr.Transient, "failed to hash password", err)
	}

	role := req.Role
	if role == "" {
		role = models.OperatorRoleAnalyst
	}

	op := &models.Operator{
		OrgID:        req.OrgID,
		Email:        req.Email,
		PasswordHash: hashedPassword,
		Role:         role,
	}

	if err := s.operatorRepo.Create(ctx, op); err != nil {
		if errors.Is(err, repositories.ErrOperatorAlreadyExists) {
			return nil, err
		}
		return nil, riskerr.Wrap(riskerr.Transient, "failed to create operator", err)
	}

	return s.issue(op)
}

// Login authenticates an operator by org-scoped email and password.
func (s *AuthService) Login(ctx context.Context, req *LoginRequest) (*AuthResponse, error) {
	op, err := s.operatorRepo.GetByEmail(ctx, req.OrgID, req.Email)
	if err != nil {
		if errors.Is(err, repositories.ErrOperatorNotFound) {
			return nil, ErrInvalidCredentials
		}
		return nil, riskerr.Wrap(riskerr.Transient, "failed to find operator", err)
	}

	if !auth.CheckPassword(req.Password, op.PasswordHash) {
		return nil, ErrInvalidCredentials
	}

	return s.issue(op)
}

// RefreshToken reissues a token for the operator identified by a still-valid
// (possibly soon-to-expire) current token.
func (s *AuthService) RefreshToken(ctx context.Context, currentToken string) (*AuthResponse, error) {
	claims, err := s.jwtManager.ValidateToken(currentToken)
	if err != nil {
		return nil, riskerr.Wrap(riskerr.Unauthorized, "invalid or expired token", err)
	}

	op, err := s.operatorRepo.GetByID(ctx, claims.UserID)
	if err != nil {
		return nil, riskerr.Wrap(riskerr.Unauthorized, "operator not found", err)
	}

	return s.issue(op)
}

// GetOperator retrieves an operator by ID.
func (s *AuthService) GetOperator(ctx context.Context, id uuid.UUID) (*OperatorResponse, error) {
	op, err := s.operatorRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	resp := toOperatorResponse(op)
	return &resp, nil
}
