package auth_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/auth"
)

func TestGenerateAndValidateToken(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", time.Hour)
	userID := uuid.New()

	token, exp, err := manager.GenerateToken(userID, "org-1", "analyst@example.com", "analyst")
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, exp.After(time.Now()))

	claims, err := manager.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, userID, claims.UserID)
	assert.Equal(t, "org-1", claims.OrgID)
	assert.Equal(t, "analyst", claims.Role)
}

func TestValidateTokenRejectsTampering(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", time.Hour)
	token, _, err := manager.GenerateToken(uuid.New(), "org-1", "a@example.com", "admin")
	require.NoError(t, err)

	otherManager := auth.NewJWTManager("different-secret", time.Hour)
	_, err = otherManager.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}

func TestValidateTokenDetectsExpiry(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", -time.Hour)
	token, _, err := manager.GenerateToken(uuid.New(), "org-1", "a@example.com", "admin")
	require.NoError(t, err)

	_, err = manager.ValidateToken(token)
	assert.ErrorIs(t, err, auth.ErrExpiredToken)
}

func TestValidateTokenRejectsGarbage(t *testing.T) {
	manager := auth.NewJWTManager("test-secret", time.Hour)
	_, err := manager.ValidateToken("not-a-token")
	assert.ErrorIs(t, err, auth.ErrInvalidToken)
}
