package auth_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/auth"
)

func TestHashAndCheckPassword(t *testing.T) {
	hash, err := auth.HashPassword("Sup3rSecret")
	require.NoError(t, err)
	assert.NotEqual(t, "Sup3rSecret", hash)

	assert.True(t, auth.CheckPassword("Sup3rSecret", hash))
	assert.False(t, auth.CheckPassword("wrong-password", hash))
}

func TestValidatePasswordStrength(t *testing.T) {
	cases := []struct {
		password string
		valid    bool
	}{
		{"short1A", false},
		{"alllowercase1", false},
		{"ALLUPPERCASE1", false},
		{"NoDigitsHere", false},
		{"Valid1Password", true},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.valid, auth.ValidatePasswordStrength(tc.password), "password %q", tc.password)
	}
}
