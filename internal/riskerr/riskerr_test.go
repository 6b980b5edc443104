package riskerr_test

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/riskerr"
)

func TestIsMatchesKind(t *testing.T) {
	err := riskerr.New(riskerr.NotFound, "webhook not found")
	assert.True(t, riskerr.Is(err, riskerr.NotFound))
	assert.False(t, riskerr.Is(err, riskerr.Forbidden))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, riskerr.Is(errors.New("boom"), riskerr.NotFound))
}

func TestKindOfDefaultsToTransient(t *testing.T) {
	assert.Equal(t, riskerr.Transient, riskerr.KindOf(errors.New("boom")))
	assert.Equal(t, riskerr.Conflict, riskerr.KindOf(riskerr.New(riskerr.Conflict, "dup")))
}

func TestWrapUnwrapsCause(t *testing.T) {
	cause := errors.New("db down")
	wrapped := riskerr.Wrap(riskerr.Transient, "query failed", cause)

	assert.ErrorIs(t, wrapped, cause)
	assert.Contains(t, wrapped.Error(), "db down")
	assert.Contains(t, wrapped.Error(), "query failed")
}
