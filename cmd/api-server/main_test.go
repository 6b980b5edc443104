package main

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/sentineliq/risk-engine/internal/riskerr"
)

func TestStatusForKind(t *testing.T) {
	cases := []struct {
		kind riskerr.Kind
		want int
	}{
		{riskerr.InvalidInput, http.StatusBadRequest},
		{riskerr.Unauthorized, http.StatusUnauthorized},
		{riskerr.Forbidden, http.StatusForbidden},
		{riskerr.NotFound, http.StatusNotFound},
		{riskerr.Conflict, http.StatusConflict},
		{riskerr.RuleValidationFailed, http.StatusUnprocessableEntity},
		{riskerr.IntegrityBreach, http.StatusInternalServerError},
		{riskerr.Transient, http.StatusServiceUnavailable},
		{riskerr.Kind("unknown"), http.StatusServiceUnavailable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusForKind(tc.kind))
	}
}
