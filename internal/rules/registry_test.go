package rules_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/riskerr"
	"github.com/sentineliq/risk-engine/internal/rules"
)

const sampleSource = `
scoring:
  base_risk: 0.1
  velocity_weight: 0.3
  behavioral_weight: 0.3
gates:
  - name: sanctioned_region
    score: 1.0
    conditions:
      type: threshold
      field: is_sanctioned_country
      operator: "="
      value: true
rules:
  - name: rapid_transactions
    type: velocity
    score: 0.3
    conditions:
      type: threshold
      field: transaction_velocity_1h
      operator: ">"
      value: 20
`

func writeSource(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "rules.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestRegistryReloadInstallsFirstVersion(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)

	result, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "installed", result.Status)
	assert.Equal(t, "1.0.0", result.Version)
	assert.NotEmpty(t, result.Hash)
	assert.NotNil(t, registry.Current())
}

func TestRegistryReloadIsIdempotentOnUnchangedContent(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)

	_, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)

	second, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "unchanged", second.Status)
	assert.Equal(t, "1.0.0", second.Version)
}

func TestRegistryReloadInstallsNewVersionOnContentChange(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)

	_, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)

	changed := sampleSource + "\nrule_combinations:\n  - id: extra\n    triggered_rules: [rapid_transactions]\n    boost: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))

	second, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "installed", second.Status)
	assert.Equal(t, "1.0.1", second.Version)
}

func TestRegistryReloadRejectsInvalidSource(t *testing.T) {
	path := writeSource(t, "scoring:\n  base_risk: 0\n  velocity_weight: 0\n  behavioral_weight: 0\n")
	registry := rules.NewRegistry(path, nil)

	result, err := registry.Reload(context.Background(), false)
	assert.Error(t, err)
	assert.Equal(t, "rejected", result.Status)
	assert.Nil(t, registry.Current())
}

func TestRegistryReloadMissingFile(t *testing.T) {
	registry := rules.NewRegistry(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	_, err := registry.Reload(context.Background(), false)
	assert.Error(t, err)
}

func TestRegistryRollback(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)

	first, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)

	changed := sampleSource + "\nrule_combinations:\n  - id: extra\n    triggered_rules: [rapid_transactions]\n    boost: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	_, err = registry.Reload(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "1.0.1", registry.Version())

	require.NoError(t, registry.Rollback(context.Background(), first.Version))
	assert.Equal(t, first.Version, registry.Version())
	assert.Equal(t, first.Hash, registry.Current().Hash)
}

func TestRegistryRollbackUnknownVersion(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)
	_, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)

	err = registry.Rollback(context.Background(), "9.9.9")
	assert.Error(t, err)
	assert.Equal(t, riskerr.Conflict, riskerr.KindOf(err))
}

// Rolling back to V and reloading the unchanged source must restore the
// later version without duplicating it in history (spec round-trip law).
func TestRegistryRollbackThenReloadRestoresWithoutDuplicateHistory(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)

	first, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)

	changed := sampleSource + "\nrule_combinations:\n  - id: extra\n    triggered_rules: [rapid_transactions]\n    boost: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	second, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)
	require.Equal(t, "1.0.1", second.Version)

	require.NoError(t, registry.Rollback(context.Background(), first.Version))
	require.Equal(t, "1.0.0", registry.Version())

	restored, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, "installed", restored.Status)
	assert.Equal(t, "1.0.1", restored.Version)
	assert.Equal(t, second.Hash, restored.Hash)
	assert.Equal(t, []string{"1.0.0", "1.0.1"}, registry.History())
}

func TestRegistryHistoryOrdering(t *testing.T) {
	path := writeSource(t, sampleSource)
	registry := rules.NewRegistry(path, nil)

	_, err := registry.Reload(context.Background(), false)
	require.NoError(t, err)

	changed := sampleSource + "\nrule_combinations:\n  - id: extra\n    triggered_rules: [rapid_transactions]\n    boost: 0.1\n"
	require.NoError(t, os.WriteFile(path, []byte(changed), 0o644))
	_, err = registry.Reload(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, []string{"1.0.0", "1.0.1"}, registry.History())
}
