package linkgraph_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sentineliq/risk-engine/internal/linkgraph"
	"github.com/sentineliq/risk-engine/internal/models"
)

type fakeLoader struct {
	conns []*models.UserConnection
}

func (f *fakeLoader) All(ctx context.Context, orgID string) ([]*models.UserConnection, error) {
	return f.conns, nil
}

func (f *fakeLoader) Neighbors(ctx context.Context, orgID, userID string) ([]*models.UserConnection, error) {
	var out []*models.UserConnection
	for _, c := range f.conns {
		if c.UserAID == userID || c.UserBID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

func conn(a, b string, strength float64) *models.UserConnection {
	return &models.UserConnection{OrgID: "org-1", UserAID: a, UserBID: b, ConnectionType: "device_fp", ConnectionValue: "fp-1", Strength: strength}
}

// ringTopology: a-b-c-d form a chain, e is isolated.
func ringTopology() *fakeLoader {
	return &fakeLoader{conns: []*models.UserConnection{
		conn("a", "b", 1.0),
		conn("b", "c", 1.0),
		conn("c", "d", 1.0),
	}}
}

func TestLoadBuildsEdgeIndex(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), ringTopology(), "org-1")
	require.NoError(t, err)
	assert.NotNil(t, g)
}

func TestConnectedRespectsDepth(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), ringTopology(), "org-1")
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"a", "b"}, g.Connected("a", 1))
	assert.ElementsMatch(t, []string{"a", "b", "c", "d"}, g.Connected("a", 10))
	assert.Equal(t, []string{"e"}, g.Connected("e", 5))
}

func TestRingAnalysisDensityAndCentrality(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), ringTopology(), "org-1")
	require.NoError(t, err)

	analysis := g.RingAnalysis("a")
	assert.Equal(t, 4, analysis.NodeCount)
	assert.Equal(t, 3, analysis.EdgeCount)
	assert.Greater(t, analysis.Density, 0.0)
	assert.Greater(t, analysis.DegreeCentrality["b"], analysis.DegreeCentrality["a"])
	assert.Len(t, analysis.Communities, 1)
}

// TestRingAnalysisBetweennessFindsBrokers exercises the a-b-c-d chain, where
// every shortest path between a and d, and between a and c, must cross
// through b and/or c: the endpoints sit on no one else's shortest path and
// should score zero, while the interior nodes broker every path that passes
// them.
func TestRingAnalysisBetweennessFindsBrokers(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), ringTopology(), "org-1")
	require.NoError(t, err)

	analysis := g.RingAnalysis("a")
	assert.Equal(t, 0.0, analysis.BetweennessCentrality["a"])
	assert.Equal(t, 0.0, analysis.BetweennessCentrality["d"])
	assert.Greater(t, analysis.BetweennessCentrality["b"], 0.0)
	assert.Greater(t, analysis.BetweennessCentrality["c"], 0.0)
	assert.Equal(t, analysis.BetweennessCentrality["b"], analysis.BetweennessCentrality["c"])
}

func TestRingAnalysisIsolatedNode(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), ringTopology(), "org-1")
	require.NoError(t, err)

	analysis := g.RingAnalysis("e")
	assert.Equal(t, 1, analysis.NodeCount)
	assert.Equal(t, 0, analysis.EdgeCount)
	assert.Equal(t, 0.0, analysis.Density)
}

func TestTopHubsOrdersByDegreeThenID(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), &fakeLoader{conns: []*models.UserConnection{
		conn("hub", "x", 1.0),
		conn("hub", "y", 1.0),
		conn("hub", "z", 1.0),
		conn("x", "y", 1.0),
	}}, "org-1")
	require.NoError(t, err)

	hubs := g.TopHubs(2)
	require.Len(t, hubs, 2)
	assert.Equal(t, "hub", hubs[0].UserID)
	assert.Equal(t, 3, hubs[0].Degree)
}

func TestGraphDataBadgesRiskLevels(t *testing.T) {
	g, err := linkgraph.Load(context.Background(), ringTopology(), "org-1")
	require.NoError(t, err)

	nodes, edges := g.GraphData("a", map[string]string{"b": models.RiskLevelHigh})
	require.NotEmpty(t, nodes)
	require.NotEmpty(t, edges)

	var foundB bool
	for _, n := range nodes {
		if n.UserID == "b" {
			foundB = true
			assert.Equal(t, models.RiskLevelHigh, n.RiskLevel)
		}
	}
	assert.True(t, foundB)
}
