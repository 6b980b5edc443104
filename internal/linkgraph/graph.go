// Package linkgraph builds an in-memory view of the user-connection graph
// for fraud-ring analysis (spec §4.6): connected components, centrality
// estimates, hub ranking, and ring flagging. Persistence of edges lives in
// repositories.ConnectionRepository; this package is pure graph algorithms
// over a snapshot loaded from there.
package linkgraph

import (
	"context"
	"math"
	"sort"

	"github.com/sentineliq/risk-engine/internal/models"
	"github.com/sentineliq/risk-engine/internal/repositories"
)

// Graph is an undirected multigraph snapshot: each user maps to its
// incident edges.
type Graph struct {
	edges map[string][]models.UserConnection
}

// Loader is the subset of ConnectionRepository the graph builds from.
type Loader interface {
	All(ctx context.Context, orgID string) ([]*models.UserConnection, error)
	Neighbors(ctx context.Context, orgID, userID string) ([]*models.UserConnection, error)
}

// Load builds a full-graph snapshot of orgID's connections from repo.
func Load(ctx context.Context, repo Loader, orgID string) (*Graph, error) {
	conns, err := repo.All(ctx, orgID)
	if err != nil {
		return nil, err
	}
	g := &Graph{edges: make(map[string][]models.UserConnection)}
	for _, c := range conns {
		g.edges[c.UserAID] = append(g.edges[c.UserAID], *c)
		g.edges[c.UserBID] = append(g.edges[c.UserBID], *c)
	}
	return g, nil
}

func (g *Graph) neighborsOf(user string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.edges[user] {
		other := e.UserBID
		if other == user {
			other = e.UserAID
		}
		if !seen[other] {
			seen[other] = true
			out = append(out, other)
		}
	}
	return out
}

// Connected performs a breadth-first search from start out to maxDepth hops
// and returns the reachable user set, including start itself.
func (g *Graph) Connected(start string, maxDepth int) []string {
	visited := map[string]int{start: 0}
	queue := []string{start}

	for len(queue) > 0 {
		user := queue[0]
		queue = queue[1:]
		depth := visited[user]
		if depth >= maxDepth {
			continue
		}
		for _, next := range g.neighborsOf(user) {
			if _, ok := visited[next]; !ok {
				visited[next] = depth + 1
				queue = append(queue, next)
			}
		}
	}

	out := make([]string, 0, len(visited))
	for u := range visited {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// RingAnalysis summarizes the subgraph reachable from a user.
type RingAnalysis struct {
	Nodes                 []string           `json:"nodes"`
	NodeCount             int                `json:"node_count"`
	EdgeCount             int                `json:"edge_count"`
	Density               float64            `json:"density"`
	DegreeCentrality      map[string]float64 `json:"degree_centrality"`
	ClosenessCentrality   map[string]float64 `json:"closeness_centrality"`
	BetweennessCentrality map[string]float64 `json:"betweenness_centrality"`
	Communities           [][]string         `json:"communities,omitempty"`
}

// RingAnalysis builds the subgraph of Connected(user, 5) and computes
// density, degree-weighted centrality, closeness centrality, betweenness
// centrality, and a greedy community split.
func (g *Graph) RingAnalysis(user string) RingAnalysis {
	const defaultDepth = 5
	nodes := g.Connected(user, defaultDepth)
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	edgeSet := make(map[string]models.UserConnection)
	for _, n := range nodes {
		for _, e := range g.edges[n] {
			if nodeSet[e.UserAID] && nodeSet[e.UserBID] {
				edgeSet[e.UserAID+"|"+e.UserBID+"|"+e.ConnectionType+"|"+e.ConnectionValue] = e
			}
		}
	}

	n := len(nodes)
	m := len(edgeSet)
	maxEdges := float64(n*(n-1)) / 2
	density := 0.0
	if maxEdges > 0 {
		density = float64(m) / maxEdges
	}

	degree := make(map[string]float64, n)
	for _, node := range nodes {
		weight := 0.0
		for _, e := range g.edges[node] {
			if nodeSet[e.UserAID] && nodeSet[e.UserBID] {
				weight += e.Strength
			}
		}
		if n > 1 {
			degree[node] = weight / float64(n-1)
		}
	}

	closeness := g.closenessCentrality(nodes)
	betweenness := g.betweennessCentrality(nodes)
	communities := g.greedyCommunities(nodes)

	return RingAnalysis{
		Nodes: nodes, NodeCount: n, EdgeCount: m, Density: density,
		DegreeCentrality: degree, ClosenessCentrality: closeness,
		BetweennessCentrality: betweenness, Communities: communities,
	}
}

// minEdgeWeight floors the distance assigned to the weakest observed
// connection, so a near-zero Strength edge doesn't blow up to an effectively
// infinite distance under the 1/strength transform.
const minEdgeWeight = 0.01

// edgeDistance maps a connection's Strength (higher means more suspicious,
// tighter-knit) onto a graph distance: stronger connections pull nodes
// closer together, so distance is the inverse of strength.
func edgeDistance(strength float64) float64 {
	if strength < minEdgeWeight {
		strength = minEdgeWeight
	}
	return 1 / strength
}

// betweennessCentrality computes weighted betweenness centrality over the
// given node set via Brandes' algorithm, using Dijkstra's algorithm in place
// of BFS to account for edge weights: for each source, it finds shortest
// distances and path counts to every other node, then accumulates each
// node's dependency on every shortest path passing through it. A high score
// marks a broker account that sits on many shortest paths between other
// accounts in a ring, even if its own degree is low.
func (g *Graph) betweennessCentrality(nodes []string) map[string]float64 {
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	weights := make(map[string]map[string]float64, len(nodes))
	for _, n := range nodes {
		weights[n] = make(map[string]float64)
	}
	for _, n := range nodes {
		for _, e := range g.edges[n] {
			if !nodeSet[e.UserAID] || !nodeSet[e.UserBID] {
				continue
			}
			other := e.UserBID
			if other == n {
				other = e.UserAID
			}
			d := edgeDistance(e.Strength)
			if existing, ok := weights[n][other]; !ok || d < existing {
				weights[n][other] = d
			}
		}
	}

	centrality := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		centrality[n] = 0
	}

	for _, s := range nodes {
		sigma, pred, order := dijkstraShortestPaths(s, nodes, weights)

		delta := make(map[string]float64, len(nodes))
		for i := len(order) - 1; i >= 0; i-- {
			w := order[i]
			for _, v := range pred[w] {
				if sigma[w] == 0 {
					continue
				}
				delta[v] += (sigma[v] / sigma[w]) * (1 + delta[w])
			}
			if w != s {
				centrality[w] += delta[w]
			}
		}
	}

	// Each shortest path is counted once from either endpoint's perspective
	// in an undirected graph, so the total needs halving.
	for n := range centrality {
		centrality[n] /= 2
	}

	return centrality
}

// dijkstraShortestPaths runs Dijkstra's algorithm from s over the weighted
// subgraph described by weights, returning the number of shortest paths to
// each node (sigma), each node's shortest-path predecessors (pred), and the
// nodes in non-decreasing order of distance from s — the order Brandes'
// dependency-accumulation pass must walk backwards over.
func dijkstraShortestPaths(s string, nodes []string, weights map[string]map[string]float64) (
	sigma map[string]float64, pred map[string][]string, order []string,
) {
	dist := make(map[string]float64, len(nodes))
	sigma = make(map[string]float64, len(nodes))
	pred = make(map[string][]string, len(nodes))
	visited := make(map[string]bool, len(nodes))

	for _, n := range nodes {
		dist[n] = math.Inf(1)
	}
	dist[s] = 0
	sigma[s] = 1

	for len(order) < len(nodes) {
		u := ""
		best := math.Inf(1)
		for _, n := range nodes {
			if !visited[n] && dist[n] < best {
				best = dist[n]
				u = n
			}
		}
		if u == "" {
			break
		}
		visited[u] = true
		order = append(order, u)

		for v, w := range weights[u] {
			if visited[v] {
				continue
			}
			alt := dist[u] + w
			switch {
			case alt < dist[v]-1e-9:
				dist[v] = alt
				sigma[v] = sigma[u]
				pred[v] = []string{u}
			case alt < dist[v]+1e-9:
				sigma[v] += sigma[u]
				pred[v] = append(pred[v], u)
			}
		}
	}

	return sigma, pred, order
}

// closenessCentrality approximates closeness via BFS shortest-path distances
// within the given node set.
func (g *Graph) closenessCentrality(nodes []string) map[string]float64 {
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}

	out := make(map[string]float64, len(nodes))
	for _, src := range nodes {
		dist := map[string]int{src: 0}
		queue := []string{src}
		total := 0
		reached := 0

		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			for _, v := range g.neighborsOf(u) {
				if !nodeSet[v] {
					continue
				}
				if _, ok := dist[v]; !ok {
					dist[v] = dist[u] + 1
					total += dist[v]
					reached++
					queue = append(queue, v)
				}
			}
		}

		if reached > 0 && total > 0 {
			out[src] = float64(reached) / float64(total)
		} else {
			out[src] = 0
		}
	}
	return out
}

// greedyCommunities splits nodes into connected components as a
// computationally cheap stand-in for modularity-based community detection:
// each maximal connected subgroup within the subgraph is one community.
func (g *Graph) greedyCommunities(nodes []string) [][]string {
	nodeSet := make(map[string]bool, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
	}
	visited := make(map[string]bool, len(nodes))
	var communities [][]string

	for _, start := range nodes {
		if visited[start] {
			continue
		}
		var community []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			u := queue[0]
			queue = queue[1:]
			community = append(community, u)
			for _, v := range g.neighborsOf(u) {
				if nodeSet[v] && !visited[v] {
					visited[v] = true
					queue = append(queue, v)
				}
			}
		}
		sort.Strings(community)
		communities = append(communities, community)
	}
	return communities
}

// HubCount pairs a user with the number of distinct incident edges.
type HubCount struct {
	UserID string `json:"user_id"`
	Degree int    `json:"degree"`
}

// TopHubs returns the users with the greatest incident-edge count, limited
// to limit entries.
func (g *Graph) TopHubs(limit int) []HubCount {
	counts := make([]HubCount, 0, len(g.edges))
	for user, edges := range g.edges {
		counts = append(counts, HubCount{UserID: user, Degree: len(edges)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Degree != counts[j].Degree {
			return counts[i].Degree > counts[j].Degree
		}
		return counts[i].UserID < counts[j].UserID
	})
	if limit > 0 && len(counts) > limit {
		counts = counts[:limit]
	}
	return counts
}

// GraphNode and GraphEdge are visualization-ready shapes for GraphData.
type GraphNode struct {
	UserID    string `json:"user_id"`
	RiskLevel string `json:"risk_level,omitempty"`
}

type GraphEdge struct {
	Source         string  `json:"source"`
	Target         string  `json:"target"`
	ConnectionType string  `json:"connection_type"`
	Strength       float64 `json:"strength"`
	FlaggedRing    bool    `json:"flagged_ring"`
}

// GraphData builds node/edge lists for the subgraph around user, with
// risk-level badges supplied by riskLevels (user_id -> level); entries
// absent from the map are left unbadged.
func (g *Graph) GraphData(user string, riskLevels map[string]string) ([]GraphNode, []GraphEdge) {
	nodes := g.Connected(user, 3)
	nodeSet := make(map[string]bool, len(nodes))

	outNodes := make([]GraphNode, 0, len(nodes))
	for _, n := range nodes {
		nodeSet[n] = true
		outNodes = append(outNodes, GraphNode{UserID: n, RiskLevel: riskLevels[n]})
	}

	seen := make(map[string]bool)
	var outEdges []GraphEdge
	for _, n := range nodes {
		for _, e := range g.edges[n] {
			if !nodeSet[e.UserAID] || !nodeSet[e.UserBID] {
				continue
			}
			key := e.UserAID + "|" + e.UserBID + "|" + e.ConnectionType + "|" + e.ConnectionValue
			if seen[key] {
				continue
			}
			seen[key] = true
			outEdges = append(outEdges, GraphEdge{
				Source: e.UserAID, Target: e.UserBID, ConnectionType: e.ConnectionType,
				Strength: e.Strength, FlaggedRing: e.FlaggedRing,
			})
		}
	}

	return outNodes, outEdges
}

// FlagRing marks every pairwise edge among users within orgID as part of a
// flagged fraud ring, persisting through repo.
func FlagRing(ctx context.Context, repo *repositories.ConnectionRepository, orgID string, users []string) error {
	return repo.FlagRing(ctx, orgID, users)
}
