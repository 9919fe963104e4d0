package genotype

import (
	"errors"
	"fmt"
	"sort"

	"rnnevo/internal/model"
)

var (
	// ErrInvariant marks a structural violation that only a bug in an
	// operator can produce. Callers must stop using the genome.
	ErrInvariant = errors.New("genome invariant violated")
	ErrNonFinite = errors.New("non-finite value")
)

func nodeLess(a, b model.Node) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Innovation < b.Innovation
}

// InsertNode places n at its upper bound in (depth, innovation) order.
func InsertNode(g *model.Genome, n model.Node) {
	idx := sort.Search(len(g.Nodes), func(i int) bool {
		return nodeLess(n, g.Nodes[i])
	})
	g.Nodes = append(g.Nodes, model.Node{})
	copy(g.Nodes[idx+1:], g.Nodes[idx:])
	g.Nodes[idx] = n
}

// SortNodes restores (depth, innovation) order, e.g. after decoding.
func SortNodes(g *model.Genome) {
	sort.SliceStable(g.Nodes, func(i, j int) bool {
		return nodeLess(g.Nodes[i], g.Nodes[j])
	})
}

// edgeLess orders edges by their input node's depth, then innovation.
func edgeLess(g *model.Genome, a, b model.Edge) bool {
	da := inputDepth(g, a)
	db := inputDepth(g, b)
	if da != db {
		return da < db
	}
	return a.Innovation < b.Innovation
}

func inputDepth(g *model.Genome, e model.Edge) float64 {
	if idx := NodeIndex(g, e.Input); idx >= 0 {
		return g.Nodes[idx].Depth
	}
	return 0
}

func insertEdge(g *model.Genome, edges []model.Edge, e model.Edge) []model.Edge {
	idx := sort.Search(len(edges), func(i int) bool {
		return edgeLess(g, e, edges[i])
	})
	edges = append(edges, model.Edge{})
	copy(edges[idx+1:], edges[idx:])
	edges[idx] = e
	return edges
}

// InsertEdge adds a feed-forward edge in sorted position.
func InsertEdge(g *model.Genome, e model.Edge) {
	g.Edges = insertEdge(g, g.Edges, e)
}

// InsertRecurrentEdge adds a recurrent edge in sorted position.
func InsertRecurrentEdge(g *model.Genome, e model.Edge) {
	g.RecurrentEdges = insertEdge(g, g.RecurrentEdges, e)
}

// SortEdges restores the edge orderings.
func SortEdges(g *model.Genome) {
	sort.SliceStable(g.Edges, func(i, j int) bool {
		return edgeLess(g, g.Edges[i], g.Edges[j])
	})
	sort.SliceStable(g.RecurrentEdges, func(i, j int) bool {
		return edgeLess(g, g.RecurrentEdges[i], g.RecurrentEdges[j])
	})
}

// NodeIndex returns the slice position of the node with the given
// innovation number, or -1.
func NodeIndex(g *model.Genome, innovation int32) int {
	for i := range g.Nodes {
		if g.Nodes[i].Innovation == innovation {
			return i
		}
	}
	return -1
}

// MustNode resolves an innovation number to a node pointer. A dangling
// reference is an invariant violation.
func MustNode(g *model.Genome, innovation int32) (*model.Node, error) {
	idx := NodeIndex(g, innovation)
	if idx < 0 {
		return nil, fmt.Errorf("%w: node %d not found", ErrInvariant, innovation)
	}
	return &g.Nodes[idx], nil
}

func nodeIndexMap(g *model.Genome) map[int32]int {
	out := make(map[int32]int, len(g.Nodes))
	for i := range g.Nodes {
		out[g.Nodes[i].Innovation] = i
	}
	return out
}
