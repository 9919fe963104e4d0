package genotype

import (
	"fmt"

	"gonum.org/v1/gonum/graph/simple"
	"gonum.org/v1/gonum/graph/topo"

	"rnnevo/internal/model"
)

// Validate checks the structural invariants mutation operators must keep:
// unique innovation numbers, edge endpoints that exist, feed-forward edges
// between distinct depths, no same-step cycle and sorted node order.
func Validate(g *model.Genome) error {
	seen := make(map[int32]struct{}, len(g.Nodes))
	for i, n := range g.Nodes {
		if _, dup := seen[n.Innovation]; dup {
			return fmt.Errorf("%w: duplicate node innovation %d", ErrInvariant, n.Innovation)
		}
		seen[n.Innovation] = struct{}{}
		if i > 0 && nodeLess(n, g.Nodes[i-1]) {
			return fmt.Errorf("%w: node %d out of depth order", ErrInvariant, n.Innovation)
		}
		if n.Weights != nil && len(n.Weights) != n.WeightCount() {
			return fmt.Errorf("%w: node %d has %d weights, want %d", ErrInvariant, n.Innovation, len(n.Weights), n.WeightCount())
		}
	}

	edgeIDs := make(map[int32]struct{}, len(g.Edges)+len(g.RecurrentEdges))
	for _, edges := range [][]model.Edge{g.Edges, g.RecurrentEdges} {
		for _, e := range edges {
			if _, dup := edgeIDs[e.Innovation]; dup {
				return fmt.Errorf("%w: duplicate edge innovation %d", ErrInvariant, e.Innovation)
			}
			edgeIDs[e.Innovation] = struct{}{}
			if _, ok := seen[e.Input]; !ok {
				return fmt.Errorf("%w: edge %d input node %d not found", ErrInvariant, e.Innovation, e.Input)
			}
			if _, ok := seen[e.Output]; !ok {
				return fmt.Errorf("%w: edge %d output node %d not found", ErrInvariant, e.Innovation, e.Output)
			}
		}
	}

	dg := simple.NewDirectedGraph()
	for _, n := range g.Nodes {
		dg.AddNode(simple.Node(int64(n.Innovation)))
	}
	for _, e := range g.Edges {
		in := g.Nodes[NodeIndex(g, e.Input)]
		out := g.Nodes[NodeIndex(g, e.Output)]
		if e.Input == e.Output || in.Depth == out.Depth {
			return fmt.Errorf("%w: feed-forward edge %d joins nodes at equal depth %v", ErrInvariant, e.Innovation, in.Depth)
		}
		if in.Depth > out.Depth {
			return fmt.Errorf("%w: feed-forward edge %d runs from depth %v back to %v", ErrInvariant, e.Innovation, in.Depth, out.Depth)
		}
		if !e.Enabled {
			continue
		}
		dg.SetEdge(dg.NewEdge(simple.Node(int64(e.Input)), simple.Node(int64(e.Output))))
	}
	if _, err := topo.Sort(dg); err != nil {
		return fmt.Errorf("%w: feed-forward cycle: %v", ErrInvariant, err)
	}
	return nil
}
