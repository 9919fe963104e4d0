package genotype

import (
	"fmt"

	"rnnevo/internal/model"
)

// AssignReachability recomputes the forward/backward reachability flags and
// the input/output counts of every node and edge in place. It must run after
// any change to enabled flags and before weights are read or written.
func AssignReachability(g *model.Genome) error {
	for i := range g.Nodes {
		n := &g.Nodes[i]
		n.ForwardReachable = false
		n.BackwardReachable = false
		n.TotalInputs = 0
		n.TotalOutputs = 0
		if n.Type == model.InputNode && n.Enabled {
			n.ForwardReachable = true
			n.TotalInputs = 1
		}
		// outputs drive validity checks even when nothing reaches them
		if n.Type == model.OutputNode {
			n.BackwardReachable = true
			n.TotalOutputs = 1
		}
	}
	for i := range g.Edges {
		g.Edges[i].ForwardReachable = false
		g.Edges[i].BackwardReachable = false
	}
	for i := range g.RecurrentEdges {
		g.RecurrentEdges[i].ForwardReachable = false
		g.RecurrentEdges[i].BackwardReachable = false
	}

	index := nodeIndexMap(g)
	for _, edges := range [][]model.Edge{g.Edges, g.RecurrentEdges} {
		for _, e := range edges {
			if _, ok := index[e.Input]; !ok {
				return fmt.Errorf("%w: edge %d references missing input node %d", ErrInvariant, e.Innovation, e.Input)
			}
			if _, ok := index[e.Output]; !ok {
				return fmt.Errorf("%w: edge %d references missing output node %d", ErrInvariant, e.Innovation, e.Output)
			}
		}
	}

	if err := forwardPass(g, index); err != nil {
		return err
	}
	backwardPass(g, index)

	for _, edges := range [][]model.Edge{g.Edges, g.RecurrentEdges} {
		for _, e := range edges {
			if !e.Reachable() {
				continue
			}
			g.Nodes[index[e.Input]].TotalOutputs++
			g.Nodes[index[e.Output]].TotalInputs++
		}
	}
	return nil
}

func forwardPass(g *model.Genome, index map[int32]int) error {
	var frontier []int32
	for _, n := range g.Nodes {
		if n.Type == model.InputNode && n.Enabled {
			frontier = append(frontier, n.Innovation)
		}
	}

	for len(frontier) > 0 {
		current := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if !g.Nodes[index[current]].Enabled {
			continue
		}

		for i := range g.Edges {
			e := &g.Edges[i]
			if e.Input != current || !e.Enabled {
				continue
			}
			target := &g.Nodes[index[e.Output]]
			if !target.Enabled {
				continue
			}
			e.ForwardReachable = true
			if !target.ForwardReachable {
				if e.Output == e.Input {
					return fmt.Errorf("%w: feed-forward edge %d is circular on node %d", ErrInvariant, e.Innovation, e.Input)
				}
				target.ForwardReachable = true
				frontier = append(frontier, target.Innovation)
			}
		}

		for i := range g.RecurrentEdges {
			e := &g.RecurrentEdges[i]
			if e.ForwardReachable || e.Input != current || !e.Enabled {
				continue
			}
			target := &g.Nodes[index[e.Output]]
			if !target.Enabled {
				continue
			}
			e.ForwardReachable = true
			if !target.ForwardReachable {
				target.ForwardReachable = true
				frontier = append(frontier, target.Innovation)
			}
		}
	}
	return nil
}

func backwardPass(g *model.Genome, index map[int32]int) {
	var frontier []int32
	for _, n := range g.Nodes {
		if n.Type == model.OutputNode && n.Enabled {
			frontier = append(frontier, n.Innovation)
		}
	}

	for len(frontier) > 0 {
		current := frontier[len(frontier)-1]
		frontier = frontier[:len(frontier)-1]
		if !g.Nodes[index[current]].Enabled {
			continue
		}

		for _, edges := range [][]model.Edge{g.Edges, g.RecurrentEdges} {
			for i := range edges {
				e := &edges[i]
				if e.Output != current || !e.Enabled {
					continue
				}
				source := &g.Nodes[index[e.Input]]
				if !source.Enabled {
					continue
				}
				e.BackwardReachable = true
				if !source.BackwardReachable {
					source.BackwardReachable = true
					frontier = append(frontier, source.Innovation)
				}
			}
		}
	}
}

// OutputsUnreachable recomputes reachability and reports whether any output
// node is cut off from the inputs.
func OutputsUnreachable(g *model.Genome) (bool, error) {
	if err := AssignReachability(g); err != nil {
		return false, err
	}
	for _, n := range g.Nodes {
		if n.Type == model.OutputNode && !n.Reachable() {
			return true, nil
		}
	}
	return false, nil
}

// Subgraph is the part of a genome that takes part in computation.
type Subgraph struct {
	Nodes          []model.Node
	Edges          []model.Edge
	RecurrentEdges []model.Edge
}

// ReachableSubgraph returns copies of the reachable elements in genome
// order. Input and output nodes are always included so renderers can show
// disconnected I/O.
func ReachableSubgraph(g *model.Genome) Subgraph {
	var out Subgraph
	for _, n := range g.Nodes {
		if n.Type == model.InputNode || n.Type == model.OutputNode || n.Reachable() {
			n.Weights = append([]float64(nil), n.Weights...)
			out.Nodes = append(out.Nodes, n)
		}
	}
	for _, e := range g.Edges {
		if e.Reachable() {
			out.Edges = append(out.Edges, e)
		}
	}
	for _, e := range g.RecurrentEdges {
		if e.Reachable() {
			out.RecurrentEdges = append(out.RecurrentEdges, e)
		}
	}
	return out
}
