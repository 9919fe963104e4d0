package genotype

import (
	"fmt"
	"math/rand"

	"rnnevo/internal/model"
)

// WeightSource draws weights for new structure from N(Mu, Sigma).
type WeightSource struct {
	Rand  *rand.Rand
	Mu    float64
	Sigma float64
}

func (w WeightSource) Draw() float64 {
	return w.Rand.NormFloat64()*w.Sigma + w.Mu
}

// NewNode builds an enabled node with its internal weights drawn from ws.
func NewNode(innovation int32, typ model.NodeType, kind model.NodeKind, depth float64, ws WeightSource) model.Node {
	n := model.Node{
		Innovation: innovation,
		Type:       typ,
		Kind:       kind,
		Depth:      depth,
		Enabled:    true,
	}
	n.Weights = make([]float64, n.WeightCount())
	for i := range n.Weights {
		n.Weights[i] = ws.Draw()
	}
	return n
}

// AttemptEdgeInsert connects two nodes with a feed-forward edge running from
// the shallower to the deeper node. Nodes at the same depth cannot be
// connected. An existing disabled edge between the pair is re-enabled rather
// than duplicated; an existing enabled edge makes the insert a no-op.
func AttemptEdgeInsert(g *model.Genome, a, b int32, ws WeightSource, counter *InnovationCounter) (bool, error) {
	n1, err := MustNode(g, a)
	if err != nil {
		return false, err
	}
	n2, err := MustNode(g, b)
	if err != nil {
		return false, err
	}
	if n1.Depth == n2.Depth {
		return false, nil
	}
	if n2.Depth < n1.Depth {
		n1, n2 = n2, n1
	}

	for i := range g.Edges {
		e := &g.Edges[i]
		if e.Input == n1.Innovation && e.Output == n2.Innovation {
			if e.Enabled {
				return false, nil
			}
			e.Enabled = true
			return true, nil
		}
	}

	InsertEdge(g, model.Edge{
		Innovation: counter.NextEdge(),
		Input:      n1.Innovation,
		Output:     n2.Innovation,
		Weight:     ws.Draw(),
		Enabled:    true,
	})
	return true, nil
}

// AttemptRecurrentEdgeInsert connects from -> to across one time step. Any
// depths are allowed, including a self loop.
func AttemptRecurrentEdgeInsert(g *model.Genome, from, to int32, ws WeightSource, counter *InnovationCounter) (bool, error) {
	if NodeIndex(g, from) < 0 || NodeIndex(g, to) < 0 {
		return false, fmt.Errorf("%w: recurrent edge %d->%d references a missing node", ErrInvariant, from, to)
	}
	for i := range g.RecurrentEdges {
		e := &g.RecurrentEdges[i]
		if e.Input == from && e.Output == to {
			if e.Enabled {
				return false, nil
			}
			e.Enabled = true
			return true, nil
		}
	}

	InsertRecurrentEdge(g, model.Edge{
		Innovation: counter.NextEdge(),
		Input:      from,
		Output:     to,
		Weight:     ws.Draw(),
		Enabled:    true,
	})
	return true, nil
}
