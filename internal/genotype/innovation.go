package genotype

import (
	"sync/atomic"

	"rnnevo/internal/model"
)

// InnovationCounter hands out node and edge innovation numbers. Numbers are
// never reused, so a counter is shared by every genome of a search.
type InnovationCounter struct {
	node atomic.Int32
	edge atomic.Int32
}

// NewInnovationCounter starts counting after the highest numbers already in
// use by the given genomes.
func NewInnovationCounter(genomes ...*model.Genome) *InnovationCounter {
	c := &InnovationCounter{}
	for _, g := range genomes {
		c.Observe(g)
	}
	return c
}

func (c *InnovationCounter) NextNode() int32 {
	return c.node.Add(1)
}

func (c *InnovationCounter) NextEdge() int32 {
	return c.edge.Add(1)
}

// Observe raises the counters past every innovation number in g.
func (c *InnovationCounter) Observe(g *model.Genome) {
	if g == nil {
		return
	}
	for _, n := range g.Nodes {
		raise(&c.node, n.Innovation)
	}
	for _, e := range g.Edges {
		raise(&c.edge, e.Innovation)
	}
	for _, e := range g.RecurrentEdges {
		raise(&c.edge, e.Innovation)
	}
}

func (c *InnovationCounter) Nodes() int32 { return c.node.Load() }
func (c *InnovationCounter) Edges() int32 { return c.edge.Load() }

func raise(v *atomic.Int32, seen int32) {
	for {
		cur := v.Load()
		if seen <= cur {
			return
		}
		if v.CompareAndSwap(cur, seen) {
			return
		}
	}
}
