package evo

import (
	"context"
	"fmt"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
)

const (
	defaultMaxNodeInputs  = 5
	defaultMaxNodeOutputs = 5
)

// AddEdge links two reachable nodes at different depths with a feed-forward
// edge.
type AddEdge struct{}

func (AddEdge) Name() string { return "add_edge" }

func (AddEdge) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	reachable := reachableNodes(g, func(model.Node) bool { return true })
	if len(reachable) == 0 {
		return false, nil
	}
	n1 := reachable[m.Rand.Intn(len(reachable))]

	others := reachable[:0:0]
	for _, n := range reachable {
		if n.Depth != n1.Depth {
			others = append(others, n)
		}
	}
	if len(others) == 0 {
		return false, nil
	}
	n2 := others[m.Rand.Intn(len(others))]
	return m.insertEdge(g, n1.Innovation, n2.Innovation)
}

// AddRecurrentEdge links two reachable non-input nodes across one time step.
// The pair is not reordered, so the edge may point back to an earlier depth
// or to its own source.
type AddRecurrentEdge struct{}

func (AddRecurrentEdge) Name() string { return "add_recurrent_edge" }

func (AddRecurrentEdge) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	candidates := reachableNodes(g, func(n model.Node) bool { return n.Type != model.InputNode })
	if len(candidates) == 0 {
		return false, nil
	}
	n1 := candidates[m.Rand.Intn(len(candidates))]
	n2 := candidates[m.Rand.Intn(len(candidates))]
	return genotype.AttemptRecurrentEdgeInsert(g, n1.Innovation, n2.Innovation, m.weights(), m.Counter)
}

// SplitEdge disables an enabled feed-forward edge and routes it through a
// new hidden node at the midpoint depth.
type SplitEdge struct{}

func (SplitEdge) Name() string { return "split_edge" }

func (SplitEdge) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	var enabled []int
	for i, e := range g.Edges {
		if e.Enabled {
			enabled = append(enabled, i)
		}
	}
	if len(enabled) == 0 {
		return false, nil
	}
	edge := &g.Edges[enabled[m.Rand.Intn(len(enabled))]]
	edge.Enabled = false
	from, to := edge.Input, edge.Output

	n1, err := genotype.MustNode(g, from)
	if err != nil {
		return false, err
	}
	n2, err := genotype.MustNode(g, to)
	if err != nil {
		return false, err
	}
	node := m.newHiddenNode((n1.Depth + n2.Depth) / 2)
	genotype.InsertNode(g, node)

	if _, err := m.insertEdge(g, from, node.Innovation); err != nil {
		return false, err
	}
	if _, err := m.insertEdge(g, node.Innovation, to); err != nil {
		return false, err
	}
	return true, nil
}

// AddNode creates a hidden node at a random depth and wires it to a bounded
// random sample of shallower and deeper nodes.
type AddNode struct {
	MaxInputs  int
	MaxOutputs int
}

func (AddNode) Name() string { return "add_node" }

func (o AddNode) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	maxInputs, maxOutputs := o.MaxInputs, o.MaxOutputs
	if maxInputs <= 0 {
		maxInputs = defaultMaxNodeInputs
	}
	if maxOutputs <= 0 {
		maxOutputs = defaultMaxNodeOutputs
	}

	depth := m.Rand.Float64()
	var inputs, outputs []int32
	for _, n := range g.Nodes {
		if !n.Enabled {
			continue
		}
		if n.Depth < depth {
			inputs = append(inputs, n.Innovation)
		} else {
			outputs = append(outputs, n.Innovation)
		}
	}
	inputs = trimRandomly(m, inputs, maxInputs)
	outputs = trimRandomly(m, outputs, maxOutputs)

	node := m.newHiddenNode(depth)
	genotype.InsertNode(g, node)
	for _, in := range inputs {
		if _, err := m.insertEdge(g, in, node.Innovation); err != nil {
			return false, err
		}
	}
	for _, out := range outputs {
		if _, err := m.insertEdge(g, node.Innovation, out); err != nil {
			return false, err
		}
	}
	return true, nil
}

// SplitNode replaces a hidden node with two nodes that each take an
// independently sampled share of its input and output edges.
type SplitNode struct{}

func (SplitNode) Name() string { return "split_node" }

func (SplitNode) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	var candidates []int32
	for _, n := range g.Nodes {
		if n.Type != model.HiddenNode || !n.Enabled {
			continue
		}
		ins, outs := incidentEdges(g, n.Innovation)
		if len(ins) > 0 && len(outs) > 0 {
			candidates = append(candidates, n.Innovation)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}
	selected := candidates[m.Rand.Intn(len(candidates))]
	ins, outs := incidentEdges(g, selected)

	sources := make([]int32, len(ins))
	for i, idx := range ins {
		sources[i] = g.Edges[idx].Input
	}
	targets := make([]int32, len(outs))
	for i, idx := range outs {
		targets[i] = g.Edges[idx].Output
	}

	ins1, ins2 := sampleTwice(m, sources)
	outs1, outs2 := sampleTwice(m, targets)

	depth1 := (meanDepth(g, ins1) + meanDepth(g, outs1)) / 2
	depth2 := (meanDepth(g, ins2) + meanDepth(g, outs2)) / 2
	node1 := m.newHiddenNode(depth1)
	node2 := m.newHiddenNode(depth2)
	genotype.InsertNode(g, node1)
	genotype.InsertNode(g, node2)

	for _, part := range []struct {
		node      int32
		ins, outs []int32
	}{{node1.Innovation, ins1, outs1}, {node2.Innovation, ins2, outs2}} {
		for _, src := range part.ins {
			if _, err := m.insertEdge(g, src, part.node); err != nil {
				return false, err
			}
		}
		for _, dst := range part.outs {
			if _, err := m.insertEdge(g, part.node, dst); err != nil {
				return false, err
			}
		}
	}

	for i := range g.Edges {
		if g.Edges[i].Input == selected || g.Edges[i].Output == selected {
			g.Edges[i].Enabled = false
		}
	}
	node, err := genotype.MustNode(g, selected)
	if err != nil {
		return false, err
	}
	node.Enabled = false
	return true, nil
}

// MergeNode replaces two hidden nodes with one node at their mean depth. Each
// of their feed-forward edges is rewired to the new node from its surviving
// endpoint; edges between the two merged nodes are dropped.
type MergeNode struct{}

func (MergeNode) Name() string { return "merge_node" }

func (MergeNode) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	var candidates []int32
	for _, n := range g.Nodes {
		if n.Type == model.HiddenNode && n.Enabled {
			candidates = append(candidates, n.Innovation)
		}
	}
	if len(candidates) < 2 {
		return false, nil
	}
	candidates = trimRandomly(m, candidates, 2)
	a, b := candidates[0], candidates[1]

	na, err := genotype.MustNode(g, a)
	if err != nil {
		return false, err
	}
	na.Enabled = false
	nb, err := genotype.MustNode(g, b)
	if err != nil {
		return false, err
	}
	nb.Enabled = false
	node := m.newHiddenNode((na.Depth + nb.Depth) / 2)
	genotype.InsertNode(g, node)

	merged := func(id int32) bool { return id == a || id == b }
	var survivors []int32
	for i := range g.Edges {
		e := &g.Edges[i]
		if !merged(e.Input) && !merged(e.Output) {
			continue
		}
		wasEnabled := e.Enabled
		e.Enabled = false
		if !wasEnabled {
			continue
		}
		switch {
		case merged(e.Input) && merged(e.Output):
			continue
		case merged(e.Input):
			survivors = append(survivors, e.Output)
		case merged(e.Output):
			survivors = append(survivors, e.Input)
		default:
			return false, fmt.Errorf("%w: merged edge %d touches neither merged node", genotype.ErrInvariant, e.Innovation)
		}
	}
	for _, other := range survivors {
		if _, err := m.insertEdge(g, node.Innovation, other); err != nil {
			return false, err
		}
	}
	return true, nil
}

type EnableNode struct{}

func (EnableNode) Name() string { return "enable_node" }

func (EnableNode) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	var candidates []int
	for i, n := range g.Nodes {
		if !n.Enabled {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}
	g.Nodes[candidates[m.Rand.Intn(len(candidates))]].Enabled = true
	return true, nil
}

// DisableNode disables any enabled node except an output.
type DisableNode struct{}

func (DisableNode) Name() string { return "disable_node" }

func (DisableNode) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	var candidates []int
	for i, n := range g.Nodes {
		if n.Enabled && n.Type != model.OutputNode {
			candidates = append(candidates, i)
		}
	}
	if len(candidates) == 0 {
		return false, nil
	}
	g.Nodes[candidates[m.Rand.Intn(len(candidates))]].Enabled = false
	return true, nil
}

// EnableEdge and DisableEdge pick from feed-forward and recurrent edges as
// one pool, feed-forward first.
type EnableEdge struct{}

func (EnableEdge) Name() string { return "enable_edge" }

func (EnableEdge) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	return flipEdge(g, m, false), nil
}

type DisableEdge struct{}

func (DisableEdge) Name() string { return "disable_edge" }

func (DisableEdge) Apply(_ context.Context, g *model.Genome, m *Mutation) (bool, error) {
	if err := m.validate(); err != nil {
		return false, err
	}
	return flipEdge(g, m, true), nil
}

func flipEdge(g *model.Genome, m *Mutation, enabled bool) bool {
	var pool []*model.Edge
	for i := range g.Edges {
		if g.Edges[i].Enabled == enabled {
			pool = append(pool, &g.Edges[i])
		}
	}
	for i := range g.RecurrentEdges {
		if g.RecurrentEdges[i].Enabled == enabled {
			pool = append(pool, &g.RecurrentEdges[i])
		}
	}
	if len(pool) == 0 {
		return false
	}
	pool[m.Rand.Intn(len(pool))].Enabled = !enabled
	return true
}

func reachableNodes(g *model.Genome, keep func(model.Node) bool) []model.Node {
	var out []model.Node
	for _, n := range g.Nodes {
		if n.Reachable() && keep(n) {
			out = append(out, n)
		}
	}
	return out
}

// incidentEdges returns the positions of the enabled feed-forward edges
// entering and leaving a node.
func incidentEdges(g *model.Genome, innovation int32) (ins, outs []int) {
	for i, e := range g.Edges {
		if !e.Enabled {
			continue
		}
		if e.Output == innovation {
			ins = append(ins, i)
		}
		if e.Input == innovation {
			outs = append(outs, i)
		}
	}
	return ins, outs
}

// sampleTwice draws two independent halves of ids, each guaranteed to hold
// at least one element.
func sampleTwice(m *Mutation, ids []int32) ([]int32, []int32) {
	var first, second []int32
	for _, id := range ids {
		if m.Rand.Float64() < 0.5 {
			first = append(first, id)
		}
		if m.Rand.Float64() < 0.5 {
			second = append(second, id)
		}
	}
	if len(first) == 0 {
		first = append(first, ids[m.Rand.Intn(len(ids))])
	}
	if len(second) == 0 {
		second = append(second, ids[m.Rand.Intn(len(ids))])
	}
	return first, second
}

func trimRandomly(m *Mutation, ids []int32, limit int) []int32 {
	for len(ids) > limit {
		pos := m.Rand.Intn(len(ids))
		ids = append(ids[:pos], ids[pos+1:]...)
	}
	return ids
}

func meanDepth(g *model.Genome, ids []int32) float64 {
	total := 0.0
	for _, id := range ids {
		if idx := genotype.NodeIndex(g, id); idx >= 0 {
			total += g.Nodes[idx].Depth
		}
	}
	return total / float64(len(ids))
}
