package genotype

import "rnnevo/internal/model"

// Clone deep-copies a genome. Node weight blocks, parameter vectors and the
// operator counts are never shared between the copies.
func Clone(g *model.Genome) *model.Genome {
	out := *g
	out.Nodes = make([]model.Node, len(g.Nodes))
	for i, n := range g.Nodes {
		n.Weights = append([]float64(nil), n.Weights...)
		out.Nodes[i] = n
	}
	out.Edges = append([]model.Edge(nil), g.Edges...)
	out.RecurrentEdges = append([]model.Edge(nil), g.RecurrentEdges...)
	out.InitialParameters = append([]float64(nil), g.InitialParameters...)
	out.BestParameters = append([]float64(nil), g.BestParameters...)
	if g.GeneratedBy != nil {
		out.GeneratedBy = make(map[string]int, len(g.GeneratedBy))
		for k, v := range g.GeneratedBy {
			out.GeneratedBy[k] = v
		}
	}
	return &out
}

// CloneFresh copies g and recomputes reachability on the copy.
func CloneFresh(g *model.Genome) (*model.Genome, error) {
	out := Clone(g)
	if err := AssignReachability(out); err != nil {
		return nil, err
	}
	return out, nil
}
