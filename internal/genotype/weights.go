package genotype

import (
	"fmt"
	"math"
	"math/rand"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/stat"

	"rnnevo/internal/model"
)

const (
	defaultMu    = 0.0
	defaultSigma = 0.25
)

// AllFinite reports whether xs holds no NaN or infinity.
func AllFinite[T constraints.Float](xs []T) bool {
	for _, x := range xs {
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return false
		}
	}
	return true
}

// NumWeights counts the weights of reachable nodes and edges. Reachability
// must be current.
func NumWeights(g *model.Genome) int {
	total := 0
	for _, n := range g.Nodes {
		if n.Reachable() {
			total += n.WeightCount()
		}
	}
	for _, e := range g.Edges {
		if e.Reachable() {
			total++
		}
	}
	for _, e := range g.RecurrentEdges {
		if e.Reachable() {
			total++
		}
	}
	return total
}

// Weights flattens the reachable weights: node blocks in node order, then
// feed-forward edges, then recurrent edges.
func Weights(g *model.Genome) []float64 {
	out := make([]float64, 0, NumWeights(g))
	for _, n := range g.Nodes {
		if !n.Reachable() {
			continue
		}
		block := n.Weights
		if len(block) != n.WeightCount() {
			block = make([]float64, n.WeightCount())
			copy(block, n.Weights)
		}
		out = append(out, block...)
	}
	for _, e := range g.Edges {
		if e.Reachable() {
			out = append(out, e.Weight)
		}
	}
	for _, e := range g.RecurrentEdges {
		if e.Reachable() {
			out = append(out, e.Weight)
		}
	}
	return out
}

// SetWeights writes params back into the reachable elements using the layout
// of Weights.
func SetWeights(g *model.Genome, params []float64) error {
	if want := NumWeights(g); len(params) != want {
		return fmt.Errorf("%w: genome has %d weights, got %d", ErrInvariant, want, len(params))
	}
	cur := 0
	for i := range g.Nodes {
		n := &g.Nodes[i]
		if !n.Reachable() {
			continue
		}
		count := n.WeightCount()
		if len(n.Weights) != count {
			n.Weights = make([]float64, count)
		}
		copy(n.Weights, params[cur:cur+count])
		cur += count
	}
	for i := range g.Edges {
		if g.Edges[i].Reachable() {
			g.Edges[i].Weight = params[cur]
			cur++
		}
	}
	for i := range g.RecurrentEdges {
		if g.RecurrentEdges[i].Reachable() {
			g.RecurrentEdges[i].Weight = params[cur]
			cur++
		}
	}
	return nil
}

// InitializeRandomly draws fresh initial parameters uniformly from
// [-0.5, 0.5).
func InitializeRandomly(g *model.Genome, rng *rand.Rand) {
	n := NumWeights(g)
	g.InitialParameters = make([]float64, n)
	for i := range g.InitialParameters {
		g.InitialParameters[i] = rng.Float64() - 0.5
	}
}

// ParameterStats returns the mean and sample standard deviation of p, used
// as the weight distribution for newly created structure. Degenerate inputs
// fall back to (0, 0.25); a single value keeps its mean.
func ParameterStats(p []float64) (mu, sigma float64, err error) {
	switch len(p) {
	case 0:
		return defaultMu, defaultSigma, nil
	case 1:
		mu = p[0]
		sigma = defaultSigma
	default:
		mu, sigma = stat.MeanStdDev(p, nil)
	}
	if !AllFinite([]float64{mu, sigma}) {
		return 0, 0, fmt.Errorf("%w: mu=%v sigma=%v over %d parameters", ErrNonFinite, mu, sigma, len(p))
	}
	return mu, sigma, nil
}
