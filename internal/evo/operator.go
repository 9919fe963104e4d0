package evo

import (
	"context"
	"errors"
	"math/rand"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
)

var (
	ErrRandomSourceRequired = errors.New("random source is required")
	ErrCounterRequired      = errors.New("innovation counter is required")
)

// Operator is a structural mutation. Apply edits g in place and reports
// whether it changed anything; false with a nil error means the operator had
// no candidates and the caller should try another one. A non-nil error is an
// invariant violation.
type Operator interface {
	Name() string
	Apply(ctx context.Context, g *model.Genome, m *Mutation) (bool, error)
}

// Mutation carries the random source and weight distribution shared by the
// operators applied to one genome.
type Mutation struct {
	Rand     *rand.Rand
	Mu       float64
	Sigma    float64
	LSTMRate float64
	Counter  *genotype.InnovationCounter
}

func (m *Mutation) validate() error {
	if m == nil || m.Rand == nil {
		return ErrRandomSourceRequired
	}
	if m.Counter == nil {
		return ErrCounterRequired
	}
	return nil
}

func (m *Mutation) weights() genotype.WeightSource {
	return genotype.WeightSource{Rand: m.Rand, Mu: m.Mu, Sigma: m.Sigma}
}

// newHiddenNode draws the node kind first, then its weights, so the random
// stream stays in the same order for every operator.
func (m *Mutation) newHiddenNode(depth float64) model.Node {
	kind := model.SimpleNode
	if m.Rand.Float64() < m.LSTMRate {
		kind = model.LSTMNode
	}
	return genotype.NewNode(m.Counter.NextNode(), model.HiddenNode, kind, depth, m.weights())
}

func (m *Mutation) insertEdge(g *model.Genome, a, b int32) (bool, error) {
	return genotype.AttemptEdgeInsert(g, a, b, m.weights(), m.Counter)
}

// WeightedMutation is one entry of a mutation policy.
type WeightedMutation struct {
	Operator Operator
	Weight   float64
}

// DefaultMutationPolicy lists every structural operator with equal weight.
func DefaultMutationPolicy() []WeightedMutation {
	return []WeightedMutation{
		{Operator: AddEdge{}, Weight: 1},
		{Operator: AddRecurrentEdge{}, Weight: 1},
		{Operator: EnableEdge{}, Weight: 1},
		{Operator: DisableEdge{}, Weight: 1},
		{Operator: SplitEdge{}, Weight: 1},
		{Operator: AddNode{}, Weight: 1},
		{Operator: EnableNode{}, Weight: 1},
		{Operator: DisableNode{}, Weight: 1},
		{Operator: SplitNode{}, Weight: 1},
		{Operator: MergeNode{}, Weight: 1},
	}
}

func chooseMutation(rng *rand.Rand, policy []WeightedMutation) Operator {
	total := 0.0
	for _, item := range policy {
		if item.Weight > 0 {
			total += item.Weight
		}
	}
	if total <= 0 {
		return nil
	}
	pick := rng.Float64() * total
	acc := 0.0
	for _, item := range policy {
		if item.Weight <= 0 {
			continue
		}
		acc += item.Weight
		if pick <= acc {
			return item.Operator
		}
	}
	return policy[len(policy)-1].Operator
}
