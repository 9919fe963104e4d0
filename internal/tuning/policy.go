package tuning

import (
	"fmt"
	"math"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
)

// IterationPolicy decides the training budget of a genome within a search.
type IterationPolicy interface {
	Name() string
	Iterations(base, generation, totalGenerations int, g *model.Genome) int
}

type FixedIterationPolicy struct{}

func (FixedIterationPolicy) Name() string { return "fixed" }

func (FixedIterationPolicy) Iterations(base, _generation, _totalGenerations int, _ *model.Genome) int {
	if base < 0 {
		return 0
	}
	return base
}

// LinearDecayIterationPolicy shrinks the budget as the search nears its
// final generation.
type LinearDecayIterationPolicy struct {
	MinIterations int
}

func (LinearDecayIterationPolicy) Name() string { return "linear_decay" }

func (p LinearDecayIterationPolicy) Iterations(base, generation, totalGenerations int, _ *model.Genome) int {
	if base <= 0 {
		return 0
	}
	if totalGenerations <= 0 {
		return base
	}
	remaining := totalGenerations - generation
	if remaining < 1 {
		remaining = 1
	}
	iterations := (base * remaining) / totalGenerations
	if iterations < p.MinIterations {
		iterations = p.MinIterations
	}
	return iterations
}

// WeightScaledIterationPolicy grows the budget with the number of trainable
// weights, so larger genomes get proportionally more steps.
type WeightScaledIterationPolicy struct {
	Power         float64
	MaxIterations int
}

func (WeightScaledIterationPolicy) Name() string { return "weight_scaled" }

func (p WeightScaledIterationPolicy) Iterations(base, _generation, _totalGenerations int, g *model.Genome) int {
	if base <= 0 {
		return 0
	}
	power := p.Power
	if power <= 0 {
		power = 0.5
	}
	weights := genotype.NumWeights(g)
	iterations := int(math.Round(float64(base) * math.Pow(math.Max(1, float64(weights)), power)))
	if p.MaxIterations > 0 && iterations > p.MaxIterations {
		iterations = p.MaxIterations
	}
	return iterations
}

func IterationPolicyFromConfig(name string, param float64) (IterationPolicy, error) {
	switch NormalizeIterationPolicyName(name) {
	case "fixed":
		return FixedIterationPolicy{}, nil
	case "linear_decay":
		min := int(param)
		if min < 1 {
			min = 1
		}
		return LinearDecayIterationPolicy{MinIterations: min}, nil
	case "weight_scaled":
		return WeightScaledIterationPolicy{Power: param}, nil
	default:
		return nil, fmt.Errorf("unsupported iteration policy: %s", name)
	}
}

func NormalizeIterationPolicyName(name string) string {
	switch name {
	case "", "fixed", "const":
		return "fixed"
	default:
		return name
	}
}
