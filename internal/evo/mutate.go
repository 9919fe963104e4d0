package evo

import (
	"context"
	"errors"
	"fmt"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
)

var (
	ErrOutputsUnreachable = errors.New("mutated genome has unreachable outputs")
	ErrNoMutationApplied  = errors.New("no mutation operator succeeded")
)

// maxAttemptsPerMutation bounds how many infeasible operator picks Mutate
// tolerates for each requested change.
const maxAttemptsPerMutation = 100

// Mutate returns a mutated copy of parent. The copy starts from the parent's
// best weights, new structure draws its weights from the mean and standard
// deviation of those weights, and count operators must succeed. The child is
// untrained: its initial parameters are its materialized weights and its
// fitness is unset.
func Mutate(ctx context.Context, parent *model.Genome, count int, m *Mutation, policy []WeightedMutation) (*model.Genome, error) {
	if err := m.validate(); err != nil {
		return nil, err
	}
	if count <= 0 {
		return nil, fmt.Errorf("mutation count must be > 0, got %d", count)
	}
	if len(policy) == 0 {
		policy = DefaultMutationPolicy()
	}

	child, err := genotype.CloneFresh(parent)
	if err != nil {
		return nil, err
	}
	if err := inheritWeights(child, parent); err != nil {
		return nil, err
	}
	mu, sigma, err := genotype.ParameterStats(genotype.Weights(child))
	if err != nil {
		return nil, err
	}
	local := *m
	local.Mu, local.Sigma = mu, sigma

	child.ID = genotype.NewGenomeID()
	child.GeneratedBy = map[string]int{}
	applied := 0
	for attempts := 0; applied < count; attempts++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if attempts >= count*maxAttemptsPerMutation {
			return nil, fmt.Errorf("%w after %d attempts", ErrNoMutationApplied, attempts)
		}
		op := chooseMutation(local.Rand, policy)
		if op == nil {
			return nil, errors.New("mutation policy has no positive weights")
		}
		ok, err := op.Apply(ctx, child, &local)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name(), err)
		}
		if !ok {
			continue
		}
		child.GeneratedBy[op.Name()]++
		applied++
		if err := genotype.AssignReachability(child); err != nil {
			return nil, fmt.Errorf("%s: %w", op.Name(), err)
		}
	}

	unreachable, err := genotype.OutputsUnreachable(child)
	if err != nil {
		return nil, err
	}
	if unreachable {
		return nil, ErrOutputsUnreachable
	}

	child.InitialParameters = genotype.Weights(child)
	child.BestParameters = nil
	child.BestValidationError = model.MaxFitness
	return child, nil
}

func inheritWeights(child, parent *model.Genome) error {
	switch {
	case len(parent.BestParameters) > 0:
		return genotype.SetWeights(child, parent.BestParameters)
	case len(parent.InitialParameters) > 0:
		return genotype.SetWeights(child, parent.InitialParameters)
	default:
		return nil
	}
}
