package genotype

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"rnnevo/internal/model"
	"rnnevo/internal/storage"
)

// SeedConfig describes the minimal genome a search starts from.
type SeedConfig struct {
	Inputs          int
	Outputs         int
	Hyperparameters model.Hyperparameters
	// Connect links every input to every output. Without it the seed has
	// no edges and its outputs are unreachable.
	Connect bool
}

// NewGenomeID returns a fresh random genome identifier.
func NewGenomeID() string {
	return uuid.NewString()
}

// NewSeedGenome builds input nodes at depth 0 and output nodes at depth 1.
func NewSeedGenome(cfg SeedConfig, ws WeightSource, counter *InnovationCounter) (*model.Genome, error) {
	if cfg.Inputs <= 0 {
		return nil, errors.New("seed genome needs at least one input")
	}
	if cfg.Outputs <= 0 {
		return nil, errors.New("seed genome needs at least one output")
	}
	if counter == nil {
		return nil, errors.New("innovation counter is required")
	}

	g := &model.Genome{
		VersionedRecord: model.VersionedRecord{
			SchemaVersion: storage.CurrentSchemaVersion,
			CodecVersion:  storage.CurrentCodecVersion,
		},
		ID:                  NewGenomeID(),
		Hyperparameters:     cfg.Hyperparameters,
		BestValidationError: model.MaxFitness,
		GeneratedBy:         map[string]int{"initial": 1},
	}
	inputs := make([]int32, 0, cfg.Inputs)
	for i := 0; i < cfg.Inputs; i++ {
		n := NewNode(counter.NextNode(), model.InputNode, model.SimpleNode, 0, ws)
		inputs = append(inputs, n.Innovation)
		InsertNode(g, n)
	}
	outputs := make([]int32, 0, cfg.Outputs)
	for i := 0; i < cfg.Outputs; i++ {
		n := NewNode(counter.NextNode(), model.OutputNode, model.SimpleNode, 1, ws)
		outputs = append(outputs, n.Innovation)
		InsertNode(g, n)
	}

	if cfg.Connect {
		for _, in := range inputs {
			for _, out := range outputs {
				if _, err := AttemptEdgeInsert(g, in, out, ws, counter); err != nil {
					return nil, fmt.Errorf("connect seed genome: %w", err)
				}
			}
		}
	}
	if err := AssignReachability(g); err != nil {
		return nil, err
	}
	return g, nil
}

// InputCount and OutputCount count the I/O nodes, enabled or not.
func InputCount(g *model.Genome) int {
	return countType(g, model.InputNode)
}

func OutputCount(g *model.Genome) int {
	return countType(g, model.OutputNode)
}

func countType(g *model.Genome, t model.NodeType) int {
	total := 0
	for _, n := range g.Nodes {
		if n.Type == t {
			total++
		}
	}
	return total
}
