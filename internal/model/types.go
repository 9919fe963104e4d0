package model

import "math"

// VersionedRecord captures schema and codec evolution for persistent data.
type VersionedRecord struct {
	SchemaVersion int `json:"schema_version"`
	CodecVersion  int `json:"codec_version"`
}

// MaxFitness marks a genome that has not been evaluated yet. Lower fitness is better.
const MaxFitness = math.MaxFloat64

type NodeType uint8

const (
	InputNode NodeType = iota
	HiddenNode
	OutputNode
)

func (t NodeType) String() string {
	switch t {
	case InputNode:
		return "input"
	case HiddenNode:
		return "hidden"
	case OutputNode:
		return "output"
	default:
		return "unknown"
	}
}

type NodeKind uint8

const (
	SimpleNode NodeKind = iota
	LSTMNode
)

func (k NodeKind) String() string {
	switch k {
	case SimpleNode:
		return "simple"
	case LSTMNode:
		return "lstm"
	default:
		return "unknown"
	}
}

// LSTMWeightCount is the size of an LSTM node's internal weight block:
// output, input and forget gates each carry {recurrent, input, bias} and the
// cell candidate carries {input, bias}.
const LSTMWeightCount = 11

type Node struct {
	Innovation        int32     `json:"innovation"`
	Type              NodeType  `json:"type"`
	Kind              NodeKind  `json:"kind"`
	Depth             float64   `json:"depth"`
	Enabled           bool      `json:"enabled"`
	ForwardReachable  bool      `json:"forward_reachable"`
	BackwardReachable bool      `json:"backward_reachable"`
	TotalInputs       int       `json:"total_inputs"`
	TotalOutputs      int       `json:"total_outputs"`
	Weights           []float64 `json:"weights,omitempty"`
}

// Reachable reports whether the node takes part in computation.
func (n Node) Reachable() bool {
	return n.ForwardReachable && n.BackwardReachable
}

// WeightCount is the number of internal weights the node owns.
func (n Node) WeightCount() int {
	if n.Kind == LSTMNode {
		return LSTMWeightCount
	}
	if n.Type == InputNode {
		return 0
	}
	return 1
}

// Edge connects two nodes by innovation number. The same struct is used for
// feed-forward edges (same time step, distinct depths) and recurrent edges
// (one step time lag, any depths).
type Edge struct {
	Innovation        int32   `json:"innovation"`
	Input             int32   `json:"input"`
	Output            int32   `json:"output"`
	Weight            float64 `json:"weight"`
	Enabled           bool    `json:"enabled"`
	ForwardReachable  bool    `json:"forward_reachable"`
	BackwardReachable bool    `json:"backward_reachable"`
}

func (e Edge) Reachable() bool {
	return e.Enabled && e.ForwardReachable && e.BackwardReachable
}

type Hyperparameters struct {
	Iterations         int     `json:"iterations" yaml:"iterations"`
	LearningRate       float64 `json:"learning_rate" yaml:"learning_rate"`
	Momentum           float64 `json:"momentum" yaml:"momentum"`
	AdaptLearningRate  bool    `json:"adapt_learning_rate" yaml:"adapt_learning_rate"`
	NesterovMomentum   bool    `json:"nesterov_momentum" yaml:"nesterov_momentum"`
	ResetWeights       bool    `json:"reset_weights" yaml:"reset_weights"`
	HighNorm           bool    `json:"high_norm" yaml:"high_norm"`
	HighThreshold      float64 `json:"high_threshold" yaml:"high_threshold"`
	LowNorm            bool    `json:"low_norm" yaml:"low_norm"`
	LowThreshold       float64 `json:"low_threshold" yaml:"low_threshold"`
	Dropout            bool    `json:"dropout" yaml:"dropout"`
	DropoutProbability float64 `json:"dropout_probability" yaml:"dropout_probability"`
}

func DefaultHyperparameters() Hyperparameters {
	return Hyperparameters{
		Iterations:         20000,
		LearningRate:       0.001,
		Momentum:           0.9,
		NesterovMomentum:   true,
		HighNorm:           true,
		HighThreshold:      1.0,
		LowNorm:            true,
		LowThreshold:       0.05,
		DropoutProbability: 0.5,
	}
}

type Genome struct {
	VersionedRecord
	ID                  string          `json:"id"`
	GenerationID        int32           `json:"generation_id"`
	IslandID            int             `json:"island_id"`
	Nodes               []Node          `json:"nodes"`
	Edges               []Edge          `json:"edges"`
	RecurrentEdges      []Edge          `json:"recurrent_edges"`
	Hyperparameters     Hyperparameters `json:"hyperparameters"`
	InitialParameters   []float64       `json:"initial_parameters,omitempty"`
	BestParameters      []float64       `json:"best_parameters,omitempty"`
	BestValidationError float64         `json:"best_validation_error"`
	GeneratedBy         map[string]int  `json:"generated_by,omitempty"`
}

// Fitness is the best validation error seen so far.
func (g *Genome) Fitness() float64 {
	return g.BestValidationError
}
