package series

import (
	"errors"
	"fmt"
	"math"
)

var ErrEmptyDataset = errors.New("dataset has no series")

// Dataset gives indexed access to aligned time series. Series(i) returns
// inputs[time][variable] and outputs[time][variable] with equal lengths.
type Dataset interface {
	Len() int
	Series(i int) (inputs, outputs [][]float64)
}

// InMemory holds every series in memory. The slices are shared with callers
// and must be treated as read-only once the dataset is built.
type InMemory struct {
	InputNames  []string
	OutputNames []string

	inputs  [][][]float64
	outputs [][][]float64
}

// NewInMemory validates that every series has matching lengths and a fixed
// variable count.
func NewInMemory(inputs, outputs [][][]float64) (*InMemory, error) {
	if len(inputs) != len(outputs) {
		return nil, fmt.Errorf("input series=%d output series=%d", len(inputs), len(outputs))
	}
	if len(inputs) == 0 {
		return nil, ErrEmptyDataset
	}
	numIn, numOut := -1, -1
	for s := range inputs {
		if len(inputs[s]) == 0 {
			return nil, fmt.Errorf("series %d is empty", s)
		}
		if len(inputs[s]) != len(outputs[s]) {
			return nil, fmt.Errorf("series %d: %d input steps, %d output steps", s, len(inputs[s]), len(outputs[s]))
		}
		for t := range inputs[s] {
			if numIn < 0 {
				numIn, numOut = len(inputs[s][t]), len(outputs[s][t])
			}
			if len(inputs[s][t]) != numIn || len(outputs[s][t]) != numOut {
				return nil, fmt.Errorf("series %d step %d: shape %dx%d, want %dx%d", s, t, len(inputs[s][t]), len(outputs[s][t]), numIn, numOut)
			}
			if !finite(inputs[s][t]) || !finite(outputs[s][t]) {
				return nil, fmt.Errorf("series %d step %d: non-finite value", s, t)
			}
		}
	}
	if numIn == 0 || numOut == 0 {
		return nil, fmt.Errorf("series need at least one input and one output, got %d and %d", numIn, numOut)
	}
	return &InMemory{inputs: inputs, outputs: outputs}, nil
}

func (d *InMemory) Len() int { return len(d.inputs) }

func (d *InMemory) Series(i int) ([][]float64, [][]float64) {
	return d.inputs[i], d.outputs[i]
}

func (d *InMemory) NumInputs() int  { return len(d.inputs[0][0]) }
func (d *InMemory) NumOutputs() int { return len(d.outputs[0][0]) }

// Subset views the listed series of ds in the given order.
type Subset struct {
	Parent  Dataset
	Indices []int
}

func (s Subset) Len() int { return len(s.Indices) }

func (s Subset) Series(i int) ([][]float64, [][]float64) {
	return s.Parent.Series(s.Indices[i])
}

// Split keeps the first series for training and holds out the trailing
// ceil(fraction*n) series for validation. Both halves get at least one
// series.
func Split(ds Dataset, fraction float64) (train, validation Dataset, err error) {
	n := ds.Len()
	if n < 2 {
		return nil, nil, fmt.Errorf("split needs at least 2 series, got %d", n)
	}
	if fraction <= 0 || fraction >= 1 {
		return nil, nil, fmt.Errorf("validation fraction must be in (0, 1), got %v", fraction)
	}
	held := int(math.Ceil(fraction * float64(n)))
	if held >= n {
		held = n - 1
	}
	trainIdx := make([]int, 0, n-held)
	for i := 0; i < n-held; i++ {
		trainIdx = append(trainIdx, i)
	}
	validIdx := make([]int, 0, held)
	for i := n - held; i < n; i++ {
		validIdx = append(validIdx, i)
	}
	return Subset{Parent: ds, Indices: trainIdx}, Subset{Parent: ds, Indices: validIdx}, nil
}

// Shape reports the variable counts of ds, checking every series agrees.
func Shape(ds Dataset) (inputs, outputs int, err error) {
	if ds == nil || ds.Len() == 0 {
		return 0, 0, ErrEmptyDataset
	}
	inputs, outputs = -1, -1
	for i := 0; i < ds.Len(); i++ {
		in, out := ds.Series(i)
		if len(in) == 0 || len(in) != len(out) {
			return 0, 0, fmt.Errorf("series %d: %d input steps, %d output steps", i, len(in), len(out))
		}
		if inputs < 0 {
			inputs, outputs = len(in[0]), len(out[0])
		}
		if len(in[0]) != inputs || len(out[0]) != outputs {
			return 0, 0, fmt.Errorf("series %d: shape %dx%d, want %dx%d", i, len(in[0]), len(out[0]), inputs, outputs)
		}
	}
	return inputs, outputs, nil
}

func finite(xs []float64) bool {
	for _, x := range xs {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
