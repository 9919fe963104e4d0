package series

import "gonum.org/v1/gonum/floats"

// Bounds are per-variable minimum and maximum values.
type Bounds struct {
	InputMin, InputMax   []float64
	OutputMin, OutputMax []float64
}

// MinMaxBounds scans every step of every series.
func MinMaxBounds(ds Dataset) (Bounds, error) {
	numIn, numOut, err := Shape(ds)
	if err != nil {
		return Bounds{}, err
	}
	b := Bounds{
		InputMin:  make([]float64, numIn),
		InputMax:  make([]float64, numIn),
		OutputMin: make([]float64, numOut),
		OutputMax: make([]float64, numOut),
	}
	first := true
	for i := 0; i < ds.Len(); i++ {
		in, out := ds.Series(i)
		for t := range in {
			if first {
				copy(b.InputMin, in[t])
				copy(b.InputMax, in[t])
				copy(b.OutputMin, out[t])
				copy(b.OutputMax, out[t])
				first = false
				continue
			}
			widen(b.InputMin, b.InputMax, in[t])
			widen(b.OutputMin, b.OutputMax, out[t])
		}
	}
	return b, nil
}

func widen(lo, hi, values []float64) {
	for j, v := range values {
		if v < lo[j] {
			lo[j] = v
		}
		if v > hi[j] {
			hi[j] = v
		}
	}
}

// Normalize rescales every variable of ds into [0, 1] using b. Constant
// variables map to 0.
func Normalize(ds Dataset, b Bounds) (*InMemory, error) {
	inputs := make([][][]float64, ds.Len())
	outputs := make([][][]float64, ds.Len())
	for i := 0; i < ds.Len(); i++ {
		in, out := ds.Series(i)
		inputs[i] = scaleRows(in, b.InputMin, b.InputMax)
		outputs[i] = scaleRows(out, b.OutputMin, b.OutputMax)
	}
	normalized, err := NewInMemory(inputs, outputs)
	if err != nil {
		return nil, err
	}
	if named, ok := ds.(*InMemory); ok {
		normalized.InputNames = named.InputNames
		normalized.OutputNames = named.OutputNames
	}
	return normalized, nil
}

func scaleRows(rows [][]float64, lo, hi []float64) [][]float64 {
	span := make([]float64, len(lo))
	floats.SubTo(span, hi, lo)
	out := make([][]float64, len(rows))
	for t, row := range rows {
		scaled := make([]float64, len(row))
		floats.SubTo(scaled, row, lo)
		for j := range scaled {
			if span[j] == 0 {
				scaled[j] = 0
				continue
			}
			scaled[j] /= span[j]
		}
		out[t] = scaled
	}
	return out
}
