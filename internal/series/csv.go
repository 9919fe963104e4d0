package series

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// CSVConfig selects columns from a headered CSV file. Outputs are read Lag
// rows ahead of inputs, so Lag=1 builds a next-step prediction task.
type CSVConfig struct {
	InputColumns  []string
	OutputColumns []string
	Lag           int
}

// LoadCSV reads one series per file.
func LoadCSV(cfg CSVConfig, paths ...string) (*InMemory, error) {
	if len(paths) == 0 {
		return nil, fmt.Errorf("at least one csv path is required")
	}
	inputs := make([][][]float64, 0, len(paths))
	outputs := make([][][]float64, 0, len(paths))
	for _, path := range paths {
		f, err := os.Open(strings.TrimSpace(path))
		if err != nil {
			return nil, fmt.Errorf("open series csv %s: %w", path, err)
		}
		in, out, err := ReadCSV(f, cfg)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read series csv %s: %w", path, err)
		}
		inputs = append(inputs, in)
		outputs = append(outputs, out)
	}
	ds, err := NewInMemory(inputs, outputs)
	if err != nil {
		return nil, err
	}
	ds.InputNames = append([]string(nil), cfg.InputColumns...)
	ds.OutputNames = append([]string(nil), cfg.OutputColumns...)
	return ds, nil
}

// ReadCSV parses a single series from r.
func ReadCSV(r io.Reader, cfg CSVConfig) (inputs, outputs [][]float64, err error) {
	if len(cfg.InputColumns) == 0 || len(cfg.OutputColumns) == 0 {
		return nil, nil, fmt.Errorf("input and output columns are required")
	}
	if cfg.Lag < 0 {
		return nil, nil, fmt.Errorf("lag must be >= 0, got %d", cfg.Lag)
	}

	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("read header: %w", err)
	}
	position := make(map[string]int, len(header))
	for i, name := range header {
		position[strings.TrimSpace(name)] = i
	}
	inCols, err := columnPositions(position, cfg.InputColumns)
	if err != nil {
		return nil, nil, err
	}
	outCols, err := columnPositions(position, cfg.OutputColumns)
	if err != nil {
		return nil, nil, err
	}

	var rows [][]float64
	for row := 2; ; row++ {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, fmt.Errorf("row %d: %w", row, err)
		}
		values := make([]float64, len(record))
		for i, field := range record {
			field = strings.TrimSpace(field)
			if field == "" {
				continue
			}
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, nil, fmt.Errorf("row %d column %s: %w", row, header[i], err)
			}
			values[i] = v
		}
		rows = append(rows, values)
	}
	if len(rows) <= cfg.Lag {
		return nil, nil, fmt.Errorf("%d rows is too short for lag %d", len(rows), cfg.Lag)
	}

	steps := len(rows) - cfg.Lag
	inputs = make([][]float64, steps)
	outputs = make([][]float64, steps)
	for t := 0; t < steps; t++ {
		inputs[t] = pick(rows[t], inCols)
		outputs[t] = pick(rows[t+cfg.Lag], outCols)
	}
	return inputs, outputs, nil
}

func columnPositions(position map[string]int, names []string) ([]int, error) {
	out := make([]int, len(names))
	for i, name := range names {
		p, ok := position[name]
		if !ok {
			return nil, fmt.Errorf("column %q not found", name)
		}
		out[i] = p
	}
	return out, nil
}

func pick(row []float64, cols []int) []float64 {
	out := make([]float64, len(cols))
	for i, c := range cols {
		out[i] = row[c]
	}
	return out
}
