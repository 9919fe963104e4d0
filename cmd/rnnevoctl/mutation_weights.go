package main

import (
	"fmt"
	"strconv"
	"strings"
)

// parseMutationWeights reads "name=weight" pairs separated by commas.
// Operator names are checked later against the mutation policy.
func parseMutationWeights(raw string) (map[string]float64, error) {
	weights := make(map[string]float64)
	for _, pair := range splitList(raw) {
		name, value, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("mutation weight %q: expected name=weight", pair)
		}
		name = normalizeMutationOperatorName(strings.TrimSpace(name))
		if name == "" {
			return nil, fmt.Errorf("mutation weight %q: missing operator name", pair)
		}
		weight, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return nil, fmt.Errorf("mutation weight %q: %w", pair, err)
		}
		if weight < 0 {
			return nil, fmt.Errorf("mutation weight %q: must be >= 0", pair)
		}
		if _, dup := weights[name]; dup {
			return nil, fmt.Errorf("mutation weight %q: duplicate operator", pair)
		}
		weights[name] = weight
	}
	return weights, nil
}

func normalizeMutationOperatorName(name string) string {
	name = strings.ToLower(strings.ReplaceAll(name, "-", "_"))
	switch name {
	case "add_recurrent", "recurrent_edge":
		return "add_recurrent_edge"
	case "split":
		return "split_edge"
	case "merge":
		return "merge_node"
	default:
		return name
	}
}
