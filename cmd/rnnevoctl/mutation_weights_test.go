package main

import "testing"

func TestParseMutationWeights(t *testing.T) {
	weights, err := parseMutationWeights("add_edge=2, Split=0.5 ,merge-node=0")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := map[string]float64{"add_edge": 2, "split_edge": 0.5, "merge_node": 0}
	if len(weights) != len(want) {
		t.Fatalf("unexpected weights: %v", weights)
	}
	for name, w := range want {
		if got, ok := weights[name]; !ok || got != w {
			t.Fatalf("weight %s: got %v want %v", name, got, w)
		}
	}

	empty, err := parseMutationWeights("")
	if err != nil || len(empty) != 0 {
		t.Fatalf("expected empty weights, got %v %v", empty, err)
	}
}

func TestParseMutationWeightsErrors(t *testing.T) {
	for _, raw := range []string{
		"add_edge",
		"=1",
		"add_edge=x",
		"add_edge=-1",
		"add_edge=1,add-edge=2",
	} {
		if _, err := parseMutationWeights(raw); err == nil {
			t.Fatalf("expected error for %q", raw)
		}
	}
}
