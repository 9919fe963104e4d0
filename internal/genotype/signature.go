package genotype

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"

	"rnnevo/internal/model"
)

// TopologySummary counts the enabled structure of a genome.
type TopologySummary struct {
	Nodes          int            `json:"nodes"`
	Edges          int            `json:"edges"`
	RecurrentEdges int            `json:"recurrent_edges"`
	Reachable      int            `json:"reachable_nodes"`
	Weights        int            `json:"weights"`
	Kinds          map[string]int `json:"kinds"`
}

// StructuralKey is a canonical text form of the enabled topology. Weights are
// ignored; innovation numbers identify nodes and edges.
func StructuralKey(g *model.Genome) string {
	nodes := make([]string, 0, len(g.Nodes))
	for _, n := range g.Nodes {
		if !n.Enabled {
			continue
		}
		nodes = append(nodes, fmt.Sprintf("n%d:%d:%d", n.Innovation, n.Type, n.Kind))
	}
	edges := enabledEdgeKeys("e", g.Edges)
	recurrent := enabledEdgeKeys("r", g.RecurrentEdges)
	sort.Strings(nodes)

	parts := make([]string, 0, len(nodes)+len(edges)+len(recurrent))
	parts = append(parts, nodes...)
	parts = append(parts, edges...)
	parts = append(parts, recurrent...)
	return strings.Join(parts, "|")
}

func enabledEdgeKeys(prefix string, edges []model.Edge) []string {
	out := make([]string, 0, len(edges))
	for _, e := range edges {
		if !e.Enabled {
			continue
		}
		out = append(out, fmt.Sprintf("%s%d:%d>%d", prefix, e.Innovation, e.Input, e.Output))
	}
	sort.Strings(out)
	return out
}

// StructuralHash fingerprints the enabled topology for duplicate detection.
func StructuralHash(g *model.Genome) string {
	digest := sha1.Sum([]byte(StructuralKey(g)))
	return hex.EncodeToString(digest[:8])
}

// Equals reports whether two genomes share the same enabled topology.
func Equals(a, b *model.Genome) bool {
	if a == b {
		return true
	}
	if a == nil || b == nil {
		return false
	}
	return StructuralKey(a) == StructuralKey(b)
}

func Summarize(g *model.Genome) TopologySummary {
	s := TopologySummary{Kinds: make(map[string]int)}
	for _, n := range g.Nodes {
		if !n.Enabled {
			continue
		}
		s.Nodes++
		if n.Reachable() {
			s.Reachable++
		}
		s.Kinds[n.Kind.String()]++
	}
	for _, e := range g.Edges {
		if e.Enabled {
			s.Edges++
		}
	}
	for _, e := range g.RecurrentEdges {
		if e.Enabled {
			s.RecurrentEdges++
		}
	}
	s.Weights = NumWeights(g)
	return s
}
