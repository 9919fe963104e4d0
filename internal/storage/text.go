package storage

import (
	"bufio"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"rnnevo/internal/model"
)

const textHeader = "rnnevo-genome"

// WriteGenomeText writes g as line records. Floats use hexadecimal notation
// so the text form round-trips bit for bit. Reachability flags are not
// written; readers recompute them.
func WriteGenomeText(w io.Writer, g *model.Genome) error {
	if g == nil {
		return fmt.Errorf("genome is nil")
	}
	bw := bufio.NewWriter(w)
	line := func(fields ...string) {
		bw.WriteString(strings.Join(fields, " "))
		bw.WriteByte('\n')
	}

	line(textHeader, strconv.Itoa(g.SchemaVersion), strconv.Itoa(g.CodecVersion))
	line("id", g.ID)
	line("generation", strconv.FormatInt(int64(g.GenerationID), 10))
	line("island", strconv.Itoa(g.IslandID))
	line("fitness", hexFloat(g.BestValidationError))

	hp := g.Hyperparameters
	line("hyper",
		strconv.Itoa(hp.Iterations),
		hexFloat(hp.LearningRate),
		hexFloat(hp.Momentum),
		strconv.FormatBool(hp.AdaptLearningRate),
		strconv.FormatBool(hp.NesterovMomentum),
		strconv.FormatBool(hp.ResetWeights),
		strconv.FormatBool(hp.HighNorm),
		hexFloat(hp.HighThreshold),
		strconv.FormatBool(hp.LowNorm),
		hexFloat(hp.LowThreshold),
		strconv.FormatBool(hp.Dropout),
		hexFloat(hp.DropoutProbability),
	)

	for _, n := range g.Nodes {
		fields := []string{
			"node",
			strconv.FormatInt(int64(n.Innovation), 10),
			n.Type.String(),
			n.Kind.String(),
			hexFloat(n.Depth),
			strconv.FormatBool(n.Enabled),
		}
		fields = append(fields, hexFloats(n.Weights)...)
		line(fields...)
	}
	for _, e := range g.Edges {
		line(edgeFields("edge", e)...)
	}
	for _, e := range g.RecurrentEdges {
		line(edgeFields("recurrent", e)...)
	}
	if g.InitialParameters != nil {
		line(append([]string{"initial"}, hexFloats(g.InitialParameters)...)...)
	}
	if g.BestParameters != nil {
		line(append([]string{"best"}, hexFloats(g.BestParameters)...)...)
	}
	names := make([]string, 0, len(g.GeneratedBy))
	for name := range g.GeneratedBy {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		line("generated", name, strconv.Itoa(g.GeneratedBy[name]))
	}
	line("end")
	return bw.Flush()
}

// ReadGenomeText parses the format written by WriteGenomeText.
func ReadGenomeText(r io.Reader) (*model.Genome, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	g := &model.Genome{}
	lineNo := 0
	sawHeader, sawEnd := false, false

	for scanner.Scan() {
		lineNo++
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		if sawEnd {
			return nil, fmt.Errorf("line %d: content after end", lineNo)
		}
		if !sawHeader {
			if fields[0] != textHeader || len(fields) != 3 {
				return nil, fmt.Errorf("line %d: missing %s header", lineNo, textHeader)
			}
			p := fieldParser{fields: fields[1:]}
			g.SchemaVersion = p.int()
			g.CodecVersion = p.int()
			if p.err != nil {
				return nil, fmt.Errorf("line %d: %w", lineNo, p.err)
			}
			if err := checkVersion(g.VersionedRecord); err != nil {
				return nil, err
			}
			sawHeader = true
			continue
		}
		if err := parseTextRecord(g, fields); err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if fields[0] == "end" {
			sawEnd = true
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if !sawHeader {
		return nil, fmt.Errorf("empty genome text")
	}
	if !sawEnd {
		return nil, fmt.Errorf("genome text truncated: missing end record")
	}
	return g, nil
}

func parseTextRecord(g *model.Genome, fields []string) error {
	p := fieldParser{fields: fields[1:]}
	switch fields[0] {
	case "id":
		g.ID = p.string()
	case "generation":
		g.GenerationID = p.int32()
	case "island":
		g.IslandID = p.int()
	case "fitness":
		g.BestValidationError = p.float()
	case "hyper":
		hp := &g.Hyperparameters
		hp.Iterations = p.int()
		hp.LearningRate = p.float()
		hp.Momentum = p.float()
		hp.AdaptLearningRate = p.bool()
		hp.NesterovMomentum = p.bool()
		hp.ResetWeights = p.bool()
		hp.HighNorm = p.bool()
		hp.HighThreshold = p.float()
		hp.LowNorm = p.bool()
		hp.LowThreshold = p.float()
		hp.Dropout = p.bool()
		hp.DropoutProbability = p.float()
	case "node":
		n := model.Node{Innovation: p.int32()}
		n.Type = p.nodeType()
		n.Kind = p.nodeKind()
		n.Depth = p.float()
		n.Enabled = p.bool()
		n.Weights = p.rest()
		g.Nodes = append(g.Nodes, n)
		return p.err
	case "edge", "recurrent":
		e := model.Edge{
			Innovation: p.int32(),
			Input:      p.int32(),
			Output:     p.int32(),
			Weight:     p.float(),
			Enabled:    p.bool(),
		}
		if fields[0] == "edge" {
			g.Edges = append(g.Edges, e)
		} else {
			g.RecurrentEdges = append(g.RecurrentEdges, e)
		}
	case "initial":
		g.InitialParameters = p.rest()
		if g.InitialParameters == nil {
			g.InitialParameters = []float64{}
		}
		return p.err
	case "best":
		g.BestParameters = p.rest()
		if g.BestParameters == nil {
			g.BestParameters = []float64{}
		}
		return p.err
	case "generated":
		name := p.string()
		count := p.int()
		if g.GeneratedBy == nil {
			g.GeneratedBy = map[string]int{}
		}
		g.GeneratedBy[name] = count
	case "end":
	default:
		return fmt.Errorf("unknown record %q", fields[0])
	}
	if p.err == nil && len(p.fields) != 0 {
		return fmt.Errorf("%s: %d unexpected trailing fields", fields[0], len(p.fields))
	}
	return p.err
}

func edgeFields(tag string, e model.Edge) []string {
	return []string{
		tag,
		strconv.FormatInt(int64(e.Innovation), 10),
		strconv.FormatInt(int64(e.Input), 10),
		strconv.FormatInt(int64(e.Output), 10),
		hexFloat(e.Weight),
		strconv.FormatBool(e.Enabled),
	}
}

func hexFloat(x float64) string {
	return strconv.FormatFloat(x, 'x', -1, 64)
}

func hexFloats(xs []float64) []string {
	out := make([]string, len(xs))
	for i, x := range xs {
		out[i] = hexFloat(x)
	}
	return out
}

// fieldParser consumes fields left to right and keeps the first error.
type fieldParser struct {
	fields []string
	err    error
}

func (p *fieldParser) next() (string, bool) {
	if p.err != nil {
		return "", false
	}
	if len(p.fields) == 0 {
		p.err = fmt.Errorf("missing field")
		return "", false
	}
	s := p.fields[0]
	p.fields = p.fields[1:]
	return s, true
}

func (p *fieldParser) string() string {
	s, _ := p.next()
	return s
}

func (p *fieldParser) int() int {
	s, ok := p.next()
	if !ok {
		return 0
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) int32() int32 {
	s, ok := p.next()
	if !ok {
		return 0
	}
	v, err := strconv.ParseInt(s, 10, 32)
	if err != nil {
		p.err = err
	}
	return int32(v)
}

func (p *fieldParser) float() float64 {
	s, ok := p.next()
	if !ok {
		return 0
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) bool() bool {
	s, ok := p.next()
	if !ok {
		return false
	}
	v, err := strconv.ParseBool(s)
	if err != nil {
		p.err = err
	}
	return v
}

func (p *fieldParser) nodeType() model.NodeType {
	switch s := p.string(); s {
	case "input":
		return model.InputNode
	case "hidden":
		return model.HiddenNode
	case "output":
		return model.OutputNode
	default:
		if p.err == nil {
			p.err = fmt.Errorf("unknown node type %q", s)
		}
		return 0
	}
}

func (p *fieldParser) nodeKind() model.NodeKind {
	switch s := p.string(); s {
	case "simple":
		return model.SimpleNode
	case "lstm":
		return model.LSTMNode
	default:
		if p.err == nil {
			p.err = fmt.Errorf("unknown node kind %q", s)
		}
		return 0
	}
}

func (p *fieldParser) rest() []float64 {
	if p.err != nil || len(p.fields) == 0 {
		return nil
	}
	out := make([]float64, 0, len(p.fields))
	for len(p.fields) > 0 && p.err == nil {
		out = append(out, p.float())
	}
	return out
}
