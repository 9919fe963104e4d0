package storage

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"

	"rnnevo/internal/model"
)

const genomeMagic = "RNEG"

var ErrCorruptGenome = errors.New("corrupt genome encoding")

const (
	flagEnabled = 1 << iota
	flagForward
	flagBackward
)

const (
	hpAdapt = 1 << iota
	hpNesterov
	hpReset
	hpHighNorm
	hpLowNorm
	hpDropout
)

// EncodeGenome writes g in a little-endian binary layout. Every float is
// stored as its IEEE-754 bit pattern, so a decoded genome reproduces the
// original weights exactly.
func EncodeGenome(g *model.Genome) ([]byte, error) {
	if g == nil {
		return nil, errors.New("genome is nil")
	}
	w := &binWriter{buf: make([]byte, 0, 256)}
	w.buf = append(w.buf, genomeMagic...)
	w.u16(uint16(g.SchemaVersion))
	w.u16(uint16(g.CodecVersion))
	w.str(g.ID)
	w.i32(g.GenerationID)
	w.i64(int64(g.IslandID))

	hp := g.Hyperparameters
	w.i64(int64(hp.Iterations))
	w.f64(hp.LearningRate)
	w.f64(hp.Momentum)
	w.f64(hp.HighThreshold)
	w.f64(hp.LowThreshold)
	w.f64(hp.DropoutProbability)
	w.u8(bits(hp.AdaptLearningRate, hpAdapt) | bits(hp.NesterovMomentum, hpNesterov) |
		bits(hp.ResetWeights, hpReset) | bits(hp.HighNorm, hpHighNorm) |
		bits(hp.LowNorm, hpLowNorm) | bits(hp.Dropout, hpDropout))

	w.u32(uint32(len(g.Nodes)))
	for _, n := range g.Nodes {
		w.i32(n.Innovation)
		w.u8(uint8(n.Type))
		w.u8(uint8(n.Kind))
		w.f64(n.Depth)
		w.u8(bits(n.Enabled, flagEnabled) | bits(n.ForwardReachable, flagForward) | bits(n.BackwardReachable, flagBackward))
		w.u32(uint32(n.TotalInputs))
		w.u32(uint32(n.TotalOutputs))
		w.floats(n.Weights)
	}
	for _, edges := range [][]model.Edge{g.Edges, g.RecurrentEdges} {
		w.u32(uint32(len(edges)))
		for _, e := range edges {
			w.i32(e.Innovation)
			w.i32(e.Input)
			w.i32(e.Output)
			w.f64(e.Weight)
			w.u8(bits(e.Enabled, flagEnabled) | bits(e.ForwardReachable, flagForward) | bits(e.BackwardReachable, flagBackward))
		}
	}
	w.floats(g.InitialParameters)
	w.floats(g.BestParameters)
	w.f64(g.BestValidationError)

	names := make([]string, 0, len(g.GeneratedBy))
	for name := range g.GeneratedBy {
		names = append(names, name)
	}
	sort.Strings(names)
	w.u32(uint32(len(names)))
	for _, name := range names {
		w.str(name)
		w.i64(int64(g.GeneratedBy[name]))
	}
	return w.buf, nil
}

func DecodeGenome(data []byte) (*model.Genome, error) {
	if len(data) < len(genomeMagic) || string(data[:len(genomeMagic)]) != genomeMagic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptGenome)
	}
	r := &binReader{buf: data[len(genomeMagic):]}
	g := &model.Genome{}
	g.SchemaVersion = int(r.u16())
	g.CodecVersion = int(r.u16())
	if r.err == nil {
		if err := checkVersion(g.VersionedRecord); err != nil {
			return nil, err
		}
	}
	g.ID = r.str()
	g.GenerationID = r.i32()
	g.IslandID = int(r.i64())

	hp := &g.Hyperparameters
	hp.Iterations = int(r.i64())
	hp.LearningRate = r.f64()
	hp.Momentum = r.f64()
	hp.HighThreshold = r.f64()
	hp.LowThreshold = r.f64()
	hp.DropoutProbability = r.f64()
	flags := r.u8()
	hp.AdaptLearningRate = flags&hpAdapt != 0
	hp.NesterovMomentum = flags&hpNesterov != 0
	hp.ResetWeights = flags&hpReset != 0
	hp.HighNorm = flags&hpHighNorm != 0
	hp.LowNorm = flags&hpLowNorm != 0
	hp.Dropout = flags&hpDropout != 0

	count := r.count()
	g.Nodes = make([]model.Node, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		n := model.Node{
			Innovation: r.i32(),
			Type:       model.NodeType(r.u8()),
			Kind:       model.NodeKind(r.u8()),
			Depth:      r.f64(),
		}
		flags := r.u8()
		n.Enabled = flags&flagEnabled != 0
		n.ForwardReachable = flags&flagForward != 0
		n.BackwardReachable = flags&flagBackward != 0
		n.TotalInputs = int(r.u32())
		n.TotalOutputs = int(r.u32())
		n.Weights = r.floats()
		g.Nodes = append(g.Nodes, n)
	}
	g.Edges = r.edges()
	g.RecurrentEdges = r.edges()
	g.InitialParameters = r.floats()
	g.BestParameters = r.floats()
	g.BestValidationError = r.f64()

	count = r.count()
	if count > 0 {
		g.GeneratedBy = make(map[string]int, count)
	}
	for i := 0; i < count && r.err == nil; i++ {
		name := r.str()
		g.GeneratedBy[name] = int(r.i64())
	}

	if r.err != nil {
		return nil, r.err
	}
	if len(r.buf) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrCorruptGenome, len(r.buf))
	}
	return g, nil
}

func bits(set bool, flag uint8) uint8 {
	if set {
		return flag
	}
	return 0
}

type binWriter struct {
	buf []byte
}

func (w *binWriter) u8(v uint8)   { w.buf = append(w.buf, v) }
func (w *binWriter) u16(v uint16) { w.buf = binary.LittleEndian.AppendUint16(w.buf, v) }
func (w *binWriter) u32(v uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, v) }
func (w *binWriter) i32(v int32)  { w.u32(uint32(v)) }
func (w *binWriter) i64(v int64)  { w.buf = binary.LittleEndian.AppendUint64(w.buf, uint64(v)) }
func (w *binWriter) f64(v float64) {
	w.buf = binary.LittleEndian.AppendUint64(w.buf, math.Float64bits(v))
}

func (w *binWriter) str(s string) {
	w.u32(uint32(len(s)))
	w.buf = append(w.buf, s...)
}

// floats distinguishes nil (0xffffffff) from an empty slice.
func (w *binWriter) floats(xs []float64) {
	if xs == nil {
		w.u32(math.MaxUint32)
		return
	}
	w.u32(uint32(len(xs)))
	for _, x := range xs {
		w.f64(x)
	}
}

// binReader records the first error and returns zero values afterwards.
type binReader struct {
	buf []byte
	err error
}

func (r *binReader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || len(r.buf) < n {
		r.err = fmt.Errorf("%w: truncated", ErrCorruptGenome)
		return nil
	}
	out := r.buf[:n]
	r.buf = r.buf[n:]
	return out
}

func (r *binReader) u8() uint8 {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *binReader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint16(b)
}

func (r *binReader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint32(b)
}

func (r *binReader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.LittleEndian.Uint64(b)
}

func (r *binReader) i32() int32   { return int32(r.u32()) }
func (r *binReader) i64() int64   { return int64(r.u64()) }
func (r *binReader) f64() float64 { return math.Float64frombits(r.u64()) }

// count reads a length prefix and rejects values the remaining input cannot
// possibly hold.
func (r *binReader) count() int {
	n := int(r.u32())
	if r.err == nil && n > len(r.buf) {
		r.err = fmt.Errorf("%w: count %d exceeds remaining %d bytes", ErrCorruptGenome, n, len(r.buf))
		return 0
	}
	return n
}

func (r *binReader) str() string {
	return string(r.take(r.count()))
}

func (r *binReader) floats() []float64 {
	n := r.u32()
	if r.err != nil || n == math.MaxUint32 {
		return nil
	}
	if int(n)*8 > len(r.buf) {
		r.err = fmt.Errorf("%w: %d floats exceed remaining %d bytes", ErrCorruptGenome, n, len(r.buf))
		return nil
	}
	out := make([]float64, n)
	for i := range out {
		out[i] = r.f64()
	}
	return out
}

func (r *binReader) edges() []model.Edge {
	count := r.count()
	out := make([]model.Edge, 0, count)
	for i := 0; i < count && r.err == nil; i++ {
		e := model.Edge{
			Innovation: r.i32(),
			Input:      r.i32(),
			Output:     r.i32(),
			Weight:     r.f64(),
		}
		flags := r.u8()
		e.Enabled = flags&flagEnabled != 0
		e.ForwardReachable = flags&flagForward != 0
		e.BackwardReachable = flags&flagBackward != 0
		out = append(out, e)
	}
	return out
}
