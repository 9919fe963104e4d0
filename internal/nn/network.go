package nn

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"rnnevo/internal/model"
)

var (
	ErrNonFinite     = errors.New("non-finite value in network")
	ErrShapeMismatch = errors.New("series shape does not match network")
)

// Pass controls dropout for one forward/backward pass. With dropout on,
// training passes zero hidden outputs with the given probability using a
// mask drawn from Seed; inference passes scale them by 1-Probability.
type Pass struct {
	Training    bool
	Dropout     bool
	Probability float64
	Seed        int64
}

// Options selects the transfer functions of SIMPLE nodes. LSTM gates always
// use sigmoid and the cell uses tanh.
type Options struct {
	Hidden string
	Output string
}

type netEdge struct {
	src, dst int
	offset   int
	weight   float64
	grad     float64
}

type netNode struct {
	innovation int32
	typ        model.NodeType
	kind       model.NodeKind
	reachable  bool
	offset     int
	column     int
	weights    []float64
	grad       []float64
	inFF       []int
	inRec      []int

	out  []float64
	raw  []float64
	sum  []float64
	mask []float64
	dOut []float64

	// lstm only
	o, i, f, g, c, tc []float64
	dhNext, dcNext    float64
}

// Network is one materialized run of a genome's reachable subgraph. It owns
// its per-time-step buffers and is not safe for concurrent use; the trainer
// builds one Network per series.
type Network struct {
	nodes      []netNode
	edges      []netEdge
	recurrent  []netEdge
	inputs     []int
	outputs    []int
	numWeights int
	length     int

	hidden Activation
	output Activation
	gate   Activation
	cell   Activation
}

// New builds a network from g. Reachability on g must be current. Input and
// output nodes are always present; every other node and edge only when
// reachable.
func New(g *model.Genome, opts Options) (*Network, error) {
	if opts.Hidden == "" {
		opts.Hidden = "tanh"
	}
	if opts.Output == "" {
		opts.Output = "identity"
	}
	n := &Network{}
	var err error
	if n.hidden, err = GetActivation(opts.Hidden); err != nil {
		return nil, err
	}
	if n.output, err = GetActivation(opts.Output); err != nil {
		return nil, err
	}
	if n.gate, err = GetActivation("sigmoid"); err != nil {
		return nil, err
	}
	if n.cell, err = GetActivation("tanh"); err != nil {
		return nil, err
	}

	index := make(map[int32]int, len(g.Nodes))
	cur := 0
	for _, gn := range g.Nodes {
		reachable := gn.Reachable()
		if !reachable && gn.Type == model.HiddenNode {
			continue
		}
		node := netNode{
			innovation: gn.Innovation,
			typ:        gn.Type,
			kind:       gn.Kind,
			reachable:  reachable,
			offset:     -1,
			column:     -1,
		}
		if reachable && gn.WeightCount() > 0 {
			node.offset = cur
			node.weights = make([]float64, gn.WeightCount())
			copy(node.weights, gn.Weights)
			node.grad = make([]float64, gn.WeightCount())
			cur += gn.WeightCount()
		}
		switch gn.Type {
		case model.InputNode:
			node.column = len(n.inputs)
			n.inputs = append(n.inputs, len(n.nodes))
		case model.OutputNode:
			node.column = len(n.outputs)
			n.outputs = append(n.outputs, len(n.nodes))
		}
		index[gn.Innovation] = len(n.nodes)
		n.nodes = append(n.nodes, node)
	}

	link := func(edges []model.Edge, recurrent bool) ([]netEdge, error) {
		var out []netEdge
		for _, e := range edges {
			if !e.Reachable() {
				continue
			}
			src, ok := index[e.Input]
			if !ok {
				return nil, fmt.Errorf("edge %d: input node %d is not part of the network", e.Innovation, e.Input)
			}
			dst, ok := index[e.Output]
			if !ok {
				return nil, fmt.Errorf("edge %d: output node %d is not part of the network", e.Innovation, e.Output)
			}
			pos := len(out)
			if recurrent {
				n.nodes[dst].inRec = append(n.nodes[dst].inRec, pos)
			} else {
				n.nodes[dst].inFF = append(n.nodes[dst].inFF, pos)
			}
			out = append(out, netEdge{src: src, dst: dst, offset: cur, weight: e.Weight})
			cur++
		}
		return out, nil
	}
	if n.edges, err = link(g.Edges, false); err != nil {
		return nil, err
	}
	if n.recurrent, err = link(g.RecurrentEdges, true); err != nil {
		return nil, err
	}
	n.numWeights = cur
	return n, nil
}

func (n *Network) NumWeights() int { return n.numWeights }
func (n *Network) NumInputs() int  { return len(n.inputs) }
func (n *Network) NumOutputs() int { return len(n.outputs) }

// SetWeights loads params using the genome weight layout.
func (n *Network) SetWeights(params []float64) error {
	if len(params) != n.numWeights {
		return fmt.Errorf("network has %d weights, got %d", n.numWeights, len(params))
	}
	for i := range n.nodes {
		node := &n.nodes[i]
		if node.offset < 0 {
			continue
		}
		copy(node.weights, params[node.offset:node.offset+len(node.weights)])
	}
	for i := range n.edges {
		n.edges[i].weight = params[n.edges[i].offset]
	}
	for i := range n.recurrent {
		n.recurrent[i].weight = params[n.recurrent[i].offset]
	}
	return nil
}

// Forward runs the series through the network and returns the predictions,
// one row per time step.
func (n *Network) Forward(inputs [][]float64, pass Pass) ([][]float64, error) {
	length := len(inputs)
	if length == 0 {
		return nil, fmt.Errorf("%w: empty series", ErrShapeMismatch)
	}
	for t, row := range inputs {
		if len(row) != len(n.inputs) {
			return nil, fmt.Errorf("%w: step %d has %d inputs, network has %d", ErrShapeMismatch, t, len(row), len(n.inputs))
		}
	}
	n.reset(length)
	n.fillMasks(pass)

	for t := 0; t < length; t++ {
		for i := range n.nodes {
			node := &n.nodes[i]
			s := 0.0
			for _, ei := range node.inFF {
				e := n.edges[ei]
				s += e.weight * n.nodes[e.src].out[t]
			}
			if t > 0 {
				for _, ei := range node.inRec {
					e := n.recurrent[ei]
					s += e.weight * n.nodes[e.src].out[t-1]
				}
			}
			node.sum[t] = s

			switch {
			case node.typ == model.InputNode:
				node.raw[t] = inputs[t][node.column]
			case !node.reachable:
				node.raw[t] = 0
			case node.kind == model.LSTMNode:
				n.lstmForward(node, t)
			case node.typ == model.OutputNode:
				node.raw[t] = n.output.Func(s + node.weights[0])
			default:
				node.raw[t] = n.hidden.Func(s + node.weights[0])
			}
			node.out[t] = node.raw[t] * node.mask[t]
		}
	}

	predictions := make([][]float64, length)
	for t := range predictions {
		row := make([]float64, len(n.outputs))
		for k, idx := range n.outputs {
			v := n.nodes[idx].out[t]
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("%w: output %d at step %d", ErrNonFinite, k, t)
			}
			row[k] = v
		}
		predictions[t] = row
	}
	return predictions, nil
}

func (n *Network) lstmForward(node *netNode, t int) {
	w := node.weights
	s := node.sum[t]
	hPrev, cPrev := 0.0, 0.0
	if t > 0 {
		hPrev = node.raw[t-1]
		cPrev = node.c[t-1]
	}
	node.o[t] = n.gate.Func(w[0]*hPrev + w[1]*s + w[2])
	node.i[t] = n.gate.Func(w[3]*hPrev + w[4]*s + w[5])
	node.f[t] = n.gate.Func(w[6]*hPrev + w[7]*s + w[8])
	node.g[t] = n.cell.Func(w[9]*s + w[10])
	node.c[t] = node.f[t]*cPrev + node.i[t]*node.g[t]
	node.tc[t] = n.cell.Func(node.c[t])
	node.raw[t] = node.o[t] * node.tc[t]
}

// MSE is the mean squared error of the last forward pass over every step
// and output.
func (n *Network) MSE(targets [][]float64) (float64, error) {
	return n.reduceError(targets, func(d float64) float64 { return d * d })
}

// MAE is the mean absolute error of the last forward pass.
func (n *Network) MAE(targets [][]float64) (float64, error) {
	return n.reduceError(targets, math.Abs)
}

func (n *Network) reduceError(targets [][]float64, f func(float64) float64) (float64, error) {
	if err := n.checkTargets(targets); err != nil {
		return 0, err
	}
	total := 0.0
	for t := 0; t < n.length; t++ {
		for k, idx := range n.outputs {
			total += f(n.nodes[idx].out[t] - targets[t][k])
		}
	}
	return total / float64(n.length*len(n.outputs)), nil
}

func (n *Network) checkTargets(targets [][]float64) error {
	if n.length == 0 {
		return errors.New("forward pass has not run")
	}
	if len(targets) != n.length {
		return fmt.Errorf("%w: %d target steps for a %d step pass", ErrShapeMismatch, len(targets), n.length)
	}
	for t, row := range targets {
		if len(row) != len(n.outputs) {
			return fmt.Errorf("%w: step %d has %d targets, network has %d outputs", ErrShapeMismatch, t, len(row), len(n.outputs))
		}
	}
	return nil
}

// MSESeed is the output error scale under which Backward yields the
// gradient of this series' own MSE.
func (n *Network) MSESeed() float64 {
	return 2.0 / float64(n.length*len(n.outputs))
}

// Steps is the length of the last forward pass.
func (n *Network) Steps() int { return n.length }

// Backward seeds every output with seed·(out − target) and propagates it
// back through time. The per-parameter gradient is then available through
// Gradient.
func (n *Network) Backward(targets [][]float64, seed float64) error {
	if err := n.checkTargets(targets); err != nil {
		return err
	}
	length := n.length
	for i := range n.nodes {
		node := &n.nodes[i]
		clear(node.grad)
		clear(node.dOut)
		node.dhNext, node.dcNext = 0, 0
	}
	for i := range n.edges {
		n.edges[i].grad = 0
	}
	for i := range n.recurrent {
		n.recurrent[i].grad = 0
	}

	for t := 0; t < length; t++ {
		for k, idx := range n.outputs {
			node := &n.nodes[idx]
			node.dOut[t] += seed * (node.out[t] - targets[t][k])
		}
	}

	for t := length - 1; t >= 0; t-- {
		for i := len(n.nodes) - 1; i >= 0; i-- {
			node := &n.nodes[i]
			if node.typ == model.InputNode || !node.reachable {
				continue
			}
			d := node.dOut[t] * node.mask[t]
			var ds float64
			switch {
			case node.kind == model.LSTMNode:
				ds = n.lstmBackward(node, t, d)
			case node.typ == model.OutputNode:
				ds = d * n.output.Derivative(node.raw[t])
				node.grad[0] += ds
			default:
				ds = d * n.hidden.Derivative(node.raw[t])
				node.grad[0] += ds
			}

			for _, ei := range node.inFF {
				e := &n.edges[ei]
				src := &n.nodes[e.src]
				e.grad += ds * src.out[t]
				src.dOut[t] += ds * e.weight
			}
			if t > 0 {
				for _, ei := range node.inRec {
					e := &n.recurrent[ei]
					src := &n.nodes[e.src]
					e.grad += ds * src.out[t-1]
					src.dOut[t-1] += ds * e.weight
				}
			}
		}
	}
	return nil
}

// lstmBackward handles one step of the cell and returns dL/d(input sum).
func (n *Network) lstmBackward(node *netNode, t int, dExternal float64) float64 {
	w := node.weights
	s := node.sum[t]
	hPrev, cPrev := 0.0, 0.0
	if t > 0 {
		hPrev = node.raw[t-1]
		cPrev = node.c[t-1]
	}
	dh := dExternal + node.dhNext
	do := dh * node.tc[t]
	dc := dh*node.o[t]*n.cell.Derivative(node.tc[t]) + node.dcNext

	dzo := do * n.gate.Derivative(node.o[t])
	dzi := dc * node.g[t] * n.gate.Derivative(node.i[t])
	dzf := dc * cPrev * n.gate.Derivative(node.f[t])
	dzg := dc * node.i[t] * n.cell.Derivative(node.g[t])

	gr := node.grad
	gr[0] += dzo * hPrev
	gr[1] += dzo * s
	gr[2] += dzo
	gr[3] += dzi * hPrev
	gr[4] += dzi * s
	gr[5] += dzi
	gr[6] += dzf * hPrev
	gr[7] += dzf * s
	gr[8] += dzf
	gr[9] += dzg * s
	gr[10] += dzg

	node.dhNext = dzo*w[0] + dzi*w[3] + dzf*w[6]
	node.dcNext = dc * node.f[t]
	return dzo*w[1] + dzi*w[4] + dzf*w[7] + dzg*w[9]
}

// Gradient returns the gradient of the last backward pass in the genome
// weight layout.
func (n *Network) Gradient() []float64 {
	out := make([]float64, n.numWeights)
	for _, node := range n.nodes {
		if node.offset < 0 {
			continue
		}
		copy(out[node.offset:], node.grad)
	}
	for _, e := range n.edges {
		out[e.offset] = e.grad
	}
	for _, e := range n.recurrent {
		out[e.offset] = e.grad
	}
	return out
}

// Evaluate loads params and returns the series MSE.
func (n *Network) Evaluate(params []float64, inputs, targets [][]float64, pass Pass) (float64, error) {
	if err := n.SetWeights(params); err != nil {
		return 0, err
	}
	if _, err := n.Forward(inputs, pass); err != nil {
		return 0, err
	}
	return n.MSE(targets)
}

// AnalyticGradient loads params, runs forward and backward over one series
// and returns its MSE and the gradient of that MSE.
func (n *Network) AnalyticGradient(params []float64, inputs, targets [][]float64, pass Pass) (float64, []float64, error) {
	mse, err := n.Evaluate(params, inputs, targets, pass)
	if err != nil {
		return 0, nil, err
	}
	grad, err := n.SeededGradient(targets, n.MSESeed())
	if err != nil {
		return 0, nil, err
	}
	return mse, grad, nil
}

// SeededGradient runs Backward over the last forward pass and returns the
// gradient, failing on any non-finite component.
func (n *Network) SeededGradient(targets [][]float64, seed float64) ([]float64, error) {
	if err := n.Backward(targets, seed); err != nil {
		return nil, err
	}
	grad := n.Gradient()
	for i, v := range grad {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: gradient %d", ErrNonFinite, i)
		}
	}
	return grad, nil
}

func (n *Network) reset(length int) {
	n.length = length
	for i := range n.nodes {
		node := &n.nodes[i]
		node.out = grow(node.out, length)
		node.raw = grow(node.raw, length)
		node.sum = grow(node.sum, length)
		node.mask = grow(node.mask, length)
		node.dOut = grow(node.dOut, length)
		if node.kind == model.LSTMNode && node.reachable {
			node.o = grow(node.o, length)
			node.i = grow(node.i, length)
			node.f = grow(node.f, length)
			node.g = grow(node.g, length)
			node.c = grow(node.c, length)
			node.tc = grow(node.tc, length)
		}
	}
}

func (n *Network) fillMasks(pass Pass) {
	var rng *rand.Rand
	if pass.Dropout && pass.Training {
		rng = rand.New(rand.NewSource(pass.Seed))
	}
	for i := range n.nodes {
		node := &n.nodes[i]
		for t := range node.mask {
			switch {
			case node.typ != model.HiddenNode || !pass.Dropout:
				node.mask[t] = 1
			case rng != nil:
				if rng.Float64() < pass.Probability {
					node.mask[t] = 0
				} else {
					node.mask[t] = 1
				}
			default:
				node.mask[t] = 1 - pass.Probability
			}
		}
	}
}

func grow(buf []float64, n int) []float64 {
	if cap(buf) < n {
		return make([]float64, n)
	}
	buf = buf[:n]
	clear(buf)
	return buf
}
