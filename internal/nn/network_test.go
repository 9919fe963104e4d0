package nn

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
)

func buildGenome(t *testing.T, lstm bool) *model.Genome {
	t.Helper()
	counter := genotype.NewInnovationCounter()
	ws := genotype.WeightSource{Rand: rand.New(rand.NewSource(3)), Sigma: 0.5}
	g, err := genotype.NewSeedGenome(genotype.SeedConfig{
		Inputs:          2,
		Outputs:         1,
		Hyperparameters: model.DefaultHyperparameters(),
		Connect:         true,
	}, ws, counter)
	if err != nil {
		t.Fatalf("seed genome: %v", err)
	}
	in0, in1, out := g.Nodes[0].Innovation, g.Nodes[1].Innovation, g.Nodes[2].Innovation

	kind := model.SimpleNode
	if lstm {
		kind = model.LSTMNode
	}
	hidden := genotype.NewNode(counter.NextNode(), model.HiddenNode, kind, 0.5, ws)
	genotype.InsertNode(g, hidden)
	second := genotype.NewNode(counter.NextNode(), model.HiddenNode, model.SimpleNode, 0.75, ws)
	genotype.InsertNode(g, second)

	for _, pair := range [][2]int32{{in0, hidden.Innovation}, {in1, hidden.Innovation}, {hidden.Innovation, second.Innovation}, {second.Innovation, out}, {hidden.Innovation, out}} {
		if _, err := genotype.AttemptEdgeInsert(g, pair[0], pair[1], ws, counter); err != nil {
			t.Fatalf("edge insert: %v", err)
		}
	}
	for _, pair := range [][2]int32{{out, hidden.Innovation}, {second.Innovation, second.Innovation}} {
		if _, err := genotype.AttemptRecurrentEdgeInsert(g, pair[0], pair[1], ws, counter); err != nil {
			t.Fatalf("recurrent edge insert: %v", err)
		}
	}
	if err := genotype.AssignReachability(g); err != nil {
		t.Fatalf("assign reachability: %v", err)
	}
	genotype.InitializeRandomly(g, rand.New(rand.NewSource(5)))
	return g
}

func sineSeries(length int) ([][]float64, [][]float64) {
	inputs := make([][]float64, length)
	targets := make([][]float64, length)
	for t := 0; t < length; t++ {
		x := float64(t) * 0.3
		inputs[t] = []float64{math.Sin(x), math.Cos(x)}
		targets[t] = []float64{math.Sin(x + 0.3)}
	}
	return inputs, targets
}

func TestForwardLinearSeed(t *testing.T) {
	counter := genotype.NewInnovationCounter()
	ws := genotype.WeightSource{Rand: rand.New(rand.NewSource(1)), Sigma: 1}
	g, err := genotype.NewSeedGenome(genotype.SeedConfig{Inputs: 2, Outputs: 1, Connect: true}, ws, counter)
	if err != nil {
		t.Fatalf("seed genome: %v", err)
	}
	net, err := New(g, Options{})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	// layout: output bias, edge from input 0, edge from input 1
	if net.NumWeights() != 3 {
		t.Fatalf("expected 3 weights, got %d", net.NumWeights())
	}
	if err := net.SetWeights([]float64{0.5, 2, -1}); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	preds, err := net.Forward([][]float64{{1, 1}, {3, 2}}, Pass{})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	if preds[0][0] != 1.5 || preds[1][0] != 4.5 {
		t.Fatalf("unexpected predictions %v", preds)
	}
	mse, err := net.MSE([][]float64{{1.5}, {2.5}})
	if err != nil {
		t.Fatalf("mse: %v", err)
	}
	if mse != 2 {
		t.Fatalf("expected mse=2, got %v", mse)
	}
}

func TestRecurrentEdgeCarriesPreviousStep(t *testing.T) {
	counter := genotype.NewInnovationCounter()
	ws := genotype.WeightSource{Rand: rand.New(rand.NewSource(1)), Sigma: 1}
	g, err := genotype.NewSeedGenome(genotype.SeedConfig{Inputs: 1, Outputs: 1, Connect: true}, ws, counter)
	if err != nil {
		t.Fatalf("seed genome: %v", err)
	}
	out := g.Nodes[1].Innovation
	if _, err := genotype.AttemptRecurrentEdgeInsert(g, out, out, ws, counter); err != nil {
		t.Fatalf("recurrent edge: %v", err)
	}
	if err := genotype.AssignReachability(g); err != nil {
		t.Fatalf("assign reachability: %v", err)
	}
	net, err := New(g, Options{})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	// bias 0, input weight 1, self loop 0.5: y[t] = x[t] + 0.5*y[t-1]
	if err := net.SetWeights([]float64{0, 1, 0.5}); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	preds, err := net.Forward([][]float64{{1}, {0}, {0}}, Pass{})
	if err != nil {
		t.Fatalf("forward: %v", err)
	}
	want := []float64{1, 0.5, 0.25}
	for i, w := range want {
		if preds[i][0] != w {
			t.Fatalf("step %d: got %v want %v", i, preds[i][0], w)
		}
	}
}

func TestAnalyticGradientMatchesFiniteDifferences(t *testing.T) {
	for _, lstm := range []bool{false, true} {
		g := buildGenome(t, lstm)
		net, err := New(g, Options{})
		if err != nil {
			t.Fatalf("new network: %v", err)
		}
		inputs, targets := sineSeries(12)
		params := append([]float64(nil), g.InitialParameters...)

		_, grad, err := net.AnalyticGradient(params, inputs, targets, Pass{Training: true})
		if err != nil {
			t.Fatalf("analytic gradient: %v", err)
		}
		if len(grad) != len(params) {
			t.Fatalf("gradient length %d, want %d", len(grad), len(params))
		}

		const h = 1e-6
		for i := range params {
			orig := params[i]
			params[i] = orig + h
			plus, err := net.Evaluate(params, inputs, targets, Pass{Training: true})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			params[i] = orig - h
			minus, err := net.Evaluate(params, inputs, targets, Pass{Training: true})
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			params[i] = orig

			numeric := (plus - minus) / (2 * h)
			if diff := math.Abs(numeric - grad[i]); diff > 1e-6+1e-4*math.Abs(numeric) {
				t.Fatalf("lstm=%t param %d: analytic=%v numeric=%v", lstm, i, grad[i], numeric)
			}
		}
	}
}

func TestDropoutMaskIsSeeded(t *testing.T) {
	g := buildGenome(t, false)
	net, err := New(g, Options{})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	inputs, targets := sineSeries(20)
	pass := Pass{Training: true, Dropout: true, Probability: 0.5, Seed: 11}

	a, err := net.Evaluate(g.InitialParameters, inputs, targets, pass)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	b, err := net.Evaluate(g.InitialParameters, inputs, targets, pass)
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if a != b {
		t.Fatalf("same seed produced different errors: %v vs %v", a, b)
	}
}

func TestForwardRejectsBadShapes(t *testing.T) {
	g := buildGenome(t, false)
	net, err := New(g, Options{})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	if err := net.SetWeights(g.InitialParameters); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	if _, err := net.Forward([][]float64{{1, 2, 3}}, Pass{}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch, got %v", err)
	}
	if _, err := net.Forward(nil, Pass{}); !errors.Is(err, ErrShapeMismatch) {
		t.Fatalf("expected shape mismatch for empty series, got %v", err)
	}
	if err := net.SetWeights([]float64{1}); err == nil {
		t.Fatal("expected weight count error")
	}
}

func TestForwardReportsNonFinite(t *testing.T) {
	counter := genotype.NewInnovationCounter()
	ws := genotype.WeightSource{Rand: rand.New(rand.NewSource(1)), Sigma: 1}
	g, err := genotype.NewSeedGenome(genotype.SeedConfig{Inputs: 1, Outputs: 1, Connect: true}, ws, counter)
	if err != nil {
		t.Fatalf("seed genome: %v", err)
	}
	net, err := New(g, Options{})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	if err := net.SetWeights([]float64{0, math.Inf(1)}); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	if _, err := net.Forward([][]float64{{1}}, Pass{}); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected non-finite error, got %v", err)
	}
}

func TestSeededGradientScalesWithSeed(t *testing.T) {
	g := buildGenome(t, true)
	net, err := New(g, Options{})
	if err != nil {
		t.Fatalf("new network: %v", err)
	}
	inputs, targets := sineSeries(10)
	params := append([]float64(nil), g.InitialParameters...)

	_, local, err := net.AnalyticGradient(params, inputs, targets, Pass{Training: true})
	if err != nil {
		t.Fatalf("analytic gradient: %v", err)
	}
	if net.Steps() != 10 {
		t.Fatalf("steps got %d want 10", net.Steps())
	}
	const factor = 3.5
	scaled, err := net.SeededGradient(targets, factor*net.MSESeed())
	if err != nil {
		t.Fatalf("seeded gradient: %v", err)
	}
	for i := range local {
		if diff := math.Abs(scaled[i] - factor*local[i]); diff > 1e-12+1e-9*math.Abs(local[i]) {
			t.Fatalf("param %d: seeded=%v want %v", i, scaled[i], factor*local[i])
		}
	}
}
