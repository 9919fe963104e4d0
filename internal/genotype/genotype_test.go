package genotype

import (
	"errors"
	"math"
	"math/rand"
	"testing"

	"rnnevo/internal/model"
)

func testWeights(seed int64) WeightSource {
	return WeightSource{Rand: rand.New(rand.NewSource(seed)), Mu: 0, Sigma: 0.5}
}

func twoInputOneOutput(t *testing.T) (*model.Genome, *InnovationCounter) {
	t.Helper()
	counter := NewInnovationCounter()
	g, err := NewSeedGenome(SeedConfig{Inputs: 2, Outputs: 1, Hyperparameters: model.DefaultHyperparameters()}, testWeights(1), counter)
	if err != nil {
		t.Fatalf("seed genome: %v", err)
	}
	return g, counter
}

func TestOutputsUnreachableUntilConnected(t *testing.T) {
	g, counter := twoInputOneOutput(t)

	unreachable, err := OutputsUnreachable(g)
	if err != nil {
		t.Fatalf("outputs unreachable: %v", err)
	}
	if !unreachable {
		t.Fatal("expected output to be unreachable without edges")
	}

	var output int32
	for _, n := range g.Nodes {
		if n.Type == model.OutputNode {
			output = n.Innovation
		}
	}
	for _, n := range append([]model.Node(nil), g.Nodes...) {
		if n.Type != model.InputNode {
			continue
		}
		ok, err := AttemptEdgeInsert(g, n.Innovation, output, testWeights(2), counter)
		if err != nil || !ok {
			t.Fatalf("insert edge from %d: ok=%t err=%v", n.Innovation, ok, err)
		}
	}

	unreachable, err = OutputsUnreachable(g)
	if err != nil {
		t.Fatalf("outputs unreachable: %v", err)
	}
	if unreachable {
		t.Fatal("expected output to be reachable after connecting inputs")
	}
	out := g.Nodes[NodeIndex(g, output)]
	if out.TotalInputs != 2 {
		t.Fatalf("expected output total inputs=2, got %d", out.TotalInputs)
	}
}

func TestAttemptEdgeInsertReenablesAndRejects(t *testing.T) {
	g, counter := twoInputOneOutput(t)
	in, out := g.Nodes[0].Innovation, g.Nodes[2].Innovation

	// reversed arguments are swapped to run shallow to deep
	ok, err := AttemptEdgeInsert(g, out, in, testWeights(3), counter)
	if err != nil || !ok {
		t.Fatalf("first insert: ok=%t err=%v", ok, err)
	}
	if g.Edges[0].Input != in || g.Edges[0].Output != out {
		t.Fatalf("expected edge %d->%d, got %d->%d", in, out, g.Edges[0].Input, g.Edges[0].Output)
	}

	ok, err = AttemptEdgeInsert(g, in, out, testWeights(3), counter)
	if err != nil || ok {
		t.Fatalf("expected enabled duplicate to be rejected, ok=%t err=%v", ok, err)
	}

	g.Edges[0].Enabled = false
	before := g.Edges[0].Innovation
	ok, err = AttemptEdgeInsert(g, in, out, testWeights(3), counter)
	if err != nil || !ok {
		t.Fatalf("expected disabled edge to be re-enabled, ok=%t err=%v", ok, err)
	}
	if len(g.Edges) != 1 || g.Edges[0].Innovation != before || !g.Edges[0].Enabled {
		t.Fatalf("expected the original edge to be re-enabled, got %+v", g.Edges)
	}

	ok, err = AttemptEdgeInsert(g, g.Nodes[0].Innovation, g.Nodes[1].Innovation, testWeights(3), counter)
	if err != nil || ok {
		t.Fatalf("expected equal-depth insert to fail, ok=%t err=%v", ok, err)
	}
}

func TestReachabilitySkipsDisabledAndDeadEnds(t *testing.T) {
	g, counter := twoInputOneOutput(t)
	ws := testWeights(4)
	in, out := g.Nodes[0].Innovation, g.Nodes[2].Innovation

	hidden := NewNode(counter.NextNode(), model.HiddenNode, model.SimpleNode, 0.5, ws)
	InsertNode(g, hidden)
	dead := NewNode(counter.NextNode(), model.HiddenNode, model.SimpleNode, 0.7, ws)
	InsertNode(g, dead)

	mustInsert(t, g, in, hidden.Innovation, ws, counter)
	mustInsert(t, g, hidden.Innovation, out, ws, counter)
	mustInsert(t, g, in, dead.Innovation, ws, counter)
	if _, err := AttemptRecurrentEdgeInsert(g, hidden.Innovation, hidden.Innovation, ws, counter); err != nil {
		t.Fatalf("self loop: %v", err)
	}
	if err := AssignReachability(g); err != nil {
		t.Fatalf("assign reachability: %v", err)
	}

	d := g.Nodes[NodeIndex(g, dead.Innovation)]
	if !d.ForwardReachable || d.BackwardReachable || d.Reachable() {
		t.Fatalf("dead-end node should be forward only, got %+v", d)
	}
	h := g.Nodes[NodeIndex(g, hidden.Innovation)]
	if !h.Reachable() || h.TotalInputs != 2 || h.TotalOutputs != 2 {
		t.Fatalf("unexpected hidden node flags %+v", h)
	}
	if !g.RecurrentEdges[0].Reachable() {
		t.Fatal("expected self loop to be reachable")
	}
	assertReachabilityConsistent(t, g)

	g.Nodes[NodeIndex(g, hidden.Innovation)].Enabled = false
	unreachable, err := OutputsUnreachable(g)
	if err != nil {
		t.Fatalf("outputs unreachable: %v", err)
	}
	if !unreachable {
		t.Fatal("disabling the only path should cut the output off")
	}
	assertReachabilityConsistent(t, g)
}

func TestAssignReachabilityMissingNode(t *testing.T) {
	g, _ := twoInputOneOutput(t)
	g.Edges = append(g.Edges, model.Edge{Innovation: 99, Input: g.Nodes[0].Innovation, Output: 404, Enabled: true})
	if err := AssignReachability(g); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected invariant error, got %v", err)
	}
}

func TestWeightsRoundTripFollowsReachableLayout(t *testing.T) {
	g, counter := twoInputOneOutput(t)
	ws := testWeights(5)
	out := g.Nodes[2].Innovation
	lstm := NewNode(counter.NextNode(), model.HiddenNode, model.LSTMNode, 0.5, ws)
	InsertNode(g, lstm)
	mustInsert(t, g, g.Nodes[0].Innovation, lstm.Innovation, ws, counter)
	mustInsert(t, g, lstm.Innovation, out, ws, counter)
	if _, err := AttemptRecurrentEdgeInsert(g, out, lstm.Innovation, ws, counter); err != nil {
		t.Fatalf("recurrent edge: %v", err)
	}
	if err := AssignReachability(g); err != nil {
		t.Fatalf("assign reachability: %v", err)
	}

	// lstm block + output bias + two edges + one recurrent edge
	want := model.LSTMWeightCount + 1 + 2 + 1
	if got := NumWeights(g); got != want {
		t.Fatalf("expected %d weights, got %d", want, got)
	}

	params := make([]float64, want)
	for i := range params {
		params[i] = float64(i) + 0.5
	}
	if err := SetWeights(g, params); err != nil {
		t.Fatalf("set weights: %v", err)
	}
	got := Weights(g)
	for i := range params {
		if got[i] != params[i] {
			t.Fatalf("weight %d: got %v want %v", i, got[i], params[i])
		}
	}
	if g.RecurrentEdges[0].Weight != params[want-1] {
		t.Fatalf("recurrent edge should hold the last weight, got %v", g.RecurrentEdges[0].Weight)
	}

	if err := SetWeights(g, params[:3]); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected length mismatch to be an invariant error, got %v", err)
	}
}

func TestParameterStats(t *testing.T) {
	mu, sigma, err := ParameterStats(nil)
	if err != nil || mu != 0 || sigma != 0.25 {
		t.Fatalf("empty stats: mu=%v sigma=%v err=%v", mu, sigma, err)
	}
	mu, sigma, err = ParameterStats([]float64{2, 4, 4, 4, 5, 5, 7, 9})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if mu != 5 {
		t.Fatalf("expected mu=5, got %v", mu)
	}
	if math.Abs(sigma-math.Sqrt(32.0/7.0)) > 1e-12 {
		t.Fatalf("expected sample std dev, got %v", sigma)
	}
	if _, _, err := ParameterStats([]float64{1, math.Inf(1)}); !errors.Is(err, ErrNonFinite) {
		t.Fatalf("expected non-finite error, got %v", err)
	}
}

func TestStructuralHashIgnoresWeightsAndDisabledStructure(t *testing.T) {
	g, counter := twoInputOneOutput(t)
	mustInsert(t, g, g.Nodes[0].Innovation, g.Nodes[2].Innovation, testWeights(6), counter)

	other := Clone(g)
	other.Edges[0].Weight += 1
	other.Nodes[2].Weights[0] -= 1
	if StructuralHash(g) != StructuralHash(other) || !Equals(g, other) {
		t.Fatal("weights must not change structural identity")
	}

	other.Edges = append(other.Edges, model.Edge{Innovation: 50, Input: g.Nodes[1].Innovation, Output: g.Nodes[2].Innovation})
	if !Equals(g, other) {
		t.Fatal("disabled edges must not change structural identity")
	}

	other.Edges[len(other.Edges)-1].Enabled = true
	if StructuralHash(g) == StructuralHash(other) || Equals(g, other) {
		t.Fatal("an extra enabled edge must change structural identity")
	}
}

func TestCloneIsDeep(t *testing.T) {
	g, counter := twoInputOneOutput(t)
	mustInsert(t, g, g.Nodes[0].Innovation, g.Nodes[2].Innovation, testWeights(7), counter)
	g.BestParameters = []float64{1, 2}
	g.GeneratedBy = map[string]int{"add_edge": 1}

	c := Clone(g)
	c.Nodes[2].Weights[0] = 42
	c.Edges[0].Enabled = false
	c.BestParameters[0] = 9
	c.GeneratedBy["add_edge"] = 5

	if g.Nodes[2].Weights[0] == 42 || !g.Edges[0].Enabled || g.BestParameters[0] != 1 || g.GeneratedBy["add_edge"] != 1 {
		t.Fatal("clone shares state with the original")
	}
}

func TestInsertKeepsDepthOrder(t *testing.T) {
	g, counter := twoInputOneOutput(t)
	ws := testWeights(8)
	for _, depth := range []float64{0.9, 0.1, 0.5, 0.5, 0.3} {
		InsertNode(g, NewNode(counter.NextNode(), model.HiddenNode, model.SimpleNode, depth, ws))
	}
	for i := 1; i < len(g.Nodes); i++ {
		if nodeLess(g.Nodes[i], g.Nodes[i-1]) {
			t.Fatalf("nodes out of order at %d: %+v before %+v", i, g.Nodes[i-1], g.Nodes[i])
		}
	}
	if err := Validate(g); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestValidateRejectsBrokenStructure(t *testing.T) {
	g, _ := twoInputOneOutput(t)
	bad := Clone(g)
	bad.Edges = append(bad.Edges, model.Edge{Innovation: 7, Input: bad.Nodes[0].Innovation, Output: bad.Nodes[1].Innovation, Enabled: true})
	if err := Validate(bad); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected equal-depth edge to fail validation, got %v", err)
	}

	bad = Clone(g)
	bad.Edges = append(bad.Edges, model.Edge{Innovation: 7, Input: bad.Nodes[2].Innovation, Output: bad.Nodes[0].Innovation, Enabled: true})
	if err := Validate(bad); !errors.Is(err, ErrInvariant) {
		t.Fatalf("expected backwards edge to fail validation, got %v", err)
	}
}

func TestInnovationCounterObserve(t *testing.T) {
	g, _ := twoInputOneOutput(t)
	g.Edges = append(g.Edges, model.Edge{Innovation: 40})
	c := NewInnovationCounter(g)
	if got := c.NextNode(); got != 4 {
		t.Fatalf("expected next node innovation 4, got %d", got)
	}
	if got := c.NextEdge(); got != 41 {
		t.Fatalf("expected next edge innovation 41, got %d", got)
	}
}

func mustInsert(t *testing.T, g *model.Genome, a, b int32, ws WeightSource, counter *InnovationCounter) {
	t.Helper()
	ok, err := AttemptEdgeInsert(g, a, b, ws, counter)
	if err != nil || !ok {
		t.Fatalf("insert edge %d->%d: ok=%t err=%v", a, b, ok, err)
	}
}

func assertReachabilityConsistent(t *testing.T, g *model.Genome) {
	t.Helper()
	for _, edges := range [][]model.Edge{g.Edges, g.RecurrentEdges} {
		for _, e := range edges {
			if !e.Reachable() {
				continue
			}
			in := g.Nodes[NodeIndex(g, e.Input)]
			out := g.Nodes[NodeIndex(g, e.Output)]
			if !in.ForwardReachable || !out.ForwardReachable {
				t.Fatalf("edge %d reachable but endpoints not forward reachable", e.Innovation)
			}
			if !in.BackwardReachable || !out.BackwardReachable {
				t.Fatalf("edge %d reachable but endpoints not backward reachable", e.Innovation)
			}
		}
	}
	for _, n := range g.Nodes {
		if n.Type == model.InputNode && n.Enabled && !n.ForwardReachable {
			t.Fatalf("enabled input %d not forward reachable", n.Innovation)
		}
	}
}
