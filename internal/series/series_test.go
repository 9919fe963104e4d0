package series

import (
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewInMemoryValidatesShapes(t *testing.T) {
	if _, err := NewInMemory(nil, nil); err != ErrEmptyDataset {
		t.Fatalf("expected ErrEmptyDataset, got %v", err)
	}
	_, err := NewInMemory(
		[][][]float64{{{1}, {2}}},
		[][][]float64{{{1}}},
	)
	if err == nil {
		t.Fatal("expected length mismatch error")
	}
	_, err = NewInMemory(
		[][][]float64{{{1}, {2, 3}}},
		[][][]float64{{{1}, {2}}},
	)
	if err == nil {
		t.Fatal("expected ragged shape error")
	}
	_, err = NewInMemory(
		[][][]float64{{{math.NaN()}}},
		[][][]float64{{{1}}},
	)
	if err == nil {
		t.Fatal("expected non-finite error")
	}
}

func TestSplitHoldsOutTrailingSeries(t *testing.T) {
	ds, err := Sine(SineConfig{Series: 5, Length: 8, Seed: 1})
	if err != nil {
		t.Fatalf("sine: %v", err)
	}
	train, validation, err := Split(ds, 0.3)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if train.Len() != 3 || validation.Len() != 2 {
		t.Fatalf("got train=%d validation=%d, want 3/2", train.Len(), validation.Len())
	}
	wantIn, _ := ds.Series(3)
	gotIn, _ := validation.Series(0)
	if &wantIn[0][0] != &gotIn[0][0] {
		t.Fatal("validation should view the trailing series")
	}
	if _, _, err := Split(ds, 1); err == nil {
		t.Fatal("expected fraction error")
	}
}

func TestSineTargetsLeadInputsByOneStep(t *testing.T) {
	ds, err := Sine(SineConfig{Series: 2, Length: 10, Frequency: 0.3, Seed: 4})
	if err != nil {
		t.Fatalf("sine: %v", err)
	}
	in, out := ds.Series(1)
	for step := 0; step < len(in)-1; step++ {
		if math.Abs(out[step][0]-in[step+1][0]) > 1e-12 {
			t.Fatalf("step %d: target %v, next input %v", step, out[step][0], in[step+1][0])
		}
	}
	again, _ := Sine(SineConfig{Series: 2, Length: 10, Frequency: 0.3, Seed: 4})
	againIn, _ := again.Series(1)
	if againIn[3][0] != in[3][0] {
		t.Fatal("same seed produced different series")
	}
}

func TestDelayRepeatsEarlierInput(t *testing.T) {
	ds, err := Delay(DelayConfig{Series: 1, Length: 6, Delay: 2, Seed: 3})
	if err != nil {
		t.Fatalf("delay: %v", err)
	}
	in, out := ds.Series(0)
	if out[0][0] != 0 || out[1][0] != 0 {
		t.Fatalf("expected zero padding, got %v %v", out[0][0], out[1][0])
	}
	for step := 2; step < 6; step++ {
		if out[step][0] != in[step-2][0] {
			t.Fatalf("step %d: got %v want %v", step, out[step][0], in[step-2][0])
		}
	}
	if _, err := Synthetic("unknown", 1, 4, 0); err == nil {
		t.Fatal("expected unsupported dataset error")
	}
}

func TestReadCSVShiftsOutputsByLag(t *testing.T) {
	data := "time, a, b, y\n0, 1, 2, 10\n1, 3, 4, 20\n2, 5, 6, 30\n"
	in, out, err := ReadCSV(strings.NewReader(data), CSVConfig{
		InputColumns:  []string{"a", "b"},
		OutputColumns: []string{"y"},
		Lag:           1,
	})
	if err != nil {
		t.Fatalf("read csv: %v", err)
	}
	if len(in) != 2 || len(out) != 2 {
		t.Fatalf("got %d input and %d output steps, want 2", len(in), len(out))
	}
	if in[1][0] != 3 || in[1][1] != 4 || out[0][0] != 20 || out[1][0] != 30 {
		t.Fatalf("unexpected rows in=%v out=%v", in, out)
	}

	if _, _, err := ReadCSV(strings.NewReader(data), CSVConfig{InputColumns: []string{"z"}, OutputColumns: []string{"y"}}); err == nil {
		t.Fatal("expected missing column error")
	}
}

func TestLoadCSVOneSeriesPerFile(t *testing.T) {
	dir := t.TempDir()
	var paths []string
	for i, body := range []string{"x,y\n1,2\n2,3\n3,4\n", "x,y\n5,6\n6,7\n"} {
		path := filepath.Join(dir, "series"+string(rune('a'+i))+".csv")
		if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
			t.Fatalf("write csv: %v", err)
		}
		paths = append(paths, path)
	}
	ds, err := LoadCSV(CSVConfig{InputColumns: []string{"x"}, OutputColumns: []string{"y"}}, paths...)
	if err != nil {
		t.Fatalf("load csv: %v", err)
	}
	if ds.Len() != 2 || ds.NumInputs() != 1 || ds.NumOutputs() != 1 {
		t.Fatalf("unexpected dataset shape len=%d in=%d out=%d", ds.Len(), ds.NumInputs(), ds.NumOutputs())
	}
	in, _ := ds.Series(1)
	if len(in) != 2 || in[1][0] != 6 {
		t.Fatalf("unexpected second series %v", in)
	}
}

func TestNormalizeMapsIntoUnitRange(t *testing.T) {
	ds, err := NewInMemory(
		[][][]float64{{{2, 5}, {4, 5}}, {{6, 5}}},
		[][][]float64{{{-1}, {1}}, {{0}}},
	)
	if err != nil {
		t.Fatalf("new dataset: %v", err)
	}
	b, err := MinMaxBounds(ds)
	if err != nil {
		t.Fatalf("bounds: %v", err)
	}
	if b.InputMin[0] != 2 || b.InputMax[0] != 6 || b.OutputMin[0] != -1 || b.OutputMax[0] != 1 {
		t.Fatalf("unexpected bounds %+v", b)
	}
	norm, err := Normalize(ds, b)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	in, out := norm.Series(0)
	if in[1][0] != 0.5 || in[1][1] != 0 || out[0][0] != 0 || out[1][0] != 1 {
		t.Fatalf("unexpected normalized values in=%v out=%v", in, out)
	}
}
