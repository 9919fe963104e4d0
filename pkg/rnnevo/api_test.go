package rnnevo

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rnnevo/internal/model"
)

func newTestClient(t *testing.T, storeKind string) (*Client, string) {
	t.Helper()
	base := t.TempDir()
	client, err := New(Options{
		StoreKind:  storeKind,
		DBPath:     filepath.Join(base, "db"),
		RunsDir:    filepath.Join(base, "runs"),
		ExportsDir: filepath.Join(base, "exports"),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	if err := client.Init(context.Background()); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client, base
}

func smallData() DataRequest {
	return DataRequest{Dataset: "sine", Series: 4, Length: 20, Seed: 2}
}

func quickHyperparameters() model.Hyperparameters {
	hp := model.DefaultHyperparameters()
	hp.Iterations = 5
	hp.LearningRate = 0.01
	return hp
}

func TestClientSeedTrainShow(t *testing.T) {
	ctx := context.Background()
	client, _ := newTestClient(t, "memory")

	seed, err := client.Seed(ctx, SeedRequest{Data: smallData(), Hyperparameters: quickHyperparameters(), Seed: 1})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	if seed.Inputs != 2 || seed.Outputs != 1 || seed.Fitness != model.MaxFitness {
		t.Fatalf("unexpected seed summary: %+v", seed)
	}

	trained, err := client.Train(ctx, TrainRequest{GenomeID: seed.GenomeID, Data: smallData(), Seed: 3})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if trained.Iterations == 0 || len(trained.History) == 0 {
		t.Fatalf("expected training progress: %+v", trained)
	}

	shown, err := client.Show(ctx, seed.GenomeID)
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if shown.Fitness != trained.BestValidationError {
		t.Fatalf("stored fitness %v, trained %v", shown.Fitness, trained.BestValidationError)
	}
	if len(shown.History) != len(trained.History) {
		t.Fatalf("stored history has %d records, want %d", len(shown.History), len(trained.History))
	}
	if shown.Hash != seed.Hash {
		t.Fatal("training changed the structure")
	}

	if _, err := client.Show(ctx, "missing"); err == nil {
		t.Fatal("expected missing genome error")
	}
	delay := smallData()
	delay.Dataset = "delay"
	if _, err := client.Train(ctx, TrainRequest{GenomeID: seed.GenomeID, Data: delay}); err == nil {
		t.Fatal("expected shape mismatch for the delay task")
	}
}

func TestClientEvolveWritesArtifacts(t *testing.T) {
	ctx := context.Background()
	client, base := newTestClient(t, "badger")

	summary, err := client.Evolve(ctx, EvolveRequest{
		RunID:           "run-1",
		Data:            smallData(),
		IslandSize:      3,
		Genomes:         6,
		Seed:            7,
		Hyperparameters: quickHyperparameters(),
		Plot:            true,
	})
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if len(summary.BestByGeneration) != 6 || summary.BestGenomeID == "" {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	for _, file := range []string{"config.json", "fitness_history.json", "lineage.json", "fitness_series.csv", "best_genome.txt", "best_history.csv", "fitness.png", "best_loss.png"} {
		if _, err := os.Stat(filepath.Join(summary.ArtifactsDir, file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}

	runs, err := client.Runs(ctx, 5)
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if len(runs) != 1 || runs[0].RunID != "run-1" {
		t.Fatalf("unexpected runs: %+v", runs)
	}
	lineage, err := client.Lineage(ctx, "run-1")
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if len(lineage) != 6-summary.Diverged {
		t.Fatalf("lineage has %d records", len(lineage))
	}
	if _, err := client.Show(ctx, summary.BestGenomeID); err != nil {
		t.Fatalf("best genome not stored: %v", err)
	}

	exported, err := client.ExportRun(ctx, ExportRunRequest{Latest: true})
	if err != nil {
		t.Fatalf("export run: %v", err)
	}
	if exported.RunID != "run-1" || !strings.HasPrefix(exported.Directory, filepath.Join(base, "exports")) {
		t.Fatalf("unexpected export: %+v", exported)
	}
	if _, err := client.ExportRun(ctx, ExportRunRequest{RunID: "run-1", Latest: true}); err == nil {
		t.Fatal("expected error for run id with latest")
	}
}

func TestClientGenomeExportImport(t *testing.T) {
	ctx := context.Background()
	source, base := newTestClient(t, "memory")
	seed, err := source.Seed(ctx, SeedRequest{Data: smallData(), Hyperparameters: quickHyperparameters(), Seed: 1})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}

	for _, format := range []string{"text", "binary"} {
		path := filepath.Join(base, "genome."+format)
		if err := source.ExportGenome(ctx, ExportGenomeRequest{GenomeID: seed.GenomeID, Path: path, Format: format}); err != nil {
			t.Fatalf("%s export: %v", format, err)
		}

		target, _ := newTestClient(t, "memory")
		imported, err := target.ImportGenome(ctx, ImportGenomeRequest{Path: path, Format: format})
		if err != nil {
			t.Fatalf("%s import: %v", format, err)
		}
		if imported.GenomeID != seed.GenomeID || imported.Hash != seed.Hash || imported.Topology.Weights != seed.Topology.Weights {
			t.Fatalf("%s import mismatch: %+v vs %+v", format, imported, seed)
		}
	}

	if err := source.ExportGenome(ctx, ExportGenomeRequest{GenomeID: seed.GenomeID, Path: filepath.Join(base, "x"), Format: "xml"}); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestMutationPolicyOverrides(t *testing.T) {
	policy, err := mutationPolicy(map[string]float64{"add_edge": 3, "disable_node": 0})
	if err != nil {
		t.Fatalf("mutation policy: %v", err)
	}
	for _, item := range policy {
		switch item.Operator.Name() {
		case "add_edge":
			if item.Weight != 3 {
				t.Fatalf("add_edge weight %v", item.Weight)
			}
		case "disable_node":
			if item.Weight != 0 {
				t.Fatalf("disable_node weight %v", item.Weight)
			}
		default:
			if item.Weight != 1 {
				t.Fatalf("%s weight %v", item.Operator.Name(), item.Weight)
			}
		}
	}
	if _, err := mutationPolicy(map[string]float64{"teleport": 1}); err == nil {
		t.Fatal("expected unknown operator error")
	}
}
