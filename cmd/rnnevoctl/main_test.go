package main

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"rnnevo/internal/stats"
)

func TestRunRejectsUnknownCommand(t *testing.T) {
	err := run(context.Background(), []string{"bogus"})
	if err == nil || !strings.Contains(err.Error(), "unknown command: bogus") {
		t.Fatalf("expected unknown command error, got %v", err)
	}
	if !strings.Contains(err.Error(), "usage: rnnevoctl") {
		t.Fatalf("expected usage line, got %v", err)
	}
	if err := run(context.Background(), nil); err == nil {
		t.Fatal("expected missing command error")
	}
}

func TestSeedTrainShowExportImport(t *testing.T) {
	dir := t.TempDir()
	common := []string{"--store", "badger", "--db-path", filepath.Join(dir, "db"), "--runs-dir", filepath.Join(dir, "runs")}
	data := []string{"--series", "3", "--length", "16"}

	out, err := captureStdout(func() error {
		return run(context.Background(), append(append([]string{"seed"}, common...), append(data, "--seed", "3")...))
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	genomeID := field(t, out, "genome_id")
	if !strings.Contains(out, "inputs=2 outputs=1") {
		t.Fatalf("unexpected seed output: %s", out)
	}

	out, err = captureStdout(func() error {
		args := append(append([]string{"train", "--genome", genomeID, "--iterations", "5"}, common...), data...)
		return run(context.Background(), args)
	})
	if err != nil {
		t.Fatalf("train: %v", err)
	}
	if field(t, out, "iterations") != "5" {
		t.Fatalf("expected 5 iterations, got %s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), append([]string{"show", "--genome", genomeID}, common...))
	})
	if err != nil {
		t.Fatalf("show: %v", err)
	}
	if !strings.Contains(out, "history iterations=5") {
		t.Fatalf("expected history line, got %s", out)
	}

	path := filepath.Join(dir, "genome.txt")
	if _, err := captureStdout(func() error {
		return run(context.Background(), append([]string{"export", "--genome", genomeID, "--out", path}, common...))
	}); err != nil {
		t.Fatalf("export: %v", err)
	}

	other := []string{"--store", "badger", "--db-path", filepath.Join(dir, "other-db")}
	out, err = captureStdout(func() error {
		return run(context.Background(), append([]string{"import", "--in", path}, other...))
	})
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if field(t, out, "genome_id") != genomeID {
		t.Fatalf("imported genome id mismatch: %s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), append([]string{"genomes"}, other...))
	})
	if err != nil {
		t.Fatalf("genomes: %v", err)
	}
	if strings.TrimSpace(out) != genomeID {
		t.Fatalf("expected only %s, got %q", genomeID, out)
	}
}

func TestTrainRequiresGenome(t *testing.T) {
	err := run(context.Background(), []string{"train", "--store", "memory"})
	if err == nil || !strings.Contains(err.Error(), "--genome") {
		t.Fatalf("expected missing genome error, got %v", err)
	}
}

func TestEvolveWritesArtifactsAndIndex(t *testing.T) {
	dir := t.TempDir()
	runsDir := filepath.Join(dir, "runs")
	common := []string{"--store", "badger", "--db-path", filepath.Join(dir, "db"), "--runs-dir", runsDir}

	config := filepath.Join(dir, "evolve.yaml")
	yamlConfig := "run_id: cli-run\ngenomes: 40\nisland_size: 3\nseries: 3\nlength: 16\nhyperparameters:\n  iterations: 4\n"
	if err := os.WriteFile(config, []byte(yamlConfig), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	out, err := captureStdout(func() error {
		args := append([]string{"evolve", "--config", config, "--genomes", "5", "--seed", "9", "--progress"}, common...)
		return run(context.Background(), args)
	})
	if err != nil {
		t.Fatalf("evolve: %v", err)
	}
	if field(t, out, "run_id") != "cli-run" {
		t.Fatalf("expected configured run id, got %s", out)
	}
	if got := strings.Count(out, "genome index="); got != 5 {
		t.Fatalf("expected flag to override config genome count, got %d progress lines", got)
	}

	for _, file := range []string{"config.json", "fitness_history.json", "lineage.json", "fitness_series.csv"} {
		if _, err := os.Stat(filepath.Join(runsDir, "cli-run", file)); err != nil {
			t.Fatalf("expected artifact %s: %v", file, err)
		}
	}
	cfg, ok, err := stats.ReadRunConfig(runsDir, "cli-run")
	if err != nil || !ok {
		t.Fatalf("read run config: ok=%t err=%v", ok, err)
	}
	if cfg.Hyperparameters.Iterations != 4 || cfg.IslandSize != 3 || cfg.Seed != 9 {
		t.Fatalf("unexpected stored config: %+v", cfg)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), []string{"runs", "--runs-dir", runsDir})
	})
	if err != nil {
		t.Fatalf("runs: %v", err)
	}
	if field(t, out, "run_id") != "cli-run" {
		t.Fatalf("expected indexed run, got %s", out)
	}

	out, err = captureStdout(func() error {
		return run(context.Background(), append([]string{"lineage", "--latest"}, common...))
	})
	if err != nil {
		t.Fatalf("lineage: %v", err)
	}
	if strings.Count(out, "generation=") == 0 {
		t.Fatalf("expected lineage records, got %q", out)
	}

	exports := filepath.Join(dir, "exports")
	if _, err := captureStdout(func() error {
		return run(context.Background(), []string{"export-run", "--runs-dir", runsDir, "--latest", "--out", exports})
	}); err != nil {
		t.Fatalf("export-run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(exports, "cli-run", "config.json")); err != nil {
		t.Fatalf("expected exported config: %v", err)
	}
}

func TestEvolveRejectsBadWeights(t *testing.T) {
	err := run(context.Background(), []string{"evolve", "--store", "memory", "--weights", "add_edge"})
	if err == nil || !strings.Contains(err.Error(), "expected name=weight") {
		t.Fatalf("expected weight parse error, got %v", err)
	}
}

func TestResolveRunID(t *testing.T) {
	if _, err := resolveRunID(t.TempDir(), "a", true); err == nil {
		t.Fatal("expected conflict error")
	}
	if _, err := resolveRunID(t.TempDir(), "", false); err == nil {
		t.Fatal("expected missing run id error")
	}
	if _, err := resolveRunID(t.TempDir(), "", true); err == nil {
		t.Fatal("expected no runs error")
	}
	id, err := resolveRunID(t.TempDir(), "r1", false)
	if err != nil || id != "r1" {
		t.Fatalf("unexpected resolve result %q %v", id, err)
	}
}

func TestFormatCounts(t *testing.T) {
	if got := formatCounts(nil); got != "-" {
		t.Fatalf("expected placeholder, got %q", got)
	}
	if got := formatCounts(map[string]int{"split_edge": 2, "add_edge": 1}); got != "add_edge=1,split_edge=2" {
		t.Fatalf("unexpected counts %q", got)
	}
}

func field(t *testing.T, out, key string) string {
	t.Helper()
	for _, token := range strings.Fields(out) {
		if value, ok := strings.CutPrefix(token, key+"="); ok {
			return value
		}
	}
	t.Fatalf("field %s not found in %q", key, out)
	return ""
}

func captureStdout(fn func() error) (string, error) {
	origStdout := os.Stdout
	r, w, err := os.Pipe()
	if err != nil {
		return "", err
	}

	os.Stdout = w
	runErr := fn()
	_ = w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		_ = r.Close()
		return "", err
	}
	_ = r.Close()
	return buf.String(), runErr
}
