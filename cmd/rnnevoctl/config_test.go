package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"rnnevo/internal/model"
)

func TestLoadEvolveConfigYAMLKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolve.yml")
	payload := `
run_id: from-yaml
dataset: delay
genomes: 12
mutation_weights:
  split_edge: 3
hyperparameters:
  iterations: 250
  dropout: true
`
	if err := os.WriteFile(path, []byte(payload), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadEvolveConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.RunID != "from-yaml" || cfg.Dataset != "delay" || cfg.Genomes != 12 {
		t.Fatalf("unexpected base fields: %+v", cfg)
	}
	if cfg.IslandSize != 10 || cfg.LSTMRate != 0.5 || cfg.Series != 6 {
		t.Fatalf("expected defaults for missing keys: %+v", cfg)
	}
	if cfg.MutationWeights["split_edge"] != 3 {
		t.Fatalf("unexpected mutation weights: %+v", cfg.MutationWeights)
	}

	want := model.DefaultHyperparameters()
	want.Iterations = 250
	want.Dropout = true
	if cfg.Hyperparameters != want {
		t.Fatalf("hyperparameters mismatch:\n got %+v\nwant %+v", cfg.Hyperparameters, want)
	}
}

func TestLoadEvolveConfigJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "evolve.json")
	data, err := json.Marshal(map[string]any{
		"dataset":          "csv",
		"csv_paths":        []string{"a.csv", "b.csv"},
		"input_columns":    []string{"x"},
		"output_columns":   []string{"y"},
		"lag":              2,
		"stochastic":       true,
		"iteration_policy": "linear_decay",
		"iteration_param":  10,
	})
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := loadEvolveConfig(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	req := cfg.request()
	if req.Data.Dataset != "csv" || len(req.Data.CSVPaths) != 2 || req.Data.Lag != 2 {
		t.Fatalf("unexpected data request: %+v", req.Data)
	}
	if !req.Stochastic || req.IterationPolicy != "linear_decay" || req.IterationParam != 10 {
		t.Fatalf("unexpected evolve request: %+v", req)
	}
}

func TestLoadEvolveConfigErrors(t *testing.T) {
	dir := t.TempDir()
	if _, err := loadEvolveConfig(filepath.Join(dir, "missing.json")); err == nil {
		t.Fatal("expected missing file error")
	}

	toml := filepath.Join(dir, "evolve.toml")
	if err := os.WriteFile(toml, []byte("genomes = 3"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadEvolveConfig(toml); err == nil || !strings.Contains(err.Error(), "unsupported config format") {
		t.Fatalf("expected format error, got %v", err)
	}

	bad := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(bad, []byte("{"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := loadEvolveConfig(bad); err == nil {
		t.Fatal("expected parse error")
	}

	cfg, err := loadOrDefaultEvolveConfig("")
	if err != nil {
		t.Fatalf("default config: %v", err)
	}
	if cfg.Dataset != "sine" || cfg.Genomes != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestOverrideFromFlagsOnlyAppliesSetFlags(t *testing.T) {
	cfg := defaultEvolveConfig()
	cfg.Genomes = 12
	values := map[string]any{
		"genomes":    50,
		"seed":       int64(42),
		"csv":        "a.csv, b.csv,",
		"iterations": 7,
		"weights":    "split_edge=2,add-recurrent=0",
	}
	set := map[string]bool{"seed": true, "csv": true, "iterations": true, "weights": true, "store": true}
	if err := overrideFromFlags(&cfg, set, values); err != nil {
		t.Fatalf("override: %v", err)
	}
	if cfg.Genomes != 12 {
		t.Fatalf("unset flag overwrote config: %d", cfg.Genomes)
	}
	if cfg.Seed != 42 || cfg.Hyperparameters.Iterations != 7 {
		t.Fatalf("set flags not applied: %+v", cfg)
	}
	if len(cfg.CSVPaths) != 2 || cfg.CSVPaths[1] != "b.csv" {
		t.Fatalf("unexpected csv paths: %v", cfg.CSVPaths)
	}
	if cfg.MutationWeights["split_edge"] != 2 || cfg.MutationWeights["add_recurrent_edge"] != 0 {
		t.Fatalf("unexpected weights: %v", cfg.MutationWeights)
	}
	if _, ok := cfg.MutationWeights["add_recurrent_edge"]; !ok {
		t.Fatal("zero weight should be kept to disable the operator")
	}
}

func TestEnvDefaultsStoreFlags(t *testing.T) {
	t.Setenv(envStore, "memory")
	t.Setenv(envDBPath, "")
	if got := envOr(envStore, defaultStore); got != "memory" {
		t.Fatalf("expected env store, got %s", got)
	}
	if got := envOr(envDBPath, defaultDBPath); got != defaultDBPath {
		t.Fatalf("expected fallback db path, got %s", got)
	}
	if err := loadEnv(); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}
}

func TestNewLoggerUsesJSONOffTerminal(t *testing.T) {
	var buf bytes.Buffer
	logger, err := newLogger("info", &buf)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	if _, ok := logger.Formatter.(*logrus.JSONFormatter); !ok {
		t.Fatalf("expected json formatter, got %T", logger.Formatter)
	}
	logger.WithField("genome", "g-1").Info("stored")
	if !strings.Contains(buf.String(), `"genome":"g-1"`) {
		t.Fatalf("unexpected log line: %s", buf.String())
	}
	logger.Debug("hidden")
	if strings.Contains(buf.String(), "hidden") {
		t.Fatal("debug line should be filtered at info level")
	}

	if _, err := newLogger("loud", &buf); err == nil {
		t.Fatal("expected invalid level error")
	}
}
