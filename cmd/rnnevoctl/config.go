package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"rnnevo/internal/model"
	"rnnevo/pkg/rnnevo"
)

const (
	envStore    = "RNNEVO_STORE"
	envDBPath   = "RNNEVO_DB_PATH"
	envLogLevel = "RNNEVO_LOG_LEVEL"
)

// evolveConfig is the file form of an evolve request. Keys missing from the
// file keep their defaults.
type evolveConfig struct {
	RunID             string                `json:"run_id" yaml:"run_id"`
	Dataset           string                `json:"dataset" yaml:"dataset"`
	CSVPaths          []string              `json:"csv_paths" yaml:"csv_paths"`
	InputColumns      []string              `json:"input_columns" yaml:"input_columns"`
	OutputColumns     []string              `json:"output_columns" yaml:"output_columns"`
	Lag               int                   `json:"lag" yaml:"lag"`
	Series            int                   `json:"series" yaml:"series"`
	Length            int                   `json:"length" yaml:"length"`
	ValidationSplit   float64               `json:"validation_split" yaml:"validation_split"`
	Normalize         bool                  `json:"normalize" yaml:"normalize"`
	IslandID          int                   `json:"island_id" yaml:"island_id"`
	IslandSize        int                   `json:"island_size" yaml:"island_size"`
	Genomes           int                   `json:"genomes" yaml:"genomes"`
	MutationsPerChild int                   `json:"mutations_per_child" yaml:"mutations_per_child"`
	LSTMRate          float64               `json:"lstm_rate" yaml:"lstm_rate"`
	Seed              int64                 `json:"seed" yaml:"seed"`
	Stochastic        bool                  `json:"stochastic" yaml:"stochastic"`
	IterationPolicy   string                `json:"iteration_policy" yaml:"iteration_policy"`
	IterationParam    float64               `json:"iteration_param" yaml:"iteration_param"`
	StagnationLimit   int                   `json:"stagnation_limit" yaml:"stagnation_limit"`
	CheckpointEvery   int                   `json:"checkpoint_every" yaml:"checkpoint_every"`
	InitialGenomeID   string                `json:"initial_genome_id" yaml:"initial_genome_id"`
	MutationWeights   map[string]float64    `json:"mutation_weights" yaml:"mutation_weights"`
	Plot              bool                  `json:"plot" yaml:"plot"`
	Hyperparameters   model.Hyperparameters `json:"hyperparameters" yaml:"hyperparameters"`
}

func defaultEvolveConfig() evolveConfig {
	return evolveConfig{
		Dataset:           "sine",
		Series:            6,
		Length:            64,
		ValidationSplit:   0.25,
		IslandSize:        10,
		Genomes:           50,
		MutationsPerChild: 2,
		LSTMRate:          0.5,
		Seed:              1,
		IterationPolicy:   "fixed",
		Hyperparameters:   model.DefaultHyperparameters(),
	}
}

func loadEvolveConfig(path string) (evolveConfig, error) {
	cfg := defaultEvolveConfig()
	data, err := os.ReadFile(path)
	if err != nil {
		return evolveConfig{}, err
	}

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &cfg)
	case ".json", "":
		err = json.Unmarshal(data, &cfg)
	default:
		return evolveConfig{}, fmt.Errorf("unsupported config format: %s", ext)
	}
	if err != nil {
		return evolveConfig{}, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}

func loadOrDefaultEvolveConfig(path string) (evolveConfig, error) {
	if path == "" {
		return defaultEvolveConfig(), nil
	}
	cfg, err := loadEvolveConfig(path)
	if err != nil {
		return evolveConfig{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// overrideFromFlags applies only the flags the user set explicitly, so a
// config file value survives an unset flag default.
func overrideFromFlags(cfg *evolveConfig, set map[string]bool, flagValue map[string]any) error {
	for name := range set {
		v, ok := flagValue[name]
		if !ok {
			continue
		}
		switch name {
		case "run-id":
			cfg.RunID = v.(string)
		case "dataset":
			cfg.Dataset = v.(string)
		case "csv":
			cfg.CSVPaths = splitList(v.(string))
		case "inputs":
			cfg.InputColumns = splitList(v.(string))
		case "outputs":
			cfg.OutputColumns = splitList(v.(string))
		case "lag":
			cfg.Lag = v.(int)
		case "series":
			cfg.Series = v.(int)
		case "length":
			cfg.Length = v.(int)
		case "validation-split":
			cfg.ValidationSplit = v.(float64)
		case "normalize":
			cfg.Normalize = v.(bool)
		case "island":
			cfg.IslandID = v.(int)
		case "island-size":
			cfg.IslandSize = v.(int)
		case "genomes":
			cfg.Genomes = v.(int)
		case "mutations":
			cfg.MutationsPerChild = v.(int)
		case "lstm-rate":
			cfg.LSTMRate = v.(float64)
		case "seed":
			cfg.Seed = v.(int64)
		case "stochastic":
			cfg.Stochastic = v.(bool)
		case "iteration-policy":
			cfg.IterationPolicy = v.(string)
		case "iteration-param":
			cfg.IterationParam = v.(float64)
		case "stagnation":
			cfg.StagnationLimit = v.(int)
		case "checkpoint-every":
			cfg.CheckpointEvery = v.(int)
		case "initial":
			cfg.InitialGenomeID = v.(string)
		case "weights":
			weights, err := parseMutationWeights(v.(string))
			if err != nil {
				return err
			}
			cfg.MutationWeights = weights
		case "plot":
			cfg.Plot = v.(bool)
		case "iterations":
			cfg.Hyperparameters.Iterations = v.(int)
		case "learning-rate":
			cfg.Hyperparameters.LearningRate = v.(float64)
		case "momentum":
			cfg.Hyperparameters.Momentum = v.(float64)
		default:
			return fmt.Errorf("unhandled flag override: %s", name)
		}
	}
	return nil
}

func (cfg evolveConfig) dataRequest() rnnevo.DataRequest {
	return rnnevo.DataRequest{
		Dataset:         cfg.Dataset,
		CSVPaths:        cfg.CSVPaths,
		InputColumns:    cfg.InputColumns,
		OutputColumns:   cfg.OutputColumns,
		Lag:             cfg.Lag,
		Series:          cfg.Series,
		Length:          cfg.Length,
		Seed:            cfg.Seed,
		ValidationSplit: cfg.ValidationSplit,
		Normalize:       cfg.Normalize,
	}
}

func (cfg evolveConfig) request() rnnevo.EvolveRequest {
	return rnnevo.EvolveRequest{
		RunID:             cfg.RunID,
		Data:              cfg.dataRequest(),
		IslandID:          cfg.IslandID,
		IslandSize:        cfg.IslandSize,
		Genomes:           cfg.Genomes,
		MutationsPerChild: cfg.MutationsPerChild,
		LSTMRate:          cfg.LSTMRate,
		Seed:              cfg.Seed,
		Hyperparameters:   cfg.Hyperparameters,
		Stochastic:        cfg.Stochastic,
		IterationPolicy:   cfg.IterationPolicy,
		IterationParam:    cfg.IterationParam,
		StagnationLimit:   cfg.StagnationLimit,
		CheckpointEvery:   cfg.CheckpointEvery,
		InitialGenomeID:   cfg.InitialGenomeID,
		MutationWeights:   cfg.MutationWeights,
		Plot:              cfg.Plot,
	}
}

// loadEnv reads a .env file from the working directory when one exists.
func loadEnv() error {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// newLogger writes colored text to a terminal and JSON lines otherwise.
func newLogger(level string, out io.Writer) (*logrus.Logger, error) {
	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(parsed)
	if f, ok := out.(*os.File); ok && (isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())) {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, ForceColors: true})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	return logger, nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
