package rnnevo

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"rnnevo/internal/evo"
	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
	"rnnevo/internal/platform"
	"rnnevo/internal/series"
	"rnnevo/internal/stats"
	"rnnevo/internal/storage"
	"rnnevo/internal/tuning"
)

const (
	defaultStoreKind  = "badger"
	defaultDBPath     = "rnnevo.db"
	defaultRunsDir    = "runs"
	defaultExportsDir = "exports"

	defaultSeries          = 6
	defaultLength          = 64
	defaultValidationSplit = 0.25
	defaultIslandSize      = 10
	defaultGenomes         = 50
	defaultLSTMRate        = 0.5
)

type Options struct {
	StoreKind  string
	DBPath     string
	RunsDir    string
	ExportsDir string
	Logger     logrus.FieldLogger
}

// Client runs seeding, training and evolution against one store.
type Client struct {
	store storage.Store
	log   logrus.FieldLogger

	runsDir    string
	exportsDir string
}

// DataRequest selects a dataset. Dataset is "sine", "delay" or "csv"; the
// csv form needs CSVPaths and column names.
type DataRequest struct {
	Dataset         string
	CSVPaths        []string
	InputColumns    []string
	OutputColumns   []string
	Lag             int
	Series          int
	Length          int
	Seed            int64
	ValidationSplit float64
	Normalize       bool
}

type SeedRequest struct {
	Data            DataRequest
	Hyperparameters model.Hyperparameters
	Seed            int64
}

type GenomeSummary struct {
	GenomeID    string
	Fitness     float64
	Hash        string
	Inputs      int
	Outputs     int
	Topology    genotype.TopologySummary
	GeneratedBy map[string]int
	History     []model.IterationRecord

	Hyperparameters model.Hyperparameters
}

type TrainRequest struct {
	GenomeID string
	Data     DataRequest
	// Hyperparameters replaces the genome's own settings when non-nil.
	Hyperparameters *model.Hyperparameters
	Stochastic      bool
	Seed            int64
}

type TrainSummary struct {
	GenomeID            string
	Iterations          int
	Resets              int
	Converged           bool
	BestValidationError float64
	History             []model.IterationRecord
}

type EvolveRequest struct {
	RunID             string
	Data              DataRequest
	IslandID          int
	IslandSize        int
	Genomes           int
	MutationsPerChild int
	LSTMRate          float64
	Seed              int64
	Hyperparameters   model.Hyperparameters
	Stochastic        bool
	IterationPolicy   string
	IterationParam    float64
	StagnationLimit   int
	CheckpointEvery   int
	InitialGenomeID   string
	MutationWeights   map[string]float64
	Plot              bool
	OnGenome          func(platform.GenomeReport)
}

type RunSummary struct {
	RunID            string
	ArtifactsDir     string
	BestByGeneration []float64
	FinalBestFitness float64
	BestGenomeID     string
	Inserted         int
	Rejected         int
	Diverged         int
	Erasures         int
}

type ExportGenomeRequest struct {
	GenomeID string
	Path     string
	// Format is "text" (default) or "binary".
	Format string
}

type ImportGenomeRequest struct {
	Path   string
	Format string
}

type ExportRunRequest struct {
	RunID  string
	Latest bool
	OutDir string
}

type ExportSummary struct {
	RunID     string
	Directory string
}

func New(opts Options) (*Client, error) {
	storeKind := opts.StoreKind
	if storeKind == "" {
		storeKind = defaultStoreKind
	}
	dbPath := opts.DBPath
	if dbPath == "" && storeKind != "memory" {
		dbPath = defaultDBPath
	}
	runsDir := opts.RunsDir
	if runsDir == "" {
		runsDir = defaultRunsDir
	}
	exportsDir := opts.ExportsDir
	if exportsDir == "" {
		exportsDir = defaultExportsDir
	}
	log := opts.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}

	store, err := storage.NewStore(storeKind, dbPath)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:      store,
		log:        log,
		runsDir:    runsDir,
		exportsDir: exportsDir,
	}, nil
}

func (c *Client) Init(ctx context.Context) error {
	return c.store.Init(ctx)
}

func (c *Client) Close() error {
	return storage.CloseIfSupported(c.store)
}

// Seed builds and stores an untrained genome that connects every input of
// the dataset to every output.
func (c *Client) Seed(ctx context.Context, req SeedRequest) (GenomeSummary, error) {
	train, _, err := loadData(req.Data)
	if err != nil {
		return GenomeSummary{}, err
	}
	inputs, outputs, err := series.Shape(train)
	if err != nil {
		return GenomeSummary{}, err
	}
	hp := req.Hyperparameters
	if hp == (model.Hyperparameters{}) {
		hp = model.DefaultHyperparameters()
	}

	rng := rand.New(rand.NewSource(req.Seed))
	g, err := genotype.NewSeedGenome(genotype.SeedConfig{
		Inputs:          inputs,
		Outputs:         outputs,
		Hyperparameters: hp,
		Connect:         true,
	}, genotype.WeightSource{Rand: rng, Sigma: 0.25}, genotype.NewInnovationCounter())
	if err != nil {
		return GenomeSummary{}, err
	}
	genotype.InitializeRandomly(g, rng)
	if err := genotype.SetWeights(g, g.InitialParameters); err != nil {
		return GenomeSummary{}, err
	}
	if err := c.store.SaveGenome(ctx, g); err != nil {
		return GenomeSummary{}, err
	}
	c.log.WithFields(logrus.Fields{"genome": g.ID, "inputs": inputs, "outputs": outputs}).Info("seed genome stored")
	return summarize(g, nil), nil
}

func (c *Client) Train(ctx context.Context, req TrainRequest) (TrainSummary, error) {
	g, err := c.genome(ctx, req.GenomeID)
	if err != nil {
		return TrainSummary{}, err
	}
	train, validation, err := loadData(req.Data)
	if err != nil {
		return TrainSummary{}, err
	}
	if err := checkShape(g, train); err != nil {
		return TrainSummary{}, err
	}
	if req.Hyperparameters != nil {
		g.Hyperparameters = *req.Hyperparameters
	}

	trainer := &tuning.Trainer{Logger: c.log, Stochastic: req.Stochastic}
	res, err := trainer.Train(ctx, g, train, validation, rand.New(rand.NewSource(req.Seed)))
	if err != nil {
		return TrainSummary{}, err
	}
	if err := c.store.SaveGenome(ctx, g); err != nil {
		return TrainSummary{}, err
	}
	if err := c.store.SaveTrainingHistory(ctx, g.ID, res.History); err != nil {
		return TrainSummary{}, err
	}
	return TrainSummary{
		GenomeID:            g.ID,
		Iterations:          res.Iterations,
		Resets:              res.Resets,
		Converged:           res.Converged,
		BestValidationError: res.BestValidationError,
		History:             res.History,
	}, nil
}

// Evolve runs one island worker and writes the run's artifacts under the
// runs directory.
func (c *Client) Evolve(ctx context.Context, req EvolveRequest) (RunSummary, error) {
	train, validation, err := loadData(req.Data)
	if err != nil {
		return RunSummary{}, err
	}
	policy, err := tuning.IterationPolicyFromConfig(req.IterationPolicy, req.IterationParam)
	if err != nil {
		return RunSummary{}, err
	}
	mutations, err := mutationPolicy(req.MutationWeights)
	if err != nil {
		return RunSummary{}, err
	}
	if req.IslandSize <= 0 {
		req.IslandSize = defaultIslandSize
	}
	if req.Genomes <= 0 {
		req.Genomes = defaultGenomes
	}
	if req.LSTMRate == 0 {
		req.LSTMRate = defaultLSTMRate
	}
	if req.Hyperparameters == (model.Hyperparameters{}) {
		req.Hyperparameters = model.DefaultHyperparameters()
	}
	if req.RunID == "" {
		req.RunID = fmt.Sprintf("evo-%d-%d", req.Seed, time.Now().UTC().UnixNano())
	}

	var initial *model.Genome
	if req.InitialGenomeID != "" {
		if initial, err = c.genome(ctx, req.InitialGenomeID); err != nil {
			return RunSummary{}, err
		}
	}

	worker, err := platform.NewWorker(platform.WorkerConfig{
		RunID:             req.RunID,
		IslandID:          req.IslandID,
		IslandSize:        req.IslandSize,
		Genomes:           req.Genomes,
		MutationsPerChild: req.MutationsPerChild,
		LSTMRate:          req.LSTMRate,
		Seed:              req.Seed,
		Hyperparameters:   req.Hyperparameters,
		Stochastic:        req.Stochastic,
		IterationPolicy:   policy,
		MutationPolicy:    mutations,
		StagnationLimit:   req.StagnationLimit,
		CheckpointEvery:   req.CheckpointEvery,
		Initial:           initial,
		Train:             train,
		Validation:        validation,
		Store:             c.store,
		Logger:            c.log,
		OnGenome:          req.OnGenome,
	})
	if err != nil {
		return RunSummary{}, err
	}
	res, err := worker.Run(ctx)
	if err != nil {
		return RunSummary{}, err
	}

	summary := RunSummary{
		RunID:            res.RunID,
		BestByGeneration: res.BestByGeneration,
		FinalBestFitness: worker.Island().BestFitness(),
		Inserted:         res.Inserted,
		Rejected:         res.Rejected,
		Diverged:         res.Diverged,
		Erasures:         res.Erasures,
	}
	if res.Best != nil {
		summary.BestGenomeID = res.Best.ID
	}

	runDir, err := stats.WriteRunArtifacts(c.runsDir, stats.RunArtifacts{
		Config: stats.RunConfig{
			RunID:             res.RunID,
			Dataset:           datasetName(req.Data),
			CSVPaths:          req.Data.CSVPaths,
			ValidationSplit:   validationSplit(req.Data),
			Seed:              req.Seed,
			IslandID:          req.IslandID,
			IslandSize:        req.IslandSize,
			Generations:       req.Genomes,
			MutationsPerChild: req.MutationsPerChild,
			LSTMRate:          req.LSTMRate,
			Stochastic:        req.Stochastic,
			IterationPolicy:   policy.Name(),
			IterationParam:    req.IterationParam,
			Hyperparameters:   req.Hyperparameters,
		},
		BestByGeneration: res.BestByGeneration,
		FinalBestFitness: summary.FinalBestFitness,
		BestGenomeID:     summary.BestGenomeID,
		Lineage:          res.Lineage,
	})
	if err != nil {
		return RunSummary{}, err
	}
	summary.ArtifactsDir = runDir

	if res.Best != nil {
		if err := writeBestArtifacts(runDir, res, req.Plot); err != nil {
			return RunSummary{}, err
		}
	}
	if err := stats.AppendRunIndex(c.runsDir, stats.RunIndexEntry{
		RunID:            res.RunID,
		Dataset:          datasetName(req.Data),
		IslandSize:       req.IslandSize,
		Generations:      req.Genomes,
		Seed:             req.Seed,
		FinalBestFitness: summary.FinalBestFitness,
		BestGenomeID:     summary.BestGenomeID,
		CreatedAtUTC:     time.Now().UTC().Format(time.RFC3339Nano),
	}); err != nil {
		return RunSummary{}, err
	}
	return summary, nil
}

func (c *Client) Show(ctx context.Context, genomeID string) (GenomeSummary, error) {
	g, err := c.genome(ctx, genomeID)
	if err != nil {
		return GenomeSummary{}, err
	}
	history, _, err := c.store.GetTrainingHistory(ctx, genomeID)
	if err != nil {
		return GenomeSummary{}, err
	}
	return summarize(g, history), nil
}

func (c *Client) Genomes(ctx context.Context) ([]string, error) {
	return c.store.ListGenomeIDs(ctx)
}

func (c *Client) Runs(_ context.Context, limit int) ([]stats.RunIndexEntry, error) {
	entries, err := stats.ListRunIndex(c.runsDir)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

func (c *Client) Lineage(ctx context.Context, runID string) ([]model.LineageRecord, error) {
	lineage, ok, err := c.store.GetLineage(ctx, runID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("lineage not found for run: %s", runID)
	}
	return lineage, nil
}

func (c *Client) ExportGenome(ctx context.Context, req ExportGenomeRequest) error {
	if req.Path == "" {
		return errors.New("export path is required")
	}
	g, err := c.genome(ctx, req.GenomeID)
	if err != nil {
		return err
	}

	switch req.Format {
	case "", "text":
		f, err := os.Create(req.Path)
		if err != nil {
			return err
		}
		if err := storage.WriteGenomeText(f, g); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	case "binary":
		payload, err := storage.EncodeGenome(g)
		if err != nil {
			return err
		}
		return os.WriteFile(req.Path, payload, 0o644)
	default:
		return fmt.Errorf("unsupported genome format: %s", req.Format)
	}
}

// ImportGenome reads a genome file, recomputes its reachability and stores
// it under its own id.
func (c *Client) ImportGenome(ctx context.Context, req ImportGenomeRequest) (GenomeSummary, error) {
	var (
		g   *model.Genome
		err error
	)
	switch req.Format {
	case "", "text":
		f, openErr := os.Open(req.Path)
		if openErr != nil {
			return GenomeSummary{}, openErr
		}
		g, err = storage.ReadGenomeText(bufio.NewReader(f))
		f.Close()
	case "binary":
		payload, readErr := os.ReadFile(req.Path)
		if readErr != nil {
			return GenomeSummary{}, readErr
		}
		g, err = storage.DecodeGenome(payload)
	default:
		return GenomeSummary{}, fmt.Errorf("unsupported genome format: %s", req.Format)
	}
	if err != nil {
		return GenomeSummary{}, fmt.Errorf("import %s: %w", req.Path, err)
	}
	if err := genotype.Validate(g); err != nil {
		return GenomeSummary{}, fmt.Errorf("import %s: %w", req.Path, err)
	}
	if err := genotype.AssignReachability(g); err != nil {
		return GenomeSummary{}, fmt.Errorf("import %s: %w", req.Path, err)
	}
	if err := c.store.SaveGenome(ctx, g); err != nil {
		return GenomeSummary{}, err
	}
	return summarize(g, nil), nil
}

func (c *Client) ExportRun(_ context.Context, req ExportRunRequest) (ExportSummary, error) {
	if req.RunID != "" && req.Latest {
		return ExportSummary{}, errors.New("use either run id or latest")
	}
	if req.RunID == "" && !req.Latest {
		return ExportSummary{}, errors.New("export requires run id or latest")
	}
	if req.OutDir == "" {
		req.OutDir = c.exportsDir
	}

	runID := req.RunID
	if req.Latest {
		entries, err := stats.ListRunIndex(c.runsDir)
		if err != nil {
			return ExportSummary{}, err
		}
		if len(entries) == 0 {
			return ExportSummary{}, errors.New("no runs available to export")
		}
		runID = entries[0].RunID
	}

	exportedDir, err := stats.ExportRunArtifacts(c.runsDir, runID, req.OutDir)
	if err != nil {
		return ExportSummary{}, err
	}
	return ExportSummary{RunID: runID, Directory: filepath.Clean(exportedDir)}, nil
}

func (c *Client) genome(ctx context.Context, id string) (*model.Genome, error) {
	if id == "" {
		return nil, errors.New("genome id is required")
	}
	g, ok, err := c.store.GetGenome(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("genome not found: %s", id)
	}
	if err := genotype.AssignReachability(g); err != nil {
		return nil, err
	}
	return g, nil
}

func summarize(g *model.Genome, history []model.IterationRecord) GenomeSummary {
	return GenomeSummary{
		GenomeID:    g.ID,
		Fitness:     g.Fitness(),
		Hash:        genotype.StructuralHash(g),
		Inputs:      genotype.InputCount(g),
		Outputs:     genotype.OutputCount(g),
		Topology:    genotype.Summarize(g),
		GeneratedBy: g.GeneratedBy,
		History:     history,

		Hyperparameters: g.Hyperparameters,
	}
}

func writeBestArtifacts(runDir string, res platform.WorkerResult, plot bool) error {
	f, err := os.Create(filepath.Join(runDir, "best_genome.txt"))
	if err != nil {
		return err
	}
	if err := storage.WriteGenomeText(f, res.Best); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	if len(res.BestHistory) > 0 {
		f, err := os.Create(filepath.Join(runDir, "best_history.csv"))
		if err != nil {
			return err
		}
		if err := stats.WriteHistoryCSV(f, res.BestHistory); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	if !plot {
		return nil
	}
	if err := stats.WriteFitnessPlot(filepath.Join(runDir, "fitness.png"), res.RunID, res.BestByGeneration); err != nil {
		return err
	}
	if len(res.BestHistory) > 0 {
		return stats.WriteLossPlot(filepath.Join(runDir, "best_loss.png"), res.Best.ID, res.BestHistory)
	}
	return nil
}

func mutationPolicy(weights map[string]float64) ([]evo.WeightedMutation, error) {
	policy := evo.DefaultMutationPolicy()
	if len(weights) == 0 {
		return policy, nil
	}
	known := make(map[string]int, len(policy))
	for i, item := range policy {
		known[item.Operator.Name()] = i
	}
	for name, weight := range weights {
		i, ok := known[name]
		if !ok {
			return nil, fmt.Errorf("unknown mutation operator: %s", name)
		}
		if weight < 0 {
			return nil, fmt.Errorf("mutation weight for %s must be >= 0", name)
		}
		policy[i].Weight = weight
	}
	return policy, nil
}

func checkShape(g *model.Genome, ds series.Dataset) error {
	inputs, outputs, err := series.Shape(ds)
	if err != nil {
		return err
	}
	if genotype.InputCount(g) != inputs || genotype.OutputCount(g) != outputs {
		return fmt.Errorf("genome %s has %d inputs and %d outputs, data has %d and %d",
			g.ID, genotype.InputCount(g), genotype.OutputCount(g), inputs, outputs)
	}
	return nil
}

func datasetName(req DataRequest) string {
	if req.Dataset == "" {
		return "sine"
	}
	return req.Dataset
}

func validationSplit(req DataRequest) float64 {
	if req.ValidationSplit <= 0 {
		return defaultValidationSplit
	}
	return req.ValidationSplit
}

func loadData(req DataRequest) (train, validation series.Dataset, err error) {
	var ds *series.InMemory
	switch name := datasetName(req); name {
	case "csv":
		ds, err = series.LoadCSV(series.CSVConfig{
			InputColumns:  req.InputColumns,
			OutputColumns: req.OutputColumns,
			Lag:           req.Lag,
		}, req.CSVPaths...)
	default:
		n, length := req.Series, req.Length
		if n <= 0 {
			n = defaultSeries
		}
		if length <= 0 {
			length = defaultLength
		}
		ds, err = series.Synthetic(name, n, length, req.Seed)
	}
	if err != nil {
		return nil, nil, err
	}

	train, validation, err = series.Split(ds, validationSplit(req))
	if err != nil {
		return nil, nil, err
	}
	if !req.Normalize {
		return train, validation, nil
	}
	bounds, err := series.MinMaxBounds(train)
	if err != nil {
		return nil, nil, err
	}
	if train, err = series.Normalize(train, bounds); err != nil {
		return nil, nil, err
	}
	if validation, err = series.Normalize(validation, bounds); err != nil {
		return nil, nil, err
	}
	return train, validation, nil
}
