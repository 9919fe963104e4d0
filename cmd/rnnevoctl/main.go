package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"rnnevo/internal/platform"
	"rnnevo/internal/stats"
	"rnnevo/pkg/rnnevo"
)

const (
	defaultStore    = "badger"
	defaultDBPath   = "rnnevo.db"
	defaultRunsDir  = "runs"
	defaultExports  = "exports"
	defaultLogLevel = "warning"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return usageError("missing command")
	}
	if err := loadEnv(); err != nil {
		return err
	}

	switch args[0] {
	case "init":
		return runInit(ctx, args[1:])
	case "seed":
		return runSeed(ctx, args[1:])
	case "train":
		return runTrain(ctx, args[1:])
	case "evolve":
		return runEvolve(ctx, args[1:])
	case "show":
		return runShow(ctx, args[1:])
	case "genomes":
		return runGenomes(ctx, args[1:])
	case "runs":
		return runRuns(ctx, args[1:])
	case "lineage":
		return runLineage(ctx, args[1:])
	case "export":
		return runExport(ctx, args[1:])
	case "import":
		return runImport(ctx, args[1:])
	case "export-run":
		return runExportRun(ctx, args[1:])
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

type storeFlags struct {
	store    *string
	dbPath   *string
	runsDir  *string
	logLevel *string
}

func addStoreFlags(fs *flag.FlagSet) *storeFlags {
	return &storeFlags{
		store:    fs.String("store", envOr(envStore, defaultStore), "store backend: memory|badger|sqlite"),
		dbPath:   fs.String("db-path", envOr(envDBPath, defaultDBPath), "database path for badger or sqlite"),
		runsDir:  fs.String("runs-dir", defaultRunsDir, "directory for run artifacts"),
		logLevel: fs.String("log-level", envOr(envLogLevel, defaultLogLevel), "log level: debug|info|warning|error"),
	}
}

func (f *storeFlags) open(ctx context.Context) (*rnnevo.Client, *logrus.Logger, error) {
	logger, err := newLogger(*f.logLevel, os.Stderr)
	if err != nil {
		return nil, nil, err
	}
	client, err := rnnevo.New(rnnevo.Options{
		StoreKind:  *f.store,
		DBPath:     *f.dbPath,
		RunsDir:    *f.runsDir,
		ExportsDir: defaultExports,
		Logger:     logger,
	})
	if err != nil {
		return nil, nil, err
	}
	if err := client.Init(ctx); err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, logger, nil
}

type dataFlags struct {
	dataset   *string
	csv       *string
	inputs    *string
	outputs   *string
	lag       *int
	series    *int
	length    *int
	split     *float64
	normalize *bool
}

func addDataFlags(fs *flag.FlagSet) *dataFlags {
	def := defaultEvolveConfig()
	return &dataFlags{
		dataset:   fs.String("dataset", def.Dataset, "dataset: sine|delay|csv"),
		csv:       fs.String("csv", "", "comma-separated csv files, one series each"),
		inputs:    fs.String("inputs", "", "comma-separated input columns for csv data"),
		outputs:   fs.String("outputs", "", "comma-separated output columns for csv data"),
		lag:       fs.Int("lag", 0, "time steps between inputs and their targets in csv data"),
		series:    fs.Int("series", def.Series, "number of synthetic series"),
		length:    fs.Int("length", def.Length, "time steps per synthetic series"),
		split:     fs.Float64("validation-split", def.ValidationSplit, "fraction of series held out for validation"),
		normalize: fs.Bool("normalize", false, "min-max normalize using training bounds"),
	}
}

func (f *dataFlags) values() map[string]any {
	return map[string]any{
		"dataset":          *f.dataset,
		"csv":              *f.csv,
		"inputs":           *f.inputs,
		"outputs":          *f.outputs,
		"lag":              *f.lag,
		"series":           *f.series,
		"length":           *f.length,
		"validation-split": *f.split,
		"normalize":        *f.normalize,
	}
}

func visited(fs *flag.FlagSet) map[string]bool {
	set := make(map[string]bool)
	fs.Visit(func(f *flag.Flag) {
		set[f.Name] = true
	})
	return set
}

func runInit(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	common := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	fmt.Printf("initialized store=%s\n", *common.store)
	return nil
}

func runSeed(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("seed", flag.ContinueOnError)
	common := addStoreFlags(fs)
	data := addDataFlags(fs)
	seed := fs.Int64("seed", 1, "rng seed for data and weights")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg := defaultEvolveConfig()
	values := data.values()
	values["seed"] = *seed
	if err := overrideFromFlags(&cfg, visited(fs), values); err != nil {
		return err
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Seed(ctx, rnnevo.SeedRequest{
		Data:            cfg.dataRequest(),
		Hyperparameters: cfg.Hyperparameters,
		Seed:            cfg.Seed,
	})
	if err != nil {
		return err
	}
	fmt.Printf("seeded genome_id=%s inputs=%d outputs=%d weights=%s hash=%s\n",
		summary.GenomeID, summary.Inputs, summary.Outputs,
		humanize.Comma(int64(summary.Topology.Weights)), summary.Hash)
	return nil
}

func runTrain(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("train", flag.ContinueOnError)
	common := addStoreFlags(fs)
	data := addDataFlags(fs)
	genomeID := fs.String("genome", "", "genome id to train")
	seed := fs.Int64("seed", 1, "rng seed for data and training")
	iterations := fs.Int("iterations", 0, "override the genome's iteration count")
	learningRate := fs.Float64("learning-rate", 0, "override the genome's learning rate")
	momentum := fs.Float64("momentum", 0, "override the genome's momentum")
	stochastic := fs.Bool("stochastic", false, "update after every series instead of the full batch")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *genomeID == "" {
		return errors.New("train requires --genome")
	}

	set := visited(fs)
	cfg := defaultEvolveConfig()
	values := data.values()
	values["seed"] = *seed
	values["iterations"] = *iterations
	values["learning-rate"] = *learningRate
	values["momentum"] = *momentum
	if err := overrideFromFlags(&cfg, set, values); err != nil {
		return err
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	req := rnnevo.TrainRequest{
		GenomeID:   *genomeID,
		Data:       cfg.dataRequest(),
		Stochastic: *stochastic,
		Seed:       cfg.Seed,
	}
	if set["iterations"] || set["learning-rate"] || set["momentum"] {
		current, err := client.Show(ctx, *genomeID)
		if err != nil {
			return err
		}
		hp := current.Hyperparameters
		if set["iterations"] {
			hp.Iterations = cfg.Hyperparameters.Iterations
		}
		if set["learning-rate"] {
			hp.LearningRate = cfg.Hyperparameters.LearningRate
		}
		if set["momentum"] {
			hp.Momentum = cfg.Hyperparameters.Momentum
		}
		req.Hyperparameters = &hp
	}

	summary, err := client.Train(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("trained genome_id=%s iterations=%s resets=%d converged=%t best_validation=%.6g\n",
		summary.GenomeID, humanize.Comma(int64(summary.Iterations)), summary.Resets,
		summary.Converged, summary.BestValidationError)
	return nil
}

func runEvolve(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("evolve", flag.ContinueOnError)
	common := addStoreFlags(fs)
	data := addDataFlags(fs)
	def := defaultEvolveConfig()
	configPath := fs.String("config", "", "optional evolve config file (.json, .yaml)")
	runID := fs.String("run-id", "", "optional explicit run id")
	islandID := fs.Int("island", def.IslandID, "island id")
	islandSize := fs.Int("island-size", def.IslandSize, "maximum genomes kept on the island")
	genomes := fs.Int("genomes", def.Genomes, "genomes to generate and train")
	mutations := fs.Int("mutations", def.MutationsPerChild, "mutations applied per child")
	lstmRate := fs.Float64("lstm-rate", def.LSTMRate, "probability that a new node is an LSTM cell")
	seed := fs.Int64("seed", def.Seed, "rng seed")
	stochastic := fs.Bool("stochastic", false, "update after every series instead of the full batch")
	iterationPolicy := fs.String("iteration-policy", def.IterationPolicy, "training length policy: fixed|linear_decay|weight_scaled")
	iterationParam := fs.Float64("iteration-param", 0, "iteration policy parameter")
	iterations := fs.Int("iterations", def.Hyperparameters.Iterations, "base training iterations per genome")
	learningRate := fs.Float64("learning-rate", def.Hyperparameters.LearningRate, "learning rate")
	momentum := fs.Float64("momentum", def.Hyperparameters.Momentum, "momentum")
	stagnation := fs.Int("stagnation", 0, "erase the island after this many genomes without improvement (0 disables)")
	checkpointEvery := fs.Int("checkpoint-every", 0, "checkpoint the island every n genomes (0 disables)")
	initial := fs.String("initial", "", "stored genome id to evolve from")
	weights := fs.String("weights", "", "mutation weights as name=weight pairs, e.g. add_edge=2,split_node=0.5")
	plot := fs.Bool("plot", false, "write fitness and loss plots")
	progress := fs.Bool("progress", false, "print one line per evaluated genome")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := loadOrDefaultEvolveConfig(*configPath)
	if err != nil {
		return err
	}
	values := data.values()
	for name, v := range map[string]any{
		"run-id":           *runID,
		"island":           *islandID,
		"island-size":      *islandSize,
		"genomes":          *genomes,
		"mutations":        *mutations,
		"lstm-rate":        *lstmRate,
		"seed":             *seed,
		"stochastic":       *stochastic,
		"iteration-policy": *iterationPolicy,
		"iteration-param":  *iterationParam,
		"iterations":       *iterations,
		"learning-rate":    *learningRate,
		"momentum":         *momentum,
		"stagnation":       *stagnation,
		"checkpoint-every": *checkpointEvery,
		"initial":          *initial,
		"weights":          *weights,
		"plot":             *plot,
	} {
		values[name] = v
	}
	if err := overrideFromFlags(&cfg, visited(fs), values); err != nil {
		return err
	}
	if cfg.Genomes <= 0 {
		return errors.New("genomes must be > 0")
	}
	if cfg.IslandSize <= 0 {
		return errors.New("island-size must be > 0")
	}

	client, logger, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	req := cfg.request()
	if *progress {
		req.OnGenome = func(r platform.GenomeReport) {
			fmt.Printf("genome index=%d genome_id=%s fitness=%.6g inserted=%d diverged=%t best=%.6g\n",
				r.Index, r.GenomeID, r.Fitness, r.Inserted, r.Diverged, r.BestFitness)
		}
	}
	logger.WithFields(logrus.Fields{
		"dataset": cfg.Dataset,
		"genomes": cfg.Genomes,
		"island":  cfg.IslandID,
		"seed":    cfg.Seed,
	}).Info("starting evolution")

	summary, err := client.Evolve(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("evolved run_id=%s genomes=%s inserted=%d rejected=%d diverged=%d erasures=%d best_fitness=%.6g best_genome=%s artifacts=%s\n",
		summary.RunID, humanize.Comma(int64(cfg.Genomes)), summary.Inserted, summary.Rejected,
		summary.Diverged, summary.Erasures, summary.FinalBestFitness, summary.BestGenomeID, summary.ArtifactsDir)
	return nil
}

func runShow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("show", flag.ContinueOnError)
	common := addStoreFlags(fs)
	genomeID := fs.String("genome", "", "genome id")
	jsonOut := fs.Bool("json", false, "emit genome summary as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *genomeID == "" {
		return errors.New("show requires --genome")
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.Show(ctx, *genomeID)
	if err != nil {
		return err
	}
	if *jsonOut {
		return printJSON(summary)
	}

	t := summary.Topology
	fmt.Printf("genome_id=%s fitness=%.6g hash=%s inputs=%d outputs=%d nodes=%d edges=%d recurrent_edges=%d reachable=%d weights=%s\n",
		summary.GenomeID, summary.Fitness, summary.Hash, summary.Inputs, summary.Outputs,
		t.Nodes, t.Edges, t.RecurrentEdges, t.Reachable, humanize.Comma(int64(t.Weights)))
	fmt.Printf("kinds %s\n", formatCounts(t.Kinds))
	fmt.Printf("generated_by %s\n", formatCounts(summary.GeneratedBy))
	if len(summary.History) > 0 {
		h, err := stats.SummarizeHistory(summary.History)
		if err != nil {
			return err
		}
		fmt.Printf("history iterations=%s rollbacks=%d high_norm=%d low_norm=%d first_mse=%.6g final_mse=%.6g best_validation=%.6g mean_lr=%.4g max_norm=%.4g\n",
			humanize.Comma(int64(h.Iterations)), h.Rollbacks, h.HighNormClips, h.LowNormBoosts,
			h.FirstTrainingMSE, h.FinalTrainingMSE, h.BestValidation, h.MeanLearningRate, h.MaxNorm)
	}
	return nil
}

func runGenomes(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("genomes", flag.ContinueOnError)
	common := addStoreFlags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	ids, err := client.Genomes(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("no genomes found")
		return nil
	}
	for _, id := range ids {
		fmt.Println(id)
	}
	return nil
}

func runRuns(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	runsDir := fs.String("runs-dir", defaultRunsDir, "directory for run artifacts")
	limit := fs.Int("limit", 20, "max runs to list")
	jsonOut := fs.Bool("json", false, "emit runs list as JSON")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}

	entries, err := stats.ListRunIndex(*runsDir)
	if err != nil {
		return err
	}
	if len(entries) > *limit {
		entries = entries[:*limit]
	}
	if *jsonOut {
		return printJSON(entries)
	}
	if len(entries) == 0 {
		fmt.Println("no runs found")
		return nil
	}
	for _, e := range entries {
		fmt.Printf("run_id=%s created_at=%s dataset=%s seed=%d island_size=%d genomes=%s best_fitness=%.6g best_genome=%s\n",
			e.RunID, e.CreatedAtUTC, e.Dataset, e.Seed, e.IslandSize,
			humanize.Comma(int64(e.Generations)), e.FinalBestFitness, e.BestGenomeID)
	}
	return nil
}

func runLineage(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("lineage", flag.ContinueOnError)
	common := addStoreFlags(fs)
	runID := fs.String("run-id", "", "run id")
	latest := fs.Bool("latest", false, "use the most recent run")
	limit := fs.Int("limit", 50, "max lineage records to print")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *limit <= 0 {
		return errors.New("limit must be > 0")
	}
	id, err := resolveRunID(*common.runsDir, *runID, *latest)
	if err != nil {
		return err
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	records, err := client.Lineage(ctx, id)
	if err != nil {
		return err
	}
	if len(records) > *limit {
		records = records[:*limit]
	}
	for _, r := range records {
		fmt.Printf("generation=%d genome_id=%s parent_id=%s fitness=%.6g inserted=%d hash=%s ops=%s\n",
			r.GenerationID, r.GenomeID, r.ParentID, r.Fitness, r.Inserted, r.Hash, formatCounts(r.Operations))
	}
	return nil
}

func runExport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	common := addStoreFlags(fs)
	genomeID := fs.String("genome", "", "genome id")
	out := fs.String("out", "", "output file")
	format := fs.String("format", "text", "genome format: text|binary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *genomeID == "" || *out == "" {
		return errors.New("export requires --genome and --out")
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.ExportGenome(ctx, rnnevo.ExportGenomeRequest{GenomeID: *genomeID, Path: *out, Format: *format}); err != nil {
		return err
	}
	info, err := os.Stat(*out)
	if err != nil {
		return err
	}
	fmt.Printf("exported genome_id=%s format=%s path=%s size=%s\n", *genomeID, *format, *out, humanize.Bytes(uint64(info.Size())))
	return nil
}

func runImport(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	common := addStoreFlags(fs)
	in := fs.String("in", "", "genome file to import")
	format := fs.String("format", "text", "genome format: text|binary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *in == "" {
		return errors.New("import requires --in")
	}

	client, _, err := common.open(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	summary, err := client.ImportGenome(ctx, rnnevo.ImportGenomeRequest{Path: *in, Format: *format})
	if err != nil {
		return err
	}
	fmt.Printf("imported genome_id=%s fitness=%.6g hash=%s\n", summary.GenomeID, summary.Fitness, summary.Hash)
	return nil
}

func runExportRun(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("export-run", flag.ContinueOnError)
	runsDir := fs.String("runs-dir", defaultRunsDir, "directory for run artifacts")
	runID := fs.String("run-id", "", "run id to export")
	latest := fs.Bool("latest", false, "export the most recent run")
	out := fs.String("out", defaultExports, "export output directory")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client, err := rnnevo.New(rnnevo.Options{StoreKind: "memory", RunsDir: *runsDir, ExportsDir: *out})
	if err != nil {
		return err
	}
	defer client.Close()

	exported, err := client.ExportRun(ctx, rnnevo.ExportRunRequest{RunID: *runID, Latest: *latest, OutDir: *out})
	if err != nil {
		return err
	}
	fmt.Printf("exported run_id=%s dir=%s\n", exported.RunID, exported.Directory)
	return nil
}

func resolveRunID(runsDir, runID string, latest bool) (string, error) {
	if runID != "" && latest {
		return "", errors.New("use either --run-id or --latest")
	}
	if runID != "" {
		return runID, nil
	}
	if !latest {
		return "", errors.New("requires --run-id or --latest")
	}
	entries, err := stats.ListRunIndex(runsDir)
	if err != nil {
		return "", err
	}
	if len(entries) == 0 {
		return "", errors.New("no runs available")
	}
	return entries[0].RunID, nil
}

func formatCounts(counts map[string]int) string {
	if len(counts) == 0 {
		return "-"
	}
	names := make([]string, 0, len(counts))
	for name := range counts {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		parts = append(parts, fmt.Sprintf("%s=%d", name, counts[name]))
	}
	return strings.Join(parts, ",")
}

func printJSON(value any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(value)
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: rnnevoctl <init|seed|train|evolve|show|genomes|runs|lineage|export|import|export-run> [flags]", msg)
}
