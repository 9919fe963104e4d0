package platform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"rnnevo/internal/evo"
	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
	"rnnevo/internal/series"
	"rnnevo/internal/storage"
	"rnnevo/internal/tuning"
)

const (
	defaultMutationsPerChild = 2
	maxMutationRetries       = 10
)

// WorkerConfig drives one island through a fixed number of generated
// genomes. Store is optional; without it nothing is persisted.
type WorkerConfig struct {
	RunID             string
	IslandID          int
	IslandSize        int
	Genomes           int
	MutationsPerChild int
	LSTMRate          float64
	Seed              int64
	Hyperparameters   model.Hyperparameters
	Stochastic        bool
	IterationPolicy   tuning.IterationPolicy
	MutationPolicy    []evo.WeightedMutation
	// StagnationLimit erases the island after this many consecutive genomes
	// without a new island best. Zero disables erasure.
	StagnationLimit int
	CheckpointEvery int
	Initial         *model.Genome
	Train           series.Dataset
	Validation      series.Dataset
	Store           storage.Store
	Logger          logrus.FieldLogger
	OnGenome        func(GenomeReport)
}

// GenomeReport describes one generated genome after its insert attempt.
type GenomeReport struct {
	Index       int
	GenomeID    string
	ParentID    string
	Fitness     float64
	Inserted    int
	Diverged    bool
	BestFitness float64
}

type WorkerResult struct {
	RunID            string
	BestByGeneration []float64
	Best             *model.Genome
	BestHistory      []model.IterationRecord
	Lineage          []model.LineageRecord
	Inserted         int
	Rejected         int
	Diverged         int
	Erasures         int
}

// Worker repeatedly mutates a member of its island, trains the child and
// offers it back to the island.
type Worker struct {
	cfg     WorkerConfig
	log     logrus.FieldLogger
	rng     *rand.Rand
	counter *genotype.InnovationCounter
	island  *evo.Island
	trainer *tuning.Trainer

	// champion survives island erasure and seeds repopulation.
	champion        *model.Genome
	championHistory []model.IterationRecord
	stagnant        int
	generation      int32
	result          WorkerResult
}

func NewWorker(cfg WorkerConfig) (*Worker, error) {
	if cfg.Train == nil || cfg.Train.Len() == 0 {
		return nil, fmt.Errorf("training data: %w", series.ErrEmptyDataset)
	}
	if cfg.Validation == nil || cfg.Validation.Len() == 0 {
		return nil, fmt.Errorf("validation data: %w", series.ErrEmptyDataset)
	}
	if cfg.Genomes <= 0 {
		return nil, fmt.Errorf("genome budget must be > 0, got %d", cfg.Genomes)
	}
	if cfg.LSTMRate < 0 || cfg.LSTMRate > 1 {
		return nil, fmt.Errorf("lstm rate must be in [0,1], got %v", cfg.LSTMRate)
	}
	if cfg.Hyperparameters == (model.Hyperparameters{}) {
		cfg.Hyperparameters = model.DefaultHyperparameters()
	}
	if cfg.Hyperparameters.Iterations <= 0 {
		return nil, fmt.Errorf("training iterations must be > 0, got %d", cfg.Hyperparameters.Iterations)
	}
	if cfg.MutationsPerChild <= 0 {
		cfg.MutationsPerChild = defaultMutationsPerChild
	}
	if cfg.IterationPolicy == nil {
		cfg.IterationPolicy = tuning.FixedIterationPolicy{}
	}
	if len(cfg.MutationPolicy) == 0 {
		cfg.MutationPolicy = evo.DefaultMutationPolicy()
	}
	if cfg.RunID == "" {
		cfg.RunID = fmt.Sprintf("island-%d-seed-%d", cfg.IslandID, cfg.Seed)
	}

	island, err := evo.NewIsland(cfg.IslandID, cfg.IslandSize)
	if err != nil {
		return nil, err
	}
	log := cfg.Logger
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	log = log.WithFields(logrus.Fields{"run": cfg.RunID, "island": cfg.IslandID})

	return &Worker{
		cfg:     cfg,
		log:     log,
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		island:  island,
		trainer: &tuning.Trainer{Logger: log, Stochastic: cfg.Stochastic},
		result:  WorkerResult{RunID: cfg.RunID},
	}, nil
}

func (w *Worker) Island() *evo.Island {
	return w.island
}

func (w *Worker) Run(ctx context.Context) (WorkerResult, error) {
	ctx, span := otel.Tracer("rnnevo/platform").Start(ctx, "platform.Worker.Run")
	defer span.End()
	span.SetAttributes(
		attribute.String("run.id", w.cfg.RunID),
		attribute.Int("island.id", w.cfg.IslandID),
		attribute.Int("genomes", w.cfg.Genomes),
	)

	res, err := w.run(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (w *Worker) run(ctx context.Context) (WorkerResult, error) {
	seed, err := w.seedGenome()
	if err != nil {
		return WorkerResult{}, err
	}
	w.counter = genotype.NewInnovationCounter(seed)

	for i := 0; i < w.cfg.Genomes; i++ {
		if err := ctx.Err(); err != nil {
			return w.result, err
		}
		if err := w.step(ctx, i, seed); err != nil {
			return w.result, err
		}
		if w.cfg.CheckpointEvery > 0 && (i+1)%w.cfg.CheckpointEvery == 0 {
			if err := w.checkpoint(ctx); err != nil {
				return w.result, err
			}
		}
	}
	if err := w.checkpoint(ctx); err != nil {
		return w.result, err
	}

	if w.champion != nil {
		w.result.Best = genotype.Clone(w.champion)
		w.result.BestHistory = w.championHistory
	}
	w.log.WithFields(logrus.Fields{
		"inserted": w.result.Inserted,
		"rejected": w.result.Rejected,
		"diverged": w.result.Diverged,
		"erasures": w.result.Erasures,
		"best":     w.island.BestFitness(),
	}).Info("worker finished")
	return w.result, nil
}

func (w *Worker) seedGenome() (*model.Genome, error) {
	if w.cfg.Initial != nil {
		seed := genotype.Clone(w.cfg.Initial)
		if err := genotype.Validate(seed); err != nil {
			return nil, fmt.Errorf("initial genome: %w", err)
		}
		inputs, outputs, err := series.Shape(w.cfg.Train)
		if err != nil {
			return nil, err
		}
		if genotype.InputCount(seed) != inputs || genotype.OutputCount(seed) != outputs {
			return nil, fmt.Errorf("initial genome has %d inputs and %d outputs, data has %d and %d",
				genotype.InputCount(seed), genotype.OutputCount(seed), inputs, outputs)
		}
		return seed, nil
	}

	inputs, outputs, err := series.Shape(w.cfg.Train)
	if err != nil {
		return nil, err
	}
	ws := genotype.WeightSource{Rand: w.rng, Sigma: 0.25}
	return genotype.NewSeedGenome(genotype.SeedConfig{
		Inputs:          inputs,
		Outputs:         outputs,
		Hyperparameters: w.cfg.Hyperparameters,
		Connect:         true,
	}, ws, genotype.NewInnovationCounter())
}

// step produces and evaluates one genome. The first genome of an empty
// island is the seed itself; later genomes mutate a random member, or the
// champion while an erased island repopulates.
func (w *Worker) step(ctx context.Context, index int, seed *model.Genome) error {
	var (
		child    *model.Genome
		parentID string
		err      error
	)
	switch {
	case w.island.Size() == 0 && w.champion == nil:
		child = genotype.Clone(seed)
		child.ID = genotype.NewGenomeID()
	case w.island.Size() == 0:
		parentID = w.champion.ID
		child, err = w.mutate(ctx, w.champion)
	default:
		var parent *model.Genome
		parent, err = w.island.CopyRandomGenome(w.rng)
		if err != nil {
			return err
		}
		parentID = parent.ID
		child, err = w.mutate(ctx, parent)
	}
	if err != nil {
		return err
	}

	w.generation++
	child.GenerationID = w.generation
	child.IslandID = w.cfg.IslandID
	base := w.cfg.Hyperparameters.Iterations
	child.Hyperparameters = w.cfg.Hyperparameters
	child.Hyperparameters.Iterations = w.cfg.IterationPolicy.Iterations(base, index, w.cfg.Genomes, child)

	report := GenomeReport{Index: index, GenomeID: child.ID, ParentID: parentID, Inserted: evo.Rejected}
	trained, err := w.trainer.Train(ctx, child, w.cfg.Train, w.cfg.Validation, w.rng)
	switch {
	case errors.Is(err, tuning.ErrNumericDivergence):
		w.result.Diverged++
		report.Diverged = true
		w.log.WithError(err).WithField("genome", child.ID).Warn("training diverged, genome dropped")
	case err != nil:
		return fmt.Errorf("train genome %s: %w", child.ID, err)
	default:
		report.Fitness = child.Fitness()
		if report.Inserted, err = w.insert(ctx, child, trained.History); err != nil {
			return err
		}
		w.result.Lineage = append(w.result.Lineage, model.LineageRecord{
			VersionedRecord: model.VersionedRecord{
				SchemaVersion: storage.CurrentSchemaVersion,
				CodecVersion:  storage.CurrentCodecVersion,
			},
			GenomeID:     child.ID,
			ParentID:     parentID,
			GenerationID: child.GenerationID,
			Operations:   child.GeneratedBy,
			Hash:         genotype.StructuralHash(child),
			Fitness:      child.Fitness(),
			Inserted:     report.Inserted,
		})
	}

	w.result.BestByGeneration = append(w.result.BestByGeneration, w.island.BestFitness())
	report.BestFitness = w.island.BestFitness()
	if w.cfg.OnGenome != nil {
		w.cfg.OnGenome(report)
	}
	w.maybeErase()
	return nil
}

func (w *Worker) mutate(ctx context.Context, parent *model.Genome) (*model.Genome, error) {
	m := &evo.Mutation{Rand: w.rng, LSTMRate: w.cfg.LSTMRate, Counter: w.counter}
	var lastErr error
	for attempt := 0; attempt < maxMutationRetries; attempt++ {
		child, err := evo.Mutate(ctx, parent, w.cfg.MutationsPerChild, m, w.cfg.MutationPolicy)
		if err == nil {
			return child, nil
		}
		if !errors.Is(err, evo.ErrOutputsUnreachable) && !errors.Is(err, evo.ErrNoMutationApplied) {
			return nil, fmt.Errorf("mutate %s: %w", parent.ID, err)
		}
		lastErr = err
	}
	return nil, fmt.Errorf("mutate %s: %d attempts failed: %w", parent.ID, maxMutationRetries, lastErr)
}

func (w *Worker) insert(ctx context.Context, g *model.Genome, history []model.IterationRecord) (int, error) {
	index, err := w.island.Insert(g)
	if err != nil {
		return evo.Rejected, err
	}
	fields := logrus.Fields{"genome": g.ID, "fitness": g.Fitness(), "index": index}
	if index == evo.Rejected {
		w.result.Rejected++
		w.log.WithFields(fields).Debug("genome rejected")
	} else {
		w.result.Inserted++
		w.log.WithFields(fields).Debug("genome inserted")
	}

	if w.champion == nil || g.Fitness() < w.champion.Fitness() {
		w.champion = genotype.Clone(g)
		w.championHistory = history
		w.stagnant = 0
	} else {
		w.stagnant++
	}

	if w.cfg.Store != nil && index != evo.Rejected {
		if err := w.cfg.Store.SaveGenome(ctx, g); err != nil {
			return index, fmt.Errorf("save genome %s: %w", g.ID, err)
		}
		if err := w.cfg.Store.SaveTrainingHistory(ctx, g.ID, history); err != nil {
			return index, fmt.Errorf("save history %s: %w", g.ID, err)
		}
	}
	return index, nil
}

func (w *Worker) maybeErase() {
	if w.cfg.StagnationLimit <= 0 || w.stagnant < w.cfg.StagnationLimit || !w.island.IsFull() {
		return
	}
	w.log.WithFields(logrus.Fields{
		"stagnant": w.stagnant,
		"best":     w.island.BestFitness(),
	}).Info("erasing stagnant island")
	w.island.EraseIsland()
	w.result.Erasures++
	w.stagnant = 0
}

func (w *Worker) checkpoint(ctx context.Context) error {
	if w.cfg.Store == nil {
		return nil
	}
	for _, g := range w.island.Genomes() {
		if err := w.cfg.Store.SaveGenome(ctx, g); err != nil {
			return fmt.Errorf("checkpoint genome %s: %w", g.ID, err)
		}
	}
	if w.champion != nil {
		if err := w.cfg.Store.SaveGenome(ctx, w.champion); err != nil {
			return fmt.Errorf("checkpoint champion: %w", err)
		}
	}
	if err := w.cfg.Store.SaveIsland(ctx, w.island.Snapshot()); err != nil {
		return fmt.Errorf("checkpoint island: %w", err)
	}
	if err := w.cfg.Store.SaveLineage(ctx, w.cfg.RunID, w.result.Lineage); err != nil {
		return fmt.Errorf("checkpoint lineage: %w", err)
	}
	return nil
}
