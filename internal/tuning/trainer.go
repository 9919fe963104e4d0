package tuning

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc/iter"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gonum.org/v1/gonum/floats"

	"rnnevo/internal/genotype"
	"rnnevo/internal/model"
	"rnnevo/internal/nn"
	"rnnevo/internal/series"
)

var ErrNumericDivergence = errors.New("numeric divergence during training")

const (
	maxResets       = 20
	minLearningRate = 1e-7
	maxLearningRate = 1.0
	weightClamp     = 10.0

	batchRollbackFactor      = 1.25
	stochasticRollbackFactor = 2.0
	lowNormWorseFactor       = 1.05
	adaptiveGrowth           = 1.10
	resetPenaltyBase         = 5.0
)

// Result summarizes one training run.
type Result struct {
	// Converged is false when training stopped after too many rollbacks.
	Converged           bool
	Iterations          int
	Resets              int
	BestValidationError float64
	History             []model.IterationRecord
}

// Trainer optimizes the weights of a genome by backpropagation through
// time. Full-batch mode evaluates every training series in parallel each
// iteration; stochastic mode updates after each series in shuffled order.
type Trainer struct {
	Logger      logrus.FieldLogger
	Stochastic  bool
	Network     nn.Options
	OnIteration func(model.IterationRecord)
}

func (t *Trainer) Name() string {
	if t.Stochastic {
		return "stochastic_backprop"
	}
	return "batch_backprop"
}

func (t *Trainer) logger() logrus.FieldLogger {
	if t.Logger != nil {
		return t.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Train runs the genome's hyperparameters against train, tracking the
// weights with the lowest validation error. On success the genome's best
// parameters, fitness and node and edge weights hold that snapshot. A
// failed run leaves the best parameters and fitness untouched.
func (t *Trainer) Train(ctx context.Context, g *model.Genome, train, validation series.Dataset, rng *rand.Rand) (Result, error) {
	ctx, span := otel.Tracer("rnnevo/tuning").Start(ctx, "tuning.Train",
		trace.WithAttributes(
			attribute.String("genome.id", g.ID),
			attribute.Bool("stochastic", t.Stochastic),
		))
	defer span.End()

	res, err := t.train(ctx, g, train, validation, rng)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return res, err
	}
	span.SetAttributes(
		attribute.Int("iterations", res.Iterations),
		attribute.Int("resets", res.Resets),
		attribute.Float64("best_validation", res.BestValidationError),
	)
	return res, nil
}

func (t *Trainer) train(ctx context.Context, g *model.Genome, train, validation series.Dataset, rng *rand.Rand) (Result, error) {
	if rng == nil {
		return Result{}, errors.New("random source is required")
	}
	if train == nil || train.Len() == 0 {
		return Result{}, fmt.Errorf("training data: %w", series.ErrEmptyDataset)
	}
	if validation == nil || validation.Len() == 0 {
		return Result{}, fmt.Errorf("validation data: %w", series.ErrEmptyDataset)
	}
	if err := genotype.AssignReachability(g); err != nil {
		return Result{}, err
	}
	if len(g.InitialParameters) != genotype.NumWeights(g) {
		genotype.InitializeRandomly(g, rng)
	}

	s, err := t.newSession(g, train, validation, rng)
	if err != nil {
		return Result{}, err
	}
	if t.Stochastic {
		err = s.runStochastic(ctx)
	} else {
		err = s.runBatch(ctx)
	}
	if err != nil {
		return s.result, err
	}

	if err := genotype.SetWeights(g, s.best); err != nil {
		return s.result, err
	}
	g.BestParameters = s.best
	g.BestValidationError = s.bestValidation
	s.result.BestValidationError = s.bestValidation

	t.logger().WithFields(logrus.Fields{
		"genome":          g.ID,
		"mode":            t.Name(),
		"iterations":      s.result.Iterations,
		"resets":          s.result.Resets,
		"converged":       s.result.Converged,
		"best_validation": s.bestValidation,
	}).Info("training finished")
	return s.result, nil
}

// session holds the state of one training run.
type session struct {
	trainer    *Trainer
	log        logrus.FieldLogger
	hp         model.Hyperparameters
	rng        *rand.Rand
	train      series.Dataset
	validation series.Dataset
	runs       []*nn.Network
	validRuns  []*nn.Network

	params         []float64
	best           []float64
	bestValidation float64
	result         Result
}

func (t *Trainer) newSession(g *model.Genome, train, validation series.Dataset, rng *rand.Rand) (*session, error) {
	s := &session{
		trainer:        t,
		log:            t.logger().WithField("genome", g.ID),
		hp:             g.Hyperparameters,
		rng:            rng,
		train:          train,
		validation:     validation,
		params:         append([]float64(nil), g.InitialParameters...),
		bestValidation: model.MaxFitness,
		result:         Result{Converged: true},
	}
	var err error
	if s.runs, err = newRuns(g, train.Len(), t.Network); err != nil {
		return nil, err
	}
	if s.validRuns, err = newRuns(g, validation.Len(), t.Network); err != nil {
		return nil, err
	}
	s.best = append([]float64(nil), s.params...)
	return s, nil
}

func newRuns(g *model.Genome, n int, opts nn.Options) ([]*nn.Network, error) {
	runs := make([]*nn.Network, n)
	for i := range runs {
		net, err := nn.New(g, opts)
		if err != nil {
			return nil, err
		}
		runs[i] = net
	}
	return runs, nil
}

type seriesResult struct {
	mse  float64
	grad []float64
	err  error
}

func (s *session) trainingPass() nn.Pass {
	pass := nn.Pass{Training: true, Dropout: s.hp.Dropout, Probability: s.hp.DropoutProbability}
	if s.hp.Dropout {
		pass.Seed = s.rng.Int63()
	}
	return pass
}

func (s *session) inferencePass() nn.Pass {
	return nn.Pass{Dropout: s.hp.Dropout, Probability: s.hp.DropoutProbability}
}

// batchGradient pools the loss of every training series and returns it with
// the summed gradient.
func (s *session) batchGradient(params []float64) (float64, []float64, error) {
	indices := make([]int, len(s.runs))
	passes := make([]nn.Pass, len(s.runs))
	for i := range indices {
		indices[i] = i
		passes[i] = s.trainingPass()
	}
	return pooledGradient(s.runs, s.train, indices, params, passes)
}

func (s *session) seriesGradient(i int, params []float64) (float64, []float64, error) {
	return pooledGradient(s.runs, s.train, []int{i}, params, []nn.Pass{s.trainingPass()})
}

type seriesJob struct {
	series int
	pass   nn.Pass
}

// pooledGradient runs the forward pass of the selected series in parallel and
// sums their MSEs after the join. Each backward pass is then seeded with the
// pooled loss derivative pooled·2/T, T being that series' length, so every
// series' gradient scales with the loss of the whole selection. Gradients
// are summed in selection order, so results do not depend on scheduling.
func pooledGradient(runs []*nn.Network, ds series.Dataset, indices []int, params []float64, passes []nn.Pass) (float64, []float64, error) {
	jobs := make([]seriesJob, len(indices))
	for k, i := range indices {
		jobs[k] = seriesJob{series: i, pass: passes[k]}
	}
	mapper := iter.Mapper[seriesJob, seriesResult]{MaxGoroutines: len(jobs)}

	forward := mapper.Map(jobs, func(j *seriesJob) seriesResult {
		inputs, targets := ds.Series(j.series)
		mse, err := runs[j.series].Evaluate(params, inputs, targets, j.pass)
		return seriesResult{mse: mse, err: err}
	})
	pooled := 0.0
	for k, r := range forward {
		if r.err != nil {
			return 0, nil, fmt.Errorf("series %d: %w", jobs[k].series, r.err)
		}
		pooled += r.mse
	}
	if math.IsNaN(pooled) || math.IsInf(pooled, 0) {
		return 0, nil, fmt.Errorf("%w: pooled loss", nn.ErrNonFinite)
	}

	backward := mapper.Map(jobs, func(j *seriesJob) seriesResult {
		_, targets := ds.Series(j.series)
		run := runs[j.series]
		grad, err := run.SeededGradient(targets, pooled*2/float64(run.Steps()))
		return seriesResult{grad: grad, err: err}
	})
	total := make([]float64, len(params))
	for k, r := range backward {
		if r.err != nil {
			return 0, nil, fmt.Errorf("series %d: %w", jobs[k].series, r.err)
		}
		floats.Add(total, r.grad)
	}
	return pooled, total, nil
}

// meanMSE is the average inference MSE of params over ds.
func meanMSE(runs []*nn.Network, ds series.Dataset, params []float64, pass nn.Pass) (float64, error) {
	indices := make([]int, ds.Len())
	for i := range indices {
		indices[i] = i
	}
	mapper := iter.Mapper[int, seriesResult]{MaxGoroutines: len(runs)}
	results := mapper.Map(indices, func(i *int) seriesResult {
		inputs, targets := ds.Series(*i)
		mse, err := runs[*i].Evaluate(params, inputs, targets, pass)
		return seriesResult{mse: mse, err: err}
	})
	total := 0.0
	for i, r := range results {
		if r.err != nil {
			return 0, fmt.Errorf("series %d: %w", i, r.err)
		}
		total += r.mse
	}
	return total / float64(len(results)), nil
}

func (s *session) validate() (float64, error) {
	mse, err := meanMSE(s.validRuns, s.validation, s.params, s.inferencePass())
	if err != nil {
		return 0, err
	}
	if mse < s.bestValidation {
		s.bestValidation = mse
		copy(s.best, s.params)
	}
	return mse, nil
}

func (s *session) diverged(iteration int, err error) error {
	if errors.Is(err, nn.ErrNonFinite) || errors.Is(err, genotype.ErrNonFinite) {
		s.log.WithFields(logrus.Fields{"iteration": iteration, "error": err}).Error("training diverged")
		return fmt.Errorf("%w at iteration %d: %w", ErrNumericDivergence, iteration, err)
	}
	return err
}

func (s *session) record(rec model.IterationRecord) {
	s.result.History = append(s.result.History, rec)
	if s.trainer.OnIteration != nil {
		s.trainer.OnIteration(rec)
	}
	s.log.WithFields(logrus.Fields{
		"iteration":      rec.Iteration,
		"training_mse":   rec.TrainingMSE,
		"validation_mse": rec.ValidationMSE,
		"best":           rec.BestValidation,
		"lr":             rec.LearningRate,
		"norm":           rec.Norm,
		"resets":         rec.ResetCount,
	}).Debug("iteration")
}

// applyNormPolicy rescales grad in place and returns the adjusted learning
// rate together with a label for the adjustment made.
func applyNormPolicy(hp model.Hyperparameters, grad []float64, norm, high, low, lr, prevMSE, mse float64) (float64, string) {
	switch {
	case hp.HighNorm && norm > high:
		floats.Scale(high/norm, grad)
		if hp.AdaptLearningRate {
			lr = math.Max(lr*0.5, minLearningRate)
		}
		return lr, "high"
	case hp.LowNorm && norm < low && norm > 0:
		floats.Scale(low/norm, grad)
		if hp.AdaptLearningRate && prevMSE*lowNormWorseFactor < mse {
			lr = math.Max(lr*0.5, minLearningRate)
		}
		return lr, "low"
	default:
		return lr, ""
	}
}

// batchScale returns the starting learning rate and the norm thresholds of
// a full batch over n series. The rate is divided by n and both thresholds
// grow with sqrt(n).
func batchScale(hp model.Hyperparameters, n int) (lr, high, low float64) {
	size := float64(n)
	return hp.LearningRate / size, hp.HighThreshold * math.Sqrt(size), hp.LowThreshold * math.Sqrt(size)
}

// rateSchedule is the learning-rate and rollback state of the full-batch
// loop.
type rateSchedule struct {
	adapt    bool
	original float64
	lr       float64
	resets   float64
	wasReset bool
}

// rollback restores the rate of the step being undone and counts a reset.
func (r *rateSchedule) rollback(prevLR float64) {
	r.lr = prevLR
	r.resets++
	r.wasReset = true
}

// accept updates the rate for an iteration that was kept and returns the
// gradient penalty 5^-resets. Outside the step right after a rollback the
// reset count decays by 0.1 and an adaptive rate returns to its original
// value; an adaptive rate then grows by 10% while the loss falls, up to
// maxLearningRate.
func (r *rateSchedule) accept(prevMSE, mse float64) float64 {
	if r.wasReset {
		r.wasReset = false
	} else {
		r.resets = math.Max(r.resets-0.1, 0)
		if r.adapt {
			r.lr = r.original
		}
	}
	if r.adapt && prevMSE > mse {
		r.lr = math.Min(r.lr*adaptiveGrowth, maxLearningRate)
	}
	if r.resets > 0 {
		return math.Pow(resetPenaltyBase, -r.resets)
	}
	return 1
}

func (s *session) runBatch(ctx context.Context) error {
	hp := s.hp
	lr, high, low := batchScale(hp, s.train.Len())
	sched := &rateSchedule{adapt: hp.AdaptLearningRate, original: lr, lr: lr}
	mu := hp.Momentum

	prevParams := append([]float64(nil), s.params...)
	prevVelocity := make([]float64, len(s.params))

	mse, grad, err := s.batchGradient(s.params)
	if err != nil {
		return s.diverged(0, err)
	}
	if _, err := s.validate(); err != nil {
		return s.diverged(0, err)
	}
	norm := floats.Norm(grad, 2)

	for iteration := 0; iteration < hp.Iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		prevMu, prevNorm, prevMSE, prevLR := mu, norm, mse, sched.lr
		prevGrad := grad

		mse, grad, err = s.batchGradient(s.params)
		if err != nil {
			return s.diverged(iteration, err)
		}
		validationMSE, err := s.validate()
		if err != nil {
			return s.diverged(iteration, err)
		}
		norm = floats.Norm(grad, 2)
		s.result.Iterations = iteration + 1

		rec := model.IterationRecord{
			Iteration:     iteration,
			TrainingMSE:   mse,
			ValidationMSE: validationMSE,
			Norm:          norm,
		}

		if hp.ResetWeights && prevMSE*batchRollbackFactor < mse {
			copy(s.params, prevParams)
			clear(prevVelocity)
			mse, mu, grad, norm = prevMSE, prevMu, prevGrad, prevNorm
			sched.rollback(prevLR)
			s.result.Resets++

			rec.RolledBack = true
			rec.LearningRate = sched.lr
			rec.ResetCount = sched.resets
			rec.BestValidation = s.bestValidation
			s.record(rec)
			if sched.resets > maxResets {
				s.result.Converged = false
				s.log.WithField("resets", s.result.Resets).Warn("too many rollbacks, stopping")
				return nil
			}
			continue
		}

		penalty := sched.accept(prevMSE, mse)
		sched.lr, rec.NormAdjustment = applyNormPolicy(hp, grad, norm, high, low, sched.lr, prevMSE, mse)
		if penalty != 1 {
			floats.Scale(penalty, grad)
		}

		copy(prevParams, s.params)
		if hp.NesterovMomentum {
			NesterovStep(s.params, prevVelocity, prevMu, mu, prevLR, prevGrad)
		} else {
			DescentStep(s.params, sched.lr, grad)
		}
		if !genotype.AllFinite(s.params) {
			return s.diverged(iteration, fmt.Errorf("%w: parameters after update", genotype.ErrNonFinite))
		}

		rec.LearningRate = sched.lr
		rec.ResetCount = sched.resets
		rec.BestValidation = s.bestValidation
		s.record(rec)
	}
	return nil
}

func (s *session) runStochastic(ctx context.Context) error {
	hp := s.hp
	n := s.train.Len()
	lr := hp.LearningRate
	originalLR := lr
	mu := hp.Momentum

	prevParams := append([]float64(nil), s.params...)
	prevVelocity := make([]float64, len(s.params))
	prevMu := make([]float64, n)
	prevNorm := make([]float64, n)
	prevMSE := make([]float64, n)
	prevLR := make([]float64, n)

	var (
		mse  float64
		grad []float64
		norm float64
	)
	for i := 0; i < n; i++ {
		m, g, err := s.seriesGradient(i, s.params)
		if err != nil {
			return s.diverged(0, err)
		}
		prevMu[i], prevNorm[i], prevMSE[i], prevLR[i] = mu, floats.Norm(g, 2), m, lr
		if i == 0 {
			mse, grad, norm = m, g, prevNorm[i]
		}
	}
	if _, err := s.validate(); err != nil {
		return s.diverged(0, err)
	}

	order := make([]int, n)
	for i := range order {
		order[i] = i
	}
	resets := 0
	wasReset := false
	for iteration := 0; iteration < hp.Iterations; iteration++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.rng.Shuffle(n, func(a, b int) { order[a], order[b] = order[b], order[a] })

		adjustment := ""
		for k := 0; k < n; k++ {
			sel := order[k]
			prevMu[sel], prevNorm[sel], prevMSE[sel], prevLR[sel] = mu, norm, mse, lr
			prevGrad := grad

			var err error
			mse, grad, err = s.seriesGradient(sel, s.params)
			if err != nil {
				return s.diverged(iteration, err)
			}
			norm = floats.Norm(grad, 2)

			if hp.ResetWeights && prevMSE[sel]*stochasticRollbackFactor < mse {
				copy(s.params, prevParams)
				clear(prevVelocity)
				mse, grad, norm = prevMSE[sel], prevGrad, prevNorm[sel]
				lr = math.Max(prevLR[sel]*0.5, minLearningRate)
				resets++
				s.result.Resets++
				wasReset = true
				if resets > maxResets {
					s.result.Converged = false
					s.result.Iterations = iteration + 1
					s.log.WithField("resets", s.result.Resets).Warn("too many rollbacks, stopping")
					return nil
				}
				// retry the same slot from the restored weights
				k--
				continue
			}

			if wasReset {
				wasReset = false
			} else {
				resets = 0
				lr = originalLR
			}
			if hp.AdaptLearningRate && prevMSE[sel] > mse {
				lr = math.Min(lr*adaptiveGrowth, maxLearningRate)
			}
			lr, adjustment = applyNormPolicy(hp, grad, norm, hp.HighThreshold, hp.LowThreshold, lr, prevMSE[sel], mse)

			copy(prevParams, s.params)
			if hp.NesterovMomentum {
				NesterovStep(s.params, prevVelocity, prevMu[sel], mu, prevLR[sel], prevGrad)
			} else {
				DescentStep(s.params, lr, grad)
			}
			Clamp(s.params, -weightClamp, weightClamp)
			if !genotype.AllFinite(s.params) {
				return s.diverged(iteration, fmt.Errorf("%w: parameters after update", genotype.ErrNonFinite))
			}
		}

		trainingMSE, err := meanMSE(s.runs, s.train, s.params, s.inferencePass())
		if err != nil {
			return s.diverged(iteration, err)
		}
		validationMSE, err := s.validate()
		if err != nil {
			return s.diverged(iteration, err)
		}
		s.result.Iterations = iteration + 1
		s.record(model.IterationRecord{
			Iteration:      iteration,
			TrainingMSE:    trainingMSE,
			ValidationMSE:  validationMSE,
			BestValidation: s.bestValidation,
			LearningRate:   lr,
			Norm:           norm,
			ResetCount:     float64(resets),
			NormAdjustment: adjustment,
		})
	}
	return nil
}
