package registration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"math/rand"
	"sort"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/stat"
)

// DistanceChannelName is the scalar channel staged on the data set while a
// registration runs. It is removed again before Register returns.
const DistanceChannelName = "ICP distances"

// Option customises a single registration call.
type Option func(*options)

type options struct {
	oracle       DistanceOracle
	progress     ProgressFunc
	dataWeights  bool
	modelWeights bool
	budget       *Budget
	sampler      MeshSampler
}

// WithOracle replaces the default KD-tree distance oracle.
func WithOracle(o DistanceOracle) Option {
	return func(opts *options) { opts.oracle = o }
}

// WithProgress installs a per-iteration observer.
func WithProgress(fn ProgressFunc) Option {
	return func(opts *options) { opts.progress = fn }
}

// WithDataWeights weights correspondences by the data set's active scalar channel.
func WithDataWeights() Option {
	return func(opts *options) { opts.dataWeights = true }
}

// WithModelWeights weights correspondences by the model set's active scalar channel.
func WithModelWeights() Option {
	return func(opts *options) { opts.modelWeights = true }
}

// WithBudget accounts the run's allocations against a caller-owned budget
// instead of one built from RegistrationConfig.MemoryLimitBytes.
func WithBudget(b *Budget) Option {
	return func(opts *options) { opts.budget = b }
}

// WithSampler replaces the default area-weighted mesh sampler used by RegisterEntities.
func WithSampler(s MeshSampler) Option {
	return func(opts *options) { opts.sampler = s }
}

func buildOptions(cfg RegistrationConfig, opts []Option) options {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.oracle == nil {
		o.oracle = NewKDTreeOracle()
	}
	if o.budget == nil {
		o.budget = NewBudget(cfg.MemoryLimitBytes)
	}
	if o.sampler == nil {
		o.sampler = AreaSampler{}
	}
	return o
}

// Register aligns data onto model. The returned transform maps data
// coordinates into the model frame. Neither point set is modified apart
// from a temporary distance channel on data, which is removed (and the
// previously active channel restored) before Register returns.
//
// Failures are reported both as a RegistrationResult with Outcome Failed and
// as a *RegistrationError. Cancellation of ctx is not an error: the result
// has Outcome Cancelled.
//
// Without MaxCorrespondenceDistance every data point has a nearest model
// point, however far away, so clouds that do not overlap at all still pair
// up and can end with a usable outcome. Set a distance bound when inputs may
// be disjoint; with no partner in range the run fails with ErrDegenerateSolve.
func Register(ctx context.Context, data, model PointSet, cfg RegistrationConfig, opts ...Option) (*RegistrationResult, error) {
	o := buildOptions(cfg, opts)
	if err := cfg.Validate(); err != nil {
		return failed(newRegistrationError("config", -1, err))
	}
	if data == nil || model == nil {
		return failed(newRegistrationError("input", -1, fmt.Errorf("nil point set: %w", ErrInvalidInput)))
	}

	sc := newScope(o.budget)
	defer sc.release()
	return register(ctx, sc, data, model, cfg, o)
}

func failed(err *RegistrationError) (*RegistrationResult, error) {
	return &RegistrationResult{Outcome: Failed, Err: err, BestIteration: -1, RMS: math.Inf(1), best: Identity()}, err
}

// icpRun holds the working state of one registration.
type icpRun struct {
	cfg RegistrationConfig
	o   options

	model    []r3.Vector
	working  []r3.Vector // transformed copy of the selected data points
	origIdx  []int       // working index -> data set index
	dataW    []float64   // indexed like the data set, nil if unweighted
	modelW   []float64   // indexed like the model set, nil if unweighted
	distance []float64   // staged channel on the data set, nil if unsupported

	nn    Neighbors
	order []int

	pairData  []r3.Vector
	pairModel []r3.Vector
	pairW     []float64
	residual  []float64
}

func register(ctx context.Context, sc *scope, data, model PointSet, cfg RegistrationConfig, o options) (*RegistrationResult, error) {
	run := &icpRun{cfg: cfg, o: o}

	modelPts, err := collectPoints(sc, model)
	if err != nil {
		return failed(newRegistrationError("input", -1, err))
	}
	dataPts, err := collectPoints(sc, data)
	if err != nil {
		return failed(newRegistrationError("input", -1, err))
	}
	if len(modelPts) == 0 || len(dataPts) == 0 {
		return failed(newRegistrationError("input", -1,
			fmt.Errorf("data has %d points, model has %d: %w", len(dataPts), len(modelPts), ErrInvalidInput)))
	}
	run.model = modelPts

	// Weights are read before the distance channel becomes active on data.
	if o.dataWeights {
		if run.dataW, err = resolveWeights(sc, data, "data"); err != nil {
			return failed(newRegistrationError("weights", -1, err))
		}
	}
	if o.modelWeights {
		if run.modelW, err = resolveWeights(sc, model, "model"); err != nil {
			return failed(newRegistrationError("weights", -1, err))
		}
	}

	if run.distance, err = sc.stageChannel(data, DistanceChannelName); err != nil {
		return failed(newRegistrationError("channel", -1, err))
	}
	for i := range run.distance {
		run.distance[i] = math.NaN()
	}

	seed := cfg.Seed
	if seed == 0 {
		seed = deriveSeed(dataPts, modelPts)
	}
	rng := rand.New(rand.NewSource(seed))

	trim, err := trimOverlap(ctx, sc, rng, o.oracle, data, dataPts, modelPts, cfg, run.distance)
	if err != nil {
		if isCancellation(err) {
			return cancelled(seed), nil
		}
		return failed(newRegistrationError("trim", -1, err))
	}

	if err := run.prepareWorkingSet(sc, rng, dataPts, trim); err != nil {
		return failed(newRegistrationError("sampling", -1, err))
	}

	result, err := run.iterate(ctx, trim.ratio)
	result.Seed = seed
	result.AchievedOverlap = trim.achievedRatio
	return result, err
}

// prepareWorkingSet copies the trimmed data points, uniformly subsampled to
// RandomSamplingLimit, and allocates the per-iteration buffers.
func (r *icpRun) prepareWorkingSet(sc *scope, rng *rand.Rand, dataPts []r3.Vector, trim overlapTrim) error {
	var selected []int
	if trim.view != nil {
		selected = trim.view.Indices()
	} else {
		all, err := sc.allocInts(len(dataPts))
		if err != nil {
			return err
		}
		for i := range all {
			all[i] = i
		}
		selected = all
	}

	if limit := r.cfg.RandomSamplingLimit; limit > 0 && len(selected) > limit {
		picks, err := sc.allocInts(limit)
		if err != nil {
			return err
		}
		sampleWithoutReplacement(rng, len(selected), picks)
		for i, p := range picks {
			picks[i] = selected[p]
		}
		log.Printf("Random sampling: using %d of %d data points", limit, len(selected))
		selected = picks
	}

	n := len(selected)
	var err error
	if r.working, err = sc.allocVectors(n); err != nil {
		return err
	}
	for i, idx := range selected {
		r.working[i] = dataPts[idx]
	}
	r.origIdx = selected

	if r.nn.Dist, err = sc.allocFloats(n); err != nil {
		return err
	}
	if r.nn.Index, err = sc.allocInts(n); err != nil {
		return err
	}
	if r.order, err = sc.allocInts(n); err != nil {
		return err
	}
	if r.pairData, err = sc.allocVectors(n); err != nil {
		return err
	}
	if r.pairModel, err = sc.allocVectors(n); err != nil {
		return err
	}
	if r.residual, err = sc.allocFloats(n); err != nil {
		return err
	}
	if r.dataW != nil || r.modelW != nil {
		if r.pairW, err = sc.allocFloats(n); err != nil {
			return err
		}
	}
	return nil
}

type bestState struct {
	rms       float64
	transform RigidTransform
	iteration int
	count     int
	mean, std float64
}

// iterate runs search, select, measure and solve rounds until a terminal
// state is reached. ratio is the overlap ratio relative to the working set.
func (r *icpRun) iterate(ctx context.Context, ratio float64) (*RegistrationResult, error) {
	cfg := r.cfg
	solverOpts := SolverOptions{AdjustScale: cfg.AdjustScale, Filters: cfg.Filters}
	searchOpts := cfg.searchOptions(cfg.MaxCorrespondenceDistance)

	total := Identity()
	best := bestState{rms: math.Inf(1), transform: Identity(), iteration: -1}
	prevRMS := math.Inf(1)
	increases := 0

	finish := func(outcome Outcome, iterations int) *RegistrationResult {
		return &RegistrationResult{
			Outcome:        outcome,
			RMS:            best.rms,
			PointCount:     best.count,
			Iterations:     iterations,
			BestIteration:  best.iteration,
			ResidualMean:   best.mean,
			ResidualStdDev: best.std,
			best:           best.transform,
		}
	}
	fail := func(stage string, iteration int, err error) (*RegistrationResult, error) {
		re := newRegistrationError(stage, iteration, err)
		res := finish(Failed, iteration)
		res.Err = re
		return res, re
	}

	for iter := 0; ; iter++ {
		if ctx.Err() != nil {
			log.Printf("Registration cancelled before iteration %d", iter)
			return finish(Cancelled, iter), nil
		}

		if err := r.o.oracle.Nearest(ctx, r.working, r.model, searchOpts, r.nn); err != nil {
			if isCancellation(err) {
				return finish(Cancelled, iter), nil
			}
			return fail("search", iter, err)
		}

		count := r.selectCorrespondences(ratio)
		if count < 3 {
			return fail("search", iter,
				fmt.Errorf("%d correspondences within range: %w", count, ErrDegenerateSolve))
		}
		rms := rootMeanSquare(r.residual[:count], r.weightsOf(count))

		if rms < best.rms {
			mean, std := stat.MeanStdDev(r.residual[:count], r.weightsOf(count))
			best = bestState{rms: rms, transform: total, iteration: iter, count: count, mean: mean, std: std}
		}
		if r.o.progress != nil {
			r.o.progress(Progress{Iteration: iter, RMS: rms, BestRMS: best.rms, PointCount: count, Transform: total})
		}

		if iter > 0 {
			if cfg.DivergencePatience > 0 && rms > prevRMS+cfg.DivergenceTolerance {
				increases++
				if increases > cfg.DivergencePatience {
					log.Printf("Registration diverged: RMS rose %d times in a row (now %.6g)", increases, rms)
					return finish(Diverged, iter), nil
				}
			} else {
				increases = 0
			}
			if cfg.Convergence == ConvergeOnRMS && rms >= prevRMS-cfg.MinRMSDecrease {
				return finish(Converged, iter), nil
			}
		}
		if iter >= cfg.MaxIterations {
			return finish(MaxIterationsReached, iter), nil
		}

		var weights []float64
		if r.pairW != nil {
			weights = r.pairW[:count]
		}
		incr, err := solveWeighted(r.pairData[:count], r.pairModel[:count], weights, solverOpts)
		if err != nil {
			return fail("solve", iter, err)
		}
		total = incr.Compose(total)
		incr.ApplyAll(r.working)
		prevRMS = rms
	}
}

// selectCorrespondences keeps the closest ceil(ratio*found) matches, minus
// FarthestPointsFraction of them when RemoveFarthestPoints is set, and fills
// the pair buffers. It returns the number of pairs.
func (r *icpRun) selectCorrespondences(ratio float64) int {
	found := 0
	for i, idx := range r.nn.Index {
		if r.distance != nil {
			r.distance[r.origIdx[i]] = r.nn.Dist[i]
		}
		if idx >= 0 {
			r.order[found] = i
			found++
		}
	}
	order := r.order[:found]

	keep := found
	if ratio < 1 {
		keep = int(math.Ceil(ratio * float64(found)))
	}
	if r.cfg.RemoveFarthestPoints {
		keep -= int(r.cfg.FarthestPointsFraction * float64(keep))
	}
	if keep < found {
		dist := r.nn.Dist
		sort.Slice(order, func(a, b int) bool {
			da, db := dist[order[a]], dist[order[b]]
			if da != db {
				return da < db
			}
			return order[a] < order[b]
		})
		order = order[:keep]
	}

	for k, i := range order {
		m := r.nn.Index[i]
		r.pairData[k] = r.working[i]
		r.pairModel[k] = r.model[m]
		r.residual[k] = r.nn.Dist[i]
		if r.pairW != nil {
			w := 1.0
			if r.dataW != nil {
				w *= r.dataW[r.origIdx[i]]
			}
			if r.modelW != nil {
				w *= r.modelW[m]
			}
			r.pairW[k] = w
		}
	}
	return len(order)
}

func (r *icpRun) weightsOf(count int) []float64 {
	if r.pairW == nil {
		return nil
	}
	return r.pairW[:count]
}

// rootMeanSquare is the (weighted) RMS of residuals. All-zero weights fall
// back to the unweighted value.
func rootMeanSquare(values, weights []float64) float64 {
	var sum, total float64
	for i, v := range values {
		w := 1.0
		if weights != nil {
			w = weights[i]
		}
		sum += w * v * v
		total += w
	}
	if total == 0 {
		if weights == nil {
			return 0
		}
		return rootMeanSquare(values, nil)
	}
	return math.Sqrt(sum / total)
}

// cancelled is the result of a run stopped before its first iteration.
func cancelled(seed int64) *RegistrationResult {
	return &RegistrationResult{
		Outcome:       Cancelled,
		RMS:           math.Inf(1),
		BestIteration: -1,
		Seed:          seed,
		best:          Identity(),
	}
}

func isCancellation(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
