package rembo

import (
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// kernelJitter is added to the kernel diagonal to keep it positive definite
// when training points coincide.
const kernelJitter = 1e-8

// numCandidatesOption is the ModelGenOptions key overriding
// EngineConfig.NumCandidates for one Gen call.
const numCandidatesOption = "num_candidates"

// GaussianProcess is the reference Model: exact Gaussian process regression
// with an RBF kernel, one independent process per outcome, and random
// candidate search scored by an acquisition function.
//
// Fields:
// - mu: RWMutex for thread-safe access to the fitted state
// - rngMu: Mutex serializing use of the random number generator
// - outcomes: One fitted process per outcome
// - bounds: Input bounds declared at Fit
// - sigma: Kernel width parameter controlling the smoothness of interpolation
//
// Thread safety:
// - Uses RLock for read operations (Predict, BestPoint, CrossValidate, RBFKernel)
// - Uses Lock for write operations (Fit, Update, SetSigma)
// - Gen holds the read lock and the rng mutex
//
// Memory usage:
// - O(n²) per outcome for the kernel factorization, n training points
type GaussianProcess struct {
	mu    sync.RWMutex
	rngMu sync.Mutex

	cfg EngineConfig
	rng *rand.Rand

	outcomes    []*outcomeProcess
	bounds      []Range
	metricNames []string

	// sigma is the kernel width parameter
	// Larger values = smoother interpolation
	// Smaller values = more local influence
	sigma float64
}

// outcomeProcess is the fitted state of one outcome.
type outcomeProcess struct {
	// X stores the input points. Inner slices all have the input width.
	X [][]float64

	// mean and std standardize the observed values.
	mean, std float64

	// targets are the standardized observed values.
	targets []float64

	// noise holds standardized per-point noise variances; negative entries
	// use the engine fallback.
	noise []float64

	chol  mat.Cholesky
	alpha mat.VecDense
}

//////
// Methods.
//////

// RBFKernel implements the Radial Basis Function (also known as Gaussian) kernel.
//
// Mathematical formula:
//
//	k(x1, x2) = exp(-sum((x1 - x2)^2) / (2 * sigma^2))
//
// Important notes:
// - Panics if input vectors have different lengths
// - Returns 1.0 for identical points
// - Uses read lock to access sigma
func (gp *GaussianProcess) RBFKernel(x1, x2 []float64) float64 {
	gp.mu.RLock()
	sigma := gp.sigma
	gp.mu.RUnlock()

	return rbf(x1, x2, sigma)
}

func rbf(x1, x2 []float64, sigma float64) float64 {
	if len(x1) != len(x2) {
		panic("input vectors must have the same length")
	}

	// Calculate squared Euclidean distance
	var sum float64

	for i := range x1 {
		diff := x1[i] - x2[i]

		sum += diff * diff
	}

	return math.Exp(-sum / (2 * sigma * sigma))
}

// SetSigma updates the kernel width parameter and refactorizes every fitted
// outcome with it.
//
// Important notes:
// - Affects all subsequent predictions
// - Returns ErrInvalidConfig for non-positive values
func (gp *GaussianProcess) SetSigma(sigma float64) error {
	if !(sigma > 0) {
		return fmt.Errorf("sigma must be positive, got %v: %w", sigma, ErrInvalidConfig)
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	for _, o := range gp.outcomes {
		if err := o.factorize(sigma, gp.cfg.NoiseVariance); err != nil {
			errs := []error{fmt.Errorf("sigma %v: %w", sigma, err)}

			// Restore the factorizations of the previous width.
			for i, r := range gp.outcomes {
				if rerr := r.factorize(gp.sigma, gp.cfg.NoiseVariance); rerr != nil {
					errs = append(errs, fmt.Errorf("restoring outcome %d: %w", i, rerr))
				}
			}

			return errors.Join(errs...)
		}
	}

	gp.sigma = sigma

	return nil
}

// GetSigma returns the current kernel width parameter.
func (gp *GaussianProcess) GetSigma() float64 {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return gp.sigma
}

// MetricNames returns the metric names given to the last Fit.
func (gp *GaussianProcess) MetricNames() []string {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	return append([]string(nil), gp.metricNames...)
}

// Fit trains one process per outcome on Xs[i], Ys[i], Yvars[i].
//
// Parameters:
// - Xs: Design matrices, one per outcome, all of width len(digest.Bounds)
// - Ys: Observed values, one vector per outcome
// - Yvars: Observation noise variances; NaN entries or nil vectors fall back
// to EngineConfig.NoiseVariance
// - digest: Input bounds; task and fidelity features are not supported
// - metricNames: One name per outcome (may be nil)
func (gp *GaussianProcess) Fit(Xs []mat.Matrix, Ys, Yvars []mat.Vector, digest SearchSpaceDigest, metricNames []string) error {
	if len(digest.TaskFeatures) > 0 || len(digest.FidelityFeatures) > 0 {
		return fmt.Errorf("task and fidelity features: %w", ErrUnsupportedFeature)
	}

	if err := validateBounds(digest.Bounds); err != nil {
		return err
	}

	if metricNames != nil && len(metricNames) != len(Xs) {
		return fmt.Errorf("%d metric names for %d outcomes: %w", len(metricNames), len(Xs), ErrDimensionMismatch)
	}

	gp.mu.Lock()
	defer gp.mu.Unlock()

	outcomes, err := gp.buildOutcomes(Xs, Ys, Yvars, len(digest.Bounds))
	if err != nil {
		return err
	}

	gp.outcomes = outcomes
	gp.bounds = append([]Range(nil), digest.Bounds...)
	gp.metricNames = append([]string(nil), metricNames...)

	return nil
}

// Update replaces the training data of a fitted model, keeping its bounds and
// kernel width. The number of outcomes must not change.
func (gp *GaussianProcess) Update(Xs []mat.Matrix, Ys, Yvars []mat.Vector) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	if gp.outcomes == nil {
		return ErrModelNotFitted
	}

	if len(Xs) != len(gp.outcomes) {
		return fmt.Errorf("model has %d outcomes, update has %d: %w", len(gp.outcomes), len(Xs), ErrDimensionMismatch)
	}

	outcomes, err := gp.buildOutcomes(Xs, Ys, Yvars, len(gp.bounds))
	if err != nil {
		return err
	}

	gp.outcomes = outcomes

	return nil
}

// Predict returns the posterior mean of every outcome at each row of X, and a
// diagonal covariance per point (outcomes are modeled independently).
//
// Mathematical details:
// - mean = k(x)ᵗ·K⁻¹·y, rescaled to the observed units
// - variance = k(x, x) - k(x)ᵗ·K⁻¹·k(x), rescaled likewise
func (gp *GaussianProcess) Predict(X mat.Matrix) (Prediction, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if gp.outcomes == nil {
		return Prediction{}, ErrModelNotFitted
	}

	if _, _, err := batchDims(X, len(gp.bounds)); err != nil {
		return Prediction{}, err
	}

	return predictAll(gp.outcomes, rowsOf(X), gp.sigma), nil
}

// CrossValidate trains temporary processes on the training data, with the
// current kernel width, and predicts at Xtest. The fitted state is not
// changed, and the model need not be fitted.
func (gp *GaussianProcess) CrossValidate(XsTrain []mat.Matrix, YsTrain, YvarsTrain []mat.Vector, Xtest mat.Matrix) (Prediction, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	_, width, err := batchDims(Xtest, -1)
	if err != nil {
		return Prediction{}, err
	}

	outcomes, err := gp.buildOutcomes(XsTrain, YsTrain, YvarsTrain, width)
	if err != nil {
		return Prediction{}, err
	}

	return predictAll(outcomes, rowsOf(Xtest), gp.sigma), nil
}

// Gen proposes n points within bounds. For each point, NumCandidates random
// candidates are drawn uniformly from bounds and the one with the lowest
// acquisition value of the objective -objectiveWeightsᵗ·f(x) is kept.
//
// Options:
// - OutcomeConstraints: candidates whose predicted outcomes violate them are
// only chosen when no candidate satisfies them
// - LinearConstraints: candidates violating them are discarded
// - FixedFeatures: the given coordinates are pinned on every candidate
// - ModelGenOptions["num_candidates"] (int): overrides NumCandidates
// - PendingObservations and TargetFidelities are ignored
//
// Weights are all 1. Metadata["acquisition"] holds the acquisition value of
// every generated point.
func (gp *GaussianProcess) Gen(n int, bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (GenResult, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if gp.outcomes == nil {
		return GenResult{}, ErrModelNotFitted
	}

	if n < 1 {
		return GenResult{}, fmt.Errorf("n must be positive, got %d: %w", n, ErrEmptyBatch)
	}

	obj, err := gp.newObjective(bounds, objectiveWeights, opts)
	if err != nil {
		return GenResult{}, err
	}

	numCandidates := gp.cfg.NumCandidates
	if v, ok := opts.ModelGenOptions[numCandidatesOption].(int); ok && v > 0 {
		numCandidates = v
	}

	gp.rngMu.Lock()
	defer gp.rngMu.Unlock()

	params := gp.cfg.AcqParams
	params.BestSoFar = obj.bestObserved()
	params.RandomState = gp.rng

	points := make([][]float64, 0, n)
	acquisitions := make([]float64, 0, n)

	for i := 0; i < n; i++ {
		var (
			best, bestFeasible       []float64
			bestAcq, bestFeasibleAcq = math.MaxFloat64, math.MaxFloat64
		)

		for j := 0; j < numCandidates; j++ {
			candidate := make([]float64, len(bounds))
			for k, b := range bounds {
				candidate[k] = b.Lower + gp.rng.Float64()*(b.Upper-b.Lower)
			}

			for k, v := range opts.FixedFeatures {
				if k >= 0 && k < len(candidate) {
					candidate[k] = v
				}
			}

			if !obj.satisfiesLinear(candidate) {
				continue
			}

			mean, variance, feasible := obj.evaluate(candidate)
			acquisition := gp.cfg.AcquisitionFunc(mean, variance, params)
			if math.IsNaN(acquisition) {
				acquisition = math.Inf(1)
			}

			if best == nil || acquisition < bestAcq {
				best, bestAcq = candidate, acquisition
			}

			if feasible && (bestFeasible == nil || acquisition < bestFeasibleAcq) {
				bestFeasible, bestFeasibleAcq = candidate, acquisition
			}
		}

		if bestFeasible != nil {
			best, bestAcq = bestFeasible, bestFeasibleAcq
		}

		if best == nil {
			return GenResult{}, fmt.Errorf("none of %d candidates satisfies the linear constraints: %w", numCandidates, ErrNoCandidate)
		}

		points = append(points, best)
		acquisitions = append(acquisitions, bestAcq)
	}

	weights := make([]float64, n)
	for i := range weights {
		weights[i] = 1
	}

	return GenResult{
		Points:   denseFromRows(points),
		Weights:  weights,
		Metadata: map[string]any{"acquisition": acquisitions},
	}, nil
}

// BestPoint returns the training point of the first outcome with the lowest
// predicted objective -objectiveWeightsᵗ·f(x) among those satisfying the
// outcome and linear constraints. ok is false when none does.
//
// bounds must have the input width; the training points are not checked
// against it.
func (gp *GaussianProcess) BestPoint(bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (*mat.VecDense, bool, error) {
	gp.mu.RLock()
	defer gp.mu.RUnlock()

	if gp.outcomes == nil {
		return nil, false, ErrModelNotFitted
	}

	obj, err := gp.newObjective(bounds, objectiveWeights, opts)
	if err != nil {
		return nil, false, err
	}

	var (
		best      []float64
		bestValue = math.Inf(1)
	)

	for _, x := range gp.outcomes[0].X {
		if !obj.satisfiesLinear(x) {
			continue
		}

		mean, _, feasible := obj.evaluate(x)
		if feasible && mean < bestValue {
			best, bestValue = x, mean
		}
	}

	if best == nil {
		return nil, false, nil
	}

	return mat.NewVecDense(len(best), append([]float64(nil), best...)), true, nil
}

//////
// Helpers.
//////

// objective scores points by -weightsᵗ·f(x), where f is the vector of
// predicted outcomes, and checks them against the constraints of a Gen or
// BestPoint call.
type objective struct {
	outcomes []*outcomeProcess
	sigma    float64
	weights  []float64

	outcomeA *mat.Dense
	outcomeB []float64
	linearA  *mat.Dense
	linearB  []float64
}

// newObjective validates the arguments of Gen and BestPoint. The caller
// holds gp.mu.
func (gp *GaussianProcess) newObjective(bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (*objective, error) {
	if len(bounds) != len(gp.bounds) {
		return nil, fmt.Errorf("expected %d bounds, got %d: %w", len(gp.bounds), len(bounds), ErrDimensionMismatch)
	}

	if err := validateBounds(bounds); err != nil {
		return nil, err
	}

	m := len(gp.outcomes)
	if vecLen(objectiveWeights) != m {
		return nil, fmt.Errorf("expected %d objective weights, got %d: %w", m, vecLen(objectiveWeights), ErrDimensionMismatch)
	}

	obj := &objective{
		outcomes: gp.outcomes,
		sigma:    gp.sigma,
		weights:  vecValues(objectiveWeights),
	}

	if oc := opts.OutcomeConstraints; oc != nil {
		a, b, err := constraintSystem(oc.A, oc.B, m)
		if err != nil {
			return nil, fmt.Errorf("outcome constraints: %w", err)
		}

		obj.outcomeA, obj.outcomeB = a, b
	}

	if lc := opts.LinearConstraints; lc != nil {
		a, b, err := constraintSystem(lc.A, lc.B, len(bounds))
		if err != nil {
			return nil, fmt.Errorf("linear constraints: %w", err)
		}

		obj.linearA, obj.linearB = a, b
	}

	return obj, nil
}

// constraintSystem copies A·x <= B, checking that A has width columns and
// as many rows as B has entries.
func constraintSystem(a mat.Matrix, b mat.Vector, width int) (*mat.Dense, []float64, error) {
	r, c := dims(a)
	if r == 0 || c != width || vecLen(b) != r {
		return nil, nil, fmt.Errorf("A is %dx%d and B has %d entries, expected width %d: %w", r, c, vecLen(b), width, ErrDimensionMismatch)
	}

	return mat.DenseCopyOf(a), vecValues(b), nil
}

// evaluate returns the objective mean and variance at x, and whether the
// predicted outcomes satisfy the outcome constraints.
func (o *objective) evaluate(x []float64) (mean, variance float64, feasible bool) {
	f := make([]float64, len(o.outcomes))

	for j, p := range o.outcomes {
		mu, v := p.predict(x, o.sigma)
		f[j] = mu

		mean -= o.weights[j] * mu
		variance += o.weights[j] * o.weights[j] * v
	}

	feasible = o.outcomeA == nil || satisfies(o.outcomeA, o.outcomeB, f)

	return mean, variance, feasible
}

func (o *objective) satisfiesLinear(x []float64) bool {
	return o.linearA == nil || satisfies(o.linearA, o.linearB, x)
}

// bestObserved is the lowest predicted objective at the training points of
// the first outcome.
func (o *objective) bestObserved() float64 {
	best := math.MaxFloat64

	for _, x := range o.outcomes[0].X {
		if mean, _, _ := o.evaluate(x); mean < best {
			best = mean
		}
	}

	return best
}

func satisfies(a *mat.Dense, b, x []float64) bool {
	r, _ := a.Dims()

	for i := 0; i < r; i++ {
		if floats.Dot(a.RawRowView(i), x) > b[i] {
			return false
		}
	}

	return true
}

// buildOutcomes fits one process per outcome. The caller holds gp.mu.
func (gp *GaussianProcess) buildOutcomes(Xs []mat.Matrix, Ys, Yvars []mat.Vector, width int) ([]*outcomeProcess, error) {
	if len(Xs) == 0 {
		return nil, fmt.Errorf("no outcomes: %w", ErrEmptyBatch)
	}

	if len(Ys) != len(Xs) || len(Yvars) != len(Xs) {
		return nil, fmt.Errorf("%d design matrices, %d targets, %d variances: %w", len(Xs), len(Ys), len(Yvars), ErrDimensionMismatch)
	}

	outcomes := make([]*outcomeProcess, len(Xs))

	for i := range Xs {
		rows, _, err := batchDims(Xs[i], width)
		if err != nil {
			return nil, fmt.Errorf("outcome %d: %w", i, err)
		}

		if vecLen(Ys[i]) != rows {
			return nil, fmt.Errorf("outcome %d has %d points and %d targets: %w", i, rows, vecLen(Ys[i]), ErrDimensionMismatch)
		}

		yvar := vecValues(Yvars[i])
		if len(yvar) != 0 && len(yvar) != rows {
			return nil, fmt.Errorf("outcome %d has %d points and %d variances: %w", i, rows, len(yvar), ErrDimensionMismatch)
		}

		o, err := newOutcomeProcess(rowsOf(Xs[i]), vecValues(Ys[i]), yvar, gp.sigma, gp.cfg.NoiseVariance)
		if err != nil {
			return nil, fmt.Errorf("outcome %d: %w", i, err)
		}

		outcomes[i] = o
	}

	return outcomes, nil
}

// newOutcomeProcess standardizes y and factorizes the kernel matrix of X.
// The standardized targets and noise variances are kept for refactorization.
func newOutcomeProcess(X [][]float64, y, yvar []float64, sigma, noise float64) (*outcomeProcess, error) {
	mean, err := stats.Mean(y)
	if err != nil {
		return nil, err
	}

	std := 1.0
	if len(y) > 1 {
		if s, err := stats.StandardDeviation(y); err == nil && s > 0 && !math.IsInf(s, 0) {
			std = s
		}
	}

	o := &outcomeProcess{
		X:    X,
		mean: mean,
		std:  std,
	}

	o.targets = make([]float64, len(y))
	o.noise = make([]float64, len(y))

	for i := range y {
		o.targets[i] = (y[i] - mean) / std

		o.noise[i] = -1
		if len(yvar) > 0 && yvar[i] >= 0 {
			o.noise[i] = yvar[i] / (std * std)
		}
	}

	if err := o.factorize(sigma, noise); err != nil {
		return nil, err
	}

	return o, nil
}

// factorize builds K + diag(noise) and solves for alpha = K⁻¹·y. Negative
// per-point noise entries stand for missing variances and use fallback.
func (o *outcomeProcess) factorize(sigma, fallback float64) error {
	n := len(o.X)

	k := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.SetSym(i, j, rbf(o.X[i], o.X[j], sigma))
		}

		noise := o.noise[i]
		if noise < 0 {
			noise = fallback
		}

		k.SetSym(i, i, k.At(i, i)+noise+kernelJitter)
	}

	if ok := o.chol.Factorize(k); !ok {
		return ErrNotPositiveDefinite
	}

	return o.chol.SolveVecTo(&o.alpha, mat.NewVecDense(n, o.targets))
}

// predict returns the posterior mean and variance at x in observed units.
func (o *outcomeProcess) predict(x []float64, sigma float64) (mean, variance float64) {
	n := len(o.X)

	k := make([]float64, n)
	for i := range o.X {
		k[i] = rbf(x, o.X[i], sigma)
	}

	kv := mat.NewVecDense(n, k)

	mean = o.mean + o.std*mat.Dot(kv, &o.alpha)

	var v mat.VecDense
	if err := o.chol.SolveVecTo(&v, kv); err != nil {
		return mean, o.std * o.std
	}

	variance = math.Max(1-floats.Dot(k, v.RawVector().Data), 0)

	return mean, variance * o.std * o.std
}

// predictAll evaluates every outcome at every point.
func predictAll(outcomes []*outcomeProcess, points [][]float64, sigma float64) Prediction {
	m := len(outcomes)

	means := mat.NewDense(len(points), m, nil)
	cov := make([]*mat.SymDense, len(points))

	for i, x := range points {
		cov[i] = mat.NewSymDense(m, nil)

		for j, o := range outcomes {
			mean, variance := o.predict(x, sigma)
			means.Set(i, j, mean)
			cov[i].SetSym(j, j, variance)
		}
	}

	return Prediction{Mean: means, Cov: cov}
}

//////
// Factory.
//////

// DefaultEngineConfig returns a default engine configuration.
func DefaultEngineConfig() EngineConfig {
	return EngineConfig{
		Sigma:           0.25,
		NoiseVariance:   1e-6,
		NumCandidates:   256,
		AcquisitionFunc: UCB,
		AcqParams: AcquisitionParams{
			Beta:      2.0,
			Xi:        0.01,
			BestSoFar: math.MaxFloat64,
		},
		RandomState: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// NewGaussianProcess creates an unfitted engine. Zero or missing fields of
// cfg take their DefaultEngineConfig values; a zero AcqParams is replaced as
// a whole.
//
// Usage example:
//
//	cfg := DefaultEngineConfig()
//	cfg.AcquisitionFunc = ExpectedImprovement
//	cfg.RandomState = rand.New(rand.NewSource(7))
//	engine := NewGaussianProcess(cfg)
//
// Best practices:
// - Create new instance for each optimization task
// - Don't share instances between independent optimizations
func NewGaussianProcess(cfg EngineConfig) *GaussianProcess {
	def := DefaultEngineConfig()

	if !(cfg.Sigma > 0) {
		cfg.Sigma = def.Sigma
	}

	if !(cfg.NoiseVariance > 0) {
		cfg.NoiseVariance = def.NoiseVariance
	}

	if cfg.NumCandidates <= 0 {
		cfg.NumCandidates = def.NumCandidates
	}

	if cfg.AcquisitionFunc == nil {
		cfg.AcquisitionFunc = def.AcquisitionFunc
	}

	if cfg.AcqParams == (AcquisitionParams{}) {
		cfg.AcqParams = def.AcqParams
	}

	if cfg.RandomState == nil {
		cfg.RandomState = def.RandomState
	}

	return &GaussianProcess{
		cfg:   cfg,
		rng:   cfg.RandomState,
		sigma: cfg.Sigma,
	}
}
