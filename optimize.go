package rembo

import (
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// objectiveMetric is the metric name the optimization loop fits against.
const objectiveMetric = "objective"

// OptimizationResult is the outcome of Optimize.
type OptimizationResult struct {
	// BestPoint is the best high-dimensional point evaluated, or nil if
	// every evaluation failed.
	BestPoint []float64

	// BestValue is the objective value at BestPoint, or +Inf.
	BestValue float64

	// Evaluations is the number of objective evaluations performed.
	Evaluations int

	// Model is the embedded model after the last update. It can be used to
	// keep optimizing or to predict.
	Model *Rembo
}

//////
// Exported functionalities.
//////

// DefaultOptimizationConfig returns a default optimization configuration.
func DefaultOptimizationConfig() OptimizationConfig {
	return OptimizationConfig{
		Iterations:     20,
		InitialSamples: 5,
		BatchSize:      1,
		RandomState:    rand.New(rand.NewSource(time.Now().UnixNano())),
		Model:          DefaultConfig(),
		ProgressChan:   nil, // Default to no progress updates.
	}
}

// Optimize minimizes objective over [-1, 1]^D by Bayesian optimization in
// the d-dimensional embedding given by the D×d matrix A.
//
// Parameters:
// - config: OptimizationConfig controlling the optimization process
// - engine: The surrogate model, e.g. NewGaussianProcess(DefaultEngineConfig())
// - A: The D×d projection matrix, e.g. RandomProjection(D, d, rng)
// - boundsD: The low-dimensional search box, e.g. DefaultLowDimBounds(d)
// - objective: The black-box function, evaluated at high-dimensional points
//
// Usage example:
//
//	rng := rand.New(rand.NewSource(1))
//	A, err := RandomProjection(50, 2, rng)
//	if err != nil {
//	    return err
//	}
//
//	result, err := Optimize(
//	    DefaultOptimizationConfig(),
//	    NewGaussianProcess(DefaultEngineConfig()),
//	    A,
//	    DefaultLowDimBounds(2),
//	    func(x []float64) (float64, error) {
//	        return x[3]*x[3] + x[17]*x[17], nil
//	    },
//	)
//
// How it works:
// 1. Draws InitialSamples random low-dimensional points from boundsD and
// builds the embedded model with them
// 2. Evaluates their projections and fits the model
// 3. For each iteration:
//   - Generates BatchSize new points through the embedded model
//   - Evaluates them
//   - Updates the model with the whole history
//
// 4. Returns the best point found
//
// Failed evaluations are recorded with a value worse than every successful
// one, so the model learns to avoid them.
func Optimize(config OptimizationConfig, engine Model, A mat.Matrix, boundsD []Range, objective ObjectiveFunc) (OptimizationResult, error) {
	if objective == nil {
		return OptimizationResult{}, fmt.Errorf("nil objective: %w", ErrInvalidConfig)
	}

	if config.InitialSamples < 1 || config.BatchSize < 1 || config.Iterations < 0 {
		return OptimizationResult{}, fmt.Errorf("initial samples %d, batch size %d, iterations %d: %w",
			config.InitialSamples, config.BatchSize, config.Iterations, ErrInvalidConfig)
	}

	if err := validateBounds(boundsD); err != nil {
		return OptimizationResult{}, err
	}

	rng := config.RandomState
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	logger := config.Model.Logger
	if logger == nil {
		logger = slog.Default()
	}

	logger = logger.With(slog.String("component", "rembo.optimize"))

	// Phase 1: Initial random sampling in the low-dimensional box.
	initial := mat.NewDense(config.InitialSamples, len(boundsD), nil)
	initial.Apply(func(_, j int, _ float64) float64 {
		b := boundsD[j]

		return b.Lower + rng.Float64()*(b.Upper-b.Lower)
	}, initial)

	r, err := New(config.Model, engine, A, initial, boundsD)
	if err != nil {
		return OptimizationResult{}, err
	}

	h := &history{objective: objective, bestValue: math.Inf(1)}

	initialHigh, err := r.ProjectUp(initial)
	if err != nil {
		return OptimizationResult{}, err
	}

	for i, x := range rowsOf(initialHigh) {
		value := h.evaluate(x)
		sendProgress(config.ProgressChan, "InitialSampling", i+1, config.InitialSamples, x, value, h)
	}

	D := r.HighDim()

	names := make([]string, D)
	for i := range names {
		names[i] = fmt.Sprintf("x%d", i)
	}

	Xs, Ys, Yvars := h.data()
	if err := r.Fit(Xs, Ys, Yvars, SearchSpaceDigest{FeatureNames: names, Bounds: CanonicalBounds(D)}, []string{objectiveMetric}); err != nil {
		return OptimizationResult{}, err
	}

	// Minimize the single outcome.
	weights := mat.NewVecDense(1, []float64{-1})

	// Phase 2: Bayesian optimization loop.
	for i := 0; i < config.Iterations; i++ {
		res, err := r.Gen(config.BatchSize, CanonicalBounds(D), weights, GenOptions{})
		if err != nil {
			return OptimizationResult{}, fmt.Errorf("iteration %d: %w", i+1, err)
		}

		var last float64

		for _, x := range rowsOf(res.Points) {
			last = h.evaluate(x)
			sendProgress(config.ProgressChan, "Optimization", i+1, config.Iterations, x, last, h)
		}

		Xs, Ys, Yvars := h.data()
		if err := r.Update(Xs, Ys, Yvars); err != nil {
			return OptimizationResult{}, fmt.Errorf("iteration %d: %w", i+1, err)
		}

		logger.Info("iteration complete",
			slog.Int("iteration", i+1),
			slog.Int("evaluations", len(h.points)),
			slog.Float64("last", last),
			slog.Float64("best", h.bestValue),
		)
	}

	return OptimizationResult{
		BestPoint:   h.bestPoint,
		BestValue:   h.bestValue,
		Evaluations: len(h.points),
		Model:       r,
	}, nil
}

//////
// Helpers.
//////

// history records every evaluation of the optimization loop.
type history struct {
	objective ObjectiveFunc

	points [][]float64
	values []float64
	failed []bool

	bestPoint []float64
	bestValue float64
}

// evaluate runs the objective at x and records the result. It returns the
// observed value, NaN for failures.
func (h *history) evaluate(x []float64) float64 {
	value, err := h.objective(x)
	failed := err != nil || math.IsNaN(value) || math.IsInf(value, 0)

	if failed {
		value = math.NaN()
	}

	h.points = append(h.points, x)
	h.values = append(h.values, value)
	h.failed = append(h.failed, failed)

	if !failed && value < h.bestValue {
		h.bestValue = value
		h.bestPoint = append([]float64(nil), x...)
	}

	return value
}

// data returns the history as single-outcome training data. Noise variances
// are unknown and passed as NaN.
func (h *history) data() ([]mat.Matrix, []mat.Vector, []mat.Vector) {
	n := len(h.points)

	yvar := make([]float64, n)
	for i := range yvar {
		yvar[i] = math.NaN()
	}

	return []mat.Matrix{denseFromRows(h.points)},
		[]mat.Vector{mat.NewVecDense(n, penalized(h.values, h.failed))},
		[]mat.Vector{mat.NewVecDense(n, yvar)}
}

// penalized replaces failed values with one worse than every successful
// value, by at least the observed range. With no successful value every
// entry is 1.
func penalized(values []float64, failed []bool) []float64 {
	best, worst := math.Inf(1), math.Inf(-1)

	for i, v := range values {
		if !failed[i] {
			best = math.Min(best, v)
			worst = math.Max(worst, v)
		}
	}

	penalty := 1.0
	if !math.IsInf(worst, -1) {
		penalty = worst + math.Max(worst-best, 1)
	}

	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = v
		if failed[i] {
			out[i] = penalty
		}
	}

	return out
}

// sendProgress sends an update without blocking. Updates are dropped when the
// channel is full.
func sendProgress(ch chan<- ProgressUpdate, phase string, iteration, total int, x []float64, value float64, h *history) {
	if ch == nil {
		return
	}

	update := ProgressUpdate{
		Phase:            phase,
		CurrentIteration: iteration,
		TotalIterations:  total,
		CurrentPoint:     append([]float64(nil), x...),
		CurrentBestPoint: append([]float64(nil), h.bestPoint...),
		CurrentBestValue: h.bestValue,
		LastValue:        value,
	}

	select {
	case ch <- update:
	default:
		// Skip update if channel is full.
	}
}
