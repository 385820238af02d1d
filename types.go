package rembo

import (
	"log/slog"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Range is a closed interval [Lower, Upper] for one coordinate of a box.
//
// Usage:
//
//	// The canonical high-dimensional coordinate range.
//	r := Range{Lower: -1, Upper: 1}
//
// Validation:
// - Upper must be strictly greater than Lower (see Validate)
type Range struct {
	// Lower is the inclusive lower end of the interval.
	Lower float64

	// Upper is the inclusive upper end of the interval.
	Upper float64
}

// Tolerance controls element-wise closeness when two points are compared.
// Two values a and b are close when they are within Abs of each other, or
// within Rel of each other relative to the larger magnitude.
type Tolerance struct {
	// Abs is the absolute tolerance.
	Abs float64

	// Rel is the relative tolerance.
	Rel float64
}

// Config holds the settings of an embedded model.
//
// Usage example:
//
//	cfg := DefaultConfig()
//	cfg.Tolerance.Abs = 1e-6
//	r, err := New(cfg, engine, A, initialXd, DefaultLowDimBounds(2))
type Config struct {
	// Tolerance is used to match high-dimensional points back to stored
	// low-dimensional points, to check that all outcomes share one design
	// matrix, and to verify the pseudo-inverse round trip in Predict.
	Tolerance Tolerance

	// Logger receives debug records for every delegated operation and
	// warnings for correspondence and embedding failures.
	// If nil, slog.Default() is used.
	Logger *slog.Logger
}

// SearchSpaceDigest describes the domain a model is fit over.
type SearchSpaceDigest struct {
	// FeatureNames names each input column.
	FeatureNames []string

	// Bounds holds one Range per input column.
	Bounds []Range

	// TaskFeatures lists the column indices of task features.
	TaskFeatures []int

	// FidelityFeatures lists the column indices of fidelity features.
	FidelityFeatures []int
}

// OutcomeConstraints encodes A·f(x) <= B, where f(x) is the vector of
// outcome values at x. A is k×m for m outcomes, B has length k.
type OutcomeConstraints struct {
	A mat.Matrix
	B mat.Vector
}

// LinearConstraints encodes A·x <= B over the input columns. A is k×d, B has
// length k.
type LinearConstraints struct {
	A mat.Matrix
	B mat.Vector
}

// GenOptions carries the optional arguments of Gen and BestPoint.
//
// The embedded model accepts only OutcomeConstraints and ModelGenOptions;
// any of the other fields being set is rejected with ErrUnsupportedFeature.
// A Model implementation may honor all of them.
type GenOptions struct {
	// OutcomeConstraints restricts candidates by predicted outcome values.
	OutcomeConstraints *OutcomeConstraints

	// LinearConstraints restricts candidates by their input coordinates.
	LinearConstraints *LinearConstraints

	// FixedFeatures pins input columns to constant values.
	FixedFeatures map[int]float64

	// PendingObservations holds, per outcome, points that are being
	// evaluated but have no observation yet.
	PendingObservations []mat.Matrix

	// ModelGenOptions holds engine specific settings.
	ModelGenOptions map[string]any

	// TargetFidelities maps fidelity columns to their target values.
	TargetFidelities map[int]float64
}

// GenResult is the output of Gen.
type GenResult struct {
	// Points holds one generated candidate per row.
	Points *mat.Dense

	// Weights holds one weight per generated candidate.
	Weights []float64

	// Metadata is engine specific bookkeeping for the whole batch.
	Metadata map[string]any

	// CandidateMetadata is engine specific bookkeeping, one entry per
	// candidate. It may be nil.
	CandidateMetadata []map[string]any
}

// Prediction holds the output of Predict and CrossValidate.
type Prediction struct {
	// Mean is n×m: one row per point, one column per outcome.
	Mean *mat.Dense

	// Cov holds one m×m covariance matrix per point.
	Cov []*mat.SymDense
}

// Model is the capability set of a surrogate-model engine. The embedded model
// calls it with low-dimensional, unit-box normalized inputs and relays its
// outputs.
//
// Implementations only ever see low-dimensional data. GaussianProcess is the
// reference implementation shipped with this package.
type Model interface {
	// Fit trains the model. Xs, Ys and Yvars hold one entry per outcome.
	Fit(Xs []mat.Matrix, Ys, Yvars []mat.Vector, digest SearchSpaceDigest, metricNames []string) error

	// Predict returns the posterior at each row of X.
	Predict(X mat.Matrix) (Prediction, error)

	// Gen proposes n new points within bounds that optimize the objective
	// given by objectiveWeights.
	Gen(n int, bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (GenResult, error)

	// BestPoint returns the point believed best under objectiveWeights.
	// ok is false when no feasible point exists.
	BestPoint(bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (point *mat.VecDense, ok bool, err error)

	// CrossValidate trains on the given data without changing the model
	// state and returns the posterior at each row of Xtest.
	CrossValidate(XsTrain []mat.Matrix, YsTrain, YvarsTrain []mat.Vector, Xtest mat.Matrix) (Prediction, error)

	// Update replaces the training data of a fitted model, keeping its
	// hyperparameters.
	Update(Xs []mat.Matrix, Ys, Yvars []mat.Vector) error
}

// ObjectiveFunc is the expensive black-box function being minimized. It is
// evaluated at high-dimensional points in [-1, 1]^D.
//
// Returns:
// - float64: The observed value (lower is better)
// - error: Non-nil if the evaluation failed. Failed evaluations are recorded
// with a value worse than every successful one so the model learns to
// avoid them.
type ObjectiveFunc func(x []float64) (float64, error)

// ProgressUpdate represents the current state of the optimization process.
type ProgressUpdate struct {
	// Phase indicates whether we're in initial sampling or optimization phase
	Phase string

	// CurrentIteration is the current iteration number
	CurrentIteration int

	// TotalIterations is the total number of iterations to run
	TotalIterations int

	// CurrentPoint holds the high-dimensional point just evaluated
	CurrentPoint []float64

	// CurrentBestPoint holds the best high-dimensional point found so far
	CurrentBestPoint []float64

	// CurrentBestValue holds the best objective value found so far
	CurrentBestValue float64

	// LastValue holds the objective value of the last evaluation
	LastValue float64
}

// AcquisitionFunc defines the signature for acquisition functions used to
// score candidate points in Gen.
//
// Parameters:
// - mean: The predicted objective at a point (lower is better)
// - variance: The predicted variance/uncertainty at that point
// - params: Additional parameters needed by specific acquisition functions
//
// Returns:
// - float64: Acquisition value (lower values indicate more promising points)
//
// Built-in acquisition functions:
// - UCB: Upper Confidence Bound
// - ProbabilityOfImprovement: Probability of finding better value
// - ExpectedImprovement: Expected magnitude of improvement
// - ThompsonSampling: Random sampling from posterior
//
// Implementation notes for custom acquisition functions:
// - Should handle zero variance
// - Should return lower values for more promising points
type AcquisitionFunc func(mean, variance float64, params AcquisitionParams) float64

// AcquisitionParams holds parameters used by the acquisition functions.
type AcquisitionParams struct {
	// Beta controls the exploration-exploitation trade-off in UCB.
	// - Higher values (e.g., 3.0 or 5.0) encourage more exploration of uncertain areas
	// - Lower values (e.g., 0.1 or 0.5) focus more on exploiting known good areas
	Beta float64

	// Xi is the minimum improvement over BestSoFar sought by PI and EI.
	// Typical values range from 0.01 to 0.1.
	Xi float64

	// BestSoFar is the best (lowest) objective value predicted at the
	// training points. It is set by the engine before every Gen.
	BestSoFar float64

	// RandomState is the random number generator used by Thompson Sampling.
	// It is set by the engine before every Gen.
	RandomState *rand.Rand
}

// EngineConfig holds the settings of the reference GaussianProcess engine.
//
// Fields explanation:
// - Sigma: RBF kernel length scale, in unit-box coordinates
// - NoiseVariance: Observation noise used where Yvars are NaN or missing
// - NumCandidates: Random candidates scored per generated point
// - AcquisitionFunc: Strategy for choosing the next points
// - AcqParams: Parameters for the acquisition function
// - RandomState: Source of candidates and Thompson draws. If nil, a
// time-seeded generator is used.
type EngineConfig struct {
	Sigma           float64
	NoiseVariance   float64
	NumCandidates   int
	AcquisitionFunc AcquisitionFunc
	AcqParams       AcquisitionParams
	RandomState     *rand.Rand
}

// OptimizationConfig holds all configuration parameters of Optimize.
//
// Usage example:
//
//	config := DefaultOptimizationConfig()
//	config.Iterations = 30
//	config.BatchSize = 2
//	config.RandomState = rand.New(rand.NewSource(42))
//
// Performance impact notes:
// - Total evaluations = InitialSamples + Iterations*BatchSize
// - Every iteration refits the surrogate on the whole history
type OptimizationConfig struct {
	// Iterations is the number of Gen/evaluate/Update rounds after the
	// initial sampling phase.
	Iterations int

	// InitialSamples is the number of random low-dimensional points drawn
	// from the low-dimensional bounds before modeling starts.
	// Must be at least 1.
	InitialSamples int

	// BatchSize is the number of points generated per iteration.
	BatchSize int

	// RandomState draws the initial samples. If nil, a time-seeded
	// generator is used.
	RandomState *rand.Rand

	// Model configures the embedded model built by Optimize.
	Model Config

	// ProgressChan is used to send progress updates during optimization.
	// If nil, no updates will be sent.
	ProgressChan chan<- ProgressUpdate
}
