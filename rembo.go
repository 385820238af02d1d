package rembo

import (
	"errors"
	"fmt"
	"log/slog"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// Rembo runs Bayesian optimization of a function over [-1, 1]^D inside a
// d-dimensional linear subspace. It wraps a Model: every operation is
// translated into the low-dimensional, unit-box normalized equivalent, handed
// to the Model, and its outputs are translated back to high-dimensional
// coordinates.
//
// The embedded model keeps a Store of every low-dimensional point it was
// given at construction or produced by Gen. High-dimensional training data
// passed to Fit, Update and CrossValidate must be the projections of stored
// points; anything else fails with ErrUnresolvedPoint.
//
// Operations must be called sequentially by one caller. The projection and
// the store may be read concurrently.
type Rembo struct {
	model     Model
	projector *Projector
	store     *Store
	boundsD   []Range
	tol       Tolerance
	logger    *slog.Logger

	// numOutputs is the number of outcomes of the last successful Fit.
	numOutputs int
}

//////
// Exported functionalities.
//////

// DefaultConfig returns a default configuration.
func DefaultConfig() Config {
	return Config{
		Tolerance: Tolerance{
			Abs: 1e-8,
			Rel: 1e-5,
		},
		Logger: nil, // Default to slog.Default().
	}
}

// New builds an embedded model.
//
// Parameters:
// - cfg: Tolerance and logging settings
// - model: The surrogate-model engine the work is delegated to
// - a: The D×d projection matrix; it must be the one used to produce initialXd
// - initialXd: Low-dimensional points of the initial data, one per row (may be nil)
// - boundsD: The d ranges of the low-dimensional search box
//
// Usage example:
//
//	A, _ := RandomProjection(20, 2, rng)
//	boundsD := DefaultLowDimBounds(2)
//	r, err := New(DefaultConfig(), NewGaussianProcess(DefaultEngineConfig()), A, initialXd, boundsD)
func New(cfg Config, model Model, a mat.Matrix, initialXd mat.Matrix, boundsD []Range) (*Rembo, error) {
	if model == nil {
		return nil, fmt.Errorf("nil model: %w", ErrInvalidConfig)
	}

	if cfg.Tolerance.Abs < 0 || cfg.Tolerance.Rel < 0 {
		return nil, fmt.Errorf("negative tolerance: %w", ErrInvalidConfig)
	}

	projector, err := NewProjector(a)
	if err != nil {
		return nil, err
	}

	if len(boundsD) != projector.LowDim() {
		return nil, fmt.Errorf("expected %d low-dimensional bounds, got %d: %w", projector.LowDim(), len(boundsD), ErrInvalidBounds)
	}

	if err := validateBounds(boundsD); err != nil {
		return nil, err
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := &Rembo{
		model:     model,
		projector: projector,
		store:     NewStore(projector, cfg.Tolerance),
		boundsD:   append([]Range(nil), boundsD...),
		tol:       cfg.Tolerance,
		logger:    logger.With(slog.String("component", "rembo")),
	}

	if rows, _ := dims(initialXd); rows > 0 {
		if err := r.store.Append(initialXd, false); err != nil {
			return nil, fmt.Errorf("initial points: %w", err)
		}
	}

	return r, nil
}

// Fit fits the model on high-dimensional data.
//
// Preconditions:
// - digest has no task or fidelity features
// - every range of digest.Bounds is exactly [-1, 1]
// - all matrices of Xs are identical (every outcome observed at the same points)
// - every row of Xs[0] is the projection of a stored low-dimensional point
//
// The shared design matrix is resolved through the store, normalized to
// [0, 1]^d, and handed to the Model with a [0, 1]^d digest and anonymous
// feature names x0..x{d-1}. On success NumOutputs equals len(Xs).
func (r *Rembo) Fit(Xs []mat.Matrix, Ys, Yvars []mat.Vector, digest SearchSpaceDigest, metricNames []string) error {
	if err := r.checkDigest(digest); err != nil {
		return err
	}

	x01, err := r.resolveDesign(Xs)
	if err != nil {
		return err
	}

	names := make([]string, r.projector.LowDim())
	for i := range names {
		names[i] = fmt.Sprintf("x%d", i)
	}

	lowDigest := SearchSpaceDigest{
		FeatureNames: names,
		Bounds:       UnitBounds(r.projector.LowDim()),
	}

	rows, _ := x01.Dims()
	r.logger.Debug("fitting model", slog.Int("outcomes", len(Xs)), slog.Int("points", rows))

	if err := r.model.Fit(replicate(x01, len(Xs)), Ys, Yvars, lowDigest, metricNames); err != nil {
		return fmt.Errorf("fit: %w", err)
	}

	r.numOutputs = len(Xs)

	return nil
}

// Predict returns the posterior at each row of X.
//
// X may be low-dimensional (d columns), in which case it is used as is, or
// high-dimensional (D columns). High-dimensional points need not have been
// seen before: they are mapped down with the pseudo-inverse of A, and the
// result must project back up to X within tolerance, otherwise
// ErrOutsideEmbedding is returned.
func (r *Rembo) Predict(X mat.Matrix) (Prediction, error) {
	var xd mat.Matrix = X

	if _, c := dims(X); c != r.projector.LowDim() {
		down, err := r.projector.DownValidated(X, r.tol)
		if err != nil {
			if errors.Is(err, ErrOutsideEmbedding) {
				r.logger.Warn("prediction point outside embedding", slog.String("error", err.Error()))
			}

			return Prediction{}, err
		}

		xd = down
	}

	x01, err := ToUnit(xd, r.boundsD)
	if err != nil {
		return Prediction{}, err
	}

	p, err := r.model.Predict(x01)
	if err != nil {
		return Prediction{}, fmt.Errorf("predict: %w", err)
	}

	return p, nil
}

// Gen generates n new points, returned in high-dimensional coordinates.
//
// Every range of bounds must be exactly [-1, 1]. Linear constraints, fixed features,
// pending observations and target fidelities are not supported.
//
// The Model generates in [0, 1]^d; the candidates are mapped back to the
// low-dimensional box, recorded in the store and in the generated log, and
// projected up. The Model's weights are returned unchanged; metadata is
// not populated.
func (r *Rembo) Gen(n int, bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (GenResult, error) {
	if n < 1 {
		return GenResult{}, fmt.Errorf("n must be positive, got %d: %w", n, ErrEmptyBatch)
	}

	if err := requireCanonical(bounds, r.projector.HighDim()); err != nil {
		return GenResult{}, err
	}

	if err := checkGenOptions(opts); err != nil {
		return GenResult{}, err
	}

	res, err := r.model.Gen(n, UnitBounds(r.projector.LowDim()), objectiveWeights, GenOptions{
		OutcomeConstraints: opts.OutcomeConstraints,
		ModelGenOptions:    opts.ModelGenOptions,
	})
	if err != nil {
		return GenResult{}, fmt.Errorf("gen: %w", err)
	}

	if rows, _ := dims(res.Points); rows != n || len(res.Weights) != n {
		return GenResult{}, fmt.Errorf("gen: model returned %d points and %d weights for n=%d: %w", rows, len(res.Weights), n, ErrDimensionMismatch)
	}

	xd, err := FromUnit(res.Points, r.boundsD)
	if err != nil {
		return GenResult{}, fmt.Errorf("gen: model returned malformed points: %w", err)
	}

	if err := r.store.Append(xd, true); err != nil {
		return GenResult{}, err
	}

	high, err := r.projector.Up(xd)
	if err != nil {
		return GenResult{}, err
	}

	rows, _ := high.Dims()
	r.logger.Debug("generated points", slog.Int("requested", n), slog.Int("generated", rows), slog.Int("stored", r.store.Len()))

	return GenResult{
		Points:   high,
		Weights:  res.Weights,
		Metadata: map[string]any{},
	}, nil
}

// BestPoint returns the high-dimensional point the Model believes best.
//
// Every range of bounds must be exactly [-1, 1]. Linear constraints, fixed features,
// pending observations and target fidelities are not supported. The Model
// is given the low-dimensional box itself; its answer is mapped from the unit
// box to the low-dimensional box and projected up.
//
// ok is false when the Model found no feasible point.
func (r *Rembo) BestPoint(bounds []Range, objectiveWeights mat.Vector, opts GenOptions) (*mat.VecDense, bool, error) {
	if err := requireCanonical(bounds, r.projector.HighDim()); err != nil {
		return nil, false, err
	}

	if err := checkGenOptions(opts); err != nil {
		return nil, false, err
	}

	x, ok, err := r.model.BestPoint(r.LowDimBounds(), objectiveWeights, GenOptions{
		OutcomeConstraints: opts.OutcomeConstraints,
		ModelGenOptions:    opts.ModelGenOptions,
	})
	if err != nil {
		return nil, false, fmt.Errorf("best point: %w", err)
	}

	if !ok {
		r.logger.Debug("no feasible best point")

		return nil, false, nil
	}

	if vecLen(x) != r.projector.LowDim() {
		return nil, false, fmt.Errorf("best point: model returned %d coordinates, expected %d: %w", vecLen(x), r.projector.LowDim(), ErrDimensionMismatch)
	}

	xd, err := FromUnit(mat.NewDense(1, r.projector.LowDim(), vecValues(x)), r.boundsD)
	if err != nil {
		return nil, false, err
	}

	high, err := r.projector.Up(xd)
	if err != nil {
		return nil, false, err
	}

	return mat.NewVecDense(r.projector.HighDim(), high.RawRowView(0)), true, nil
}

// CrossValidate trains the Model on the given data and predicts at Xtest.
// Both the shared training design matrix and Xtest are historical points
// and are resolved through the store, not through the pseudo-inverse.
func (r *Rembo) CrossValidate(XsTrain []mat.Matrix, YsTrain, YvarsTrain []mat.Vector, Xtest mat.Matrix) (Prediction, error) {
	train01, err := r.resolveDesign(XsTrain)
	if err != nil {
		return Prediction{}, err
	}

	test01, err := r.resolve(Xtest)
	if err != nil {
		return Prediction{}, err
	}

	rows, _ := train01.Dims()
	testRows, _ := test01.Dims()
	r.logger.Debug("cross validating", slog.Int("train", rows), slog.Int("test", testRows))

	p, err := r.model.CrossValidate(replicate(train01, r.outputs(len(XsTrain))), YsTrain, YvarsTrain, test01)
	if err != nil {
		return Prediction{}, fmt.Errorf("cross validate: %w", err)
	}

	return p, nil
}

// Update hands new high-dimensional data to the Model's incremental update.
// Xs are treated exactly as in Fit.
func (r *Rembo) Update(Xs []mat.Matrix, Ys, Yvars []mat.Vector) error {
	x01, err := r.resolveDesign(Xs)
	if err != nil {
		return err
	}

	rows, _ := x01.Dims()
	r.logger.Debug("updating model", slog.Int("outcomes", len(Xs)), slog.Int("points", rows))

	if err := r.model.Update(replicate(x01, r.outputs(len(Xs))), Ys, Yvars); err != nil {
		return fmt.Errorf("update: %w", err)
	}

	return nil
}

// ProjectUp projects low-dimensional rows to [-1, 1]^D.
func (r *Rembo) ProjectUp(X mat.Matrix) (*mat.Dense, error) { return r.projector.Up(X) }

// ProjectDown resolves high-dimensional rows to their stored
// low-dimensional points; see Store.Resolve.
func (r *Rembo) ProjectDown(X mat.Matrix) (*mat.Dense, error) { return r.store.Resolve(X) }

// ToUnit maps low-dimensional rows from the low-dimensional box to [0, 1]^d.
func (r *Rembo) ToUnit(X mat.Matrix) (*mat.Dense, error) { return ToUnit(X, r.boundsD) }

// FromUnit maps rows from [0, 1]^d to the low-dimensional box.
func (r *Rembo) FromUnit(X mat.Matrix) (*mat.Dense, error) { return FromUnit(X, r.boundsD) }

// NumOutputs returns the number of outcomes of the last successful Fit, or 0.
func (r *Rembo) NumOutputs() int { return r.numOutputs }

// Points returns a copy of every stored low-dimensional point, or nil.
func (r *Rembo) Points() *mat.Dense { return r.store.Points() }

// GeneratedPoints returns a copy of the low-dimensional points produced by
// Gen, or nil.
func (r *Rembo) GeneratedPoints() *mat.Dense { return r.store.Generated() }

// HighDim returns D.
func (r *Rembo) HighDim() int { return r.projector.HighDim() }

// LowDim returns d.
func (r *Rembo) LowDim() int { return r.projector.LowDim() }

// LowDimBounds returns a copy of the low-dimensional box.
func (r *Rembo) LowDimBounds() []Range { return append([]Range(nil), r.boundsD...) }

// Projector returns the projection between the two spaces.
func (r *Rembo) Projector() *Projector { return r.projector }

//////
// Helpers.
//////

// outputs is the number of times the shared design matrix is replicated for
// the Model. Before the first Fit it falls back to the number of outcomes
// supplied with the call.
func (r *Rembo) outputs(supplied int) int {
	if r.numOutputs > 0 {
		return r.numOutputs
	}

	return supplied
}

// resolveDesign checks that Xs share one design matrix and returns its
// low-dimensional correspondents in [0, 1]^d.
func (r *Rembo) resolveDesign(Xs []mat.Matrix) (*mat.Dense, error) {
	x, err := singleDesign(Xs, r.tol)
	if err != nil {
		return nil, err
	}

	return r.resolve(x)
}

// resolve maps historical high-dimensional rows to [0, 1]^d through the
// store.
func (r *Rembo) resolve(x mat.Matrix) (*mat.Dense, error) {
	xd, err := r.store.Resolve(x)
	if err != nil {
		if errors.Is(err, ErrUnresolvedPoint) {
			r.logger.Warn("lost correspondence", slog.Int("stored", r.store.Len()), slog.String("error", err.Error()))
		}

		return nil, err
	}

	return ToUnit(xd, r.boundsD)
}

func (r *Rembo) checkDigest(digest SearchSpaceDigest) error {
	if len(digest.TaskFeatures) > 0 {
		return fmt.Errorf("task features: %w", ErrUnsupportedFeature)
	}

	if len(digest.FidelityFeatures) > 0 {
		return fmt.Errorf("fidelity features: %w", ErrUnsupportedFeature)
	}

	return requireCanonical(digest.Bounds, r.projector.HighDim())
}

// checkGenOptions rejects the options the embedded space cannot express.
func checkGenOptions(opts GenOptions) error {
	if opts.LinearConstraints != nil {
		return fmt.Errorf("linear constraints: %w", ErrUnsupportedFeature)
	}

	if opts.FixedFeatures != nil {
		return fmt.Errorf("fixed features: %w", ErrUnsupportedFeature)
	}

	if opts.PendingObservations != nil {
		return fmt.Errorf("pending observations: %w", ErrUnsupportedFeature)
	}

	if opts.TargetFidelities != nil {
		return fmt.Errorf("target fidelities: %w", ErrUnsupportedFeature)
	}

	return nil
}
