// Package rembo provides REMBO: Bayesian optimization of expensive black-box
// functions over a high-dimensional box [-1, 1]^D by optimizing in a random
// d-dimensional linear subspace and projecting proposed points back up for
// evaluation.
//
// # Features
//
// The package includes the following key features:
//
//   - Subspace Embedding: A fixed D×d projection matrix A maps search points to
//     evaluation points, clamped into [-1, 1]^D, with a cached pseudo-inverse for
//     the way back
//   - Point Correspondence: Every low-dimensional point the model has seen is
//     recorded, so high-dimensional training data can be traced back exactly
//     instead of being approximated
//   - Pluggable Surrogate: The embedded model delegates fitting, prediction and
//     candidate generation to any Model implementation
//   - Reference Engine: GaussianProcess, an exact Gaussian process with UCB, PI,
//     EI and Thompson Sampling acquisition
//   - Optimization Loop: Optimize runs the full sample, fit, generate, evaluate,
//     update cycle with optional progress updates via channels
//
// # Coordinate Systems
//
// Three coordinate systems are involved:
//
//  1. The evaluation space [-1, 1]^D, where the objective is measured
//  2. The low-dimensional box given at construction, where search happens
//  3. The unit box [0, 1]^d, which is what the Model sees
//
// Rembo translates every call from (1) to (3) and every answer from (3) back
// to (1):
//
//	A, err := RandomProjection(100, 4, rng)
//	if err != nil {
//	    return err
//	}
//
//	boundsD := DefaultLowDimBounds(4)
//
//	r, err := New(DefaultConfig(), NewGaussianProcess(DefaultEngineConfig()), A, initialXd, boundsD)
//	if err != nil {
//	    return err
//	}
//
//	high, err := r.ProjectUp(initialXd)  // points to evaluate
//	// ... evaluate, then:
//	err = r.Fit([]mat.Matrix{high}, Ys, Yvars, digest, []string{"objective"})
//
//	res, err := r.Gen(2, CanonicalBounds(100), mat.NewVecDense(1, []float64{-1}), GenOptions{})
//
// # Error Handling
//
// All failures are returned as errors wrapping one of the package sentinels,
// to be matched with errors.Is:
//   - ErrInvalidBounds, ErrUnsupportedFeature, ErrDimensionMismatch,
//     ErrEmptyBatch, ErrInvalidConfig: precondition violations, reported before
//     anything is delegated
//   - ErrUnresolvedPoint: training data that was not produced by this model
//   - ErrOutsideEmbedding: a prediction point outside the linear embedding
//   - ErrInconsistentOutcomes: outcomes observed at different design points
//
// None of them is retryable. Errors from the Model are passed through.
//
// # Thread Safety
//
//   - Projector is immutable and safe for concurrent use
//   - Store guards its points with a RWMutex
//   - Rembo operations must be called sequentially by one caller
//   - GaussianProcess uses RWMutex for thread-safe updates
package rembo
