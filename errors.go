package rembo

import "errors"

// Every message is prefixed with "rembo: ". Errors are returned wrapped with
// context via fmt.Errorf("...: %w", ErrX); match them with errors.Is.
//
// None of these conditions is retryable: the same inputs reproduce the same
// failure.

var (
	// ErrInvalidBounds is returned when a declared domain box is not the one
	// expected ([-1, 1] for the high-dimensional space, [0, 1] for the
	// normalized search space), or when a range has Upper <= Lower.
	ErrInvalidBounds = errors.New("rembo: invalid bounds")

	// ErrUnsupportedFeature is returned when a caller requests task features,
	// fidelity features, linear constraints, fixed features, or pending
	// observations, none of which exist in the embedded space.
	ErrUnsupportedFeature = errors.New("rembo: unsupported feature")

	// ErrDimensionMismatch indicates a batch whose width does not match the
	// space it is supposed to live in.
	ErrDimensionMismatch = errors.New("rembo: dimension mismatch")

	// ErrEmptyBatch is returned when an operation is handed zero points.
	ErrEmptyBatch = errors.New("rembo: empty batch")

	// ErrInvalidConfig is returned for malformed construction arguments.
	ErrInvalidConfig = errors.New("rembo: invalid config")

	// ErrUnresolvedPoint means a high-dimensional point could not be matched
	// to any remaining stored low-dimensional point. The data was not
	// produced by, or fed into, this model instance.
	ErrUnresolvedPoint = errors.New("rembo: no matching low-dimensional point")

	// ErrOutsideEmbedding means a high-dimensional prediction point is not
	// reproduced by its own pseudo-inverse round trip.
	ErrOutsideEmbedding = errors.New("rembo: point outside linear embedding")

	// ErrInconsistentOutcomes is returned when the per-outcome design
	// matrices passed to fit, update or cross validation differ.
	ErrInconsistentOutcomes = errors.New("rembo: outcome design matrices differ")

	// ErrSVDFailed is returned when the projection matrix cannot be
	// factorized.
	ErrSVDFailed = errors.New("rembo: SVD factorization failed")

	// ErrNotPositiveDefinite is returned by the reference engine when a
	// kernel matrix cannot be Cholesky factorized.
	ErrNotPositiveDefinite = errors.New("rembo: kernel matrix not positive definite")

	// ErrNoCandidate is returned by the reference engine when no random
	// candidate satisfies the linear constraints of a Gen call.
	ErrNoCandidate = errors.New("rembo: no candidate satisfies the constraints")

	// ErrModelNotFitted is returned by the reference engine when an operation
	// needs a fitted model.
	ErrModelNotFitted = errors.New("rembo: model not fitted")
)

// IsInvalidInput reports whether err is one of the precondition failures:
// invalid bounds, unsupported features, dimension mismatch, empty batch, or
// invalid config.
func IsInvalidInput(err error) bool {
	return errors.Is(err, ErrInvalidBounds) ||
		errors.Is(err, ErrUnsupportedFeature) ||
		errors.Is(err, ErrDimensionMismatch) ||
		errors.Is(err, ErrEmptyBatch) ||
		errors.Is(err, ErrInvalidConfig)
}
