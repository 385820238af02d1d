package rembo

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Validate checks that r is a non-degenerate, finite interval.
func (r Range) Validate() error {
	if math.IsNaN(r.Lower) || math.IsNaN(r.Upper) || math.IsInf(r.Lower, 0) || math.IsInf(r.Upper, 0) {
		return fmt.Errorf("range [%v, %v] is not finite: %w", r.Lower, r.Upper, ErrInvalidBounds)
	}

	if r.Upper <= r.Lower {
		return fmt.Errorf("range [%v, %v] has upper <= lower: %w", r.Lower, r.Upper, ErrInvalidBounds)
	}

	return nil
}

// Equal reports whether r and o are exactly the same interval.
func (r Range) Equal(o Range) bool {
	return r.Lower == o.Lower && r.Upper == o.Upper
}

// UnitBounds returns [0, 1]^d.
func UnitBounds(d int) []Range {
	return repeatRange(Range{Lower: 0, Upper: 1}, d)
}

// CanonicalBounds returns [-1, 1]^D, the only high-dimensional domain
// supported by the embedded model.
func CanonicalBounds(D int) []Range {
	return repeatRange(Range{Lower: -1, Upper: 1}, D)
}

// DefaultLowDimBounds returns [-sqrt(d), sqrt(d)]^d, the low-dimensional box
// recommended for a Gaussian projection matrix.
func DefaultLowDimBounds(d int) []Range {
	s := math.Sqrt(float64(d))

	return repeatRange(Range{Lower: -s, Upper: s}, d)
}

func repeatRange(r Range, n int) []Range {
	out := make([]Range, n)
	for i := range out {
		out[i] = r
	}

	return out
}

// validateBounds checks every range of bounds.
func validateBounds(bounds []Range) error {
	if len(bounds) == 0 {
		return fmt.Errorf("no bounds: %w", ErrInvalidBounds)
	}

	for i, b := range bounds {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("dimension %d: %w", i, err)
		}
	}

	return nil
}

// requireCanonical verifies that every declared range of bounds is exactly
// [-1, 1]. Callers may declare fewer than D ranges; a single [-1, 1] stands
// for the whole box. More than D ranges, or none, is an error.
func requireCanonical(bounds []Range, D int) error {
	if len(bounds) == 0 || len(bounds) > D {
		return fmt.Errorf("expected 1 to %d bounds, got %d: %w", D, len(bounds), ErrInvalidBounds)
	}

	canonical := Range{Lower: -1, Upper: 1}

	for i, b := range bounds {
		if !b.Equal(canonical) {
			return fmt.Errorf("dimension %d has bounds [%v, %v], expected [-1, 1]: %w", i, b.Lower, b.Upper, ErrInvalidBounds)
		}
	}

	return nil
}

// ToUnit maps column i of x from [bounds[i].Lower, bounds[i].Upper] to
// [0, 1] via (x - lb) / (ub - lb). x is not modified.
//
// Bounds with Upper <= Lower are a configuration error the caller must
// prevent; they are not checked here.
func ToUnit(x mat.Matrix, bounds []Range) (*mat.Dense, error) {
	return affine(x, bounds, func(v float64, b Range) float64 {
		return (v - b.Lower) / (b.Upper - b.Lower)
	})
}

// FromUnit is the inverse of ToUnit: it maps column i of x from [0, 1] to
// [bounds[i].Lower, bounds[i].Upper]. x is not modified.
func FromUnit(x mat.Matrix, bounds []Range) (*mat.Dense, error) {
	return affine(x, bounds, func(v float64, b Range) float64 {
		return v*(b.Upper-b.Lower) + b.Lower
	})
}

func affine(x mat.Matrix, bounds []Range, f func(float64, Range) float64) (*mat.Dense, error) {
	r, c, err := batchDims(x, len(bounds))
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(r, c, nil)
	out.Apply(func(i, j int, v float64) float64 {
		return f(v, bounds[j])
	}, x)

	return out, nil
}
