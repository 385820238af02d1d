package rembo

import (
	"fmt"

	"golang.org/x/exp/constraints"
	"gonum.org/v1/gonum/floats/scalar"
	"gonum.org/v1/gonum/mat"
)

//////
// Helper functions.
//////

// clamp limits v to [lo, hi].
func clamp[T constraints.Integer | constraints.Float](v, lo, hi T) T {
	if v < lo {
		return lo
	}

	if v > hi {
		return hi
	}

	return v
}

// within reports whether a and b are equal within t.
func (t Tolerance) within(a, b float64) bool {
	return scalar.EqualWithinAbsOrRel(a, b, t.Abs, t.Rel)
}

// allClose reports whether a and b have the same length and are element-wise
// close.
func (t Tolerance) allClose(a, b []float64) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if !t.within(a[i], b[i]) {
			return false
		}
	}

	return true
}

// matricesClose reports whether a and b have the same shape and are
// element-wise close.
func (t Tolerance) matricesClose(a, b mat.Matrix) bool {
	ar, ac := dims(a)
	br, bc := dims(b)

	if ar != br || ac != bc {
		return false
	}

	for i := 0; i < ar; i++ {
		for j := 0; j < ac; j++ {
			if !t.within(a.At(i, j), b.At(i, j)) {
				return false
			}
		}
	}

	return true
}

// dims is mat.Matrix.Dims that tolerates nil and empty matrices.
func dims(m mat.Matrix) (r, c int) {
	if m == nil {
		return 0, 0
	}

	if d, ok := m.(*mat.Dense); ok && (d == nil || d.IsEmpty()) {
		return 0, 0
	}

	return m.Dims()
}

// vecLen is mat.Vector.Len that tolerates nil vectors.
func vecLen(v mat.Vector) int {
	if v == nil {
		return 0
	}

	if vd, ok := v.(*mat.VecDense); ok && (vd == nil || vd.IsEmpty()) {
		return 0
	}

	return v.Len()
}

// batchDims returns the shape of a point batch, failing on empty batches and
// on batches whose width is not want. A negative want accepts any width.
func batchDims(m mat.Matrix, want int) (r, c int, err error) {
	r, c = dims(m)
	if r == 0 || c == 0 {
		return 0, 0, ErrEmptyBatch
	}

	if want >= 0 && c != want {
		return 0, 0, fmt.Errorf("expected %d columns, got %d: %w", want, c, ErrDimensionMismatch)
	}

	return r, c, nil
}

// rowsOf copies m into a slice of rows.
func rowsOf(m mat.Matrix) [][]float64 {
	r, c := dims(m)

	rows := make([][]float64, r)
	for i := range rows {
		rows[i] = make([]float64, c)
		for j := range rows[i] {
			rows[i][j] = m.At(i, j)
		}
	}

	return rows
}

// denseFromRows builds an r×c matrix from rows. rows must be non-empty and
// rectangular.
func denseFromRows(rows [][]float64) *mat.Dense {
	c := len(rows[0])

	data := make([]float64, 0, len(rows)*c)
	for _, row := range rows {
		data = append(data, row...)
	}

	return mat.NewDense(len(rows), c, data)
}

// vecValues copies v into a slice.
func vecValues(v mat.Vector) []float64 {
	n := vecLen(v)

	out := make([]float64, n)
	for i := range out {
		out[i] = v.AtVec(i)
	}

	return out
}

// replicate returns a slice holding m n times.
func replicate(m mat.Matrix, n int) []mat.Matrix {
	out := make([]mat.Matrix, n)
	for i := range out {
		out[i] = m
	}

	return out
}

// singleDesign verifies that all outcome design matrices are identical within
// tol and returns the first one.
func singleDesign(Xs []mat.Matrix, tol Tolerance) (mat.Matrix, error) {
	if len(Xs) == 0 {
		return nil, fmt.Errorf("no outcome design matrices: %w", ErrEmptyBatch)
	}

	x := Xs[0]
	for i := 1; i < len(Xs); i++ {
		if !tol.matricesClose(x, Xs[i]) {
			return nil, fmt.Errorf("outcome %d differs from outcome 0: %w", i, ErrInconsistentOutcomes)
		}
	}

	return x, nil
}
