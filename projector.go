package rembo

import (
	"fmt"
	"math"
	"math/rand"
	"time"

	"gonum.org/v1/gonum/mat"
)

//////
// Const, vars, types.
//////

// pinvCutoff is the relative singular value cutoff of the pseudo-inverse.
// Singular values below pinvCutoff * max(D, d) * max(s) are treated as zero.
const pinvCutoff = 1e-12

// Projector maps points between the low-dimensional search space and the
// high-dimensional evaluation space [-1, 1]^D through a fixed D×d matrix A.
//
// A and its Moore-Penrose pseudo-inverse are computed once by NewProjector
// and never change, so a Projector is safe for concurrent use.
type Projector struct {
	// a is the D×d projection matrix.
	a *mat.Dense

	// pinv is the d×D pseudo-inverse of a.
	pinv *mat.Dense

	high, low int
}

//////
// Methods.
//////

// HighDim returns D.
func (p *Projector) HighDim() int { return p.high }

// LowDim returns d.
func (p *Projector) LowDim() int { return p.low }

// Matrix returns a copy of A.
func (p *Projector) Matrix() *mat.Dense { return mat.DenseCopyOf(p.a) }

// PseudoInverse returns a copy of the cached pseudo-inverse of A.
func (p *Projector) PseudoInverse() *mat.Dense { return mat.DenseCopyOf(p.pinv) }

// Up projects each low-dimensional row of x to the high-dimensional space:
// clamp(x·Aᵗ, -1, 1). Every coordinate of the result lies in [-1, 1].
func (p *Projector) Up(x mat.Matrix) (*mat.Dense, error) {
	r, _, err := batchDims(x, p.low)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(r, p.high, nil)
	out.Mul(x, p.a.T())
	out.Apply(func(_, _ int, v float64) float64 {
		return clamp(v, -1, 1)
	}, out)

	return out, nil
}

// upRow projects a single low-dimensional point. z must have length d.
func (p *Projector) upRow(z []float64) []float64 {
	var v mat.VecDense
	v.MulVec(p.a, mat.NewVecDense(len(z), z))

	out := make([]float64, p.high)
	for i := range out {
		out[i] = clamp(v.AtVec(i), -1, 1)
	}

	return out
}

// Down maps each high-dimensional row of x to an approximate low-dimensional
// coordinate, x·pinv(A)ᵗ. A is not generally invertible, so the result is
// only meaningful for points inside the embedding; see DownValidated.
func (p *Projector) Down(x mat.Matrix) (*mat.Dense, error) {
	r, _, err := batchDims(x, p.high)
	if err != nil {
		return nil, err
	}

	out := mat.NewDense(r, p.low, nil)
	out.Mul(x, p.pinv.T())

	return out, nil
}

// DownValidated is Down followed by a round-trip check: the result is
// projected back up and compared with x within tol. Rows that do not survive
// the round trip lie outside the linear embedding, and ErrOutsideEmbedding is
// returned.
func (p *Projector) DownValidated(x mat.Matrix, tol Tolerance) (*mat.Dense, error) {
	low, err := p.Down(x)
	if err != nil {
		return nil, err
	}

	up, err := p.Up(low)
	if err != nil {
		return nil, err
	}

	for i, row := range rowsOf(x) {
		if !tol.allClose(up.RawRowView(i), row) {
			return nil, fmt.Errorf("row %d: %w", i, ErrOutsideEmbedding)
		}
	}

	return low, nil
}

//////
// Factory.
//////

// NewProjector builds a Projector from the D×d matrix a, with D >= d >= 1.
// a is copied; later changes to it have no effect.
//
// Returns ErrInvalidConfig for empty, wide or non-finite matrices and
// ErrSVDFailed if the pseudo-inverse cannot be computed.
func NewProjector(a mat.Matrix) (*Projector, error) {
	D, d := dims(a)
	if D == 0 || d == 0 {
		return nil, fmt.Errorf("projection matrix is empty: %w", ErrInvalidConfig)
	}

	if d > D {
		return nil, fmt.Errorf("projection matrix is %dx%d, low dimension exceeds high dimension: %w", D, d, ErrInvalidConfig)
	}

	ad := mat.DenseCopyOf(a)
	for i := 0; i < D; i++ {
		for j := 0; j < d; j++ {
			if v := ad.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return nil, fmt.Errorf("projection matrix entry (%d, %d) is not finite: %w", i, j, ErrInvalidConfig)
			}
		}
	}

	pinv, err := pseudoInverse(ad)
	if err != nil {
		return nil, err
	}

	return &Projector{a: ad, pinv: pinv, high: D, low: d}, nil
}

// pseudoInverse computes V·S⁺·Uᵗ from the thin SVD a = U·S·Vᵗ.
func pseudoInverse(a *mat.Dense) (*mat.Dense, error) {
	r, c := a.Dims()

	var svd mat.SVD
	if ok := svd.Factorize(a, mat.SVDThin); !ok {
		return nil, ErrSVDFailed
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	s := svd.Values(nil)

	maxS := 0.0
	for _, si := range s {
		maxS = math.Max(maxS, si)
	}

	eps := pinvCutoff * math.Max(float64(r), float64(c)) * maxS

	var vs mat.Dense
	vs.Apply(func(_, j int, x float64) float64 {
		if s[j] > eps {
			return x / s[j]
		}

		return 0
	}, &v)

	var pinv mat.Dense
	pinv.Mul(&vs, u.T())

	return &pinv, nil
}

// RandomProjection draws a D×d matrix with independent standard normal
// entries. If rng is nil a time-seeded generator is used.
//
// Returns ErrInvalidConfig unless D >= d >= 1.
//
// Usage example:
//
//	A, err := RandomProjection(100, 4, rand.New(rand.NewSource(1)))
//	if err != nil {
//	    return err
//	}
//
//	r, err := New(DefaultConfig(), engine, A, initialXd, DefaultLowDimBounds(4))
func RandomProjection(D, d int, rng *rand.Rand) (*mat.Dense, error) {
	if d < 1 || D < d {
		return nil, fmt.Errorf("projection dimensions %dx%d, need D >= d >= 1: %w", D, d, ErrInvalidConfig)
	}

	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	data := make([]float64, D*d)
	for i := range data {
		data[i] = rng.NormFloat64()
	}

	return mat.NewDense(D, d, data), nil
}
