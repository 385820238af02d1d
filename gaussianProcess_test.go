package rembo

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func seededEngine(seed int64) *GaussianProcess {
	cfg := DefaultEngineConfig()
	cfg.RandomState = rand.New(rand.NewSource(seed))

	return NewGaussianProcess(cfg)
}

// fitLine fits 1, 2, 0 at 0, 0.5, 1.
func fitLine(t *testing.T, gp *GaussianProcess) {
	t.Helper()

	X := mat.NewDense(3, 1, []float64{0, 0.5, 1})
	y := mat.NewVecDense(3, []float64{1, 2, 0})

	require.NoError(t, gp.Fit(
		[]mat.Matrix{X},
		[]mat.Vector{y},
		[]mat.Vector{nil},
		SearchSpaceDigest{Bounds: UnitBounds(1)},
		[]string{"y"},
	))
}

// fitPlane fits x0 + x1 on the corners of the unit square.
func fitPlane(t *testing.T, gp *GaussianProcess) {
	t.Helper()

	X := mat.NewDense(4, 2, []float64{
		0, 0,
		1, 0,
		0, 1,
		1, 1,
	})
	y := mat.NewVecDense(4, []float64{0, 1, 1, 2})

	require.NoError(t, gp.Fit(
		[]mat.Matrix{X},
		[]mat.Vector{y},
		[]mat.Vector{mat.NewVecDense(4, []float64{math.NaN(), 0, 0, 0})},
		SearchSpaceDigest{Bounds: UnitBounds(2)},
		nil,
	))
}

func TestGaussianProcessInterpolates(t *testing.T) {
	gp := seededEngine(1)
	fitLine(t, gp)

	p, err := gp.Predict(mat.NewDense(4, 1, []float64{0, 0.5, 1, 0.25}))
	require.NoError(t, err)

	assert.InDelta(t, 1, p.Mean.At(0, 0), 1e-3)
	assert.InDelta(t, 2, p.Mean.At(1, 0), 1e-3)
	assert.InDelta(t, 0, p.Mean.At(2, 0), 1e-3)

	require.Len(t, p.Cov, 4)
	assert.Less(t, p.Cov[0].At(0, 0), 1e-3)
	assert.Greater(t, p.Cov[3].At(0, 0), p.Cov[0].At(0, 0))

	assert.Equal(t, []string{"y"}, gp.MetricNames())
}

func TestGaussianProcessNotFitted(t *testing.T) {
	gp := seededEngine(1)
	w := mat.NewVecDense(1, []float64{1})

	_, err := gp.Predict(mat.NewDense(1, 1, []float64{0}))
	assert.ErrorIs(t, err, ErrModelNotFitted)

	_, err = gp.Gen(1, UnitBounds(1), w, GenOptions{})
	assert.ErrorIs(t, err, ErrModelNotFitted)

	_, _, err = gp.BestPoint(UnitBounds(1), w, GenOptions{})
	assert.ErrorIs(t, err, ErrModelNotFitted)

	err = gp.Update([]mat.Matrix{mat.NewDense(1, 1, nil)}, []mat.Vector{mat.NewVecDense(1, nil)}, []mat.Vector{nil})
	assert.ErrorIs(t, err, ErrModelNotFitted)
}

func TestGaussianProcessFitValidation(t *testing.T) {
	gp := seededEngine(1)
	X := mat.NewDense(2, 1, []float64{0, 1})
	y := mat.NewVecDense(2, []float64{0, 1})

	err := gp.Fit([]mat.Matrix{X}, []mat.Vector{y}, []mat.Vector{nil}, SearchSpaceDigest{Bounds: UnitBounds(1), TaskFeatures: []int{0}}, nil)
	assert.ErrorIs(t, err, ErrUnsupportedFeature)

	err = gp.Fit([]mat.Matrix{X}, []mat.Vector{y}, []mat.Vector{nil}, SearchSpaceDigest{Bounds: UnitBounds(1)}, []string{"a", "b"})
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = gp.Fit([]mat.Matrix{X}, []mat.Vector{mat.NewVecDense(3, nil)}, []mat.Vector{nil}, SearchSpaceDigest{Bounds: UnitBounds(1)}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = gp.Fit([]mat.Matrix{X}, []mat.Vector{y}, []mat.Vector{nil}, SearchSpaceDigest{Bounds: UnitBounds(2)}, nil)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	err = gp.Fit(nil, nil, nil, SearchSpaceDigest{Bounds: UnitBounds(1)}, nil)
	assert.ErrorIs(t, err, ErrEmptyBatch)
}

func TestGaussianProcessMultipleOutcomes(t *testing.T) {
	gp := seededEngine(1)
	X := mat.NewDense(3, 1, []float64{0, 0.5, 1})

	require.NoError(t, gp.Fit(
		[]mat.Matrix{X, X},
		[]mat.Vector{mat.NewVecDense(3, []float64{1, 2, 0}), mat.NewVecDense(3, []float64{5, 5, 5})},
		[]mat.Vector{nil, nil},
		SearchSpaceDigest{Bounds: UnitBounds(1)},
		[]string{"a", "b"},
	))

	p, err := gp.Predict(mat.NewDense(1, 1, []float64{0.5}))
	require.NoError(t, err)

	rows, cols := p.Mean.Dims()
	assert.Equal(t, 1, rows)
	assert.Equal(t, 2, cols)
	assert.InDelta(t, 2, p.Mean.At(0, 0), 1e-3)
	assert.InDelta(t, 5, p.Mean.At(0, 1), 1e-3)
	assert.Equal(t, 2, p.Cov[0].SymmetricDim())
	assert.Zero(t, p.Cov[0].At(0, 1))

	// The number of outcomes must not change.
	err = gp.Update([]mat.Matrix{X}, []mat.Vector{mat.NewVecDense(3, nil)}, []mat.Vector{nil})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestGaussianProcessUpdate(t *testing.T) {
	gp := seededEngine(1)
	fitLine(t, gp)

	X := mat.NewDense(2, 1, []float64{0, 1})
	require.NoError(t, gp.Update([]mat.Matrix{X}, []mat.Vector{mat.NewVecDense(2, []float64{3, 4})}, []mat.Vector{nil}))

	p, err := gp.Predict(mat.NewDense(2, 1, []float64{0, 1}))
	require.NoError(t, err)
	assert.InDelta(t, 3, p.Mean.At(0, 0), 1e-3)
	assert.InDelta(t, 4, p.Mean.At(1, 0), 1e-3)
}

func TestGaussianProcessGen(t *testing.T) {
	gp := seededEngine(3)
	fitPlane(t, gp)

	res, err := gp.Gen(3, UnitBounds(2), mat.NewVecDense(1, []float64{-1}), GenOptions{})
	require.NoError(t, err)

	rows, cols := res.Points.Dims()
	require.Equal(t, 3, rows)
	require.Equal(t, 2, cols)

	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			assert.GreaterOrEqual(t, res.Points.At(i, j), 0.0)
			assert.LessOrEqual(t, res.Points.At(i, j), 1.0)
		}
	}

	assert.Equal(t, []float64{1, 1, 1}, res.Weights)
	assert.Len(t, res.Metadata["acquisition"], 3)

	_, err = gp.Gen(0, UnitBounds(2), mat.NewVecDense(1, []float64{-1}), GenOptions{})
	assert.ErrorIs(t, err, ErrEmptyBatch)

	_, err = gp.Gen(1, UnitBounds(2), mat.NewVecDense(2, []float64{-1, 1}), GenOptions{})
	assert.ErrorIs(t, err, ErrDimensionMismatch)
}

func TestGaussianProcessGenOptions(t *testing.T) {
	gp := seededEngine(3)
	fitPlane(t, gp)

	w := mat.NewVecDense(1, []float64{-1})

	t.Run("fixed features", func(t *testing.T) {
		res, err := gp.Gen(4, UnitBounds(2), w, GenOptions{FixedFeatures: map[int]float64{1: 0.25}})
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			assert.Equal(t, 0.25, res.Points.At(i, 1))
		}
	})

	t.Run("linear constraints", func(t *testing.T) {
		lc := &LinearConstraints{A: mat.NewDense(1, 2, []float64{1, 0}), B: mat.NewVecDense(1, []float64{0.2})}

		res, err := gp.Gen(4, UnitBounds(2), w, GenOptions{LinearConstraints: lc})
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			assert.LessOrEqual(t, res.Points.At(i, 0), 0.2)
		}
	})

	t.Run("infeasible linear constraints", func(t *testing.T) {
		lc := &LinearConstraints{A: mat.NewDense(1, 2, []float64{1, 0}), B: mat.NewVecDense(1, []float64{-1})}

		_, err := gp.Gen(1, UnitBounds(2), w, GenOptions{LinearConstraints: lc})
		assert.ErrorIs(t, err, ErrNoCandidate)
	})

	t.Run("malformed constraints", func(t *testing.T) {
		lc := &LinearConstraints{A: mat.NewDense(1, 3, nil), B: mat.NewVecDense(1, nil)}

		_, err := gp.Gen(1, UnitBounds(2), w, GenOptions{LinearConstraints: lc})
		assert.ErrorIs(t, err, ErrDimensionMismatch)
	})
}

func TestGaussianProcessNumCandidates(t *testing.T) {
	const seed = 5

	gp := seededEngine(seed)
	fitLine(t, gp)

	// With a single candidate the draw is the first random number.
	res, err := gp.Gen(1, UnitBounds(1), mat.NewVecDense(1, []float64{-1}), GenOptions{
		ModelGenOptions: map[string]any{"num_candidates": 1},
	})
	require.NoError(t, err)

	want := rand.New(rand.NewSource(seed)).Float64()
	assert.Equal(t, want, res.Points.At(0, 0))
}

func TestGaussianProcessBestPoint(t *testing.T) {
	gp := seededEngine(1)
	fitLine(t, gp)

	// Minimize the outcome.
	x, ok, err := gp.BestPoint(UnitBounds(1), mat.NewVecDense(1, []float64{-1}), GenOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{1}, x.RawVector().Data)

	// Maximize the outcome.
	x, ok, err = gp.BestPoint(UnitBounds(1), mat.NewVecDense(1, []float64{1}), GenOptions{})
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []float64{0.5}, x.RawVector().Data)

	// No training point predicts an outcome below -5.
	oc := &OutcomeConstraints{A: mat.NewDense(1, 1, []float64{1}), B: mat.NewVecDense(1, []float64{-5})}

	x, ok, err = gp.BestPoint(UnitBounds(1), mat.NewVecDense(1, []float64{1}), GenOptions{OutcomeConstraints: oc})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Nil(t, x)
}

func TestGaussianProcessCrossValidate(t *testing.T) {
	gp := seededEngine(1)

	X := mat.NewDense(2, 1, []float64{0, 1})
	Y := mat.NewVecDense(2, []float64{7, 9})

	// No fit needed.
	p, err := gp.CrossValidate([]mat.Matrix{X}, []mat.Vector{Y}, []mat.Vector{nil}, mat.NewDense(1, 1, []float64{1}))
	require.NoError(t, err)
	assert.InDelta(t, 9, p.Mean.At(0, 0), 1e-3)

	fitLine(t, gp)

	before, err := gp.Predict(mat.NewDense(1, 1, []float64{0.25}))
	require.NoError(t, err)

	_, err = gp.CrossValidate([]mat.Matrix{X}, []mat.Vector{Y}, []mat.Vector{nil}, mat.NewDense(1, 1, []float64{0.25}))
	require.NoError(t, err)

	after, err := gp.Predict(mat.NewDense(1, 1, []float64{0.25}))
	require.NoError(t, err)

	assert.Equal(t, before.Mean.RawMatrix().Data, after.Mean.RawMatrix().Data)
}

func TestGaussianProcessSigma(t *testing.T) {
	gp := seededEngine(1)
	fitLine(t, gp)

	assert.ErrorIs(t, gp.SetSigma(0), ErrInvalidConfig)
	assert.ErrorIs(t, gp.SetSigma(math.NaN()), ErrInvalidConfig)
	assert.Equal(t, 0.25, gp.GetSigma())

	require.NoError(t, gp.SetSigma(0.1))
	assert.Equal(t, 0.1, gp.GetSigma())

	p, err := gp.Predict(mat.NewDense(1, 1, []float64{0.5}))
	require.NoError(t, err)
	assert.InDelta(t, 2, p.Mean.At(0, 0), 1e-3)
}

func TestRBFKernel(t *testing.T) {
	gp := seededEngine(1)

	assert.Equal(t, 1.0, gp.RBFKernel([]float64{0.3, 0.7}, []float64{0.3, 0.7}))
	assert.InDelta(t, math.Exp(-2), gp.RBFKernel([]float64{0}, []float64{0.5}), 1e-12)
	assert.Panics(t, func() { gp.RBFKernel([]float64{0}, []float64{0, 1}) })
}

func TestAcquisitionFunctions(t *testing.T) {
	params := AcquisitionParams{Beta: 2, BestSoFar: 1}

	assert.InDelta(t, 0.1, UCB(0.5, 0.04, params), 1e-12)

	assert.Equal(t, -1.0, ProbabilityOfImprovement(0.5, 0, params))
	assert.Equal(t, 0.0, ProbabilityOfImprovement(2, 0, params))
	assert.InDelta(t, -0.5, ProbabilityOfImprovement(1, 1, params), 1e-12)

	assert.InDelta(t, -0.5, ExpectedImprovement(0.5, 0, params), 1e-12)
	assert.Equal(t, 0.0, ExpectedImprovement(2, 0, params))
	assert.InDelta(t, -1/math.Sqrt(2*math.Pi), ExpectedImprovement(1, 1, params), 1e-12)

	// Lower is better: a lower mean improves every criterion.
	assert.Less(t, ExpectedImprovement(0, 1, params), ExpectedImprovement(1, 1, params))
	assert.Less(t, ProbabilityOfImprovement(0, 1, params), ProbabilityOfImprovement(1, 1, params))

	params.RandomState = rand.New(rand.NewSource(9))
	draw := rand.New(rand.NewSource(9)).NormFloat64()
	assert.InDelta(t, 0.5+0.2*draw, ThompsonSampling(0.5, 0.04, params), 1e-12)
}

func TestNewGaussianProcessDefaults(t *testing.T) {
	gp := NewGaussianProcess(EngineConfig{})
	def := DefaultEngineConfig()

	assert.Equal(t, def.Sigma, gp.GetSigma())
	assert.Equal(t, def.NoiseVariance, gp.cfg.NoiseVariance)
	assert.Equal(t, def.NumCandidates, gp.cfg.NumCandidates)
	assert.NotNil(t, gp.cfg.AcquisitionFunc)
	assert.NotNil(t, gp.rng)
	assert.Equal(t, def.AcqParams, gp.cfg.AcqParams)

	// Explicit acquisition parameters are kept.
	gp = NewGaussianProcess(EngineConfig{AcqParams: AcquisitionParams{Beta: 5}})
	assert.Equal(t, 5.0, gp.cfg.AcqParams.Beta)
	assert.Zero(t, gp.cfg.AcqParams.Xi)
}

func TestGaussianProcessSetSigmaFailure(t *testing.T) {
	gp := seededEngine(1)
	fitLine(t, gp)

	// A negative fallback noise makes every kernel matrix indefinite, both at
	// the new width and when restoring the old one.
	gp.cfg.NoiseVariance = -10

	err := gp.SetSigma(0.1)
	require.ErrorIs(t, err, ErrNotPositiveDefinite)
	assert.Contains(t, err.Error(), "sigma 0.1")
	assert.Contains(t, err.Error(), "restoring outcome 0")
	assert.Equal(t, 0.25, gp.GetSigma())
}
