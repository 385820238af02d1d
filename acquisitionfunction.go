package rembo

import (
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

//////
// Available acquisition functions for Bayesian optimization.
// Each function helps decide which points to evaluate next by balancing
// exploration (trying new areas) and exploitation (focusing on known good areas).
// The objective is minimized and lower acquisition values are better.
//////

// UCB implements the Upper Confidence Bound acquisition function, in its
// lower-bound form for minimization.
//
// How it works:
// - Combines the predicted mean with the uncertainty (variance)
// - The Beta parameter controls the trade-off between exploration and exploitation
//
// Example:
//
//	params := AcquisitionParams{
//	    Beta: 2.0,  // Balance between exploration and exploitation
//	}
//	value := UCB(0.5, 0.2, params)  // Evaluate a point with mean=0.5, variance=0.2
func UCB(mean, variance float64, params AcquisitionParams) float64 {
	return mean - params.Beta*math.Sqrt(math.Max(variance, 0))
}

// ProbabilityOfImprovement (PI) returns the negated probability that a point
// improves on params.BestSoFar by at least params.Xi.
//
// When to use:
// - When you want to be conservative in exploring new points
// - In problems where being "probably better" is more important than "how much better"
//
// With zero variance the probability is 1 if the mean improves and 0
// otherwise.
func ProbabilityOfImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	if variance <= 0 {
		if improvement > 0 {
			return -1
		}

		return 0
	}

	return -distuv.UnitNormal.CDF(improvement / math.Sqrt(variance))
}

// ExpectedImprovement (EI) returns the negated expected improvement over
// params.BestSoFar - params.Xi.
//
// How it works:
// - Combines the probability of improvement with the magnitude of improvement
// - Often provides better exploration than PI
//
// Example:
//
//	params := AcquisitionParams{
//	    BestSoFar: 1.0,
//	    Xi: 0.01,
//	}
//	expected := ExpectedImprovement(0.9, 0.2, params)
func ExpectedImprovement(mean, variance float64, params AcquisitionParams) float64 {
	improvement := params.BestSoFar - params.Xi - mean

	if variance <= 0 {
		return -math.Max(improvement, 0)
	}

	sigma := math.Sqrt(variance)
	z := improvement / sigma

	return -(improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z))
}

// ThompsonSampling draws a sample from the posterior at the point.
//
// Warning:
// - params.RandomState must not be nil; GaussianProcess sets it before every Gen
func ThompsonSampling(mean, variance float64, params AcquisitionParams) float64 {
	return mean + math.Sqrt(math.Max(variance, 0))*params.RandomState.NormFloat64()
}
