package kinematics

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/optimize"
	"gonum.org/v1/gonum/stat"
	"gonum.org/v1/gonum/stat/distuv"
)

// minModeSamples is the smallest sample count worth fitting a distribution to.
const minModeSamples = 3

// flatSpread is the relative standard deviation below which samples are
// treated as identical and the mean is returned directly.
const flatSpread = 1e-9

// bounceFraction is the share of the median below which an interval is
// taken as contact bounce and left out of the fit.
const bounceFraction = 0.25

// minGapSpread bounds how close the fitted location may come to the
// shortest interval, in standard deviations. Closer than that the
// likelihood grows without limit for shapes below one.
const minGapSpread = 0.25

// locationSteps is the number of location candidates tried, on a log
// scale of the gap below the shortest interval, before refining.
const locationSteps = 17

var fitSettings = &optimize.Settings{
	FuncEvaluations: 400,
}

// each location evaluation runs a shape fit of its own
var locationSettings = &optimize.Settings{
	FuncEvaluations: 60,
}

// StepMode estimates the most probable step duration from samples.
//
// Intervals shorter than a quarter of the median are dropped as bounce.
// The rest are fitted to a three parameter gamma distribution (shape,
// location, scale) by maximum likelihood, with the location profiled
// below the shortest interval, and the mode of the fitted density is
// located numerically. The result always lies within the fitted samples.
func StepMode(samples []float64) float64 {
	if len(samples) == 0 {
		return 0
	}
	mean := stat.Mean(samples, nil)
	if len(samples) < minModeSamples || mean <= 0 {
		return mean
	}
	for _, s := range samples {
		if s <= 0 {
			// log-likelihood undefined; fall back to the plain mean
			return mean
		}
	}

	kept := withoutBounce(samples)
	if len(kept) < minModeSamples {
		return stat.Mean(kept, nil)
	}
	mean = stat.Mean(kept, nil)
	if stat.StdDev(kept, nil)/mean < flatSpread {
		return mean
	}
	lo, hi := floats.Min(kept), floats.Max(kept)

	fit, ok := fitShiftedGamma(kept)
	if !ok {
		return mean
	}
	if fit.alpha <= 1 {
		// density decreases away from the location, which sits just
		// below the shortest interval
		return lo
	}

	g := distuv.Gamma{Alpha: fit.alpha, Beta: fit.beta}
	analytic := fit.loc + (fit.alpha-1)/fit.beta
	logProb := func(x float64) float64 { return g.LogProb(x - fit.loc) }

	// Search over log(x - loc) so the candidate stays inside the support.
	res, err := optimize.Minimize(optimize.Problem{
		Func: func(x []float64) float64 {
			return -logProb(fit.loc + math.Exp(x[0]))
		},
	}, []float64{math.Log(analytic - fit.loc)}, fitSettings, &optimize.NelderMead{})
	mode := analytic
	if err == nil && res != nil {
		if m := fit.loc + math.Exp(res.X[0]); !math.IsNaN(m) && !math.IsInf(m, 0) && logProb(m) >= logProb(analytic) {
			mode = m
		}
	}
	return math.Min(math.Max(mode, lo), hi)
}

// withoutBounce drops intervals shorter than bounceFraction of the median.
func withoutBounce(samples []float64) []float64 {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)
	cut := bounceFraction * stat.Quantile(0.5, stat.Empirical, sorted, nil)
	i := sort.SearchFloat64s(sorted, cut)
	return sorted[i:]
}

type gammaFit struct {
	alpha, beta, loc float64
	nll              float64
}

// fitShiftedGamma fits shape, rate and location to samples. The location
// is profiled over its gap below the shortest sample, from minGapSpread
// standard deviations up to the shortest sample itself: a coarse log scale
// scan followed by a Nelder-Mead refinement. For each location the shape
// and rate come from fitGamma on the shifted samples.
func fitShiftedGamma(samples []float64) (gammaFit, bool) {
	lo := floats.Min(samples)
	sd := stat.StdDev(samples, nil)
	maxGap, minGap := math.Log(lo), math.Log(math.Min(lo, minGapSpread*sd))

	shifted := make([]float64, len(samples))
	at := func(logGap float64) (gammaFit, bool) {
		logGap = math.Min(math.Max(logGap, minGap), maxGap)
		loc := lo - math.Exp(logGap)
		for i, s := range samples {
			shifted[i] = s - loc
		}
		alpha, beta, nll, ok := fitGamma(shifted)
		return gammaFit{alpha: alpha, beta: beta, loc: loc, nll: nll}, ok
	}

	best, found := gammaFit{}, false
	bestGap := maxGap
	for k := 0; k < locationSteps; k++ {
		logGap := maxGap + (minGap-maxGap)*float64(k)/float64(locationSteps-1)
		if f, ok := at(logGap); ok && (!found || f.nll < best.nll) {
			best, bestGap, found = f, logGap, true
		}
	}
	if !found {
		return gammaFit{}, false
	}

	res, err := optimize.Minimize(optimize.Problem{
		Func: func(x []float64) float64 {
			f, ok := at(x[0])
			if !ok {
				return math.Inf(1)
			}
			return f.nll
		},
	}, []float64{bestGap}, locationSettings, &optimize.NelderMead{})
	if err == nil && res != nil && !math.IsNaN(res.X[0]) {
		if f, ok := at(res.X[0]); ok && f.nll < best.nll {
			best = f
		}
	}
	return best, true
}

// fitGamma returns the maximum likelihood shape and rate for samples and
// the mean negative log-likelihood of the fit. The rate is profiled out
// (beta = alpha/mean) so only the shape is searched.
func fitGamma(samples []float64) (alpha, beta, nll float64, ok bool) {
	mean := stat.Mean(samples, nil)
	var meanLog float64
	for _, s := range samples {
		meanLog += math.Log(s)
	}
	meanLog /= float64(len(samples))

	// Minka's approximation as the starting shape
	spread := math.Log(mean) - meanLog
	if !(spread > 0) || math.IsInf(spread, 0) {
		return 0, 0, 0, false
	}
	alpha0 := (3 - spread + math.Sqrt((spread-3)*(spread-3)+24*spread)) / (12 * spread)

	f := func(x []float64) float64 {
		a := math.Exp(x[0])
		lg, _ := math.Lgamma(a)
		return lg - a*math.Log(a/mean) - (a-1)*meanLog + a
	}
	start := []float64{math.Log(alpha0)}
	alpha, nll = alpha0, f(start)
	res, err := optimize.Minimize(optimize.Problem{Func: f}, start, fitSettings, &optimize.NelderMead{})
	if err == nil && res != nil && !math.IsNaN(res.X[0]) && res.F <= nll {
		alpha, nll = math.Exp(res.X[0]), res.F
	}
	if math.IsInf(alpha, 0) || alpha <= 0 || math.IsNaN(nll) {
		return 0, 0, 0, false
	}
	return alpha, alpha / mean, nll, true
}

// CumulativeAverage folds value into a running average over k samples,
// k counting value itself.
func CumulativeAverage(avg, value float64, k int) float64 {
	if k <= 1 {
		return value
	}
	return (value + float64(k-1)*avg) / float64(k)
}
