package sim

import (
	"math"
	"math/rand"
)

// Variate generators. All of them draw from the run's single source so a
// fixed seed reproduces the whole run.

// exponential samples Exp(rate) by inverting the CDF.
func exponential(r *rand.Rand, rate float64) float64 {
	// 1-u keeps the argument of the log inside (0, 1].
	return -math.Log(1-r.Float64()) / rate
}

// uniform samples U(a, b).
func uniform(r *rand.Rand, a, b float64) float64 {
	return a + (b-a)*r.Float64()
}

// triangular samples a triangular distribution by inverting its CDF.
func triangular(r *rand.Rand, d TriangularDist) float64 {
	u := r.Float64()
	span := d.High - d.Low
	cut := (d.Mode - d.Low) / span
	if u < cut {
		return d.Low + math.Sqrt(u*span*(d.Mode-d.Low))
	}
	return d.High - math.Sqrt((1-u)*span*(d.High-d.Mode))
}

// normal samples N(mean, sd).
func normal(r *rand.Rand, mean, sd float64) float64 {
	return r.NormFloat64()*sd + mean
}

// chance reports whether a uniform draw falls below p, so p=0 never fires
// and p=1 always does.
func chance(r *rand.Rand, p float64) bool {
	return r.Float64() < p
}

// between draws an integer uniformly from [lo, hi].
func between(r *rand.Rand, lo, hi int) int {
	return lo + r.Intn(hi-lo+1)
}
