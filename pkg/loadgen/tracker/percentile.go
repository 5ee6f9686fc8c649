package tracker

import (
	"math"
	"slices"
)

// Percentile returns the p-th percentile of values using the nearest-rank method:
// the value at index ceil(p/100*n)-1 of the sorted values, clamped to [0, n-1].
// It returns 0 for an empty slice. values is not modified.
func Percentile(values []float64, p float64) float64 {
	return Percentiles(values, p)[0]
}

// Percentiles computes several nearest-rank percentiles with a single sort.
func Percentiles(values []float64, ps ...float64) []float64 {
	res := make([]float64, len(ps))
	if len(values) == 0 {
		return res
	}
	sorted := slices.Clone(values)
	slices.Sort(sorted)
	for i, p := range ps {
		res[i] = sorted[rankIndex(len(sorted), p)]
	}
	return res
}

func rankIndex(n int, p float64) int {
	idx := int(math.Ceil(p/100*float64(n))) - 1
	if idx < 0 {
		return 0
	}
	if idx > n-1 {
		return n - 1
	}
	return idx
}
