package learner

import (
	"math"
	"sort"
)

// summary holds descriptive statistics over one sample window.
type summary struct {
	Count       int
	Mean        float64
	StdDev      float64
	Percentiles map[float64]float64
}

var trackedPercentiles = []float64{10, 25, 50, 75, 90, 95, 99}

// summarize computes mean, stddev, and the tracked percentiles
// (nearest-rank on the sorted samples).
func summarize(values []float64) summary {
	s := summary{Count: len(values), Percentiles: make(map[float64]float64, len(trackedPercentiles))}
	if len(values) == 0 {
		return s
	}

	mean := 0.0
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))

	variance := 0.0
	for _, v := range values {
		variance += (v - mean) * (v - mean)
	}
	variance /= float64(len(values))

	s.Mean = mean
	s.StdDev = math.Sqrt(variance)

	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	for _, p := range trackedPercentiles {
		s.Percentiles[p] = nearestRank(sorted, p)
	}
	return s
}

// nearestRank returns the p-th percentile of sorted values using the
// nearest-rank method.
func nearestRank(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100.0 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// olsSlope fits value = a + b*index by ordinary least squares and returns b.
func olsSlope(values []float64) float64 {
	n := float64(len(values))
	if n < 2 {
		return 0
	}

	var sumX, sumY, sumXY, sumXX float64
	for i, v := range values {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumXX += x * x
	}

	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return 0
	}
	return (n*sumXY - sumX*sumY) / denom
}

// hourlyProfile computes the mean value per hour-of-day bucket. Buckets
// without samples report a zero mean and count.
type hourlyProfile struct {
	means  [24]float64
	counts [24]int
}

func profileByHour(samples []Sample) hourlyProfile {
	var p hourlyProfile
	var sums [24]float64
	for _, s := range samples {
		sums[s.HourOfDay] += s.Value
		p.counts[s.HourOfDay]++
	}
	for h := 0; h < 24; h++ {
		if p.counts[h] > 0 {
			p.means[h] = sums[h] / float64(p.counts[h])
		}
	}
	return p
}

func clamp(value, lo, hi float64) float64 {
	if value < lo {
		return lo
	}
	if value > hi {
		return hi
	}
	return value
}
