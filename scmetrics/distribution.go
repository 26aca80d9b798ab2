package scmetrics

import "fmt"

// BucketLayout is one of three legal distribution bucket shapes (spec §3).
// Merge is legal only between distributions with an identical layout.
type BucketLayout int

const (
	ExplicitBuckets BucketLayout = iota
	LinearBuckets
	ExponentialBuckets
)

// Distribution is a bucketed histogram plus running summary statistics,
// maintained in closed form across merges (no re-scan of raw samples).
type Distribution struct {
	Layout BucketLayout

	// ExplicitBuckets layout.
	Bounds []float64

	// LinearBuckets layout: NumBuckets of Width starting at Offset.
	NumBuckets int
	Width      float64
	Offset     float64

	// ExponentialBuckets layout: NumBuckets growing by GrowthFactor from Scale.
	GrowthFactor float64
	Scale        float64

	BucketCounts []int64

	Count int64
	Mean  float64
	// SumOfSquaredDeviation is Welford's M2 accumulator; see MergeDistributions.
	SumOfSquaredDeviation float64
	Min                   float64
	Max                   float64
}

func (d *Distribution) sameLayout(o *Distribution) bool {
	if d.Layout != o.Layout {
		return false
	}
	switch d.Layout {
	case ExplicitBuckets:
		if len(d.Bounds) != len(o.Bounds) {
			return false
		}
		for i := range d.Bounds {
			if d.Bounds[i] != o.Bounds[i] {
				return false
			}
		}
		return true
	case LinearBuckets:
		return d.NumBuckets == o.NumBuckets && d.Width == o.Width && d.Offset == o.Offset
	case ExponentialBuckets:
		return d.NumBuckets == o.NumBuckets && d.GrowthFactor == o.GrowthFactor && d.Scale == o.Scale
	default:
		return false
	}
}

// MergeDistributions combines a and b into a new Distribution, summing
// bucket counts elementwise and recomputing the summary statistics with
// the parallel-reduction formula (spec §4.2):
//
//	count = cA + cB
//	mean  = (cA*mA + cB*mB) / count
//	ssd   = ssdA + ssdB + cA*cB/(cA+cB) * (mA-mB)^2
//	min   = min(minA, minB)
//	max   = max(maxA, maxB)
func MergeDistributions(a, b *Distribution) (*Distribution, error) {
	if !a.sameLayout(b) {
		return nil, fmt.Errorf("scmetrics: distribution bucket layouts differ, cannot merge")
	}

	counts := make([]int64, len(a.BucketCounts))
	for i := range counts {
		var bc int64
		if i < len(b.BucketCounts) {
			bc = b.BucketCounts[i]
		}
		counts[i] = a.BucketCounts[i] + bc
	}

	count := a.Count + b.Count
	var mean, ssd float64
	if count > 0 {
		mean = (float64(a.Count)*a.Mean + float64(b.Count)*b.Mean) / float64(count)
		delta := a.Mean - b.Mean
		ssd = a.SumOfSquaredDeviation + b.SumOfSquaredDeviation +
			(float64(a.Count)*float64(b.Count)/float64(count))*delta*delta
	}

	min := a.Min
	if b.Count > 0 && (a.Count == 0 || b.Min < min) {
		min = b.Min
	}
	max := a.Max
	if b.Count > 0 && (a.Count == 0 || b.Max > max) {
		max = b.Max
	}

	out := *a
	out.BucketCounts = counts
	out.Count = count
	out.Mean = mean
	out.SumOfSquaredDeviation = ssd
	out.Min = min
	out.Max = max
	return &out, nil
}
