package scmetrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

func int64Value(v int64, start, end time.Time) servicecontrol.MetricValue {
	return servicecontrol.MetricValue{Int64Value: &v, StartTime: start, EndTime: end}
}

func TestMerge_DeltaInt64_SumsAndEnvelopes(t *testing.T) {
	t0 := time.Unix(100, 0)
	t1 := time.Unix(200, 0)
	t2 := time.Unix(150, 0)
	t3 := time.Unix(250, 0)

	a := int64Value(5, t0, t1)
	b := int64Value(7, t2, t3)

	merged, err := Merge(servicecontrol.Delta, a, b)
	require.NoError(t, err)

	require.NotNil(t, merged.Int64Value)
	assert.Equal(t, int64(12), *merged.Int64Value)
	assert.True(t, merged.StartTime.Equal(t0))
	assert.True(t, merged.EndTime.Equal(t3))
}

func TestMerge_DeltaDouble_Sums(t *testing.T) {
	av := 1.5
	bv := 2.25
	a := servicecontrol.MetricValue{DoubleValue: &av}
	b := servicecontrol.MetricValue{DoubleValue: &bv}

	merged, err := Merge(servicecontrol.Delta, a, b)
	require.NoError(t, err)
	assert.InDelta(t, 3.75, *merged.DoubleValue, 1e-9)
}

func TestMerge_Gauge_TakesLatestByEndTime(t *testing.T) {
	older := int64Value(1, time.Unix(0, 0), time.Unix(10, 0))
	newer := int64Value(99, time.Unix(5, 0), time.Unix(20, 0))

	merged, err := Merge(servicecontrol.Gauge, older, newer)
	require.NoError(t, err)
	assert.Equal(t, int64(99), *merged.Int64Value)

	// order shouldn't matter: later end time always wins
	merged2, err := Merge(servicecontrol.Gauge, newer, older)
	require.NoError(t, err)
	assert.Equal(t, int64(99), *merged2.Int64Value)
}

func TestMerge_UnknownKindDefaultsToDelta(t *testing.T) {
	a := int64Value(2, time.Time{}, time.Time{})
	b := int64Value(3, time.Time{}, time.Time{})

	merged, err := Merge(servicecontrol.Kind(99), a, b)
	require.NoError(t, err)
	assert.Equal(t, int64(5), *merged.Int64Value)
}

func TestMerge_TypeMismatch_Errors(t *testing.T) {
	iv := int64(1)
	dv := 1.0
	a := servicecontrol.MetricValue{Int64Value: &iv}
	b := servicecontrol.MetricValue{DoubleValue: &dv}

	_, err := Merge(servicecontrol.Delta, a, b)
	assert.Error(t, err)
}

func TestMergeDistributions_LinearBuckets(t *testing.T) {
	a := &Distribution{
		Layout: LinearBuckets, NumBuckets: 3, Width: 1, Offset: 0,
		BucketCounts: []int64{1, 2, 0},
		Count:        3, Mean: 1.0, Min: 0, Max: 2,
	}
	b := &Distribution{
		Layout: LinearBuckets, NumBuckets: 3, Width: 1, Offset: 0,
		BucketCounts: []int64{0, 1, 4},
		Count:        5, Mean: 2.2, Min: 1, Max: 3,
	}

	merged, err := MergeDistributions(a, b)
	require.NoError(t, err)

	assert.Equal(t, []int64{1, 3, 4}, merged.BucketCounts)
	assert.Equal(t, int64(8), merged.Count)
	assert.InDelta(t, (3.0*1.0+5.0*2.2)/8.0, merged.Mean, 1e-9)
	assert.Equal(t, 0.0, merged.Min)
	assert.Equal(t, 3.0, merged.Max)
}

func TestMergeDistributions_LayoutMismatch_Errors(t *testing.T) {
	a := &Distribution{Layout: LinearBuckets, NumBuckets: 3, Width: 1}
	b := &Distribution{Layout: ExponentialBuckets, NumBuckets: 3, GrowthFactor: 2, Scale: 1}

	_, err := MergeDistributions(a, b)
	assert.Error(t, err)
}
