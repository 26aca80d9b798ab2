package reportcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/servicecontrol-agg-go/clock"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

func lowOp(name, consumer string) servicecontrol.Operation {
	return servicecontrol.Operation{
		OperationName: name,
		ConsumerID:    consumer,
		Importance:    servicecontrol.Low,
	}
}

func TestFlush_EmptyBeforeActivity(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	a := New(DefaultOptions(), mc, nil)
	assert.Empty(t, a.Flush("s"))
}

func TestReport_BatchesDistinctFingerprintsOnly(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	a := New(DefaultOptions(), mc, nil)

	req := &servicecontrol.ReportRequest{
		ServiceName: "s",
		Operations: []servicecontrol.Operation{
			lowOp("op1", "c"),
			lowOp("op2", "c"),
		},
	}

	for i := 0; i < 261; i++ {
		ok, err := a.Report(req)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	assert.Empty(t, a.Flush("s"), "nothing should flush before the interval elapses")

	mc.Advance(5 * time.Second)
	out := a.Flush("s")
	require.Len(t, out, 1)
	assert.Len(t, out[0].Operations, 2)
}

func TestReport_ImportanceHighBypassesAndLeavesCacheUnchanged(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	a := New(DefaultOptions(), mc, nil)

	req := &servicecontrol.ReportRequest{
		ServiceName: "s",
		Operations: []servicecontrol.Operation{
			{OperationName: "o", ConsumerID: "c", Importance: servicecontrol.High},
		},
	}

	ok, err := a.Report(req)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 0, a.Len())
}

func TestReport_MergesMetricsAcrossCalls(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	a := New(DefaultOptions(), mc, nil)

	one := int64(1)
	two := int64(2)
	mkOp := func(v int64) servicecontrol.Operation {
		op := lowOp("op1", "c")
		op.MetricValueSets = []servicecontrol.MetricValueSet{
			{MetricName: "requests", Values: []servicecontrol.MetricValue{{Int64Value: &v}}},
		}
		return op
	}

	_, err := a.Report(&servicecontrol.ReportRequest{ServiceName: "s", Operations: []servicecontrol.Operation{mkOp(one)}})
	require.NoError(t, err)
	_, err = a.Report(&servicecontrol.ReportRequest{ServiceName: "s", Operations: []servicecontrol.Operation{mkOp(two)}})
	require.NoError(t, err)

	mc.Advance(5 * time.Second)
	out := a.Flush("s")
	require.Len(t, out, 1)
	require.Len(t, out[0].Operations, 1)
	require.Len(t, out[0].Operations[0].MetricValueSets, 1)
	require.Len(t, out[0].Operations[0].MetricValueSets[0].Values, 1)
	assert.Equal(t, int64(3), *out[0].Operations[0].MetricValueSets[0].Values[0].Int64Value)
}

func TestClear_DrainsEverything(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	a := New(DefaultOptions(), mc, nil)

	_, err := a.Report(&servicecontrol.ReportRequest{ServiceName: "s", Operations: []servicecontrol.Operation{lowOp("o1", "c")}})
	require.NoError(t, err)
	_, err = a.Report(&servicecontrol.ReportRequest{ServiceName: "s", Operations: []servicecontrol.Operation{lowOp("o2", "c")}})
	require.NoError(t, err)

	out := a.Clear("s")
	require.Len(t, out, 1)
	assert.Len(t, out[0].Operations, 2)
	assert.Equal(t, 0, a.Len())
}

func TestSizeEviction_ProducesOutboundWithoutWaitingForFlushInterval(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	a := New(Options{NumEntries: 1, FlushInterval: time.Hour}, mc, nil)

	_, err := a.Report(&servicecontrol.ReportRequest{ServiceName: "s", Operations: []servicecontrol.Operation{lowOp("o1", "c")}})
	require.NoError(t, err)
	_, err = a.Report(&servicecontrol.ReportRequest{ServiceName: "s", Operations: []servicecontrol.Operation{lowOp("o2", "c")}})
	require.NoError(t, err)

	// o1 should have been evicted by the size bound, producing outbound
	// work immediately even though FlushInterval hasn't elapsed.
	out := a.Flush("s")
	require.Len(t, out, 1)
	assert.Equal(t, "o1", out[0].Operations[0].OperationName)
}
