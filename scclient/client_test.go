package scclient

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/google/servicecontrol-agg-go/clock"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// fakeTransport is an in-memory stand-in for the wire transport: it counts
// calls and lets tests inject canned responses or errors.
type fakeTransport struct {
	mu sync.Mutex

	checkCalls  int32
	reportCalls int32
	quotaCalls  int32

	checkResp  *servicecontrol.CheckResponse
	checkErr   error
	quotaResp  *servicecontrol.AllocateQuotaResponse
	quotaErr   error
	reportErr  error

	reportedOps []servicecontrol.Operation
}

func (f *fakeTransport) Check(_ context.Context, req *servicecontrol.CheckRequest) (*servicecontrol.CheckResponse, error) {
	atomic.AddInt32(&f.checkCalls, 1)
	if f.checkErr != nil {
		return nil, f.checkErr
	}
	if f.checkResp != nil {
		return f.checkResp, nil
	}
	return &servicecontrol.CheckResponse{OperationID: req.Operation.OperationName}, nil
}

func (f *fakeTransport) AllocateQuota(_ context.Context, req *servicecontrol.AllocateQuotaRequest) (*servicecontrol.AllocateQuotaResponse, error) {
	atomic.AddInt32(&f.quotaCalls, 1)
	if f.quotaErr != nil {
		return nil, f.quotaErr
	}
	if f.quotaResp != nil {
		return f.quotaResp, nil
	}
	return &servicecontrol.AllocateQuotaResponse{OperationID: req.AllocateOperation.OperationID}, nil
}

func (f *fakeTransport) Report(_ context.Context, req *servicecontrol.ReportRequest) (*servicecontrol.ReportResponse, error) {
	atomic.AddInt32(&f.reportCalls, 1)
	f.mu.Lock()
	f.reportedOps = append(f.reportedOps, req.Operations...)
	f.mu.Unlock()
	if f.reportErr != nil {
		return nil, f.reportErr
	}
	return &servicecontrol.ReportResponse{}, nil
}

func newTestClient(t *testing.T, mc *clock.Mock, ft *fakeTransport) *Client {
	t.Helper()
	opts := DefaultOptions("testService", ft)
	opts.Clock = mc
	opts.DisableBackgroundThread = true
	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start())
	return c
}

func checkReq(name string) *servicecontrol.CheckRequest {
	return &servicecontrol.CheckRequest{
		ServiceName: "testService",
		Operation:   servicecontrol.Operation{OperationName: name, ConsumerID: "api_key:K"},
	}
}

func reportReq(name string, importance servicecontrol.Importance) *servicecontrol.ReportRequest {
	return &servicecontrol.ReportRequest{
		ServiceName: "testService",
		Operations: []servicecontrol.Operation{
			{OperationName: name, ConsumerID: "api_key:K", Importance: importance},
		},
	}
}

// S1: a check miss goes to the transport and is cached; the next identical
// check is served locally without another transport call.
func TestCheck_MissThenCachedHit(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	c := newTestClient(t, mc, ft)
	defer c.Stop()

	req := checkReq("op")
	resp1, err := c.Check(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp1)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.checkCalls))

	resp2, err := c.Check(context.Background(), req)
	require.NoError(t, err)
	require.NotNil(t, resp2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.checkCalls), "second check should be served from cache")
}

// S3: HIGH importance reports bypass aggregation and go straight to the
// transport; the report cache never holds them.
func TestReport_HighImportanceBypassesCache(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	c := newTestClient(t, mc, ft)
	defer c.Stop()

	require.NoError(t, c.Report(context.Background(), reportReq("urgent", servicecontrol.High)))
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.reportCalls))
	assert.Equal(t, 0, c.report.Len(), "high importance operations must not enter the aggregation cache")
}

// S4: concurrent AllocateQuota calls against the same fingerprint must
// produce exactly one outbound transport call (the miss path queues one
// refresh; everything else aggregates against it).
func TestAllocateQuota_ConcurrentMissesDedupToOneTransportCall(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	c := newTestClient(t, mc, ft)
	defer c.Stop()

	req := &servicecontrol.AllocateQuotaRequest{
		ServiceName: "testService",
		AllocateOperation: servicecontrol.QuotaOperation{
			OperationID: "op",
			MethodName:  "method",
			ConsumerID:  "api_key:K",
			QuotaMetrics: []servicecontrol.MetricValueSet{
				{MetricName: "read-requests", Values: []servicecontrol.MetricValue{{Int64Value: ptrInt64(1)}}},
			},
		},
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := c.AllocateQuota(context.Background(), req)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.quotaCalls), "AllocateQuota must only produce onto the outbound deque, never drain it")

	// Draining only happens on the scheduler thread (or, with the
	// background thread disabled, Report's direct-dispatch fallback).
	mc.Advance(2 * time.Second)
	require.NoError(t, c.Report(context.Background(), reportReq("op", servicecontrol.Low)))

	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.quotaCalls), "only the first miss should dispatch a transport call")
}

func ptrInt64(v int64) *int64 { return &v }

// S5: a check transport error fails open (nil, nil) and never poisons the
// cache with the failure.
func TestCheck_TransportErrorFailsOpen(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{checkErr: assertErr{"boom"}}
	c := newTestClient(t, mc, ft)
	defer c.Stop()

	resp, err := c.Check(context.Background(), checkReq("op"))
	require.NoError(t, err)
	assert.Nil(t, resp)
	assert.Equal(t, 0, c.check.Len(), "a failed upstream call must not be cached")
}

type assertErr struct{ msg string }

func (e assertErr) Error() string { return e.msg }

// S7: Stop flushes every outstanding report aggregation synchronously,
// respecting the per-request operation cap.
func TestStop_FlushesOutstandingReports(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	opts := DefaultOptions("testService", ft)
	opts.Clock = mc
	opts.DisableBackgroundThread = true
	c, err := New(opts)
	require.NoError(t, err)
	require.NoError(t, c.Start())

	for i := 0; i < 5; i++ {
		require.NoError(t, c.Report(context.Background(), reportReq("op", servicecontrol.Low)))
	}
	assert.Equal(t, int32(0), atomic.LoadInt32(&ft.reportCalls), "reports should sit in the cache until flushed")

	require.NoError(t, c.Stop())
	assert.Equal(t, int32(1), atomic.LoadInt32(&ft.reportCalls))
	assert.Len(t, ft.reportedOps, 1, "five identical operations merge into one on flush")
}

// State-machine invariants: calls before Start, Start idempotence, calls
// after Stop, and Stop on an already-stopped client.
func TestClient_StateMachineInvariants(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	opts := DefaultOptions("testService", ft)
	opts.Clock = mc
	opts.DisableBackgroundThread = true
	c, err := New(opts)
	require.NoError(t, err)

	_, err = c.Check(context.Background(), checkReq("op"))
	var scErr *Error
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, InvalidState, scErr.Code)

	require.NoError(t, c.Start())
	require.NoError(t, c.Start(), "Start must be idempotent")

	require.NoError(t, c.Stop())

	err = c.Stop()
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, InvalidState, scErr.Code)

	_, err = c.Check(context.Background(), checkReq("op"))
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, InvalidState, scErr.Code)
}

// Report assigns an OperationID to operations the caller left blank,
// without affecting how they fingerprint (and therefore merge).
func TestReport_AssignsOperationIDWhenBlank(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	c := newTestClient(t, mc, ft)
	defer c.Stop()

	require.NoError(t, c.Report(context.Background(), reportReq("op", servicecontrol.Low)))
	require.NoError(t, c.Report(context.Background(), reportReq("op", servicecontrol.Low)))

	assert.Equal(t, 1, c.report.Len(), "identical operations must still merge into one cache entry")
}

// A mismatched service name is a programmer error, not a transport call.
func TestClient_ServiceNameMismatchIsInvalidArgument(t *testing.T) {
	mc := clock.NewMock(time.Unix(0, 0))
	ft := &fakeTransport{}
	c := newTestClient(t, mc, ft)
	defer c.Stop()

	wrong := checkReq("op")
	wrong.ServiceName = "otherService"
	_, err := c.Check(context.Background(), wrong)
	var scErr *Error
	require.ErrorAs(t, err, &scErr)
	assert.Equal(t, InvalidArgument, scErr.Code)
}
