// Package scclient implements the facade (spec §4.7, component C7): the
// single entry point application servers call on every inbound request,
// tying the three aggregators to a scheduler and a pluggable transport.
package scclient

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/google/servicecontrol-agg-go/aggregator/checkcache"
	"github.com/google/servicecontrol-agg-go/aggregator/quotacache"
	"github.com/google/servicecontrol-agg-go/aggregator/reportcache"
	"github.com/google/servicecontrol-agg-go/clock"
	"github.com/google/servicecontrol-agg-go/scheduler"
	"github.com/google/servicecontrol-agg-go/scstats"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

type state int

const (
	stateCreated state = iota
	stateRunning
	stateStopped
)

const (
	priorityFlushChecks  = 0
	priorityFlushReports = 1
	priorityFlushQuota   = 2
	priorityLogStats     = 3
)

// Client is the facade. The zero value is not usable; construct with New.
type Client struct {
	opts  Options
	clock clock.Clock
	log   logrus.FieldLogger

	check  *checkcache.Aggregator
	quota  *quotacache.Aggregator
	report *reportcache.Aggregator
	sched  *scheduler.Scheduler
	stats  *scstats.Statistics

	mu    sync.Mutex
	state state
	wg    sync.WaitGroup
}

// New validates opts and constructs a Client in the "created" state.
// Call Start before issuing Check/AllocateQuota/Report.
func New(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	c := opts.Clock
	if c == nil {
		c = clock.NewReal()
	}
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	log = log.WithField("service", opts.ServiceName)

	return &Client{
		opts:   opts,
		clock:  c,
		log:    log,
		check:  checkcache.New(opts.Check, c, log),
		quota:  quotacache.New(opts.Quota, c, log),
		report: reportcache.New(opts.Report, c, log),
		sched:  scheduler.New(c),
		stats:  scstats.New(opts.ServiceName, opts.Registerer),
		state:  stateCreated,
	}, nil
}

// Start is idempotent: calling it again while already running is a no-op.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == stateStopped {
		return newError(InvalidState, "client already stopped")
	}
	if c.state == stateRunning {
		return nil
	}
	c.state = stateRunning

	now := c.clock.Now()
	c.sched.Enter(now.Add(c.checkFlushInterval()), priorityFlushChecks, c.flushChecksAction)
	c.sched.Enter(now.Add(c.reportFlushInterval()), priorityFlushReports, c.flushReportsAction)
	c.sched.Enter(now.Add(c.quotaRefreshInterval()), priorityFlushQuota, c.flushQuotaAction)

	if c.opts.StatsLogFrequency > 0 {
		c.sched.Enter(now.Add(c.opts.StatsLogFrequency), priorityLogStats, c.logStatsAction)
	}

	if !c.opts.DisableBackgroundThread {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.sched.Run(true)
		}()
	}
	return nil
}

// Stop marks the client stopped, joins the background thread (if any),
// and synchronously flushes report aggregations via the transport
// (best-effort; transient errors are logged, not re-thrown). Check and
// quota caches are simply cleared and discarded, per spec §4.3/§4.4.
func (c *Client) Stop() error {
	c.mu.Lock()
	if c.state != stateRunning {
		c.mu.Unlock()
		return newError(InvalidState, "client is not running")
	}
	c.state = stateStopped
	c.mu.Unlock()

	c.sched.Stop()
	c.wg.Wait()

	ctx := context.Background()
	for _, req := range c.report.Clear(c.opts.ServiceName) {
		if _, err := c.opts.Transport.Report(ctx, &req); err != nil {
			c.log.WithError(err).Warn("scclient: best-effort report flush failed on shutdown")
		}
	}
	c.check.Clear()
	c.quota.Clear()
	return nil
}

func (c *Client) running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateRunning
}

// Check answers "is this caller permitted right now?" It is fail-open:
// any transport error yields a nil response so the application proceeds.
func (c *Client) Check(ctx context.Context, req *servicecontrol.CheckRequest) (*servicecontrol.CheckResponse, error) {
	if !c.running() {
		return nil, newError(InvalidState, "Check called before Start or after Stop")
	}
	if req.ServiceName != c.opts.ServiceName {
		return nil, newError(InvalidArgument, "request service name does not match client service name")
	}

	resp, err := c.check.Check(req)
	if err != nil {
		return nil, wrapError(InvalidArgument, "malformed check request", err)
	}
	if resp != nil {
		c.stats.CheckHits.Inc()
		return resp, nil
	}
	c.stats.CheckMisses.Inc()

	upstream, err := c.opts.Transport.Check(ctx, req)
	if err != nil {
		c.stats.TransportErrors.WithLabelValues("Check").Inc()
		c.log.WithError(err).Warn("scclient: check transport error, failing open")
		return nil, nil
	}
	if upstream == nil {
		return nil, nil
	}
	if err := c.check.AddResponse(req, upstream); err != nil {
		c.log.WithError(err).Warn("scclient: failed to cache check response")
	}
	return upstream, nil
}

// AllocateQuota answers "may this caller consume quota?"
func (c *Client) AllocateQuota(ctx context.Context, req *servicecontrol.AllocateQuotaRequest) (*servicecontrol.AllocateQuotaResponse, error) {
	if !c.running() {
		return nil, newError(InvalidState, "AllocateQuota called before Start or after Stop")
	}
	if req.ServiceName != c.opts.ServiceName {
		return nil, newError(InvalidArgument, "request service name does not match client service name")
	}

	lenBefore := c.quota.Len()
	resp, err := c.quota.AllocateQuota(req)
	if err != nil {
		return nil, wrapError(InvalidArgument, "malformed allocate-quota request", err)
	}
	if resp.Positive() {
		c.stats.QuotaAllocated.Inc()
	}
	if c.quota.Len() > lenBefore {
		c.stats.QuotaMisses.Inc()
	} else {
		c.stats.QuotaHits.Inc()
	}
	return resp, nil
}

// Report records that a call happened. Non-aggregatable (HIGH importance)
// requests are sent via the transport inline. With DisableBackgroundThread
// set, Report also runs every already-due scheduled action inline before
// returning; otherwise it never waits on the scheduler.
func (c *Client) Report(ctx context.Context, req *servicecontrol.ReportRequest) error {
	if !c.running() {
		return newError(InvalidState, "Report called before Start or after Stop")
	}
	if req.ServiceName != c.opts.ServiceName {
		return newError(InvalidArgument, "request service name does not match client service name")
	}
	assignOperationIDs(req)

	aggregated, err := c.report.Report(req)
	if err != nil {
		return wrapError(InvalidArgument, "malformed report request", err)
	}
	if aggregated {
		c.stats.ReportMerged.Add(float64(len(req.Operations)))
	} else {
		c.stats.ReportDirect.Add(float64(len(req.Operations)))
		if _, err := c.opts.Transport.Report(ctx, req); err != nil {
			c.log.WithError(err).Warn("scclient: direct report send failed")
			return nil
		}
	}

	if c.opts.DisableBackgroundThread {
		// Direct-dispatch fallback (spec §4.6): run the scheduler
		// cooperatively and inline at the tail of Report.
		c.sched.Run(false)
	}
	return nil
}

// assignOperationIDs fills in OperationID for any operation the caller
// left blank. The fingerprint never depends on OperationID (spec §4.1), so
// this has no effect on aggregation; it only guarantees every operation
// that eventually reaches the transport carries a unique identifier the
// upstream can log and correlate against.
func assignOperationIDs(req *servicecontrol.ReportRequest) {
	for i := range req.Operations {
		if req.Operations[i].OperationID == "" {
			req.Operations[i].OperationID = uuid.NewString()
		}
	}
}

// drainQuotaOutbound dispatches every request the quota aggregator has
// queued since the last drain. Calls run synchronously and in order: a
// refresh's outcome must be cached before a later call on the same
// fingerprint can observe it, and the facade has no background thread to
// hand this off to when DisableBackgroundThread is set. Only the scheduler
// thread (flushQuotaAction) and Report's DisableBackgroundThread
// direct-dispatch fallback call this; the foreground AllocateQuota miss
// path only ever produces onto the outbound deque (spec §5).
func (c *Client) drainQuotaOutbound(ctx context.Context) {
	for _, req := range c.quota.Flush() {
		req := req
		resp, err := c.opts.Transport.AllocateQuota(ctx, &req)
		if err != nil {
			c.stats.TransportErrors.WithLabelValues("AllocateQuota").Inc()
			c.log.WithError(err).Warn("scclient: allocate-quota refresh failed")
			continue
		}
		if err := c.quota.CacheResponse(&req, resp); err != nil {
			c.log.WithError(err).Warn("scclient: failed to cache allocate-quota response")
		}
	}
}

func (c *Client) flushChecksAction(s *scheduler.Scheduler) {
	c.stats.SchedulerRuns.Inc()
	ctx := context.Background()
	for _, req := range c.check.Flush() {
		req := req
		resp, err := c.opts.Transport.Check(ctx, &req)
		if err != nil {
			c.stats.TransportErrors.WithLabelValues("Check").Inc()
			c.log.WithError(err).Warn("scclient: background check refresh failed")
			continue
		}
		if resp == nil {
			continue
		}
		if err := c.check.AddResponse(&req, resp); err != nil {
			c.log.WithError(err).Warn("scclient: failed to cache refreshed check response")
		}
	}
	if !s.IsStopped() {
		s.Enter(c.clock.Now().Add(c.checkFlushInterval()), priorityFlushChecks, c.flushChecksAction)
	}
}

func (c *Client) flushReportsAction(s *scheduler.Scheduler) {
	c.stats.SchedulerRuns.Inc()
	ctx := context.Background()
	for _, req := range c.report.Flush(c.opts.ServiceName) {
		req := req
		if _, err := c.opts.Transport.Report(ctx, &req); err != nil {
			c.stats.TransportErrors.WithLabelValues("Report").Inc()
			c.log.WithError(err).Warn("scclient: background report flush failed")
			continue
		}
		c.stats.ReportFlushed.Add(float64(len(req.Operations)))
	}
	if !s.IsStopped() {
		s.Enter(c.clock.Now().Add(c.reportFlushInterval()), priorityFlushReports, c.flushReportsAction)
	}
}

func (c *Client) flushQuotaAction(s *scheduler.Scheduler) {
	c.stats.SchedulerRuns.Inc()
	c.drainQuotaOutbound(context.Background())
	if !s.IsStopped() {
		s.Enter(c.clock.Now().Add(c.quotaRefreshInterval()), priorityFlushQuota, c.flushQuotaAction)
	}
}

func (c *Client) logStatsAction(s *scheduler.Scheduler) {
	c.log.WithFields(logrus.Fields{
		"checks_cached": c.check.Len(),
		"quota_cached":  c.quota.Len(),
		"reports_open":  c.report.Len(),
	}).Info("scclient: periodic statistics")
	if !s.IsStopped() {
		s.Enter(c.clock.Now().Add(c.opts.StatsLogFrequency), priorityLogStats, c.logStatsAction)
	}
}

// Stats exposes the facade's Statistics for callers that want to wire
// them into their own Prometheus HTTP handler.
func (c *Client) Stats() *scstats.Statistics { return c.stats }

// The *_default constants mirror the sub-packages' own DefaultOptions, so
// the facade's scheduling cadence matches an Options value left at its
// zero value without reaching into each package's private normalization.
const (
	defaultCheckFlushInterval   = time.Second
	defaultReportFlushInterval  = 4 * time.Second
	defaultQuotaRefreshInterval = time.Second
)

func (c *Client) checkFlushInterval() time.Duration {
	if d := c.opts.Check.FlushInterval; d > 0 {
		return d
	}
	return defaultCheckFlushInterval
}

func (c *Client) reportFlushInterval() time.Duration {
	if d := c.opts.Report.FlushInterval; d > 0 {
		return d
	}
	return defaultReportFlushInterval
}

func (c *Client) quotaRefreshInterval() time.Duration {
	if d := c.opts.Quota.RefreshInterval; d > 0 {
		return d
	}
	return defaultQuotaRefreshInterval
}
