// Package reportcache implements the report aggregator (spec §4.5,
// component C5): a bounded cache of open operation aggregators keyed by
// fingerprint, merging logs, metrics, and start/end times until evicted,
// emitting batched report requests.
package reportcache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/google/servicecontrol-agg-go/clock"
	"github.com/google/servicecontrol-agg-go/fingerprint"
	"github.com/google/servicecontrol-agg-go/internal/lru"
	"github.com/google/servicecontrol-agg-go/scmetrics"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// Options configures the report aggregator (spec §4.5).
type Options struct {
	NumEntries    int           // maximum cache size
	FlushInterval time.Duration // age at which an entry is force-expired

	// MetricKind resolves a metric name to its merge Kind (spec §4.2's
	// kind_overrides). This is how the "known-metric table" external
	// collaborator (spec §1, §6) reaches the merger: nil defaults every
	// metric to Delta.
	MetricKind func(name string) servicecontrol.Kind
}

// DefaultOptions matches spec §4.5's defaults.
func DefaultOptions() Options {
	return Options{NumEntries: 1000, FlushInterval: 4 * time.Second}
}

func (o Options) normalized() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = 4 * time.Second
	}
	if o.MetricKind == nil {
		o.MetricKind = func(string) servicecontrol.Kind { return servicecontrol.Delta }
	}
	return o
}

// operationAggregator is spec §3's OperationAggregator: it captures the
// first operation's identity then repeatedly merges siblings.
type operationAggregator struct {
	base               servicecontrol.Operation // first operation's identity
	perMetric          map[fingerprint.Digest]servicecontrol.MetricValue
	metricNameByDigest map[fingerprint.Digest]string
	earliestStart      time.Time
	latestEnd          time.Time
	logEntries         []servicecontrol.LogEntry
	lastActivity       time.Time // set when the aggregator is created; merges do not move it
}

func (oa *operationAggregator) mergeMetricsAndLogs(op servicecontrol.Operation, kindOf func(string) servicecontrol.Kind) error {
	oa.logEntries = append(oa.logEntries, op.LogEntries...)

	if op.StartTime.Before(oa.earliestStart) || oa.earliestStart.IsZero() {
		oa.earliestStart = op.StartTime
	}
	if op.EndTime.After(oa.latestEnd) {
		oa.latestEnd = op.EndTime
	}

	for _, set := range op.MetricValueSets {
		for _, v := range set.Values {
			digest := fingerprint.MetricIdentity(set.MetricName, v.Labels)
			if prior, ok := oa.perMetric[digest]; ok {
				merged, err := scmetrics.Merge(kindOf(set.MetricName), prior, v)
				if err != nil {
					return err
				}
				oa.perMetric[digest] = merged
			} else {
				oa.perMetric[digest] = v
				oa.metricNameByDigest[digest] = set.MetricName
			}
		}
	}
	return nil
}

// extract reconstructs an Operation carrying the merged metrics and logs.
func (oa *operationAggregator) extract() servicecontrol.Operation {
	op := oa.base
	op.StartTime = oa.earliestStart
	op.EndTime = oa.latestEnd
	op.LogEntries = oa.logEntries

	byName := make(map[string][]servicecontrol.MetricValue)
	for digest, v := range oa.perMetric {
		name := oa.metricNameByDigest[digest]
		byName[name] = append(byName[name], v)
	}
	for name, values := range byName {
		op.MetricValueSets = append(op.MetricValueSets, servicecontrol.MetricValueSet{MetricName: name, Values: values})
	}
	return op
}

// Aggregator is the report aggregator. It is safe for concurrent use.
type Aggregator struct {
	opts  Options
	clock clock.Clock
	log   logrus.FieldLogger

	mu       sync.Mutex
	cache    *lru.Cache[fingerprint.Digest, *operationAggregator]
	outbound []servicecontrol.Operation
}

// New creates a report aggregator.
func New(opts Options, c clock.Clock, log logrus.FieldLogger) *Aggregator {
	opts = opts.normalized()
	if c == nil {
		c = clock.NewReal()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Aggregator{opts: opts, clock: c, log: log}
	// The cache's removal callback pushes evicted aggregators onto the
	// outbound deque: both age-based expiry and size-based eviction
	// produce outbound work without polling (spec §4.5).
	a.cache = lru.New[fingerprint.Digest, *operationAggregator](opts.NumEntries, func(_ fingerprint.Digest, oa *operationAggregator) {
		a.outbound = append(a.outbound, oa.extract())
	})
	return a
}

// Report merges req's operations into the cache. If any operation has
// importance HIGH, Report refuses (returns false) and leaves the cache
// entirely unchanged — the facade must send that request directly,
// bypassing aggregation (spec §4.5).
func (a *Aggregator) Report(req *servicecontrol.ReportRequest) (bool, error) {
	for _, op := range req.Operations {
		if op.Importance == servicecontrol.High {
			return false, nil
		}
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	for _, op := range req.Operations {
		fp, err := fingerprint.Operation(&op)
		if err != nil {
			return false, err
		}
		if existing, ok := a.cache.Get(fp); ok {
			if err := existing.mergeMetricsAndLogs(op, a.opts.MetricKind); err != nil {
				return false, err
			}
		} else {
			a.cache.Set(fp, newOperationAggregator(op, now, a.opts.MetricKind))
		}
	}
	return true, nil
}

func newOperationAggregator(op servicecontrol.Operation, now time.Time, kindOf func(string) servicecontrol.Kind) *operationAggregator {
	oa := &operationAggregator{
		base:               op,
		perMetric:          make(map[fingerprint.Digest]servicecontrol.MetricValue),
		metricNameByDigest: make(map[fingerprint.Digest]string),
		earliestStart:      op.StartTime,
		latestEnd:          op.EndTime,
		lastActivity:       now,
	}
	oa.base.MetricValueSets = nil
	oa.base.LogEntries = nil
	_ = oa.mergeMetricsAndLogs(op, kindOf)
	return oa
}

// packInto splits ops into ReportRequests of at most
// servicecontrol.MaxOperationsPerReportRequest operations each.
func packInto(serviceName string, ops []servicecontrol.Operation) []servicecontrol.ReportRequest {
	if len(ops) == 0 {
		return nil
	}
	var out []servicecontrol.ReportRequest
	for len(ops) > 0 {
		n := len(ops)
		if n > servicecontrol.MaxOperationsPerReportRequest {
			n = servicecontrol.MaxOperationsPerReportRequest
		}
		out = append(out, servicecontrol.ReportRequest{ServiceName: serviceName, Operations: ops[:n]})
		ops = ops[n:]
	}
	return out
}

// Flush forces the cache to expire entries older than FlushInterval,
// then drains the outbound deque (filled by both that expiry and any
// size-driven eviction since the last Flush) and packs the result into
// ReportRequests of at most 1000 operations each.
func (a *Aggregator) Flush(serviceName string) []servicecontrol.ReportRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	var stale []fingerprint.Digest
	a.cache.Range(func(fp fingerprint.Digest, oa *operationAggregator) {
		if now.Sub(oa.lastActivity) >= a.opts.FlushInterval {
			stale = append(stale, fp)
		}
	})
	for _, fp := range stale {
		a.cache.Evict(fp) // invokes onEvict, which appends to a.outbound
	}

	out := a.outbound
	a.outbound = nil
	if len(out) > 0 {
		a.log.WithField("operations", len(out)).Debug("reportcache: flushing")
	}
	return packInto(serviceName, out)
}

// Clear drains all currently-cached aggregators into outbound requests
// and empties the cache, used for the synchronous shutdown-time flush
// (spec §4.5, §4.7).
func (a *Aggregator) Clear(serviceName string) []servicecontrol.ReportRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cache.EvictAll() // invokes onEvict for every entry
	out := a.outbound
	a.outbound = nil
	return packInto(serviceName, out)
}

// Len reports the current number of cached fingerprints (for tests/stats).
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Len()
}
