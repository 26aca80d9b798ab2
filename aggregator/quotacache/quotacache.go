// Package quotacache implements the quota aggregator (spec §4.4,
// component C4): a bounded cache of allocate-quota responses with a
// per-entry in-flight flag, token aggregation on positive cache hits, and
// a forced-refresh window.
package quotacache

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

// Options configures the quota aggregator (spec §4.4).
type Options struct {
	NumEntries int           // maximum cache size; <= 0 disables caching
	RefreshInterval time.Duration // how stale a hit must be before a refresh is queued
	Timeout    time.Duration // hard eviction age
}

// DefaultOptions matches spec §4.4's defaults.
func DefaultOptions() Options {
	return Options{
		NumEntries:      1000,
		RefreshInterval: time.Second,
		Timeout:         60 * time.Second,
	}
}

func (o Options) normalized() Options {
	if o.RefreshInterval <= 0 {
		o.RefreshInterval = time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 60 * time.Second
	}
	return o
}

// operationAggregator accumulates metric values across merged quota
// operations sharing a fingerprint (spec §4.4's QuotaOperationAggregator).
type operationAggregator struct {
	base         servicecontrol.QuotaOperation // with QuotaMetrics cleared
	metricValues map[string]servicecontrol.MetricValue
}

func newOperationAggregator(op servicecontrol.QuotaOperation) *operationAggregator {
	base := op
	base.QuotaMetrics = nil
	oa := &operationAggregator{base: base, metricValues: make(map[string]servicecontrol.MetricValue)}
	oa.merge(op)
	return oa
}

func (oa *operationAggregator) merge(op servicecontrol.QuotaOperation) {
	for _, set := range op.QuotaMetrics {
		if len(set.Values) == 0 {
			continue
		}
		v := set.Values[0]
		if prior, ok := oa.metricValues[set.MetricName]; ok {
			merged, err := scmetrics.Merge(servicecontrol.Delta, prior, v)
			if err == nil {
				oa.metricValues[set.MetricName] = merged
				continue
			}
		}
		oa.metricValues[set.MetricName] = v
	}
}

func (oa *operationAggregator) extract() servicecontrol.QuotaOperation {
	op := oa.base
	for name, v := range oa.metricValues {
		op.QuotaMetrics = append(op.QuotaMetrics, servicecontrol.MetricValueSet{
			MetricName: name,
			Values:     []servicecontrol.MetricValue{v},
		})
	}
	return op
}

type entry struct {
	request         servicecontrol.AllocateQuotaRequest
	response        servicecontrol.AllocateQuotaResponse
	insertionTime   time.Time
	lastRefreshTime time.Time
	inFlight        bool
	aggregator      *operationAggregator
}

// Aggregator is the quota aggregator. It is safe for concurrent use.
type Aggregator struct {
	opts  Options
	clock clock.Clock
	log   logrus.FieldLogger

	mu      sync.Mutex
	cache   *lru.Cache[fingerprint.Digest, *entry]
	outbound []servicecontrol.AllocateQuotaRequest
}

// New creates a quota aggregator.
func New(opts Options, c clock.Clock, log logrus.FieldLogger) *Aggregator {
	opts = opts.normalized()
	if c == nil {
		c = clock.NewReal()
	}
	if log == nil {
		log = logrus.StandardLogger()
	}
	a := &Aggregator{opts: opts, clock: c, log: log}
	a.cache = lru.New[fingerprint.Digest, *entry](opts.NumEntries, nil)
	return a
}

func (a *Aggregator) disabled() bool { return a.opts.NumEntries <= 0 }

// defaultPositiveResponse synthesizes the positive response used to
// satisfy a miss optimistically while the real decision is in flight.
func defaultPositiveResponse(req *servicecontrol.AllocateQuotaRequest) servicecontrol.AllocateQuotaResponse {
	return servicecontrol.AllocateQuotaResponse{OperationID: req.AllocateOperation.OperationID}
}

// AllocateQuota computes the fingerprint and handles one of three cases
// (spec §4.4): miss, fresh positive hit, or stale-and-not-in-flight hit.
func (a *Aggregator) AllocateQuota(req *servicecontrol.AllocateQuotaRequest) (*servicecontrol.AllocateQuotaResponse, error) {
	if a.disabled() {
		resp := defaultPositiveResponse(req)
		return &resp, nil
	}
	fp, err := fingerprint.Quota(req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	e, ok := a.cache.Get(fp)
	if !ok {
		// Case 1: miss. Insert a temporary in-flight entry bearing the
		// default positive response, and queue the real request.
		resp := defaultPositiveResponse(req)
		a.cache.Set(fp, &entry{
			request:         *req,
			response:        resp,
			insertionTime:   now,
			lastRefreshTime: now,
			inFlight:        true,
		})
		a.outbound = append(a.outbound, *req)
		return &resp, nil
	}

	if e.response.Positive() && now.Sub(e.lastRefreshTime) < a.opts.RefreshInterval {
		// Case 2: fresh positive hit. Aggregate tokens, return cached response.
		if e.aggregator == nil {
			e.aggregator = newOperationAggregator(req.AllocateOperation)
		} else {
			e.aggregator.merge(req.AllocateOperation)
		}
		resp := e.response
		return &resp, nil
	}

	if !e.inFlight && now.Sub(e.lastRefreshTime) >= a.opts.RefreshInterval {
		// Case 3: stale and not in-flight. Mark in-flight, extract the
		// accumulated aggregator as a refresh request, and return the
		// cached response (stable, even if it's a denial) while refresh
		// proceeds in the background.
		if e.aggregator == nil {
			e.aggregator = newOperationAggregator(req.AllocateOperation)
		} else {
			e.aggregator.merge(req.AllocateOperation)
		}
		refreshOp := e.aggregator.extract()
		e.aggregator = nil
		if !e.response.Positive() {
			refreshOp.QuotaMode = servicecontrol.Normal
		} else {
			refreshOp.QuotaMode = servicecontrol.BestEffort
		}
		refreshReq := servicecontrol.AllocateQuotaRequest{
			ServiceName:       req.ServiceName,
			AllocateOperation: refreshOp,
		}
		e.inFlight = true
		e.lastRefreshTime = now
		a.outbound = append(a.outbound, refreshReq)
		resp := e.response
		return &resp, nil
	}

	// Hit, in-flight already, or fresh negative: return the stable cached
	// response without emitting a second refresh. Tokens are aggregated
	// only against a positive response.
	if e.response.Positive() {
		if e.aggregator == nil {
			e.aggregator = newOperationAggregator(req.AllocateOperation)
		} else {
			e.aggregator.merge(req.AllocateOperation)
		}
	}
	resp := e.response
	return &resp, nil
}

// CacheResponse clears in_flight and stores the new response. If the new
// response carries allocation errors, the accumulated aggregator is
// cleared (no further token accumulation against a denial).
func (a *Aggregator) CacheResponse(req *servicecontrol.AllocateQuotaRequest, resp *servicecontrol.AllocateQuotaResponse) error {
	if a.disabled() {
		return nil
	}
	fp, err := fingerprint.Quota(req)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.cache.Get(fp)
	if !ok {
		// The entry was evicted before its refresh returned; per spec
		// §4.4 this is accepted but has no effect.
		return nil
	}
	e.inFlight = false
	e.response = *resp
	if !resp.Positive() {
		e.aggregator = nil
	}
	return nil
}

// Flush removes entries whose age since insertion has reached Timeout
// (in-flight or not); for each remaining not in-flight entry with
// accumulated operations, it promotes the entry to in-flight, updates its
// refresh time, and extracts its aggregator as an outbound request.
// Returns everything currently queued on the outbound deque.
func (a *Aggregator) Flush() []servicecontrol.AllocateQuotaRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	var toPromote, expired []fingerprint.Digest
	a.cache.Range(func(fp fingerprint.Digest, e *entry) {
		if now.Sub(e.insertionTime) >= a.opts.Timeout {
			expired = append(expired, fp)
			return
		}
		if e.inFlight {
			return
		}
		if e.aggregator == nil || len(e.aggregator.metricValues) == 0 {
			return
		}
		toPromote = append(toPromote, fp)
	})
	for _, fp := range expired {
		a.cache.Remove(fp)
	}
	for _, fp := range toPromote {
		e, ok := a.cache.Get(fp)
		if !ok {
			continue
		}
		op := e.aggregator.extract()
		e.inFlight = true
		e.lastRefreshTime = now
		e.aggregator = &operationAggregator{
			base:         e.aggregator.base,
			metricValues: make(map[string]servicecontrol.MetricValue),
		}
		a.outbound = append(a.outbound, servicecontrol.AllocateQuotaRequest{
			ServiceName:       e.request.ServiceName,
			AllocateOperation: op,
		})
	}

	out := a.outbound
	a.outbound = nil
	return out
}

// Clear invalidates all entries; subsequent Flush returns empty.
func (a *Aggregator) Clear() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache.EvictAll()
	a.outbound = nil
}

// Len reports the current number of cached entries (for tests/stats).
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Len()
}
