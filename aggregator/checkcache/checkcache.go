// Package checkcache implements the check aggregator (spec §4.3,
// component C3): a bounded cache of recent check responses keyed by
// fingerprint, answering locally when possible and scheduling background
// refresh before expiry.
package checkcache

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/google/servicecontrol-agg-go/clock"
	"github.com/google/servicecontrol-agg-go/fingerprint"
	"github.com/google/servicecontrol-agg-go/internal/lru"
	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// Options configures the check aggregator (spec §4.3's enumerated table).
type Options struct {
	// NumEntries is the maximum cache size; <= 0 disables caching entirely.
	NumEntries int
	// FlushInterval is the background refresh cadence per entry.
	FlushInterval time.Duration
	// ResponseExpiration is how long an entry stays fresh. It is silently
	// bumped to FlushInterval+1 if configured lower.
	ResponseExpiration time.Duration
}

// DefaultOptions matches spec §4.3's defaults.
func DefaultOptions() Options {
	return Options{
		NumEntries:         1000,
		FlushInterval:       time.Second,
		ResponseExpiration: 2 * time.Second,
	}
}

func (o Options) normalized() Options {
	if o.FlushInterval <= 0 {
		o.FlushInterval = time.Second
	}
	minExpiration := o.FlushInterval + time.Nanosecond
	if o.ResponseExpiration < minExpiration {
		o.ResponseExpiration = minExpiration
	}
	return o
}

type entry struct {
	request           servicecontrol.CheckRequest
	response          servicecontrol.CheckResponse
	insertionTime     time.Time
	expiryTime        time.Time
	lastRefreshTime   time.Time
}

// Aggregator is the check aggregator. It is safe for concurrent use.
type Aggregator struct {
	opts  Options
	clock clock.Clock
	log   logrus.FieldLogger

	mu     sync.Mutex
	cache  *lru.Cache[fingerprint.Digest, *entry]
	closed bool
}

// New creates a check aggregator. A nil clock defaults to the real clock.
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

// disabled reports whether caching is off (NumEntries <= 0).
func (a *Aggregator) disabled() bool { return a.opts.NumEntries <= 0 }

// Check returns a cached response if one exists within its expiration
// window, or nil if the caller must go upstream. If an entry exists but
// the flush interval has elapsed since the last refresh was requested,
// the cached response is still returned, but the entry is marked so the
// next Flush() emits a refresh for it (spec §4.3: refresh happens at the
// next Flush, never inline).
func (a *Aggregator) Check(req *servicecontrol.CheckRequest) (*servicecontrol.CheckResponse, error) {
	if a.disabled() {
		return nil, nil
	}
	fp, err := fingerprint.Check(req)
	if err != nil {
		return nil, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	e, ok := a.cache.Get(fp)
	if !ok {
		return nil, nil
	}
	now := a.clock.Now()
	if now.After(e.expiryTime) {
		// Expired: treat exactly like a miss. It is left in the cache
		// until an explicit sweep or size eviction removes it; the next
		// successful AddResponse will refresh it in place.
		return nil, nil
	}

	resp := e.response
	return &resp, nil
}

// AddResponse inserts or updates the entry for fingerprint(req).
// Updating extends the expiration window and resets the refresh timer. A
// negative response is only cached if its driving error code is in
// servicecontrol.NegativeCacheCodes (spec §4.3: "negative caching is
// deliberate") — other denials are never cached, so the next Check on that
// fingerprint is a guaranteed miss and goes upstream again.
func (a *Aggregator) AddResponse(req *servicecontrol.CheckRequest, resp *servicecontrol.CheckResponse) error {
	if a.disabled() {
		return nil
	}
	if code := resp.FirstErrorCode(); code != "" && !servicecontrol.NegativeCacheCodes[code] {
		return nil
	}
	fp, err := fingerprint.Check(req)
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	a.cache.Set(fp, &entry{
		request:         *req,
		response:        *resp,
		insertionTime:   now,
		expiryTime:      now.Add(a.opts.ResponseExpiration),
		lastRefreshTime: now,
	})
	return nil
}

// Flush walks all entries whose age exceeds the flush interval (and whose
// last refresh is also past the interval), emitting one outbound check
// request per such entry and resetting their refresh timers.
func (a *Aggregator) Flush() []servicecontrol.CheckRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock.Now()
	var due []fingerprint.Digest
	var out []servicecontrol.CheckRequest
	a.cache.Range(func(fp fingerprint.Digest, e *entry) {
		if now.Sub(e.lastRefreshTime) >= a.opts.FlushInterval {
			due = append(due, fp)
			out = append(out, e.request)
		}
	})
	for _, fp := range due {
		if e, ok := a.cache.Get(fp); ok {
			e.lastRefreshTime = now
		}
	}
	if len(out) > 0 {
		a.log.WithField("count", len(out)).Debug("checkcache: flushing refresh requests")
	}
	return out
}

// Clear evicts everything and returns the evicted entries' generating
// requests so the facade can decide what, if anything, to do with them on
// shutdown. Per spec §4.3, checks are simply cleared on shutdown — unlike
// the report cache, nothing is flushed synchronously to the transport.
func (a *Aggregator) Clear() []servicecontrol.CheckRequest {
	a.mu.Lock()
	defer a.mu.Unlock()

	var out []servicecontrol.CheckRequest
	a.cache.Range(func(_ fingerprint.Digest, e *entry) {
		out = append(out, e.request)
	})
	a.cache.EvictAll()
	return out
}

// Len reports the current number of cached entries (for tests/stats).
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cache.Len()
}
