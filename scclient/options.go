package scclient

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/google/servicecontrol-agg-go/aggregator/checkcache"
	"github.com/google/servicecontrol-agg-go/aggregator/quotacache"
	"github.com/google/servicecontrol-agg-go/aggregator/reportcache"
	"github.com/google/servicecontrol-agg-go/clock"
)

// Options is the facade's configuration builder (spec §6's
// "Configuration surface"): service name (required), check/report/quota
// options, transport, a switch that disables the background goroutine,
// clock source, and stats-log frequency.
type Options struct {
	// ServiceName is required; every request the facade handles must
	// name this same service (spec §7: a mismatched service name is a
	// programmer error).
	ServiceName string

	Check  checkcache.Options
	Quota  quotacache.Options
	Report reportcache.Options

	// Transport is required: the facade has no built-in wire transport.
	Transport Transport

	// Clock overrides the time source; nil uses the real clock. Tests
	// inject a clock.Mock here to drive the scheduler deterministically.
	Clock clock.Clock

	// DisableBackgroundThread forces the direct-dispatch fallback (spec
	// §4.6, §4.7) even though a goroutine could be spawned — mainly for
	// tests that want to control exactly when the scheduler runs.
	DisableBackgroundThread bool

	// StatsLogFrequency, if > 0, logs a one-line summary of the check,
	// quota, and report caches' entry counts at this cadence. <= 0
	// disables it (spec §6).
	StatsLogFrequency time.Duration

	// Registerer receives the facade's Statistics counters; nil creates
	// a private registry.
	Registerer prometheus.Registerer

	// Logger is the base logger every component derives fields from;
	// nil uses logrus's standard logger.
	Logger logrus.FieldLogger
}

// DefaultOptions returns Options with every sub-component at its spec
// default, for the given required service name and transport.
func DefaultOptions(serviceName string, transport Transport) Options {
	return Options{
		ServiceName: serviceName,
		Check:       checkcache.DefaultOptions(),
		Quota:       quotacache.DefaultOptions(),
		Report:      reportcache.DefaultOptions(),
		Transport:   transport,
	}
}

func (o Options) validate() error {
	if o.ServiceName == "" {
		return newError(InvalidArgument, "service name is required")
	}
	if o.Transport == nil {
		return newError(InvalidArgument, "transport is required")
	}
	return nil
}
