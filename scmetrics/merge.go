// Package scmetrics implements the metric merger (spec §4.2, component
// C2): the rules for combining two MetricValues of the same metric
// according to its Kind, including the distribution and timestamp
// envelope handling every aggregator depends on.
package scmetrics

import (
	"fmt"
	"time"

	"github.com/google/servicecontrol-agg-go/servicecontrol"
)

// Merge combines prior and latest according to kind. DELTA sums
// (int64/double add, or distribution merge) and envelopes timestamps.
// GAUGE and CUMULATIVE return whichever value has the later end time,
// with no arithmetic. Unknown kinds default to DELTA (spec §4.2).
//
// Merge fails with an error if prior and latest carry different value
// types (int64 vs double vs distribution) — that is a caller bug, never
// expected in well-formed input.
func Merge(kind servicecontrol.Kind, prior, latest servicecontrol.MetricValue) (servicecontrol.MetricValue, error) {
	if err := checkSameType(prior, latest); err != nil {
		return servicecontrol.MetricValue{}, err
	}

	switch kind {
	case servicecontrol.Gauge, servicecontrol.Cumulative:
		return latestByEndTime(prior, latest), nil
	default: // Delta and anything unrecognized
		return mergeDelta(prior, latest)
	}
}

func checkSameType(a, b servicecontrol.MetricValue) error {
	at, bt := typeOf(a), typeOf(b)
	if at != bt {
		return fmt.Errorf("scmetrics: invalid argument: cannot merge %s with %s", at, bt)
	}
	return nil
}

func typeOf(v servicecontrol.MetricValue) string {
	switch {
	case v.Int64Value != nil:
		return "int64"
	case v.DoubleValue != nil:
		return "double"
	case v.Distribution != nil:
		return "distribution"
	default:
		return "empty"
	}
}

func latestByEndTime(a, b servicecontrol.MetricValue) servicecontrol.MetricValue {
	if b.EndTime.After(a.EndTime) {
		return b
	}
	return a
}

func mergeDelta(a, b servicecontrol.MetricValue) (servicecontrol.MetricValue, error) {
	out := b // preserve latest value's labels, per spec §4.2
	out.StartTime = envelopeStart(a.StartTime, b.StartTime)
	out.EndTime = envelopeEnd(a.EndTime, b.EndTime)

	switch {
	case a.Int64Value != nil:
		sum := *a.Int64Value + *b.Int64Value
		out.Int64Value = &sum
	case a.DoubleValue != nil:
		sum := *a.DoubleValue + *b.DoubleValue
		out.DoubleValue = &sum
	case a.Distribution != nil:
		d, err := MergeDistributions(a.Distribution, b.Distribution)
		if err != nil {
			return servicecontrol.MetricValue{}, err
		}
		out.Distribution = d
	}
	return out, nil
}

// envelopeStart implements merged.start_time = min(a.start, b.start)
// (spec §3), treating a zero time as "absent" rather than "earliest."
func envelopeStart(a, b time.Time) time.Time {
	switch {
	case a.IsZero():
		return b
	case b.IsZero():
		return a
	case b.Before(a):
		return b
	default:
		return a
	}
}

// envelopeEnd implements merged.end_time = max(a.end, b.end) (spec §3).
func envelopeEnd(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}
