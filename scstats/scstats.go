// Package scstats implements the facade's Statistics (spec §4.7, §9): a
// per-facade struct of monotonic counters, not a process-global singleton,
// backed by github.com/prometheus/client_golang so they are scrapeable in
// production the same way the rest of the pack exposes metrics.
package scstats

import "github.com/prometheus/client_golang/prometheus"

// Statistics is one facade's counters. Each field is a distinct counter
// (TransportErrors is a counter vector labelled by RPC) registered on the
// facade's own registry, so callers never reach for a global registry: two
// Clients in one process register into two independent Statistics.
type Statistics struct {
	CheckHits     prometheus.Counter
	CheckMisses   prometheus.Counter
	QuotaHits     prometheus.Counter
	QuotaMisses   prometheus.Counter
	QuotaAllocated prometheus.Counter
	ReportMerged  prometheus.Counter
	ReportDirect  prometheus.Counter
	ReportFlushed prometheus.Counter
	SchedulerRuns prometheus.Counter
	TransportErrors *prometheus.CounterVec
}

// New creates Statistics and registers it against reg. A nil reg creates
// a private registry (never prometheus.DefaultRegisterer), so multiple
// Clients in one process never collide on metric names.
func New(serviceName string, reg prometheus.Registerer) *Statistics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	labels := prometheus.Labels{"service": serviceName}
	s := &Statistics{
		CheckHits:      newCounter(reg, "servicecontrol_check_hits_total", "Check requests served from cache.", labels),
		CheckMisses:    newCounter(reg, "servicecontrol_check_misses_total", "Check requests that required an upstream call.", labels),
		QuotaHits:      newCounter(reg, "servicecontrol_quota_hits_total", "AllocateQuota requests served from cache.", labels),
		QuotaMisses:    newCounter(reg, "servicecontrol_quota_misses_total", "AllocateQuota requests that created a new cache entry.", labels),
		QuotaAllocated: newCounter(reg, "servicecontrol_quota_allocated_total", "AllocateQuota requests answered with a positive response.", labels),
		ReportMerged:   newCounter(reg, "servicecontrol_report_operations_merged_total", "Report operations merged into the aggregation cache.", labels),
		ReportDirect:   newCounter(reg, "servicecontrol_report_operations_direct_total", "Report operations sent directly (HIGH importance bypass).", labels),
		ReportFlushed:  newCounter(reg, "servicecontrol_report_operations_flushed_total", "Report operations sent upstream from the aggregation cache.", labels),
		SchedulerRuns:  newCounter(reg, "servicecontrol_scheduler_actions_total", "Scheduled flush actions executed, however the loop was driven.", labels),
		TransportErrors: newCounterVec(reg, "servicecontrol_transport_errors_total", "Transport errors by RPC.", labels, "rpc"),
	}
	return s
}

func newCounter(reg prometheus.Registerer, name, help string, constLabels prometheus.Labels) prometheus.Counter {
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: constLabels})
	reg.MustRegister(c)
	return c
}

func newCounterVec(reg prometheus.Registerer, name, help string, constLabels prometheus.Labels, varLabel string) *prometheus.CounterVec {
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help, ConstLabels: constLabels}, []string{varLabel})
	reg.MustRegister(c)
	return c
}
