// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package observability provides Prometheus metrics for the solve pipeline.
//
// # Description
//
// Metrics cover every pipeline stage:
//   - Resolution outcomes (exact hit, similarity hit, miss, unavailable)
//   - Stage latency histograms (embed, lookup, solve, verify, persist, total)
//   - Solver calls by model and result, verification agreement
//   - Write-back outcomes, query log drops and sink errors
//   - HTTP requests by endpoint and status
//
// # Integration
//
// Metrics are exposed on /metrics. All recording methods are safe to call on
// a nil *Metrics, so components constructed without metrics need no guards.
//
// # Thread Safety
//
// All metric operations are thread-safe via Prometheus's internal locking.
package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// =============================================================================
// Metric Definitions
// =============================================================================

const metricsNamespace = "calomr"

const pipelineSubsystem = "pipeline"

// Stage names used as the "stage" label.
const (
	StageEmbed   = "embed"
	StageLookup  = "lookup"
	StageSolve   = "solve"
	StageVerify  = "verify"
	StagePersist = "persist"
	StageTotal   = "total"
)

// Resolution outcome labels.
const (
	OutcomeExactHit      = "exact_hit"
	OutcomeSimilarityHit = "similarity_hit"
	OutcomeMiss          = "miss"
	OutcomeUnavailable   = "unavailable"
)

// Metrics holds all pipeline metrics.
//
// # Fields
//
//   - ResolutionsTotal: Lookups by outcome and subject
//   - StageDurationSeconds: Latency per stage
//   - BestSimilarity: Similarity of the top candidate on vector lookups
//   - SolverCallsTotal: Solver invocations by model and result
//   - VerificationsTotal: Second passes by agreement
//   - WriteBackTotal: Persist attempts by outcome
//   - QueryLogDroppedTotal: Entries dropped because the queue was full
//   - QueryLogSinkErrorsTotal: Failed sink writes by sink
//   - RequestsTotal: HTTP requests by endpoint and status
type Metrics struct {
	ResolutionsTotal        *prometheus.CounterVec
	StageDurationSeconds    *prometheus.HistogramVec
	BestSimilarity          prometheus.Histogram
	SolverCallsTotal        *prometheus.CounterVec
	VerificationsTotal      *prometheus.CounterVec
	WriteBackTotal          *prometheus.CounterVec
	QueryLogDroppedTotal    prometheus.Counter
	QueryLogSinkErrorsTotal *prometheus.CounterVec
	RequestsTotal           *prometheus.CounterVec
}

// DefaultMetrics is set by InitMetrics.
var DefaultMetrics *Metrics

var initOnce sync.Once

// InitMetrics registers the metrics on the default Prometheus registry.
// Later calls return the same instance.
func InitMetrics() *Metrics {
	initOnce.Do(func() {
		DefaultMetrics = NewMetrics(prometheus.DefaultRegisterer)
	})
	return DefaultMetrics
}

// NewMetrics registers the metrics on reg. Tests pass a private registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		ResolutionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "resolutions_total",
				Help:      "Cache lookups by outcome and subject",
			},
			[]string{"outcome", "subject"},
		),

		StageDurationSeconds: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "stage_duration_seconds",
				Help:      "Duration of each pipeline stage in seconds",
				Buckets:   []float64{0.005, 0.025, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"stage"},
		),

		BestSimilarity: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "best_similarity",
				Help:      "Similarity of the closest candidate on vector lookups",
				Buckets:   []float64{0.1, 0.3, 0.5, 0.6, 0.7, 0.75, 0.8, 0.85, 0.9, 0.95, 1},
			},
		),

		SolverCallsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "solver_calls_total",
				Help:      "Solver invocations by model and result",
			},
			[]string{"model", "result"},
		),

		VerificationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "verifications_total",
				Help:      "Verification passes by agreement",
			},
			[]string{"result"},
		),

		WriteBackTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "writeback_total",
				Help:      "Write-back attempts by outcome",
			},
			[]string{"outcome"},
		),

		QueryLogDroppedTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "querylog_dropped_total",
				Help:      "Query log entries dropped because the queue was full",
			},
		),

		QueryLogSinkErrorsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: pipelineSubsystem,
				Name:      "querylog_sink_errors_total",
				Help:      "Query log writes that failed, by sink",
			},
			[]string{"sink"},
		),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Subsystem: "http",
				Name:      "requests_total",
				Help:      "HTTP requests by endpoint and status",
			},
			[]string{"endpoint", "status"},
		),
	}
}

// =============================================================================
// Recording helpers
// =============================================================================

// RecordResolution counts one lookup outcome.
func (m *Metrics) RecordResolution(outcome, subject string) {
	if m == nil {
		return
	}
	m.ResolutionsTotal.WithLabelValues(outcome, subject).Inc()
}

// ObserveStage records how long a stage took.
func (m *Metrics) ObserveStage(stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDurationSeconds.WithLabelValues(stage).Observe(d.Seconds())
}

// ObserveBestSimilarity records the top candidate's similarity.
func (m *Metrics) ObserveBestSimilarity(sim float64) {
	if m == nil {
		return
	}
	m.BestSimilarity.Observe(sim)
}

// RecordSolverCall counts one solver invocation.
// result: success, error, unparseable or invalid.
func (m *Metrics) RecordSolverCall(model, result string) {
	if m == nil {
		return
	}
	m.SolverCallsTotal.WithLabelValues(model, result).Inc()
}

// RecordVerification counts one verification pass.
func (m *Metrics) RecordVerification(agreed bool) {
	if m == nil {
		return
	}
	result := "disagree"
	if agreed {
		result = "agree"
	}
	m.VerificationsTotal.WithLabelValues(result).Inc()
}

// RecordWriteBack counts one persist attempt.
// outcome: inserted, reused, conflict, unavailable or invalid.
func (m *Metrics) RecordWriteBack(outcome string) {
	if m == nil {
		return
	}
	m.WriteBackTotal.WithLabelValues(outcome).Inc()
}

// RecordQueryLogDropped counts a dropped query log entry.
func (m *Metrics) RecordQueryLogDropped() {
	if m == nil {
		return
	}
	m.QueryLogDroppedTotal.Inc()
}

// RecordQueryLogSinkError counts a failed sink write.
func (m *Metrics) RecordQueryLogSinkError(sink string) {
	if m == nil {
		return
	}
	m.QueryLogSinkErrorsTotal.WithLabelValues(sink).Inc()
}

// RecordRequest counts one HTTP request.
func (m *Metrics) RecordRequest(endpoint string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(endpoint, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 200 && status < 300:
		return "2xx"
	default:
		return "other"
	}
}
