// Copyright (C) 2021 Vojtech Aschenbrenner <v@asch.cz>

// Package metrics tracks counts and latencies of operations in prometheus
// metrics. Metrics are registered in the default registry, hence instances
// are meant to be package level variables created once.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
)

// OpMetric creates three metric sets:
//   - A counter with the given name and label "result" plus the additional
//     labels. Start increments it with "result"="all", Failed with
//     "result"="failed" and TooBusy with "result"="too_busy".
//   - A summary with name + "_latency". Only successful operations are
//     observed.
//   - A gauge with name + "_pending" reflecting operations in progress.
//
// Usage:
//
//	op := m.Start("read")
//	defer op.End()
//	if err != nil {
//		op.Failed()
//	}
type OpMetric struct {
	name      string
	counters  *prometheus.CounterVec
	latencies *prometheus.SummaryVec
	pending   *prometheus.GaugeVec
}

// NewOpMetric returns a new op metric registered in the default registry.
func NewOpMetric(name string, labels ...string) *OpMetric {
	return NewOpMetricWith(prometheus.DefaultRegisterer, name, labels...)
}

// NewOpMetricWith registers the metric sets in reg.
func NewOpMetricWith(reg prometheus.Registerer, name string, labels ...string) *OpMetric {
	labelsWithResult := append([]string{"result"}, labels...)
	factory := promauto.With(reg)

	return &OpMetric{
		name:      name,
		counters:  factory.NewCounterVec(prometheus.CounterOpts{Name: name}, labelsWithResult),
		latencies: factory.NewSummaryVec(prometheus.SummaryOpts{Name: name + "_latency"}, labels),
		pending:   factory.NewGaugeVec(prometheus.GaugeOpts{Name: name + "_pending"}, labels),
	}
}

// Start marks that a new operation has started and begins measuring the latency.
func (m *OpMetric) Start(values ...string) *Measurer {
	lm := &Measurer{opm: m, values: values}
	lm.Result("all") // this resets start, so set it below
	lm.start = time.Now()
	lm.opm.pending.WithLabelValues(values...).Inc()
	return lm
}

// Count returns the counter value for result and label values.
func (m *OpMetric) Count(result string, values ...string) uint64 {
	valuesWithResult := append([]string{result}, values...)
	mtr := m.counters.WithLabelValues(valuesWithResult...)

	var value dto.Metric
	if mtr.Write(&value) != nil {
		return 0
	}
	return uint64(value.GetCounter().GetValue())
}

// Pending returns number of operations in progress.
func (m *OpMetric) Pending(values ...string) int64 {
	var value dto.Metric
	if m.pending.WithLabelValues(values...).Write(&value) != nil {
		return 0
	}
	return int64(value.GetGauge().GetValue())
}

// String returns a nice string with counts of the operation.
func (m *OpMetric) String(values ...string) string {
	return fmt.Sprintf("%s%v: %d all / %d failed / %d rejected / %d pending", m.name, values,
		m.Count("all", values...), m.Count("failed", values...),
		m.Count("too_busy", values...), m.Pending(values...))
}

// Measurer measures one operation started by OpMetric.Start.
type Measurer struct {
	start  time.Time
	opm    *OpMetric
	values []string
}

// Failed records that the operation returned an error.
func (lm *Measurer) Failed() {
	lm.Result("failed")
}

// TooBusy records that the operation was rejected because of a full queue.
func (lm *Measurer) TooBusy() {
	lm.Result("too_busy")
}

// Result records an arbitrary result.
func (lm *Measurer) Result(result string) {
	lm.start = time.Time{} // so that End won't try to record latency
	valuesWithResult := append([]string{result}, lm.values...)
	lm.opm.counters.WithLabelValues(valuesWithResult...).Inc()
}

// End records the elapsed time since the Measurer was created.
func (lm *Measurer) End() {
	if !lm.start.IsZero() {
		lm.opm.latencies.WithLabelValues(lm.values...).Observe(time.Since(lm.start).Seconds())
	}
	lm.opm.pending.WithLabelValues(lm.values...).Dec()
}

// EndWithError calls Failed if err is not nil. It always calls End.
func (lm *Measurer) EndWithError(err error) {
	if err != nil {
		lm.Failed()
	}
	lm.End()
}
