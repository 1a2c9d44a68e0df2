// Package metrics records grading-run metrics in a Prometheus registry that
// is exported as a node_exporter textfile when the run ends.
package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder owns one registry per grading run. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	reg *prometheus.Registry

	connectAttempts    *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	structuralFailures *prometheus.CounterVec
	checkScore         *prometheus.GaugeVec
	checkMaxScore      *prometheus.GaugeVec
	runInfo            *prometheus.GaugeVec
	runDuration        prometheus.Gauge
}

// New creates a Recorder with a fresh registry.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Recorder{
		reg: reg,
		connectAttempts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labgrade_ssh_connect_attempts_total",
			Help: "SSH connection attempts against the lab VM, by result.",
		}, []string{"result"}),
		stepDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "labgrade_step_duration_seconds",
			Help:    "Wall time of scenario steps, by step kind and outcome.",
			Buckets: []float64{1, 5, 10, 30, 60, 120, 300},
		}, []string{"kind", "outcome"}),
		structuralFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "labgrade_structural_failures_total",
			Help: "Scenario aborts caused by structural failures, by step kind.",
		}, []string{"kind"}),
		checkScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labgrade_check_score",
			Help: "Final clamped score of each finalized check.",
		}, []string{"check"}),
		checkMaxScore: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labgrade_check_max_score",
			Help: "Maximum score of each finalized check.",
		}, []string{"check"}),
		runInfo: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "labgrade_run_info",
			Help: "Constant 1, labelled with the scenario of the run.",
		}, []string{"scenario"}),
		runDuration: factory.NewGauge(prometheus.GaugeOpts{
			Name: "labgrade_run_duration_seconds",
			Help: "Wall time of the grading run.",
		}),
	}
}

// Registry exposes the underlying registry.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.reg
}

// ConnectAttempt counts one SSH dial.
func (r *Recorder) ConnectAttempt(ok bool) {
	if r == nil {
		return
	}
	result := "failure"
	if ok {
		result = "success"
	}
	r.connectAttempts.WithLabelValues(result).Inc()
}

// ObserveStep records a finished step.
func (r *Recorder) ObserveStep(kind string, d time.Duration, ok bool) {
	if r == nil {
		return
	}
	outcome := "ok"
	if !ok {
		outcome = "failed"
	}
	r.stepDuration.WithLabelValues(kind, outcome).Observe(d.Seconds())
}

// StructuralFailure counts an abort raised by a step of the given kind.
func (r *Recorder) StructuralFailure(kind string) {
	if r == nil {
		return
	}
	r.structuralFailures.WithLabelValues(kind).Inc()
}

// RecordCheck publishes a finalized check.
func (r *Recorder) RecordCheck(key string, score, max int) {
	if r == nil {
		return
	}
	r.checkScore.WithLabelValues(key).Set(float64(score))
	r.checkMaxScore.WithLabelValues(key).Set(float64(max))
}

// RecordRun marks the scenario and total wall time.
func (r *Recorder) RecordRun(scenario string, d time.Duration) {
	if r == nil {
		return
	}
	r.runInfo.WithLabelValues(scenario).Set(1)
	r.runDuration.Set(d.Seconds())
}

// WriteTextfile writes the registry in text exposition format. The write is
// atomic.
func (r *Recorder) WriteTextfile(path string) error {
	if r == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, r.reg); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
