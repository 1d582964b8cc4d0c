// Package metrics exposes training progress as prometheus metrics.
package metrics

import (
	"bytes"
	"fmt"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/afero"
)

const namespace = "dreambooth"

// Save outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// Metrics contains all metrics of the training agent.
type Metrics struct {
	loss            prometheus.Gauge
	avgLoss         prometheus.Gauge
	learningRate    prometheus.Gauge
	priorLossWeight prometheus.Gauge
	vramAllocated   prometheus.Gauge
	vramTotal       prometheus.Gauge
	globalStep      prometheus.Gauge
	revision        prometheus.Gauge
	epoch           prometheus.Gauge

	stepsTotal   prometheus.Counter
	samplesTotal prometheus.Counter
	savesTotal   *prometheus.CounterVec

	stepDuration prometheus.Histogram
}

// NewMetrics registers the metrics with registerer, or the default
// registerer when nil.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
	}

	return &Metrics{
		loss:            gauge("loss", "Loss of the last training step"),
		avgLoss:         gauge("loss_average", "Average loss of the current epoch"),
		learningRate:    gauge("learning_rate", "Current learning rate"),
		priorLossWeight: gauge("prior_loss_weight", "Prior-loss weight of the current epoch"),
		vramAllocated:   gauge("vram_allocated_gigabytes", "Device memory allocated"),
		vramTotal:       gauge("vram_total_gigabytes", "Device memory reserved"),
		globalStep:      gauge("global_step", "Examples trained in this session"),
		revision:        gauge("revision", "Lifetime examples trained"),
		epoch:           gauge("epoch", "Lifetime epoch"),

		stepsTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of training steps",
		}),
		samplesTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_total",
			Help:      "Total number of preview images rendered",
		}),
		savesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "saves_total",
			Help:      "Save attempts by artifact kind and outcome",
		}, []string{"kind", "outcome"}),

		stepDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Duration of one training step",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		}),
	}
}

// StepObservation is what one step reports.
type StepObservation struct {
	Loss         float64
	AverageLoss  float64
	LearningRate float64
	Duration     time.Duration
}

// ObserveStep records one training step.
func (m *Metrics) ObserveStep(o StepObservation) {
	m.loss.Set(o.Loss)
	m.avgLoss.Set(o.AverageLoss)
	m.learningRate.Set(o.LearningRate)
	m.stepDuration.Observe(o.Duration.Seconds())
	m.stepsTotal.Inc()
}

// SetProgress records the run counters.
func (m *Metrics) SetProgress(globalStep, revision, epoch int) {
	m.globalStep.Set(float64(globalStep))
	m.revision.Set(float64(revision))
	m.epoch.Set(float64(epoch))
}

// SetMemory records device memory use in GB.
func (m *Metrics) SetMemory(allocated, total float64) {
	m.vramAllocated.Set(allocated)
	m.vramTotal.Set(total)
}

// SetPriorLoss records the prior-loss weight.
func (m *Metrics) SetPriorLoss(w float64) {
	m.priorLossWeight.Set(w)
}

// RecordSave counts a save attempt of kind; err decides the outcome.
func (m *Metrics) RecordSave(kind string, err error) {
	outcome := OutcomeSuccess
	if err != nil {
		outcome = OutcomeFailure
	}
	m.savesTotal.WithLabelValues(kind, outcome).Inc()
}

// AddSamples counts rendered preview images.
func (m *Metrics) AddSamples(n int) {
	m.samplesTotal.Add(float64(n))
}

// WriteTextfile dumps every family of gatherer in the text exposition
// format, for node-exporter style collection after the process exits.
func WriteTextfile(fs afero.Fs, path string, gatherer prometheus.Gatherer) error {
	families, err := gatherer.Gather()
	if err != nil {
		return fmt.Errorf("gathering metrics: %w", err)
	}

	var buf bytes.Buffer
	for _, mf := range families {
		if !owned(mf) {
			continue
		}
		if _, err := expfmt.MetricFamilyToText(&buf, mf); err != nil {
			return fmt.Errorf("encoding %s: %w", mf.GetName(), err)
		}
	}

	if err := fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return afero.WriteFile(fs, path, buf.Bytes(), 0o644)
}

func owned(mf *dto.MetricFamily) bool {
	name := mf.GetName()
	return len(name) > len(namespace) && name[:len(namespace)+1] == namespace+"_"
}
