// Package metrics counts batched exmap requests in a prometheus registry and
// exports them in the text exposition format.
package metrics

import (
	"bytes"
	"fmt"
	"io"

	"github.com/natefinch/atomic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/calvinalkan/exmap/pkg/coord"
	"github.com/calvinalkan/exmap/pkg/exmap"
	"github.com/calvinalkan/exmap/pkg/vmcache"
)

const namespace = "exmap"

// Metrics records worker batches. It implements [coord.Recorder].
type Metrics struct {
	reg *prometheus.Registry

	batches     *prometheus.CounterVec
	descriptors *prometheus.CounterVec
	pages       *prometheus.CounterVec
	failed      *prometheus.CounterVec
	errors      *prometheus.CounterVec
}

var _ coord.Recorder = (*Metrics)(nil)

// New creates the counters in a fresh registry.
func New() *Metrics {
	byOp := []string{"op"}

	m := &Metrics{
		reg: prometheus.NewPedanticRegistry(),
		batches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_total",
			Help:      "Control commands completed by the driver.",
		}, byOp),
		descriptors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptors_total",
			Help:      "Page range descriptors submitted in completed batches.",
		}, byOp),
		pages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Pages allocated or freed by the driver.",
		}, byOp),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "descriptor_failures_total",
			Help:      "Descriptors the driver reported as failed.",
		}, byOp),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Control commands that failed as a whole.",
		}, byOp),
	}

	m.reg.MustRegister(m.batches, m.descriptors, m.pages, m.failed, m.errors)

	return m
}

// Registry returns the registry holding all counters.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Batch implements [coord.Recorder].
func (m *Metrics) Batch(op exmap.Opcode, descriptors, pages, failed int) {
	label := op.String()

	m.batches.WithLabelValues(label).Inc()
	m.descriptors.WithLabelValues(label).Add(float64(descriptors))
	m.pages.WithLabelValues(label).Add(float64(pages))
	m.failed.WithLabelValues(label).Add(float64(failed))
}

// Error implements [coord.Recorder].
func (m *Metrics) Error(op exmap.Opcode) {
	m.errors.WithLabelValues(op.String()).Inc()
}

// WatchTable exports the lock retry count of a page table.
func (m *Metrics) WatchTable(t *vmcache.Table) error {
	retries := prometheus.NewCounterFunc(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "lock_retries_total",
		Help:      "Page state transitions that had to wait for another worker.",
	}, func() float64 {
		return float64(t.Retries())
	})

	if err := m.reg.Register(retries); err != nil {
		return fmt.Errorf("metrics: register lock retries: %w", err)
	}

	return nil
}

// WriteText writes every metric family in the text exposition format.
func (m *Metrics) WriteText(w io.Writer) error {
	families, err := m.reg.Gather()
	if err != nil {
		return fmt.Errorf("metrics: gather: %w", err)
	}

	for _, f := range families {
		if _, err := expfmt.MetricFamilyToText(w, f); err != nil {
			return fmt.Errorf("metrics: encode %s: %w", f.GetName(), err)
		}
	}

	return nil
}

// WriteFile replaces path with the current metrics, for node exporter
// textfile collection.
func (m *Metrics) WriteFile(path string) error {
	var buf bytes.Buffer

	if err := m.WriteText(&buf); err != nil {
		return err
	}

	if err := atomic.WriteFile(path, &buf); err != nil {
		return fmt.Errorf("metrics: write %s: %w", path, err)
	}

	return nil
}
