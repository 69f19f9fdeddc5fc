package metrics

import (
	"fmt"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// MeasurementMetrics contains the measurement engine collectors.
type MeasurementMetrics struct {
	TickDuration prometheus.Histogram
	Measurements prometheus.Gauge
	Results      *prometheus.CounterVec
	PeakCount    *prometheus.GaugeVec
}

// NewMeasurementMetrics creates the collectors and registers them.
func NewMeasurementMetrics(registry *prometheus.Registry) (*MeasurementMetrics, error) {
	m := &MeasurementMetrics{
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "measurement",
			Name:      "tick_duration_seconds",
			Help:      "Time spent computing all measurements of one tick",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 2, 14),
		}),
		Measurements: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "measurement",
			Name:      "active",
			Help:      "Number of registered measurements",
		}),
		Results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "measurement",
			Name:      "results_total",
			Help:      "Computed results by kind and availability",
		}, []string{"kind", "available"}),
		PeakCount: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "measurement",
			Name:      "fft_peaks",
			Help:      "Peaks found in the latest spectrum",
		}, []string{"measurement"}),
	}
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register measurement metrics: %w", err)
	}
	return m, nil
}

// Describe implements the prometheus.Collector interface.
func (m *MeasurementMetrics) Describe(ch chan<- *prometheus.Desc) {
	m.TickDuration.Describe(ch)
	m.Measurements.Describe(ch)
	m.Results.Describe(ch)
	m.PeakCount.Describe(ch)
}

// Collect implements the prometheus.Collector interface.
func (m *MeasurementMetrics) Collect(ch chan<- prometheus.Metric) {
	m.TickDuration.Collect(ch)
	m.Measurements.Collect(ch)
	m.Results.Collect(ch)
	m.PeakCount.Collect(ch)
}

func (m *MeasurementMetrics) RecordTick(seconds float64, measurements int) {
	m.TickDuration.Observe(seconds)
	m.Measurements.Set(float64(measurements))
}

func (m *MeasurementMetrics) RecordResult(kind string, available bool) {
	m.Results.WithLabelValues(kind, strconv.FormatBool(available)).Inc()
}

func (m *MeasurementMetrics) SetPeakCount(measurement string, n int) {
	m.PeakCount.WithLabelValues(measurement).Set(float64(n))
}
