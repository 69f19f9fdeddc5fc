package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// AcquisitionMetrics contains the per-stream acquisition collectors.
type AcquisitionMetrics struct {
	BytesRead      *prometheus.CounterVec
	FramesDecoded  *prometheus.CounterVec
	FramesRejected *prometheus.CounterVec
	DesyncWarnings *prometheus.CounterVec
	StreamErrors   *prometheus.CounterVec
	OverflowBytes  *prometheus.CounterVec
	BufferResizes  *prometheus.CounterVec
	SampleRate     *prometheus.GaugeVec
	State          *prometheus.GaugeVec
}

// NewAcquisitionMetrics creates the collectors and registers them.
func NewAcquisitionMetrics(registry *prometheus.Registry) (*AcquisitionMetrics, error) {
	m := &AcquisitionMetrics{}
	m.initMetrics()
	if err := registry.Register(m); err != nil {
		return nil, fmt.Errorf("failed to register acquisition metrics: %w", err)
	}
	return m, nil
}

func (m *AcquisitionMetrics) initMetrics() {
	streamLabel := []string{"stream"}

	m.BytesRead = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "bytes_read_total",
		Help:      "Raw bytes read from the stream source",
	}, streamLabel)

	m.FramesDecoded = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "frames_decoded_total",
		Help:      "Frames decoded and committed to channel buffers",
	}, streamLabel)

	m.FramesRejected = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "frames_rejected_total",
		Help:      "Decode attempts that found no frame or rejected a tentative one",
	}, streamLabel)

	m.DesyncWarnings = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "desync_warnings_total",
		Help:      "Desync episodes that exceeded the warning threshold",
	}, streamLabel)

	m.StreamErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "stream_errors_total",
		Help:      "Errors that disconnected a stream, by error category",
	}, []string{"stream", "category"})

	m.OverflowBytes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "overflow_bytes_total",
		Help:      "Undecoded bytes discarded because the accumulation buffer was full",
	}, streamLabel)

	m.BufferResizes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "buffer_resizes_total",
		Help:      "Channel buffer reallocations",
	}, streamLabel)

	m.SampleRate = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "sample_rate_hz",
		Help:      "Estimated frames per second",
	}, streamLabel)

	m.State = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "acquisition",
		Name:      "stream_state",
		Help:      "Stream state (0 disconnected, 1 connecting, 2 connected, 3 streaming)",
	}, streamLabel)
}

func (m *AcquisitionMetrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.BytesRead, m.FramesDecoded, m.FramesRejected, m.DesyncWarnings,
		m.StreamErrors, m.OverflowBytes, m.BufferResizes, m.SampleRate, m.State,
	}
}

// Describe implements the prometheus.Collector interface.
func (m *AcquisitionMetrics) Describe(ch chan<- *prometheus.Desc) {
	for _, c := range m.collectors() {
		c.Describe(ch)
	}
}

// Collect implements the prometheus.Collector interface.
func (m *AcquisitionMetrics) Collect(ch chan<- prometheus.Metric) {
	for _, c := range m.collectors() {
		c.Collect(ch)
	}
}

func (m *AcquisitionMetrics) RecordBytes(stream string, n int) {
	m.BytesRead.WithLabelValues(stream).Add(float64(n))
}

func (m *AcquisitionMetrics) RecordFrames(stream string, decoded, rejected int) {
	if decoded > 0 {
		m.FramesDecoded.WithLabelValues(stream).Add(float64(decoded))
	}
	if rejected > 0 {
		m.FramesRejected.WithLabelValues(stream).Add(float64(rejected))
	}
}

func (m *AcquisitionMetrics) RecordDesyncWarning(stream string) {
	m.DesyncWarnings.WithLabelValues(stream).Inc()
}

func (m *AcquisitionMetrics) RecordStreamError(stream, category string) {
	m.StreamErrors.WithLabelValues(stream, category).Inc()
}

func (m *AcquisitionMetrics) RecordOverflow(stream string, droppedBytes int) {
	m.OverflowBytes.WithLabelValues(stream).Add(float64(droppedBytes))
}

func (m *AcquisitionMetrics) RecordBufferResize(stream string) {
	m.BufferResizes.WithLabelValues(stream).Inc()
}

func (m *AcquisitionMetrics) SetSampleRate(stream string, hz float64) {
	m.SampleRate.WithLabelValues(stream).Set(hz)
}

func (m *AcquisitionMetrics) SetState(stream string, state int) {
	m.State.WithLabelValues(stream).Set(float64(state))
}
