package metrics

import "sync"

// TestRecorder captures stream and measurement telemetry for verification
// in tests.
type TestRecorder struct {
	mu       sync.RWMutex
	counters map[string]map[string]float64 // metric -> label -> value
	gauges   map[string]map[string]float64
	ticks    []float64
}

// NewTestRecorder creates a new test recorder instance.
func NewTestRecorder() *TestRecorder {
	return &TestRecorder{
		counters: make(map[string]map[string]float64),
		gauges:   make(map[string]map[string]float64),
	}
}

func (r *TestRecorder) add(metric, label string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.counters[metric] == nil {
		r.counters[metric] = make(map[string]float64)
	}
	r.counters[metric][label] += v
}

func (r *TestRecorder) set(metric, label string, v float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.gauges[metric] == nil {
		r.gauges[metric] = make(map[string]float64)
	}
	r.gauges[metric][label] = v
}

func (r *TestRecorder) RecordBytes(stream string, n int) { r.add("bytes", stream, float64(n)) }

func (r *TestRecorder) RecordFrames(stream string, decoded, rejected int) {
	r.add("frames", stream, float64(decoded))
	r.add("rejected", stream, float64(rejected))
}

func (r *TestRecorder) RecordDesyncWarning(stream string) { r.add("desync_warnings", stream, 1) }

func (r *TestRecorder) RecordStreamError(stream, category string) {
	r.add("stream_errors", stream+"/"+category, 1)
}

func (r *TestRecorder) RecordOverflow(stream string, n int) { r.add("overflow", stream, float64(n)) }
func (r *TestRecorder) RecordBufferResize(stream string)    { r.add("resizes", stream, 1) }
func (r *TestRecorder) SetSampleRate(stream string, hz float64) {
	r.set("sample_rate", stream, hz)
}
func (r *TestRecorder) SetState(stream string, state int) { r.set("state", stream, float64(state)) }

func (r *TestRecorder) RecordTick(seconds float64, measurements int) {
	r.mu.Lock()
	r.ticks = append(r.ticks, seconds)
	r.mu.Unlock()
	r.set("measurements", "", float64(measurements))
}

func (r *TestRecorder) RecordResult(kind string, available bool) {
	label := kind + "/unavailable"
	if available {
		label = kind + "/available"
	}
	r.add("results", label, 1)
}

func (r *TestRecorder) SetPeakCount(measurement string, n int) {
	r.set("peaks", measurement, float64(n))
}

// Counter returns the accumulated value of a counter. Stream errors are
// labelled "stream/category", results "kind/available".
func (r *TestRecorder) Counter(metric, label string) float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.counters[metric][label]
}

// Gauge returns the last value set on a gauge and whether it was set.
func (r *TestRecorder) Gauge(metric, label string) (float64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.gauges[metric][label]
	return v, ok
}

// Ticks returns the number of recorded engine ticks.
func (r *TestRecorder) Ticks() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ticks)
}

var (
	_ StreamRecorder      = (*TestRecorder)(nil)
	_ MeasurementRecorder = (*TestRecorder)(nil)
	_ StreamRecorder      = (*AcquisitionMetrics)(nil)
	_ MeasurementRecorder = (*MeasurementMetrics)(nil)
	_ StreamRecorder      = NopRecorder{}
	_ MeasurementRecorder = NopRecorder{}
)
