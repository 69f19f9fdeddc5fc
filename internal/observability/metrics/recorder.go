// Package metrics provides the Prometheus collectors of sigscope.
package metrics

// StreamRecorder receives acquisition stream telemetry. Implementations
// must be safe for concurrent use.
type StreamRecorder interface {
	RecordBytes(stream string, n int)
	RecordFrames(stream string, decoded, rejected int)
	RecordDesyncWarning(stream string)
	RecordStreamError(stream, category string)
	RecordOverflow(stream string, droppedBytes int)
	RecordBufferResize(stream string)
	SetSampleRate(stream string, hz float64)
	SetState(stream string, state int)
}

// MeasurementRecorder receives measurement engine telemetry.
type MeasurementRecorder interface {
	RecordTick(seconds float64, measurements int)
	RecordResult(kind string, available bool)
	SetPeakCount(measurement string, n int)
}

// NopRecorder discards everything. It is the default when no metrics are configured.
type NopRecorder struct{}

func (NopRecorder) RecordBytes(string, int)          {}
func (NopRecorder) RecordFrames(string, int, int)    {}
func (NopRecorder) RecordDesyncWarning(string)       {}
func (NopRecorder) RecordStreamError(string, string) {}
func (NopRecorder) RecordOverflow(string, int)       {}
func (NopRecorder) RecordBufferResize(string)        {}
func (NopRecorder) SetSampleRate(string, float64)    {}
func (NopRecorder) SetState(string, int)             {}
func (NopRecorder) RecordTick(float64, int)          {}
func (NopRecorder) RecordResult(string, bool)        {}
func (NopRecorder) SetPeakCount(string, int)         {}
