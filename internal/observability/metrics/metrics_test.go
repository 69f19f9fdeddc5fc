package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquisitionMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewAcquisitionMetrics(registry)
	require.NoError(t, err)

	m.RecordBytes("s1", 100)
	m.RecordBytes("s1", 28)
	m.RecordFrames("s1", 10, 2)
	m.RecordFrames("s1", 5, 0)
	m.RecordDesyncWarning("s1")
	m.RecordStreamError("s1", "source-io")
	m.SetSampleRate("s1", 999.5)
	m.SetState("s1", 3)

	assert.InDelta(t, 128, testutil.ToFloat64(m.BytesRead.WithLabelValues("s1")), 1e-9)
	assert.InDelta(t, 15, testutil.ToFloat64(m.FramesDecoded.WithLabelValues("s1")), 1e-9)
	assert.InDelta(t, 2, testutil.ToFloat64(m.FramesRejected.WithLabelValues("s1")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.StreamErrors.WithLabelValues("s1", "source-io")), 1e-9)
	assert.InDelta(t, 999.5, testutil.ToFloat64(m.SampleRate.WithLabelValues("s1")), 1e-9)

	expected := `
# HELP sigscope_acquisition_stream_state Stream state (0 disconnected, 1 connecting, 2 connected, 3 streaming)
# TYPE sigscope_acquisition_stream_state gauge
sigscope_acquisition_stream_state{stream="s1"} 3
`
	require.NoError(t, testutil.GatherAndCompare(registry, strings.NewReader(expected), "sigscope_acquisition_stream_state"))

	// a second registration on the same registry must fail
	_, err = NewAcquisitionMetrics(registry)
	assert.Error(t, err)
}

func TestMeasurementMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	m, err := NewMeasurementMetrics(registry)
	require.NoError(t, err)

	m.RecordTick(0.002, 4)
	m.RecordResult("rms", true)
	m.RecordResult("rms", false)
	m.RecordResult("rms", true)
	m.SetPeakCount("fft1", 3)

	assert.InDelta(t, 2, testutil.ToFloat64(m.Results.WithLabelValues("rms", "true")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(m.Results.WithLabelValues("rms", "false")), 1e-9)
	assert.InDelta(t, 4, testutil.ToFloat64(m.Measurements), 1e-9)
	assert.InDelta(t, 3, testutil.ToFloat64(m.PeakCount.WithLabelValues("fft1")), 1e-9)
	assert.Equal(t, 1, testutil.CollectAndCount(m.TickDuration))
}

func TestMQTTAndHTTPMetrics(t *testing.T) {
	t.Parallel()

	registry := prometheus.NewRegistry()
	mq, err := NewMQTTMetrics(registry)
	require.NoError(t, err)
	hm, err := NewHTTPMetrics(registry)
	require.NoError(t, err)

	mq.UpdateConnectionStatus(true)
	mq.IncrementMessagesDelivered()
	mq.ObserveMessageSize(120)
	mq.StartPublishTimer().ObserveDuration()
	assert.InDelta(t, 1, testutil.ToFloat64(mq.ConnectionStatus), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(mq.MessagesDelivered), 1e-9)
	mq.UpdateConnectionStatus(false)
	assert.InDelta(t, 0, testutil.ToFloat64(mq.ConnectionStatus), 1e-9)

	hm.RecordHTTPRequest("GET", "/api/v1/streams", 200, 0.01)
	hm.RecordCacheLookup(true)
	hm.RecordCacheLookup(false)
	assert.InDelta(t, 1, testutil.ToFloat64(hm.requestsTotal.WithLabelValues("GET", "/api/v1/streams", "200")), 1e-9)
	assert.InDelta(t, 1, testutil.ToFloat64(hm.cacheLookups.WithLabelValues("hit")), 1e-9)
}

func TestTestRecorder(t *testing.T) {
	t.Parallel()

	r := NewTestRecorder()
	r.RecordBytes("a", 10)
	r.RecordBytes("a", 5)
	r.RecordFrames("a", 3, 1)
	r.RecordStreamError("a", "source-io")
	r.SetState("a", 2)
	r.RecordTick(0.1, 2)
	r.RecordResult("fft", false)

	assert.InDelta(t, 15, r.Counter("bytes", "a"), 1e-9)
	assert.InDelta(t, 3, r.Counter("frames", "a"), 1e-9)
	assert.InDelta(t, 1, r.Counter("stream_errors", "a/source-io"), 1e-9)
	assert.InDelta(t, 1, r.Counter("results", "fft/unavailable"), 1e-9)
	state, ok := r.Gauge("state", "a")
	assert.True(t, ok)
	assert.InDelta(t, 2, state, 1e-9)
	_, ok = r.Gauge("state", "b")
	assert.False(t, ok)
	assert.Equal(t, 1, r.Ticks())
}
