package measurement

import (
	"context"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/frame"
	"github.com/sigscope/sigscope/internal/observability/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// bufferSource hands out a fixed payload, then idles.
type bufferSource struct {
	mu   sync.Mutex
	data []byte
}

func (b *bufferSource) Name() string               { return "buffer" }
func (b *bufferSource) Open(context.Context) error { return nil }
func (b *bufferSource) Close() error               { return nil }

func (b *bufferSource) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		time.Sleep(time.Millisecond)
		return 0, nil
	}
	n := copy(p, b.data)
	b.data = b.data[n:]
	return n, nil
}

var fixedNow = time.Unix(1_700_000_000, 0)

// feedList streams one single-channel stream per input through a real
// acquisition pipeline and returns the resulting channel list.
func feedList(t *testing.T, rate float64, inputs ...[]float64) (*acquisition.ChannelList, []*acquisition.Stream) {
	t.Helper()
	dec, err := frame.NewDecoder(frame.Config{Format: frame.FormatFloat64, Channels: 1})
	require.NoError(t, err)

	list := acquisition.NewChannelList()
	streams := make([]*acquisition.Stream, 0, len(inputs))
	for i, in := range inputs {
		var payload []byte
		for _, v := range in {
			payload, err = dec.Encode(payload, []float64{v})
			require.NoError(t, err)
		}

		s, err := acquisition.NewStream(acquisition.Config{
			Name:        t.Name() + string(rune('a'+i)),
			Decoder:     dec,
			NominalRate: rate,
		}, &bufferSource{data: payload}, acquisition.WithClock(func() time.Time { return fixedNow }))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Disconnect() })

		require.NoError(t, s.Connect(context.Background()))
		require.NoError(t, s.StartStreaming())
		want := uint64(len(in))
		require.Eventually(t, func() bool { return s.TotalSamples() == want }, 2*time.Second, time.Millisecond)
		require.NoError(t, s.StopStreaming())

		list.AddChannelsForStream(s)
		streams = append(streams, s)
	}
	return list, streams
}

func sines(n int, rate float64, tones ...[2]float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		for _, tone := range tones {
			out[i] += tone[1] * math.Sin(2*math.Pi*tone[0]*float64(i)/rate)
		}
	}
	return out
}

func TestScalarMeasurements(t *testing.T) {
	list, _ := feedList(t, 100, []float64{1, -1, 3, -3, 2, 4})
	e := NewEngine(list, WithClock(func() time.Time { return fixedNow }))

	tests := []struct {
		kind     Kind
		window   int
		value    float64
		min, max float64
	}{
		{KindRMS, 0, math.Sqrt((1 + 1 + 9 + 9 + 4 + 16) / 6.0), 0, 0},
		{KindPeak, 0, 7, -3, 4},
		{KindMinMax, 0, 4, -3, 4},
		{KindMean, 0, 1, 0, 0},
		{KindStdDev, 0, math.Sqrt(34.0 / 5), 0, 0},
		{KindMean, 2, 3, 0, 0},
	}
	for _, tt := range tests {
		_, err := e.Add(Definition{ID: string(tt.kind) + string(rune('0'+tt.window)), Kind: tt.kind, Window: tt.window})
		require.NoError(t, err)
	}

	reports := e.Tick(context.Background())
	require.Len(t, reports, len(tests))
	for i, tt := range tests {
		r := reports[i]
		t.Run(r.ID, func(t *testing.T) {
			assert.True(t, r.Available, r.Reason)
			assert.InDelta(t, tt.value, r.Value, 1e-9)
			assert.InDelta(t, tt.min, r.Min, 1e-9)
			assert.InDelta(t, tt.max, r.Max, 1e-9)
			assert.Equal(t, fixedNow, r.Updated)
			assert.InDelta(t, 100, r.SampleRate, 0)
			assert.Equal(t, 0, r.Channel)
		})
	}
	assert.Equal(t, 2, reports[5].Samples)
}

func TestFFTFindsTones(t *testing.T) {
	const rate = 1000.0
	list, _ := feedList(t, rate, sines(1024, rate, [2]float64{125, 1}, [2]float64{250, 0.5}))
	e := NewEngine(list)

	m, err := e.Add(Definition{ID: "spectrum", Kind: KindFFT, FFT: FFTOptions{Size: 1024}})
	require.NoError(t, err)
	assert.Equal(t, WindowHann, m.Definition().FFT.Window)
	assert.Equal(t, 1024, m.Definition().Window)

	e.Tick(context.Background())
	r := m.Result()
	require.True(t, r.Available, r.Reason)
	require.Len(t, r.Peaks, 2)

	assert.InDelta(t, 125, r.Peaks[0].Frequency, 1e-9)
	assert.InDelta(t, 1, r.Peaks[0].Amplitude, 1e-6)
	assert.InDelta(t, 0, r.Peaks[0].Level, 1e-4)
	assert.InDelta(t, 250, r.Peaks[1].Frequency, 1e-9)
	assert.InDelta(t, 0.5, r.Peaks[1].Amplitude, 1e-6)
	assert.InDelta(t, 20*math.Log10(0.5), r.Peaks[1].Level, 1e-4)
	assert.InDelta(t, 125, r.Value, 1e-9)
	assert.Equal(t, 1024, r.Samples)
}

func TestFFTUsesDownsampledRate(t *testing.T) {
	const rate = 1000.0
	list, _ := feedList(t, rate, sines(2048, rate, [2]float64{125, 1}))
	ch, ok := list.Channel(0)
	require.True(t, ok)
	require.NoError(t, ch.SetFilters([]filter.Spec{{Kind: filter.KindDownsample, Factor: 2}}))

	e := NewEngine(list)
	m, err := e.Add(Definition{Kind: KindFFT, Window: 2048})
	require.NoError(t, err)
	assert.Equal(t, "fft-0", m.ID())

	e.Tick(context.Background())
	r := m.Result()
	require.True(t, r.Available, r.Reason)
	assert.InDelta(t, 500, r.SampleRate, 0)
	assert.Equal(t, 1024, r.Samples)
	require.NotEmpty(t, r.Peaks)
	assert.InDelta(t, 125, r.Peaks[0].Frequency, 1e-9)
}

func TestFFTWindowCountsDownsampledSamples(t *testing.T) {
	const rate = 1000.0
	list, _ := feedList(t, rate, sines(4096, rate, [2]float64{62.5, 1}))
	ch, ok := list.Channel(0)
	require.True(t, ok)
	require.NoError(t, ch.SetFilters([]filter.Spec{
		{Kind: filter.KindDownsample, Factor: 2},
		{Kind: filter.KindDownsample, Factor: 2},
	}))
	assert.Equal(t, 4, ch.Decimation())

	e := NewEngine(list)
	m, err := e.Add(Definition{Kind: KindFFT, Window: 1024, FFT: FFTOptions{Size: 1024}})
	require.NoError(t, err)

	e.Tick(context.Background())
	r := m.Result()
	require.True(t, r.Available, r.Reason)
	assert.Equal(t, 1024, r.Samples)
	assert.InDelta(t, 250, r.SampleRate, 0)
	require.NotEmpty(t, r.Peaks)
	assert.InDelta(t, 62.5, r.Peaks[0].Frequency, 1e-9)
}

func TestPeakResortIsIdempotent(t *testing.T) {
	const rate = 1000.0
	list, _ := feedList(t, rate, sines(1024, rate,
		[2]float64{62.5, 0.25}, [2]float64{125, 1}, [2]float64{250, 0.5}))
	e := NewEngine(list)
	m, err := e.Add(Definition{Kind: KindFFT})
	require.NoError(t, err)
	e.Tick(context.Background())

	for _, field := range []PeakField{PeakFrequency, PeakAmplitude, PeakLevel} {
		for _, desc := range []bool{false, true} {
			once := m.Peaks(field, desc)
			twice := append([]Peak(nil), once...)
			SortPeaks(twice, field, desc)
			assert.Equal(t, once, twice, "%s desc=%v", field, desc)
			assert.Equal(t, once, m.Peaks(field, desc))
		}
	}

	byFreq := m.Peaks(PeakFrequency, true)
	require.Len(t, byFreq, 3)
	assert.InDelta(t, 250, byFreq[0].Frequency, 1e-9)
	assert.InDelta(t, 125, byFreq[1].Frequency, 1e-9)
	assert.InDelta(t, 62.5, byFreq[2].Frequency, 1e-9)

	// the stored order is untouched by sorting copies
	assert.InDelta(t, 125, m.Result().Peaks[0].Frequency, 1e-9)
}

func TestSortPeaksIsStable(t *testing.T) {
	peaks := []Peak{
		{Frequency: 10, Amplitude: 1},
		{Frequency: 20, Amplitude: 2},
		{Frequency: 30, Amplitude: 1},
		{Frequency: 40, Amplitude: 2},
	}
	SortPeaks(peaks, PeakAmplitude, true)
	assert.Equal(t, []float64{20, 40, 10, 30}, []float64{
		peaks[0].Frequency, peaks[1].Frequency, peaks[2].Frequency, peaks[3].Frequency,
	})
}

func TestMeasurementUnavailableAfterStreamRemoval(t *testing.T) {
	list, streams := feedList(t, 100, []float64{1, 2, 3}, []float64{5, 5})
	rec := metrics.NewTestRecorder()
	e := NewEngine(list, WithRecorder(rec))

	m, err := e.Add(Definition{Kind: KindMean, Channel: 0})
	require.NoError(t, err)
	other, err := e.Add(Definition{Kind: KindMean, Channel: 1})
	require.NoError(t, err)

	e.Tick(context.Background())
	require.True(t, m.Result().Available)
	assert.InDelta(t, 2, m.Result().Value, 1e-9)

	assert.Equal(t, 1, other.ChannelIndex())

	list.RemoveChannelsForStream(streams[0])
	reports := e.Tick(context.Background())
	require.Len(t, reports, 2)

	byID := map[string]Report{}
	for _, rep := range reports {
		byID[rep.ID] = rep
	}
	assert.Equal(t, -1, byID[m.ID()].Channel)
	assert.Equal(t, 0, byID[other.ID()].Channel, "renumbered after the first stream left")
	assert.Equal(t, 0, other.Report().Channel)

	r := m.Result()
	assert.False(t, r.Available)
	assert.Equal(t, "channel removed", r.Reason)
	assert.InDelta(t, 2, r.Value, 1e-9, "last value is kept")

	// the surviving measurement still follows its own channel
	assert.True(t, other.Result().Available)
	assert.InDelta(t, 5, other.Result().Value, 1e-9)

	assert.InDelta(t, 3, rec.Counter("results", "mean/available"), 0)
	assert.InDelta(t, 1, rec.Counter("results", "mean/unavailable"), 0)
	assert.Equal(t, 2, rec.Ticks())
}

func TestMeasurementUnavailableReasons(t *testing.T) {
	list, _ := feedList(t, 0, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9})
	e := NewEngine(list)
	ch, _ := list.Channel(0)

	spectrum, err := e.Add(Definition{Kind: KindFFT})
	require.NoError(t, err)
	sized, err := e.Add(Definition{ID: "big", Kind: KindFFT, FFT: FFTOptions{Size: 16}})
	require.NoError(t, err)
	mean, err := e.Add(Definition{Kind: KindMean})
	require.NoError(t, err)

	assert.Equal(t, "not measured yet", mean.Result().Reason)

	e.Tick(context.Background())
	assert.Equal(t, "sample rate unknown", spectrum.Result().Reason)
	assert.Equal(t, "sample rate unknown", sized.Result().Reason)
	assert.True(t, mean.Result().Available)

	ch.SetEnabled(false)
	e.Tick(context.Background())
	assert.Equal(t, "channel disabled", mean.Result().Reason)
	assert.False(t, mean.Result().Available)
}

func TestAddValidation(t *testing.T) {
	list, _ := feedList(t, 100, []float64{1})
	e := NewEngine(list)

	_, err := e.Add(Definition{Kind: "median"})
	require.ErrorIs(t, err, ErrInvalidDefinition)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	_, err = e.Add(Definition{Kind: KindRMS, Channel: 3})
	require.ErrorIs(t, err, ErrChannelNotFound)
	assert.True(t, errors.IsNotFound(err))

	_, err = e.Add(Definition{Kind: KindFFT, FFT: FFTOptions{Size: 1000}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = e.Add(Definition{Kind: KindFFT, FFT: FFTOptions{Window: "kaiser"}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = e.Add(Definition{Kind: KindFFT, Window: 64, FFT: FFTOptions{Size: 128}})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = e.Add(Definition{Kind: KindRMS, Window: -1})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	_, err = e.Add(Definition{ID: "x", Kind: KindRMS})
	require.NoError(t, err)
	_, err = e.Add(Definition{ID: "x", Kind: KindPeak})
	assert.ErrorIs(t, err, ErrInvalidDefinition)

	m, ok := e.Get("x")
	require.True(t, ok)
	assert.Equal(t, KindRMS, m.Kind())
	require.NoError(t, e.Remove("x"))
	_, ok = e.Get("x")
	assert.False(t, ok)
	assert.ErrorIs(t, e.Remove("x"), ErrNotFound)
	assert.Empty(t, e.Measurements())
}

func TestParseHelpers(t *testing.T) {
	k, err := ParseKind(" FFT ")
	require.NoError(t, err)
	assert.Equal(t, KindFFT, k)
	_, err = ParseKind("avg")
	assert.Error(t, err)

	f, err := ParsePeakField("Level")
	require.NoError(t, err)
	assert.Equal(t, PeakLevel, f)
	f, err = ParsePeakField("")
	require.NoError(t, err)
	assert.Equal(t, PeakAmplitude, f)
	_, err = ParsePeakField("phase")
	assert.Error(t, err)
}

type captureSink struct {
	mu    sync.Mutex
	calls [][]Report
}

func (c *captureSink) Publish(_ context.Context, reports []Report) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, reports)
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func TestRunTicksUntilCancelled(t *testing.T) {
	list, _ := feedList(t, 100, []float64{3, 4})
	sink := &captureSink{}
	e := NewEngine(list, WithInterval(5*time.Millisecond), WithSink(sink))
	_, err := e.Add(Definition{ID: "rms", Kind: KindRMS})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool { return sink.count() >= 2 }, 2*time.Second, time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	sink.mu.Lock()
	first := sink.calls[0]
	sink.mu.Unlock()
	require.Len(t, first, 1)
	assert.Equal(t, "rms", first[0].ID)
	assert.Equal(t, KindRMS, first[0].Kind)
	assert.InDelta(t, math.Sqrt(12.5), first[0].Value, 1e-9)
	assert.Equal(t, 5*time.Millisecond, e.Interval())
}
