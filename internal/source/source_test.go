package source

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/smallnest/ringbuffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/frame"
)

type fakePort struct {
	mu      sync.Mutex
	data    []byte
	timeout time.Duration
	closed  bool
	readErr error
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, io.ErrClosedPipe
	}
	if p.readErr != nil {
		return 0, p.readErr
	}
	n := copy(b, p.data)
	p.data = p.data[n:]
	return n, nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePort) SetReadTimeout(d time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.timeout = d
	return nil
}

func TestPortOptionsNormalize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      PortOptions
		want    PortOptions
		wantErr bool
	}{
		{name: "defaults", in: PortOptions{}, want: PortOptions{BaudRate: DefaultBaudRate, DataBits: 8, StopBits: 1, Parity: "N"}},
		{name: "even parity word", in: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "even"}, want: PortOptions{BaudRate: 9600, DataBits: 7, StopBits: 2, Parity: "E"}},
		{name: "bad data bits", in: PortOptions{DataBits: 9}, wantErr: true},
		{name: "bad stop bits", in: PortOptions{StopBits: 3}, wantErr: true},
		{name: "bad parity", in: PortOptions{Parity: "mark"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := tt.in.Normalize()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSerialModeMapping(t *testing.T) {
	t.Parallel()

	mode, err := PortOptions{BaudRate: 57600, StopBits: 2, Parity: "O"}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, 57600, mode.BaudRate)
	assert.Equal(t, 8, mode.DataBits)
	assert.Equal(t, serial.TwoStopBits, mode.StopBits)
	assert.Equal(t, serial.OddParity, mode.Parity)

	mode, err = PortOptions{}.SerialMode()
	require.NoError(t, err)
	assert.Equal(t, serial.OneStopBit, mode.StopBits)
	assert.Equal(t, serial.NoParity, mode.Parity)
}

func TestSerialSourceReadsFromPort(t *testing.T) {
	t.Parallel()

	port := &fakePort{data: []byte("1,2\n3,4\n")}
	var gotName string
	src, err := NewSerialSource(SerialConfig{Port: "/dev/ttyFAKE", ReadTimeout: 20 * time.Millisecond},
		WithPortOpener(func(name string, _ *serial.Mode) (SerialPort, error) {
			gotName = name
			return port, nil
		}))
	require.NoError(t, err)

	_, err = src.Read(make([]byte, 4))
	assert.ErrorIs(t, err, ErrNotOpen)

	require.NoError(t, src.Open(context.Background()))
	assert.Equal(t, "/dev/ttyFAKE", gotName)
	assert.Equal(t, 20*time.Millisecond, port.timeout)

	buf := make([]byte, 64)
	n, err := src.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "1,2\n3,4\n", string(buf[:n]))

	// drained port behaves like a read timeout
	n, err = src.Read(buf)
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, src.Close())
	require.NoError(t, src.Close())
	assert.True(t, port.closed)
}

func TestSerialSourceOpenFailure(t *testing.T) {
	t.Parallel()

	src, err := NewSerialSource(SerialConfig{Port: "/dev/missing"},
		WithPortOpener(func(string, *serial.Mode) (SerialPort, error) {
			return nil, errors.NewStd("no such file or directory")
		}))
	require.NoError(t, err)

	err = src.Open(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrSourceUnavailable)
	assert.True(t, errors.IsCategory(err, errors.CategorySourceUnavailable))
}

func TestSerialSourceReadError(t *testing.T) {
	t.Parallel()

	port := &fakePort{readErr: io.ErrUnexpectedEOF}
	src, err := NewSerialSource(SerialConfig{Port: "COM3"},
		WithPortOpener(func(string, *serial.Mode) (SerialPort, error) { return port, nil }))
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))

	_, err = src.Read(make([]byte, 8))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategorySourceIO))
}

func TestNewSerialSourceValidation(t *testing.T) {
	t.Parallel()

	_, err := NewSerialSource(SerialConfig{})
	assert.Error(t, err)

	_, err = NewSerialSource(SerialConfig{Port: "COM1", Options: PortOptions{DataBits: 4}})
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func newTestDecoder(t *testing.T, cfg frame.Config) *frame.Decoder {
	t.Helper()
	dec, err := frame.NewDecoder(cfg)
	require.NoError(t, err)
	return dec
}

func readAtLeast(t *testing.T, src ByteSource, n int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 512)
	deadline := time.Now().Add(5 * time.Second)
	for len(out) < n {
		require.True(t, time.Now().Before(deadline), "source produced only %d bytes", len(out))
		k, err := src.Read(buf)
		require.NoError(t, err)
		out = append(out, buf[:k]...)
	}
	return out
}

func TestDemoSourceProducesDecodableFrames(t *testing.T) {
	t.Parallel()

	for _, format := range []frame.Format{frame.FormatInt16, frame.FormatFloat32, frame.FormatASCII} {
		t.Run(format.String(), func(t *testing.T) {
			t.Parallel()

			dec := newTestDecoder(t, frame.Config{StartMarker: []byte{0xA5, 0x5A}, Format: format, Channels: 2})
			if format == frame.FormatASCII {
				dec = newTestDecoder(t, frame.Config{Format: format, Channels: 2})
			}
			src, err := NewDemoSource(DemoConfig{
				SampleRate: 1000,
				Unpaced:    true,
				Channels: []DemoChannel{
					{Waveform: WaveSquare, Frequency: 100, Amplitude: 0.5},
					{Waveform: WaveSawtooth, Frequency: 50, Amplitude: 1},
				},
			}, dec)
			require.NoError(t, err)
			require.NoError(t, src.Open(context.Background()))
			defer src.Close()

			data := readAtLeast(t, src, 2000)

			var frames [][]float64
			dec.Scan(data, func(s []float64) {
				frames = append(frames, append([]float64(nil), s...))
			})
			require.GreaterOrEqual(t, len(frames), 20)

			lo, hi := format.Range()
			mid, half := (lo+hi)/2, (hi-lo)/2
			// square at 100 Hz and 1 kHz: 5 high samples then 5 low
			assert.InDelta(t, mid+0.5*half, frames[0][0], half*0.01)
			assert.InDelta(t, mid-0.5*half, frames[5][0], half*0.01)
			// sawtooth starts at the bottom of the range
			assert.InDelta(t, mid-half, frames[0][1], half*0.01)
		})
	}
}

func TestDemoSourcePacing(t *testing.T) {
	t.Parallel()

	dec := newTestDecoder(t, frame.Config{Format: frame.FormatUint8, Channels: 1})
	src, err := NewDemoSource(DemoConfig{SampleRate: 500, ReadTimeout: 50 * time.Millisecond}, dec)
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	start := time.Now()
	total := 0
	buf := make([]byte, 1024)
	for time.Since(start) < 200*time.Millisecond {
		n, err := src.Read(buf)
		require.NoError(t, err)
		total += n
	}
	// 500 frames/s for 200 ms plus one initial burst
	assert.InDelta(t, 110, total, 60)
}

func TestDemoSourceCloseStopsReads(t *testing.T) {
	t.Parallel()

	dec := newTestDecoder(t, frame.Config{Format: frame.FormatInt8, Channels: 1})
	src, err := NewDemoSource(DemoConfig{}, dec)
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	require.NoError(t, src.Close())

	_, err = src.Read(make([]byte, 16))
	assert.ErrorIs(t, err, ErrNotOpen)
	assert.NoError(t, src.Close())
}

func TestNewDemoSourceValidation(t *testing.T) {
	t.Parallel()

	dec := newTestDecoder(t, frame.Config{Format: frame.FormatInt8, Channels: 1})
	_, err := NewDemoSource(DemoConfig{Channels: []DemoChannel{{Amplitude: 2}}}, dec)
	assert.Error(t, err)

	_, err = NewDemoSource(DemoConfig{}, nil)
	assert.Error(t, err)
}

func TestParseWaveform(t *testing.T) {
	t.Parallel()

	w, err := ParseWaveform(" Triangle ")
	require.NoError(t, err)
	assert.Equal(t, WaveTriangle, w)

	w, err = ParseWaveform("")
	require.NoError(t, err)
	assert.Equal(t, WaveSine, w)

	_, err = ParseWaveform("chirp")
	assert.Error(t, err)
}

func writeTestWAV(t *testing.T, rate, channels int, samples []int) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.wav")
	f, err := os.Create(path)
	require.NoError(t, err)

	enc := wav.NewEncoder(f, rate, 16, channels, 1)
	require.NoError(t, enc.Write(&audio.IntBuffer{
		Data:           samples,
		Format:         &audio.Format{SampleRate: rate, NumChannels: channels},
		SourceBitDepth: 16,
	}))
	require.NoError(t, enc.Close())
	require.NoError(t, f.Close())
	return path
}

func decodeInt32LE(b []byte) []int {
	out := make([]int, 0, len(b)/4)
	for i := 0; i+4 <= len(b); i += 4 {
		out = append(out, int(int32(binary.LittleEndian.Uint32(b[i:]))))
	}
	return out
}

func TestWAVSourceReplaysSamples(t *testing.T) {
	t.Parallel()

	samples := make([]int, 0, 400)
	for i := range 200 {
		v := int(10000 * math.Sin(float64(i)/10))
		samples = append(samples, v, -v)
	}
	path := writeTestWAV(t, 8000, 2, samples)

	info, err := ProbeWAV(path)
	require.NoError(t, err)
	assert.Equal(t, WAVInfo{SampleRate: 8000, Channels: 2, BitDepth: 16}, info)

	src, err := NewWAVSource(WAVConfig{Path: path, Unpaced: true})
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	var out []byte
	buf := make([]byte, 256)
	for {
		n, err := src.Read(buf)
		out = append(out, buf[:n]...)
		if errors.Is(err, io.EOF) {
			break
		}
		require.NoError(t, err)
	}

	assert.Equal(t, samples, decodeInt32LE(out))
}

func TestWAVSourceLoops(t *testing.T) {
	t.Parallel()

	path := writeTestWAV(t, 8000, 1, []int{1, 2, 3, 4})
	src, err := NewWAVSource(WAVConfig{Path: path, Unpaced: true, Loop: true})
	require.NoError(t, err)
	require.NoError(t, src.Open(context.Background()))
	defer src.Close()

	got := decodeInt32LE(readAtLeast(t, src, 4*10))
	assert.Equal(t, []int{1, 2, 3, 4, 1, 2, 3, 4, 1, 2}, got[:10])
}

func TestWAVSourceMissingFile(t *testing.T) {
	t.Parallel()

	src, err := NewWAVSource(WAVConfig{Path: filepath.Join(t.TempDir(), "missing.wav")})
	require.NoError(t, err)
	err = src.Open(context.Background())
	assert.ErrorIs(t, err, ErrSourceUnavailable)

	_, err = ProbeWAV(filepath.Join(t.TempDir(), "missing.wav"))
	assert.ErrorIs(t, err, ErrSourceUnavailable)
}

func TestFactory(t *testing.T) {
	t.Parallel()

	dec := newTestDecoder(t, frame.Config{Format: frame.FormatInt16, Channels: 1})

	src, err := New(Config{Type: "DEMO"}, dec)
	require.NoError(t, err)
	assert.IsType(t, &DemoSource{}, src)

	src, err = New(Config{Type: TypeWAV, WAV: WAVConfig{Path: "x.wav"}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "x.wav", src.Name())

	src, err = New(Config{Type: TypeSerial}, nil)
	assert.Error(t, err)
	assert.Nil(t, src)

	_, err = New(Config{Type: "carrier-pigeon"}, nil)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestAudioCaptureKeepsFramesWhole(t *testing.T) {
	t.Parallel()

	// two S16LE channels: 4 byte frames in a ring that fits two and a half
	s := &AudioSource{cfg: AudioConfig{Channels: 2}, rb: ringbuffer.New(10)}

	frames := func(values ...byte) []byte {
		var out []byte
		for _, v := range values {
			out = append(out, v, 0, v+100, 0)
		}
		return out
	}

	s.onCapture(nil, frames(1, 2), 2)
	assert.Equal(t, 8, s.rb.Length())
	assert.Zero(t, s.Dropped())

	s.onCapture(nil, frames(3), 1)
	assert.Equal(t, 8, s.rb.Length(), "a frame that does not fit whole is dropped")
	assert.Equal(t, uint64(4), s.Dropped())

	got := make([]byte, 4)
	n, err := s.rb.Read(got)
	require.NoError(t, err)
	require.Equal(t, 4, n)
	assert.Equal(t, frames(1), got)

	// 6 bytes free: only one of the two frames fits
	s.onCapture(nil, frames(4, 5), 2)
	assert.Equal(t, 8, s.rb.Length())
	assert.Equal(t, uint64(8), s.Dropped())
	assert.Zero(t, s.rb.Length()%4)

	rest := make([]byte, 8)
	n, err = s.rb.Read(rest)
	require.NoError(t, err)
	assert.Equal(t, frames(2, 4), rest[:n])
}
