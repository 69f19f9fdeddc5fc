package frame

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigscope/sigscope/internal/errors"
)

var testMarker = []byte{0xAA, 0x55}

func mustDecoder(t *testing.T, cfg Config) *Decoder {
	t.Helper()
	d, err := NewDecoder(cfg)
	require.NoError(t, err)
	return d
}

func encodeFrames(t *testing.T, d *Decoder, frames [][]float64) []byte {
	t.Helper()
	var buf []byte
	for _, f := range frames {
		var err error
		buf, err = d.Encode(buf, f)
		require.NoError(t, err)
	}
	return buf
}

func collect(d *Decoder, buf []byte) (frames [][]float64, consumed, rejected int) {
	consumed, _, rejected = d.Scan(buf, func(s []float64) {
		frames = append(frames, append([]float64(nil), s...))
	})
	return frames, consumed, rejected
}

func TestRoundTripAllFormats(t *testing.T) {
	samples := map[Format][]float64{
		FormatUint8:   {0, 17, 255},
		FormatInt8:    {-128, 5, 127},
		FormatUint16:  {0, 1234, 65535},
		FormatInt16:   {-32768, -1, 32767},
		FormatUint32:  {0, 70000, 4294967295},
		FormatInt32:   {-2147483648, 42, 2147483647},
		FormatFloat32: {-1.5, 0.25, 3},
		FormatFloat64: {-1.0 / 3, math.Pi, 1e10},
		FormatASCII:   {-1.25, 3, 1e-3},
	}

	for _, format := range Formats() {
		for _, order := range []Endianness{LittleEndian, BigEndian} {
			for _, marker := range [][]byte{nil, testMarker} {
				name := format.String() + "/" + order.String()
				if marker != nil {
					name += "/marker"
				}
				t.Run(name, func(t *testing.T) {
					d := mustDecoder(t, Config{
						StartMarker: marker,
						Format:      format,
						ByteOrder:   order,
						Channels:    3,
					})

					want := samples[format]
					buf := encodeFrames(t, d, [][]float64{want, want})
					if format != FormatASCII {
						assert.Len(t, buf, 2*d.FrameSize())
					}

					got, consumed, rejected := collect(d, buf)
					require.Len(t, got, 2)
					assert.Equal(t, len(buf), consumed)
					assert.Zero(t, rejected)
					for _, frame := range got {
						assert.InDeltaSlice(t, want, frame, 1e-12)
					}
				})
			}
		}
	}
}

func TestEncodeSaturates(t *testing.T) {
	d := mustDecoder(t, Config{Format: FormatInt8, Channels: 2})
	buf, err := d.Encode(nil, []float64{500, -500})
	require.NoError(t, err)

	out := make([]float64, 2)
	status, n := d.Decode(buf, out)
	require.Equal(t, StatusFrame, status)
	assert.Equal(t, 2, n)
	assert.Equal(t, []float64{127, -128}, out)

	_, err = d.Encode(nil, []float64{1})
	assert.Error(t, err)
}

func TestResyncAfterCorruptFrame(t *testing.T) {
	d := mustDecoder(t, Config{
		StartMarker:      testMarker,
		Format:           FormatInt16,
		Channels:         2,
		VerifyNextMarker: true,
	})

	for _, n := range []int{1, 3, 10} {
		valid := make([][]float64, n)
		for i := range valid {
			valid[i] = []float64{float64(100 + i), float64(-200 - i)}
		}

		// marker followed by a truncated payload
		buf := append([]byte{}, testMarker...)
		buf = append(buf, 0x01, 0x02)
		buf = append(buf, encodeFrames(t, d, valid)...)

		got, consumed, rejected := collect(d, buf)
		require.Len(t, got, n, "n=%d", n)
		assert.Equal(t, valid, got)
		assert.Equal(t, len(buf), consumed)
		assert.Positive(t, rejected)
	}
}

func TestResyncAfterGarbage(t *testing.T) {
	d := mustDecoder(t, Config{StartMarker: testMarker, Format: FormatUint16, Channels: 1})

	valid := [][]float64{{1}, {2}, {3}, {4}}
	buf := append([]byte{0x00, 0x13, 0xAA, 0x01, 0x7F}, encodeFrames(t, d, valid)...)

	got, _, _ := collect(d, buf)
	assert.Equal(t, valid, got)
}

func TestSplitFeed(t *testing.T) {
	d := mustDecoder(t, Config{
		StartMarker:      testMarker,
		Format:           FormatFloat32,
		ByteOrder:        BigEndian,
		Channels:         4,
		VerifyNextMarker: true,
	})

	const frames = 25
	var all [][]float64
	for i := range frames {
		all = append(all, []float64{float64(i), 0.5, -0.5, float64(i) * 2})
	}
	stream := encodeFrames(t, d, all)

	for _, chunk := range []int{1, 2, 3, 7, 64} {
		var acc []byte
		var got [][]float64
		scratch := make([]float64, 4)

		for off := 0; off < len(stream); off += chunk {
			acc = append(acc, stream[off:min(off+chunk, len(stream))]...)
			for {
				status, n := d.Decode(acc, scratch)
				acc = acc[n:]
				if status == StatusFrame {
					got = append(got, append([]float64(nil), scratch...))
					continue
				}
				if status == StatusNeedMore || n == 0 {
					break
				}
			}
		}
		assert.Equal(t, all, got, "chunk=%d", chunk)
	}
}

func TestDecodeStatuses(t *testing.T) {
	d := mustDecoder(t, Config{StartMarker: testMarker, Format: FormatInt16, Channels: 2})
	out := make([]float64, 2)

	t.Run("garbage only keeps split marker candidate", func(t *testing.T) {
		status, n := d.Decode([]byte{0x01, 0x02, 0xAA}, out)
		assert.Equal(t, StatusNoFrame, status)
		assert.Equal(t, 2, n)
	})

	t.Run("shorter than marker", func(t *testing.T) {
		status, n := d.Decode([]byte{0xAA}, out)
		assert.Equal(t, StatusNeedMore, status)
		assert.Zero(t, n)
	})

	t.Run("partial frame drops leading garbage", func(t *testing.T) {
		status, n := d.Decode([]byte{0x09, 0x09, 0xAA, 0x55, 0x01}, out)
		assert.Equal(t, StatusNeedMore, status)
		assert.Equal(t, 2, n)
	})

	t.Run("raw stream needs a full frame", func(t *testing.T) {
		raw := mustDecoder(t, Config{Format: FormatInt16, Channels: 2})
		status, n := raw.Decode([]byte{0x01, 0x00, 0x02}, out)
		assert.Equal(t, StatusNeedMore, status)
		assert.Zero(t, n)
	})
}

func TestRejectsNonFiniteFloats(t *testing.T) {
	d := mustDecoder(t, Config{StartMarker: testMarker, Format: FormatFloat32, Channels: 1})
	buf := encodeFrames(t, d, [][]float64{{math.NaN()}, {1.5}, {math.Inf(1)}, {2.5}})

	got, _, rejected := collect(d, buf)
	assert.Equal(t, [][]float64{{1.5}, {2.5}}, got)
	assert.Equal(t, 2, rejected)
}

func TestDecodeText(t *testing.T) {
	testCases := []struct {
		name   string
		cfg    Config
		input  string
		want   [][]float64
		reject int
	}{
		{
			name:   "csv with garbage line",
			cfg:    Config{Format: FormatASCII, Channels: 2},
			input:  "boot v1.2\n1,2\n3.5,-4\n",
			want:   [][]float64{{1, 2}, {3.5, -4}},
			reject: 1,
		},
		{
			name:  "crlf terminated",
			cfg:   Config{Format: FormatASCII, Channels: 3},
			input: "1,2,3\r\n4,5,6\r\n",
			want:  [][]float64{{1, 2, 3}, {4, 5, 6}},
		},
		{
			name:  "space delimited collapses runs",
			cfg:   Config{Format: FormatASCII, Channels: 2, Delimiter: ' '},
			input: "10   20\n 30 40 \n",
			want:  [][]float64{{10, 20}, {30, 40}},
		},
		{
			name:   "wrong field count is rejected",
			cfg:    Config{Format: FormatASCII, Channels: 2},
			input:  "1,2,3\n4\n5,6\n",
			want:   [][]float64{{5, 6}},
			reject: 2,
		},
		{
			name:   "marker prefixed lines",
			cfg:    Config{Format: FormatASCII, Channels: 2, StartMarker: []byte("$D")},
			input:  "noise$D1,2\n$Dx,y\n$D3,4\n",
			want:   [][]float64{{1, 2}, {3, 4}},
			reject: 1,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			d := mustDecoder(t, tc.cfg)
			got, _, rejected := collect(d, []byte(tc.input))
			assert.Equal(t, tc.want, got)
			assert.Equal(t, tc.reject, rejected)
		})
	}
}

func TestDecodeTextDiscardsRunawayLine(t *testing.T) {
	d := mustDecoder(t, Config{Format: FormatASCII, Channels: 1})
	long := make([]byte, maxLineLength+10)
	for i := range long {
		long[i] = '7'
	}

	status, n := d.Decode(long, make([]float64, 1))
	assert.Equal(t, StatusNoFrame, status)
	assert.Equal(t, len(long), n)

	status, _ = d.Decode([]byte("123"), make([]float64, 1))
	assert.Equal(t, StatusNeedMore, status)
}

func TestNewDecoderValidation(t *testing.T) {
	testCases := []struct {
		name string
		cfg  Config
	}{
		{"unknown format", Config{Channels: 1}},
		{"no channels", Config{Format: FormatInt16}},
		{"too many channels", Config{Format: FormatInt16, Channels: MaxChannels + 1}},
		{"marker too long", Config{Format: FormatInt16, Channels: 1, StartMarker: make([]byte, MaxMarkerLength+1)}},
		{"delimiter equals terminator", Config{Format: FormatASCII, Channels: 1, Delimiter: '\n'}},
		{"marker contains terminator", Config{Format: FormatASCII, Channels: 1, StartMarker: []byte("A\n")}},
		{"bad byte order", Config{Format: FormatInt16, Channels: 1, ByteOrder: Endianness(7)}},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := NewDecoder(tc.cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig))
			assert.True(t, errors.IsCategory(err, errors.CategoryValidation))
		})
	}
}

func TestParseFormatAndEndianness(t *testing.T) {
	f, err := ParseFormat(" S16 ")
	require.NoError(t, err)
	assert.Equal(t, FormatInt16, f)

	_, err = ParseFormat("int24")
	assert.Error(t, err)

	e, err := ParseEndianness("BE")
	require.NoError(t, err)
	assert.Equal(t, BigEndian, e)

	e, err = ParseEndianness("")
	require.NoError(t, err)
	assert.Equal(t, LittleEndian, e)
}
