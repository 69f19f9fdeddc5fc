package decode

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/frame"
)

func int16Capture(t *testing.T, frames [][]float64) []byte {
	t.Helper()
	fc, err := conf.DefaultDemoStream().FrameConfig()
	require.NoError(t, err)
	dec, err := frame.NewDecoder(fc)
	require.NoError(t, err)

	var out []byte
	for _, f := range frames {
		out, err = dec.Encode(out, f)
		require.NoError(t, err)
	}
	return out
}

func defaultOptions() Options {
	return Options{Frame: conf.DefaultDemoStream().Frame, Header: true}
}

func TestDecodeBinary(t *testing.T) {
	capture := int16Capture(t, [][]float64{{1, -1}, {200, -200}, {3000, 0}})
	// garbage before the first marker is skipped
	capture = append([]byte{0x01, 0x02}, capture...)

	var out bytes.Buffer
	stats, err := Decode(bytes.NewReader(capture), &out, defaultOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, stats.Frames)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, int64(len(capture)), stats.Bytes)
	assert.Equal(t, "frame,ch0,ch1\n0,1,-1\n1,200,-200\n2,3000,0\n", out.String())
}

func TestDecodeAcrossReads(t *testing.T) {
	capture := int16Capture(t, [][]float64{{1, 2}, {3, 4}, {5, 6}, {7, 8}})

	opts := defaultOptions()
	opts.Header = false
	var out bytes.Buffer
	stats, err := Decode(iotest.OneByteReader(bytes.NewReader(capture)), &out, opts)
	require.NoError(t, err)
	assert.Equal(t, 4, stats.Rows)
	assert.Equal(t, "0,1,2\n1,3,4\n2,5,6\n3,7,8\n", out.String())
}

func TestDecodeFilterStateCarriesOver(t *testing.T) {
	capture := int16Capture(t, [][]float64{{2, 10}, {4, 20}, {6, 30}, {8, 40}})

	opts := defaultOptions()
	opts.Header = false
	opts.Filters = "moving_average:window=2"

	var whole, split bytes.Buffer
	_, err := Decode(bytes.NewReader(capture), &whole, opts)
	require.NoError(t, err)
	_, err = Decode(iotest.HalfReader(bytes.NewReader(capture)), &split, opts)
	require.NoError(t, err)

	assert.Equal(t, "0,2,10\n1,3,15\n2,5,25\n3,7,35\n", whole.String())
	assert.Equal(t, whole.String(), split.String())
}

func TestDecodeDownsample(t *testing.T) {
	capture := int16Capture(t, [][]float64{{1, 1}, {2, 2}, {3, 3}, {4, 4}, {5, 5}})

	opts := defaultOptions()
	opts.Header = false
	opts.Filters = "downsample:factor=2"

	var out bytes.Buffer
	stats, err := Decode(bytes.NewReader(capture), &out, opts)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Frames)
	assert.Equal(t, 3, stats.Rows)
	assert.Equal(t, "0,1,1\n1,3,3\n2,5,5\n", out.String())
}

func TestDecodeASCII(t *testing.T) {
	opts := Options{
		Frame:  conf.FrameSettings{Format: "ascii", Channels: 3, Delimiter: ";", Terminator: `\n`},
		Header: true,
	}
	in := "1;2;3\nnot;a;frame\n4.5;-6;7e2\n"

	var out bytes.Buffer
	stats, err := Decode(strings.NewReader(in), &out, opts)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Frames)
	assert.Positive(t, stats.Rejected)
	assert.Equal(t, "frame,ch0,ch1,ch2\n0,1,2,3\n1,4.5,-6,700\n", out.String())
}

func TestDecodeInvalidOptions(t *testing.T) {
	opts := defaultOptions()
	opts.Frame.Format = "int12"
	_, err := Decode(strings.NewReader(""), io.Discard, opts)
	require.Error(t, err)

	opts = defaultOptions()
	opts.Filters = "lowpass:alpha=3"
	_, err = Decode(strings.NewReader(""), io.Discard, opts)
	require.Error(t, err)

	opts = defaultOptions()
	opts.Filters = "lowpass:gamma=1"
	_, err = Decode(strings.NewReader(""), io.Discard, opts)
	require.Error(t, err)
}

func TestDecodeReadError(t *testing.T) {
	_, err := Decode(iotest.ErrReader(iotest.ErrTimeout), io.Discard, defaultOptions())
	require.ErrorIs(t, err, iotest.ErrTimeout)
}

func TestCommandReadsStdin(t *testing.T) {
	capture := int16Capture(t, [][]float64{{7, 8}})

	cmd := Command()
	var stdout, stderr bytes.Buffer
	cmd.SetIn(bytes.NewReader(capture))
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs([]string{"--header=false", "-"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "0,7,8\n", stdout.String())
	assert.Contains(t, stderr.String(), "1 frames")
}
