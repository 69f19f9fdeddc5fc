package conf

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/frame"
	"github.com/sigscope/sigscope/internal/measurement"
	"github.com/sigscope/sigscope/internal/source"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "sigscope.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "sigscope.yaml")
	require.NoError(t, WriteDefaultConfig(path))

	settings, err := Load(New(), path)
	require.NoError(t, err)
	assert.Equal(t, path, settings.ConfigFile)

	require.Len(t, settings.Streams, 1)
	s := settings.Streams[0]
	assert.Equal(t, "demo", s.Name)
	assert.Equal(t, source.TypeDemo, s.Source)
	assert.True(t, s.Starts())
	require.Len(t, s.Channels, 2)
	assert.Equal(t, "notch", string(s.Channels[0].Filters[0].Kind))
	assert.Equal(t, 8, s.Channels[1].Filters[0].Window)

	_, err = uuid.Parse(s.ID)
	assert.NoError(t, err, "missing ids are filled with uuids")

	assert.Equal(t, 200*time.Millisecond, settings.Measurement.Interval)
	require.Len(t, settings.Measurements, 3)
	assert.Equal(t, measurement.KindFFT, settings.Measurements[2].Kind)
	assert.Equal(t, measurement.WindowHann, settings.Measurements[2].FFT.Window)

	assert.True(t, settings.API.Enabled)
	assert.Equal(t, "127.0.0.1:8090", settings.API.Listen)
	assert.Equal(t, 500*time.Millisecond, settings.API.CacheTTL)
	assert.False(t, settings.MQTT.Enabled)
	require.NotNil(t, settings.Logging.Console)
	assert.True(t, settings.Logging.Console.Enabled)
}

func TestWriteDefaultConfigDoesNotOverwrite(t *testing.T) {
	path := writeConfig(t, "debug: true\n")
	err := WriteDefaultConfig(path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryFileIO))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "debug: true\n", string(data))
}

func TestLoadMinimalFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "debug: true\n")

	settings, err := Load(New(), path)
	require.NoError(t, err)
	assert.True(t, settings.Debug)

	require.Len(t, settings.Streams, 1, "a demo stream is added when none is configured")
	assert.Equal(t, source.TypeDemo, settings.Streams[0].Source)
	assert.Equal(t, measurement.DefaultInterval, settings.Measurement.Interval)
	assert.Equal(t, "sigscope/measurements", settings.MQTT.Topic)
	assert.Empty(t, settings.Measurements)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("SIGSCOPE_API_LISTEN", "0.0.0.0:9999")
	t.Setenv("SIGSCOPE_MEASUREMENT_INTERVAL", "1s")
	t.Setenv("SIGSCOPE_MQTT_TOPIC", "lab/bench")

	settings, err := Load(New(), writeConfig(t, "api:\n  listen: 127.0.0.1:1\n"))
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9999", settings.API.Listen)
	assert.Equal(t, time.Second, settings.Measurement.Interval)
	assert.Equal(t, "lab/bench", settings.MQTT.Topic)
}

func TestBindEnvVarsReportsInvalidValues(t *testing.T) {
	t.Setenv("SIGSCOPE_API_ENABLED", "maybe")
	err := bindEnvVars(New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SIGSCOPE_API_ENABLED")
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(New(), filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryConfiguration))
}

func TestValidationCollectsErrors(t *testing.T) {
	path := writeConfig(t, `
streams:
  - name: a
    source: demo
    frame: { start_marker: "ZZ", format: int16, channels: 1 }
  - name: a
    source: carrier-pigeon
  - name: b
    source: serial
    frame: { format: int16, channels: 1 }
measurements:
  - { kind: median, channel: 0 }
mqtt:
  enabled: true
  broker: ""
`)
	_, err := Load(New(), path)
	require.Error(t, err)
	assert.True(t, errors.IsCategory(err, errors.CategoryValidation))

	var ve ValidationError
	require.True(t, errors.As(err, &ve))
	assert.Len(t, ve.Errors, 6)
	assert.Contains(t, err.Error(), "not hexadecimal")
	assert.Contains(t, err.Error(), `duplicate name "a"`)
	assert.Contains(t, err.Error(), "carrier-pigeon")
	assert.Contains(t, err.Error(), "serial port is required")
	assert.Contains(t, err.Error(), "mqtt broker")
}

func TestFrameConfig(t *testing.T) {
	s := StreamSettings{Frame: FrameSettings{
		StartMarker: "0xAA 55",
		Format:      "f32",
		ByteOrder:   "big",
		Channels:    3,
	}}
	cfg, err := s.FrameConfig()
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0x55}, cfg.StartMarker)
	assert.Equal(t, frame.FormatFloat32, cfg.Format)
	assert.Equal(t, frame.BigEndian, cfg.ByteOrder)

	s.Frame = FrameSettings{Format: "ascii", Channels: 2, Delimiter: `\t`, Terminator: ";"}
	cfg, err = s.FrameConfig()
	require.NoError(t, err)
	assert.Empty(t, cfg.StartMarker)
	assert.Equal(t, byte('\t'), cfg.Delimiter)
	assert.Equal(t, byte(';'), cfg.Terminator)

	s.Frame.Delimiter = "ab"
	_, err = s.FrameConfig()
	assert.Error(t, err)

	s.Frame = FrameSettings{Format: "int16", Channels: 0}
	_, err = s.FrameConfig()
	assert.ErrorIs(t, err, frame.ErrInvalidConfig)
}

func TestDefaultFramingSkipsTruncatedFrame(t *testing.T) {
	fc, err := DefaultDemoStream().FrameConfig()
	require.NoError(t, err)
	assert.True(t, fc.VerifyNextMarker)

	dec, err := frame.NewDecoder(fc)
	require.NoError(t, err)

	valid := [][]float64{{100, -200}, {101, -201}, {102, -202}}
	buf := append([]byte{0xAA, 0x55}, 0x01, 0x02)
	for _, f := range valid {
		buf, err = dec.Encode(buf, f)
		require.NoError(t, err)
	}

	var got [][]float64
	_, frames, rejected := dec.Scan(buf, func(samples []float64) {
		got = append(got, append([]float64(nil), samples...))
	})
	assert.Equal(t, valid, got)
	assert.Equal(t, 3, frames)
	assert.Positive(t, rejected)
}

func TestVerifyNextMarkerSetting(t *testing.T) {
	off := false
	s := DefaultDemoStream()
	s.Frame.VerifyNextMarker = &off
	fc, err := s.FrameConfig()
	require.NoError(t, err)
	assert.False(t, fc.VerifyNextMarker)

	// nothing to verify without a marker
	s.Frame = FrameSettings{Format: "int16", Channels: 1}
	fc, err = s.FrameConfig()
	require.NoError(t, err)
	assert.False(t, fc.VerifyNextMarker)
}

func TestStreamDefaults(t *testing.T) {
	streams := []StreamSettings{{ID: "keep"}, {}}
	assignStreamIDs(streams)
	assert.Equal(t, "keep", streams[0].ID)
	assert.Equal(t, "stream0", streams[0].Name)
	assert.NotEmpty(t, streams[1].ID)
	assert.Equal(t, "stream1", streams[1].Name)

	off := false
	assert.False(t, StreamSettings{AutoStart: &off}.Starts())

	def := DefaultDemoStream()
	assert.NoError(t, validateStream(&def))
	assert.False(t, def.FramingFromSource())
	assert.True(t, StreamSettings{Source: "WAV"}.FramingFromSource())
}
