// Package conf loads and validates sigscope settings.
package conf

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/measurement"
)

//go:embed config.yaml
var defaultConfigYAML []byte

// ConfigName is the base name of the configuration file.
const ConfigName = "sigscope"

// EnvPrefix prefixes environment overrides, e.g. SIGSCOPE_API_LISTEN.
const EnvPrefix = "SIGSCOPE"

// Settings contains all configuration options of sigscope.
type Settings struct {
	Debug bool `yaml:"debug" mapstructure:"debug"`

	Logging logger.LoggingConfig `yaml:"logging" mapstructure:"logging"`

	Streams []StreamSettings `yaml:"streams" mapstructure:"streams"`

	Measurement  MeasurementSettings      `yaml:"measurement" mapstructure:"measurement"`
	Measurements []measurement.Definition `yaml:"measurements" mapstructure:"measurements"`

	API     APISettings     `yaml:"api" mapstructure:"api"`
	Metrics MetricsSettings `yaml:"metrics" mapstructure:"metrics"`
	MQTT    MQTTSettings    `yaml:"mqtt" mapstructure:"mqtt"`
	Sentry  SentrySettings  `yaml:"sentry" mapstructure:"sentry"`

	// ConfigFile is the file the settings were read from, empty for defaults.
	ConfigFile string `yaml:"-" mapstructure:"-"`
}

// StreamSettings configure one acquisition stream.
type StreamSettings struct {
	ID        string `yaml:"id" mapstructure:"id"`
	Name      string `yaml:"name" mapstructure:"name"`
	Source    string `yaml:"source" mapstructure:"source"` // serial, audio, wav or demo
	AutoStart *bool  `yaml:"auto_start,omitempty" mapstructure:"auto_start"`

	Serial SerialSettings `yaml:"serial,omitempty" mapstructure:"serial"`
	Audio  AudioSettings  `yaml:"audio,omitempty" mapstructure:"audio"`
	WAV    WAVSettings    `yaml:"wav,omitempty" mapstructure:"wav"`
	Demo   DemoSettings   `yaml:"demo,omitempty" mapstructure:"demo"`

	Frame FrameSettings `yaml:"frame" mapstructure:"frame"`

	BufferCapacity  int     `yaml:"buffer_capacity" mapstructure:"buffer_capacity"`
	NominalRate     float64 `yaml:"nominal_rate" mapstructure:"nominal_rate"`
	DesyncWarnAfter int     `yaml:"desync_warn_after" mapstructure:"desync_warn_after"`
	DesyncFailAfter int     `yaml:"desync_fail_after" mapstructure:"desync_fail_after"`

	Channels []ChannelSettings `yaml:"channels,omitempty" mapstructure:"channels"`
}

// Starts reports whether the stream starts streaming right after connecting.
func (s StreamSettings) Starts() bool {
	return s.AutoStart == nil || *s.AutoStart
}

// SerialSettings configure a serial source.
type SerialSettings struct {
	Port        string        `yaml:"port" mapstructure:"port"`
	BaudRate    int           `yaml:"baud_rate" mapstructure:"baud_rate"`
	DataBits    int           `yaml:"data_bits" mapstructure:"data_bits"`
	StopBits    int           `yaml:"stop_bits" mapstructure:"stop_bits"`
	Parity      string        `yaml:"parity" mapstructure:"parity"`
	ReadTimeout time.Duration `yaml:"read_timeout" mapstructure:"read_timeout"`
}

// AudioSettings configure a sound card source.
type AudioSettings struct {
	Device     string        `yaml:"device" mapstructure:"device"`
	SampleRate int           `yaml:"sample_rate" mapstructure:"sample_rate"`
	BufferTime time.Duration `yaml:"buffer_time" mapstructure:"buffer_time"`
}

// WAVSettings configure a WAV replay source.
type WAVSettings struct {
	Path    string `yaml:"path" mapstructure:"path"`
	Loop    bool   `yaml:"loop" mapstructure:"loop"`
	Unpaced bool   `yaml:"unpaced" mapstructure:"unpaced"`
}

// DemoSettings configure the synthetic source.
type DemoSettings struct {
	SampleRate int               `yaml:"sample_rate" mapstructure:"sample_rate"`
	Seed       uint64            `yaml:"seed" mapstructure:"seed"`
	Channels   []DemoChannelSpec `yaml:"channels" mapstructure:"channels"`
}

// DemoChannelSpec is one synthetic channel.
type DemoChannelSpec struct {
	Waveform  string  `yaml:"waveform" mapstructure:"waveform"`
	Frequency float64 `yaml:"frequency" mapstructure:"frequency"`
	Amplitude float64 `yaml:"amplitude" mapstructure:"amplitude"`
	Noise     float64 `yaml:"noise" mapstructure:"noise"`
}

// FrameSettings describe the wire framing. StartMarker is hexadecimal,
// e.g. "AA55". VerifyNextMarker defaults to true when a marker is set.
type FrameSettings struct {
	StartMarker      string `yaml:"start_marker" mapstructure:"start_marker"`
	Format           string `yaml:"format" mapstructure:"format"`
	ByteOrder        string `yaml:"byte_order" mapstructure:"byte_order"`
	Channels         int    `yaml:"channels" mapstructure:"channels"`
	Delimiter        string `yaml:"delimiter,omitempty" mapstructure:"delimiter"`
	Terminator       string `yaml:"terminator,omitempty" mapstructure:"terminator"`
	VerifyNextMarker *bool  `yaml:"verify_next_marker,omitempty" mapstructure:"verify_next_marker"`
}

// VerifiesNextMarker reports whether a binary frame must be followed by
// something that can still be the next start marker.
func (f FrameSettings) VerifiesNextMarker() bool {
	return f.VerifyNextMarker == nil || *f.VerifyNextMarker
}

// ChannelSettings are the initial settings of one channel.
type ChannelSettings struct {
	Name    string        `yaml:"name" mapstructure:"name"`
	Gain    float64       `yaml:"gain" mapstructure:"gain"`
	Offset  float64       `yaml:"offset" mapstructure:"offset"`
	Enabled *bool         `yaml:"enabled,omitempty" mapstructure:"enabled"`
	Filters []filter.Spec `yaml:"filters,omitempty" mapstructure:"filters"`
}

// MeasurementSettings configure the measurement engine.
type MeasurementSettings struct {
	Interval time.Duration `yaml:"interval" mapstructure:"interval"`
}

// APISettings configure the HTTP API.
type APISettings struct {
	Enabled       bool          `yaml:"enabled" mapstructure:"enabled"`
	Listen        string        `yaml:"listen" mapstructure:"listen"`
	CacheTTL      time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
	SnapshotLimit int           `yaml:"snapshot_limit" mapstructure:"snapshot_limit"`
}

// MetricsSettings configure the standalone Prometheus endpoint, used when
// the API is disabled.
type MetricsSettings struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Listen  string `yaml:"listen" mapstructure:"listen"`
}

// MQTTSettings configure result publishing.
type MQTTSettings struct {
	Enabled       bool   `yaml:"enabled" mapstructure:"enabled"`
	Broker        string `yaml:"broker" mapstructure:"broker"`
	ClientID      string `yaml:"client_id" mapstructure:"client_id"`
	Username      string `yaml:"username" mapstructure:"username"`
	Password      string `yaml:"password" mapstructure:"password"`
	Topic         string `yaml:"topic" mapstructure:"topic"`
	Retain        bool   `yaml:"retain" mapstructure:"retain"`
	QoS           byte   `yaml:"qos" mapstructure:"qos"`
	OnlyAvailable bool   `yaml:"only_available" mapstructure:"only_available"`
}

// SentrySettings configure error telemetry.
type SentrySettings struct {
	Enabled     bool   `yaml:"enabled" mapstructure:"enabled"`
	DSN         string `yaml:"dsn" mapstructure:"dsn"`
	Environment string `yaml:"environment" mapstructure:"environment"`
}

// New returns a viper instance with defaults and environment bindings.
// Command line flags are bound to it before Load.
func New() *viper.Viper {
	v := viper.New()
	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	for _, path := range DefaultConfigPaths() {
		v.AddConfigPath(path)
	}
	setDefaultConfig(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := bindEnvVars(v); err != nil {
		GetLogger().Warn("environment configuration", logger.Error(err))
	}
	return v
}

// Load reads the configuration file, an explicit path if configFile is not
// empty, and returns validated settings. A missing file in the default
// locations is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if configFile != "" || !errors.As(err, &notFound) {
			return nil, errors.New(fmt.Errorf("error reading config file: %w", err)).
				Component("conf").
				Category(errors.CategoryConfiguration).
				Context("file", configFile).
				Build()
		}
		GetLogger().Debug("no config file found, using defaults")
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))); err != nil {
		return nil, errors.New(fmt.Errorf("error unmarshaling config into struct: %w", err)).
			Component("conf").
			Category(errors.CategoryConfiguration).
			Build()
	}
	settings.ConfigFile = v.ConfigFileUsed()

	if len(settings.Streams) == 0 {
		settings.Streams = []StreamSettings{DefaultDemoStream()}
	}
	assignStreamIDs(settings.Streams)

	if err := ValidateSettings(settings); err != nil {
		return nil, err
	}
	return settings, nil
}

// assignStreamIDs gives every stream without an ID a random one.
func assignStreamIDs(streams []StreamSettings) {
	for i := range streams {
		if streams[i].ID == "" {
			streams[i].ID = uuid.NewString()
		}
		if streams[i].Name == "" {
			streams[i].Name = fmt.Sprintf("stream%d", i)
		}
	}
}

// DefaultConfigPaths lists the directories searched for sigscope.yaml.
func DefaultConfigPaths() []string {
	paths := []string{"."}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", ConfigName))
	}
	return append(paths, filepath.Join("/etc", ConfigName))
}

// DefaultConfigYAML returns the annotated default configuration file.
func DefaultConfigYAML() []byte {
	return append([]byte(nil), defaultConfigYAML...)
}

// WriteDefaultConfig writes the default configuration to path, refusing to
// overwrite an existing file.
func WriteDefaultConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return errors.Newf("config file %s already exists", path).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.New(fmt.Errorf("error creating directories for config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	if err := os.WriteFile(path, defaultConfigYAML, 0o644); err != nil {
		return errors.New(fmt.Errorf("error writing default config file: %w", err)).
			Component("conf").
			Category(errors.CategoryFileIO).
			Build()
	}
	GetLogger().Info("default config file written", logger.String("path", path))
	return nil
}

// GetLogger returns the config package logger.
func GetLogger() logger.Logger {
	return logger.Global().Module("config")
}
