package conf

import (
	"time"

	"github.com/spf13/viper"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/measurement"
	"github.com/sigscope/sigscope/internal/ring"
	"github.com/sigscope/sigscope/internal/source"
)

// setDefaultConfig sets the default values for scalar settings. List
// settings like streams get their defaults in Load.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("debug", false)

	v.SetDefault("logging.default_level", logger.DefaultLogLevel)
	v.SetDefault("logging.timezone", "Local")
	v.SetDefault("logging.console.enabled", true)
	v.SetDefault("logging.console.level", logger.DefaultLogLevel)
	v.SetDefault("logging.file_output.enabled", false)
	v.SetDefault("logging.file_output.path", logger.DefaultLogPath)
	v.SetDefault("logging.file_output.level", logger.DefaultLogLevel)

	v.SetDefault("measurement.interval", measurement.DefaultInterval)

	v.SetDefault("api.enabled", true)
	v.SetDefault("api.listen", "127.0.0.1:8090")
	v.SetDefault("api.cache_ttl", 500*time.Millisecond)
	v.SetDefault("api.snapshot_limit", 65536)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", "127.0.0.1:9090")

	v.SetDefault("mqtt.enabled", false)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "sigscope")
	v.SetDefault("mqtt.topic", "sigscope/measurements")
	v.SetDefault("mqtt.retain", false)
	v.SetDefault("mqtt.qos", 0)
	v.SetDefault("mqtt.only_available", true)

	v.SetDefault("sentry.enabled", false)
	v.SetDefault("sentry.environment", "production")
}

// DefaultDemoStream is the stream used when none is configured: two
// synthetic int16 channels at 1 kHz.
func DefaultDemoStream() StreamSettings {
	return StreamSettings{
		Name:   "demo",
		Source: source.TypeDemo,
		Demo: DemoSettings{
			SampleRate: source.DefaultDemoRate,
			Channels: []DemoChannelSpec{
				{Waveform: "sine", Frequency: 50, Amplitude: 0.8, Noise: 0.02},
				{Waveform: "square", Frequency: 7, Amplitude: 0.5},
			},
		},
		Frame: FrameSettings{
			StartMarker: "AA55",
			Format:      "int16",
			ByteOrder:   "little",
			Channels:    2,
		},
		BufferCapacity:  ring.DefaultCapacity,
		NominalRate:     source.DefaultDemoRate,
		DesyncWarnAfter: acquisition.DefaultDesyncWarnAfter,
	}
}
