package app

import (
	"strings"

	"github.com/sigscope/sigscope/internal/acquisition"
	"github.com/sigscope/sigscope/internal/conf"
	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/frame"
	"github.com/sigscope/sigscope/internal/logger"
	"github.com/sigscope/sigscope/internal/observability/metrics"
	"github.com/sigscope/sigscope/internal/source"
)

// defaultAudioChannels is used when an audio stream does not set
// frame.channels.
const defaultAudioChannels = 1

// SourceFactory builds the byte source of a stream. Tests replace it.
type SourceFactory func(cfg source.Config, dec *frame.Decoder) (source.ByteSource, error)

// StreamPlan is everything needed to construct one stream.
type StreamPlan struct {
	Settings conf.StreamSettings
	Source   source.Config
	Stream   acquisition.Config
}

// Plan resolves the settings of one stream into source and stream
// configurations. WAV streams take their layout from the file header,
// audio streams capture little-endian int16.
func Plan(s conf.StreamSettings) (StreamPlan, error) {
	plan := StreamPlan{Settings: s}
	kind := strings.ToLower(s.Source)

	var (
		fc        frame.Config
		fullScale int // bits of the integer samples the source produces, 0 if framed by config
		err       error
	)
	switch kind {
	case source.TypeWAV:
		info, perr := source.ProbeWAV(s.WAV.Path)
		if perr != nil {
			return plan, perr
		}
		fc = frame.Config{Format: frame.FormatInt32, ByteOrder: frame.LittleEndian, Channels: info.Channels}
		fullScale = info.BitDepth
		if s.NominalRate == 0 {
			s.NominalRate = float64(info.SampleRate)
		}
	case source.TypeAudio:
		channels := s.Frame.Channels
		if channels == 0 {
			channels = defaultAudioChannels
		}
		fc = frame.Config{Format: frame.FormatInt16, ByteOrder: frame.LittleEndian, Channels: channels}
		fullScale = 16
		if s.NominalRate == 0 {
			s.NominalRate = float64(audioRate(s))
		}
	default:
		if fc, err = s.FrameConfig(); err != nil {
			return plan, errors.New(err).
				Component("app").
				Category(errors.CategoryConfiguration).
				Context("stream", s.Name).
				Build()
		}
		if kind == source.TypeDemo && s.NominalRate == 0 {
			s.NominalRate = float64(demoRate(s))
		}
	}

	dec, err := frame.NewDecoder(fc)
	if err != nil {
		return plan, errors.New(err).
			Component("app").
			Category(errors.CategoryConfiguration).
			Context("stream", s.Name).
			Build()
	}

	plan.Source, err = sourceConfig(s, fc.Channels)
	if err != nil {
		return plan, err
	}
	plan.Stream = acquisition.Config{
		ID:              s.ID,
		Name:            s.Name,
		Decoder:         dec,
		BufferCapacity:  s.BufferCapacity,
		NominalRate:     s.NominalRate,
		DesyncWarnAfter: s.DesyncWarnAfter,
		DesyncFailAfter: s.DesyncFailAfter,
		Channels:        channelConfigs(s.Channels, fullScale),
	}
	plan.Settings = s
	return plan, nil
}

// channelConfigs converts channel settings. Sources producing raw PCM
// counts get a default gain that maps full scale onto ±1.
func channelConfigs(settings []conf.ChannelSettings, fullScaleBits int) []acquisition.ChannelConfig {
	out := make([]acquisition.ChannelConfig, len(settings))
	for i, c := range settings {
		out[i] = acquisition.ChannelConfig{
			Name:    c.Name,
			Gain:    c.Gain,
			Offset:  c.Offset,
			Enabled: c.Enabled,
			Filters: c.Filters,
		}
	}
	if fullScaleBits <= 0 {
		return out
	}
	return withFullScaleGain(out, fullScaleBits)
}

func withFullScaleGain(cfgs []acquisition.ChannelConfig, bits int) []acquisition.ChannelConfig {
	gain := 1 / float64(uint64(1)<<(bits-1))
	for i := range cfgs {
		if cfgs[i].Gain == 0 {
			cfgs[i].Gain = gain
		}
	}
	return cfgs
}

func sourceConfig(s conf.StreamSettings, channels int) (source.Config, error) {
	cfg := source.Config{Type: strings.ToLower(s.Source)}
	switch cfg.Type {
	case source.TypeSerial:
		cfg.Serial = source.SerialConfig{
			Port:        s.Serial.Port,
			Options:     s.PortOptions(),
			ReadTimeout: s.Serial.ReadTimeout,
		}
	case source.TypeAudio:
		cfg.Audio = source.AudioConfig{
			Device:     s.Audio.Device,
			SampleRate: audioRate(s),
			Channels:   channels,
			BufferTime: s.Audio.BufferTime,
		}
	case source.TypeWAV:
		cfg.WAV = source.WAVConfig{Path: s.WAV.Path, Loop: s.WAV.Loop, Unpaced: s.WAV.Unpaced}
	case source.TypeDemo:
		cfg.Demo = source.DemoConfig{SampleRate: demoRate(s), Seed: s.Demo.Seed}
		for _, c := range s.Demo.Channels {
			wave, err := source.ParseWaveform(c.Waveform)
			if err != nil {
				return cfg, errors.New(err).
					Component("app").
					Category(errors.CategoryConfiguration).
					Context("stream", s.Name).
					Build()
			}
			cfg.Demo.Channels = append(cfg.Demo.Channels, source.DemoChannel{
				Waveform:  wave,
				Frequency: c.Frequency,
				Amplitude: c.Amplitude,
				Noise:     c.Noise,
			})
		}
	default:
		return cfg, errors.Newf("unknown source type %q", s.Source).
			Component("app").
			Category(errors.CategoryConfiguration).
			Context("stream", s.Name).
			Build()
	}
	return cfg, nil
}

func audioRate(s conf.StreamSettings) int {
	if s.Audio.SampleRate > 0 {
		return s.Audio.SampleRate
	}
	return source.DefaultAudioSampleRate
}

func demoRate(s conf.StreamSettings) int {
	if s.Demo.SampleRate > 0 {
		return s.Demo.SampleRate
	}
	return source.DefaultDemoRate
}

// BuildStream plans and constructs one stream.
func BuildStream(s conf.StreamSettings, newSource SourceFactory, rec metrics.StreamRecorder) (*acquisition.Stream, error) {
	plan, err := Plan(s)
	if err != nil {
		return nil, err
	}
	src, err := newSource(plan.Source, plan.Stream.Decoder)
	if err != nil {
		return nil, err
	}
	stream, err := acquisition.NewStream(plan.Stream, src, acquisition.WithRecorder(rec))
	if err != nil {
		return nil, err
	}
	GetLogger().Debug("stream built",
		logger.String("stream", s.Name),
		logger.String("source", plan.Source.Type),
		logger.Int("channels", plan.Stream.Decoder.Channels()),
		logger.Float64("nominal_rate", plan.Stream.NominalRate))
	return stream, nil
}
