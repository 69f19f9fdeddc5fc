package conf

import (
	"encoding/hex"
	"fmt"
	"net"
	"strconv"
	"strings"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/filter"
	"github.com/sigscope/sigscope/internal/frame"
	"github.com/sigscope/sigscope/internal/measurement"
	"github.com/sigscope/sigscope/internal/source"
)

// ValidationError collects every problem found in the settings.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %s", strings.Join(ve.Errors, "; "))
}

// ValidateSettings checks the settings for values that would fail later at
// runtime. The returned error wraps a ValidationError.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}
	add := func(err error) {
		if err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	ids := make(map[string]bool)
	names := make(map[string]bool)
	for i := range settings.Streams {
		s := &settings.Streams[i]
		if ids[s.ID] {
			add(fmt.Errorf("stream %d: duplicate id %q", i, s.ID))
		}
		ids[s.ID] = true
		if names[s.Name] {
			add(fmt.Errorf("stream %d: duplicate name %q", i, s.Name))
		}
		names[s.Name] = true
		add(validateStream(s))
	}

	if settings.Measurement.Interval <= 0 {
		add(fmt.Errorf("measurement interval must be positive"))
	}
	add(validateMeasurements(settings.Measurements))

	if settings.API.Enabled {
		add(validateListen("api", settings.API.Listen))
		if settings.API.SnapshotLimit <= 0 {
			add(fmt.Errorf("api snapshot limit must be positive"))
		}
	}
	if settings.Metrics.Enabled {
		add(validateListen("metrics", settings.Metrics.Listen))
	}
	if settings.MQTT.Enabled {
		if settings.MQTT.Broker == "" {
			add(fmt.Errorf("mqtt broker is required when mqtt is enabled"))
		}
		if settings.MQTT.QoS > 2 {
			add(fmt.Errorf("mqtt qos %d outside 0..2", settings.MQTT.QoS))
		}
	}
	if settings.Sentry.Enabled && settings.Sentry.DSN == "" {
		add(fmt.Errorf("sentry dsn is required when sentry is enabled"))
	}

	if len(ve.Errors) > 0 {
		return errors.New(ve).
			Component("conf").
			Category(errors.CategoryValidation).
			Context("error_count", len(ve.Errors)).
			Build()
	}
	return nil
}

func validateStream(s *StreamSettings) error {
	prefix := fmt.Sprintf("stream %s", s.Name)

	switch strings.ToLower(s.Source) {
	case source.TypeSerial:
		if s.Serial.Port == "" {
			return fmt.Errorf("%s: serial port is required", prefix)
		}
		if _, err := s.PortOptions().Normalize(); err != nil {
			return fmt.Errorf("%s: %w", prefix, err)
		}
	case source.TypeWAV:
		if s.WAV.Path == "" {
			return fmt.Errorf("%s: wav path is required", prefix)
		}
	case source.TypeAudio:
		if s.Audio.SampleRate < 0 {
			return fmt.Errorf("%s: negative audio sample rate", prefix)
		}
	case source.TypeDemo:
		for i, ch := range s.Demo.Channels {
			if _, err := source.ParseWaveform(ch.Waveform); err != nil {
				return fmt.Errorf("%s: demo channel %d: %w", prefix, i, err)
			}
		}
	default:
		return fmt.Errorf("%s: unknown source type %q", prefix, s.Source)
	}

	// wav and audio framing is implied by the source
	if s.FramingFromSource() {
		if s.Frame.Channels < 0 || s.Frame.Channels > frame.MaxChannels {
			return fmt.Errorf("%s: channel count %d outside 0..%d", prefix, s.Frame.Channels, frame.MaxChannels)
		}
	} else if _, err := s.FrameConfig(); err != nil {
		return fmt.Errorf("%s: %w", prefix, err)
	}

	switch {
	case s.BufferCapacity < 0:
		return fmt.Errorf("%s: negative buffer capacity", prefix)
	case s.NominalRate < 0:
		return fmt.Errorf("%s: negative nominal rate", prefix)
	case s.DesyncFailAfter < 0 || s.DesyncWarnAfter < 0:
		return fmt.Errorf("%s: negative desync threshold", prefix)
	}

	for i, ch := range s.Channels {
		if _, err := filter.Build(ch.Filters); err != nil {
			return fmt.Errorf("%s: channel %d: %w", prefix, i, err)
		}
	}
	return nil
}

// FramingFromSource reports whether the source dictates the frame layout.
func (s StreamSettings) FramingFromSource() bool {
	switch strings.ToLower(s.Source) {
	case source.TypeWAV, source.TypeAudio:
		return true
	}
	return false
}

// FrameConfig parses the frame section.
func (s StreamSettings) FrameConfig() (frame.Config, error) {
	var cfg frame.Config
	f := s.Frame

	marker, err := hex.DecodeString(strings.ReplaceAll(strings.TrimPrefix(strings.ToLower(f.StartMarker), "0x"), " ", ""))
	if err != nil {
		return cfg, fmt.Errorf("start marker %q is not hexadecimal: %w", f.StartMarker, err)
	}
	cfg.StartMarker = marker

	if cfg.Format, err = frame.ParseFormat(f.Format); err != nil {
		return cfg, err
	}
	if cfg.ByteOrder, err = frame.ParseEndianness(f.ByteOrder); err != nil {
		return cfg, err
	}
	cfg.Channels = f.Channels
	cfg.VerifyNextMarker = len(marker) > 0 && f.VerifiesNextMarker()

	if cfg.Delimiter, err = parseByte("delimiter", f.Delimiter); err != nil {
		return cfg, err
	}
	if cfg.Terminator, err = parseByte("terminator", f.Terminator); err != nil {
		return cfg, err
	}

	if _, err := frame.NewDecoder(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// PortOptions returns the serial line settings.
func (s StreamSettings) PortOptions() source.PortOptions {
	return source.PortOptions{
		BaudRate: s.Serial.BaudRate,
		DataBits: s.Serial.DataBits,
		StopBits: s.Serial.StopBits,
		Parity:   s.Serial.Parity,
	}
}

// parseByte accepts a single character or a Go escape like \t.
func parseByte(field, s string) (byte, error) {
	if s == "" {
		return 0, nil
	}
	if unq, err := strconv.Unquote(`"` + s + `"`); err == nil {
		s = unq
	}
	if len(s) != 1 {
		return 0, fmt.Errorf("%s %q must be a single byte", field, s)
	}
	return s[0], nil
}

func validateMeasurements(defs []measurement.Definition) error {
	seen := make(map[string]bool)
	for i, def := range defs {
		if _, err := measurement.ParseKind(string(def.Kind)); err != nil {
			return fmt.Errorf("measurement %d: %w", i, err)
		}
		if def.Channel < 0 {
			return fmt.Errorf("measurement %d: negative channel index", i)
		}
		if def.ID != "" {
			if seen[def.ID] {
				return fmt.Errorf("measurement %d: duplicate id %q", i, def.ID)
			}
			seen[def.ID] = true
		}
	}
	return nil
}

func validateListen(section, addr string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s listen address %q: %w", section, addr, err)
	}
	return nil
}
