package source

import (
	"strings"

	"github.com/sigscope/sigscope/internal/errors"
	"github.com/sigscope/sigscope/internal/frame"
)

// Source types accepted by New.
const (
	TypeSerial = "serial"
	TypeAudio  = "audio"
	TypeWAV    = "wav"
	TypeDemo   = "demo"
)

// Config selects and configures one source. Only the section matching
// Type is used.
type Config struct {
	Type   string
	Serial SerialConfig
	Audio  AudioConfig
	WAV    WAVConfig
	Demo   DemoConfig
}

// New builds the source described by cfg. The demo source encodes its
// frames with dec; the other sources ignore it.
func New(cfg Config, dec *frame.Decoder) (ByteSource, error) {
	var (
		src ByteSource
		err error
	)
	switch strings.ToLower(cfg.Type) {
	case TypeSerial:
		src, err = NewSerialSource(cfg.Serial)
	case TypeAudio:
		src, err = NewAudioSource(cfg.Audio)
	case TypeWAV:
		src, err = NewWAVSource(cfg.WAV)
	case TypeDemo:
		src, err = NewDemoSource(cfg.Demo, dec)
	default:
		return nil, errors.Newf("unknown source type %q", cfg.Type).
			Component("source").
			Category(errors.CategoryConfiguration).
			Context("valid_types", strings.Join([]string{TypeSerial, TypeAudio, TypeWAV, TypeDemo}, ",")).
			Build()
	}
	if err != nil {
		return nil, err
	}
	return src, nil
}
