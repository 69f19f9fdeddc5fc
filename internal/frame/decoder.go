// Package frame decodes raw acquisition bytes into frames of per-channel samples.
//
// A frame is an optional start marker followed by one sample per channel,
// either fixed-width binary or a delimited text line. The decoder is
// stateless: callers keep the unconsumed tail of their byte buffer and call
// Decode again once more bytes arrive.
package frame

import (
	"bytes"
	"fmt"
	"math"
	"strconv"

	"github.com/sigscope/sigscope/internal/errors"
)

const (
	// MaxChannels bounds the channel count of one stream.
	MaxChannels = 64

	// MaxMarkerLength bounds the start marker.
	MaxMarkerLength = 16

	// maxLineLength discards text lines that never terminate.
	maxLineLength = 4096
)

// ErrInvalidConfig is returned by NewDecoder for unusable configurations.
var ErrInvalidConfig = errors.NewStd("invalid frame configuration")

// Status is the outcome of a single Decode call.
type Status int

const (
	// StatusNoFrame means no frame start was found, or a tentative start was rejected.
	StatusNoFrame Status = iota
	// StatusNeedMore means a frame start was found but the frame is incomplete.
	StatusNeedMore
	// StatusFrame means one frame was decoded into dst.
	StatusFrame
)

func (s Status) String() string {
	switch s {
	case StatusFrame:
		return "frame"
	case StatusNeedMore:
		return "need-more"
	default:
		return "no-frame"
	}
}

// Config describes the framing of one stream.
type Config struct {
	StartMarker []byte
	Format      Format
	ByteOrder   Endianness
	Channels    int

	// Text framing, defaults ',' and '\n'.
	Delimiter  byte
	Terminator byte

	// VerifyNextMarker rejects a binary frame when the bytes right after it
	// contradict the start marker. It filters marker look-alikes inside
	// sample data at the cost of one marker length of lookahead.
	VerifyNextMarker bool
}

// Decoder decodes frames for one Config. It holds no per-stream state and
// is safe for concurrent use.
type Decoder struct {
	cfg     Config
	order   byteOrder
	width   int
	payload int
}

// NewDecoder validates cfg and returns a decoder for it.
func NewDecoder(cfg Config) (*Decoder, error) {
	if cfg.Format == FormatASCII {
		if cfg.Delimiter == 0 {
			cfg.Delimiter = ','
		}
		if cfg.Terminator == 0 {
			cfg.Terminator = '\n'
		}
	}

	if err := validate(&cfg); err != nil {
		return nil, errors.New(fmt.Errorf("%w: %w", ErrInvalidConfig, err)).
			Component("frame").
			Category(errors.CategoryValidation).
			Context("format", cfg.Format.String()).
			Context("channels", cfg.Channels).
			Build()
	}

	cfg.StartMarker = bytes.Clone(cfg.StartMarker)
	width := cfg.Format.Width()

	return &Decoder{
		cfg:     cfg,
		order:   cfg.ByteOrder.order(),
		width:   width,
		payload: width * cfg.Channels,
	}, nil
}

func validate(cfg *Config) error {
	switch {
	case !cfg.Format.Valid():
		return fmt.Errorf("unknown format %d", int(cfg.Format))
	case cfg.Channels < 1 || cfg.Channels > MaxChannels:
		return fmt.Errorf("channel count %d outside 1..%d", cfg.Channels, MaxChannels)
	case len(cfg.StartMarker) > MaxMarkerLength:
		return fmt.Errorf("start marker longer than %d bytes", MaxMarkerLength)
	case cfg.ByteOrder != LittleEndian && cfg.ByteOrder != BigEndian:
		return fmt.Errorf("unknown byte order %d", int(cfg.ByteOrder))
	}

	if cfg.Format == FormatASCII {
		if cfg.Delimiter == cfg.Terminator {
			return fmt.Errorf("delimiter and terminator must differ")
		}
		if bytes.IndexByte(cfg.StartMarker, cfg.Terminator) >= 0 {
			return fmt.Errorf("start marker contains the line terminator")
		}
	}
	return nil
}

// Config returns a copy of the decoder configuration.
func (d *Decoder) Config() Config {
	cfg := d.cfg
	cfg.StartMarker = bytes.Clone(d.cfg.StartMarker)
	return cfg
}

// Channels returns the number of samples per frame.
func (d *Decoder) Channels() int {
	return d.cfg.Channels
}

// FrameSize returns the encoded size of a binary frame, 0 for text frames.
func (d *Decoder) FrameSize() int {
	if d.cfg.Format == FormatASCII {
		return 0
	}
	return len(d.cfg.StartMarker) + d.payload
}

// Decode decodes at most one frame from buf into dst, which must hold
// Channels() values. It returns the status and the number of leading bytes
// of buf the caller may discard. dst is only meaningful for StatusFrame.
func (d *Decoder) Decode(buf []byte, dst []float64) (Status, int) {
	dst = dst[:d.cfg.Channels]
	if d.cfg.Format == FormatASCII {
		return d.decodeText(buf, dst)
	}
	return d.decodeBinary(buf, dst)
}

// findMarker locates the start marker. When it is absent the result keeps
// len(marker)-1 trailing bytes that may be the start of a split marker.
func (d *Decoder) findMarker(buf []byte) (int, Status, int) {
	marker := d.cfg.StartMarker
	i := bytes.Index(buf, marker)
	if i >= 0 {
		return i, StatusFrame, 0
	}
	consumed := len(buf) - (len(marker) - 1)
	if consumed <= 0 {
		return -1, StatusNeedMore, 0
	}
	return -1, StatusNoFrame, consumed
}

func (d *Decoder) decodeBinary(buf []byte, dst []float64) (Status, int) {
	marker := d.cfg.StartMarker

	if len(marker) == 0 {
		if len(buf) < d.payload {
			return StatusNeedMore, 0
		}
		if !d.decodeSamples(buf[:d.payload], dst) {
			return StatusNoFrame, d.payload
		}
		return StatusFrame, d.payload
	}

	i, status, consumed := d.findMarker(buf)
	if i < 0 {
		return status, consumed
	}

	end := i + len(marker) + d.payload
	if len(buf) < end {
		return StatusNeedMore, i
	}

	if !d.nextMarkerPlausible(buf[end:]) || !d.decodeSamples(buf[i+len(marker):end], dst) {
		// false marker; resume the search one byte further
		return StatusNoFrame, i + 1
	}
	return StatusFrame, end
}

// nextMarkerPlausible checks the available lookahead against the marker prefix.
func (d *Decoder) nextMarkerPlausible(rest []byte) bool {
	if !d.cfg.VerifyNextMarker {
		return true
	}
	n := min(len(rest), len(d.cfg.StartMarker))
	return bytes.Equal(rest[:n], d.cfg.StartMarker[:n])
}

func (d *Decoder) decodeSamples(payload []byte, dst []float64) bool {
	order := d.order
	for ch := range dst {
		b := payload[ch*d.width : (ch+1)*d.width]
		var v float64
		switch d.cfg.Format {
		case FormatUint8:
			v = float64(b[0])
		case FormatInt8:
			v = float64(int8(b[0]))
		case FormatUint16:
			v = float64(order.Uint16(b))
		case FormatInt16:
			v = float64(int16(order.Uint16(b)))
		case FormatUint32:
			v = float64(order.Uint32(b))
		case FormatInt32:
			v = float64(int32(order.Uint32(b)))
		case FormatFloat32:
			v = float64(math.Float32frombits(order.Uint32(b)))
		case FormatFloat64:
			v = math.Float64frombits(order.Uint64(b))
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		dst[ch] = v
	}
	return true
}

func (d *Decoder) decodeText(buf []byte, dst []float64) (Status, int) {
	start, skip := 0, 0
	if marker := d.cfg.StartMarker; len(marker) > 0 {
		i, status, consumed := d.findMarker(buf)
		if i < 0 {
			return status, consumed
		}
		skip = i
		start = i + len(marker)
	}

	j := bytes.IndexByte(buf[start:], d.cfg.Terminator)
	if j < 0 {
		if len(buf)-start > maxLineLength {
			return StatusNoFrame, len(buf)
		}
		return StatusNeedMore, skip
	}

	end := start + j + 1
	if !d.parseLine(buf[start:start+j], dst) {
		if len(d.cfg.StartMarker) > 0 {
			return StatusNoFrame, skip + 1
		}
		return StatusNoFrame, end
	}
	return StatusFrame, end
}

func (d *Decoder) parseLine(line []byte, dst []float64) bool {
	rest := bytes.TrimSpace(line)
	if len(rest) == 0 {
		return false
	}

	delim := d.cfg.Delimiter
	collapse := delim == ' ' || delim == '\t'
	n := 0
	for {
		k := bytes.IndexByte(rest, delim)
		field := rest
		if k >= 0 {
			field = rest[:k]
		}
		field = bytes.TrimSpace(field)

		if len(field) > 0 || !collapse {
			if n == len(dst) {
				return false
			}
			v, err := strconv.ParseFloat(string(field), 64)
			if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
			dst[n] = v
			n++
		}

		if k < 0 {
			break
		}
		rest = rest[k+1:]
	}
	return n == len(dst)
}

// Scan decodes every complete frame in buf, calling fn with each frame's
// samples. It returns the bytes consumed, the number of frames and the
// number of rejected positions. The samples slice passed to fn is reused.
func (d *Decoder) Scan(buf []byte, fn func(samples []float64)) (consumed, frames, rejected int) {
	samples := make([]float64, d.cfg.Channels)
	for consumed < len(buf) {
		status, n := d.Decode(buf[consumed:], samples)
		consumed += n
		switch status {
		case StatusFrame:
			frames++
			fn(samples)
		case StatusNoFrame:
			rejected++
			if n == 0 {
				return consumed, frames, rejected
			}
		case StatusNeedMore:
			return consumed, frames, rejected
		}
	}
	return consumed, frames, rejected
}
