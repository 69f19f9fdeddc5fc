package frame

import (
	"fmt"
	"math"
	"strconv"
)

// Encode appends one frame holding samples to dst. Integer formats round
// and saturate to their range.
func (d *Decoder) Encode(dst []byte, samples []float64) ([]byte, error) {
	if len(samples) != d.cfg.Channels {
		return dst, fmt.Errorf("encode: got %d samples for %d channels", len(samples), d.cfg.Channels)
	}

	dst = append(dst, d.cfg.StartMarker...)

	if d.cfg.Format == FormatASCII {
		for i, v := range samples {
			if i > 0 {
				dst = append(dst, d.cfg.Delimiter)
			}
			dst = strconv.AppendFloat(dst, v, 'g', -1, 64)
		}
		return append(dst, d.cfg.Terminator), nil
	}

	order := d.order
	for _, v := range samples {
		switch d.cfg.Format {
		case FormatUint8:
			dst = append(dst, uint8(saturate(v, 0, math.MaxUint8)))
		case FormatInt8:
			dst = append(dst, byte(int8(saturate(v, math.MinInt8, math.MaxInt8))))
		case FormatUint16:
			dst = order.AppendUint16(dst, uint16(saturate(v, 0, math.MaxUint16)))
		case FormatInt16:
			dst = order.AppendUint16(dst, uint16(int16(saturate(v, math.MinInt16, math.MaxInt16))))
		case FormatUint32:
			dst = order.AppendUint32(dst, uint32(saturate(v, 0, math.MaxUint32)))
		case FormatInt32:
			dst = order.AppendUint32(dst, uint32(int32(saturate(v, math.MinInt32, math.MaxInt32))))
		case FormatFloat32:
			dst = order.AppendUint32(dst, math.Float32bits(float32(v)))
		case FormatFloat64:
			dst = order.AppendUint64(dst, math.Float64bits(v))
		}
	}
	return dst, nil
}

// Range returns the representable sample range of the format. Float and
// text formats report [-1, 1], the nominal full scale used for synthesis.
func (f Format) Range() (lo, hi float64) {
	switch f {
	case FormatUint8:
		return 0, math.MaxUint8
	case FormatInt8:
		return math.MinInt8, math.MaxInt8
	case FormatUint16:
		return 0, math.MaxUint16
	case FormatInt16:
		return math.MinInt16, math.MaxInt16
	case FormatUint32:
		return 0, math.MaxUint32
	case FormatInt32:
		return math.MinInt32, math.MaxInt32
	default:
		return -1, 1
	}
}

func saturate(v, lo, hi float64) float64 {
	v = math.Round(v)
	switch {
	case math.IsNaN(v):
		return 0
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}
