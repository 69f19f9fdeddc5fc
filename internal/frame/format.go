package frame

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Format is the on-wire encoding of a single sample.
type Format int

const (
	FormatUint8 Format = iota + 1
	FormatInt8
	FormatUint16
	FormatInt16
	FormatUint32
	FormatInt32
	FormatFloat32
	FormatFloat64
	FormatASCII
)

var formatNames = map[Format]string{
	FormatUint8:   "uint8",
	FormatInt8:    "int8",
	FormatUint16:  "uint16",
	FormatInt16:   "int16",
	FormatUint32:  "uint32",
	FormatInt32:   "int32",
	FormatFloat32: "float32",
	FormatFloat64: "float64",
	FormatASCII:   "ascii",
}

// Formats lists every supported format in declaration order.
func Formats() []Format {
	return []Format{
		FormatUint8, FormatInt8, FormatUint16, FormatInt16,
		FormatUint32, FormatInt32, FormatFloat32, FormatFloat64, FormatASCII,
	}
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("Format(%d)", int(f))
}

// Width returns the sample size in bytes, 0 for text formats.
func (f Format) Width() int {
	switch f {
	case FormatUint8, FormatInt8:
		return 1
	case FormatUint16, FormatInt16:
		return 2
	case FormatUint32, FormatInt32, FormatFloat32:
		return 4
	case FormatFloat64:
		return 8
	default:
		return 0
	}
}

// Valid reports whether f is a known format.
func (f Format) Valid() bool {
	_, ok := formatNames[f]
	return ok
}

// ParseFormat maps a configuration name ("int16", "f32", "ascii") to a Format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "uint8", "u8", "byte":
		return FormatUint8, nil
	case "int8", "i8":
		return FormatInt8, nil
	case "uint16", "u16":
		return FormatUint16, nil
	case "int16", "i16", "s16":
		return FormatInt16, nil
	case "uint32", "u32":
		return FormatUint32, nil
	case "int32", "i32", "s32":
		return FormatInt32, nil
	case "float32", "f32", "float":
		return FormatFloat32, nil
	case "float64", "f64", "double":
		return FormatFloat64, nil
	case "ascii", "text", "csv":
		return FormatASCII, nil
	default:
		return 0, fmt.Errorf("unknown sample format %q", s)
	}
}

// Endianness selects the byte order of multi-byte samples.
type Endianness int

const (
	LittleEndian Endianness = iota
	BigEndian
)

// ParseEndianness maps "little"/"le" and "big"/"be" to an Endianness.
func ParseEndianness(s string) (Endianness, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "little", "le", "little-endian":
		return LittleEndian, nil
	case "big", "be", "big-endian":
		return BigEndian, nil
	default:
		return 0, fmt.Errorf("unknown byte order %q", s)
	}
}

func (e Endianness) String() string {
	if e == BigEndian {
		return "big"
	}
	return "little"
}

type byteOrder interface {
	binary.ByteOrder
	binary.AppendByteOrder
}

func (e Endianness) order() byteOrder {
	if e == BigEndian {
		return binary.BigEndian
	}
	return binary.LittleEndian
}
