package utils

import (
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// Float32At reads a big-endian IEEE 754 REAL at offset. The caller guarantees bounds.
func Float32At(buf []byte, offset int) float32 {
	return math.Float32frombits(binary.BigEndian.Uint32(buf[offset : offset+4]))
}

// PutFloat32 writes a big-endian IEEE 754 REAL at offset
func PutFloat32(buf []byte, offset int, val float32) {
	binary.BigEndian.PutUint32(buf[offset:offset+4], math.Float32bits(val))
}

// BitSet reports whether bit (0-7) is set in b
func BitSet(b byte, bit uint8) bool {
	return b&(1<<bit) != 0
}

// SetBit returns b with the given bit set or cleared
func SetBit(b byte, bit uint8, value bool) byte {
	if value {
		return b | (1 << bit)
	}
	return b &^ (1 << bit)
}

// FormatFloat formats a float with the given precision, trimming trailing zeros.
// NaN and infinities are rendered as their literal names.
func FormatFloat(value float64, precision int) string {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return strconv.FormatFloat(value, 'f', -1, 64)
	}
	s := strconv.FormatFloat(value, 'f', precision, 64)
	if strings.Contains(s, ".") {
		s = strings.TrimRight(strings.TrimRight(s, "0"), ".")
	}
	return s
}
