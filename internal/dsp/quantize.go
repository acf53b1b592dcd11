package dsp

import "math"

// QuantizeCI4 packs re/im (already scaled) into one byte: the real part
// in the high nibble, the imaginary part in the low nibble, both
// two's-complement signed 4-bit values. Components saturate into
// [-8, 7] rather than wrapping.
func QuantizeCI4(re, im float64, scale float64) byte {
	r := saturate4(re * scale)
	i := saturate4(im * scale)
	return byte(r<<4) | byte(i&0x0F)
}

// UnpackCI4 reverses QuantizeCI4, returning the two's-complement nibble
// values as signed integers in [-8, 7].
func UnpackCI4(b byte) (re, im int8) {
	re = signExtend4(b >> 4)
	im = signExtend4(b & 0x0F)
	return
}

func saturate4(v float64) int8 {
	r := int(math.Round(v))
	if r > 7 {
		r = 7
	}
	if r < -8 {
		r = -8
	}
	return int8(r)
}

func signExtend4(nibble byte) int8 {
	n := int8(nibble & 0x0F)
	if n >= 8 {
		n -= 16
	}
	return n
}

// QuantizeCI8 packs re/im (already scaled) into two signed bytes (spec
// §3 "ci8"), saturating into [-128, 127].
func QuantizeCI8(re, im float64, scale float64) (byte, byte) {
	return byte(saturate8(re * scale)), byte(saturate8(im * scale))
}

func saturate8(v float64) int8 {
	r := math.Round(v)
	if r > 127 {
		r = 127
	}
	if r < -128 {
		r = -128
	}
	return int8(r)
}
