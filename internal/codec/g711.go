package codec

import "github.com/skypro1111/dialog-audio-service/internal/protocol"

var ulawTable [256]int16
var alawTable [256]int16

func init() {
	for i := 0; i < 256; i++ {
		ulawTable[i] = decodeULawSample(byte(i))
		alawTable[i] = decodeALawSample(byte(i))
	}
}

// decodeULawSample expands one G.711 µ-law byte: the wire byte is
// bit-inverted, then sign/exponent/mantissa are decoded with the 0x84 bias.
func decodeULawSample(b byte) int16 {
	b = ^b
	sign := int16(1)
	if b&0x80 != 0 {
		sign = -1
		b &= 0x7F
	}
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	sample := (mantissa<<3 + 0x84) << exponent
	sample -= 0x84
	return sign * sample
}

// decodeALawSample expands one G.711 A-law byte: even bits are inverted with
// 0x55, then sign/exponent/mantissa are decoded per the standard segments.
func decodeALawSample(b byte) int16 {
	b ^= 0x55
	sign := int16(1)
	if b&0x80 == 0 {
		sign = -1
	}
	b &= 0x7F
	exponent := int16((b >> 4) & 0x07)
	mantissa := int16(b & 0x0F)
	if exponent == 0 {
		return sign * (mantissa<<4 + 8)
	}
	return sign * ((mantissa<<4 + 0x108) << (exponent - 1))
}

// DecodeULaw expands µ-law bytes to little-endian 16-bit PCM.
func DecodeULaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := ulawTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// DecodeALaw expands A-law bytes to little-endian 16-bit PCM.
func DecodeALaw(data []byte) []byte {
	out := make([]byte, len(data)*2)
	for i, b := range data {
		s := alawTable[b]
		out[i*2] = byte(s)
		out[i*2+1] = byte(s >> 8)
	}
	return out
}

// ULawToPCM returns the linear value of a single µ-law byte.
func ULawToPCM(b byte) int16 {
	return ulawTable[b]
}

// ALawToPCM returns the linear value of a single A-law byte.
func ALawToPCM(b byte) int16 {
	return alawTable[b]
}

// Result is the outcome of transcoding a segment's raw buffer.
type Result struct {
	Data        []byte // sample data ready for the container
	SampleWidth int    // bytes per sample: 2 once linear, 1 for untouched companded input
	Transcoded  bool   // false means best-effort raw pass-through
}

// Transcode converts a segment's accumulated bytes to linear PCM according to
// the declared codec. Codecs the service cannot decode (opus, flac,
// unspecified or unrecognized values) are passed through unmodified with
// Transcoded=false so callers can tell a faithful transcode from a raw dump.
func Transcode(codec string, data []byte) Result {
	switch codec {
	case protocol.CodecULaw:
		return Result{Data: DecodeULaw(data), SampleWidth: 2, Transcoded: true}
	case protocol.CodecALaw:
		return Result{Data: DecodeALaw(data), SampleWidth: 2, Transcoded: true}
	case protocol.CodecLinear16:
		// Already the target format.
		return Result{Data: data, SampleWidth: 2, Transcoded: true}
	default:
		return Result{Data: data, SampleWidth: 1, Transcoded: false}
	}
}
