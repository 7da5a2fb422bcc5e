package audio

import (
	"encoding/base64"
	"fmt"
	"math"
)

// Frame is an outbound realtime-input chunk: base64 text over 16-bit
// little-endian PCM, tagged with the rate the remote model requires.
type Frame struct {
	Data     string
	MIMEType string
}

// EncodePCM converts float samples in [-1, 1] to 16-bit little-endian PCM.
// Out-of-range values saturate to the representable extremes; wrapping would
// be audible as harsh distortion.
func EncodePCM(samples []float32) []byte {
	out := make([]byte, len(samples)*2)
	for i, s := range samples {
		v := int(math.Round(float64(s) * 32768))
		if v > 32767 {
			v = 32767
		} else if v < -32768 {
			v = -32768
		}
		out[i*2] = byte(v)
		out[i*2+1] = byte(v >> 8)
	}
	return out
}

// DecodePCM converts 16-bit little-endian PCM back to float samples in
// [-1, 1]. An odd trailing byte is dropped rather than treated as an error;
// truncated network chunks are expected, not a fault.
func DecodePCM(raw []byte) []float32 {
	n := len(raw) / 2
	out := make([]float32, n)
	for i := 0; i < n; i++ {
		s := int16(raw[i*2]) | int16(raw[i*2+1])<<8
		out[i] = float32(s) / 32768.0
	}
	return out
}

// EncodeFrame clamps, quantizes, and transport-encodes a block of samples
// for transmission at the given rate.
func EncodeFrame(samples []float32, sampleRate int) Frame {
	return Frame{
		Data:     base64.StdEncoding.EncodeToString(EncodePCM(samples)),
		MIMEType: fmt.Sprintf("audio/pcm;rate=%d", sampleRate),
	}
}

// DecodeFrame transport-decodes an inbound payload and reinterprets it as a
// block of samples at the given rate.
func DecodeFrame(data string, sampleRate int) (Block, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return Block{}, fmt.Errorf("decode audio payload: %w", err)
	}
	return Block{Samples: DecodePCM(raw), SampleRate: sampleRate}, nil
}
