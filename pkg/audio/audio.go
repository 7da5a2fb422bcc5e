// Package audio provides the numeric building blocks of the realtime voice
// path: sample-rate conversion, 16-bit PCM frame encoding/decoding for the
// wire, and block energy measurement.
package audio

import (
	"time"
)

// Config specifies audio format parameters.
type Config struct {
	// SampleRate in Hz. Common values: 16000, 24000, 44100, 48000.
	SampleRate int `json:"sample_rate" mapstructure:"sample_rate"`

	// Channels: 1 for mono, 2 for stereo.
	Channels int `json:"channels" mapstructure:"channels"`

	// BitsPerSample: typically 16 for PCM.
	BitsPerSample int `json:"bits_per_sample" mapstructure:"bits_per_sample"`
}

// DefaultInputConfig returns the capture-side format the remote model expects.
func DefaultInputConfig() Config {
	return Config{SampleRate: 16000, Channels: 1, BitsPerSample: 16}
}

// DefaultOutputConfig returns the playback-side format the remote model emits.
func DefaultOutputConfig() Config {
	return Config{SampleRate: 24000, Channels: 1, BitsPerSample: 16}
}

// BytesPerSecond returns the audio byte rate.
func (c Config) BytesPerSecond() int {
	return c.SampleRate * c.Channels * (c.BitsPerSample / 8)
}

// DurationMs returns the duration in milliseconds for the given byte count.
func (c Config) DurationMs(bytes int) int {
	if c.BytesPerSecond() == 0 {
		return 0
	}
	return (bytes * 1000) / c.BytesPerSecond()
}

// BytesForDurationMs returns the byte count for the given duration in milliseconds.
func (c Config) BytesForDurationMs(ms int) int {
	return (c.BytesPerSecond() * ms) / 1000
}

// Block is a run of float samples at a given rate, in arrival order.
type Block struct {
	Samples    []float32
	SampleRate int
}

// Duration returns the playback duration of the block.
func (b Block) Duration() time.Duration {
	if b.SampleRate <= 0 {
		return 0
	}
	return time.Duration(len(b.Samples)) * time.Second / time.Duration(b.SampleRate)
}
