// Package capture owns the microphone side of the realtime path: it pulls
// fixed-size sample blocks from an audio source, measures a volume envelope
// per block, resamples to the rate the remote model requires, and forwards
// encoded frames to the active session.
package capture

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/pkg/audio"
)

// DefaultBlockSize is the number of raw samples pulled per iteration.
const DefaultBlockSize = 2048

// Source is an exclusive handle on a microphone-like device. Implementations
// must report the rate the hardware actually negotiated; forcing a rate is
// rejected or silently renegotiated on many platforms.
type Source interface {
	SampleRate() int
	// ReadBlock fills buf with raw samples and returns the count read.
	ReadBlock(buf []float32) (int, error)
	Close() error
}

// FrameSender transmits an encoded frame on the active session. ErrNotReady
// marks the expected not-connected / mid-close case, which the pipeline
// drops silently rather than treating as a fault.
type FrameSender interface {
	SendAudioFrame(frame audio.Frame) error
}

// ErrNotReady is returned by a FrameSender that is not currently able to
// transmit (not connected, or tearing down).
var ErrNotReady = errors.New("session is not ready for audio")

// Pipeline reads blocks from a Source until its context ends.
type Pipeline struct {
	src        Source
	sender     FrameSender
	targetRate int
	blockSize  int
	onVolume   func(rms float64)
	log        zerolog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithBlockSize overrides the per-iteration block size.
func WithBlockSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.blockSize = n
		}
	}
}

// WithVolumeFunc registers a per-block RMS callback. It drives the
// user-speaking indicator and avatar mouth amplitude upstream.
func WithVolumeFunc(fn func(float64)) Option {
	return func(p *Pipeline) { p.onVolume = fn }
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(p *Pipeline) { p.log = log }
}

// NewPipeline constructs a capture pipeline resampling to targetRate.
func NewPipeline(src Source, sender FrameSender, targetRate int, opts ...Option) *Pipeline {
	p := &Pipeline{
		src:        src,
		sender:     sender,
		targetRate: targetRate,
		blockSize:  DefaultBlockSize,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run processes blocks until ctx is cancelled or the source is exhausted.
// It closes the source on exit. Send failures during teardown are expected
// and never abort the loop; only source errors do.
func (p *Pipeline) Run(ctx context.Context) error {
	defer p.src.Close()

	inRate := p.src.SampleRate()
	if inRate <= 0 {
		return errors.New("capture source reported no sample rate")
	}
	buf := make([]float32, p.blockSize)

	for {
		if ctx.Err() != nil {
			return nil
		}

		n, err := p.src.ReadBlock(buf)
		if n > 0 {
			p.process(buf[:n], inRate)
		}
		if err != nil {
			if errors.Is(err, io.EOF) || ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (p *Pipeline) process(block []float32, inRate int) {
	if p.onVolume != nil {
		p.onVolume(audio.RMS(block))
	}

	resampled := audio.Resample(block, inRate, p.targetRate)
	if len(resampled) == 0 {
		return
	}
	frame := audio.EncodeFrame(resampled, p.targetRate)
	if err := p.sender.SendAudioFrame(frame); err != nil {
		if errors.Is(err, ErrNotReady) {
			// Normal teardown race; drop the block.
			return
		}
		p.log.Debug().Err(err).Msg("dropping capture block")
	}
}
