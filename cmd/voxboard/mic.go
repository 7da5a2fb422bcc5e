package main

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"runtime"

	"github.com/voxboard/voxboard/pkg/audio"
)

// micCaptureRate is the rate we ask the capture process for. It is
// deliberately a common hardware rate rather than the model's input rate;
// the capture pipeline resamples down to the upload rate.
const micCaptureRate = 48000

// ffmpegMicSource captures mono s16le PCM from the default microphone via
// an ffmpeg subprocess.
type ffmpegMicSource struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	rate   int
	buf    []byte
}

func newMicSource(device string) (*ffmpegMicSource, error) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		return nil, errors.New("ffmpeg is required for microphone capture (install ffmpeg and ensure it is in PATH)")
	}
	args, err := micFFmpegArgs(runtime.GOOS, micCaptureRate, device)
	if err != nil {
		return nil, err
	}
	cmd := exec.Command("ffmpeg", args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("open ffmpeg stdout: %w", err)
	}
	cmd.Stderr = io.Discard
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg mic capture: %w", err)
	}
	return &ffmpegMicSource{cmd: cmd, stdout: stdout, rate: micCaptureRate}, nil
}

func micFFmpegArgs(goos string, rate int, device string) ([]string, error) {
	switch goos {
	case "darwin":
		if device == "" {
			device = ":0"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "avfoundation", "-i", device,
			"-ac", "1", "-ar", fmt.Sprintf("%d", rate),
			"-f", "s16le", "-",
		}, nil
	case "linux":
		if device == "" {
			device = "default"
		}
		return []string{
			"-hide_banner", "-loglevel", "error",
			"-f", "pulse", "-i", device,
			"-ac", "1", "-ar", fmt.Sprintf("%d", rate),
			"-f", "s16le", "-",
		}, nil
	default:
		return nil, fmt.Errorf("microphone capture is not implemented for %s; supported platforms: darwin, linux", goos)
	}
}

func (m *ffmpegMicSource) SampleRate() int { return m.rate }

func (m *ffmpegMicSource) ReadBlock(dst []float32) (int, error) {
	if m == nil || m.stdout == nil {
		return 0, io.EOF
	}
	need := len(dst) * 2
	if cap(m.buf) < need {
		m.buf = make([]byte, need)
	}
	buf := m.buf[:need]
	n, err := io.ReadFull(m.stdout, buf)
	if n == 0 {
		if err == nil {
			err = io.EOF
		}
		return 0, err
	}
	samples := audio.DecodePCM(buf[:n])
	copy(dst, samples)
	if err == io.ErrUnexpectedEOF {
		err = io.EOF
	}
	if err != nil && len(samples) > 0 {
		// Deliver the partial block; the next read reports EOF.
		return len(samples), nil
	}
	return len(samples), err
}

func (m *ffmpegMicSource) Close() error {
	if m == nil {
		return nil
	}
	if m.cmd != nil && m.cmd.Process != nil {
		_ = m.cmd.Process.Kill()
		_ = m.cmd.Wait()
	}
	return nil
}
