package main

import (
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sync"
)

// ffplaySink plays mono s16le PCM through an ffplay subprocess. Reset kills
// and restarts the process, discarding whatever audio it still buffers;
// that is what makes interruption cut off cleanly instead of draining.
type ffplaySink struct {
	mu    sync.Mutex
	rate  int
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func newSpeakerSink(rate int) (*ffplaySink, error) {
	if _, err := exec.LookPath("ffplay"); err != nil {
		return nil, errors.New("ffplay is required for audio playback (install ffmpeg/ffplay and ensure it is in PATH)")
	}
	sink := &ffplaySink{rate: rate}
	if err := sink.startLocked(); err != nil {
		return nil, err
	}
	return sink, nil
}

func (p *ffplaySink) startLocked() error {
	p.cmd = exec.Command("ffplay",
		"-nodisp",
		"-autoexit",
		"-loglevel", "error",
		"-f", "s16le",
		"-ar", fmt.Sprintf("%d", p.rate),
		"-ac", "1",
		"-i", "pipe:0",
	)
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("open ffplay stdin: %w", err)
	}
	p.cmd.Stdout = io.Discard
	p.cmd.Stderr = io.Discard
	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("start ffplay: %w", err)
	}
	p.stdin = stdin
	return nil
}

func (p *ffplaySink) Write(pcm []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stdin == nil {
		return errors.New("ffplay stdin is not initialized")
	}
	_, err := p.stdin.Write(pcm)
	return err
}

func (p *ffplaySink) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	return p.startLocked()
}

func (p *ffplaySink) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.killLocked()
	return nil
}

func (p *ffplaySink) killLocked() {
	if p.cmd != nil && p.cmd.Process != nil {
		_ = p.cmd.Process.Kill()
		_ = p.cmd.Wait()
	}
	p.stdin = nil
}
