// Package playback schedules decoded model audio onto a real-time clock so
// that network chunks with jittery arrival play back gaplessly, and provides
// the stop-everything primitive used when the user barges in.
package playback

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/pkg/audio"
)

// DefaultSafetyMargin is added ahead of every computed start time. Scheduling
// exactly at "now" races the audio hardware and clicks audibly.
const DefaultSafetyMargin = 40 * time.Millisecond

// Sink receives raw 16-bit little-endian PCM at the moment a scheduled block
// becomes due.
type Sink interface {
	Write(pcm []byte) error
	// Reset drops anything the sink has buffered but not yet played.
	Reset() error
}

type timerHandle interface {
	Stop() bool
}

type realTimer struct{ *time.Timer }

type entry struct {
	id      int64
	startAt time.Duration
	dur     time.Duration
	write   timerHandle
	done    timerHandle
}

// Scheduler keeps a monotonically advancing next-free cursor on its own
// audio clock and tracks every in-flight block in a live set. It is safe for
// concurrent use.
type Scheduler struct {
	sink   Sink
	margin time.Duration
	log    zerolog.Logger

	now      func() time.Time
	newTimer func(d time.Duration, f func()) timerHandle

	mu       sync.Mutex
	epoch    time.Time
	nextFree time.Duration
	live     map[int64]*entry
	nextID   int64

	onSpeaking func(bool)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSafetyMargin overrides the scheduling safety margin.
func WithSafetyMargin(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.margin = d
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = log }
}

// WithSpeakingFunc registers an edge-triggered callback fired with true when
// the live set becomes non-empty and false when it drains.
func WithSpeakingFunc(fn func(bool)) Option {
	return func(s *Scheduler) { s.onSpeaking = fn }
}

// WithClock injects the time source and timer factory. Used by tests.
func WithClock(now func() time.Time, newTimer func(d time.Duration, f func()) timerHandle) Option {
	return func(s *Scheduler) {
		s.now = now
		s.newTimer = newTimer
	}
}

// NewScheduler constructs a Scheduler writing due blocks to sink.
func NewScheduler(sink Sink, opts ...Option) *Scheduler {
	s := &Scheduler{
		sink:   sink,
		margin: DefaultSafetyMargin,
		log:    zerolog.Nop(),
		now:    time.Now,
		newTimer: func(d time.Duration, f func()) timerHandle {
			return realTimer{time.AfterFunc(d, f)}
		},
		live: make(map[int64]*entry),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.epoch = s.now()
	return s
}

// clockTime returns the current position on the scheduler's audio clock.
func (s *Scheduler) clockTime() time.Duration {
	return s.now().Sub(s.epoch)
}

// Schedule queues a block for gapless playback and returns its start time on
// the scheduler clock. Blocks play strictly in call order: each start time is
// at least the previous block's start plus its duration, and at least the
// current clock time plus the safety margin.
func (s *Scheduler) Schedule(block audio.Block) time.Duration {
	if s == nil || len(block.Samples) == 0 {
		return 0
	}
	dur := block.Duration()
	pcm := audio.EncodePCM(block.Samples)

	s.mu.Lock()
	now := s.clockTime()
	base := now
	if s.nextFree > base {
		base = s.nextFree
	}
	startAt := base + s.margin
	s.nextFree = startAt + dur

	s.nextID++
	e := &entry{id: s.nextID, startAt: startAt, dur: dur}
	wasEmpty := len(s.live) == 0
	s.live[e.id] = e

	id := e.id
	e.write = s.newTimer(startAt-now, func() { s.fire(id, pcm) })
	e.done = s.newTimer(startAt-now+dur, func() { s.complete(id) })
	s.mu.Unlock()

	if wasEmpty && s.onSpeaking != nil {
		s.onSpeaking(true)
	}
	return startAt
}

func (s *Scheduler) fire(id int64, pcm []byte) {
	s.mu.Lock()
	_, ok := s.live[id]
	s.mu.Unlock()
	if !ok {
		// Stopped before its start time; the tail must not leak out.
		return
	}
	if err := s.sink.Write(pcm); err != nil {
		s.log.Warn().Err(err).Msg("playback sink write failed")
	}
}

func (s *Scheduler) complete(id int64) {
	s.mu.Lock()
	if _, ok := s.live[id]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.live, id)
	empty := len(s.live) == 0
	s.mu.Unlock()

	if empty && s.onSpeaking != nil {
		s.onSpeaking(false)
	}
}

// StopAll halts every tracked block, clears the live set, and resets the
// next-free cursor to the current clock time. This is the interruption
// primitive: nothing queued may play after it returns.
func (s *Scheduler) StopAll() {
	if s == nil {
		return
	}
	s.mu.Lock()
	hadLive := len(s.live) > 0
	for _, e := range s.live {
		if e.write != nil {
			e.write.Stop()
		}
		if e.done != nil {
			e.done.Stop()
		}
	}
	s.live = make(map[int64]*entry)
	s.nextFree = s.clockTime()
	s.mu.Unlock()

	if err := s.sink.Reset(); err != nil {
		s.log.Warn().Err(err).Msg("playback sink reset failed")
	}
	if hadLive && s.onSpeaking != nil {
		s.onSpeaking(false)
	}
}

// Active reports whether any scheduled block has not yet finished. This backs
// the "model is speaking" indicator.
func (s *Scheduler) Active() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live) > 0
}

// NextFree returns the cursor position, for observability.
func (s *Scheduler) NextFree() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextFree
}
