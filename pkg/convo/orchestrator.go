// Package convo orchestrates the voice conversation: it owns the session
// lifecycle, routes inbound model audio to the playback scheduler, folds
// transcript deltas into chat entries, and applies the reconnection policy.
package convo

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/pkg/assets"
	"github.com/voxboard/voxboard/pkg/audio"
	"github.com/voxboard/voxboard/pkg/capture"
	"github.com/voxboard/voxboard/pkg/live"
	"github.com/voxboard/voxboard/pkg/vox"
)

const (
	// DefaultMinViableSession is the minimum lifetime a session must reach
	// for an automatic reconnect to be attempted after it drops. Shorter
	// sessions indicate a crash loop.
	DefaultMinViableSession = 10 * time.Second

	// DefaultReconnectDelay is the pause before an automatic reconnect.
	DefaultReconnectDelay = 5 * time.Second

	// DefaultSpeakingThreshold is the RMS level above which the user is
	// considered to be speaking.
	DefaultSpeakingThreshold = 0.01
)

// LiveSession is the subset of a live session the orchestrator drives.
type LiveSession interface {
	Events() <-chan live.Event
	SendAudioFrame(frame audio.Frame) error
	Close() error
}

// Dialer opens a live session. Swapped out in tests.
type Dialer func(ctx context.Context, cfg live.Config, onOpen func(context.Context) error) (LiveSession, error)

// MicOpener acquires the microphone. It runs inside the session's onOpen
// hook, so acquisition failures abort the connection attempt.
type MicOpener func(ctx context.Context) (capture.Source, error)

// Player schedules model audio for gapless playback.
type Player interface {
	Schedule(block audio.Block) time.Duration
	StopAll()
}

// AssetQueue is the asset production queue the orchestrator delegates to.
type AssetQueue interface {
	Enqueue(req assets.Request) (string, error)
	Approve(id string) error
	Dismiss(id string) error
}

// Config carries the conversation settings and policy tunables.
type Config struct {
	Live live.Config

	// SystemInstruction is the base prompt. Knowledge context is appended
	// per connection attempt.
	SystemInstruction string

	// CaptureRate is the sample rate, in Hz, frames are resampled to
	// before upload.
	CaptureRate int

	MinViableSession  time.Duration
	ReconnectDelay    time.Duration
	SpeakingThreshold float64
	KnowledgeLimit    int

	// AutoReconnect enables automatic reconnection after a viable session
	// drops. The crash-loop guard may switch it off at runtime.
	AutoReconnect bool

	Logger zerolog.Logger
}

type timerHandle interface {
	Stop() bool
}

type realTimer struct{ *time.Timer }

func (t realTimer) Stop() bool { return t.Timer.Stop() }

// Option customizes an Orchestrator.
type Option func(*Orchestrator)

// WithDialer replaces the live session dialer.
func WithDialer(d Dialer) Option {
	return func(o *Orchestrator) { o.dial = d }
}

// WithStateFunc registers a connection state callback.
func WithStateFunc(fn func(live.State)) Option {
	return func(o *Orchestrator) { o.onState = fn }
}

// WithChatFunc registers a chat entry callback. Transcript entries are
// re-emitted with a stable ID as deltas arrive; consumers upsert by ID.
func WithChatFunc(fn func(ChatEntry)) Option {
	return func(o *Orchestrator) { o.onChat = fn }
}

// WithUserSpeakingFunc registers an edge-triggered user speaking callback.
func WithUserSpeakingFunc(fn func(bool)) Option {
	return func(o *Orchestrator) { o.onUserSpeaking = fn }
}

// WithTurnCompleteFunc registers a callback invoked with the turn's
// transcript each time the model finishes a turn. The asset analysis step
// hangs off this hook.
func WithTurnCompleteFunc(fn func(transcript string)) Option {
	return func(o *Orchestrator) { o.onTurnComplete = fn }
}

// WithAssetQueue wires the asset production queue.
func WithAssetQueue(q AssetQueue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

// WithClock injects the time source and timer factory. Tests use this to
// drive the reconnect schedule.
func WithClock(now func() time.Time, after func(d time.Duration, fn func()) timerHandle) Option {
	return func(o *Orchestrator) {
		o.now = now
		o.after = after
	}
}

// Orchestrator coordinates one conversation: microphone capture in, model
// audio out, transcripts, and the reconnect policy. All methods are safe
// for concurrent use.
type Orchestrator struct {
	cfg       Config
	dial      Dialer
	openMic   MicOpener
	player    Player
	knowledge *KnowledgeStore
	queue     AssetQueue
	log       zerolog.Logger

	now   func() time.Time
	after func(d time.Duration, fn func()) timerHandle

	onState        func(live.State)
	onChat         func(ChatEntry)
	onUserSpeaking func(bool)
	onTurnComplete func(transcript string)

	mu            sync.Mutex
	state         live.State
	attempt       uuid.UUID
	session       LiveSession
	captureCancel context.CancelFunc
	connectedAt   time.Time
	stopping      bool
	autoReconnect bool
	reconnect     timerHandle
	baseCtx       context.Context
	userTurn      turn
	modelTurn     turn
	userSpeaking  bool
	history       []ChatEntry
}

// New creates an orchestrator. The player is required; the mic opener may
// be nil when the caller drives capture itself.
func New(cfg Config, player Player, openMic MicOpener, opts ...Option) *Orchestrator {
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = audio.DefaultInputConfig().SampleRate
	}
	if cfg.MinViableSession <= 0 {
		cfg.MinViableSession = DefaultMinViableSession
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = DefaultReconnectDelay
	}
	if cfg.SpeakingThreshold <= 0 {
		cfg.SpeakingThreshold = DefaultSpeakingThreshold
	}

	o := &Orchestrator{
		cfg:           cfg,
		player:        player,
		openMic:       openMic,
		knowledge:     NewKnowledgeStore(cfg.KnowledgeLimit),
		log:           cfg.Logger.With().Str("component", "convo").Logger(),
		now:           time.Now,
		state:         live.StateDisconnected,
		autoReconnect: cfg.AutoReconnect,
		baseCtx:       context.Background(),
	}
	o.dial = func(ctx context.Context, lc live.Config, onOpen func(context.Context) error) (LiveSession, error) {
		return live.Connect(ctx, lc, onOpen)
	}
	o.after = func(d time.Duration, fn func()) timerHandle {
		return realTimer{time.AfterFunc(d, fn)}
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Knowledge returns the reference document store.
func (o *Orchestrator) Knowledge() *KnowledgeStore { return o.knowledge }

// State returns the current connection state.
func (o *Orchestrator) State() live.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// AutoReconnect reports whether automatic reconnection is currently armed.
func (o *Orchestrator) AutoReconnect() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.autoReconnect
}

// SetAutoReconnect re-arms or disarms automatic reconnection, for example
// after the crash-loop guard has switched it off.
func (o *Orchestrator) SetAutoReconnect(enabled bool) {
	o.mu.Lock()
	o.autoReconnect = enabled
	o.mu.Unlock()
}

// History returns a copy of the chat log.
func (o *Orchestrator) History() []ChatEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]ChatEntry, len(o.history))
	copy(out, o.history)
	return out
}

// StartSession opens a new session with the model. Rejected while another
// session is connecting or connected.
func (o *Orchestrator) StartSession(ctx context.Context) error {
	o.mu.Lock()
	// Disconnecting counts as active too: the old session still holds the
	// microphone and transport until its ClosedEvent lands, and a dial
	// started now would race that teardown.
	if o.state != live.StateDisconnected {
		o.mu.Unlock()
		return vox.NewPreconditionError("a session is already active")
	}
	if o.reconnect != nil {
		o.reconnect.Stop()
		o.reconnect = nil
	}
	o.stopping = false
	o.baseCtx = ctx
	attempt := uuid.New()
	o.attempt = attempt
	fire := o.setStateLocked(live.StateConnecting)
	o.mu.Unlock()
	fire()

	go o.connect(ctx, attempt)
	return nil
}

// StopSession tears the current session down and cancels any pending
// reconnect. Idempotent.
func (o *Orchestrator) StopSession() {
	o.mu.Lock()
	if o.reconnect != nil {
		o.reconnect.Stop()
		o.reconnect = nil
	}
	switch o.state {
	case live.StateDisconnected:
		o.mu.Unlock()
		return
	case live.StateConnecting:
		// Invalidate the in-flight attempt; its success path will see a
		// stale attempt and tear itself down.
		o.attempt = uuid.Nil
		o.stopping = true
		o.stopCaptureLocked()
		fire := o.setStateLocked(live.StateDisconnected)
		o.mu.Unlock()
		fire()
		return
	}
	o.stopping = true
	session := o.session
	o.stopCaptureLocked()
	fire := o.setStateLocked(live.StateDisconnecting)
	o.mu.Unlock()
	fire()

	if session != nil {
		go func() { _ = session.Close() }()
	}
}

// QueueAsset submits an asset production request.
func (o *Orchestrator) QueueAsset(req assets.Request) (string, error) {
	if o.queue == nil {
		return "", vox.NewPreconditionError("asset production is not configured")
	}
	return o.queue.Enqueue(req)
}

// ApproveAsset accepts a held asset proposal.
func (o *Orchestrator) ApproveAsset(id string) error {
	if o.queue == nil {
		return vox.NewPreconditionError("asset production is not configured")
	}
	return o.queue.Approve(id)
}

// DismissAsset discards a held asset proposal.
func (o *Orchestrator) DismissAsset(id string) error {
	if o.queue == nil {
		return vox.NewPreconditionError("asset production is not configured")
	}
	return o.queue.Dismiss(id)
}

func (o *Orchestrator) connect(ctx context.Context, attempt uuid.UUID) {
	liveCfg := o.cfg.Live
	liveCfg.SystemInstruction = o.composeInstruction()
	liveCfg.Logger = o.cfg.Logger

	captureCtx, captureCancel := context.WithCancel(ctx)

	var source capture.Source
	onOpen := func(openCtx context.Context) error {
		if o.openMic == nil {
			return nil
		}
		src, err := o.openMic(openCtx)
		if err != nil {
			return err
		}
		source = src
		return nil
	}

	session, err := o.dial(ctx, liveCfg, onOpen)
	if err != nil {
		captureCancel()
		o.mu.Lock()
		if o.attempt != attempt {
			o.mu.Unlock()
			return
		}
		fire := o.setStateLocked(live.StateDisconnected)
		emit := o.addEntryLocked(RoleSystem, ChatError, vox.Friendly(err))
		o.mu.Unlock()
		fire()
		emit()
		o.log.Error().Err(err).Msg("session connect failed")
		return
	}

	o.mu.Lock()
	if o.attempt != attempt {
		// A stop raced the dial. Tear down without touching shared state.
		o.mu.Unlock()
		captureCancel()
		if source != nil {
			_ = source.Close()
		}
		_ = session.Close()
		return
	}
	o.session = session
	o.captureCancel = captureCancel
	o.connectedAt = o.now()
	fire := o.setStateLocked(live.StateConnected)
	emit := o.addEntryLocked(RoleSystem, ChatInfo, "Connected. Start talking whenever you're ready.")
	o.mu.Unlock()
	fire()
	emit()

	if source != nil {
		pipeline := capture.NewPipeline(source, frameSender{session}, o.cfg.CaptureRate,
			capture.WithVolumeFunc(o.volumeFunc(attempt)),
			capture.WithLogger(o.cfg.Logger),
		)
		go func() {
			if err := pipeline.Run(captureCtx); err != nil {
				o.log.Warn().Err(err).Msg("capture pipeline stopped")
			}
		}()
	}

	go o.consume(attempt, session)
}

// consume drains session events. Every mutation checks that the event's
// attempt is still current, so a stale session that lingers past a stop or
// reconnect cannot corrupt the new one.
func (o *Orchestrator) consume(attempt uuid.UUID, session LiveSession) {
	for ev := range session.Events() {
		switch e := ev.(type) {
		case live.AudioEvent:
			if o.isLive(attempt) {
				o.player.Schedule(e.Block)
			}
		case live.InterruptedEvent:
			o.handleInterrupted(attempt)
		case live.UserTranscriptEvent:
			o.appendTranscript(attempt, RoleUser, e.Text)
		case live.ModelTranscriptEvent:
			o.appendTranscript(attempt, RoleModel, e.Text)
		case live.TurnCompleteEvent:
			o.finishTurn(attempt)
		case live.GoAwayEvent:
			o.log.Info().Str("time_left", e.TimeLeft).Msg("server requested connection refresh")
		case live.ClosedEvent:
			o.handleClosed(attempt, e)
		}
	}
}

// isLive reports whether inbound content from attempt should still be
// applied. The attempt check rejects stale sessions; the state check drops
// audio and transcripts that arrive after a teardown has begun.
func (o *Orchestrator) isLive(attempt uuid.UUID) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempt == attempt && o.state == live.StateConnected
}

func (o *Orchestrator) handleInterrupted(attempt uuid.UUID) {
	o.mu.Lock()
	if o.attempt != attempt || o.state != live.StateConnected {
		o.mu.Unlock()
		return
	}
	// The model was cut off; whatever transcript was accumulating for this
	// turn is stale, so the next delta starts a fresh entry.
	o.modelTurn.reset()
	o.mu.Unlock()
	o.player.StopAll()
}

func (o *Orchestrator) appendTranscript(attempt uuid.UUID, role Role, delta string) {
	if delta == "" {
		return
	}
	o.mu.Lock()
	if o.attempt != attempt || o.state != live.StateConnected {
		o.mu.Unlock()
		return
	}
	t := &o.userTurn
	if role == RoleModel {
		t = &o.modelTurn
	}
	t.append(delta)
	entry := ChatEntry{ID: t.id, Role: role, Kind: ChatText, Text: t.text, Time: o.now()}
	o.upsertLocked(entry)
	cb := o.onChat
	o.mu.Unlock()
	if cb != nil {
		cb(entry)
	}
}

func (o *Orchestrator) finishTurn(attempt uuid.UUID) {
	o.mu.Lock()
	if o.attempt != attempt || o.state != live.StateConnected {
		o.mu.Unlock()
		return
	}
	var lines []string
	if o.userTurn.active() {
		lines = append(lines, "user: "+o.userTurn.text)
	}
	if o.modelTurn.active() {
		lines = append(lines, "model: "+o.modelTurn.text)
	}
	o.userTurn.reset()
	o.modelTurn.reset()
	cb := o.onTurnComplete
	o.mu.Unlock()

	if cb != nil && len(lines) > 0 {
		cb(strings.Join(lines, "\n"))
	}
}

func (o *Orchestrator) handleClosed(attempt uuid.UUID, ev live.ClosedEvent) {
	o.mu.Lock()
	if o.attempt != attempt {
		o.mu.Unlock()
		return
	}
	lifetime := o.now().Sub(o.connectedAt)
	o.stopCaptureLocked()
	session := o.session
	o.session = nil
	o.userTurn.reset()
	o.modelTurn.reset()
	speakingOff := o.setUserSpeakingLocked(false)
	fire := o.setStateLocked(live.StateDisconnected)

	var emit func()
	switch {
	case o.stopping:
		emit = o.addEntryLocked(RoleSystem, ChatInfo, "Session ended.")
	case live.FatalClose(ev.Code, ev.Reason):
		o.autoReconnect = false
		emit = o.addEntryLocked(RoleSystem, ChatError, vox.Friendly(live.CloseError(ev.Code, ev.Reason)))
	case o.autoReconnect && lifetime < o.cfg.MinViableSession:
		o.autoReconnect = false
		emit = o.addEntryLocked(RoleSystem, ChatWarning,
			"The connection keeps dropping right after it opens, so automatic reconnection has been turned off. Start a new session to try again.")
	case o.autoReconnect:
		emit = o.addEntryLocked(RoleSystem, ChatInfo, "Connection lost. Reconnecting shortly...")
		o.reconnect = o.after(o.cfg.ReconnectDelay, o.reconnectNow)
	default:
		emit = o.addEntryLocked(RoleSystem, ChatError, vox.Friendly(live.CloseError(ev.Code, ev.Reason)))
	}
	o.mu.Unlock()
	speakingOff()
	fire()
	emit()

	// The read loop is already drained, so Close returns immediately; it
	// releases the transport after a remote drop, where nothing else does.
	if session != nil {
		_ = session.Close()
	}
	o.player.StopAll()
}

func (o *Orchestrator) reconnectNow() {
	o.mu.Lock()
	if o.state != live.StateDisconnected || o.stopping {
		o.mu.Unlock()
		return
	}
	o.reconnect = nil
	ctx := o.baseCtx
	o.mu.Unlock()
	if err := o.StartSession(ctx); err != nil && !errors.Is(err, context.Canceled) {
		o.log.Warn().Err(err).Msg("automatic reconnect failed to start")
	}
}

func (o *Orchestrator) composeInstruction() string {
	parts := make([]string, 0, 2)
	if base := strings.TrimSpace(o.cfg.SystemInstruction); base != "" {
		parts = append(parts, base)
	}
	if kb := o.knowledge.ContextText(); kb != "" {
		parts = append(parts, "# Reference material\n\n"+kb)
	}
	return strings.Join(parts, "\n\n")
}

func (o *Orchestrator) volumeFunc(attempt uuid.UUID) func(rms float64) {
	return func(rms float64) {
		o.mu.Lock()
		if o.attempt != attempt {
			o.mu.Unlock()
			return
		}
		fire := o.setUserSpeakingLocked(rms > o.cfg.SpeakingThreshold)
		o.mu.Unlock()
		fire()
	}
}

func (o *Orchestrator) setUserSpeakingLocked(speaking bool) func() {
	if speaking == o.userSpeaking {
		return func() {}
	}
	o.userSpeaking = speaking
	cb := o.onUserSpeaking
	if cb == nil {
		return func() {}
	}
	return func() { cb(speaking) }
}

func (o *Orchestrator) setStateLocked(s live.State) func() {
	if s == o.state {
		return func() {}
	}
	o.state = s
	cb := o.onState
	if cb == nil {
		return func() {}
	}
	return func() { cb(s) }
}

func (o *Orchestrator) stopCaptureLocked() {
	if o.captureCancel != nil {
		o.captureCancel()
		o.captureCancel = nil
	}
}

// addEntryLocked appends a system entry to the history and returns the
// deferred callback emission. Call with o.mu held; invoke the result after
// unlocking.
func (o *Orchestrator) addEntryLocked(role Role, kind ChatKind, text string) func() {
	entry := ChatEntry{ID: uuid.NewString(), Role: role, Kind: kind, Text: text, Time: o.now()}
	o.history = append(o.history, entry)
	cb := o.onChat
	if cb == nil {
		return func() {}
	}
	return func() { cb(entry) }
}

func (o *Orchestrator) upsertLocked(entry ChatEntry) {
	for i := range o.history {
		if o.history[i].ID == entry.ID {
			o.history[i] = entry
			return
		}
	}
	o.history = append(o.history, entry)
}

// frameSender adapts a live session to the capture pipeline's sender,
// mapping a not-connected rejection to the pipeline's silent-drop sentinel.
type frameSender struct {
	session LiveSession
}

func (f frameSender) SendAudioFrame(frame audio.Frame) error {
	err := f.session.SendAudioFrame(frame)
	if errors.Is(err, live.ErrNotConnected) {
		return capture.ErrNotReady
	}
	return err
}
