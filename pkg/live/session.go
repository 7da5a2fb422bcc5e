package live

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/voxboard/voxboard/pkg/audio"
	"github.com/voxboard/voxboard/pkg/vox"
)

const (
	// DefaultEndpoint is the realtime websocket endpoint of the speech model.
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

	defaultConnectTimeout = 15 * time.Second
	closeWriteTimeout     = 2 * time.Second
)

// ErrNotConnected is returned by SendAudioFrame when the session is not in
// the connected state. Callers on the capture path drop the frame.
var ErrNotConnected = errors.New("live session is not connected")

// State is the lifecycle state of a Session.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateDisconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDisconnecting:
		return "disconnecting"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Event is an inbound session event emitted by Session.Events().
type Event interface {
	liveEventType() string
}

// AudioEvent carries one decoded block of model speech.
type AudioEvent struct {
	Block audio.Block
}

func (e AudioEvent) liveEventType() string { return "audio" }

// UserTranscriptEvent is a transcript delta for the user's speech.
type UserTranscriptEvent struct {
	Text string
}

func (e UserTranscriptEvent) liveEventType() string { return "user_transcript" }

// ModelTranscriptEvent is a transcript delta for the model's speech.
type ModelTranscriptEvent struct {
	Text string
}

func (e ModelTranscriptEvent) liveEventType() string { return "model_transcript" }

// InterruptedEvent signals that the model was cut off by the user. All
// scheduled playback must be flushed immediately.
type InterruptedEvent struct{}

func (e InterruptedEvent) liveEventType() string { return "interrupted" }

// TurnCompleteEvent marks the end of a model turn.
type TurnCompleteEvent struct{}

func (e TurnCompleteEvent) liveEventType() string { return "turn_complete" }

// GoAwayEvent warns that the server will drop the connection shortly.
type GoAwayEvent struct {
	TimeLeft string
}

func (e GoAwayEvent) liveEventType() string { return "go_away" }

// ClosedEvent is the final event on the channel before it closes. Code and
// Reason come from the websocket close frame when one was received.
type ClosedEvent struct {
	Code   int
	Reason string
	Err    error
}

func (e ClosedEvent) liveEventType() string { return "closed" }

// FatalClose reports whether a close frame indicates a condition that a
// reconnect cannot fix, such as exhausted quota or an oversized frame.
func FatalClose(code int, reason string) bool {
	switch code {
	case websocket.CloseMessageTooBig:
		return true
	case websocket.CloseInternalServerErr:
		lower := strings.ToLower(reason)
		return strings.Contains(lower, "quota") || strings.Contains(lower, "exceeded")
	default:
		return false
	}
}

// CloseError converts a terminal close frame into a typed error for display.
func CloseError(code int, reason string) error {
	switch {
	case code == websocket.CloseInternalServerErr && FatalClose(code, reason):
		return vox.NewQuotaError(reason)
	case code == websocket.CloseMessageTooBig:
		return vox.NewMalformedError("server rejected an oversized frame")
	case reason != "":
		return vox.NewAPIError(reason, 0)
	default:
		return vox.NewNetworkError(fmt.Sprintf("connection closed (code %d)", code))
	}
}

// Config describes one session with the speech model.
type Config struct {
	// Endpoint overrides the websocket URL. Used by tests.
	Endpoint string
	APIKey   string
	Model    string
	Voice    string

	// SystemInstruction is sent once in the setup frame.
	SystemInstruction string

	// OutputRate is the sample rate, in Hz, of inbound model audio.
	OutputRate int

	Logger zerolog.Logger
}

// Session is a duplex websocket session with the speech model. Outbound
// audio goes through SendAudioFrame; inbound events arrive on Events().
type Session struct {
	conn    *websocket.Conn
	cfg     Config
	events  chan Event
	done    chan struct{}
	stop    chan struct{}
	log     zerolog.Logger
	outRate int

	writeMu   sync.Mutex
	closeOnce sync.Once
	state     atomic.Int32
}

// Connect dials the endpoint, performs the setup handshake, then invokes
// onOpen with the connection still in the connecting state. onOpen is where
// the caller acquires local resources such as the microphone; if it fails,
// the transport is torn down and the error is returned, and the session
// never reaches the connected state.
func Connect(ctx context.Context, cfg Config, onOpen func(context.Context) error) (*Session, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, vox.NewPreconditionError("api key is required")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, vox.NewPreconditionError("model is required")
	}
	if cfg.OutputRate <= 0 {
		cfg.OutputRate = audio.DefaultOutputConfig().SampleRate
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	wsURL := endpoint
	if !strings.Contains(wsURL, "key=") {
		sep := "?"
		if strings.Contains(wsURL, "?") {
			sep = "&"
		}
		wsURL = wsURL + sep + "key=" + cfg.APIKey
	}

	dialCtx := ctx
	var cancel context.CancelFunc
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	dialer := websocket.DefaultDialer
	if dialer == nil {
		dialer = &websocket.Dialer{}
	}
	conn, resp, err := dialer.DialContext(dialCtx, wsURL, nil)
	if err != nil {
		if resp != nil {
			return nil, &vox.TransportError{Op: "GET", URL: endpoint, Err: fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err)}
		}
		return nil, &vox.TransportError{Op: "GET", URL: endpoint, Err: err}
	}

	s := &Session{
		conn:    conn,
		cfg:     cfg,
		events:  make(chan Event, 256),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
		log:     cfg.Logger.With().Str("component", "live").Logger(),
		outRate: cfg.OutputRate,
	}
	s.state.Store(int32(StateConnecting))

	if err := conn.WriteJSON(s.setupFrame()); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send setup: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(defaultConnectTimeout))
	messageType, payload, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read setup ack: %w", err)
	}
	_ = conn.SetReadDeadline(time.Time{})
	if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected first frame type %d", messageType)
	}
	msg, err := DecodeServerMessage(payload)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode setup ack: %w", err)
	}
	if msg.SetupComplete == nil {
		_ = conn.Close()
		return nil, vox.NewAPIError("server did not acknowledge session setup", 0)
	}

	if onOpen != nil {
		if err := onOpen(ctx); err != nil {
			_ = conn.Close()
			return nil, err
		}
	}

	s.state.Store(int32(StateConnected))
	s.log.Debug().Str("model", cfg.Model).Msg("session connected")
	go s.readLoop()
	return s, nil
}

func (s *Session) setupFrame() ClientSetup {
	setup := &Setup{
		Model: s.cfg.Model,
		GenerationConfig: &GenerationConfig{
			ResponseModalities: []string{"AUDIO"},
		},
		InputAudioTranscription:  &TranscriptionConfig{},
		OutputAudioTranscription: &TranscriptionConfig{},
	}
	if v := strings.TrimSpace(s.cfg.Voice); v != "" {
		setup.GenerationConfig.SpeechConfig = &SpeechConfig{
			VoiceConfig: &VoiceConfig{
				PrebuiltVoiceConfig: &PrebuiltVoiceConfig{VoiceName: v},
			},
		}
	}
	if sys := strings.TrimSpace(s.cfg.SystemInstruction); sys != "" {
		setup.SystemInstruction = &Content{Parts: []Part{{Text: sys}}}
	}
	return ClientSetup{Setup: setup}
}

// Events yields inbound session events. The channel closes after a terminal
// ClosedEvent is delivered.
func (s *Session) Events() <-chan Event {
	if s == nil {
		return nil
	}
	return s.events
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	if s == nil {
		return StateDisconnected
	}
	return State(s.state.Load())
}

// SendAudioFrame forwards one encoded microphone frame to the model.
// Returns ErrNotConnected when the session is not connected, so that
// frames racing a teardown are dropped rather than failing the capture loop.
func (s *Session) SendAudioFrame(frame audio.Frame) error {
	if s == nil || s.State() != StateConnected {
		return ErrNotConnected
	}
	msg := ClientRealtimeInput{
		RealtimeInput: &RealtimeInput{
			MediaChunks: []MediaChunk{{MIMEType: frame.MIMEType, Data: frame.Data}},
		},
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.State() != StateConnected {
		return ErrNotConnected
	}
	if err := s.conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("send audio frame: %w", err)
	}
	return nil
}

// Close shuts the session down and waits for the read loop to drain. Safe
// to call from any state and more than once.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.closeOnce.Do(func() {
		s.state.Store(int32(StateDisconnecting))
		close(s.stop)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(closeWriteTimeout))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	s.state.Store(int32(StateDisconnected))
	return nil
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)
	// A remote drop exits this loop without going through Close; release
	// the transport here so reconnect cycles do not leak sockets.
	defer s.conn.Close()

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			s.state.Store(int32(StateDisconnected))
			code, reason := closeDetails(err)
			if code == websocket.CloseNormalClosure || code == websocket.CloseGoingAway {
				s.emit(ClosedEvent{Code: code, Reason: reason})
				return
			}
			s.emit(ClosedEvent{Code: code, Reason: reason, Err: err})
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		msg, err := DecodeServerMessage(data)
		if err != nil {
			s.log.Warn().Err(err).Msg("undecodable server frame")
			continue
		}
		s.dispatch(msg)
	}
}

// dispatch fans one server frame out to events. When a frame carries an
// interruption flag it is emitted before any audio in the same frame so the
// consumer flushes playback before scheduling more.
func (s *Session) dispatch(msg *ServerMessage) {
	if msg.GoAway != nil {
		s.emit(GoAwayEvent{TimeLeft: msg.GoAway.TimeLeft})
		return
	}
	sc := msg.ServerContent
	if sc == nil {
		return
	}
	if sc.Interrupted {
		s.emit(InterruptedEvent{})
	}
	if sc.ModelTurn != nil {
		for _, part := range sc.ModelTurn.Parts {
			if part.InlineData == nil || !IsAudioMIME(part.InlineData.MIMEType) {
				continue
			}
			block, err := audio.DecodeFrame(part.InlineData.Data, s.outRate)
			if err != nil {
				s.log.Warn().Err(err).Msg("dropping undecodable audio part")
				continue
			}
			if len(block.Samples) == 0 {
				continue
			}
			s.emit(AudioEvent{Block: block})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		s.emit(UserTranscriptEvent{Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		s.emit(ModelTranscriptEvent{Text: sc.OutputTranscription.Text})
	}
	if sc.TurnComplete {
		s.emit(TurnCompleteEvent{})
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.stop:
		// Session is closing; the consumer is gone.
	}
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, ""
}
