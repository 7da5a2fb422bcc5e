package live

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxboard/voxboard/pkg/audio"
	"github.com/voxboard/voxboard/pkg/vox"
)

func newWebsocketTestServer(t *testing.T, handler func(conn *websocket.Conn)) (string, func()) {
	t.Helper()

	upgrader := websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler(conn)
	}))

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	return wsURL, server.Close
}

func ackSetup(t *testing.T, conn *websocket.Conn) ClientSetup {
	t.Helper()
	var setup ClientSetup
	if err := conn.ReadJSON(&setup); err != nil {
		t.Errorf("read setup: %v", err)
		return setup
	}
	if err := conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}}); err != nil {
		t.Errorf("write setup ack: %v", err)
	}
	return setup
}

func TestConnect_MissingAPIKey(t *testing.T) {
	t.Parallel()

	_, err := Connect(context.Background(), Config{Model: "models/test"}, nil)
	if err == nil {
		t.Fatalf("expected precondition error")
	}
	var verr *vox.Error
	if !errors.As(err, &verr) || verr.Type != vox.ErrPrecondition {
		t.Fatalf("err=%v, want precondition", err)
	}
}

func TestConnect_SetupHandshakeAndEventStream(t *testing.T) {
	t.Parallel()

	samples := []float32{0.25, -0.25, 0.5, -0.5}
	frame := audio.EncodeFrame(samples, 24000)

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()

		setup := ackSetup(t, conn)
		if setup.Setup == nil || setup.Setup.Model != "models/test" {
			t.Errorf("setup frame missing model: %+v", setup)
			return
		}
		if setup.Setup.InputAudioTranscription == nil || setup.Setup.OutputAudioTranscription == nil {
			t.Errorf("setup did not opt in to transcription streams")
		}

		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": frame.MIMEType, "data": frame.Data}},
					},
				},
			},
		})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"inputTranscription": map[string]any{"text": "hello "}},
		})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"outputTranscription": map[string]any{"text": "hi there"}},
		})
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	opened := false
	session, err := Connect(context.Background(), Config{
		Endpoint: serverURL,
		APIKey:   "test-key",
		Model:    "models/test",
	}, func(context.Context) error {
		opened = true
		return nil
	})
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer session.Close()
	if !opened {
		t.Fatalf("onOpen was not invoked")
	}
	if session.State() != StateConnected {
		t.Fatalf("state=%v, want connected", session.State())
	}

	var got []string
	var audioBlock audio.Block
	for ev := range session.Events() {
		got = append(got, ev.liveEventType())
		if ae, ok := ev.(AudioEvent); ok {
			audioBlock = ae.Block
		}
	}
	want := []string{"audio", "user_transcript", "model_transcript", "turn_complete", "closed"}
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}
	if audioBlock.SampleRate != 24000 || len(audioBlock.Samples) != len(samples) {
		t.Fatalf("audio block rate=%d len=%d", audioBlock.SampleRate, len(audioBlock.Samples))
	}
}

func TestConnect_OnOpenFailureTearsDown(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ackSetup(t, conn)
	})
	defer closeServer()

	boom := errors.New("microphone unavailable")
	session, err := Connect(context.Background(), Config{
		Endpoint: serverURL,
		APIKey:   "test-key",
		Model:    "models/test",
	}, func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("err=%v, want %v", err, boom)
	}
	if session != nil {
		t.Fatalf("session should be nil on onOpen failure")
	}
}

func TestConnect_MissingSetupAck(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		var setup ClientSetup
		_ = conn.ReadJSON(&setup)
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{"turnComplete": true},
		})
	})
	defer closeServer()

	_, err := Connect(context.Background(), Config{
		Endpoint: serverURL,
		APIKey:   "test-key",
		Model:    "models/test",
	}, nil)
	if err == nil || !strings.Contains(err.Error(), "acknowledge") {
		t.Fatalf("err=%v, want setup ack failure", err)
	}
}

func TestSendAudioFrame_RoundTrip(t *testing.T) {
	t.Parallel()

	received := make(chan ClientRealtimeInput, 1)
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ackSetup(t, conn)
		var input ClientRealtimeInput
		if err := conn.ReadJSON(&input); err != nil {
			return
		}
		received <- input
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	session, err := Connect(context.Background(), Config{
		Endpoint: serverURL,
		APIKey:   "test-key",
		Model:    "models/test",
	}, nil)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer session.Close()

	frame := audio.EncodeFrame([]float32{0.1, 0.2, 0.3}, 16000)
	if err := session.SendAudioFrame(frame); err != nil {
		t.Fatalf("SendAudioFrame error: %v", err)
	}

	select {
	case input := <-received:
		if input.RealtimeInput == nil || len(input.RealtimeInput.MediaChunks) != 1 {
			t.Fatalf("input=%+v, want one media chunk", input)
		}
		chunk := input.RealtimeInput.MediaChunks[0]
		if chunk.MIMEType != "audio/pcm;rate=16000" {
			t.Fatalf("mimeType=%q", chunk.MIMEType)
		}
		if chunk.Data != frame.Data {
			t.Fatalf("payload mismatch")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("server never received the frame")
	}
}

func TestSendAudioFrame_AfterCloseReturnsNotConnected(t *testing.T) {
	t.Parallel()

	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ackSetup(t, conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	defer closeServer()

	session, err := Connect(context.Background(), Config{
		Endpoint: serverURL,
		APIKey:   "test-key",
		Model:    "models/test",
	}, nil)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("Close error: %v", err)
	}
	if err := session.Close(); err != nil {
		t.Fatalf("second Close error: %v", err)
	}
	if session.State() != StateDisconnected {
		t.Fatalf("state=%v, want disconnected", session.State())
	}

	err = session.SendAudioFrame(audio.EncodeFrame([]float32{0.1}, 16000))
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("err=%v, want ErrNotConnected", err)
	}
}

func TestDispatch_InterruptionPrecedesAudioInSameFrame(t *testing.T) {
	t.Parallel()

	frame := audio.EncodeFrame([]float32{0.5, 0.5}, 24000)
	serverURL, closeServer := newWebsocketTestServer(t, func(conn *websocket.Conn) {
		defer conn.Close()
		ackSetup(t, conn)
		_ = conn.WriteJSON(map[string]any{
			"serverContent": map[string]any{
				"interrupted": true,
				"modelTurn": map[string]any{
					"parts": []map[string]any{
						{"inlineData": map[string]any{"mimeType": frame.MIMEType, "data": frame.Data}},
					},
				},
			},
		})
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
	})
	defer closeServer()

	session, err := Connect(context.Background(), Config{
		Endpoint: serverURL,
		APIKey:   "test-key",
		Model:    "models/test",
	}, nil)
	if err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer session.Close()

	var got []string
	for ev := range session.Events() {
		got = append(got, ev.liveEventType())
	}
	want := []string{"interrupted", "audio", "closed"}
	if len(got) != len(want) {
		t.Fatalf("events=%v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events=%v, want %v", got, want)
		}
	}
}

func TestFatalClose(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		code   int
		reason string
		fatal  bool
	}{
		{"quota exhausted", websocket.CloseInternalServerErr, "You exceeded your current quota", true},
		{"generic internal error", websocket.CloseInternalServerErr, "internal error", false},
		{"oversized frame", websocket.CloseMessageTooBig, "", true},
		{"normal closure", websocket.CloseNormalClosure, "", false},
		{"abnormal closure", websocket.CloseAbnormalClosure, "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := FatalClose(tc.code, tc.reason); got != tc.fatal {
				t.Fatalf("FatalClose(%d, %q)=%v, want %v", tc.code, tc.reason, got, tc.fatal)
			}
		})
	}
}

func TestCloseError_Types(t *testing.T) {
	t.Parallel()

	var verr *vox.Error
	err := CloseError(websocket.CloseInternalServerErr, "quota exceeded for this project")
	if !errors.As(err, &verr) || verr.Type != vox.ErrQuota {
		t.Fatalf("err=%v, want quota", err)
	}

	err = CloseError(websocket.CloseMessageTooBig, "")
	if !errors.As(err, &verr) || verr.Type != vox.ErrMalformed {
		t.Fatalf("err=%v, want malformed", err)
	}

	err = CloseError(websocket.CloseAbnormalClosure, "")
	if !errors.As(err, &verr) || verr.Type != vox.ErrNetwork {
		t.Fatalf("err=%v, want network", err)
	}
}
