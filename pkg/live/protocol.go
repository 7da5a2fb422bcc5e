// Package live implements the duplex client for the remote voice model: the
// BidiGenerateContent websocket wire format and the session state machine
// that demultiplexes its inbound stream.
package live

import (
	"encoding/json"
	"strings"
)

// ClientSetup is the first frame on a new connection. The server answers
// with a frame whose setupComplete field is present.
type ClientSetup struct {
	Setup *Setup `json:"setup"`
}

// Setup configures the realtime session.
type Setup struct {
	Model             string            `json:"model"`
	GenerationConfig  *GenerationConfig `json:"generationConfig,omitempty"`
	SystemInstruction *Content          `json:"systemInstruction,omitempty"`

	// Empty objects opt in to user/model transcript streams.
	InputAudioTranscription  *TranscriptionConfig `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *TranscriptionConfig `json:"outputAudioTranscription,omitempty"`
}

// TranscriptionConfig enables a transcription stream. No fields.
type TranscriptionConfig struct{}

// GenerationConfig selects response modalities and voice.
type GenerationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *SpeechConfig `json:"speechConfig,omitempty"`
}

// SpeechConfig selects the synthesis voice.
type SpeechConfig struct {
	VoiceConfig *VoiceConfig `json:"voiceConfig,omitempty"`
}

// VoiceConfig names a prebuilt voice.
type VoiceConfig struct {
	PrebuiltVoiceConfig *PrebuiltVoiceConfig `json:"prebuiltVoiceConfig,omitempty"`
}

// PrebuiltVoiceConfig carries the voice name.
type PrebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName,omitempty"`
}

// ClientRealtimeInput carries outbound audio frames.
type ClientRealtimeInput struct {
	RealtimeInput *RealtimeInput `json:"realtimeInput"`
}

// RealtimeInput wraps one or more media chunks.
type RealtimeInput struct {
	MediaChunks []MediaChunk `json:"mediaChunks,omitempty"`
}

// MediaChunk is a transport-encoded PCM frame.
type MediaChunk struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

// Content is a role-tagged list of parts.
type Content struct {
	Role  string `json:"role,omitempty"`
	Parts []Part `json:"parts,omitempty"`
}

// Part is either text or inline binary data.
type Part struct {
	Text       string `json:"text,omitempty"`
	InlineData *Blob  `json:"inlineData,omitempty"`
}

// Blob is base64 payload data with a MIME descriptor.
type Blob struct {
	MIMEType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

// ServerMessage is the envelope for every inbound text frame. Exactly one
// of the pointer fields is set per frame.
type ServerMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *ServerContent `json:"serverContent,omitempty"`
	GoAway        *GoAway        `json:"goAway,omitempty"`
}

// ServerContent carries the model's streamed turn.
type ServerContent struct {
	ModelTurn           *Content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *Transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *Transcription `json:"outputTranscription,omitempty"`
}

// Transcription is a transcript text delta.
type Transcription struct {
	Text string `json:"text,omitempty"`
}

// GoAway warns that the server will close the connection shortly.
type GoAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

// DecodeServerMessage parses an inbound text frame.
func DecodeServerMessage(data []byte) (*ServerMessage, error) {
	var msg ServerMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// IsAudioMIME reports whether a part's descriptor marks inline PCM audio.
func IsAudioMIME(mime string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(mime)), "audio/pcm")
}
