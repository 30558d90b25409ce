// Package message defines the wire types exchanged with parley clients.
package message

import (
	"encoding/base64"
	"errors"
	"time"
)

// Utterance is one caller turn arriving from any transport.
type Utterance struct {
	// SessionID identifies the response cycle. Generated when empty.
	SessionID string `json:"session_id,omitempty"`

	// ConversationID groups the turns of one call.
	ConversationID string `json:"conversation_id"`

	// Text is the transcribed caller utterance.
	Text string `json:"text,omitempty"`

	// Audio is a raw caller recording, transcribed when Text is empty.
	// Base64-encoded in JSON.
	Audio []byte `json:"audio,omitempty"`

	// ContentType is the MIME type of Audio (e.g., "audio/wav").
	ContentType string `json:"content_type,omitempty"`

	// Language is an ISO-639-1 hint for transcription.
	Language string `json:"language,omitempty"`

	// VoiceID names a configured voice profile. Empty selects the default.
	VoiceID string `json:"voice_id,omitempty"`

	// Fallback is played when the reply cannot be synthesized.
	Fallback *Fallback `json:"fallback,omitempty"`

	DisableCues bool `json:"disable_cues,omitempty"`
	SkipCache   bool `json:"skip_cache,omitempty"`

	// Timestamp is when parley received the utterance.
	Timestamp time.Time `json:"timestamp"`
}

// HasAudio returns true if the utterance carries a recording.
func (u *Utterance) HasAudio() bool {
	return len(u.Audio) > 0
}

// Validate reports utterances that cannot be processed.
func (u *Utterance) Validate() error {
	if u.ConversationID == "" {
		return errors.New("conversation_id is required")
	}
	if u.Text == "" && !u.HasAudio() {
		return errors.New("utterance has no audio and no text")
	}
	if u.Fallback != nil && u.Fallback.Phrase != "" && len(u.Fallback.Audio) > 0 {
		return errors.New("fallback takes either a phrase or audio, not both")
	}
	return nil
}

// Fallback selects what to play when synthesis fails.
type Fallback struct {
	Phrase string `json:"phrase,omitempty"`
	Audio  []byte `json:"audio,omitempty"`
}

// CycleResult is the outcome of one response cycle.
type CycleResult struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`

	// Transcript is the text produced by transcription (empty for text input).
	Transcript string `json:"transcript,omitempty"`

	// Language is the ISO-639-1 code detected during transcription.
	Language string `json:"language,omitempty"`

	ResponseText   string `json:"response_text,omitempty"`
	WasCached      bool   `json:"was_cached"`
	WasInterrupted bool   `json:"was_interrupted"`
	LatencyMs      int64  `json:"latency_ms"`
	FirstAudioMs   int64  `json:"first_audio_ms,omitempty"`
	State          string `json:"state"`

	// ResponseAudio is every audio byte emitted during the cycle, cues
	// included, as a base64-encoded string.
	ResponseAudio string `json:"response_audio,omitempty"`

	// ResponseContentType is the MIME type of ResponseAudio.
	ResponseContentType string `json:"response_content_type,omitempty"`

	// Error is set if the cycle failed.
	Error string `json:"error,omitempty"`
}

// SetResponseAudioBytes base64-encodes raw audio bytes into ResponseAudio.
func (r *CycleResult) SetResponseAudioBytes(audio []byte) {
	if len(audio) > 0 {
		r.ResponseAudio = base64.StdEncoding.EncodeToString(audio)
	}
}

// Media stream frame events. Clients send start, utterance, interrupt and
// stop; parley sends media, state, cue, result and error.
const (
	FrameStart     = "start"
	FrameUtterance = "utterance"
	FrameInterrupt = "interrupt"
	FrameStop      = "stop"
	FrameMedia     = "media"
	FrameState     = "state"
	FrameCue       = "cue"
	FrameResult    = "result"
	FrameError     = "error"
)

// Frame is one WebSocket message on the media stream, modelled on
// telephony media-stream framing.
type Frame struct {
	Event     string `json:"event"`
	StreamSID string `json:"streamSid,omitempty"`
	SessionID string `json:"session_id,omitempty"`

	Start     *StreamStart `json:"start,omitempty"`
	Utterance *Utterance   `json:"utterance,omitempty"`
	Media     *Media       `json:"media,omitempty"`
	Cycle     *CycleEvent  `json:"cycle,omitempty"`
	Result    *CycleResult `json:"result,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// StreamStart opens a media stream for a call.
type StreamStart struct {
	ConversationID string `json:"conversation_id"`
	VoiceID        string `json:"voice_id,omitempty"`
}

// Media carries one chunk of outbound audio.
type Media struct {
	Chunk   int    `json:"chunk"`
	Payload string `json:"payload"` // Base64 encoded audio
}

// NewMedia wraps an audio chunk.
func NewMedia(chunk int, audio []byte) *Media {
	return &Media{Chunk: chunk, Payload: base64.StdEncoding.EncodeToString(audio)}
}

// Bytes decodes the payload.
func (m *Media) Bytes() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Payload)
}

// CycleEvent reports a state transition or a cue.
type CycleEvent struct {
	Type     string    `json:"type"`
	State    string    `json:"state,omitempty"`
	Cue      string    `json:"cue,omitempty"`
	Text     string    `json:"text,omitempty"`
	Error    string    `json:"error,omitempty"`
	Terminal bool      `json:"terminal,omitempty"`
	Time     time.Time `json:"time"`
}
