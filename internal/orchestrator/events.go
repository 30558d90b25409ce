package orchestrator

import "time"

// State is a step of the response cycle.
type State string

const (
	StateStart        State = "start"
	StateCacheCheck   State = "cache_check"
	StateCacheHit     State = "cache_hit"
	StateCacheMiss    State = "cache_miss"
	StateGenerating   State = "generating"
	StateSynthesizing State = "synthesizing"
	StateStreaming    State = "streaming"
	StateDone         State = "done"
	StateInterrupted  State = "interrupted"
	StateErrored      State = "errored"
)

// Terminal reports whether no further transitions follow s.
func (s State) Terminal() bool {
	return s == StateDone || s == StateInterrupted || s == StateErrored
}

// CueKind identifies a filler cue.
type CueKind string

const (
	CueAcknowledgment CueKind = "acknowledgment"
	CueThinking       CueKind = "thinking"
	CuePartial        CueKind = "partial"
)

// EventType distinguishes state transitions from cues.
type EventType string

const (
	EventState EventType = "state"
	EventCue   EventType = "cue"
)

// Event is reported to the Emitter for every transition and cue.
type Event struct {
	Type           EventType `json:"type"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	State          State     `json:"state,omitempty"`
	Cue            CueKind   `json:"cue,omitempty"`
	Text           string    `json:"text,omitempty"`
	Error          string    `json:"error,omitempty"`
	Terminal       bool      `json:"terminal,omitempty"`
	Time           time.Time `json:"time"`
}

// Emitter receives the audio and events of one cycle. Calls for a cycle are
// serialized, so implementations need not be safe for concurrent use by the
// same cycle.
type Emitter interface {
	EmitAudio(chunk []byte) error
	EmitEvent(evt Event)
}

// EmitterFuncs adapts plain functions to Emitter. Nil fields are ignored.
type EmitterFuncs struct {
	Audio func(chunk []byte) error
	Event func(evt Event)
}

// EmitAudio calls f.Audio.
func (f EmitterFuncs) EmitAudio(chunk []byte) error {
	if f.Audio == nil {
		return nil
	}
	return f.Audio(chunk)
}

// EmitEvent calls f.Event.
func (f EmitterFuncs) EmitEvent(evt Event) {
	if f.Event != nil {
		f.Event(evt)
	}
}
