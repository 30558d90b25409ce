package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nadzzz/parley/internal/voice"
)

// session is the transient state of one response cycle.
type session struct {
	id             string
	conversationID string
	voice          voice.Profile
	started        time.Time
	log            *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	em     Emitter

	// generating is true while the reply text is pending.
	generating atomic.Bool

	// emitMu serializes every call into the Emitter.
	emitMu     sync.Mutex
	cuesOpen   bool
	firstAudio time.Time

	// cues tracks cue goroutines.
	cues sync.WaitGroup

	mu                sync.Mutex
	state             State
	terminal          bool
	interrupted       bool
	assistantAppended bool
	marked            bool
}

func (s *session) event(evt Event) Event {
	evt.SessionID = s.id
	evt.ConversationID = s.conversationID
	evt.Time = time.Now()
	return evt
}

// transition records and reports a non-terminal state. Terminal states are
// reported only by finish.
func (s *session) transition(to State) {
	s.mu.Lock()
	if s.terminal || to.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.mu.Unlock()

	s.log.Debug("cycle state", "state", string(to))

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.ctx.Err() != nil {
		return
	}
	s.em.EmitEvent(s.event(Event{Type: EventState, State: to}))
}

// emitResponse forwards real response audio. The first chunk closes the cue
// window so no filler can play over the answer.
func (s *session) emitResponse(chunk []byte) error {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return err
	}
	s.cuesOpen = false
	if s.firstAudio.IsZero() {
		s.firstAudio = time.Now()
	}
	return s.em.EmitAudio(chunk)
}

// emitCue plays cue audio when the cue window is still open. When
// whileGenerating is set the cue is also dropped once the reply text is in.
func (s *session) emitCue(kind CueKind, phrase string, audio []byte, whileGenerating bool) bool {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.ctx.Err() != nil || !s.cuesOpen {
		return false
	}
	if whileGenerating && !s.generating.Load() {
		return false
	}
	if err := s.em.EmitAudio(audio); err != nil {
		s.log.Warn("cue emission failed", "cue", string(kind), "error", err)
		return false
	}
	s.em.EmitEvent(s.event(Event{Type: EventCue, Cue: kind, Text: phrase}))
	return true
}

func (s *session) openCues() {
	s.emitMu.Lock()
	s.cuesOpen = true
	s.emitMu.Unlock()
}

func (s *session) closeCues() {
	s.emitMu.Lock()
	s.cuesOpen = false
	s.emitMu.Unlock()
}

// wait sleeps for d or until the cycle ends. It reports whether d elapsed.
func (s *session) wait(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) isInterrupted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interrupted || s.ctx.Err() != nil
}

func (s *session) firstAudioLatency() time.Duration {
	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	if s.firstAudio.IsZero() {
		return 0
	}
	return s.firstAudio.Sub(s.started)
}
