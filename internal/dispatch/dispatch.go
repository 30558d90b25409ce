// Package dispatch implements the call controller.
//
// The dispatcher receives utterances from transports, transcribes recordings
// when needed, resolves the voice profile, restores archived conversations
// and hands the turn to the orchestrator. A conversation has at most one
// cycle in flight: a new utterance interrupts the previous one (barge-in).
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/nadzzz/parley/internal/audiocache"
	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/orchestrator"
	"github.com/nadzzz/parley/internal/transport"
	"github.com/nadzzz/parley/internal/voice"
)

// DependencySTT is the breaker name guarding transcription.
const DependencySTT = "stt"

var (
	// ErrInvalidUtterance wraps request validation failures.
	ErrInvalidUtterance = errors.New("invalid utterance")

	// ErrUnknownVoice is returned for a voice id that is not configured.
	ErrUnknownVoice = errors.New("unknown voice profile")
)

var _ transport.Handler = (*Dispatcher)(nil)

// Options are the dispatcher's collaborators besides the orchestrator.
type Options struct {
	Breakers *breaker.Registry
	Memory   *memory.Store

	// Transcriber handles recorded utterances. Nil rejects audio input.
	Transcriber generator.Transcriber

	// Voices are the configured profiles by id.
	Voices map[string]voice.Profile
}

// Dispatcher is the call controller.
type Dispatcher struct {
	orch        *orchestrator.Orchestrator
	breakers    *breaker.Registry
	memory      *memory.Store
	transcriber generator.Transcriber
	voices      map[string]voice.Profile

	mu     sync.Mutex
	active map[string]string // conversation id -> session id
}

// New creates a Dispatcher.
func New(orch *orchestrator.Orchestrator, opts Options) *Dispatcher {
	return &Dispatcher{
		orch:        orch,
		breakers:    opts.Breakers,
		memory:      opts.Memory,
		transcriber: opts.Transcriber,
		voices:      opts.Voices,
		active:      make(map[string]string),
	}
}

// Handle processes a single utterance through the full pipeline. Cycle
// failures are reported in the result; the error is reserved for requests
// that could not start a cycle.
func (d *Dispatcher) Handle(ctx context.Context, u *message.Utterance, em orchestrator.Emitter) (*message.CycleResult, error) {
	if err := u.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUtterance, err)
	}
	profile, err := d.resolveVoice(u.VoiceID)
	if err != nil {
		return nil, err
	}
	fallback, err := fallbackPolicy(u.Fallback)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidUtterance, err)
	}
	if u.SessionID == "" {
		u.SessionID = uuid.NewString()
	}

	logger := slog.With("session_id", u.SessionID, "conversation_id", u.ConversationID)
	result := &message.CycleResult{
		SessionID:      u.SessionID,
		ConversationID: u.ConversationID,
	}

	// Step 1: Transcribe audio when no text was supplied.
	text := strings.TrimSpace(u.Text)
	if text == "" {
		tr, err := d.transcribe(ctx, u, profile)
		if err != nil {
			result.State = string(orchestrator.StateErrored)
			result.Error = fmt.Sprintf("transcription failed: %v", err)
			logger.Error("transcription failed", "error", err)
			return result, nil
		}
		text = strings.TrimSpace(tr.Text)
		result.Transcript = text
		result.Language = tr.Language
		if text == "" {
			result.State = string(orchestrator.StateDone)
			logger.Info("transcription produced no speech, nothing to answer")
			return result, nil
		}
		logger.Info("transcription complete", "text_length", len(text), "language", tr.Language)
	}

	// Step 2: Bring back an archived conversation before the turn is added.
	d.ensureConversation(ctx, u.ConversationID, logger)

	// Step 3: Barge-in on the conversation's previous cycle.
	prev, err := d.claim(u.ConversationID, u.SessionID)
	if err != nil {
		return nil, err
	}
	defer d.release(u.ConversationID, u.SessionID)
	if prev != "" && d.orch.Interrupt(prev) {
		logger.Info("barge-in interrupted previous cycle", "interrupted_session", prev)
	}

	// Step 4: Run the response cycle.
	res, err := d.orch.ProcessUtterance(ctx, orchestrator.Request{
		ConversationID: u.ConversationID,
		SessionID:      u.SessionID,
		Text:           text,
		Voice:          profile,
		Fallback:       fallback,
		Options: orchestrator.Options{
			DisableCues: u.DisableCues,
			SkipCache:   u.SkipCache,
		},
	}, em)
	if res == nil {
		return nil, err
	}

	result.ResponseText = res.ResponseText
	result.WasCached = res.WasCached
	result.WasInterrupted = res.WasInterrupted
	result.LatencyMs = res.LatencyMs
	result.FirstAudioMs = res.FirstAudioMs
	result.State = string(res.State)
	result.Error = res.Err
	return result, nil
}

// Interrupt stops a running cycle.
func (d *Dispatcher) Interrupt(sessionID string) bool {
	return d.orch.Interrupt(sessionID)
}

// InterruptConversation stops the cycle the conversation has in flight.
func (d *Dispatcher) InterruptConversation(conversationID string) bool {
	d.mu.Lock()
	sid, ok := d.active[conversationID]
	d.mu.Unlock()
	return ok && d.orch.Interrupt(sid)
}

// CacheStats returns response cache statistics.
func (d *Dispatcher) CacheStats() audiocache.Stats {
	return d.orch.CacheStats()
}

// CircuitStats returns the named breaker's statistics.
func (d *Dispatcher) CircuitStats(name string) breaker.Stats {
	return d.orch.CircuitStats(name)
}

// CircuitNames lists the breakers created so far.
func (d *Dispatcher) CircuitNames() []string {
	if d.breakers == nil {
		return nil
	}
	return d.breakers.Names()
}

// Conversation returns the conversation, restoring it from the archive if
// it has expired from memory.
func (d *Dispatcher) Conversation(ctx context.Context, id string) (*memory.Conversation, error) {
	if d.memory == nil {
		return d.orch.Conversation(id)
	}
	return d.memory.Restore(ctx, id)
}

func (d *Dispatcher) resolveVoice(id string) (voice.Profile, error) {
	if id == "" {
		if p, ok := d.voices["default"]; ok {
			return p, nil
		}
		return voice.Default(), nil
	}
	p, ok := d.voices[id]
	if !ok {
		return voice.Profile{}, fmt.Errorf("%w: %s", ErrUnknownVoice, id)
	}
	return p, nil
}

func (d *Dispatcher) transcribe(ctx context.Context, u *message.Utterance, profile voice.Profile) (*generator.Transcription, error) {
	if d.transcriber == nil {
		return nil, errors.New("no transcriber configured for audio input")
	}
	lang := u.Language
	if lang == "" {
		lang = profile.Language
	}
	opts := generator.TranscribeOptions{Language: lang}
	fn := func(ctx context.Context) (*generator.Transcription, error) {
		return d.transcriber.Transcribe(ctx, u.Audio, u.ContentType, opts)
	}
	if d.breakers == nil {
		return fn(ctx)
	}
	return breaker.Execute(ctx, d.breakers, DependencySTT, fn, nil)
}

func (d *Dispatcher) ensureConversation(ctx context.Context, id string, logger *slog.Logger) {
	if d.memory == nil {
		return
	}
	if _, err := d.memory.Restore(ctx, id); err != nil && !errors.Is(err, memory.ErrConversationNotFound) {
		logger.Warn("conversation restore failed, starting fresh", "error", err)
	}
}

// claim records sessionID as the conversation's active cycle and returns
// the one it replaces.
func (d *Dispatcher) claim(conversationID, sessionID string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.active[conversationID]
	if prev == sessionID {
		return "", fmt.Errorf("%w: %s", orchestrator.ErrDuplicateSession, sessionID)
	}
	d.active[conversationID] = sessionID
	return prev, nil
}

func (d *Dispatcher) release(conversationID, sessionID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[conversationID] == sessionID {
		delete(d.active, conversationID)
	}
}

func fallbackPolicy(f *message.Fallback) (voice.FallbackPolicy, error) {
	switch {
	case f == nil:
		return voice.NoFallback(), nil
	case len(f.Audio) > 0:
		return voice.AudioFallback(f.Audio)
	case f.Phrase != "":
		return voice.PhraseFallback(f.Phrase)
	default:
		return voice.NoFallback(), nil
	}
}
