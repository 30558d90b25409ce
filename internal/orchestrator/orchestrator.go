// Package orchestrator runs the response cycle for a caller utterance.
//
// A cycle first looks for a cached rendering of the reply. On a miss it
// starts text generation and, while waiting, plays short filler cues
// (acknowledgment, thinking, partial response) so the line never goes quiet.
// The reply is synthesized with streaming where the backend supports it and
// each chunk is forwarded as it arrives. Short replies are cached
// afterwards. A cycle can be interrupted at any point by barge-in.
package orchestrator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/nadzzz/parley/internal/audiocache"
	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/emotion"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/tts"
	"github.com/nadzzz/parley/internal/voice"
)

// Breaker names for the wrapped dependencies.
const (
	DependencyLLM = "llm"
	DependencyTTS = "tts"
)

var (
	// ErrGeneration marks cycles that could not produce reply text.
	ErrGeneration = errors.New("response generation failed")

	// ErrSynthesis marks cycles whose reply could not be rendered to audio.
	ErrSynthesis = errors.New("speech synthesis failed")

	// ErrDuplicateSession is returned when a session id is already in flight.
	ErrDuplicateSession = errors.New("session already active")
)

// Config holds the cycle timings and phrases.
type Config struct {
	AckDelay             time.Duration
	AckMinChars          int
	ThinkingInterval     time.Duration
	MaxThinkingCues      int
	PartialResponseDelay time.Duration
	CacheMaxChars        int

	// FallbackPhrase is spoken when generation fails. Empty disables it.
	FallbackPhrase string

	AckPhrases      []string
	ThinkingPhrases []string
	PartialPhrases  []string

	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

// DefaultConfig returns the standard cycle timings.
func DefaultConfig() Config {
	return Config{
		AckDelay:             800 * time.Millisecond,
		AckMinChars:          10,
		ThinkingInterval:     1500 * time.Millisecond,
		MaxThinkingCues:      2,
		PartialResponseDelay: 3 * time.Second,
		CacheMaxChars:        100,
		FallbackPhrase:       "I'm sorry, could you give me a moment and say that again?",
		AckPhrases:           []string{"Okay.", "Got it.", "Sure."},
		ThinkingPhrases:      []string{"Hmm.", "Let me see."},
		PartialPhrases:       []string{"Let me pull that up for you, one moment."},
	}
}

// Validate reports impossible settings.
func (c Config) Validate() error {
	switch {
	case c.AckDelay < 0, c.ThinkingInterval < 0, c.PartialResponseDelay < 0:
		return errors.New("cue delays must not be negative")
	case c.MaxThinkingCues < 0:
		return errors.New("max_thinking_cues must not be negative")
	case c.CacheMaxChars < 0:
		return errors.New("cache_max_chars must not be negative")
	}
	return nil
}

// Options tweak a single request.
type Options struct {
	DisableCues bool `json:"disable_cues,omitempty"`
	SkipCache   bool `json:"skip_cache,omitempty"`
}

// Request is one caller utterance.
type Request struct {
	ConversationID string
	SessionID      string
	Text           string
	Voice          voice.Profile
	Fallback       voice.FallbackPolicy
	Options        Options
}

// Result summarizes a finished cycle.
type Result struct {
	SessionID      string `json:"session_id"`
	ConversationID string `json:"conversation_id"`
	ResponseText   string `json:"response_text"`
	WasCached      bool   `json:"was_cached"`
	WasInterrupted bool   `json:"was_interrupted"`
	LatencyMs      int64  `json:"latency_ms"`
	FirstAudioMs   int64  `json:"first_audio_ms,omitempty"`
	State          State  `json:"state"`
	Err            string `json:"error,omitempty"`
}

// Orchestrator runs response cycles. It is safe for concurrent use; cycles
// of different conversations run independently.
type Orchestrator struct {
	cfg       Config
	cache     *audiocache.Cache
	breakers  *breaker.Registry
	memory    *memory.Store
	generator generator.Generator
	synth     tts.Synthesizer
	detector  emotion.Detector

	flight singleflight.Group
	bg     sync.WaitGroup

	mu       sync.Mutex
	sessions map[string]*session
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Cache     *audiocache.Cache
	Breakers  *breaker.Registry
	Memory    *memory.Store
	Generator generator.Generator
	Synth     tts.Synthesizer

	// Detector tags user turns with an emotion. Defaults to the keyword detector.
	Detector emotion.Detector
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Cache == nil || deps.Breakers == nil || deps.Memory == nil || deps.Generator == nil || deps.Synth == nil {
		return nil, errors.New("orchestrator: cache, breakers, memory, generator and synthesizer are required")
	}
	if deps.Detector == nil {
		deps.Detector = emotion.NewKeywordDetector()
	}
	return &Orchestrator{
		cfg:       cfg,
		cache:     deps.Cache,
		breakers:  deps.Breakers,
		memory:    deps.Memory,
		generator: deps.Generator,
		synth:     deps.Synth,
		detector:  deps.Detector,
		sessions:  make(map[string]*session),
	}, nil
}

// responseKey is the cache key of the reply to text in the given voice.
func responseKey(profile voice.Profile, text string) string {
	return audiocache.Key(profile.ID, text)
}

// cueKey keeps filler audio apart from replies to identical caller text.
func cueKey(profile voice.Profile, phrase string) string {
	return audiocache.Key(profile.ID+"/cue", phrase)
}

// ProcessUtterance runs one response cycle and blocks until it ends.
//
// Interruption, whether through Interrupt or cancellation of ctx, ends the
// cycle in StateInterrupted without an error. Errored cycles return both the
// result and an error wrapping ErrGeneration or ErrSynthesis.
func (o *Orchestrator) ProcessUtterance(ctx context.Context, req Request, em Emitter) (*Result, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, errors.New("utterance text is empty")
	}
	if req.ConversationID == "" {
		return nil, errors.New("conversation id is required")
	}
	profile := req.Voice
	if profile.ID == "" {
		profile = voice.Default()
	}
	if err := profile.Validate(); err != nil {
		return nil, err
	}
	if em == nil {
		em = EmitterFuncs{}
	}

	sessionID := req.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	cycleCtx, cancel := context.WithCancel(ctx)
	s := &session{
		id:             sessionID,
		conversationID: req.ConversationID,
		voice:          profile,
		started:        time.Now(),
		log:            slog.With("session_id", sessionID, "conversation_id", req.ConversationID),
		ctx:            cycleCtx,
		cancel:         cancel,
		em:             em,
	}
	defer cancel()

	if err := o.register(s); err != nil {
		return nil, err
	}
	defer o.unregister(s)

	s.transition(StateStart)
	o.recordUser(s, text)

	s.transition(StateCacheCheck)
	key := responseKey(profile, text)
	if !req.Options.SkipCache {
		// Audio stored without its reply text cannot be recorded as the
		// assistant turn, so it does not count as a hit.
		if entry, ok := o.cache.Lookup(key); ok && entry.Text != "" {
			return o.serveCached(s, entry)
		}
	}
	s.transition(StateCacheMiss)

	s.generating.Store(true)
	if !req.Options.DisableCues {
		s.openCues()
		o.scheduleCues(s, text)
	}

	s.transition(StateGenerating)
	reply, genErr := o.generate(s)
	s.generating.CompareAndSwap(true, false)
	if s.isInterrupted() {
		return o.finish(s, StateInterrupted, "", false, nil)
	}

	fromFallback := false
	if genErr != nil {
		if o.cfg.FallbackPhrase == "" {
			return o.finish(s, StateErrored, "", false, fmt.Errorf("%w: %w", ErrGeneration, genErr))
		}
		s.log.Warn("generation failed, speaking fallback phrase", "error", genErr)
		reply = o.cfg.FallbackPhrase
		fromFallback = true
	}

	o.recordAssistant(s, reply)

	s.transition(StateSynthesizing)
	audio, synthErr := o.synthesize(s, reply)
	if s.isInterrupted() {
		return o.finish(s, StateInterrupted, reply, false, nil)
	}
	if synthErr != nil {
		if err := o.playFallback(s, req.Fallback); err != nil {
			return o.finish(s, StateErrored, reply, false, fmt.Errorf("%w: %w", ErrSynthesis, synthErr))
		}
		s.log.Warn("synthesis failed, played fallback", "fallback", req.Fallback.Kind().String(), "error", synthErr)
		return o.finish(s, StateDone, reply, false, nil)
	}

	if !fromFallback && o.cfg.CacheMaxChars > 0 && utf8.RuneCountInString(reply) < o.cfg.CacheMaxChars {
		o.populate(key, audio, reply)
	}
	return o.finish(s, StateDone, reply, false, nil)
}

// Interrupt cancels the session's cycle. It reports whether a running cycle
// was interrupted; completed, already interrupted and unknown sessions are a
// no-op.
func (o *Orchestrator) Interrupt(sessionID string) bool {
	o.mu.Lock()
	s, ok := o.sessions[sessionID]
	o.mu.Unlock()
	if !ok {
		return false
	}

	s.mu.Lock()
	if s.terminal || s.interrupted {
		s.mu.Unlock()
		return false
	}
	s.interrupted = true
	s.mu.Unlock()

	s.cancel()
	o.markInterrupted(s)
	s.log.Info("cycle interrupted")
	return true
}

// CacheStats returns response cache statistics.
func (o *Orchestrator) CacheStats() audiocache.Stats {
	return o.cache.Stats()
}

// CircuitStats returns the named breaker's statistics.
func (o *Orchestrator) CircuitStats(name string) breaker.Stats {
	return o.breakers.Stats(name)
}

// Conversation returns a copy of the conversation.
func (o *Orchestrator) Conversation(id string) (*memory.Conversation, error) {
	return o.memory.Get(id)
}

// ActiveSessions returns the ids of cycles in flight.
func (o *Orchestrator) ActiveSessions() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	ids := make([]string, 0, len(o.sessions))
	for id := range o.sessions {
		ids = append(ids, id)
	}
	return ids
}

// Close waits for background cache population to finish.
func (o *Orchestrator) Close() {
	o.bg.Wait()
}

func (o *Orchestrator) register(s *session) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if _, ok := o.sessions[s.id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateSession, s.id)
	}
	o.sessions[s.id] = s
	metrics.ActiveSessions.Set(float64(len(o.sessions)))
	return nil
}

func (o *Orchestrator) unregister(s *session) {
	o.mu.Lock()
	delete(o.sessions, s.id)
	metrics.ActiveSessions.Set(float64(len(o.sessions)))
	o.mu.Unlock()
}

func (o *Orchestrator) serveCached(s *session, entry audiocache.Entry) (*Result, error) {
	s.transition(StateCacheHit)

	reply := entry.Text
	o.recordAssistant(s, reply)

	if err := s.emitResponse(entry.Payload); err != nil {
		if s.isInterrupted() {
			return o.finish(s, StateInterrupted, reply, true, nil)
		}
		return o.finish(s, StateErrored, reply, true, fmt.Errorf("%w: emitting cached audio: %w", ErrSynthesis, err))
	}
	return o.finish(s, StateDone, reply, true, nil)
}

func (o *Orchestrator) generate(s *session) (string, error) {
	conv, err := o.memory.Get(s.conversationID)
	if err != nil {
		s.log.Warn("conversation unavailable for generation", "error", err)
		conv = &memory.Conversation{ID: s.conversationID}
	}
	opts := generator.Options{
		SystemPrompt: o.cfg.SystemPrompt,
		StyleHint:    s.voice.PromptHint(),
		Temperature:  o.cfg.Temperature,
		MaxTokens:    o.cfg.MaxTokens,
	}
	return breaker.Execute(s.ctx, o.breakers, DependencyLLM, func(ctx context.Context) (string, error) {
		return o.generator.Generate(ctx, conv, opts)
	}, nil)
}

// synthesize renders reply and forwards it to the caller, streaming when the
// backend allows. It returns the complete audio for caching.
func (o *Orchestrator) synthesize(s *session, reply string) ([]byte, error) {
	opts := tts.Options{Language: s.voice.Language, Voice: s.voice.Voice, Format: tts.FormatPCM}

	if ss, ok := o.synth.(tts.StreamSynthesizer); ok {
		audio, streamed, err := o.stream(s, ss, reply, opts)
		if streamed || err != nil {
			return audio, err
		}
	}

	res, err := breaker.Execute(s.ctx, o.breakers, DependencyTTS, func(ctx context.Context) (*tts.Result, error) {
		return o.synth.Synthesize(ctx, reply, opts)
	}, nil)
	if err != nil {
		return nil, err
	}
	s.transition(StateStreaming)
	if err := s.emitResponse(res.Audio); err != nil {
		return nil, err
	}
	return res.Audio, nil
}

// stream runs streaming synthesis. streamed is false when the backend turned
// out not to support streaming.
func (o *Orchestrator) stream(s *session, ss tts.StreamSynthesizer, reply string, opts tts.Options) (audio []byte, streamed bool, err error) {
	var (
		mu      sync.Mutex
		buf     bytes.Buffer
		closed  bool
		chunks  int
		emitErr error
	)
	streamed, err = breaker.Execute(s.ctx, o.breakers, DependencyTTS, func(ctx context.Context) (bool, error) {
		err := ss.SynthesizeStream(ctx, reply, opts, func(chunk []byte) error {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return context.Canceled
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			if chunks == 0 {
				s.transition(StateStreaming)
			}
			chunks++
			buf.Write(chunk)
			if err := s.emitResponse(chunk); err != nil {
				emitErr = err
				return err
			}
			return nil
		})
		if errors.Is(err, tts.ErrStreamingUnsupported) {
			return false, nil
		}
		mu.Lock()
		defer mu.Unlock()
		if emitErr != nil {
			// The caller side failed; the synthesizer itself was healthy.
			return true, nil
		}
		return true, err
	}, nil)

	mu.Lock()
	defer mu.Unlock()
	closed = true
	if emitErr != nil {
		return nil, true, emitErr
	}
	if err == nil && streamed && chunks == 0 {
		err = errors.New("synthesis produced no audio")
	}
	return bytes.Clone(buf.Bytes()), streamed, err
}

// playFallback applies the request's fallback policy after a synthesis failure.
func (o *Orchestrator) playFallback(s *session, policy voice.FallbackPolicy) error {
	switch policy.Kind() {
	case voice.FallbackAudio:
		return s.emitResponse(policy.Audio())
	case voice.FallbackPhrase:
		audio, err := o.cueAudio(s, policy.Phrase())
		if err != nil {
			return err
		}
		return s.emitResponse(audio)
	default:
		return errors.New("no fallback configured")
	}
}

// populate caches a short reply in the background. Concurrent cycles that
// produced the same reply store it once.
func (o *Orchestrator) populate(key string, audio []byte, reply string) {
	o.bg.Add(1)
	go func() {
		defer o.bg.Done()
		_, _, _ = o.flight.Do(key, func() (any, error) {
			if err := o.cache.SetEntry(key, audiocache.Entry{Payload: audio, Text: reply}); err != nil {
				slog.Debug("response not cached", "key", key, "error", err)
				return nil, err
			}
			return nil, nil
		})
	}()
}

func (o *Orchestrator) recordUser(s *session, text string) {
	det, err := o.detector.Detect(s.ctx, text)
	if err != nil {
		s.log.Debug("emotion detection failed", "error", err)
		det = emotion.Fallback
	}
	msg := memory.Message{
		Role:    memory.RoleUser,
		Content: text,
		Metadata: map[string]any{
			memory.MetaEmotion:    string(det.Emotion),
			memory.MetaConfidence: det.Confidence,
		},
	}
	if _, err := o.memory.AddMessage(s.conversationID, msg); err != nil {
		if !errors.Is(err, memory.ErrConversationNotFound) {
			s.log.Warn("recording user turn failed", "error", err)
			return
		}
		o.memory.Create(&memory.Conversation{ID: s.conversationID})
		if _, err := o.memory.AddMessage(s.conversationID, msg); err != nil {
			s.log.Warn("recording user turn failed", "error", err)
		}
	}
}

// recordAssistant appends the reply unless the cycle was already interrupted.
func (o *Orchestrator) recordAssistant(s *session, reply string) {
	if reply == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.interrupted || s.assistantAppended {
		return
	}
	msg := memory.Message{Role: memory.RoleAssistant, Content: reply}
	if _, err := o.memory.AddMessage(s.conversationID, msg); err != nil {
		s.log.Warn("recording assistant turn failed", "error", err)
		return
	}
	s.assistantAppended = true
}

func (o *Orchestrator) markInterrupted(s *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.assistantAppended || s.marked {
		return
	}
	s.marked = true
	o.memory.MarkLastAssistantInterrupted(s.conversationID)
}

// finish ends the cycle once: it closes cues, waits for them, and reports
// the terminal event.
func (o *Orchestrator) finish(s *session, state State, reply string, cached bool, cause error) (*Result, error) {
	s.mu.Lock()
	if state == StateInterrupted {
		s.interrupted = true
	}
	s.terminal = true
	s.state = state
	s.mu.Unlock()

	if state == StateInterrupted {
		o.markInterrupted(s)
	}

	s.closeCues()
	s.cancel()
	s.cues.Wait()

	elapsed := time.Since(s.started)
	res := &Result{
		SessionID:      s.id,
		ConversationID: s.conversationID,
		ResponseText:   reply,
		WasCached:      cached,
		WasInterrupted: state == StateInterrupted,
		LatencyMs:      elapsed.Milliseconds(),
		FirstAudioMs:   s.firstAudioLatency().Milliseconds(),
		State:          state,
	}
	evt := Event{Type: EventState, State: state, Terminal: true}
	if state == StateDone {
		evt.Text = reply
	}
	if cause != nil {
		res.Err = cause.Error()
		evt.Error = cause.Error()
	}

	s.emitMu.Lock()
	s.em.EmitEvent(s.event(evt))
	s.emitMu.Unlock()

	cachedLabel := strconv.FormatBool(cached)
	metrics.CyclesTotal.WithLabelValues(string(state), cachedLabel).Inc()
	metrics.CycleDuration.WithLabelValues(cachedLabel).Observe(elapsed.Seconds())
	if first := s.firstAudioLatency(); first > 0 {
		metrics.FirstAudioLatency.Observe(first.Seconds())
	}

	switch state {
	case StateErrored:
		s.log.Error("cycle failed", "error", cause, "latency_ms", res.LatencyMs)
	default:
		s.log.Info("cycle finished", "state", string(state), "cached", cached, "latency_ms", res.LatencyMs, "first_audio_ms", res.FirstAudioMs)
	}
	return res, cause
}
