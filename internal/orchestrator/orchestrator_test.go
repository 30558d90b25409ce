package orchestrator

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/parley/internal/audiocache"
	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/tts"
	"github.com/nadzzz/parley/internal/voice"
)

// --- fakes ---

type fakeGenerator struct {
	delay time.Duration
	reply string
	err   error
	calls atomic.Int32

	// slow overrides delay per conversation id.
	slow map[string]time.Duration

	mu   sync.Mutex
	seen *memory.Conversation
}

func (g *fakeGenerator) Name() string { return "fake" }

func (g *fakeGenerator) Generate(ctx context.Context, conv *memory.Conversation, _ generator.Options) (string, error) {
	g.calls.Add(1)
	g.mu.Lock()
	g.seen = conv
	g.mu.Unlock()
	delay := g.delay
	if d, ok := g.slow[conv.ID]; ok {
		delay = d
	}
	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if g.err != nil {
		return "", g.err
	}
	return g.reply, nil
}

func (g *fakeGenerator) Close() error { return nil }

// fakeSynth renders text as "tts:<text>". Streaming splits that payload into
// parts chunks.
type fakeSynth struct {
	parts        int
	chunkDelay   time.Duration
	renderDelay  time.Duration
	failStream   error
	failBuffered error

	streamCalls   atomic.Int32
	bufferedCalls atomic.Int32
}

func (f *fakeSynth) Synthesize(ctx context.Context, text string, _ tts.Options) (*tts.Result, error) {
	f.bufferedCalls.Add(1)
	if f.renderDelay > 0 {
		select {
		case <-time.After(f.renderDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failBuffered != nil {
		return nil, f.failBuffered
	}
	return &tts.Result{Audio: []byte("tts:" + text), SampleRate: 16000, Channels: 1}, nil
}

func (f *fakeSynth) SynthesizeStream(ctx context.Context, text string, _ tts.Options, onChunk func([]byte) error) error {
	f.streamCalls.Add(1)
	if f.failStream != nil {
		return f.failStream
	}
	for _, part := range split("tts:"+text, max(f.parts, 1)) {
		if f.chunkDelay > 0 {
			select {
			case <-time.After(f.chunkDelay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err := onChunk([]byte(part)); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeSynth) Close() error { return nil }

// bufferedSynth hides the streaming method.
type bufferedSynth struct{ f *fakeSynth }

func (b bufferedSynth) Synthesize(ctx context.Context, text string, opts tts.Options) (*tts.Result, error) {
	return b.f.Synthesize(ctx, text, opts)
}

func (b bufferedSynth) Close() error { return nil }

func split(s string, n int) []string {
	size := (len(s) + n - 1) / n
	var out []string
	for len(s) > 0 {
		k := min(size, len(s))
		out = append(out, s[:k])
		s = s[k:]
	}
	return out
}

type recorder struct {
	mu     sync.Mutex
	audio  []string
	events []Event
}

func (r *recorder) EmitAudio(chunk []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.audio = append(r.audio, string(chunk))
	return nil
}

func (r *recorder) EmitEvent(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *recorder) Audio() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.audio...)
}

func (r *recorder) Cues() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == EventCue {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) States() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []State
	for _, e := range r.events {
		if e.Type == EventState {
			out = append(out, e.State)
		}
	}
	return out
}

func (r *recorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.events[len(r.events)-1]
}

// --- harness ---

type harness struct {
	orch  *Orchestrator
	gen   *fakeGenerator
	synth *fakeSynth
	mem   *memory.Store
	cache *audiocache.Cache
}

func quietConfig() Config {
	cfg := DefaultConfig()
	cfg.AckPhrases = []string{"Okay."}
	cfg.ThinkingPhrases = []string{"Hmm."}
	cfg.PartialPhrases = []string{"One moment please."}
	cfg.FallbackPhrase = "Sorry, say that again?"
	return cfg
}

func newHarness(t *testing.T, cfg Config, gen *fakeGenerator, synth tts.Synthesizer, settings breaker.Settings) *harness {
	t.Helper()
	cache := audiocache.New(audiocache.Config{CapacityBytes: 1 << 20, TTL: time.Hour})
	mem := memory.New(memory.Config{WindowSize: 20}, nil)
	o, err := New(cfg, Deps{
		Cache:     cache,
		Breakers:  breaker.NewRegistry(settings, nil),
		Memory:    mem,
		Generator: gen,
		Synth:     synth,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		o.Close()
		cache.Close()
		mem.Close()
	})
	h := &harness{orch: o, gen: gen, mem: mem, cache: cache}
	if fs, ok := synth.(*fakeSynth); ok {
		h.synth = fs
	}
	return h
}

func request(conv, text string) Request {
	return Request{
		ConversationID: conv,
		Text:           text,
		Voice:          voice.Profile{ID: "agent-en"},
	}
}

// --- tests ---

func TestPricingScenario(t *testing.T) {
	cfg := quietConfig()
	gen := &fakeGenerator{delay: 1200 * time.Millisecond, reply: "Our starter plan is $29 per month."}
	synth := &fakeSynth{parts: 3}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	rec := &recorder{}
	start := time.Now()
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-1", "Tell me about pricing"), rec)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.False(t, res.WasCached)
	assert.False(t, res.WasInterrupted)
	assert.Equal(t, "Our starter plan is $29 per month.", res.ResponseText)
	assert.GreaterOrEqual(t, res.LatencyMs, int64(1200))

	cues := rec.Cues()
	require.Len(t, cues, 1)
	assert.Equal(t, CueAcknowledgment, cues[0].Cue)
	assert.GreaterOrEqual(t, cues[0].Time.Sub(start), 800*time.Millisecond)
	assert.Less(t, cues[0].Time.Sub(start), 1200*time.Millisecond)

	audio := rec.Audio()
	require.Len(t, audio, 4)
	assert.Equal(t, "tts:Okay.", audio[0])
	assert.Equal(t, "tts:"+res.ResponseText, strings.Join(audio[1:], ""))

	conv, err := h.orch.Conversation("call-1")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, memory.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "Tell me about pricing", conv.Messages[0].Content)
	assert.NotEmpty(t, conv.Messages[0].Metadata[memory.MetaEmotion])
	assert.Equal(t, memory.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, res.ResponseText, conv.Messages[1].Content)

	h.orch.bg.Wait()
	assert.True(t, h.cache.Has(responseKey(voice.Profile{ID: "agent-en"}, "tell me about pricing")))
}

func TestRepeatPhraseServedFromCache(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "We're open nine to five."}
	synth := &fakeSynth{parts: 2}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	first := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-2", "What are your hours?"), first)
	require.NoError(t, err)
	require.False(t, res.WasCached)
	h.orch.bg.Wait()

	second := &recorder{}
	res, err = h.orch.ProcessUtterance(context.Background(), request("call-2", "what are your hours"), second)
	require.NoError(t, err)

	assert.True(t, res.WasCached)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "We're open nine to five.", res.ResponseText)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.Equal(t, int32(1), synth.streamCalls.Load())
	assert.Equal(t, []string{strings.Join(first.Audio(), "")}, second.Audio())
	assert.Contains(t, second.States(), StateCacheHit)
	assert.NotContains(t, second.States(), StateGenerating)

	conv, err := h.mem.Get("call-2")
	require.NoError(t, err)
	assert.Len(t, conv.Messages, 4)
	assert.Equal(t, "We're open nine to five.", conv.Messages[3].Content)
}

func TestLongReplyNotCached(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: strings.Repeat("Our enterprise plan includes a lot. ", 4)}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	for i := 0; i < 2; i++ {
		res, err := h.orch.ProcessUtterance(context.Background(), request("call-3", "Tell me about enterprise"), nil)
		require.NoError(t, err)
		assert.False(t, res.WasCached)
		h.orch.bg.Wait()
	}
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestAudioWithoutReplyTextIsGenerated(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "We ship worldwide."}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	key := responseKey(voice.Profile{ID: "agent-en"}, "Do you ship abroad?")
	require.NoError(t, h.cache.Set(key, []byte("stale audio")))

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-30", "Do you ship abroad?"), rec)
	require.NoError(t, err)

	assert.False(t, res.WasCached)
	assert.Equal(t, "We ship worldwide.", res.ResponseText)
	assert.Equal(t, int32(1), gen.calls.Load())
	assert.NotContains(t, rec.Audio(), "stale audio")

	conv, err := h.mem.Get("call-30")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "We ship worldwide.", conv.Messages[1].Content)

	h.orch.bg.Wait()
	entry, ok := h.cache.Lookup(key)
	require.True(t, ok)
	assert.Equal(t, "We ship worldwide.", entry.Text)
	assert.Equal(t, "tts:We ship worldwide.", string(entry.Payload))
}

func TestCachedReplySharedAcrossOrchestrators(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	h := newHarness(t, cfg, &fakeGenerator{reply: "Parking is free."}, &fakeSynth{}, breaker.DefaultSettings())

	_, err := h.orch.ProcessUtterance(context.Background(), request("call-31", "Is parking free?"), nil)
	require.NoError(t, err)
	h.orch.bg.Wait()

	mem := memory.New(memory.Config{WindowSize: 20}, nil)
	defer mem.Close()
	gen := &fakeGenerator{reply: "unused"}
	other, err := New(cfg, Deps{
		Cache:     h.cache,
		Breakers:  breaker.NewRegistry(breaker.DefaultSettings(), nil),
		Memory:    mem,
		Generator: gen,
		Synth:     &fakeSynth{},
	})
	require.NoError(t, err)
	defer other.Close()

	res, err := other.ProcessUtterance(context.Background(), request("call-32", "is parking free"), nil)
	require.NoError(t, err)
	assert.True(t, res.WasCached)
	assert.Equal(t, "Parking is free.", res.ResponseText)
	assert.Zero(t, gen.calls.Load())

	conv, err := mem.Get("call-32")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, memory.RoleAssistant, conv.Messages[1].Role)
	assert.Equal(t, "Parking is free.", conv.Messages[1].Content)
}

func TestCacheHitCountedOnce(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	h := newHarness(t, cfg, &fakeGenerator{reply: "Yes, we deliver."}, &fakeSynth{}, breaker.DefaultSettings())

	_, err := h.orch.ProcessUtterance(context.Background(), request("call-33", "Do you deliver?"), nil)
	require.NoError(t, err)
	h.orch.bg.Wait()

	hits := testutil.ToFloat64(metrics.CacheHits)
	statsHits := h.cache.Stats().Hits

	res, err := h.orch.ProcessUtterance(context.Background(), request("call-33", "Do you deliver?"), nil)
	require.NoError(t, err)
	require.True(t, res.WasCached)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.CacheHits)-hits)
	assert.Equal(t, int64(1), h.cache.Stats().Hits-statsHits)
}

func TestStateSequence(t *testing.T) {
	gen := &fakeGenerator{reply: "Hi there."}
	h := newHarness(t, quietConfig(), gen, &fakeSynth{parts: 2}, breaker.DefaultSettings())

	rec := &recorder{}
	req := request("call-4", "Hello")
	req.Options.DisableCues = true
	_, err := h.orch.ProcessUtterance(context.Background(), req, rec)
	require.NoError(t, err)

	assert.Equal(t, []State{
		StateStart, StateCacheCheck, StateCacheMiss, StateGenerating,
		StateSynthesizing, StateStreaming, StateDone,
	}, rec.States())
	last := rec.Last()
	assert.True(t, last.Terminal)
	assert.Equal(t, "Hi there.", last.Text)
}

func TestThinkingCuesCapped(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	cfg.ThinkingInterval = 100 * time.Millisecond
	cfg.MaxThinkingCues = 2
	cfg.PartialResponseDelay = 0
	gen := &fakeGenerator{delay: 500 * time.Millisecond, reply: "Done thinking."}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	rec := &recorder{}
	_, err := h.orch.ProcessUtterance(context.Background(), request("call-5", "Compare all your plans for me"), rec)
	require.NoError(t, err)

	cues := rec.Cues()
	require.Len(t, cues, 2)
	for _, c := range cues {
		assert.Equal(t, CueThinking, c.Cue)
	}
}

func TestPartialResponseCue(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	cfg.MaxThinkingCues = 0
	cfg.PartialResponseDelay = 150 * time.Millisecond
	gen := &fakeGenerator{delay: 400 * time.Millisecond, reply: "Here it is."}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	rec := &recorder{}
	_, err := h.orch.ProcessUtterance(context.Background(), request("call-6", "Look up my account"), rec)
	require.NoError(t, err)

	cues := rec.Cues()
	require.Len(t, cues, 1)
	assert.Equal(t, CuePartial, cues[0].Cue)
	assert.Equal(t, "One moment please.", cues[0].Text)
}

func TestNoCueAfterResponseAudioStarts(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = 150 * time.Millisecond
	cfg.ThinkingInterval = 50 * time.Millisecond
	gen := &fakeGenerator{reply: "Streaming a longer answer now."}
	synth := &fakeSynth{parts: 5, chunkDelay: 80 * time.Millisecond}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	rec := &recorder{}
	_, err := h.orch.ProcessUtterance(context.Background(), request("call-7", "Tell me everything please"), rec)
	require.NoError(t, err)

	assert.Empty(t, rec.Cues())
	assert.Equal(t, "tts:Streaming a longer answer now.", strings.Join(rec.Audio(), ""))
}

func TestNoCueAfterCompletion(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = 50 * time.Millisecond
	gen := &fakeGenerator{reply: "Quick."}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	rec := &recorder{}
	_, err := h.orch.ProcessUtterance(context.Background(), request("call-8", "Are you a real person?"), rec)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	assert.Empty(t, rec.Cues())
	assert.True(t, rec.Last().Terminal)
}

func TestInterruptDuringStreaming(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "This is a long answer that the caller will cut off midway."}
	synth := &fakeSynth{parts: 10, chunkDelay: 40 * time.Millisecond}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	rec := &recorder{}
	req := request("call-9", "Explain the contract")
	req.SessionID = "sess-9"

	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := h.orch.ProcessUtterance(context.Background(), req, rec)
		done <- outcome{res, err}
	}()

	require.Eventually(t, func() bool { return len(rec.Audio()) >= 2 }, 2*time.Second, 5*time.Millisecond)
	assert.True(t, h.orch.Interrupt("sess-9"))
	emitted := len(rec.Audio())
	assert.False(t, h.orch.Interrupt("sess-9"))

	out := <-done
	require.NoError(t, out.err)
	assert.Equal(t, StateInterrupted, out.res.State)
	assert.True(t, out.res.WasInterrupted)
	assert.LessOrEqual(t, len(rec.Audio()), emitted+1)
	assert.Less(t, len(rec.Audio()), 10)
	assert.Equal(t, StateInterrupted, rec.Last().State)

	assert.False(t, h.orch.Interrupt("sess-9"))
	assert.False(t, h.orch.Interrupt("unknown"))

	conv, err := h.mem.Get("call-9")
	require.NoError(t, err)
	last := conv.Messages[len(conv.Messages)-1]
	assert.Equal(t, memory.RoleAssistant, last.Role)
	assert.Equal(t, true, last.Metadata[memory.MetaInterrupted])

	h.orch.bg.Wait()
	assert.False(t, h.cache.Has(responseKey(voice.Profile{ID: "agent-en"}, "Explain the contract")))
}

func TestInterruptDuringGeneration(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{delay: time.Second, reply: "Too late."}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	req := request("call-10", "Hello?")
	req.SessionID = "sess-10"
	done := make(chan *Result, 1)
	go func() {
		res, _ := h.orch.ProcessUtterance(context.Background(), req, nil)
		done <- res
	}()

	require.Eventually(t, func() bool { return gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.True(t, h.orch.Interrupt("sess-10"))

	res := <-done
	assert.Equal(t, StateInterrupted, res.State)
	assert.Empty(t, res.ResponseText)

	conv, err := h.mem.Get("call-10")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, memory.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, breaker.Closed, h.orch.CircuitStats(DependencyLLM).State)
	assert.Zero(t, h.orch.CircuitStats(DependencyLLM).Failures)
}

func TestCallerCancellationInterrupts(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{delay: time.Second, reply: "x"}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	res, err := h.orch.ProcessUtterance(ctx, request("call-11", "Hang on"), nil)
	require.NoError(t, err)
	assert.Equal(t, StateInterrupted, res.State)
}

func TestGenerationFailureSpeaksFallback(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{err: errors.New("model overloaded")}
	synth := &fakeSynth{}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-12", "What's the price?"), rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, "Sorry, say that again?", res.ResponseText)
	assert.Equal(t, "tts:Sorry, say that again?", strings.Join(rec.Audio(), ""))

	h.orch.bg.Wait()
	_, _ = h.orch.ProcessUtterance(context.Background(), request("call-12", "What's the price?"), nil)
	assert.Equal(t, int32(2), gen.calls.Load())
}

func TestGenerationFailureWithoutFallbackErrors(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	cfg.FallbackPhrase = ""
	gen := &fakeGenerator{err: errors.New("model overloaded")}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-13", "Hi"), rec)
	require.ErrorIs(t, err, ErrGeneration)
	assert.Equal(t, StateErrored, res.State)
	assert.Contains(t, res.Err, "model overloaded")
	last := rec.Last()
	assert.True(t, last.Terminal)
	assert.Equal(t, StateErrored, last.State)
	assert.NotEmpty(t, last.Error)
}

func TestSynthesisFailureErrors(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "You will not hear this."}
	synth := &fakeSynth{failStream: errors.New("piper down")}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-14", "Hello"), rec)
	require.ErrorIs(t, err, ErrSynthesis)
	assert.Equal(t, StateErrored, res.State)
	assert.Contains(t, rec.Last().Error, "piper down")
	assert.Empty(t, rec.Audio())

	conv, err := h.mem.Get("call-14")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "You will not hear this.", conv.Messages[1].Content)
}

func TestSynthesisFailureAudioFallback(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "Unheard."}
	synth := &fakeSynth{failStream: errors.New("piper down")}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	fb, err := voice.AudioFallback([]byte("beep"))
	require.NoError(t, err)
	req := request("call-15", "Hello")
	req.Fallback = fb

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), req, rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"beep"}, rec.Audio())
}

func TestSynthesisFailurePhraseFallback(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "Unheard."}
	synth := &fakeSynth{failStream: errors.New("stream broke")}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	fb, err := voice.PhraseFallback("Please hold.")
	require.NoError(t, err)
	req := request("call-16", "Hello")
	req.Fallback = fb

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), req, rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"tts:Please hold."}, rec.Audio())
}

func TestBufferedSynthesizerEmitsOnce(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "Buffered reply."}
	fs := &fakeSynth{}
	h := newHarness(t, cfg, gen, bufferedSynth{fs}, breaker.DefaultSettings())

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-17", "Hi"), rec)
	require.NoError(t, err)
	assert.Equal(t, StateDone, res.State)
	assert.Equal(t, []string{"tts:Buffered reply."}, rec.Audio())
	assert.Equal(t, int32(1), fs.bufferedCalls.Load())
}

func TestOpenLLMBreakerSkipsGenerator(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	settings := breaker.DefaultSettings()
	settings.VolumeThreshold = 2
	gen := &fakeGenerator{err: errors.New("503")}
	h := newHarness(t, cfg, gen, &fakeSynth{}, settings)

	for i := 0; i < 2; i++ {
		_, err := h.orch.ProcessUtterance(context.Background(), request("call-18", "Hi"), nil)
		require.NoError(t, err)
	}
	require.Equal(t, breaker.Open, h.orch.CircuitStats(DependencyLLM).State)

	res, err := h.orch.ProcessUtterance(context.Background(), request("call-18", "Anyone there?"), nil)
	require.NoError(t, err)
	assert.Equal(t, "Sorry, say that again?", res.ResponseText)
	assert.Equal(t, int32(2), gen.calls.Load())
	assert.Equal(t, int64(1), h.orch.CircuitStats(DependencyLLM).Rejects)
}

func TestDuplicateSessionRejected(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{delay: 300 * time.Millisecond, reply: "ok"}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	req := request("call-19", "Hi")
	req.SessionID = "dup"
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = h.orch.ProcessUtterance(context.Background(), req, nil)
	}()
	require.Eventually(t, func() bool { return len(h.orch.ActiveSessions()) == 1 }, time.Second, 5*time.Millisecond)

	_, err := h.orch.ProcessUtterance(context.Background(), req, nil)
	assert.ErrorIs(t, err, ErrDuplicateSession)
	<-done
	assert.Empty(t, h.orch.ActiveSessions())
}

func TestGeneratorSeesStyleAndHistory(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = time.Hour
	gen := &fakeGenerator{reply: "Sure."}
	h := newHarness(t, cfg, gen, &fakeSynth{}, breaker.DefaultSettings())

	h.mem.Create(&memory.Conversation{ID: "call-20", Messages: []memory.Message{{Role: memory.RoleSystem, Content: "Lead: Acme"}}})
	_, err := h.orch.ProcessUtterance(context.Background(), request("call-20", "Can you help?"), nil)
	require.NoError(t, err)

	gen.mu.Lock()
	defer gen.mu.Unlock()
	require.NotNil(t, gen.seen)
	require.Len(t, gen.seen.Messages, 2)
	assert.Equal(t, "Can you help?", gen.seen.Messages[1].Content)
}

func TestWarmFillersPins(t *testing.T) {
	cfg := quietConfig()
	fs := &fakeSynth{}
	h := newHarness(t, cfg, &fakeGenerator{}, fs, breaker.DefaultSettings())

	n := h.orch.WarmFillers(context.Background(), []voice.Profile{{ID: "a"}, {ID: "b"}})
	assert.Equal(t, 6, n)
	assert.Equal(t, 6, h.orch.CacheStats().Pinned)

	assert.Zero(t, h.orch.WarmFillers(context.Background(), []voice.Profile{{ID: "a"}}))
	assert.Equal(t, int32(6), fs.bufferedCalls.Load())
}

func TestTransitionIgnoresTerminalStates(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rec := &recorder{}
	s := &session{id: "s", log: slog.Default(), ctx: ctx, cancel: cancel, em: rec}

	s.transition(StateGenerating)
	for _, st := range []State{StateDone, StateInterrupted, StateErrored} {
		s.transition(st)
	}

	assert.Equal(t, []State{StateGenerating}, rec.States())
	assert.Equal(t, StateGenerating, s.state)
}

func TestCueSkippedWhileTTSHalfOpen(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = 10 * time.Millisecond
	settings := breaker.Settings{
		Timeout:                  time.Second,
		ResetTimeout:             50 * time.Millisecond,
		ErrorThresholdPercentage: 50,
		RollingWindow:            time.Second,
		RollingBuckets:           10,
		VolumeThreshold:          1,
	}
	gen := &fakeGenerator{delay: 100 * time.Millisecond, reply: "Back online."}
	synth := &fakeSynth{}
	h := newHarness(t, cfg, gen, synth, settings)

	_, err := breaker.Execute(context.Background(), h.orch.breakers, DependencyTTS, func(context.Context) (struct{}, error) {
		return struct{}{}, errors.New("piper down")
	}, nil)
	require.Error(t, err)
	require.Equal(t, breaker.Open, h.orch.CircuitStats(DependencyTTS).State)
	require.Eventually(t, func() bool {
		return h.orch.breakers.State(DependencyTTS) == breaker.HalfOpen
	}, time.Second, 5*time.Millisecond)

	rec := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-34", "Is the service back up yet?"), rec)
	require.NoError(t, err)

	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, rec.Cues())
	assert.Zero(t, synth.bufferedCalls.Load())
	assert.Equal(t, "tts:Back online.", strings.Join(rec.Audio(), ""))
	assert.Equal(t, breaker.Closed, h.orch.breakers.State(DependencyTTS))
}

func TestSharedCueRenderOutlivesFirstSession(t *testing.T) {
	cfg := quietConfig()
	cfg.AckDelay = 10 * time.Millisecond
	gen := &fakeGenerator{
		reply: "Here you go.",
		slow: map[string]time.Duration{
			"call-35": 60 * time.Millisecond,
			"call-36": 400 * time.Millisecond,
		},
	}
	synth := &fakeSynth{renderDelay: 150 * time.Millisecond}
	h := newHarness(t, cfg, gen, synth, breaker.DefaultSettings())

	first := &recorder{}
	done := make(chan error, 1)
	go func() {
		_, err := h.orch.ProcessUtterance(context.Background(), request("call-35", "Check my order status"), first)
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	second := &recorder{}
	res, err := h.orch.ProcessUtterance(context.Background(), request("call-36", "Check my refund status"), second)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, StateDone, res.State)
	assert.Empty(t, first.Cues())
	cues := second.Cues()
	require.Len(t, cues, 1)
	assert.Equal(t, CueAcknowledgment, cues[0].Cue)
	assert.Equal(t, "tts:Okay.", second.Audio()[0])
	assert.Equal(t, int32(1), synth.bufferedCalls.Load())
}

func TestRejectsEmptyUtterance(t *testing.T) {
	h := newHarness(t, quietConfig(), &fakeGenerator{}, &fakeSynth{}, breaker.DefaultSettings())
	_, err := h.orch.ProcessUtterance(context.Background(), request("c", "   "), nil)
	assert.Error(t, err)
	_, err = h.orch.ProcessUtterance(context.Background(), request("", "hi"), nil)
	assert.Error(t, err)
}
