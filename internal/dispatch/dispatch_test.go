package dispatch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/parley/internal/audiocache"
	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/orchestrator"
	"github.com/nadzzz/parley/internal/tts"
	"github.com/nadzzz/parley/internal/voice"
)

type slowGenerator struct {
	delay atomic.Int64
	calls atomic.Int32
}

func (g *slowGenerator) Name() string { return "slow" }

func (g *slowGenerator) Generate(ctx context.Context, conv *memory.Conversation, _ generator.Options) (string, error) {
	g.calls.Add(1)
	select {
	case <-time.After(time.Duration(g.delay.Load())):
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return "reply to: " + conv.Messages[len(conv.Messages)-1].Content, nil
}

func (g *slowGenerator) Close() error { return nil }

type echoSynth struct{}

func (echoSynth) Synthesize(_ context.Context, text string, _ tts.Options) (*tts.Result, error) {
	return &tts.Result{Audio: []byte(text)}, nil
}

func (echoSynth) Close() error { return nil }

type fakeTranscriber struct {
	text string
	err  error

	mu   sync.Mutex
	opts generator.TranscribeOptions
}

func (f *fakeTranscriber) Transcribe(_ context.Context, _ []byte, _ string, opts generator.TranscribeOptions) (*generator.Transcription, error) {
	f.mu.Lock()
	f.opts = opts
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return &generator.Transcription{Text: f.text, Language: opts.Language}, nil
}

type mapArchive struct {
	mu    sync.Mutex
	convs map[string]*memory.Conversation
}

func (a *mapArchive) Archive(_ context.Context, c *memory.Conversation) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.convs[c.ID] = c.Clone()
	return nil
}

func (a *mapArchive) Restore(_ context.Context, id string) (*memory.Conversation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.convs[id]
	if !ok {
		return nil, memory.ErrConversationNotFound
	}
	return c.Clone(), nil
}

type fixture struct {
	d       *Dispatcher
	gen     *slowGenerator
	mem     *memory.Store
	archive *mapArchive
	stt     *fakeTranscriber
}

func newFixture(t *testing.T, genDelay time.Duration) *fixture {
	t.Helper()
	cache := audiocache.New(audiocache.Config{CapacityBytes: 1 << 20, TTL: time.Hour})
	archive := &mapArchive{convs: make(map[string]*memory.Conversation)}
	mem := memory.New(memory.Config{WindowSize: 20}, archive)
	breakers := breaker.NewRegistry(breaker.DefaultSettings(), nil)
	gen := &slowGenerator{}
	gen.delay.Store(int64(genDelay))

	cfg := orchestrator.DefaultConfig()
	cfg.AckDelay = time.Hour
	cfg.MaxThinkingCues = 0
	cfg.PartialResponseDelay = 0
	orch, err := orchestrator.New(cfg, orchestrator.Deps{
		Cache:     cache,
		Breakers:  breakers,
		Memory:    mem,
		Generator: gen,
		Synth:     echoSynth{},
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		orch.Close()
		cache.Close()
		mem.Close()
	})

	stt := &fakeTranscriber{text: "what does it cost"}
	d := New(orch, Options{
		Breakers:    breakers,
		Memory:      mem,
		Transcriber: stt,
		Voices: map[string]voice.Profile{
			"agent-fr": {ID: "agent-fr", Language: "fr", Gender: voice.GenderFemale, Pace: voice.PaceNormal, Style: voice.StyleFriendly},
		},
	})
	return &fixture{d: d, gen: gen, mem: mem, archive: archive, stt: stt}
}

func TestHandleText(t *testing.T) {
	f := newFixture(t, 0)

	var audio []byte
	em := orchestrator.EmitterFuncs{Audio: func(c []byte) error { audio = append(audio, c...); return nil }}
	res, err := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c1", Text: "hello"}, em)
	require.NoError(t, err)

	assert.NotEmpty(t, res.SessionID)
	assert.Equal(t, "done", res.State)
	assert.Equal(t, "reply to: hello", res.ResponseText)
	assert.Equal(t, "reply to: hello", string(audio))
	assert.Empty(t, res.Error)
}

func TestHandleAudioTranscribes(t *testing.T) {
	f := newFixture(t, 0)

	res, err := f.d.Handle(context.Background(), &message.Utterance{
		ConversationID: "c2",
		Audio:          []byte("RIFF"),
		ContentType:    "audio/wav",
		VoiceID:        "agent-fr",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, "what does it cost", res.Transcript)
	assert.Equal(t, "fr", res.Language)
	assert.Equal(t, "reply to: what does it cost", res.ResponseText)
	assert.Equal(t, "fr", f.stt.opts.Language)
}

func TestHandleTranscriptionFailure(t *testing.T) {
	f := newFixture(t, 0)
	f.stt.err = errors.New("whisper down")

	res, err := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c3", Audio: []byte{1}}, nil)
	require.NoError(t, err)
	assert.Equal(t, "errored", res.State)
	assert.Contains(t, res.Error, "whisper down")
	assert.Zero(t, f.gen.calls.Load())
	assert.Equal(t, int64(1), f.d.CircuitStats(DependencySTT).Failures)
}

func TestHandleRejectsBadInput(t *testing.T) {
	f := newFixture(t, 0)

	_, err := f.d.Handle(context.Background(), &message.Utterance{Text: "hi"}, nil)
	assert.ErrorIs(t, err, ErrInvalidUtterance)

	_, err = f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c", Text: "hi", VoiceID: "nobody"}, nil)
	assert.ErrorIs(t, err, ErrUnknownVoice)
}

func TestBargeInInterruptsPreviousCycle(t *testing.T) {
	f := newFixture(t, 500*time.Millisecond)

	first := make(chan *message.CycleResult, 1)
	go func() {
		res, _ := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c4", SessionID: "s1", Text: "tell me about pricing"}, nil)
		first <- res
	}()
	require.Eventually(t, func() bool { return f.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	f.gen.delay.Store(0)
	second, err := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c4", SessionID: "s2", Text: "actually never mind"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "done", second.State)

	res := <-first
	assert.True(t, res.WasInterrupted)
	assert.Equal(t, "interrupted", res.State)
}

func TestInterruptConversation(t *testing.T) {
	f := newFixture(t, time.Second)

	done := make(chan *message.CycleResult, 1)
	go func() {
		res, _ := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c5", Text: "hello there"}, nil)
		done <- res
	}()
	require.Eventually(t, func() bool { return f.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	assert.True(t, f.d.InterruptConversation("c5"))
	assert.Equal(t, "interrupted", (<-done).State)
	assert.False(t, f.d.InterruptConversation("c5"))
}

func TestHandleRestoresArchivedConversation(t *testing.T) {
	f := newFixture(t, 0)
	f.archive.convs["c6"] = &memory.Conversation{
		ID:       "c6",
		Messages: []memory.Message{{ID: "m1", Role: memory.RoleUser, Content: "earlier question"}},
	}

	_, err := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c6", Text: "follow up"}, nil)
	require.NoError(t, err)

	conv, err := f.d.Conversation(context.Background(), "c6")
	require.NoError(t, err)
	require.Len(t, conv.Messages, 3)
	assert.Equal(t, "earlier question", conv.Messages[0].Content)
	assert.Equal(t, "follow up", conv.Messages[1].Content)
}

func TestDuplicateSessionRejected(t *testing.T) {
	f := newFixture(t, 300*time.Millisecond)

	go func() {
		_, _ = f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c7", SessionID: "same", Text: "first"}, nil)
	}()
	require.Eventually(t, func() bool { return f.gen.calls.Load() == 1 }, time.Second, 5*time.Millisecond)

	_, err := f.d.Handle(context.Background(), &message.Utterance{ConversationID: "c7", SessionID: "same", Text: "again"}, nil)
	assert.ErrorIs(t, err, orchestrator.ErrDuplicateSession)
}

func TestFallbackPolicy(t *testing.T) {
	p, err := fallbackPolicy(nil)
	require.NoError(t, err)
	assert.Equal(t, voice.FallbackNone, p.Kind())

	p, err = fallbackPolicy(&message.Fallback{Phrase: "one moment"})
	require.NoError(t, err)
	assert.Equal(t, voice.FallbackPhrase, p.Kind())

	p, err = fallbackPolicy(&message.Fallback{Audio: []byte{1}})
	require.NoError(t, err)
	assert.Equal(t, voice.FallbackAudio, p.Kind())
}
