package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"
	"unicode/utf8"

	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/metrics"
	"github.com/nadzzz/parley/internal/tts"
	"github.com/nadzzz/parley/internal/voice"
)

// cueRenderTimeout bounds a shared cue synthesis.
const cueRenderTimeout = 10 * time.Second

// scheduleCues starts the filler cue tasks for a cycle. Every task exits
// when the cycle context ends.
func (o *Orchestrator) scheduleCues(s *session, text string) {
	if len(o.cfg.AckPhrases) > 0 && utf8.RuneCountInString(text) > o.cfg.AckMinChars {
		o.startCue(s, func() {
			if s.wait(o.cfg.AckDelay) {
				o.playCue(s, CueAcknowledgment, pick(o.cfg.AckPhrases), false)
			}
		})
	}

	if len(o.cfg.ThinkingPhrases) > 0 && o.cfg.MaxThinkingCues > 0 && o.cfg.ThinkingInterval > 0 {
		o.startCue(s, func() {
			for played := 0; played < o.cfg.MaxThinkingCues; played++ {
				if !s.wait(o.cfg.ThinkingInterval) || !s.generating.Load() {
					return
				}
				o.playCue(s, CueThinking, pick(o.cfg.ThinkingPhrases), true)
			}
		})
	}

	if len(o.cfg.PartialPhrases) > 0 && o.cfg.PartialResponseDelay > 0 {
		o.startCue(s, func() {
			if s.wait(o.cfg.PartialResponseDelay) && s.generating.Load() {
				o.playCue(s, CuePartial, pick(o.cfg.PartialPhrases), true)
			}
		})
	}
}

func (o *Orchestrator) startCue(s *session, fn func()) {
	s.cues.Add(1)
	go func() {
		defer s.cues.Done()
		fn()
	}()
}

// playCue renders the phrase and emits it if the cue window is still open at
// the moment of emission.
func (o *Orchestrator) playCue(s *session, kind CueKind, phrase string, whileGenerating bool) {
	audio, err := o.cueAudio(s, phrase)
	if err != nil {
		if s.ctx.Err() == nil {
			s.log.Debug("cue unavailable", "cue", string(kind), "error", err)
		}
		return
	}
	if s.emitCue(kind, phrase, audio, whileGenerating) {
		metrics.CuesEmitted.WithLabelValues(string(kind)).Inc()
		s.log.Debug("cue played", "cue", string(kind), "phrase", phrase)
	}
}

// cueAudio returns the phrase's audio from the cache, synthesizing and
// pinning it on first use. Uncached cues are only rendered while the tts
// circuit is closed; a half-open circuit's single trial belongs to the reply.
func (o *Orchestrator) cueAudio(s *session, phrase string) ([]byte, error) {
	key := cueKey(s.voice, phrase)
	if audio, ok := o.cache.Get(key); ok {
		return audio, nil
	}
	if state := o.breakers.State(DependencyTTS); state != breaker.Closed {
		return nil, fmt.Errorf("tts circuit %s, cue not rendered", state)
	}

	v, err, _ := o.flight.Do(key, func() (any, error) {
		// Shared by every session waiting on this phrase, so it must not die
		// with the session that happened to start it.
		ctx, cancel := context.WithTimeout(context.WithoutCancel(s.ctx), cueRenderTimeout)
		defer cancel()
		audio, err := o.renderPhrase(ctx, s.voice, phrase)
		if err != nil {
			return nil, err
		}
		o.storePinned(key, audio)
		return audio, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]byte), nil
}

func (o *Orchestrator) renderPhrase(ctx context.Context, profile voice.Profile, phrase string) ([]byte, error) {
	opts := tts.Options{Language: profile.Language, Voice: profile.Voice, Format: tts.FormatPCM}
	res, err := breaker.Execute(ctx, o.breakers, DependencyTTS, func(ctx context.Context) (*tts.Result, error) {
		return o.synth.Synthesize(ctx, phrase, opts)
	}, nil)
	if err != nil {
		return nil, err
	}
	if len(res.Audio) == 0 {
		return nil, errors.New("synthesis produced no audio")
	}
	return res.Audio, nil
}

func (o *Orchestrator) storePinned(key string, audio []byte) {
	if err := o.cache.Set(key, audio); err != nil {
		slog.Debug("filler not cached", "key", key, "error", err)
		return
	}
	o.cache.MarkPinned(key)
}

// WarmFillers synthesizes every filler phrase for each profile and pins the
// results in the cache. It returns the number of phrases stored.
func (o *Orchestrator) WarmFillers(ctx context.Context, profiles []voice.Profile) int {
	phrases := make([]string, 0, len(o.cfg.AckPhrases)+len(o.cfg.ThinkingPhrases)+len(o.cfg.PartialPhrases)+1)
	phrases = append(phrases, o.cfg.AckPhrases...)
	phrases = append(phrases, o.cfg.ThinkingPhrases...)
	phrases = append(phrases, o.cfg.PartialPhrases...)

	stored := 0
	for _, profile := range profiles {
		items := make(map[string][]byte, len(phrases))
		for _, phrase := range phrases {
			key := cueKey(profile, phrase)
			if o.cache.Has(key) {
				continue
			}
			audio, err := o.renderPhrase(ctx, profile, phrase)
			if err != nil {
				slog.Warn("filler warmup failed", "voice", profile.ID, "phrase", phrase, "error", err)
				if ctx.Err() != nil {
					return stored
				}
				continue
			}
			items[key] = audio
		}
		stored += o.cache.Warm(items)
	}
	slog.Info("filler cues warmed", "voices", len(profiles), "phrases", stored)
	return stored
}

func pick(phrases []string) string {
	return phrases[rand.IntN(len(phrases))]
}
