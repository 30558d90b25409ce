// Package voice describes how a response should sound and what to play when
// synthesis fails.
package voice

import (
	"errors"
	"fmt"
)

// Gender of the synthetic voice.
type Gender string

const (
	GenderFemale  Gender = "female"
	GenderMale    Gender = "male"
	GenderNeutral Gender = "neutral"
)

// Pace of speech.
type Pace string

const (
	PaceSlow   Pace = "slow"
	PaceNormal Pace = "normal"
	PaceFast   Pace = "fast"
)

// Style of delivery.
type Style string

const (
	StyleProfessional Style = "professional"
	StyleFriendly     Style = "friendly"
	StyleEmpathetic   Style = "empathetic"
	StyleEnergetic    Style = "energetic"
)

// Profile selects the synthesis voice. ID is part of every cache key, so two
// profiles that sound different must have different ids.
type Profile struct {
	ID       string `mapstructure:"id" json:"id"`
	Voice    string `mapstructure:"voice" json:"voice,omitempty"`
	Language string `mapstructure:"language" json:"language,omitempty"`
	Gender   Gender `mapstructure:"gender" json:"gender,omitempty"`
	Pace     Pace   `mapstructure:"pace" json:"pace,omitempty"`
	Style    Style  `mapstructure:"style" json:"style,omitempty"`
}

// Validate checks the enums and fills defaults.
func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("voice profile id is required")
	}
	if p.Language == "" {
		p.Language = "en"
	}
	switch p.Gender {
	case "":
		p.Gender = GenderNeutral
	case GenderFemale, GenderMale, GenderNeutral:
	default:
		return fmt.Errorf("voice profile %s: unknown gender %q", p.ID, p.Gender)
	}
	switch p.Pace {
	case "":
		p.Pace = PaceNormal
	case PaceSlow, PaceNormal, PaceFast:
	default:
		return fmt.Errorf("voice profile %s: unknown pace %q", p.ID, p.Pace)
	}
	switch p.Style {
	case "":
		p.Style = StyleProfessional
	case StyleProfessional, StyleFriendly, StyleEmpathetic, StyleEnergetic:
	default:
		return fmt.Errorf("voice profile %s: unknown style %q", p.ID, p.Style)
	}
	return nil
}

// PromptHint describes the delivery for the text generator, so the wording
// fits the voice that will speak it.
func (p Profile) PromptHint() string {
	hint := fmt.Sprintf("Respond in a %s tone", p.Style)
	switch p.Pace {
	case PaceFast:
		hint += " with short, brisk sentences"
	case PaceSlow:
		hint += " with calm, unhurried sentences"
	}
	return hint + ". Keep it brief; this reply will be spoken aloud on a phone call."
}

// Default returns the profile used when a request names none.
func Default() Profile {
	return Profile{
		ID:       "default",
		Language: "en",
		Gender:   GenderNeutral,
		Pace:     PaceNormal,
		Style:    StyleProfessional,
	}
}

// FallbackKind selects the fallback behavior.
type FallbackKind int

const (
	FallbackNone FallbackKind = iota
	FallbackPhrase
	FallbackAudio
)

func (k FallbackKind) String() string {
	switch k {
	case FallbackPhrase:
		return "phrase"
	case FallbackAudio:
		return "audio"
	default:
		return "none"
	}
}

// FallbackPolicy says what to play when the response cannot be synthesized.
// Construct it with NoFallback, PhraseFallback or AudioFallback.
type FallbackPolicy struct {
	kind   FallbackKind
	phrase string
	audio  []byte
}

// NoFallback ends the cycle in error when synthesis fails.
func NoFallback() FallbackPolicy {
	return FallbackPolicy{}
}

// PhraseFallback retries synthesis once with a fixed phrase.
func PhraseFallback(phrase string) (FallbackPolicy, error) {
	if phrase == "" {
		return FallbackPolicy{}, errors.New("fallback phrase must not be empty")
	}
	return FallbackPolicy{kind: FallbackPhrase, phrase: phrase}, nil
}

// AudioFallback plays prerecorded audio.
func AudioFallback(audio []byte) (FallbackPolicy, error) {
	if len(audio) == 0 {
		return FallbackPolicy{}, errors.New("fallback audio must not be empty")
	}
	return FallbackPolicy{kind: FallbackAudio, audio: audio}, nil
}

// Kind returns the policy kind.
func (f FallbackPolicy) Kind() FallbackKind { return f.kind }

// Phrase returns the fallback phrase for FallbackPhrase policies.
func (f FallbackPolicy) Phrase() string { return f.phrase }

// Audio returns the prerecorded audio for FallbackAudio policies.
func (f FallbackPolicy) Audio() []byte { return f.audio }
