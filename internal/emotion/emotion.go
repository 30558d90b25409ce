// Package emotion tags caller utterances with an emotion label.
//
// The Detector interface is the extension point for a real classifier. The
// bundled keyword detector is deliberately simple: it exists so that user
// turns carry an emotion for the conversation's emotional journey.
package emotion

import (
	"context"
	"strings"
)

// Label is one of the supported emotions.
type Label string

const (
	Happiness Label = "happiness"
	Sadness   Label = "sadness"
	Neutral   Label = "neutral"
	Anger     Label = "anger"
	Love      Label = "love"
	Fear      Label = "fear"
	Disgust   Label = "disgust"
	Confusion Label = "confusion"
	Surprise  Label = "surprise"
	Shame     Label = "shame"
	Guilt     Label = "guilt"
	Sarcasm   Label = "sarcasm"
	Desire    Label = "desire"
)

// Labels lists every label in a stable order.
var Labels = []Label{
	Happiness, Sadness, Neutral, Anger, Love, Fear, Disgust,
	Confusion, Surprise, Shame, Guilt, Sarcasm, Desire,
}

// Valid reports whether l is a known label.
func (l Label) Valid() bool {
	for _, known := range Labels {
		if l == known {
			return true
		}
	}
	return false
}

// Detection is the result of classifying one utterance.
type Detection struct {
	Emotion    Label   `json:"emotion"`
	Confidence float64 `json:"confidence"`
}

// Fallback is reported when nothing better is known.
var Fallback = Detection{Emotion: Neutral, Confidence: 0.5}

// Detector classifies text.
type Detector interface {
	Detect(ctx context.Context, text string) (Detection, error)
}

// KeywordDetector matches lower-cased words against per-label keyword lists.
type KeywordDetector struct {
	keywords map[Label][]string
}

var defaultKeywords = map[Label][]string{
	Happiness: {"great", "awesome", "perfect", "glad", "happy", "wonderful", "thanks", "excellent"},
	Sadness:   {"sad", "unfortunately", "disappointed", "upset", "miss"},
	Anger:     {"angry", "ridiculous", "furious", "annoyed", "stop calling", "unacceptable"},
	Love:      {"love", "adore"},
	Fear:      {"worried", "scared", "afraid", "nervous", "risk"},
	Disgust:   {"gross", "disgusting", "awful"},
	Confusion: {"confused", "don't understand", "what do you mean", "not sure", "huh", "how does"},
	Surprise:  {"wow", "really?", "no way", "seriously"},
	Shame:     {"embarrassed", "ashamed"},
	Guilt:     {"my fault", "sorry", "apologize"},
	Sarcasm:   {"yeah right", "sure you do", "oh great"},
	Desire:    {"want", "need", "interested", "looking for", "would like"},
}

// NewKeywordDetector returns a detector using the built-in keyword lists.
func NewKeywordDetector() *KeywordDetector {
	return &KeywordDetector{keywords: defaultKeywords}
}

// Detect returns the label with the most keyword hits. Confidence grows with
// the hit count. Text without hits is neutral.
func (d *KeywordDetector) Detect(_ context.Context, text string) (Detection, error) {
	lower := strings.ToLower(text)

	best := Fallback
	bestHits := 0
	for _, label := range Labels {
		hits := 0
		for _, kw := range d.keywords[label] {
			if strings.Contains(lower, kw) {
				hits++
			}
		}
		if hits > bestHits {
			bestHits = hits
			best = Detection{Emotion: label, Confidence: min(0.5+0.1*float64(hits), 0.95)}
		}
	}
	return best, nil
}
