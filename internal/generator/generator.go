// Package generator defines the interfaces for LLM response generation and
// speech transcription.
//
// A Generator turns a conversation into the next assistant reply. Parley
// ships with two backends: OpenAI (cloud) and Local (self-hosted via Ollama,
// vLLM or llama.cpp). Both also implement Transcriber so audio utterances
// can be turned into text before the response cycle starts.
package generator

import (
	"context"
	"strings"

	"github.com/nadzzz/parley/internal/memory"
)

// Options controls a single generation.
type Options struct {
	// SystemPrompt is prepended to the conversation.
	SystemPrompt string

	// StyleHint describes the voice that will speak the reply.
	StyleHint string

	// Model overrides the backend's default model.
	Model string

	Temperature float64
	MaxTokens   int
}

// Generator produces the assistant's next reply.
type Generator interface {
	// Name returns the backend identifier (e.g., "openai", "local").
	Name() string

	// Generate returns reply text for the conversation so far. The last
	// message is normally the caller's utterance.
	Generate(ctx context.Context, conv *memory.Conversation, opts Options) (string, error)

	// Close releases any resources held by the generator.
	Close() error
}

// TranscribeOptions controls transcription behavior.
type TranscribeOptions struct {
	// Language is the ISO-639-1 code (e.g., "en", "fr") to guide transcription.
	Language string

	// Prompt provides context to improve recognition of domain-specific terms.
	Prompt string

	// Model overrides the default transcription model.
	Model string
}

// Transcription is the output of speech-to-text.
type Transcription struct {
	Text     string `json:"text"`
	Language string `json:"language"`
}

// Transcriber converts caller audio to text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte, contentType string, opts TranscribeOptions) (*Transcription, error)
}

// ChatMessage is the OpenAI-compatible chat message shape.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// BuildMessages flattens a conversation into chat messages. The system
// prompt, style hint and summary become a leading system message. Assistant
// replies that were cut off by the caller are marked so the model does not
// assume they were heard in full.
func BuildMessages(conv *memory.Conversation, opts Options) []ChatMessage {
	var sys []string
	if opts.SystemPrompt != "" {
		sys = append(sys, opts.SystemPrompt)
	}
	if opts.StyleHint != "" {
		sys = append(sys, opts.StyleHint)
	}
	if conv != nil && conv.Summary != "" {
		sys = append(sys, "Conversation so far: "+conv.Summary)
	}

	var out []ChatMessage
	if len(sys) > 0 {
		out = append(out, ChatMessage{Role: string(memory.RoleSystem), Content: strings.Join(sys, "\n\n")})
	}
	if conv == nil {
		return out
	}
	for _, m := range conv.Messages {
		content := m.Content
		if m.Role == memory.RoleAssistant {
			if cut, _ := m.Metadata[memory.MetaInterrupted].(bool); cut {
				content += " [interrupted by caller]"
			}
		}
		out = append(out, ChatMessage{Role: string(m.Role), Content: content})
	}
	return out
}

// ExtFromContentType maps an audio MIME type to a file extension for
// multipart uploads.
func ExtFromContentType(ct string) string {
	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "ogg"):
		return ".ogg"
	case strings.Contains(ct, "mp3"), strings.Contains(ct, "mpeg"):
		return ".mp3"
	case strings.Contains(ct, "flac"):
		return ".flac"
	case strings.Contains(ct, "webm"):
		return ".webm"
	case strings.Contains(ct, "m4a"):
		return ".m4a"
	default:
		return ".wav"
	}
}

var languageCodes = map[string]string{
	"english":    "en",
	"french":     "fr",
	"spanish":    "es",
	"german":     "de",
	"italian":    "it",
	"portuguese": "pt",
	"dutch":      "nl",
	"polish":     "pl",
	"russian":    "ru",
	"japanese":   "ja",
	"korean":     "ko",
	"chinese":    "zh",
	"hindi":      "hi",
}

// NormalizeLanguage converts full language names to ISO-639-1 codes.
func NormalizeLanguage(lang string) string {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if code, ok := languageCodes[lang]; ok {
		return code
	}
	return lang
}
