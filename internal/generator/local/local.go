// Package local implements the Generator and Transcriber interfaces using
// self-hosted models.
//
// It supports any Whisper-compatible transcription endpoint (e.g., whisper.cpp
// server, faster-whisper, whisper-asr-webservice) and any OpenAI-compatible
// or Ollama chat endpoint (e.g., Ollama, vLLM, llama.cpp server).
package local

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
)

// Generator uses self-hosted models for replies and transcription.
type Generator struct {
	whisperEndpoint string
	whisperType     string // "openai" or "asr"
	llmEndpoint     string
	llmModel        string
	vadFilter       bool
	defaultLanguage string
	client          *http.Client
}

// New creates a local generator from config.
func New(cfg config.LocalConfig) *Generator {
	wt := cfg.WhisperType
	if wt == "" {
		wt = "openai"
	}
	model := cfg.LLMModel
	if model == "" {
		model = "llama3"
	}
	return &Generator{
		whisperEndpoint: cfg.WhisperEndpoint,
		whisperType:     wt,
		llmEndpoint:     cfg.LLMEndpoint,
		llmModel:        model,
		vadFilter:       cfg.VADFilter,
		defaultLanguage: cfg.Language,
		client:          &http.Client{},
	}
}

// Name returns the backend identifier.
func (g *Generator) Name() string { return "local" }

// Generate sends the conversation to the local LLM endpoint. Endpoints ending
// in /api/generate get Ollama's prompt format; everything else gets chat
// messages.
func (g *Generator) Generate(ctx context.Context, conv *memory.Conversation, opts generator.Options) (string, error) {
	model := g.llmModel
	if opts.Model != "" {
		model = opts.Model
	}
	messages := generator.BuildMessages(conv, opts)

	var reqBody map[string]any
	if strings.HasSuffix(g.llmEndpoint, "/api/generate") {
		system, prompt := flatten(messages)
		reqBody = map[string]any{
			"model":  model,
			"system": system,
			"prompt": prompt,
			"stream": false,
		}
	} else {
		reqBody = map[string]any{
			"model":    model,
			"messages": messages,
			"stream":   false,
		}
		if opts.Temperature > 0 {
			reqBody["temperature"] = opts.Temperature
		}
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshalling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.llmEndpoint, bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("local LLM request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("local LLM failed (status %d): %s", resp.StatusCode, respBody)
	}

	respData, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading LLM response: %w", err)
	}

	text := strings.TrimSpace(extractContent(respData))
	if text == "" {
		return "", fmt.Errorf("empty response from local LLM")
	}
	slog.Debug("local generation complete", "model", model, "reply_length", len(text))
	return text, nil
}

// Transcribe sends audio to the local Whisper-compatible endpoint.
// Supports two flavors:
//   - "openai": OpenAI-compatible API (whisper.cpp server, faster-whisper)
//   - "asr":    ahmetoner/whisper-asr-webservice (POST /asr with query params)
func (g *Generator) Transcribe(ctx context.Context, audio []byte, contentType string, opts generator.TranscribeOptions) (*generator.Transcription, error) {
	lang := opts.Language
	if lang == "" {
		lang = g.defaultLanguage
	}

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	field := "file"
	if g.whisperType == "asr" {
		field = "audio_file"
	}
	part, err := writer.CreateFormFile(field, "audio"+generator.ExtFromContentType(contentType))
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}

	reqURL := g.whisperEndpoint
	if g.whisperType == "asr" {
		q := make(url.Values)
		q.Set("task", "transcribe")
		q.Set("output", "json")
		q.Set("encode", "true")
		if lang != "" {
			q.Set("language", lang)
		}
		if opts.Prompt != "" {
			q.Set("initial_prompt", opts.Prompt)
		}
		if g.vadFilter {
			q.Set("vad_filter", "true")
		}
		reqURL += "?" + q.Encode()
	} else {
		if opts.Model != "" {
			_ = writer.WriteField("model", opts.Model)
		}
		if lang != "" {
			_ = writer.WriteField("language", lang)
		}
		_ = writer.WriteField("response_format", "verbose_json")
	}
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("local transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("local transcription failed (status %d): %s", resp.StatusCode, respBody)
	}

	var result generator.Transcription
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding transcription: %w", err)
	}
	result.Language = generator.NormalizeLanguage(result.Language)

	slog.Debug("local transcription complete", "type", g.whisperType, "text_length", len(result.Text), "language", result.Language)
	return &result, nil
}

// Close is a no-op for the local generator.
func (g *Generator) Close() error { return nil }

// flatten renders chat messages as a single prompt for completion-style endpoints.
func flatten(messages []generator.ChatMessage) (system, prompt string) {
	var sb strings.Builder
	for _, m := range messages {
		if m.Role == string(memory.RoleSystem) {
			system = m.Content
			continue
		}
		role := "Caller"
		if m.Role == string(memory.RoleAssistant) {
			role = "Agent"
		}
		fmt.Fprintf(&sb, "%s: %s\n", role, m.Content)
	}
	sb.WriteString("Agent:")
	return system, sb.String()
}

func extractContent(data []byte) string {
	// OpenAI-compatible: {"choices": [{"message": {"content": "..."}}]}
	var chatResp struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(data, &chatResp); err == nil && len(chatResp.Choices) > 0 {
		return chatResp.Choices[0].Message.Content
	}

	// Ollama: {"message": {"content": "..."}} or {"response": "..."}
	var ollamaResp struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		Response string `json:"response"`
	}
	if err := json.Unmarshal(data, &ollamaResp); err == nil {
		if ollamaResp.Message.Content != "" {
			return ollamaResp.Message.Content
		}
		if ollamaResp.Response != "" {
			return ollamaResp.Response
		}
	}

	return string(data)
}
