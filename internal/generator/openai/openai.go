// Package openai implements the Generator and Transcriber interfaces using
// OpenAI's APIs.
//
// It uses the Chat Completions API for replies and the Audio Transcription
// API (Whisper / gpt-4o-transcribe) for speech-to-text.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
)

const defaultBaseURL = "https://api.openai.com/v1"

// Generator uses OpenAI APIs for replies and transcription.
type Generator struct {
	apiKey             string
	baseURL            string
	transcriptionModel string
	completionModel    string
	temperature        float64
	maxTokens          int
	client             *http.Client
}

// New creates an OpenAI generator from config.
func New(cfg config.OpenAIConfig) *Generator {
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Generator{
		apiKey:             cfg.APIKey,
		baseURL:            baseURL,
		transcriptionModel: cfg.TranscriptionModel,
		completionModel:    cfg.CompletionModel,
		temperature:        cfg.Temperature,
		maxTokens:          cfg.MaxTokens,
		client:             &http.Client{},
	}
}

// Name returns the backend identifier.
func (g *Generator) Name() string { return "openai" }

// Generate sends the conversation to the Chat Completions API.
func (g *Generator) Generate(ctx context.Context, conv *memory.Conversation, opts generator.Options) (string, error) {
	reqBody := chatRequest{
		Model:       g.completionModel,
		Messages:    generator.BuildMessages(conv, opts),
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}
	if opts.Model != "" {
		reqBody.Model = opts.Model
	}
	if opts.Temperature > 0 {
		reqBody.Temperature = opts.Temperature
	}
	if opts.MaxTokens > 0 {
		reqBody.MaxTokens = opts.MaxTokens
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("marshalling chat request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return "", fmt.Errorf("creating chat request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return "", fmt.Errorf("chat failed (status %d): %s", resp.StatusCode, respBody)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return "", fmt.Errorf("decoding chat response: %w", err)
	}
	if len(chatResp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned from chat API")
	}

	text := strings.TrimSpace(chatResp.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("empty reply from chat API")
	}
	slog.Debug("generation complete", "model", reqBody.Model, "reply_length", len(text))
	return text, nil
}

// Transcribe sends audio to the OpenAI Transcription API.
func (g *Generator) Transcribe(ctx context.Context, audio []byte, contentType string, opts generator.TranscribeOptions) (*generator.Transcription, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio"+generator.ExtFromContentType(contentType))
	if err != nil {
		return nil, fmt.Errorf("creating form file: %w", err)
	}
	if _, err := part.Write(audio); err != nil {
		return nil, fmt.Errorf("writing audio: %w", err)
	}

	model := g.transcriptionModel
	if opts.Model != "" {
		model = opts.Model
	}
	_ = writer.WriteField("model", model)
	if opts.Language != "" {
		_ = writer.WriteField("language", opts.Language)
	}
	if opts.Prompt != "" {
		_ = writer.WriteField("prompt", opts.Prompt)
	}
	_ = writer.WriteField("response_format", "verbose_json")
	writer.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/audio/transcriptions", body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+g.apiKey)
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("transcription request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return nil, fmt.Errorf("transcription failed (status %d): %s", resp.StatusCode, respBody)
	}

	var result generator.Transcription
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding transcription: %w", err)
	}
	// OpenAI returns full language names ("english").
	result.Language = generator.NormalizeLanguage(result.Language)

	slog.Debug("transcription complete", "text_length", len(result.Text), "language", result.Language)
	return &result, nil
}

// Close is a no-op for the OpenAI generator.
func (g *Generator) Close() error { return nil }

type chatRequest struct {
	Model       string                  `json:"model"`
	Messages    []generator.ChatMessage `json:"messages"`
	Temperature float64                 `json:"temperature"`
	MaxTokens   int                     `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}
