package local

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nadzzz/parley/internal/config"
	"github.com/nadzzz/parley/internal/generator"
	"github.com/nadzzz/parley/internal/memory"
)

var pricingConv = &memory.Conversation{
	Messages: []memory.Message{
		{Role: memory.RoleUser, Content: "Hi"},
		{Role: memory.RoleAssistant, Content: "Hello!"},
		{Role: memory.RoleUser, Content: "Tell me about pricing"},
	},
}

func TestGenerateOllamaPrompt(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"response":"Plans start at ten dollars."}`))
	}))
	defer srv.Close()

	g := New(config.LocalConfig{LLMEndpoint: srv.URL + "/api/generate", LLMModel: "llama3.2:1b"})
	reply, err := g.Generate(context.Background(), pricingConv, generator.Options{SystemPrompt: "Sell."})
	require.NoError(t, err)
	assert.Equal(t, "Plans start at ten dollars.", reply)
	assert.Equal(t, "llama3.2:1b", body["model"])
	assert.Equal(t, "Sell.", body["system"])
	assert.Equal(t, "Caller: Hi\nAgent: Hello!\nCaller: Tell me about pricing\nAgent:", body["prompt"])
}

func TestGenerateChatFormat(t *testing.T) {
	var body struct {
		Messages []generator.ChatMessage `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"message":{"role":"assistant","content":"Sure thing."}}`))
	}))
	defer srv.Close()

	g := New(config.LocalConfig{LLMEndpoint: srv.URL + "/api/chat"})
	reply, err := g.Generate(context.Background(), pricingConv, generator.Options{})
	require.NoError(t, err)
	assert.Equal(t, "Sure thing.", reply)
	assert.Len(t, body.Messages, 3)
}

func TestGenerateEmptyReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"   "}}]}`))
	}))
	defer srv.Close()

	g := New(config.LocalConfig{LLMEndpoint: srv.URL + "/v1/chat/completions"})
	_, err := g.Generate(context.Background(), pricingConv, generator.Options{})
	assert.Error(t, err)
}

func TestTranscribeASR(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "transcribe", r.URL.Query().Get("task"))
		assert.Equal(t, "fr", r.URL.Query().Get("language"))
		assert.Equal(t, "true", r.URL.Query().Get("vad_filter"))
		require.NoError(t, r.ParseMultipartForm(1<<20))
		_, _, err := r.FormFile("audio_file")
		require.NoError(t, err)
		_, _ = w.Write([]byte(`{"text":"bonjour","language":"fr"}`))
	}))
	defer srv.Close()

	g := New(config.LocalConfig{WhisperEndpoint: srv.URL + "/asr", WhisperType: "asr", VADFilter: true, Language: "fr"})
	res, err := g.Transcribe(context.Background(), []byte("RIFF"), "audio/wav", generator.TranscribeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "bonjour", res.Text)
	assert.Equal(t, "fr", res.Language)
}
