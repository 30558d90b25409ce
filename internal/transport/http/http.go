// Package http implements the HTTP/WebSocket transport for parley.
//
// This transport exposes a REST API for single utterances and control
// queries, and a WebSocket media stream that forwards response audio chunk
// by chunk as it is synthesized. The media stream is what telephony bridges
// connect to.
package http

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/cors"
	httpSwagger "github.com/swaggo/http-swagger/v2"

	"github.com/nadzzz/parley/internal/dispatch"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/orchestrator"
	"github.com/nadzzz/parley/internal/transport"
)

// maxUploadBytes caps raw audio uploads.
const maxUploadBytes = 25 << 20

// audioContentType describes the PCM the orchestrator emits.
const audioContentType = "audio/L16"

// Transport implements transport.Transport over HTTP and WebSocket.
type Transport struct {
	port    int
	origins []string
	server  *http.Server
}

// New creates a new HTTP transport on the given port. Browser clients are
// admitted from allowedOrigins; none disables CORS handling.
func New(port int, allowedOrigins []string) *Transport {
	return &Transport{port: port, origins: allowedOrigins}
}

// Name returns the transport identifier.
func (t *Transport) Name() string { return "http" }

// Listen starts the HTTP server and routes incoming requests to the handler.
func (t *Transport) Listen(ctx context.Context, handler transport.Handler) error {
	t.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", t.port),
		Handler:           withCORS(Routes(handler), t.origins),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	slog.Info("http transport listening", "port", t.port)

	go func() {
		<-ctx.Done()
		slog.Info("http transport shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = t.server.Shutdown(shutdownCtx)
	}()

	if err := t.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

// Close gracefully shuts down the HTTP server.
func (t *Transport) Close() error {
	if t.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return t.server.Shutdown(ctx)
	}
	return nil
}

// Routes builds the transport's request router.
func Routes(handler transport.Handler) http.Handler {
	a := &api{handler: handler}
	mux := http.NewServeMux()

	mux.HandleFunc("POST /utterance", a.handleUtterance)
	mux.HandleFunc("GET /media", a.handleMedia)
	mux.HandleFunc("POST /sessions/{id}/interrupt", a.handleInterrupt)
	mux.HandleFunc("POST /conversations/{id}/interrupt", a.handleInterruptConversation)
	mux.HandleFunc("GET /conversations/{id}", a.handleConversation)
	mux.HandleFunc("GET /stats/cache", a.handleCacheStats)
	mux.HandleFunc("GET /stats/circuits", a.handleCircuitNames)
	mux.HandleFunc("GET /stats/circuits/{name}", a.handleCircuitStats)

	// Swagger UI serves the registered OpenAPI docs.
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))
	return mux
}

func withCORS(h http.Handler, origins []string) http.Handler {
	if len(origins) == 0 {
		return h
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{
			"Content-Type",
			"X-Parley-Conversation",
			"X-Parley-Voice",
			"X-Parley-Language",
			"X-Parley-Session",
		},
	}).Handler(h)
}

type api struct {
	handler transport.Handler
}

// bufferEmitter collects a cycle's audio for a buffered reply.
type bufferEmitter struct {
	audio bytes.Buffer
}

func (b *bufferEmitter) EmitAudio(chunk []byte) error {
	b.audio.Write(chunk)
	return nil
}

func (b *bufferEmitter) EmitEvent(orchestrator.Event) {}

// handleUtterance processes a POST /utterance request.
//
// @Summary     Answer one caller utterance
// @Description Accepts a JSON utterance (text, or base64 audio to transcribe) or raw audio bytes.
// @Description The reply is synthesized and returned whole; use the /media WebSocket for streaming.
// @Tags        cycle
// @Accept      json
// @Accept      audio/wav
// @Produce     json
// @Param       utterance  body    message.Utterance  true   "Utterance (JSON). For raw audio, POST the bytes with the audio Content-Type."
// @Param       X-Parley-Conversation  header  string  false  "Conversation id (raw audio uploads)"
// @Param       X-Parley-Voice         header  string  false  "Voice profile id (raw audio uploads)"
// @Success     200  {object}  message.CycleResult
// @Failure     400  {string}  string  "Invalid request"
// @Failure     409  {string}  string  "Session already active"
// @Failure     500  {string}  string  "Internal processing error"
// @Router      /utterance [post]
func (a *api) handleUtterance(w http.ResponseWriter, r *http.Request) {
	var u message.Utterance

	contentType := r.Header.Get("Content-Type")
	switch {
	case strings.HasPrefix(contentType, "application/json"):
		if err := json.NewDecoder(r.Body).Decode(&u); err != nil {
			http.Error(w, "invalid json: "+err.Error(), http.StatusBadRequest)
			return
		}
	default:
		// Treat body as raw audio; read routing from headers.
		audio, err := io.ReadAll(io.LimitReader(r.Body, maxUploadBytes))
		if err != nil {
			http.Error(w, "reading audio: "+err.Error(), http.StatusBadRequest)
			return
		}
		u.Audio = audio
		u.ContentType = contentType
		u.ConversationID = r.Header.Get("X-Parley-Conversation")
		u.VoiceID = r.Header.Get("X-Parley-Voice")
		u.Language = r.Header.Get("X-Parley-Language")
		u.SessionID = r.Header.Get("X-Parley-Session")
	}
	u.Timestamp = time.Now()

	em := &bufferEmitter{}
	result, err := a.handler.Handle(r.Context(), &u, em)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	result.SetResponseAudioBytes(em.audio.Bytes())
	if result.ResponseAudio != "" {
		result.ResponseContentType = audioContentType
	}
	writeJSON(w, http.StatusOK, result)
}

// handleInterrupt stops a running cycle.
//
// @Summary  Interrupt a response cycle (barge-in)
// @Tags     cycle
// @Produce  json
// @Param    id   path  string  true  "Session id"
// @Success  200  {object}  map[string]bool
// @Router   /sessions/{id}/interrupt [post]
func (a *api) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	ok := a.handler.Interrupt(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": ok})
}

// handleInterruptConversation stops the conversation's running cycle.
//
// @Summary  Interrupt whatever a conversation is saying
// @Tags     cycle
// @Produce  json
// @Param    id   path  string  true  "Conversation id"
// @Success  200  {object}  map[string]bool
// @Router   /conversations/{id}/interrupt [post]
func (a *api) handleInterruptConversation(w http.ResponseWriter, r *http.Request) {
	ok := a.handler.InterruptConversation(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]bool{"interrupted": ok})
}

// handleConversation returns a conversation's history.
//
// @Summary  Get a conversation
// @Tags     memory
// @Produce  json
// @Param    id   path  string  true  "Conversation id"
// @Success  200  {object}  memory.Conversation
// @Failure  404  {string}  string  "Unknown conversation"
// @Router   /conversations/{id} [get]
func (a *api) handleConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := a.handler.Conversation(r.Context(), r.PathValue("id"))
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

// handleCacheStats reports response cache usage.
//
// @Summary  Response cache statistics
// @Tags     stats
// @Produce  json
// @Success  200  {object}  audiocache.Stats
// @Router   /stats/cache [get]
func (a *api) handleCacheStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.handler.CacheStats())
}

// @Summary  List circuit breakers
// @Tags     stats
// @Produce  json
// @Success  200  {array}  string
// @Router   /stats/circuits [get]
func (a *api) handleCircuitNames(w http.ResponseWriter, r *http.Request) {
	names := a.handler.CircuitNames()
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, names)
}

// @Summary  Circuit breaker statistics
// @Tags     stats
// @Produce  json
// @Param    name  path  string  true  "Dependency name (llm, tts, stt)"
// @Success  200  {object}  breaker.Stats
// @Router   /stats/circuits/{name} [get]
func (a *api) handleCircuitStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.handler.CircuitStats(r.PathValue("name")))
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dispatch.ErrInvalidUtterance), errors.Is(err, dispatch.ErrUnknownVoice):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrDuplicateSession):
		return http.StatusConflict
	case errors.Is(err, memory.ErrConversationNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("writing response failed", "error", err)
	}
}
