// Package transport defines the interface for pluggable client transports.
//
// Each transport (HTTP/WebSocket, gRPC) implements Transport and is handed
// the dispatcher as its Handler. Transports don't care how a cycle runs;
// they only translate their wire format to utterances and emitted audio.
package transport

import (
	"context"

	"github.com/nadzzz/parley/internal/audiocache"
	"github.com/nadzzz/parley/internal/breaker"
	"github.com/nadzzz/parley/internal/memory"
	"github.com/nadzzz/parley/internal/message"
	"github.com/nadzzz/parley/internal/orchestrator"
)

// Handler processes utterances and answers control queries. The
// dispatcher provides it to each transport.
type Handler interface {
	// Handle runs one response cycle, streaming audio and events to em.
	Handle(ctx context.Context, u *message.Utterance, em orchestrator.Emitter) (*message.CycleResult, error)

	// Interrupt stops a running cycle (barge-in).
	Interrupt(sessionID string) bool

	// InterruptConversation stops whatever cycle the conversation has running.
	InterruptConversation(conversationID string) bool

	CacheStats() audiocache.Stats
	CircuitStats(name string) breaker.Stats
	CircuitNames() []string
	Conversation(ctx context.Context, id string) (*memory.Conversation, error)
}

// Transport is the interface that every transport adapter must implement.
type Transport interface {
	// Name returns the transport identifier (e.g., "http", "grpc").
	Name() string

	// Listen starts accepting clients and serves them with handler.
	// It blocks until the context is cancelled.
	Listen(ctx context.Context, handler Handler) error

	// Close gracefully shuts down the transport, draining in-flight work.
	Close() error
}
