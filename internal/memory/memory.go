// Package memory keeps a bounded window of dialogue turns per conversation.
//
// Each conversation retains all of its system messages plus the most recent
// non-system messages up to the configured window size. Conversations that
// have not been updated within the idle TTL are purged by a background sweep
// and, when an Archiver is configured, handed to it before being dropped.
package memory

import (
	"context"
	"errors"
	"log/slog"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nadzzz/parley/internal/metrics"
)

// ErrConversationNotFound is returned for unknown, deleted or expired conversations.
var ErrConversationNotFound = errors.New("conversation not found")

// Role identifies the author of a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Metadata keys set by the response pipeline.
const (
	MetaEmotion     = "emotion"
	MetaConfidence  = "confidence"
	MetaInterrupted = "interrupted"
)

// Message is one dialogue turn.
type Message struct {
	ID        string         `json:"id"`
	Role      Role           `json:"role"`
	Content   string         `json:"content"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Conversation is the retained state of one call.
type Conversation struct {
	ID             string         `json:"id"`
	Messages       []Message      `json:"messages"`
	Summary        string         `json:"summary,omitempty"`
	ContextualData map[string]any `json:"contextual_data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	LastUpdated    time.Time      `json:"last_updated"`
}

// Clone returns a deep copy of c. Metadata and contextual values are copied
// one level deep.
func (c *Conversation) Clone() *Conversation {
	if c == nil {
		return nil
	}
	out := *c
	out.ContextualData = maps.Clone(c.ContextualData)
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		m.Metadata = maps.Clone(m.Metadata)
		out.Messages[i] = m
	}
	return &out
}

// EmotionPoint is one entry of a conversation's emotional journey.
type EmotionPoint struct {
	Timestamp  time.Time `json:"timestamp"`
	Emotion    string    `json:"emotion"`
	Confidence float64   `json:"confidence,omitempty"`
}

// Archiver persists conversations that leave memory.
type Archiver interface {
	Archive(ctx context.Context, conv *Conversation) error
	Restore(ctx context.Context, id string) (*Conversation, error)
}

// Config controls window size and expiry.
type Config struct {
	WindowSize    int
	IdleTTL       time.Duration
	SweepInterval time.Duration
}

// DefaultConfig keeps 20 messages and expires conversations after a day idle.
func DefaultConfig() Config {
	return Config{
		WindowSize:    20,
		IdleTTL:       24 * time.Hour,
		SweepInterval: 5 * time.Minute,
	}
}

type record struct {
	mu      sync.Mutex
	conv    *Conversation
	deleted bool
}

// Store holds conversations in memory. Lock order is Store.mu, then record.mu.
type Store struct {
	mu            sync.RWMutex
	conversations map[string]*record

	window   int
	idleTTL  time.Duration
	archiver Archiver

	now func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a store. archiver may be nil.
func New(cfg Config, archiver Archiver) *Store {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	s := &Store{
		conversations: make(map[string]*record),
		window:        cfg.WindowSize,
		idleTTL:       cfg.IdleTTL,
		archiver:      archiver,
		now:           time.Now,
		stop:          make(chan struct{}),
	}
	if cfg.SweepInterval > 0 && cfg.IdleTTL > 0 {
		s.wg.Add(1)
		go s.sweepLoop(cfg.SweepInterval)
	}
	return s
}

// Create stores a new conversation. A missing id is generated and an existing
// conversation with the same id is replaced.
func (s *Store) Create(initial *Conversation) *Conversation {
	now := s.now()

	conv := initial.Clone()
	if conv == nil {
		conv = &Conversation{}
	}
	if conv.ID == "" {
		conv.ID = uuid.NewString()
	}
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = now
	}
	if conv.ContextualData == nil {
		conv.ContextualData = make(map[string]any)
	}
	for i := range conv.Messages {
		stamp(&conv.Messages[i], now)
	}
	conv.Messages = trim(conv.Messages, s.window)
	conv.LastUpdated = now

	s.mu.Lock()
	if old, ok := s.conversations[conv.ID]; ok {
		old.mu.Lock()
		old.deleted = true
		old.mu.Unlock()
	}
	s.conversations[conv.ID] = &record{conv: conv}
	metrics.ConversationsActive.Set(float64(len(s.conversations)))
	s.mu.Unlock()

	return conv.Clone()
}

// AddMessage appends msg, trims the window and refreshes expiry.
func (s *Store) AddMessage(id string, msg Message) (*Conversation, error) {
	var out *Conversation
	err := s.update(id, func(c *Conversation, now time.Time) {
		stamp(&msg, now)
		msg.Metadata = maps.Clone(msg.Metadata)
		c.Messages = trim(append(c.Messages, msg), s.window)
		out = c.Clone()
	})
	return out, err
}

// Get returns a copy of the conversation.
func (s *Store) Get(id string) (*Conversation, error) {
	rec, err := s.live(id)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()
	return rec.conv.Clone(), nil
}

// UpdateSummary replaces the conversation summary.
func (s *Store) UpdateSummary(id, summary string) error {
	return s.update(id, func(c *Conversation, _ time.Time) {
		c.Summary = summary
	})
}

// UpdateContextualData merges partial into the contextual data, key by key.
func (s *Store) UpdateContextualData(id string, partial map[string]any) error {
	return s.update(id, func(c *Conversation, _ time.Time) {
		if c.ContextualData == nil {
			c.ContextualData = make(map[string]any, len(partial))
		}
		maps.Copy(c.ContextualData, partial)
	})
}

// MarkLastAssistantInterrupted flags the most recent assistant message as
// interrupted. It reports whether such a message exists.
func (s *Store) MarkLastAssistantInterrupted(id string) bool {
	marked := false
	_ = s.update(id, func(c *Conversation, _ time.Time) {
		for i := len(c.Messages) - 1; i >= 0; i-- {
			m := &c.Messages[i]
			if m.Role != RoleAssistant {
				continue
			}
			if m.Metadata == nil {
				m.Metadata = make(map[string]any, 1)
			}
			m.Metadata[MetaInterrupted] = true
			marked = true
			return
		}
	})
	return marked
}

// EmotionalJourney lists the emotions tagged on user messages, in order.
func (s *Store) EmotionalJourney(id string) ([]EmotionPoint, error) {
	rec, err := s.live(id)
	if err != nil {
		return nil, err
	}
	defer rec.mu.Unlock()

	var journey []EmotionPoint
	for _, m := range rec.conv.Messages {
		if m.Role != RoleUser {
			continue
		}
		emotion, ok := m.Metadata[MetaEmotion].(string)
		if !ok || emotion == "" {
			continue
		}
		point := EmotionPoint{Timestamp: m.Timestamp, Emotion: emotion}
		if conf, ok := m.Metadata[MetaConfidence].(float64); ok {
			point.Confidence = conf
		}
		journey = append(journey, point)
	}
	return journey, nil
}

// Delete removes the conversation. It reports whether it existed.
func (s *Store) Delete(id string) bool {
	s.mu.Lock()
	rec, ok := s.conversations[id]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.conversations, id)
	metrics.ConversationsActive.Set(float64(len(s.conversations)))

	rec.mu.Lock()
	rec.deleted = true
	conv := rec.conv.Clone()
	rec.mu.Unlock()
	s.mu.Unlock()

	s.archive(conv)
	return true
}

// Restore returns the conversation from memory, or loads it from the
// archiver when it is not held.
func (s *Store) Restore(ctx context.Context, id string) (*Conversation, error) {
	if conv, err := s.Get(id); err == nil {
		return conv, nil
	}
	if s.archiver == nil {
		return nil, ErrConversationNotFound
	}

	conv, err := s.archiver.Restore(ctx, id)
	if err != nil {
		return nil, err
	}
	slog.Info("conversation restored from archive", "conversation_id", id, "messages", len(conv.Messages))
	return s.Create(conv), nil
}

// Len returns the number of conversations held, expired ones included until
// the next sweep.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conversations)
}

// Close stops the sweep and waits for pending archive writes.
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		close(s.stop)
	})
	s.wg.Wait()
}

// live returns the record for id with its mutex held.
func (s *Store) live(id string) (*record, error) {
	s.mu.RLock()
	rec, ok := s.conversations[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrConversationNotFound
	}

	rec.mu.Lock()
	if rec.deleted || s.expired(rec.conv, s.now()) {
		rec.mu.Unlock()
		return nil, ErrConversationNotFound
	}
	return rec, nil
}

func (s *Store) update(id string, fn func(c *Conversation, now time.Time)) error {
	rec, err := s.live(id)
	if err != nil {
		return err
	}
	defer rec.mu.Unlock()

	now := s.now()
	fn(rec.conv, now)
	rec.conv.LastUpdated = now
	return nil
}

func (s *Store) expired(c *Conversation, now time.Time) bool {
	return s.idleTTL > 0 && now.Sub(c.LastUpdated) >= s.idleTTL
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

// sweep purges idle conversations.
func (s *Store) sweep() int {
	now := s.now()
	var purged []*Conversation

	s.mu.Lock()
	for id, rec := range s.conversations {
		rec.mu.Lock()
		if s.expired(rec.conv, now) {
			rec.deleted = true
			purged = append(purged, rec.conv.Clone())
			delete(s.conversations, id)
		}
		rec.mu.Unlock()
	}
	metrics.ConversationsActive.Set(float64(len(s.conversations)))
	s.mu.Unlock()

	if len(purged) == 0 {
		return 0
	}
	metrics.ConversationsExpired.Add(float64(len(purged)))
	slog.Info("purged idle conversations", "count", len(purged))
	for _, conv := range purged {
		s.archive(conv)
	}
	return len(purged)
}

const archiveTimeout = 5 * time.Second

func (s *Store) archive(conv *Conversation) {
	if s.archiver == nil {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
		defer cancel()
		if err := s.archiver.Archive(ctx, conv); err != nil {
			slog.Warn("conversation archive failed", "conversation_id", conv.ID, "error", err)
		}
	}()
}

func stamp(m *Message, now time.Time) {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Timestamp.IsZero() {
		m.Timestamp = now
	}
}

// trim keeps every system message and the newest window-systemCount others,
// preserving order. When system messages alone fill the window no other
// message is kept.
func trim(msgs []Message, window int) []Message {
	if len(msgs) <= window {
		return msgs
	}
	systemCount := 0
	for _, m := range msgs {
		if m.Role == RoleSystem {
			systemCount++
		}
	}
	keepOthers := max(window-systemCount, 0)

	othersSeen := len(msgs) - systemCount
	skip := othersSeen - keepOthers

	out := make([]Message, 0, systemCount+keepOthers)
	for _, m := range msgs {
		if m.Role != RoleSystem && skip > 0 {
			skip--
			continue
		}
		out = append(out, m)
	}
	return out
}
