// Package redisarchive stores expired conversations in Redis as
// zstd-compressed JSON so a returning caller can pick up where they left off.
package redisarchive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/redis/go-redis/v9"

	"github.com/nadzzz/parley/internal/memory"
)

const (
	defaultPrefix = "parley:conversation:"
	defaultTTL    = 7 * 24 * time.Hour
)

// Options configures the archive.
type Options struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	TTL       time.Duration
}

// Archive implements memory.Archiver on top of Redis.
type Archive struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	codec  *codec
}

// New connects to Redis. The connection is checked with PING.
func New(ctx context.Context, opts Options) (*Archive, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to redis at %s: %w", opts.Addr, err)
	}
	return NewWithClient(client, opts)
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, opts Options) (*Archive, error) {
	c, err := newCodec()
	if err != nil {
		return nil, err
	}
	if opts.KeyPrefix == "" {
		opts.KeyPrefix = defaultPrefix
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	return &Archive{
		client: client,
		prefix: opts.KeyPrefix,
		ttl:    opts.TTL,
		codec:  c,
	}, nil
}

// Archive writes conv under its id.
func (a *Archive) Archive(ctx context.Context, conv *memory.Conversation) error {
	val, err := a.codec.encode(conv)
	if err != nil {
		return err
	}
	if err := a.client.Set(ctx, a.key(conv.ID), val, a.ttl).Err(); err != nil {
		return fmt.Errorf("archiving conversation %s: %w", conv.ID, err)
	}
	return nil
}

// Restore reads a conversation back. Missing keys map to
// memory.ErrConversationNotFound.
func (a *Archive) Restore(ctx context.Context, id string) (*memory.Conversation, error) {
	val, err := a.client.Get(ctx, a.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, memory.ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("restoring conversation %s: %w", id, err)
	}
	return a.codec.decode(val)
}

// Close closes the Redis client.
func (a *Archive) Close() error {
	a.codec.close()
	return a.client.Close()
}

func (a *Archive) key(id string) string {
	return a.prefix + id
}

// codec turns conversations into compressed JSON and back.
type codec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newCodec() (*codec, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	return &codec{enc: enc, dec: dec}, nil
}

func (c *codec) encode(conv *memory.Conversation) ([]byte, error) {
	raw, err := json.Marshal(conv)
	if err != nil {
		return nil, fmt.Errorf("marshalling conversation: %w", err)
	}
	return c.enc.EncodeAll(raw, nil), nil
}

func (c *codec) decode(val []byte) (*memory.Conversation, error) {
	raw, err := c.dec.DecodeAll(val, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing conversation: %w", err)
	}
	var conv memory.Conversation
	if err := json.Unmarshal(raw, &conv); err != nil {
		return nil, fmt.Errorf("unmarshalling conversation: %w", err)
	}
	return &conv, nil
}

func (c *codec) close() {
	_ = c.enc.Close()
	c.dec.Close()
}
