// Package audiocache implements the in-memory audio response cache.
//
// Entries are keyed by voice profile and normalized phrase text. The cache is
// bounded both by total payload size and by a fixed TTL. When an insert would
// exceed capacity, non-pinned entries are evicted in order of their usage
// score: entries that are rarely used and have been idle the longest go
// first. Pinned entries (filler phrases) are exempt from capacity eviction
// but still expire after the TTL.
package audiocache

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/nadzzz/parley/internal/metrics"
)

var (
	// ErrEntryTooLarge is returned when a payload is larger than the whole cache.
	ErrEntryTooLarge = errors.New("audiocache: entry larger than capacity")

	// ErrInsufficientCapacity is returned when pinned entries leave no room for an insert.
	ErrInsufficientCapacity = errors.New("audiocache: not enough evictable capacity")
)

// Config holds the cache limits.
type Config struct {
	CapacityBytes int64
	TTL           time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns a 64 MB cache with a one hour TTL.
func DefaultConfig() Config {
	return Config{
		CapacityBytes: 64 << 20,
		TTL:           time.Hour,
		SweepInterval: time.Minute,
	}
}

// Stats is a point-in-time snapshot of cache usage.
type Stats struct {
	Entries       int     `json:"entries"`
	Pinned        int     `json:"pinned"`
	SizeBytes     int64   `json:"size_bytes"`
	CapacityBytes int64   `json:"capacity_bytes"`
	Hits          int64   `json:"hits"`
	Misses        int64   `json:"misses"`
	Evictions     int64   `json:"evictions"`
	Expirations   int64   `json:"expirations"`
	HitRate       float64 `json:"hit_rate"`
}

type entry struct {
	key       string
	payload   []byte
	text      string
	size      int64
	createdAt time.Time
	pinned    bool

	// Usage counters are touched on the read path under the shared lock.
	lastUsed atomic.Int64 // unix nanos
	useCount atomic.Int64
}

func (e *entry) expired(now time.Time, ttl time.Duration) bool {
	return ttl > 0 && now.Sub(e.createdAt) >= ttl
}

// Cache is a size- and time-bounded store of synthesized audio.
type Cache struct {
	mu       sync.RWMutex
	entries  map[string]*entry
	size     int64
	capacity int64
	ttl      time.Duration

	hits        atomic.Int64
	misses      atomic.Int64
	evictions   atomic.Int64
	expirations atomic.Int64

	now func() time.Time

	stop      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// New creates a cache and starts its background expiry sweep.
func New(cfg Config) *Cache {
	c := &Cache{
		entries:  make(map[string]*entry),
		capacity: cfg.CapacityBytes,
		ttl:      cfg.TTL,
		now:      time.Now,
		stop:     make(chan struct{}),
	}
	if cfg.SweepInterval > 0 {
		c.wg.Add(1)
		go c.sweepLoop(cfg.SweepInterval)
	}
	return c
}

// Key derives a cache key from a voice profile id and phrase text.
// Case, repeated whitespace and trailing punctuation do not affect the key.
func Key(voiceID, text string) string {
	sum := sha256.Sum256([]byte(NormalizeText(text)))
	return voiceID + ":" + hex.EncodeToString(sum[:16])
}

// NormalizeText lower-cases text, collapses whitespace and strips trailing punctuation.
func NormalizeText(text string) string {
	text = strings.ToLower(strings.Join(strings.Fields(text), " "))
	return strings.TrimRight(text, ".!?,;: ")
}

// Entry is a cached payload together with the text it renders. Text is
// empty for entries stored through Set.
type Entry struct {
	Payload []byte
	Text    string
}

// Get returns the payload stored under key. Expired entries are reported as
// absent and removed.
func (c *Cache) Get(key string) ([]byte, bool) {
	e, ok := c.Lookup(key)
	return e.Payload, ok
}

// Lookup is Get returning the stored text as well.
func (c *Cache) Lookup(key string) (Entry, bool) {
	now := c.now()

	c.mu.RLock()
	e, ok := c.entries[key]
	if ok && !e.expired(now, c.ttl) {
		e.lastUsed.Store(now.UnixNano())
		e.useCount.Add(1)
		out := Entry{Payload: e.payload, Text: e.text}
		c.mu.RUnlock()

		c.hits.Add(1)
		metrics.CacheHits.Inc()
		return out, true
	}
	c.mu.RUnlock()

	if ok {
		c.mu.Lock()
		if cur, still := c.entries[key]; still && cur.expired(now, c.ttl) {
			c.removeLocked(cur)
			c.expirations.Add(1)
			metrics.CacheRemovals.WithLabelValues("expired").Inc()
		}
		c.mu.Unlock()
	}

	c.misses.Add(1)
	metrics.CacheMisses.Inc()
	return Entry{}, false
}

// Has reports whether a live entry exists for key without touching its usage.
func (c *Cache) Has(key string) bool {
	now := c.now()
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	return ok && !e.expired(now, c.ttl)
}

// Set stores payload under key, evicting other entries when necessary.
// Replacing an existing entry keeps its pinned flag.
func (c *Cache) Set(key string, payload []byte) error {
	return c.SetEntry(key, Entry{Payload: payload})
}

// SetEntry is Set for a payload with its text. The text counts toward the
// entry size and shares its lifetime.
func (c *Cache) SetEntry(key string, in Entry) error {
	size := int64(len(in.Payload) + len(in.Text))
	if size > c.capacity {
		return ErrEntryTooLarge
	}

	now := c.now()

	c.mu.Lock()
	defer c.mu.Unlock()

	var prevSize int64
	var pinned bool
	prev, replacing := c.entries[key]
	if replacing {
		prevSize = prev.size
		pinned = prev.pinned
	}

	if need := c.size - prevSize + size - c.capacity; need > 0 {
		if !c.makeRoomLocked(need, key, now) {
			return ErrInsufficientCapacity
		}
	}

	if replacing {
		c.size -= prevSize
	}

	e := &entry{
		key:       key,
		payload:   in.Payload,
		text:      in.Text,
		size:      size,
		createdAt: now,
		pinned:    pinned,
	}
	e.lastUsed.Store(now.UnixNano())
	c.entries[key] = e
	c.size += size

	metrics.CacheBytes.Set(float64(c.size))
	return nil
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(e)
	}
}

// Clear removes all entries, pinned ones included.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.size = 0
	metrics.CacheBytes.Set(0)
}

// MarkPinned exempts key from capacity eviction. It reports whether the key exists.
func (c *Cache) MarkPinned(key string) bool {
	return c.setPinned(key, true)
}

// UnmarkPinned makes key evictable again. It reports whether the key exists.
func (c *Cache) UnmarkPinned(key string) bool {
	return c.setPinned(key, false)
}

func (c *Cache) setPinned(key string, pinned bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		return false
	}
	e.pinned = pinned
	return true
}

// Warm stores and pins the given payloads. Entries that do not fit are skipped.
func (c *Cache) Warm(items map[string][]byte) int {
	stored := 0
	for key, payload := range items {
		if err := c.Set(key, payload); err != nil {
			slog.Debug("cache warmup skipped entry", "key", key, "error", err)
			continue
		}
		c.MarkPinned(key)
		stored++
	}
	return stored
}

// Stats returns current usage counters.
func (c *Cache) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	stats := Stats{
		Entries:       len(c.entries),
		SizeBytes:     c.size,
		CapacityBytes: c.capacity,
		Hits:          c.hits.Load(),
		Misses:        c.misses.Load(),
		Evictions:     c.evictions.Load(),
		Expirations:   c.expirations.Load(),
	}
	for _, e := range c.entries {
		if e.pinned {
			stats.Pinned++
		}
	}
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}
	return stats
}

// Close stops the background sweep.
func (c *Cache) Close() {
	c.closeOnce.Do(func() {
		close(c.stop)
		c.wg.Wait()
	})
}

// evictionScore grows with use and shrinks with idle time; lower is evicted first.
func evictionScore(useCount int64, idle time.Duration) float64 {
	idleSeconds := math.Max(idle.Seconds(), 0)
	return float64(1+useCount) / (1 + math.Log1p(idleSeconds))
}

// makeRoomLocked frees at least need bytes. Expired entries are dropped first,
// then non-pinned entries by ascending score. The entry being replaced is
// never a candidate. Nothing is evicted unless the full amount can be freed.
func (c *Cache) makeRoomLocked(need int64, replacing string, now time.Time) bool {
	need -= c.removeExpiredLocked(now, replacing)
	if need <= 0 {
		return true
	}

	type candidate struct {
		e     *entry
		score float64
		last  int64
	}
	var (
		candidates []candidate
		available  int64
	)
	for key, e := range c.entries {
		if e.pinned || key == replacing {
			continue
		}
		last := e.lastUsed.Load()
		candidates = append(candidates, candidate{
			e:     e,
			score: evictionScore(e.useCount.Load(), now.Sub(time.Unix(0, last))),
			last:  last,
		})
		available += e.size
	}
	if available < need {
		return false
	}

	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.score != b.score {
			return a.score < b.score
		}
		if a.last != b.last {
			return a.last < b.last
		}
		return a.e.key < b.e.key
	})

	var freed int64
	for _, cand := range candidates {
		if freed >= need {
			break
		}
		freed += cand.e.size
		c.removeLocked(cand.e)
		c.evictions.Add(1)
		metrics.CacheRemovals.WithLabelValues("capacity").Inc()
	}
	slog.Debug("cache evicted entries", "freed", humanize.IBytes(uint64(freed)), "size", humanize.IBytes(uint64(c.size)))
	return true
}

// removeExpiredLocked drops every expired entry except skip and returns the
// bytes freed.
func (c *Cache) removeExpiredLocked(now time.Time, skip string) int64 {
	var freed int64
	for key, e := range c.entries {
		if key == skip || !e.expired(now, c.ttl) {
			continue
		}
		freed += e.size
		c.removeLocked(e)
		c.expirations.Add(1)
		metrics.CacheRemovals.WithLabelValues("expired").Inc()
	}
	return freed
}

func (c *Cache) removeLocked(e *entry) {
	delete(c.entries, e.key)
	c.size -= e.size
	metrics.CacheBytes.Set(float64(c.size))
}

func (c *Cache) sweepLoop(interval time.Duration) {
	defer c.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

// sweep removes all TTL-expired entries, pinned ones included.
func (c *Cache) sweep() {
	c.mu.Lock()
	freed := c.removeExpiredLocked(c.now(), "")
	size := c.size
	c.mu.Unlock()

	if freed > 0 {
		slog.Debug("cache sweep removed expired entries",
			"freed", humanize.IBytes(uint64(freed)),
			"size", humanize.IBytes(uint64(size)))
	}
}
