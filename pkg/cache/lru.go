package cache

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"
)

// FingerprintInput carries exactly the fields that participate in a cache
// key. request_id, message_id and any timestamp are deliberately excluded
// so that two requests differing only in those fields hit the same entry.
type FingerprintInput struct {
	SenderNormalized   string
	SubjectNormalized  string
	SanitizedBodyHead  string // truncated sanitized body, not the full body
	CandidateFolders   []string
	ProviderName       string
	ModelID            string
	PromptTemplateVer  string
}

// Fingerprint computes the deterministic cache key for in. Candidate
// folders are sorted before hashing so that set equality, not list order,
// determines equivalence.
func Fingerprint(in FingerprintInput) string {
	folders := append([]string(nil), in.CandidateFolders...)
	sort.Strings(folders)

	h := sha256.New()
	parts := []string{
		strings.ToLower(strings.TrimSpace(in.SenderNormalized)),
		strings.ToLower(strings.TrimSpace(in.SubjectNormalized)),
		in.SanitizedBodyHead,
		strings.Join(folders, "\x1f"),
		in.ProviderName,
		in.ModelID,
		in.PromptTemplateVer,
	}
	h.Write([]byte(strings.Join(parts, "\x1e")))
	return hex.EncodeToString(h.Sum(nil))
}

// Entry is a cached classification outcome.
type Entry struct {
	Key         string
	Value       any
	CreatedAt   time.Time
	ExpiresAt   time.Time
}

type node struct {
	key     string
	entry   Entry
}

// Persistence is the optional write-through backing store for the smart
// cache, implemented by RedisCache.
type Persistence interface {
	GetJSON(ctx context.Context, key string, dest interface{}) (bool, error)
	SetJSON(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// SmartCache is a bounded LRU cache with per-entry TTL. It is the source of
// truth for cached decisions; an optional Persistence tier is written
// through to on Put and consulted on a local miss.
type SmartCache struct {
	mu        sync.Mutex
	capacity  int
	defaultTTL time.Duration
	ll        *list.List
	items     map[string]*list.Element

	persist Persistence

	hits   int64
	misses int64
}

// Options configures a SmartCache.
type Options struct {
	Capacity   int
	DefaultTTL time.Duration
	Persist    Persistence
}

// New creates a bounded LRU+TTL cache. Capacity <= 0 falls back to 1000
// entries and DefaultTTL <= 0 to 15 minutes.
func New(opts Options) *SmartCache {
	if opts.Capacity <= 0 {
		opts.Capacity = 1000
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = 15 * time.Minute
	}
	return &SmartCache{
		capacity:   opts.Capacity,
		defaultTTL: opts.DefaultTTL,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		persist:    opts.Persist,
	}
}

// Get returns the cached value for key, if present and unexpired. On a
// local miss it falls through to the persistence tier, if configured, and
// repopulates the local entry on a hit there.
func (c *SmartCache) Get(ctx context.Context, key string) (any, bool) {
	c.mu.Lock()
	if el, ok := c.items[key]; ok {
		n := el.Value.(*node)
		if time.Now().Before(n.entry.ExpiresAt) {
			c.ll.MoveToFront(el)
			c.hits++
			val := n.entry.Value
			c.mu.Unlock()
			return val, true
		}
		c.removeElementLocked(el)
	}
	c.mu.Unlock()

	if c.persist == nil {
		c.recordMiss()
		return nil, false
	}

	var raw Entry
	ok, err := c.persist.GetJSON(ctx, key, &raw)
	if err != nil || !ok || time.Now().After(raw.ExpiresAt) {
		c.recordMiss()
		return nil, false
	}

	c.mu.Lock()
	c.hits++
	c.mu.Unlock()
	c.putLocal(key, raw.Value, raw.ExpiresAt.Sub(raw.CreatedAt))
	return raw.Value, true
}

func (c *SmartCache) recordMiss() {
	c.mu.Lock()
	c.misses++
	c.mu.Unlock()
}

// Put stores value at key with ttl (or the cache's default TTL if ttl<=0),
// writing through to the persistence tier if configured.
func (c *SmartCache) Put(ctx context.Context, key string, value any, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	c.putLocal(key, value, ttl)

	if c.persist != nil {
		entry := Entry{Key: key, Value: value, CreatedAt: time.Now(), ExpiresAt: time.Now().Add(ttl)}
		_ = c.persist.SetJSON(ctx, key, entry, ttl)
	}
}

func (c *SmartCache) putLocal(key string, value any, ttl time.Duration) {
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		n := el.Value.(*node)
		n.entry.Value = value
		n.entry.CreatedAt = now
		n.entry.ExpiresAt = now.Add(ttl)
		c.ll.MoveToFront(el)
		return
	}

	n := &node{key: key, entry: Entry{Key: key, Value: value, CreatedAt: now, ExpiresAt: now.Add(ttl)}}
	el := c.ll.PushFront(n)
	c.items[key] = el

	for c.ll.Len() > c.capacity {
		c.evictOldestLocked()
	}
}

func (c *SmartCache) evictOldestLocked() {
	el := c.ll.Back()
	if el != nil {
		c.removeElementLocked(el)
	}
}

func (c *SmartCache) removeElementLocked(el *list.Element) {
	c.ll.Remove(el)
	n := el.Value.(*node)
	delete(c.items, n.key)
}

// Invalidate removes key from the local cache (persistence tier entries
// expire on their own TTL).
func (c *SmartCache) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		c.removeElementLocked(el)
	}
}

// Stats is a point-in-time snapshot for the stats frame.
type Stats struct {
	Size   int
	Hits   int64
	Misses int64
}

// Stats returns current cache statistics.
func (c *SmartCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{Size: c.ll.Len(), Hits: c.hits, Misses: c.misses}
}
