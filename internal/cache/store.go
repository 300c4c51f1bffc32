package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/docforge/rescache/internal/config"
	rcerrors "github.com/docforge/rescache/pkg/errors"
	"github.com/docforge/rescache/pkg/utils"
)

// Defaults applied when Put is called without options.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultPriority = 1.0
)

// Entry is a cached payload with its bookkeeping.
type Entry struct {
	Key        string
	Payload    interface{}
	Size       int64
	InsertedAt time.Time
	TTL        time.Duration
	Priority   float64

	seq uint64
}

// Expired reports whether the entry outlived its TTL at now.
func (e *Entry) Expired(now time.Time) bool {
	return now.Sub(e.InsertedAt) > e.TTL
}

// Stats holds cache counters. TotalSizeBytes and EntryCount always describe
// the live entries.
type Stats struct {
	Hits           uint64 `json:"hits"`
	Misses         uint64 `json:"misses"`
	TotalSizeBytes int64  `json:"total_size_bytes"`
	EntryCount     int    `json:"entry_count"`
	Evictions      uint64 `json:"evictions"`
	Expirations    uint64 `json:"expirations"`
}

// HitRate returns hits/(hits+misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// Observer receives cache events. It is called with the store lock held and
// must not call back into the store.
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEvicted(n int)
	CacheExpired(n int)
	CacheSize(bytes int64, entries int)
}

type nopObserver struct{}

func (nopObserver) CacheHit()            {}
func (nopObserver) CacheMiss()           {}
func (nopObserver) CacheEvicted(int)     {}
func (nopObserver) CacheExpired(int)     {}
func (nopObserver) CacheSize(int64, int) {}

// StoreConfig represents cache store configuration
type StoreConfig struct {
	DefaultTTL      time.Duration
	DefaultPriority float64
	Clock           func() time.Time
	Observer        Observer
	Logger          *utils.StructuredLogger
}

// PutOption customises a single Put.
type PutOption func(*Entry)

// WithTTL sets the entry TTL. Non-positive values keep the default.
func WithTTL(ttl time.Duration) PutOption {
	return func(e *Entry) {
		if ttl > 0 {
			e.TTL = ttl
		}
	}
}

// WithPriority sets the entry priority. Non-positive values keep the default.
func WithPriority(priority float64) PutOption {
	return func(e *Entry) {
		if priority > 0 {
			e.Priority = priority
		}
	}
}

type removal int

const (
	removeExplicit removal = iota
	removeReplaced
	removeEvicted
	removeExpired
)

// Store is a bounded, TTL-aware, priority-weighted cache. Bounds are read
// from the shared limits on every admission.
type Store struct {
	mu      sync.Mutex
	entries map[string]*Entry
	seq     uint64
	stats   Stats

	limits   *config.Limits
	config   *StoreConfig
	now      func() time.Time
	observer Observer
	logger   *utils.StructuredLogger
}

// NewStore creates a new cache store
func NewStore(limits *config.Limits, cfg *StoreConfig) *Store {
	if limits == nil {
		limits = config.NewLimits(nil)
	}
	if cfg == nil {
		cfg = &StoreConfig{}
	}
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = DefaultTTL
	}
	if cfg.DefaultPriority <= 0 {
		cfg.DefaultPriority = DefaultPriority
	}

	s := &Store{
		entries:  make(map[string]*Entry),
		limits:   limits,
		config:   cfg,
		now:      cfg.Clock,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
	if s.now == nil {
		s.now = time.Now
	}
	if s.observer == nil {
		s.observer = nopObserver{}
	}
	if s.logger == nil {
		s.logger = utils.NewNopLogger()
	}
	s.logger = s.logger.WithComponent("cache")
	return s
}

// SetObserver replaces the event observer.
func (s *Store) SetObserver(o Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	s.observer = o
}

// Put inserts or replaces an entry. Payloads larger than the whole cache are
// rejected with ENTRY_TOO_LARGE; otherwise older and lower-priority entries
// are evicted until the new entry fits.
func (s *Store) Put(key string, payload interface{}, opts ...PutOption) error {
	size := SizeOf(payload)

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	entry := &Entry{
		Key:        key,
		Payload:    payload,
		Size:       size,
		InsertedAt: now,
		TTL:        s.config.DefaultTTL,
		Priority:   s.config.DefaultPriority,
	}
	for _, opt := range opts {
		opt(entry)
	}

	limits := s.limits.Snapshot()
	if size > limits.MaxCacheSizeBytes {
		s.logger.Warn("Rejected oversized cache entry", map[string]interface{}{
			"key":   key,
			"size":  size,
			"limit": limits.MaxCacheSizeBytes,
		})
		return rcerrors.NewError(rcerrors.ErrCodeEntryTooLarge, "entry exceeds cache capacity").
			WithComponent("cache").
			WithOperation("put").
			WithDetail("key", key).
			WithDetail("size", size).
			WithDetail("limit", limits.MaxCacheSizeBytes)
	}

	if _, exists := s.entries[key]; exists {
		s.removeLocked(key, removeReplaced)
	}

	evicted := 0
	for s.stats.TotalSizeBytes+size > limits.MaxCacheSizeBytes || s.stats.EntryCount >= limits.MaxCacheItems {
		n := s.evictRoundLocked(now, key)
		if n == 0 {
			break
		}
		evicted += n
	}
	if evicted > 0 {
		s.logger.Debug("Evicted entries before admission", map[string]interface{}{
			"key":     key,
			"evicted": evicted,
		})
	}

	s.seq++
	entry.seq = s.seq
	s.entries[key] = entry
	s.stats.TotalSizeBytes += size
	s.stats.EntryCount++
	s.observer.CacheSize(s.stats.TotalSizeBytes, s.stats.EntryCount)

	return nil
}

// Get returns the payload for key. Expired entries are removed and count as
// a miss.
func (s *Store) Get(key string) (interface{}, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	if !exists {
		s.stats.Misses++
		s.observer.CacheMiss()
		return nil, false
	}

	if entry.Expired(s.now()) {
		s.removeLocked(key, removeExpired)
		s.stats.Misses++
		s.observer.CacheMiss()
		return nil, false
	}

	s.stats.Hits++
	s.observer.CacheHit()
	return entry.Payload, true
}

// Contains reports whether a live entry exists for key without touching
// hit/miss counters.
func (s *Store) Contains(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, exists := s.entries[key]
	return exists && !entry.Expired(s.now())
}

// Remove deletes an entry. It reports whether the key was present.
func (s *Store) Remove(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeLocked(key, removeExplicit)
}

// Clear drops every entry and resets all counters.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = make(map[string]*Entry)
	s.stats = Stats{}
	s.observer.CacheSize(0, 0)
}

// Sweep removes every expired entry and returns how many were removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var expired []string
	for key, entry := range s.entries {
		if entry.Expired(now) {
			expired = append(expired, key)
		}
	}

	removed := 0
	for _, key := range expired {
		if s.removeLocked(key, removeExpired) {
			removed++
		}
	}
	return removed
}

// Enforce evicts entries until the current limits hold. It is used after the
// limits shrink.
func (s *Store) Enforce() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	limits := s.limits.Snapshot()
	now := s.now()
	evicted := 0
	for s.stats.TotalSizeBytes > limits.MaxCacheSizeBytes || s.stats.EntryCount > limits.MaxCacheItems {
		n := s.evictRoundLocked(now, "")
		if n == 0 {
			break
		}
		evicted += n
	}
	return evicted
}

// Len returns the number of entries, expired or not.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Stats returns a copy of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Keys returns all keys in sorted order.
func (s *Store) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make([]string, 0, len(s.entries))
	for key := range s.entries {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (s *Store) evictRoundLocked(now time.Time, exclude string) int {
	views := make([]EntryView, 0, len(s.entries))
	for _, e := range s.entries {
		views = append(views, EntryView{Key: e.Key, InsertedAt: e.InsertedAt, Priority: e.Priority, Seq: e.seq})
	}

	evicted := 0
	for _, key := range SelectVictims(views, now, exclude) {
		if s.removeLocked(key, removeEvicted) {
			evicted++
		}
	}
	return evicted
}

// removeLocked is the single removal path. A missing key is a no-op, so
// concurrent lazy expiry and sweeping never decrement twice.
func (s *Store) removeLocked(key string, reason removal) bool {
	entry, exists := s.entries[key]
	if !exists {
		return false
	}

	delete(s.entries, key)
	s.stats.TotalSizeBytes -= entry.Size
	s.stats.EntryCount--

	switch reason {
	case removeEvicted:
		s.stats.Evictions++
		s.observer.CacheEvicted(1)
	case removeExpired:
		s.stats.Expirations++
		s.observer.CacheExpired(1)
	}
	s.observer.CacheSize(s.stats.TotalSizeBytes, s.stats.EntryCount)
	return true
}
