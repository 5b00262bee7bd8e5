// Package cache is the read-side layer between the UI and the backend:
// TTL entries with stale-while-revalidate, in-flight fetch
// de-duplication, and stale fallback when a foreground fetch fails.
// Entries are persisted so cached reads survive restarts.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/civiq/fieldsync/internal/store"
)

const keyPrefix = "cache:"

// Entry is one cached value. ExpiresAt is always StoredAt + ttl at
// write time; an expired entry is still useful as a stale fallback.
type Entry struct {
	Data      json.RawMessage `json:"data"`
	StoredAt  time.Time       `json:"stored_at"`
	ExpiresAt time.Time       `json:"expires_at"`
}

type Options struct {
	TTL                  time.Duration
	ForceRefresh         bool
	StaleWhileRevalidate bool
}

type Stats struct {
	Entries    int        `json:"entries"`
	TotalBytes int64      `json:"total_bytes"`
	OldestAt   *time.Time `json:"oldest_at,omitempty"`
	NewestAt   *time.Time `json:"newest_at,omitempty"`
}

type flight struct {
	done chan struct{}
	data json.RawMessage
	err  error
}

type Config struct {
	DefaultTTL time.Duration
}

type Cache struct {
	store  store.Store
	online func() bool
	ttl    time.Duration
	now    func() time.Time

	mu       sync.Mutex
	entries  map[string]Entry
	inFlight map[string]*flight
}

func New(st store.Store, online func() bool, cfg Config) *Cache {
	if cfg.DefaultTTL <= 0 {
		cfg.DefaultTTL = 5 * time.Minute
	}
	if online == nil {
		online = func() bool { return true }
	}

	return &Cache{
		store:    st,
		online:   online,
		ttl:      cfg.DefaultTTL,
		now:      time.Now,
		entries:  make(map[string]Entry),
		inFlight: make(map[string]*flight),
	}
}

// Load hydrates the in-memory index from the store so reads right
// after startup stay synchronous.
func (c *Cache) Load(ctx context.Context) error {
	keys, err := c.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("failed to list cache keys: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for _, storeKey := range keys {
		value, ok, err := c.store.Get(ctx, storeKey)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", storeKey, err)
		}
		if !ok {
			continue
		}

		var entry Entry
		if err := json.Unmarshal([]byte(value), &entry); err != nil {
			log.Printf("[cache] dropping unreadable entry %s: %v", storeKey, err)
			c.store.Remove(ctx, storeKey)
			continue
		}
		c.entries[strings.TrimPrefix(storeKey, keyPrefix)] = entry
	}

	log.Printf("[cache] loaded %d entries", len(c.entries))
	return nil
}

// Get resolves a key through the cache-first strategy. The fetcher is
// only invoked when no fresh entry can answer, and concurrent calls
// for the same key share a single fetch.
func Get[T any](ctx context.Context, c *Cache, key string, fetcher func(context.Context) (T, error), opts Options) (T, error) {
	var zero T

	raw, err := c.getRaw(ctx, key, func(ctx context.Context) (json.RawMessage, error) {
		value, err := fetcher(ctx)
		if err != nil {
			return nil, err
		}
		data, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal fetched value for %s: %w", key, err)
		}
		return data, nil
	}, opts)
	if err != nil {
		return zero, err
	}

	var result T
	if err := json.Unmarshal(raw, &result); err != nil {
		return zero, fmt.Errorf("failed to unmarshal cached value for %s: %w", key, err)
	}
	return result, nil
}

func (c *Cache) getRaw(ctx context.Context, key string, fetch func(context.Context) (json.RawMessage, error), opts Options) (json.RawMessage, error) {
	if opts.TTL <= 0 {
		opts.TTL = c.ttl
	}

	now := c.now()

	c.mu.Lock()
	entry, exists := c.entries[key]
	fresh := exists && entry.ExpiresAt.After(now)

	if !opts.ForceRefresh && fresh {
		c.mu.Unlock()
		return entry.Data, nil
	}

	// Serve stale data immediately and refresh off the caller's path.
	// Only worth attempting when the device is known to be online.
	if !opts.ForceRefresh && exists && opts.StaleWhileRevalidate && c.online() {
		c.startRevalidateLocked(key, fetch, opts.TTL)
		c.mu.Unlock()
		return entry.Data, nil
	}

	data, err := c.awaitFetchLocked(ctx, key, fetch, opts.TTL)
	if err != nil {
		// A cached entry, even an expired one, beats surfacing the
		// failure to the caller.
		c.mu.Lock()
		entry, exists := c.entries[key]
		c.mu.Unlock()
		if exists {
			log.Printf("[cache] fetch for %s failed, serving stale: %v", key, err)
			return entry.Data, nil
		}
		return nil, err
	}
	return data, nil
}

// startRevalidateLocked kicks a background refresh unless one is
// already in flight. Caller holds c.mu. A failed refresh leaves the
// stale entry in place.
func (c *Cache) startRevalidateLocked(key string, fetch func(context.Context) (json.RawMessage, error), ttl time.Duration) {
	if _, busy := c.inFlight[key]; busy {
		return
	}

	f := &flight{done: make(chan struct{})}
	c.inFlight[key] = f

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		data, err := fetch(ctx)
		if err == nil {
			c.put(ctx, key, data, ttl)
		} else {
			log.Printf("[cache] background refresh for %s failed, keeping stale entry: %v", key, err)
		}

		f.data = data
		f.err = err

		c.mu.Lock()
		delete(c.inFlight, key)
		c.mu.Unlock()
		close(f.done)
	}()
}

// awaitFetchLocked runs a foreground fetch, joining an in-flight one
// for the same key when present. Caller holds c.mu; it is released
// before waiting.
func (c *Cache) awaitFetchLocked(ctx context.Context, key string, fetch func(context.Context) (json.RawMessage, error), ttl time.Duration) (json.RawMessage, error) {
	if existing, busy := c.inFlight[key]; busy {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.data, existing.err
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f := &flight{done: make(chan struct{})}
	c.inFlight[key] = f
	c.mu.Unlock()

	data, err := fetch(ctx)
	if err == nil {
		c.put(ctx, key, data, ttl)
	}

	f.data = data
	f.err = err

	c.mu.Lock()
	delete(c.inFlight, key)
	c.mu.Unlock()
	close(f.done)

	return data, err
}

func (c *Cache) put(ctx context.Context, key string, data json.RawMessage, ttl time.Duration) {
	now := c.now()
	entry := Entry{
		Data:      data,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	serialized, err := json.Marshal(entry)
	if err != nil {
		log.Printf("[cache] failed to marshal entry %s: %v", key, err)
		return
	}
	if err := c.store.Set(ctx, keyPrefix+key, string(serialized)); err != nil {
		log.Printf("[cache] failed to persist entry %s: %v", key, err)
	}

	c.mu.Lock()
	c.entries[key] = entry
	c.mu.Unlock()
}

// Set stores a value directly, bypassing any fetcher.
func (c *Cache) Set(ctx context.Context, key string, data any, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = c.ttl
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal value for %s: %w", key, err)
	}
	c.put(ctx, key, raw, ttl)
	return nil
}

func (c *Cache) Invalidate(ctx context.Context, key string) error {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()

	return c.store.Remove(ctx, keyPrefix+key)
}

// InvalidatePattern removes every entry whose key contains the given
// substring and returns how many were dropped.
func (c *Cache) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	c.mu.Lock()
	var matched []string
	for key := range c.entries {
		if strings.Contains(key, pattern) {
			matched = append(matched, key)
		}
	}
	for _, key := range matched {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if len(matched) == 0 {
		return 0, nil
	}

	storeKeys := make([]string, len(matched))
	for i, key := range matched {
		storeKeys[i] = keyPrefix + key
	}
	if err := c.store.RemoveMany(ctx, storeKeys); err != nil {
		return len(matched), err
	}
	return len(matched), nil
}

func (c *Cache) ClearAll(ctx context.Context) error {
	c.mu.Lock()
	c.entries = make(map[string]Entry)
	c.mu.Unlock()

	keys, err := c.store.ListKeys(ctx, keyPrefix)
	if err != nil {
		return err
	}
	return c.store.RemoveMany(ctx, keys)
}

// Cleanup sweeps out expired entries. Stale-while-revalidate keeps
// expired entries useful between sweeps; the sweep is for entries
// nobody is asking for anymore.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	now := c.now()

	c.mu.Lock()
	var expired []string
	for key, entry := range c.entries {
		if !entry.ExpiresAt.After(now) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		delete(c.entries, key)
	}
	c.mu.Unlock()

	if len(expired) == 0 {
		return 0, nil
	}

	storeKeys := make([]string, len(expired))
	for i, key := range expired {
		storeKeys[i] = keyPrefix + key
	}
	if err := c.store.RemoveMany(ctx, storeKeys); err != nil {
		return len(expired), err
	}

	log.Printf("[cache] cleaned up %d expired entries", len(expired))
	return len(expired), nil
}

func (c *Cache) GetStats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := Stats{Entries: len(c.entries)}
	for _, entry := range c.entries {
		stats.TotalBytes += int64(len(entry.Data))
		stored := entry.StoredAt
		if stats.OldestAt == nil || stored.Before(*stats.OldestAt) {
			t := stored
			stats.OldestAt = &t
		}
		if stats.NewestAt == nil || stored.After(*stats.NewestAt) {
			t := stored
			stats.NewestAt = &t
		}
	}
	return stats
}
