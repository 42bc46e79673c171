// Package cache persists JSON values across a durable and a session scope,
// with per-entry TTL, optional compression and encryption, and a bounded
// in-memory read-through tier.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Config holds the tunables of a Cache. Zero values take defaults.
type Config struct {
	Namespace            string
	MaxEntries           int
	MemoryMaxAge         time.Duration
	CompressionThreshold int
	SweepInterval        time.Duration
	EncryptionKey        string
}

// SetDefaults fills zero fields.
func (c *Config) SetDefaults() {
	if c.Namespace == "" {
		c.Namespace = "lupo_"
	}
	if c.MaxEntries <= 0 {
		c.MaxEntries = 100
	}
	if c.MemoryMaxAge <= 0 {
		c.MemoryMaxAge = 5 * time.Minute
	}
	if c.CompressionThreshold <= 0 {
		c.CompressionThreshold = 1024
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 5 * time.Minute
	}
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clock clockwork.Clock) Option {
	return func(c *Cache) { c.clock = clock }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) { c.logger = logger }
}

// WithBackend stores the given scope in backend instead of process memory.
func WithBackend(scope Scope, backend Backend) Option {
	return func(c *Cache) { c.backends[scope] = backend }
}

// Change describes an entry modified outside this Cache instance.
type Change struct {
	Key      string
	Scope    Scope
	OldValue any
	NewValue any
}

// Stats are counters for the in-memory tier.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Entries   int    `json:"entries"`
}

type memoryKey struct {
	scope Scope
	key   string
}

type memoryEntry struct {
	data      json.RawMessage
	expiresAt int64
	writtenAt time.Time
	seq       uint64
}

type Cache struct {
	cfg      Config
	backends map[Scope]Backend
	codec    *codec
	clock    clockwork.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	memory    map[memoryKey]*memoryEntry
	seq       uint64
	stats     Stats
	listeners map[int]func(Change)
	nextID    int

	runMu   sync.Mutex
	running bool
	closed  bool
	done    chan struct{}
	wg      sync.WaitGroup
	unsubs  []func()
}

// New creates a Cache. Scopes without an explicit backend live in memory.
func New(cfg Config, opts ...Option) (*Cache, error) {
	cfg.SetDefaults()
	c := &Cache{
		cfg:       cfg,
		backends:  make(map[Scope]Backend, 2),
		clock:     clockwork.NewRealClock(),
		logger:    slog.Default(),
		memory:    make(map[memoryKey]*memoryEntry),
		listeners: make(map[int]func(Change)),
	}
	for _, opt := range opts {
		opt(c)
	}
	for _, scope := range []Scope{Durable, Session} {
		if c.backends[scope] == nil {
			c.backends[scope] = NewMemoryBackend()
		}
	}
	codec, err := newCodec(cfg.CompressionThreshold, cfg.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("create cache codec: %w", err)
	}
	c.codec = codec
	c.logger = c.logger.With("component", "cache")
	return c, nil
}

type setOptions struct {
	scope    Scope
	ttl      time.Duration
	compress bool
	encrypt  bool
}

// SetOption adjusts a single Set call.
type SetOption func(*setOptions)

func WithScope(scope Scope) SetOption {
	return func(o *setOptions) { o.scope = scope }
}

// WithTTL expires the entry ttl after it is written. Zero means no expiry.
func WithTTL(ttl time.Duration) SetOption {
	return func(o *setOptions) { o.ttl = ttl }
}

// WithCompression compresses payloads larger than the configured threshold.
func WithCompression() SetOption {
	return func(o *setOptions) { o.compress = true }
}

// WithEncryption encrypts the payload when an encryption key is configured.
func WithEncryption() SetOption {
	return func(o *setOptions) { o.encrypt = true }
}

// Set serializes value and stores it under key.
func (c *Cache) Set(ctx context.Context, key string, value any, opts ...SetOption) error {
	o := setOptions{scope: Durable}
	for _, opt := range opts {
		opt(&o)
	}

	plain, err := json.Marshal(value)
	if err != nil {
		c.logger.Warn("cache write rejected", "key", key, "err", err)
		return invalidValue(key, err)
	}

	now := c.clock.Now().UnixMilli()
	var ttl *int64
	if o.ttl > 0 {
		ms := o.ttl.Milliseconds()
		ttl = &ms
	}

	env, err := c.codec.seal(plain, now, ttl, o.compress, o.encrypt)
	if err != nil {
		c.logger.Warn("cache envelope fallback", "key", key, "err", err)
		env = envelope{Data: plain, Timestamp: now, TTL: ttl}
	}
	if o.encrypt && !env.Encrypted {
		c.logger.Debug("cache entry stored without encryption", "key", key)
	}

	raw, err := json.Marshal(env)
	if err != nil {
		return invalidValue(key, err)
	}
	if err := c.backends[o.scope].Set(ctx, c.cfg.Namespace+key, raw); err != nil {
		c.logger.Warn("cache write failed", "key", key, "scope", o.scope, "err", err)
		return persistenceError("write", key, err)
	}

	c.remember(o.scope, key, plain, env.expiresAt())
	return nil
}

// Get decodes the live value for key into dst and reports whether one was
// found. dst is left untouched when the entry is absent or expired.
func (c *Cache) Get(ctx context.Context, key string, scope Scope, dst any) (bool, error) {
	data, ok, err := c.lookup(ctx, key, scope)
	if err != nil || !ok {
		return false, err
	}
	if dst == nil {
		return true, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, invalidValue(key, err)
	}
	return true, nil
}

// Exists reports whether key holds a live value.
func (c *Cache) Exists(ctx context.Context, key string, scope Scope) bool {
	ok, err := c.Get(ctx, key, scope, nil)
	return err == nil && ok
}

// Remove deletes key from both tiers.
func (c *Cache) Remove(ctx context.Context, key string, scope Scope) error {
	c.forget(scope, key)
	if err := c.backends[scope].Delete(ctx, c.cfg.Namespace+key); err != nil {
		c.logger.Warn("cache remove failed", "key", key, "scope", scope, "err", err)
		return persistenceError("remove", key, err)
	}
	return nil
}

// Clear removes every entry in scope whose key starts with prefix and
// returns how many were removed.
func (c *Cache) Clear(ctx context.Context, scope Scope, prefix string) (int, error) {
	keys, err := c.keys(ctx, scope)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, key := range keys {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		if err := c.Remove(ctx, key, scope); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

func (c *Cache) lookup(ctx context.Context, key string, scope Scope) (json.RawMessage, bool, error) {
	now := c.clock.Now()
	mk := memoryKey{scope: scope, key: key}

	c.mu.Lock()
	if entry, ok := c.memory[mk]; ok {
		switch {
		case expired(entry.expiresAt, now.UnixMilli()):
			delete(c.memory, mk)
			c.stats.Misses++
			c.mu.Unlock()
			c.purge(ctx, scope, key)
			return nil, false, nil
		case now.Sub(entry.writtenAt) <= c.cfg.MemoryMaxAge:
			c.stats.Hits++
			data := entry.data
			c.mu.Unlock()
			return data, true, nil
		default:
			delete(c.memory, mk)
		}
	}
	c.mu.Unlock()

	raw, ok, err := c.backends[scope].Get(ctx, c.cfg.Namespace+key)
	if err != nil {
		c.countMiss()
		c.logger.Warn("cache read failed", "key", key, "scope", scope, "err", err)
		return nil, false, persistenceError("read", key, err)
	}
	if !ok {
		c.countMiss()
		return nil, false, nil
	}

	env, err := parseEnvelope(raw)
	var data []byte
	if err == nil {
		data, err = c.codec.open(env)
	}
	if err != nil {
		c.countMiss()
		c.logger.Warn("cache entry malformed, purging", "key", key, "scope", scope, "err", err)
		c.purge(ctx, scope, key)
		return nil, false, nil
	}
	if expired(env.expiresAt(), now.UnixMilli()) {
		c.countMiss()
		c.purge(ctx, scope, key)
		return nil, false, nil
	}

	c.remember(scope, key, data, env.expiresAt())
	c.mu.Lock()
	c.stats.Hits++
	c.mu.Unlock()
	return data, true, nil
}

func (c *Cache) purge(ctx context.Context, scope Scope, key string) {
	if err := c.backends[scope].Delete(ctx, c.cfg.Namespace+key); err != nil {
		c.logger.Warn("cache purge failed", "key", key, "scope", scope, "err", err)
	}
}

func (c *Cache) countMiss() {
	c.mu.Lock()
	c.stats.Misses++
	c.mu.Unlock()
}

func (c *Cache) remember(scope Scope, key string, data []byte, expiresAt int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	c.memory[memoryKey{scope: scope, key: key}] = &memoryEntry{
		data:      append(json.RawMessage(nil), data...),
		expiresAt: expiresAt,
		writtenAt: c.clock.Now(),
		seq:       c.seq,
	}
	c.enforceMaxCacheSizeLocked()
}

func (c *Cache) forget(scope Scope, key string) {
	c.mu.Lock()
	delete(c.memory, memoryKey{scope: scope, key: key})
	c.mu.Unlock()
}

// EnforceMaxCacheSize evicts the oldest-written memory entries until the
// tier holds at most MaxEntries. Backends are not touched.
func (c *Cache) EnforceMaxCacheSize() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enforceMaxCacheSizeLocked()
}

func (c *Cache) enforceMaxCacheSizeLocked() {
	for len(c.memory) > c.cfg.MaxEntries {
		var oldestKey memoryKey
		var oldest *memoryEntry
		for mk, entry := range c.memory {
			if oldest == nil || entry.writtenAt.Before(oldest.writtenAt) ||
				(entry.writtenAt.Equal(oldest.writtenAt) && entry.seq < oldest.seq) {
				oldestKey, oldest = mk, entry
			}
		}
		delete(c.memory, oldestKey)
		c.stats.Evictions++
	}
}

// Stats returns a snapshot of the memory tier counters.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := c.stats
	stats.Entries = len(c.memory)
	return stats
}

// keys lists the un-namespaced keys stored in scope.
func (c *Cache) keys(ctx context.Context, scope Scope) ([]string, error) {
	full, err := c.backends[scope].Keys(ctx, c.cfg.Namespace)
	if err != nil {
		return nil, persistenceError("list", scope.String(), err)
	}
	keys := make([]string, 0, len(full))
	for _, key := range full {
		if !strings.HasPrefix(key, c.cfg.Namespace) {
			continue
		}
		keys = append(keys, strings.TrimPrefix(key, c.cfg.Namespace))
	}
	return keys, nil
}

// Sweep purges expired and malformed entries from both scopes and returns
// the number removed.
func (c *Cache) Sweep(ctx context.Context) (int, error) {
	now := c.clock.Now().UnixMilli()
	removed := 0
	for _, scope := range []Scope{Durable, Session} {
		keys, err := c.keys(ctx, scope)
		if err != nil {
			return removed, err
		}
		for _, key := range keys {
			raw, ok, err := c.backends[scope].Get(ctx, c.cfg.Namespace+key)
			if err != nil || !ok {
				continue
			}
			env, err := parseEnvelope(raw)
			if err == nil && !expired(env.expiresAt(), now) {
				continue
			}
			c.forget(scope, key)
			c.purge(ctx, scope, key)
			removed++
		}
	}
	if removed > 0 {
		c.logger.Debug("cache sweep", "removed", removed)
	}
	return removed, nil
}

// OnChange registers fn for entries written by other processes sharing a
// backend. The returned function unregisters it.
func (c *Cache) OnChange(fn func(Change)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Cache) handleForeign(scope Scope, change RawChange) {
	if !strings.HasPrefix(change.Key, c.cfg.Namespace) {
		return
	}
	key := strings.TrimPrefix(change.Key, c.cfg.Namespace)
	c.forget(scope, key)

	event := Change{
		Key:      key,
		Scope:    scope,
		OldValue: c.decodeForeign(change.Old),
		NewValue: c.decodeForeign(change.New),
	}

	c.mu.Lock()
	listeners := make([]func(Change), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()

	for _, fn := range listeners {
		c.deliver(fn, event)
	}
}

func (c *Cache) deliver(fn func(Change), event Change) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("cache change listener panicked", "key", event.Key, "panic", r)
		}
	}()
	fn(event)
}

func (c *Cache) decodeForeign(raw []byte) any {
	if raw == nil {
		return nil
	}
	env, err := parseEnvelope(raw)
	if err != nil {
		return nil
	}
	data, err := c.codec.open(env)
	if err != nil {
		return nil
	}
	var value any
	if err := json.Unmarshal(data, &value); err != nil {
		return nil
	}
	return value
}

// Start subscribes to foreign-write notifications and runs the periodic
// sweep until Close.
func (c *Cache) Start(ctx context.Context) error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		return nil
	}

	for scope, backend := range c.backends {
		notifier, ok := backend.(Notifier)
		if !ok {
			continue
		}
		scope := scope
		unsub, err := notifier.Subscribe(ctx, func(change RawChange) {
			c.handleForeign(scope, change)
		})
		if err != nil {
			c.stopLocked()
			return persistenceError("subscribe", scope.String(), err)
		}
		c.unsubs = append(c.unsubs, unsub)
	}

	c.done = make(chan struct{})
	c.running = true
	ticker := c.clock.NewTicker(c.cfg.SweepInterval)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-c.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				if _, err := c.Sweep(ctx); err != nil {
					c.logger.Warn("cache sweep failed", "err", err)
				}
			}
		}
	}()
	return nil
}

// Close stops background work and releases codec resources.
func (c *Cache) Close() error {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.stopLocked()
	c.codec.close()
	return nil
}

func (c *Cache) stopLocked() {
	for _, unsub := range c.unsubs {
		unsub()
	}
	c.unsubs = nil
	if c.running {
		close(c.done)
		c.wg.Wait()
		c.running = false
	}
}

// Scoped is a view of one scope, used where a component persists its own
// data without caring about scope selection.
type Scoped struct {
	cache *Cache
	scope Scope
	opts  []SetOption
}

// Scoped returns a view that reads and writes scope with the given options.
func (c *Cache) Scoped(scope Scope, opts ...SetOption) *Scoped {
	return &Scoped{cache: c, scope: scope, opts: opts}
}

func (s *Scoped) Set(ctx context.Context, key string, value any) error {
	opts := append([]SetOption{WithScope(s.scope)}, s.opts...)
	return s.cache.Set(ctx, key, value, opts...)
}

func (s *Scoped) Get(ctx context.Context, key string, dst any) (bool, error) {
	return s.cache.Get(ctx, key, s.scope, dst)
}

func (s *Scoped) Remove(ctx context.Context, key string) error {
	return s.cache.Remove(ctx, key, s.scope)
}
