package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// BulkResult reports per-key outcomes. Each key either fully succeeded or
// left its target untouched.
type BulkResult struct {
	Succeeded []string         `json:"succeeded"`
	Failed    map[string]error `json:"-"`
}

func newBulkResult() BulkResult {
	return BulkResult{Succeeded: []string{}, Failed: map[string]error{}}
}

func (r *BulkResult) ok(key string)             { r.Succeeded = append(r.Succeeded, key) }
func (r *BulkResult) fail(key string, err error) { r.Failed[key] = err }

// FailedKeys returns the failed keys in sorted order.
func (r BulkResult) FailedKeys() []string {
	keys := make([]string, 0, len(r.Failed))
	for key := range r.Failed {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// BlobStore is an external target for whole-cache snapshots.
type BlobStore interface {
	Put(ctx context.Context, name string, data []byte) error
	Get(ctx context.Context, name string) ([]byte, error)
}

// Export returns every live value in scope keyed by its un-namespaced key.
// A key that cannot be read is reported in the result and left out of the
// map. The error is only set when the scope cannot be listed.
func (c *Cache) Export(ctx context.Context, scope Scope) (map[string]json.RawMessage, BulkResult, error) {
	result := newBulkResult()
	keys, err := c.keys(ctx, scope)
	if err != nil {
		return nil, result, err
	}
	out := make(map[string]json.RawMessage, len(keys))
	for _, key := range keys {
		data, ok, err := c.lookup(ctx, key, scope)
		if err != nil {
			result.fail(key, err)
			continue
		}
		if ok {
			out[key] = data
			result.ok(key)
		}
	}
	return out, result, nil
}

// Import writes each value into scope.
func (c *Cache) Import(ctx context.Context, scope Scope, values map[string]json.RawMessage, opts ...SetOption) BulkResult {
	result := newBulkResult()
	opts = append([]SetOption{WithScope(scope)}, opts...)
	for _, key := range sortedKeys(values) {
		if err := c.Set(ctx, key, values[key], opts...); err != nil {
			result.fail(key, err)
			continue
		}
		result.ok(key)
	}
	return result
}

// Migrate moves keys from one scope to another, keeping each envelope's
// timestamp and TTL. A key is removed from the source only after the
// destination write succeeds.
func (c *Cache) Migrate(ctx context.Context, from, to Scope, keys []string) BulkResult {
	result := newBulkResult()
	for _, key := range keys {
		full := c.cfg.Namespace + key
		raw, ok, err := c.backends[from].Get(ctx, full)
		if err != nil {
			result.fail(key, persistenceError("read", key, err))
			continue
		}
		if !ok {
			result.fail(key, fmt.Errorf("%s: not found in %s scope", key, from))
			continue
		}
		if err := c.backends[to].Set(ctx, full, raw); err != nil {
			result.fail(key, persistenceError("write", key, err))
			continue
		}
		c.forget(to, key)
		c.forget(from, key)
		if err := c.backends[from].Delete(ctx, full); err != nil {
			c.logger.Warn("cache migrate left source entry", "key", key, "scope", from, "err", err)
		}
		result.ok(key)
	}
	return result
}

type snapshot struct {
	Version   int                        `json:"version"`
	CreatedAt time.Time                  `json:"createdAt"`
	Entries   map[string]json.RawMessage `json:"entries"`
}

// Backup writes the raw durable envelopes to target under name. Expired
// entries are skipped.
func (c *Cache) Backup(ctx context.Context, target BlobStore, name string) (BulkResult, error) {
	result := newBulkResult()
	keys, err := c.keys(ctx, Durable)
	if err != nil {
		return result, err
	}

	now := c.clock.Now()
	snap := snapshot{Version: 1, CreatedAt: now.UTC(), Entries: make(map[string]json.RawMessage, len(keys))}
	for _, key := range keys {
		raw, ok, err := c.backends[Durable].Get(ctx, c.cfg.Namespace+key)
		if err != nil {
			result.fail(key, persistenceError("read", key, err))
			continue
		}
		if !ok {
			continue
		}
		env, err := parseEnvelope(raw)
		if err != nil {
			result.fail(key, invalidValue(key, err))
			continue
		}
		if expired(env.expiresAt(), now.UnixMilli()) {
			continue
		}
		snap.Entries[key] = raw
		result.ok(key)
	}

	data, err := json.Marshal(snap)
	if err != nil {
		return result, fmt.Errorf("encode backup: %w", err)
	}
	if err := target.Put(ctx, name, data); err != nil {
		return result, persistenceError("backup", name, err)
	}
	c.logger.Info("cache backup written", "name", name, "entries", len(snap.Entries))
	return result, nil
}

// Restore loads a snapshot written by Backup into the durable scope.
// Entries that expired since the backup are skipped.
func (c *Cache) Restore(ctx context.Context, target BlobStore, name string) (BulkResult, error) {
	result := newBulkResult()
	data, err := target.Get(ctx, name)
	if err != nil {
		return result, persistenceError("restore", name, err)
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return result, invalidValue(name, err)
	}

	now := c.clock.Now().UnixMilli()
	for _, key := range sortedKeys(snap.Entries) {
		raw := snap.Entries[key]
		env, err := parseEnvelope(raw)
		if err != nil {
			result.fail(key, invalidValue(key, err))
			continue
		}
		if expired(env.expiresAt(), now) {
			continue
		}
		if err := c.backends[Durable].Set(ctx, c.cfg.Namespace+key, raw); err != nil {
			result.fail(key, persistenceError("write", key, err))
			continue
		}
		c.forget(Durable, key)
		result.ok(key)
	}
	c.logger.Info("cache restored", "name", name, "restored", len(result.Succeeded), "failed", len(result.Failed))
	return result, nil
}

func sortedKeys(m map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(m))
	for key := range m {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
