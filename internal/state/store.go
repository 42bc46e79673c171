// Package state holds the application's single reactive state tree.
//
// Writes are committed under a lock, recorded in a bounded history and then
// delivered to subscribers and the persister in commit order by whichever
// caller finds the delivery queue idle. A write issued from inside a
// subscriber is queued behind the transition being delivered.
package state

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"

	"lupo/client/internal/util"
)

const (
	// DefaultPersistKey is the cache key of the persisted projection.
	DefaultPersistKey = "app_state"
	// DefaultHistoryLimit bounds the undo history.
	DefaultHistoryLimit = 50
	// DefaultMaxPersistAge discards persisted state older than this.
	DefaultMaxPersistAge = 24 * time.Hour
)

// Persister stores the persisted projection of the tree.
type Persister interface {
	Set(ctx context.Context, key string, value any) error
	Get(ctx context.Context, key string, dst any) (bool, error)
	Remove(ctx context.Context, key string) error
}

// HistoryEntry records one committed transition.
type HistoryEntry struct {
	Action    Action `json:"action"`
	Prev      Tree   `json:"prevState"`
	Next      Tree   `json:"nextState"`
	Version   uint64 `json:"version"`
	Timestamp int64  `json:"timestamp"`
}

type persisted struct {
	State     Tree  `json:"state"`
	Timestamp int64 `json:"timestamp"`
}

// Subscription is a registered listener.
type Subscription struct {
	ID       string
	Path     string
	parts    []string
	listener Listener
	store    *Store
}

// Unsubscribe removes the subscription. It is safe to call more than once.
func (s *Subscription) Unsubscribe() {
	s.store.Unsubscribe(s.ID)
}

type transition struct {
	prev       Tree
	next       Tree
	action     Action
	notify     bool
	persist    bool
	globalOnly bool
}

// Option configures a Store at construction.
type Option func(*Store)

func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

func WithPersistKey(key string) Option {
	return func(s *Store) { s.persistKey = key }
}

func WithHistoryLimit(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.historyLimit = n
		}
	}
}

// WithMaxPersistAge discards persisted state older than d on load.
func WithMaxPersistAge(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.maxPersistAge = d
		}
	}
}

// WithVolatilePaths excludes the given dotted paths from persistence.
func WithVolatilePaths(paths ...string) Option {
	return func(s *Store) { s.volatile = paths }
}

// WithInitialState replaces DefaultState as the starting tree.
func WithInitialState(tree Tree) Option {
	return func(s *Store) { s.initial = tree }
}

func WithClock(clock clockwork.Clock) Option {
	return func(s *Store) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

type Store struct {
	persister     Persister
	persistKey    string
	historyLimit  int
	maxPersistAge time.Duration
	volatile      []string
	initial       Tree
	clock         clockwork.Clock
	logger        *slog.Logger

	mu          sync.Mutex
	state       Tree
	version     uint64
	history     []HistoryEntry
	middleware  []Middleware
	subscribers []*Subscription
	pending     []transition
	draining    bool
}

// New builds a Store, restoring the persisted projection when a persister
// is configured and the stored copy is younger than the max persist age.
func New(ctx context.Context, opts ...Option) (*Store, error) {
	s := &Store{
		persistKey:    DefaultPersistKey,
		historyLimit:  DefaultHistoryLimit,
		maxPersistAge: DefaultMaxPersistAge,
		volatile:      []string{"market.connection"},
		clock:         clockwork.NewRealClock(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "state")

	initial := DefaultState()
	if s.initial != nil {
		tree, err := normalizeTree(s.initial)
		if err != nil {
			return nil, errors.Wrap(err, errors.CodeInvalidInput, "normalize initial state")
		}
		initial = tree
	}
	s.state = s.restore(ctx, initial)
	return s, nil
}

func (s *Store) restore(ctx context.Context, initial Tree) Tree {
	if s.persister == nil {
		return initial
	}
	var stored persisted
	ok, err := s.persister.Get(ctx, s.persistKey, &stored)
	if err != nil {
		s.logger.Warn("discarding unreadable persisted state", "err", err)
		s.removePersisted(ctx)
		return initial
	}
	if !ok || stored.State == nil {
		return initial
	}
	age := s.clock.Now().Sub(time.UnixMilli(stored.Timestamp))
	if age > s.maxPersistAge {
		s.logger.Info("discarding stale persisted state", "age", age)
		s.removePersisted(ctx)
		return initial
	}
	return deepMerge(initial, stored.State)
}

func (s *Store) removePersisted(ctx context.Context) {
	if err := s.persister.Remove(ctx, s.persistKey); err != nil {
		s.logger.Warn("remove persisted state", "err", err)
	}
}

// GetState returns a copy of the value at the dotted path, or the whole
// tree for "". Missing paths yield nil.
func (s *Store) GetState(path string) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	value, ok := lookup(s.state, splitPath(path))
	if !ok {
		return nil
	}
	return clone(value)
}

// Snapshot returns a copy of the whole tree.
func (s *Store) Snapshot() Tree {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneTree(s.state)
}

// Version counts committed transitions.
func (s *Store) Version() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Query evaluates a JSONPath expression such as
// "$.portfolio.holdings[*].symbol" against a copy of the tree.
func (s *Store) Query(expr string) (any, error) {
	value, err := jsonpath.Get(expr, map[string]any(s.Snapshot()))
	if err != nil {
		return nil, errors.Wrapf(err, errors.CodeInvalidInput, "query %s", expr)
	}
	return value, nil
}

// Use appends a middleware. Middleware run in registration order.
func (s *Store) Use(m Middleware) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.middleware = append(s.middleware, m)
}

// SetState merges the patch produced by u into the root of the state.
func (s *Store) SetState(ctx context.Context, u Update, opts ...SetOption) error {
	o := buildOptions(KindSetState, opts)

	s.mu.Lock()
	prev := s.state
	patch, err := u.patch(prev)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%s: %w: %w", o.kind, ErrInvalidUpdate, err)
	}
	payload := o.payload
	if payload == nil {
		payload = patch
	}
	if err := s.commitLocked(prev, merge(prev, patch), o, payload, false); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.drain(ctx)
	return nil
}

// SetNestedState replaces the value at a dotted path. Only objects along
// the path are copied.
func (s *Store) SetNestedState(ctx context.Context, path string, value any, opts ...SetOption) error {
	parts := splitPath(path)
	if len(parts) == 0 {
		return fmt.Errorf("set nested state: %w: empty path", ErrInvalidUpdate)
	}
	opts = append([]SetOption{WithPayload(map[string]any{"path": path, "value": value})}, opts...)
	return s.SetState(ctx, nestedUpdate{parts: parts, value: value}, opts...)
}

// Batch applies updates in order as a single transition: one history
// entry, one notification pass and one persistence write.
func (s *Store) Batch(ctx context.Context, updates []Update, opts ...SetOption) error {
	o := buildOptions(KindBatchUpdate, opts)

	s.mu.Lock()
	prev := s.state
	next := prev
	patches := make([]any, 0, len(updates))
	for i, u := range updates {
		patch, err := u.patch(next)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("batch update %d: %w: %w", i, ErrInvalidUpdate, err)
		}
		patches = append(patches, patch)
		next = merge(next, patch)
	}
	payload := o.payload
	if payload == nil {
		payload = patches
	}
	if err := s.commitLocked(prev, next, o, payload, false); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.drain(ctx)
	return nil
}

// Reset replaces the whole tree (DefaultState when tree is nil). Only
// whole-tree subscribers are notified.
func (s *Store) Reset(ctx context.Context, tree Tree, opts ...SetOption) error {
	o := buildOptions(KindReset, opts)
	next := DefaultState()
	if tree != nil {
		normalized, err := normalizeTree(tree)
		if err != nil {
			return fmt.Errorf("reset: %w: %w", ErrInvalidUpdate, err)
		}
		next = normalized
	}

	s.mu.Lock()
	if err := s.commitLocked(s.state, next, o, o.payload, true); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	s.drain(ctx)
	return nil
}

func buildOptions(kind string, opts []SetOption) setOptions {
	o := setOptions{kind: kind}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func (s *Store) commitLocked(prev, next Tree, o setOptions, payload any, globalOnly bool) error {
	action := Action{
		Kind:      o.kind,
		Payload:   clone(payload),
		Source:    o.source,
		Timestamp: s.clock.Now().UnixMilli(),
	}

	if !s.allowLocked(action, prev, next) {
		s.logger.Debug("transition vetoed", "kind", action.Kind, "source", action.Source)
		return fmt.Errorf("%s: %w", action.Kind, ErrMutationVetoed)
	}

	s.state = next
	s.version++
	s.history = append(s.history, HistoryEntry{
		Action:    action,
		Prev:      prev,
		Next:      next,
		Version:   s.version,
		Timestamp: action.Timestamp,
	})
	if over := len(s.history) - s.historyLimit; over > 0 {
		s.history = append([]HistoryEntry(nil), s.history[over:]...)
	}

	s.pending = append(s.pending, transition{
		prev:       prev,
		next:       next,
		action:     action,
		notify:     !o.noNotify,
		persist:    !o.noPersist && s.persister != nil,
		globalOnly: globalOnly,
	})
	return nil
}

func (s *Store) allowLocked(action Action, prev, next Tree) bool {
	if len(s.middleware) == 0 {
		return true
	}
	prevCopy, nextCopy := cloneTree(prev), cloneTree(next)
	for i, m := range s.middleware {
		if !s.runMiddleware(i, m, action, prevCopy, nextCopy) {
			return false
		}
	}
	return true
}

func (s *Store) runMiddleware(i int, m Middleware, action Action, prev, next Tree) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("middleware panicked, vetoing transition", "index", i, "kind", action.Kind, "panic", r)
			ok = false
		}
	}()
	return m(action, prev, next)
}

// drain delivers queued transitions unless another caller already is.
func (s *Store) drain(ctx context.Context) {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for len(s.pending) > 0 {
		t := s.pending[0]
		s.pending = s.pending[1:]
		subs := append([]*Subscription(nil), s.subscribers...)
		s.mu.Unlock()

		if t.persist {
			s.persist(ctx, t.next)
		}
		if t.notify {
			s.notify(t, subs)
		}

		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *Store) persist(ctx context.Context, next Tree) {
	projection := next
	for _, path := range s.volatile {
		projection = withoutPath(projection, splitPath(path))
	}
	err := s.persister.Set(ctx, s.persistKey, persisted{
		State:     projection,
		Timestamp: s.clock.Now().UnixMilli(),
	})
	if err != nil {
		s.logger.Warn("persist state failed", "err", err)
	}
}

func (s *Store) notify(t transition, subs []*Subscription) {
	for _, sub := range subs {
		if sub.parts == nil {
			s.call(sub, cloneTree(t.next), cloneTree(t.prev), t.action)
			continue
		}
		if t.globalOnly {
			continue
		}
		newValue, _ := lookup(t.next, sub.parts)
		oldValue, _ := lookup(t.prev, sub.parts)
		if sameValue(newValue, oldValue) {
			continue
		}
		s.call(sub, clone(newValue), clone(oldValue), t.action)
	}
}

func (s *Store) call(sub *Subscription, newValue, oldValue any, action Action) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("subscriber panicked", "subscription", sub.ID, "path", sub.Path, "kind", action.Kind, "panic", r)
		}
	}()
	sub.listener(newValue, oldValue, action)
}

// Subscribe registers listener for changes at the dotted path; "" watches
// the whole tree and fires on every notified transition.
func (s *Store) Subscribe(path string, listener Listener) *Subscription {
	sub := &Subscription{
		ID:       util.NewID("sub"),
		Path:     path,
		parts:    splitPath(path),
		listener: listener,
		store:    s,
	}
	s.mu.Lock()
	s.subscribers = append(s.subscribers, sub)
	s.mu.Unlock()
	return sub
}

// Unsubscribe removes the subscription with id and reports whether it
// existed.
func (s *Store) Unsubscribe(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, sub := range s.subscribers {
		if sub.ID == id {
			s.subscribers = append(s.subscribers[:i:i], s.subscribers[i+1:]...)
			return true
		}
	}
	return false
}

// History returns copies of the recorded transitions, oldest first.
func (s *Store) History() []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]HistoryEntry, len(s.history))
	for i, entry := range s.history {
		out[i] = HistoryEntry{
			Action: Action{
				Kind:      entry.Action.Kind,
				Payload:   clone(entry.Action.Payload),
				Source:    entry.Action.Source,
				Timestamp: entry.Action.Timestamp,
			},
			Prev:      cloneTree(entry.Prev),
			Next:      cloneTree(entry.Next),
			Version:   entry.Version,
			Timestamp: entry.Timestamp,
		}
	}
	return out
}

// ClearHistory drops all recorded transitions.
func (s *Store) ClearHistory() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = nil
}
