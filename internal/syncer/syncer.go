// Package syncer keeps the state tree and the domain services consistent.
// Service results are written into the tree, and every committed transition
// is reconciled back out to the services in commit order.
package syncer

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"

	"lupo/client/internal/events"
	"lupo/client/internal/state"
)

// Reconciliation action kinds.
const (
	KindAuthLogin          = "AUTH_LOGIN"
	KindAuthLogout         = "AUTH_LOGOUT"
	KindPortfolioUpdate    = "PORTFOLIO_UPDATE"
	KindTradeCompleted     = "TRADE_COMPLETED"
	KindPriceUpdate        = "PRICE_UPDATE"
	KindWatchlistAdd       = "WATCHLIST_ADD"
	KindWatchlistRemove    = "WATCHLIST_REMOVE"
	KindSettingsUpdate     = "SETTINGS_UPDATE"
	KindUserUpdate         = "USER_UPDATE"
	KindServiceUpdate      = "SERVICE_UPDATE"
	KindPortfolioValuation = "PORTFOLIO_VALUATION"
	KindConnectionChange   = "CONNECTION_CHANGE"

	// Source marks actions committed by the synchronizer.
	Source = "synchronizer"

	DefaultInterval            = 30 * time.Second
	DefaultPortfolioStaleAfter = time.Minute
	DefaultMarketStaleAfter    = 5 * time.Minute

	preferencesKey = "user_preferences"
)

var (
	ErrReconciliation      = errors.New(errors.CodeExecutionFailed, "reconciliation failed")
	ErrInvalidRegistration = errors.New(errors.CodeInvalidInput, "invalid service registration")
	ErrUnknownService      = errors.New(errors.CodeNotFound, "unknown service")
)

// Item is one committed transition waiting for reconciliation.
type Item struct {
	Prev   state.Tree
	Next   state.Tree
	Action state.Action
}

// Reconciler applies the side effects of one transition.
type Reconciler func(ctx context.Context, item Item) error

type Synchronizer struct {
	store  *state.Store
	bus    events.Bus
	clock  clockwork.Clock
	logger *slog.Logger

	interval            time.Duration
	portfolioStaleAfter time.Duration
	marketStaleAfter    time.Duration
	prefs               PreferenceStore
	credentialTargets   []any

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	services      map[string]Registration
	serviceUnsubs map[string][]func()
	handlers      map[string]Reconciler
	storeSub      *state.Subscription
	busUnsubs     []func()
	running       bool
	closed        bool
	done          chan struct{}
	wg            sync.WaitGroup

	queueMu    sync.Mutex
	queue      []Item
	processing bool
}

type Option func(*Synchronizer)

func WithClock(clock clockwork.Clock) Option {
	return func(s *Synchronizer) { s.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Synchronizer) { s.logger = logger }
}

// WithInterval sets how often staleness is checked.
func WithInterval(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithStaleness(portfolioAfter, marketAfter time.Duration) Option {
	return func(s *Synchronizer) {
		if portfolioAfter > 0 {
			s.portfolioStaleAfter = portfolioAfter
		}
		if marketAfter > 0 {
			s.marketStaleAfter = marketAfter
		}
	}
}

func WithPreferenceStore(p PreferenceStore) Option {
	return func(s *Synchronizer) { s.prefs = p }
}

// WithCredentialTargets adds collaborators that are not registered services,
// such as the network client, to credential propagation and clearing. Each
// target may implement CredentialSetter, CredentialClearer or both.
func WithCredentialTargets(targets ...any) Option {
	return func(s *Synchronizer) { s.credentialTargets = append(s.credentialTargets, targets...) }
}

// New wires the synchronizer to store and bus. It subscribes immediately;
// Start only begins the staleness sweep.
func New(store *state.Store, bus events.Bus, opts ...Option) *Synchronizer {
	s := &Synchronizer{
		store:               store,
		bus:                 bus,
		clock:               clockwork.NewRealClock(),
		logger:              slog.Default(),
		interval:            DefaultInterval,
		portfolioStaleAfter: DefaultPortfolioStaleAfter,
		marketStaleAfter:    DefaultMarketStaleAfter,
		services:            map[string]Registration{},
		serviceUnsubs:       map[string][]func(){},
		done:                make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "syncer")
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.handlers = s.defaultHandlers()

	s.storeSub = store.Subscribe("", func(newValue, oldValue any, action state.Action) {
		next, _ := newValue.(map[string]any)
		prev, _ := oldValue.(map[string]any)
		s.enqueue(Item{Prev: prev, Next: next, Action: action})
	})
	s.listen()
	return s
}

// Register adds a service. Names must be unique and non-empty.
func (s *Synchronizer) Register(reg Registration) error {
	reg.Name = strings.TrimSpace(reg.Name)
	if reg.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRegistration)
	}
	if reg.Handle == nil {
		return fmt.Errorf("%w: %s has no handle", ErrInvalidRegistration, reg.Name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: synchronizer closed", ErrInvalidRegistration)
	}
	if _, exists := s.services[reg.Name]; exists {
		return fmt.Errorf("%w: %s already registered", ErrInvalidRegistration, reg.Name)
	}
	s.services[reg.Name] = reg

	name := reg.Name
	for _, event := range reg.WatchedEvents {
		unsub := s.bus.Subscribe(event, func(events.Event) {
			_ = s.refresh(s.ctx, name)
		})
		s.serviceUnsubs[name] = append(s.serviceUnsubs[name], unsub)
	}
	s.logger.Info("service registered", "service", name, "methods", len(reg.WatchedMethods), "events", len(reg.WatchedEvents))
	return nil
}

// Unregister removes a service and its event subscriptions.
func (s *Synchronizer) Unregister(name string) bool {
	s.mu.Lock()
	_, ok := s.services[name]
	delete(s.services, name)
	unsubs := s.serviceUnsubs[name]
	delete(s.serviceUnsubs, name)
	s.mu.Unlock()
	for _, unsub := range unsubs {
		unsub()
	}
	return ok
}

// Services lists registered service names in sorted order.
func (s *Synchronizer) Services() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.services))
	for name := range s.services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Synchronizer) registration(name string) (Registration, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	reg, ok := s.services[name]
	return reg, ok
}

// registrations returns a snapshot in name order so capability lookups are
// deterministic.
func (s *Synchronizer) registrations() []Registration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Registration, 0, len(s.services))
	for _, reg := range s.services {
		out = append(out, reg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (s *Synchronizer) watches(service, method string) bool {
	reg, ok := s.registration(service)
	return ok && reg.watches(method)
}

// Handle installs fn as the reconciler for kind, replacing any default.
// A nil fn removes it.
func (s *Synchronizer) Handle(kind string, fn Reconciler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if fn == nil {
		delete(s.handlers, kind)
		return
	}
	s.handlers[kind] = fn
}

// enqueue appends item and drains the queue unless another caller already
// is. Items are therefore reconciled one at a time in commit order.
func (s *Synchronizer) enqueue(item Item) {
	s.queueMu.Lock()
	if s.isClosed() {
		s.queueMu.Unlock()
		return
	}
	s.queue = append(s.queue, item)
	if s.processing {
		s.queueMu.Unlock()
		return
	}
	s.processing = true
	s.queueMu.Unlock()

	for {
		s.queueMu.Lock()
		if len(s.queue) == 0 {
			s.processing = false
			s.queueMu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue[0] = Item{}
		s.queue = s.queue[1:]
		s.queueMu.Unlock()

		s.reconcile(next)
	}
}

func (s *Synchronizer) reconcile(item Item) {
	s.mu.Lock()
	fn := s.handlers[item.Action.Kind]
	s.mu.Unlock()
	if fn == nil {
		return
	}

	kind := item.Action.Kind
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reconciler panicked", "kind", kind, "panic", r,
				"err", fmt.Errorf("%s: %w", kind, ErrReconciliation))
		}
	}()
	if err := fn(s.ctx, item); err != nil {
		s.logger.Error("reconciliation failed", "kind", kind,
			"err", fmt.Errorf("%s: %w: %w", kind, ErrReconciliation, err),
			"retryable", errors.IsRetryable(err))
	}
}

func (s *Synchronizer) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Start begins the periodic staleness sweep. It returns immediately.
func (s *Synchronizer) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("start synchronizer: closed")
	}
	if s.running {
		return nil
	}
	s.running = true

	ticker := s.clock.NewTicker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-ticker.Chan():
				s.CheckStaleness(s.ctx)
			}
		}
	}()
	s.logger.Info("synchronizer started", "interval", s.interval)
	return nil
}

// Close stops the sweep, drops every subscription and clears the registry
// and queue. A reconciliation already running completes but nothing new is
// started.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.done)
	s.cancel()
	storeSub := s.storeSub
	s.storeSub = nil
	unsubs := s.busUnsubs
	s.busUnsubs = nil
	for _, list := range s.serviceUnsubs {
		unsubs = append(unsubs, list...)
	}
	s.serviceUnsubs = map[string][]func(){}
	s.services = map[string]Registration{}
	s.handlers = map[string]Reconciler{}
	s.mu.Unlock()

	if storeSub != nil {
		storeSub.Unsubscribe()
	}
	for _, unsub := range unsubs {
		unsub()
	}

	s.queueMu.Lock()
	s.queue = nil
	s.queueMu.Unlock()

	s.wg.Wait()
	s.logger.Info("synchronizer closed")
	return nil
}
