// Package events is the in-process publish/subscribe bus connecting
// services and the synchronizer.
package events

import (
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Event names shared across services.
const (
	AuthLogin                = "auth:login"
	AuthLogout               = "auth:logout"
	TradeCompleted           = "trade:completed"
	RealtimePriceUpdate      = "realtime:price-update"
	RealtimeConnectionChange = "realtime:connection-change"
	SyncCompleted            = "sync:completed"
	SyncFailed               = "sync:failed"
	CacheChanged             = "cache:changed"
)

// Event is a named payload with the time it was published.
type Event struct {
	Name      string
	Payload   any
	Timestamp time.Time
}

type Handler func(Event)

// Bus delivers published events to the handlers subscribed to their name.
type Bus interface {
	Publish(name string, payload any)
	Subscribe(name string, handler Handler) (unsubscribe func())
}

type subscription struct {
	id      uint64
	handler Handler
}

// LocalBus delivers synchronously on the publishing goroutine, in
// subscription order. A panicking handler is logged and skipped.
type LocalBus struct {
	clock  clockwork.Clock
	logger *slog.Logger

	mu       sync.RWMutex
	nextID   uint64
	handlers map[string][]subscription
}

type Option func(*LocalBus)

func WithClock(clock clockwork.Clock) Option {
	return func(b *LocalBus) { b.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(b *LocalBus) { b.logger = logger }
}

func NewLocalBus(opts ...Option) *LocalBus {
	b := &LocalBus{
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
		handlers: make(map[string][]subscription),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "events")
	return b
}

func (b *LocalBus) Publish(name string, payload any) {
	b.mu.RLock()
	subs := append([]subscription(nil), b.handlers[name]...)
	b.mu.RUnlock()

	event := Event{Name: name, Payload: payload, Timestamp: b.clock.Now()}
	for _, sub := range subs {
		b.deliver(sub, event)
	}
}

func (b *LocalBus) deliver(sub subscription, event Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event handler panicked", "event", event.Name, "panic", r)
		}
	}()
	sub.handler(event)
}

func (b *LocalBus) Subscribe(name string, handler Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.handlers[name] = append(b.handlers[name], subscription{id: id, handler: handler})

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			subs := b.handlers[name]
			for i, sub := range subs {
				if sub.id == id {
					b.handlers[name] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			if len(b.handlers[name]) == 0 {
				delete(b.handlers, name)
			}
		})
	}
}

// HandlerCount reports how many handlers are subscribed to name.
func (b *LocalBus) HandlerCount(name string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.handlers[name])
}
