package syncer

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"lupo/client/internal/events"
	"lupo/client/internal/market"
	"lupo/client/internal/portfolio"
	"lupo/client/internal/state"
)

type fakeAuth struct {
	mu      sync.Mutex
	token   string
	set     []string
	removed int
}

func (f *fakeAuth) AuthToken() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.token
}

func (f *fakeAuth) SetAuthToken(token string) {
	f.mu.Lock()
	f.set = append(f.set, token)
	f.mu.Unlock()
}

func (f *fakeAuth) RemoveAuthToken() {
	f.mu.Lock()
	f.token = ""
	f.removed++
	f.mu.Unlock()
}

type fakeClient struct {
	mu      sync.Mutex
	token   string
	cleared int
}

func (f *fakeClient) SetAuthToken(token string) {
	f.mu.Lock()
	f.token = token
	f.mu.Unlock()
}

func (f *fakeClient) ClearAuthToken() {
	f.mu.Lock()
	f.token = ""
	f.cleared++
	f.mu.Unlock()
}

type fakeFeed struct {
	fakeClient
	watched   [][]string
	unwatched [][]string
}

func (f *fakeFeed) WatchSymbols(_ context.Context, symbols []string) error {
	f.mu.Lock()
	f.watched = append(f.watched, symbols)
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) UnwatchSymbols(_ context.Context, symbols []string) error {
	f.mu.Lock()
	f.unwatched = append(f.unwatched, symbols)
	f.mu.Unlock()
	return nil
}

func (f *fakeFeed) watchCalls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.watched...)
}

type fakePortfolio struct {
	mu    sync.Mutex
	snap  portfolio.Snapshot
	err   error
	calls int
}

func (f *fakePortfolio) GetPortfolio(context.Context) (portfolio.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.snap, f.err
}

func (f *fakePortfolio) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeMarket struct {
	mu        sync.Mutex
	quotes    map[string]market.Quote
	requested [][]string
	cleared   int
}

func (f *fakeMarket) GetQuotes(_ context.Context, symbols []string) (map[string]market.Quote, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, symbols)
	out := map[string]market.Quote{}
	for _, s := range symbols {
		if q, ok := f.quotes[s]; ok {
			out[s] = q
		}
	}
	return out, nil
}

func (f *fakeMarket) ClearCache(context.Context) error {
	f.mu.Lock()
	f.cleared++
	f.mu.Unlock()
	return nil
}

type refresherFunc func(ctx context.Context) (any, error)

func (f refresherFunc) Refresh(ctx context.Context) (any, error) { return f(ctx) }

type fakePrefs struct {
	mu     sync.Mutex
	values map[string]any
}

func (f *fakePrefs) Set(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.values == nil {
		f.values = map[string]any{}
	}
	f.values[key] = value
	return nil
}

type fixture struct {
	sync  *Synchronizer
	store *state.Store
	bus   *events.LocalBus
	clock *clockwork.FakeClock
}

func newFixture(t *testing.T, opts ...Option) fixture {
	t.Helper()
	clock := clockwork.NewFakeClockAt(time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC))
	store, err := state.New(context.Background(), state.WithClock(clock))
	require.NoError(t, err)
	bus := events.NewLocalBus(events.WithClock(clock))
	s := New(store, bus, append([]Option{WithClock(clock)}, opts...)...)
	t.Cleanup(func() { _ = s.Close() })
	return fixture{sync: s, store: store, bus: bus, clock: clock}
}

func acmeSnapshot() portfolio.Snapshot {
	return portfolio.Snapshot{
		Holdings: []portfolio.Holding{{
			Symbol:   "ACME",
			Quantity: decimal.NewFromInt(10),
			Price:    decimal.NewFromInt(14),
		}},
		Cash: decimal.NewFromInt(100),
	}
}

func historyKinds(s *state.Store) []string {
	var kinds []string
	for _, h := range s.History() {
		kinds = append(kinds, h.Action.Kind)
	}
	return kinds
}
