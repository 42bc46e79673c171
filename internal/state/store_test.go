package state

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePersister struct {
	mu      sync.Mutex
	data    map[string][]byte
	sets    int
	getErr  error
	setErr  error
	removed []string
}

func newFakePersister() *fakePersister {
	return &fakePersister{data: map[string][]byte{}}
}

func (f *fakePersister) Set(_ context.Context, key string, value any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	f.data[key] = raw
	f.sets++
	return nil
}

func (f *fakePersister) Get(_ context.Context, key string, dst any) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.getErr != nil {
		return false, f.getErr
	}
	raw, ok := f.data[key]
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dst)
}

func (f *fakePersister) Remove(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	f.removed = append(f.removed, key)
	return nil
}

func (f *fakePersister) stored(t *testing.T) persisted {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	var p persisted
	raw, ok := f.data[DefaultPersistKey]
	require.True(t, ok, "expected persisted state")
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	s, err := New(context.Background(), opts...)
	require.NoError(t, err)
	return s
}

func TestDefaultState(t *testing.T) {
	s := newTestStore(t)
	for _, root := range []string{"user", "market", "portfolio", "ui", "app"} {
		assert.NotNil(t, s.GetState(root), root)
	}
	assert.Equal(t, false, s.GetState("user.isAuthenticated"))
	assert.Equal(t, float64(0), s.GetState("portfolio.totalValue"))
	assert.Nil(t, s.GetState("does.not.exist"))
}

func TestSetStateShallowMergesInOrder(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{}))
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, Patch{"a": 1}))
	require.NoError(t, s.SetState(ctx, Patch{"b": 2}))
	require.NoError(t, s.SetState(ctx, Patch{"a": 3}))

	assert.Equal(t, Tree{"a": float64(3), "b": float64(2)}, s.Snapshot())

	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, Tree{"a": float64(1)}, history[0].Next)
	assert.Equal(t, Tree{"a": float64(1), "b": float64(2)}, history[1].Next)
	assert.Equal(t, Tree{"a": float64(3), "b": float64(2)}, history[2].Next)
	for i, entry := range history {
		assert.Equal(t, KindSetState, entry.Action.Kind)
		assert.Equal(t, uint64(i+1), entry.Version)
	}
	assert.Equal(t, uint64(3), s.Version())
}

func TestSetStateReplacesRootKeys(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.SetState(context.Background(), Patch{"ui": map[string]any{"activeView": "trade"}}))
	assert.Equal(t, map[string]any{"activeView": "trade"}, s.GetState("ui"))
}

func TestUpdateFuncSeesCurrentState(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{"counter": 1}))
	ctx := context.Background()

	inc := UpdateFunc(func(prev Tree) Patch {
		return Patch{"counter": prev["counter"].(float64) + 1}
	})
	require.NoError(t, s.SetState(ctx, inc))
	require.NoError(t, s.SetState(ctx, inc))
	assert.Equal(t, float64(3), s.GetState("counter"))
}

func TestVetoIsANoOp(t *testing.T) {
	p := newFakePersister()
	s := newTestStore(t, WithPersister(p))
	ctx := context.Background()

	require.NoError(t, s.SetState(ctx, Patch{"app": map[string]any{"online": false}}))
	before := s.Snapshot()
	beforeHistory := s.History()
	beforeStored := p.stored(t)
	beforeSets := p.sets

	var notified int
	s.Subscribe("", func(any, any, Action) { notified++ })
	s.Use(func(action Action, prev, next Tree) bool {
		return action.Kind != "FORBIDDEN"
	})

	err := s.SetState(ctx, Patch{"app": map[string]any{"online": true}}, WithKind("FORBIDDEN"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMutationVetoed))
	assert.Equal(t, errors.CodeConflict, errors.GetCode(err))

	assert.Equal(t, before, s.Snapshot())
	assert.Equal(t, beforeHistory, s.History())
	assert.Equal(t, beforeStored, p.stored(t))
	assert.Equal(t, beforeSets, p.sets)
	assert.Zero(t, notified)
	assert.Equal(t, uint64(1), s.Version())
}

func TestMiddlewareRunsInOrderAndSeesPrevNext(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{"n": 1}))
	var calls []string
	s.Use(func(action Action, prev, next Tree) bool {
		calls = append(calls, fmt.Sprintf("first %v->%v", prev["n"], next["n"]))
		return true
	})
	s.Use(func(action Action, prev, next Tree) bool {
		calls = append(calls, "second "+action.Source)
		return true
	})

	require.NoError(t, s.SetState(context.Background(), Patch{"n": 2}, WithSource("test")))
	assert.Equal(t, []string{"first 1->2", "second test"}, calls)
}

func TestPanickingMiddlewareVetoes(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{"n": 1}))
	s.Use(func(Action, Tree, Tree) bool { panic("boom") })

	err := s.SetState(context.Background(), Patch{"n": 2})
	assert.ErrorIs(t, err, ErrMutationVetoed)
	assert.Equal(t, float64(1), s.GetState("n"))
}

func TestPathSubscriberFiresOnlyOnChange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var got []any
	s.Subscribe("portfolio.holdings", func(newValue, oldValue any, action Action) {
		got = append(got, newValue)
	})

	require.NoError(t, s.SetNestedState(ctx, "portfolio.cash", 500))
	require.NoError(t, s.SetNestedState(ctx, "ui.loading", true))
	assert.Empty(t, got)

	holdings := []any{map[string]any{"symbol": "ACME", "quantity": 10}}
	require.NoError(t, s.SetNestedState(ctx, "portfolio.holdings", holdings))
	require.Len(t, got, 1)
	assert.Equal(t, []any{map[string]any{"symbol": "ACME", "quantity": float64(10)}}, got[0])
}

func TestPathSubscriberPrimitiveComparedByValue(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls int
	var oldSeen, newSeen any
	s.Subscribe("user.isAuthenticated", func(newValue, oldValue any, action Action) {
		calls++
		oldSeen, newSeen = oldValue, newValue
	})

	require.NoError(t, s.SetNestedState(ctx, "user.isAuthenticated", false))
	assert.Zero(t, calls)

	require.NoError(t, s.SetNestedState(ctx, "user.isAuthenticated", true))
	assert.Equal(t, 1, calls)
	assert.Equal(t, false, oldSeen)
	assert.Equal(t, true, newSeen)
}

func TestSetNestedStateSharesSiblings(t *testing.T) {
	s := newTestStore(t)
	before := s.state["market"].(map[string]any)["prices"]

	require.NoError(t, s.SetNestedState(context.Background(), "market.watchlist", []any{"ACME"}))

	after := s.state["market"].(map[string]any)["prices"]
	assert.True(t, sameValue(before, after), "untouched siblings keep their identity")
	assert.Equal(t, []any{"ACME"}, s.GetState("market.watchlist"))
}

func TestSetNestedStateArrayIndex(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{"list": []any{map[string]any{"v": 1}, map[string]any{"v": 2}}}))
	ctx := context.Background()

	require.NoError(t, s.SetNestedState(ctx, "list.1.v", 5))
	assert.Equal(t, float64(5), s.GetState("list.1.v"))

	err := s.SetNestedState(ctx, "list.9.v", 1)
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	assert.ErrorIs(t, s.SetNestedState(ctx, "", 1), ErrInvalidUpdate)
}

func TestAtAllowsDottedSegments(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Batch(ctx, []Update{
		At(map[string]any{"price": 410.5}, "market", "prices", "BRK.B"),
		At(float64(1700000000000), "market", "lastUpdated"),
	}, WithKind("PRICE_UPDATE")))

	prices := s.Snapshot()["market"].(map[string]any)["prices"].(map[string]any)
	assert.Equal(t, map[string]any{"price": 410.5}, prices["BRK.B"])
	assert.Equal(t, float64(1700000000000), s.GetState("market.lastUpdated"))
	assert.Equal(t, uint64(1), s.Version())

	assert.ErrorIs(t, s.SetState(ctx, At(1)), ErrInvalidUpdate)
}

func TestInvalidUpdateRejected(t *testing.T) {
	s := newTestStore(t)
	err := s.SetState(context.Background(), Patch{"bad": make(chan int)})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrInvalidUpdate)
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
	assert.Zero(t, s.Version())
}

func TestWholeTreeSubscriberAndUnsubscribe(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var calls int
	sub := s.Subscribe("", func(newValue, oldValue any, action Action) {
		calls++
		_, ok := newValue.(Tree)
		assert.True(t, ok)
	})

	require.NoError(t, s.SetState(ctx, Patch{}))
	assert.Equal(t, 1, calls)

	sub.Unsubscribe()
	sub.Unsubscribe()
	assert.False(t, s.Unsubscribe(sub.ID))

	require.NoError(t, s.SetState(ctx, Patch{}))
	assert.Equal(t, 1, calls)
}

func TestWithoutNotifyAndWithoutPersist(t *testing.T) {
	p := newFakePersister()
	s := newTestStore(t, WithPersister(p))
	ctx := context.Background()

	var calls int
	s.Subscribe("", func(any, any, Action) { calls++ })

	require.NoError(t, s.SetNestedState(ctx, "ui.loading", true, WithoutNotify()))
	assert.Zero(t, calls)
	assert.Equal(t, 1, p.sets)

	require.NoError(t, s.SetNestedState(ctx, "ui.loading", false, WithoutPersist()))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.sets)
	assert.Equal(t, uint64(2), s.Version())
}

func TestBatchIsOneTransition(t *testing.T) {
	p := newFakePersister()
	s := newTestStore(t, WithPersister(p), WithInitialState(Tree{"a": 0, "b": 0}))
	ctx := context.Background()

	var calls int
	s.Subscribe("", func(any, any, Action) { calls++ })

	err := s.Batch(ctx, []Update{
		Patch{"a": 1},
		UpdateFunc(func(prev Tree) Patch { return Patch{"b": prev["a"].(float64) + 1} }),
	})
	require.NoError(t, err)

	assert.Equal(t, Tree{"a": float64(1), "b": float64(2)}, s.Snapshot())
	assert.Equal(t, 1, calls)
	assert.Equal(t, 1, p.sets)
	history := s.History()
	require.Len(t, history, 1)
	assert.Equal(t, KindBatchUpdate, history[0].Action.Kind)
}

func TestResetNotifiesOnlyWholeTreeSubscribers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetNestedState(ctx, "user.isAuthenticated", true))

	var global, scoped int
	var kind string
	s.Subscribe("", func(_ any, _ any, action Action) {
		global++
		kind = action.Kind
	})
	s.Subscribe("user.isAuthenticated", func(any, any, Action) { scoped++ })

	require.NoError(t, s.Reset(ctx, nil))
	assert.Equal(t, 1, global)
	assert.Zero(t, scoped)
	assert.Equal(t, KindReset, kind)
	assert.Equal(t, false, s.GetState("user.isAuthenticated"))
}

func TestHistoryIsBounded(t *testing.T) {
	s := newTestStore(t, WithHistoryLimit(3), WithInitialState(Tree{}))
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		require.NoError(t, s.SetState(ctx, Patch{"n": i}))
	}
	history := s.History()
	require.Len(t, history, 3)
	assert.Equal(t, float64(3), history[0].Next["n"])
	assert.Equal(t, float64(5), history[2].Next["n"])
	assert.Equal(t, uint64(5), history[2].Version)

	s.ClearHistory()
	assert.Empty(t, s.History())
}

func TestSnapshotsAreIndependentCopies(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetNestedState(ctx, "market.watchlist", []any{"ACME"}))

	history := s.History()
	history[0].Next["market"].(map[string]any)["watchlist"].([]any)[0] = "MUTATED"
	snapshot := s.Snapshot()
	snapshot["market"].(map[string]any)["watchlist"] = nil
	got := s.GetState("market.watchlist").([]any)
	got[0] = "ALSO MUTATED"

	assert.Equal(t, []any{"ACME"}, s.GetState("market.watchlist"))
	assert.Equal(t, "ACME", s.History()[0].Next["market"].(map[string]any)["watchlist"].([]any)[0])
}

func TestSubscriberPanicDoesNotStopDelivery(t *testing.T) {
	s := newTestStore(t)
	var delivered bool
	s.Subscribe("", func(any, any, Action) { panic("listener bug") })
	s.Subscribe("", func(any, any, Action) { delivered = true })

	require.NoError(t, s.SetState(context.Background(), Patch{}))
	assert.True(t, delivered)
}

func TestReentrantWriteIsQueued(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{"step": 0}))
	ctx := context.Background()

	var order []string
	s.Subscribe("", func(newValue, _ any, action Action) {
		step := newValue.(Tree)["step"].(float64)
		order = append(order, fmt.Sprintf("%s:%v", action.Kind, step))
		if action.Kind == "FIRST" {
			require.NoError(t, s.SetState(ctx, Patch{"step": 2}, WithKind("SECOND")))
			order = append(order, "after-nested-set")
		}
	})

	require.NoError(t, s.SetState(ctx, Patch{"step": 1}, WithKind("FIRST")))
	assert.Equal(t, []string{"FIRST:1", "after-nested-set", "SECOND:2"}, order)
	assert.Equal(t, float64(2), s.GetState("step"))
}

func TestPersistsProjectionWithoutVolatilePaths(t *testing.T) {
	p := newFakePersister()
	clock := clockwork.NewFakeClock()
	s := newTestStore(t, WithPersister(p), WithClock(clock))
	ctx := context.Background()

	require.NoError(t, s.SetNestedState(ctx, "market.connection", map[string]any{"status": "connected"}))
	stored := p.stored(t)
	assert.Equal(t, clock.Now().UnixMilli(), stored.Timestamp)
	market := stored.State["market"].(map[string]any)
	assert.NotContains(t, market, "connection")
	assert.Contains(t, market, "watchlist")
	assert.Equal(t, "connected", s.GetState("market.connection.status"), "live state keeps volatile data")
}

func TestRestoresPersistedState(t *testing.T) {
	p := newFakePersister()
	clock := clockwork.NewFakeClock()
	first := newTestStore(t, WithPersister(p), WithClock(clock))
	require.NoError(t, first.SetNestedState(context.Background(), "market.watchlist", []any{"ACME"}))

	clock.Advance(time.Hour)
	second := newTestStore(t, WithPersister(p), WithClock(clock))
	assert.Equal(t, []any{"ACME"}, second.GetState("market.watchlist"))
	assert.Equal(t, "disconnected", second.GetState("market.connection.status"), "volatile data comes from defaults")
}

func TestDiscardsStalePersistedState(t *testing.T) {
	p := newFakePersister()
	clock := clockwork.NewFakeClock()
	first := newTestStore(t, WithPersister(p), WithClock(clock))
	require.NoError(t, first.SetNestedState(context.Background(), "market.watchlist", []any{"ACME"}))

	clock.Advance(25 * time.Hour)
	second := newTestStore(t, WithPersister(p), WithClock(clock))
	assert.Equal(t, []any{}, second.GetState("market.watchlist"))
	assert.Equal(t, []string{DefaultPersistKey}, p.removed)
}

func TestDiscardsUnreadablePersistedState(t *testing.T) {
	p := newFakePersister()
	p.getErr = fmt.Errorf("corrupt")
	s := newTestStore(t, WithPersister(p))
	assert.Equal(t, false, s.GetState("user.isAuthenticated"))
	assert.Equal(t, []string{DefaultPersistKey}, p.removed)
}

func TestPersistFailureDoesNotFailWrite(t *testing.T) {
	p := newFakePersister()
	p.setErr = fmt.Errorf("quota exceeded")
	s := newTestStore(t, WithPersister(p))

	require.NoError(t, s.SetNestedState(context.Background(), "ui.loading", true))
	assert.Equal(t, true, s.GetState("ui.loading"))
}

func TestQuery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetNestedState(ctx, "portfolio.holdings", []any{
		map[string]any{"symbol": "ACME", "quantity": 10},
		map[string]any{"symbol": "GLOBEX", "quantity": 5},
	}))

	symbols, err := s.Query("$.portfolio.holdings[*].symbol")
	require.NoError(t, err)
	assert.Equal(t, []any{"ACME", "GLOBEX"}, symbols)

	_, err = s.Query("$.portfolio.holdings[")
	assert.Error(t, err)
}

func TestConcurrentWritesAllCommit(t *testing.T) {
	s := newTestStore(t, WithInitialState(Tree{}))
	ctx := context.Background()

	var mu sync.Mutex
	var seen int
	s.Subscribe("", func(any, any, Action) {
		mu.Lock()
		seen++
		mu.Unlock()
	})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.SetState(ctx, Patch{fmt.Sprintf("k%d", i): i}))
		}(i)
	}
	wg.Wait()

	assert.Equal(t, uint64(20), s.Version())
	assert.Len(t, s.Snapshot(), 20)
	mu.Lock()
	assert.Equal(t, 20, seen)
	mu.Unlock()
}
