package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lupo/client/internal/events"
)

// feedServer is a scripted price feed. It records every frame the client
// sends and lets the test push frames back.
type feedServer struct {
	*httptest.Server

	mu     sync.Mutex
	frames []frame
	conns  chan *websocket.Conn
}

func newFeedServer(t *testing.T) *feedServer {
	t.Helper()
	fs := &feedServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
		for {
			var fr frame
			if err := conn.ReadJSON(&fr); err != nil {
				return
			}
			fs.mu.Lock()
			fs.frames = append(fs.frames, fr)
			fs.mu.Unlock()
		}
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *feedServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *feedServer) received() []frame {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return append([]frame(nil), fs.frames...)
}

func (fs *feedServer) waitFrames(t *testing.T, n int) []frame {
	t.Helper()
	require.Eventually(t, func() bool { return len(fs.received()) >= n }, 2*time.Second, 5*time.Millisecond)
	return fs.received()
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) all() []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]events.Event(nil), r.events...)
}

func symbolsOf(t *testing.T, fr frame) []string {
	t.Helper()
	var body struct {
		Symbols []string `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(fr.Payload, &body))
	return body.Symbols
}

func TestConnectReplaysStateAndStreamsPrices(t *testing.T) {
	server := newFeedServer(t)
	bus := events.NewLocalBus()
	statuses := &recorder{}
	prices := &recorder{}
	bus.Subscribe(events.RealtimeConnectionChange, statuses.handle)
	bus.Subscribe(events.RealtimePriceUpdate, prices.handle)

	feed := New(server.wsURL(), bus)
	defer feed.Close()
	ctx := context.Background()

	require.NoError(t, feed.WatchSymbols(ctx, []string{"acme", "BOLT"}))
	feed.SetAuthToken("tok")
	require.NoError(t, feed.Connect(ctx))
	assert.Equal(t, StatusConnected, feed.ConnectionState())

	frames := server.waitFrames(t, 2)
	assert.Equal(t, "auth", frames[0].Type)
	assert.JSONEq(t, `{"token":"tok"}`, string(frames[0].Payload))
	assert.Equal(t, "subscribe", frames[1].Type)
	assert.Equal(t, []string{"ACME", "BOLT"}, symbolsOf(t, frames[1]))

	conn := <-server.conns
	require.NoError(t, conn.WriteJSON(map[string]any{
		"type":    "price",
		"payload": map[string]any{"symbol": "acme", "price": 15.5, "change": 0.2, "timestamp": 1700000000000},
	}))
	require.Eventually(t, func() bool { return len(prices.all()) == 1 }, 2*time.Second, 5*time.Millisecond)
	update := prices.all()[0].Payload.(PriceUpdate)
	assert.Equal(t, "ACME", update.Symbol)
	assert.Equal(t, 15.5, update.Price)

	got := statuses.all()
	require.Len(t, got, 2)
	assert.Equal(t, StatusConnecting, got[0].Payload.(ConnectionChange).Status)
	assert.Equal(t, StatusConnected, got[1].Payload.(ConnectionChange).Status)
}

func TestWatchSendsOnlyNewSymbols(t *testing.T) {
	server := newFeedServer(t)
	feed := New(server.wsURL(), events.NewLocalBus())
	defer feed.Close()
	ctx := context.Background()
	require.NoError(t, feed.Connect(ctx))

	require.NoError(t, feed.WatchSymbols(ctx, []string{"ACME"}))
	require.NoError(t, feed.WatchSymbols(ctx, []string{"ACME", "BOLT"}))
	require.NoError(t, feed.UnwatchSymbols(ctx, []string{"ACME", "ZED"}))

	frames := server.waitFrames(t, 3)
	assert.Equal(t, []string{"ACME"}, symbolsOf(t, frames[0]))
	assert.Equal(t, []string{"BOLT"}, symbolsOf(t, frames[1]))
	assert.Equal(t, "unsubscribe", frames[2].Type)
	assert.Equal(t, []string{"ACME"}, symbolsOf(t, frames[2]))
	assert.Equal(t, []string{"BOLT"}, feed.Watched())
}

func TestServerDropPublishesDisconnect(t *testing.T) {
	server := newFeedServer(t)
	bus := events.NewLocalBus()
	statuses := &recorder{}
	bus.Subscribe(events.RealtimeConnectionChange, statuses.handle)

	feed := New(server.wsURL(), bus)
	defer feed.Close()
	require.NoError(t, feed.Connect(context.Background()))

	conn := <-server.conns
	require.NoError(t, conn.Close())

	require.Eventually(t, func() bool { return feed.ConnectionState() == StatusDisconnected }, 2*time.Second, 5*time.Millisecond)
	got := statuses.all()
	assert.Equal(t, StatusDisconnected, got[len(got)-1].Payload.(ConnectionChange).Status)
	assert.NotEmpty(t, got[len(got)-1].Payload.(ConnectionChange).Error)
}

func TestDialFailure(t *testing.T) {
	server := newFeedServer(t)
	url := server.wsURL()
	server.Close()

	feed := New(url, events.NewLocalBus())
	err := feed.Connect(context.Background())
	require.Error(t, err)
	assert.Equal(t, StatusDisconnected, feed.ConnectionState())
}

func TestCloseStopsRun(t *testing.T) {
	server := newFeedServer(t)
	feed := New(server.wsURL(), events.NewLocalBus())

	done := make(chan error, 1)
	go func() { done <- feed.Run(context.Background()) }()
	<-server.conns

	require.NoError(t, feed.Close())
	require.NoError(t, feed.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after Close")
	}
}

func TestRunReconnectsAfterEarlierConnect(t *testing.T) {
	server := newFeedServer(t)
	clock := clockwork.NewFakeClock()
	feed := New(server.wsURL(), events.NewLocalBus(), WithClock(clock))
	defer feed.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, feed.Connect(ctx))
	first := <-server.conns

	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()
	// Let Run pick up the connection made by Connect.
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, first.Close())
	waitCtx, waitCancel := context.WithTimeout(ctx, 2*time.Second)
	defer waitCancel()
	if clock.BlockUntilContext(waitCtx, 1) == nil {
		clock.Advance(minBackoff)
	}

	select {
	case <-server.conns:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not reconnect after the connection dropped")
	}
	require.Eventually(t, func() bool { return feed.ConnectionState() == StatusConnected }, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
