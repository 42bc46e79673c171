// Package realtime keeps a websocket subscription to the price feed and
// republishes what it receives on the event bus.
package realtime

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"

	"lupo/client/internal/events"
)

const (
	StatusDisconnected = "disconnected"
	StatusConnecting   = "connecting"
	StatusConnected    = "connected"

	writeTimeout = 10 * time.Second
	minBackoff   = time.Second
	maxBackoff   = 30 * time.Second
)

var errClosed = stderrors.New("feed closed")

type frame struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// PriceUpdate is the realtime:price-update payload.
type PriceUpdate struct {
	Symbol        string  `json:"symbol"`
	Price         float64 `json:"price"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
	Timestamp     int64   `json:"timestamp"`
}

// ConnectionChange is the realtime:connection-change payload.
type ConnectionChange struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

type Feed struct {
	url    string
	dialer *websocket.Dialer
	bus    events.Bus
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	conn    *websocket.Conn
	lost    chan struct{}
	status  string
	symbols map[string]struct{}
	token   string
	closed  bool

	writeMu sync.Mutex
	wg      sync.WaitGroup
}

type Option func(*Feed)

func WithDialer(d *websocket.Dialer) Option {
	return func(f *Feed) { f.dialer = d }
}

func WithClock(clock clockwork.Clock) Option {
	return func(f *Feed) { f.clock = clock }
}

func WithLogger(logger *slog.Logger) Option {
	return func(f *Feed) { f.logger = logger }
}

func New(url string, bus events.Bus, opts ...Option) *Feed {
	f := &Feed{
		url:     url,
		dialer:  websocket.DefaultDialer,
		bus:     bus,
		clock:   clockwork.NewRealClock(),
		logger:  slog.Default(),
		status:  StatusDisconnected,
		symbols: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(f)
	}
	f.logger = f.logger.With("component", "realtime")
	return f
}

// Connect dials the feed once. Watched symbols and the current token are
// replayed on the new connection.
func (f *Feed) Connect(ctx context.Context) error {
	_, err := f.connect(ctx)
	return err
}

// Run keeps the feed connected until ctx ends or the feed is closed,
// reconnecting with exponential backoff.
func (f *Feed) Run(ctx context.Context) error {
	backoff := minBackoff
	for {
		lost, err := f.connect(ctx)
		switch {
		case stderrors.Is(err, errClosed):
			return nil
		case err == nil:
			backoff = minBackoff
			select {
			case <-lost:
			case <-ctx.Done():
				return ctx.Err()
			}
		default:
			f.logger.Warn("feed connect failed", "err", err, "retry_in", backoff)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-f.clock.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

func (f *Feed) connect(ctx context.Context) (<-chan struct{}, error) {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil, errClosed
	}
	if f.conn != nil {
		lost := f.lost
		f.mu.Unlock()
		return lost, nil
	}
	f.status = StatusConnecting
	f.mu.Unlock()
	f.publishStatus(StatusConnecting, nil)

	conn, _, err := f.dialer.DialContext(ctx, f.url, nil)
	if err != nil {
		f.setStatus(StatusDisconnected)
		f.publishStatus(StatusDisconnected, err)
		return nil, errors.Wrap(err, errors.CodeNetwork, "dial price feed")
	}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		_ = conn.Close()
		return nil, errClosed
	}
	lost := make(chan struct{})
	f.conn = conn
	f.lost = lost
	f.status = StatusConnected
	token := f.token
	symbols := f.watchedLocked()
	f.mu.Unlock()

	f.logger.Info("feed connected", "url", f.url)
	f.publishStatus(StatusConnected, nil)

	if token != "" {
		if err := f.send(ctx, conn, "auth", map[string]string{"token": token}); err != nil {
			f.logger.Warn("send auth failed", "err", err)
		}
	}
	if len(symbols) > 0 {
		if err := f.send(ctx, conn, "subscribe", map[string][]string{"symbols": symbols}); err != nil {
			f.logger.Warn("resubscribe failed", "err", err)
		}
	}

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		defer close(lost)
		f.readLoop(conn)
	}()
	return lost, nil
}

func (f *Feed) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			f.dropped(conn, err)
			return
		}
		var fr frame
		if err := json.Unmarshal(data, &fr); err != nil {
			f.logger.Warn("invalid feed frame", "err", err)
			continue
		}
		switch fr.Type {
		case "price":
			var update PriceUpdate
			if err := json.Unmarshal(fr.Payload, &update); err != nil || update.Symbol == "" {
				f.logger.Warn("invalid price frame", "err", err)
				continue
			}
			update.Symbol = strings.ToUpper(update.Symbol)
			if update.Timestamp == 0 {
				update.Timestamp = f.clock.Now().UnixMilli()
			}
			f.bus.Publish(events.RealtimePriceUpdate, update)
		case "error":
			f.logger.Warn("feed error", "payload", string(fr.Payload))
		default:
			f.logger.Debug("ignoring feed frame", "type", fr.Type)
		}
	}
}

func (f *Feed) dropped(conn *websocket.Conn, err error) {
	f.mu.Lock()
	if f.conn != conn {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	f.status = StatusDisconnected
	f.mu.Unlock()
	_ = conn.Close()
	f.logger.Warn("feed disconnected", "err", err)
	f.publishStatus(StatusDisconnected, err)
}

// WatchSymbols adds symbols to the subscription set. Only symbols not
// already watched are sent to the server.
func (f *Feed) WatchSymbols(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	var added []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if _, ok := f.symbols[s]; ok {
			continue
		}
		f.symbols[s] = struct{}{}
		added = append(added, s)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(added) == 0 {
		return nil
	}
	return f.send(ctx, conn, "subscribe", map[string][]string{"symbols": added})
}

func (f *Feed) UnwatchSymbols(ctx context.Context, symbols []string) error {
	f.mu.Lock()
	var removed []string
	for _, s := range symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if _, ok := f.symbols[s]; !ok {
			continue
		}
		delete(f.symbols, s)
		removed = append(removed, s)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(removed) == 0 {
		return nil
	}
	return f.send(ctx, conn, "unsubscribe", map[string][]string{"symbols": removed})
}

// Watched returns the subscribed symbols in sorted order.
func (f *Feed) Watched() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.watchedLocked()
}

func (f *Feed) watchedLocked() []string {
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func (f *Feed) ConnectionState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status
}

// SetAuthToken authenticates the current connection and any later one.
func (f *Feed) SetAuthToken(token string) {
	f.mu.Lock()
	f.token = token
	conn := f.conn
	f.mu.Unlock()
	if conn == nil || token == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := f.send(ctx, conn, "auth", map[string]string{"token": token}); err != nil {
		f.logger.Warn("send auth failed", "err", err)
	}
}

func (f *Feed) ClearAuthToken() {
	f.mu.Lock()
	f.token = ""
	f.mu.Unlock()
}

// Close drops the connection and stops reconnecting. It waits for the read
// loop to exit.
func (f *Feed) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	conn := f.conn
	f.conn = nil
	f.status = StatusDisconnected
	f.mu.Unlock()

	var err error
	if conn != nil {
		f.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		f.writeMu.Unlock()
		err = conn.Close()
		f.publishStatus(StatusDisconnected, nil)
	}
	f.wg.Wait()
	return err
}

func (f *Feed) send(ctx context.Context, conn *websocket.Conn, typ string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, errors.CodeInvalidInput, "encode feed frame")
	}
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(deadline)
	if err := conn.WriteJSON(frame{Type: typ, Payload: raw}); err != nil {
		return errors.Wrapf(err, errors.CodeNetwork, "send %s frame", typ)
	}
	return nil
}

func (f *Feed) setStatus(status string) {
	f.mu.Lock()
	f.status = status
	f.mu.Unlock()
}

func (f *Feed) publishStatus(status string, err error) {
	change := ConnectionChange{Status: status}
	if err != nil {
		change.Error = err.Error()
	}
	f.bus.Publish(events.RealtimeConnectionChange, change)
}
