package syncer

import (
	"context"
	"maps"
	"strings"
	"time"

	"lupo/client/internal/events"
	"lupo/client/internal/state"
)

func (s *Synchronizer) listen() {
	subscribe := func(name string, h events.Handler) {
		s.busUnsubs = append(s.busUnsubs, s.bus.Subscribe(name, h))
	}
	subscribe(events.AuthLogin, s.handleLogin)
	subscribe(events.AuthLogout, s.handleLogout)
	subscribe(events.TradeCompleted, s.handleTradeCompleted)
	subscribe(events.RealtimePriceUpdate, s.handlePriceUpdate)
	subscribe(events.RealtimeConnectionChange, s.handleConnectionChange)
}

func (s *Synchronizer) handleLogin(e events.Event) {
	if err := s.SyncMethodResult(s.ctx, ServiceAuth, "login", e.Payload); err != nil {
		s.logger.Warn("apply login failed", "err", err)
		return
	}
	if _, ok := s.registration(ServicePortfolio); ok {
		_ = s.refresh(s.ctx, ServicePortfolio)
	}
}

// handleLogout commits the signed-out state as a single transition; the
// AUTH_LOGOUT reconciler then clears credentials.
func (s *Synchronizer) handleLogout(events.Event) {
	if err := s.SyncMethodResult(s.ctx, ServiceAuth, "logout", nil); err != nil {
		s.logger.Warn("apply logout failed", "err", err)
	}
}

func (s *Synchronizer) handleTradeCompleted(events.Event) {
	if _, ok := s.registration(ServicePortfolio); !ok {
		return
	}
	_ = s.refresh(s.ctx, ServicePortfolio)
}

func (s *Synchronizer) handlePriceUpdate(e events.Event) {
	payload, ok := toMap(e.Payload)
	if !ok {
		s.logger.Warn("ignoring price update without payload")
		return
	}
	update := maps.Clone(payload)
	symbol, _ := update["symbol"].(string)
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if symbol == "" {
		s.logger.Warn("ignoring price update without symbol")
		return
	}
	update["symbol"] = symbol
	err := s.store.Batch(s.ctx, []state.Update{
		state.At(update, "market", "prices", symbol),
		state.At(float64(e.Timestamp.UnixMilli()), "market", "lastUpdated"),
	}, state.WithKind(KindPriceUpdate), state.WithSource(Source))
	if err != nil {
		s.logger.Warn("apply price update failed", "symbol", symbol, "err", err)
	}
}

func (s *Synchronizer) handleConnectionChange(e events.Event) {
	payload, ok := toMap(e.Payload)
	if !ok {
		return
	}
	change := maps.Clone(payload)
	change["since"] = float64(e.Timestamp.UnixMilli())
	err := s.store.SetState(s.ctx, state.At(change, "market", "connection"),
		state.WithKind(KindConnectionChange),
		state.WithSource(Source),
		state.WithoutPersist(),
	)
	if err != nil {
		s.logger.Warn("apply connection change failed", "err", err)
	}
}

// CheckStaleness refreshes the portfolio and market data when their
// lastUpdated stamps are older than the configured thresholds. Failures are
// logged and retried on the next sweep.
func (s *Synchronizer) CheckStaleness(ctx context.Context) {
	now := s.clock.Now()
	if _, ok := s.registration(ServicePortfolio); ok {
		authed, _ := s.store.GetState("user.isAuthenticated").(bool)
		if authed && stale(s.store.GetState("portfolio.lastUpdated"), now, s.portfolioStaleAfter) {
			_ = s.refresh(ctx, ServicePortfolio)
		}
	}
	if _, ok := s.registration(ServiceMarket); ok {
		if stale(s.store.GetState("market.lastUpdated"), now, s.marketStaleAfter) {
			_ = s.refresh(ctx, ServiceMarket)
		}
	}
}

func stale(lastUpdated any, now time.Time, after time.Duration) bool {
	ms, ok := lastUpdated.(float64)
	if !ok {
		return true
	}
	return now.Sub(time.UnixMilli(int64(ms))) > after
}
