package syncer

import (
	"context"
	"fmt"
	"sort"

	"github.com/jmgilman/go/errors"

	"lupo/client/internal/events"
	"lupo/client/internal/market"
	"lupo/client/internal/portfolio"
	"lupo/client/internal/state"
)

// Intercept wraps a service method so that successful results of watched
// methods are written into the state tree. A failed write is logged; the
// caller still gets the method's own result.
func Intercept[A, R any](s *Synchronizer, service, method string, fn func(context.Context, A) (R, error)) func(context.Context, A) (R, error) {
	return func(ctx context.Context, arg A) (R, error) {
		result, err := fn(ctx, arg)
		if err != nil {
			return result, err
		}
		if s.watches(service, method) {
			if serr := s.SyncMethodResult(ctx, service, method, result, arg); serr != nil {
				s.logger.Warn("sync method result failed", "service", service, "method", method, "err", serr)
			}
		}
		return result, nil
	}
}

// InterceptCall is Intercept for methods without arguments.
func InterceptCall[R any](s *Synchronizer, service, method string, fn func(context.Context) (R, error)) func(context.Context) (R, error) {
	return func(ctx context.Context) (R, error) {
		result, err := fn(ctx)
		if err != nil {
			return result, err
		}
		if s.watches(service, method) {
			if serr := s.SyncMethodResult(ctx, service, method, result); serr != nil {
				s.logger.Warn("sync method result failed", "service", service, "method", method, "err", serr)
			}
		}
		return result, nil
	}
}

// SyncMethodResult writes result into the tree as one transition whose kind
// is derived from service and method. Results of unknown pairs land under
// app.serviceData.<service>.<method>.
func (s *Synchronizer) SyncMethodResult(ctx context.Context, service, method string, result any, args ...any) error {
	kind, updates := s.resultUpdates(service, method, result)
	if len(updates) == 0 {
		return nil
	}
	payload := map[string]any{"service": service, "method": method}
	if len(args) > 0 {
		payload["args"] = args
	}
	return s.store.Batch(ctx, updates,
		state.WithKind(kind),
		state.WithSource(Source),
		state.WithPayload(payload),
	)
}

func (s *Synchronizer) resultUpdates(service, method string, result any) (string, []state.Update) {
	now := float64(s.clock.Now().UnixMilli())

	switch service + "." + method {
	case "auth.login":
		session, _ := toMap(result)
		profile, ok := session["user"]
		if !ok {
			profile = session
		}
		return KindAuthLogin, []state.Update{
			state.At(true, "user", "isAuthenticated"),
			state.At(profile, "user", "profile"),
			state.At(session["expiresAt"], "user", "sessionExpiresAt"),
		}

	case "auth.logout":
		return KindAuthLogout, logoutUpdates()

	case "portfolio.getPortfolio", "portfolio.refresh":
		value, ok := toMap(result)
		if !ok {
			break
		}
		updates := make([]state.Update, 0, len(value)+1)
		for _, key := range sortedKeys(value) {
			updates = append(updates, state.At(value[key], "portfolio", key))
		}
		updates = append(updates, state.At(now, "portfolio", "lastUpdated"))
		return KindPortfolioUpdate, updates

	case "portfolio.executeTrade":
		return KindTradeCompleted, []state.Update{state.At(result, "app", "lastTrade")}

	case "market.getQuote", "market.getQuotes":
		var updates []state.Update
		switch q := result.(type) {
		case market.Quote:
			updates = append(updates, state.At(q.StateValue(), "market", "prices", q.Symbol))
		case map[string]market.Quote:
			symbols := make([]string, 0, len(q))
			for symbol := range q {
				symbols = append(symbols, symbol)
			}
			sort.Strings(symbols)
			for _, symbol := range symbols {
				updates = append(updates, state.At(q[symbol].StateValue(), "market", "prices", symbol))
			}
		}
		if len(updates) == 0 {
			return KindPriceUpdate, nil
		}
		updates = append(updates, state.At(now, "market", "lastUpdated"))
		return KindPriceUpdate, updates

	case "market.addToWatchlist":
		return KindWatchlistAdd, []state.Update{state.At(nonNilList(result), "market", "watchlist")}

	case "market.removeFromWatchlist":
		return KindWatchlistRemove, []state.Update{state.At(nonNilList(result), "market", "watchlist")}

	case "settings.updatePreferences", "user.updatePreferences":
		prefs, ok := toMap(result)
		if !ok {
			break
		}
		updates := make([]state.Update, 0, len(prefs))
		for _, key := range sortedKeys(prefs) {
			updates = append(updates, state.At(prefs[key], "user", "preferences", key))
		}
		return KindSettingsUpdate, updates

	case "user.updateProfile", "user.getProfile":
		return KindUserUpdate, []state.Update{state.At(result, "user", "profile")}
	}

	return KindServiceUpdate, []state.Update{state.At(result, "app", "serviceData", service, method)}
}

// logoutUpdates return the user and portfolio subtrees to their signed-out
// shape. Preferences survive.
func logoutUpdates() []state.Update {
	defaults := state.DefaultState()
	return []state.Update{
		state.At(false, "user", "isAuthenticated"),
		state.At(nil, "user", "profile"),
		state.At(nil, "user", "sessionExpiresAt"),
		state.At(defaults["portfolio"], "portfolio"),
	}
}

// SyncServiceToState pulls fresh data from the named service according to
// the capability its handle implements.
func (s *Synchronizer) SyncServiceToState(ctx context.Context, name string) error {
	reg, ok := s.registration(name)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownService, name)
	}

	switch h := reg.Handle.(type) {
	case PortfolioSource:
		snap, err := h.GetPortfolio(ctx)
		if err != nil {
			return err
		}
		return s.SyncMethodResult(ctx, ServicePortfolio, "getPortfolio", snap)
	case QuoteSource:
		symbols := s.trackedSymbols()
		if len(symbols) == 0 {
			return nil
		}
		quotes, err := h.GetQuotes(ctx, symbols)
		if err != nil {
			return err
		}
		return s.SyncMethodResult(ctx, ServiceMarket, "getQuotes", quotes)
	case Refresher:
		value, err := h.Refresh(ctx)
		if err != nil {
			return err
		}
		return s.SyncMethodResult(ctx, name, "refresh", value)
	default:
		return errors.New(errors.CodeInvalidInput, fmt.Sprintf("service %s cannot be refreshed", name))
	}
}

// refresh is SyncServiceToState with sync:completed / sync:failed events.
func (s *Synchronizer) refresh(ctx context.Context, name string) error {
	err := s.SyncServiceToState(ctx, name)
	if err != nil {
		s.logger.Warn("service refresh failed", "service", name, "err", err, "retryable", errors.IsRetryable(err))
		s.bus.Publish(events.SyncFailed, map[string]any{"service": name, "error": err.Error()})
		return err
	}
	s.bus.Publish(events.SyncCompleted, map[string]any{"service": name})
	return nil
}

// trackedSymbols is the union of the watchlist and the held symbols.
func (s *Synchronizer) trackedSymbols() []string {
	seen := map[string]struct{}{}
	for _, symbol := range stringList(s.store.GetState("market.watchlist")) {
		seen[symbol] = struct{}{}
	}
	for _, symbol := range portfolio.Symbols(portfolio.HoldingsFromState(s.store.GetState("portfolio.holdings"))) {
		seen[symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for symbol := range seen {
		out = append(out, symbol)
	}
	sort.Strings(out)
	return out
}
