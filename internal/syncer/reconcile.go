package syncer

import (
	"context"
	stderrors "errors"

	"lupo/client/internal/portfolio"
	"lupo/client/internal/state"
)

func (s *Synchronizer) defaultHandlers() map[string]Reconciler {
	return map[string]Reconciler{
		KindAuthLogin:       s.onLogin,
		KindAuthLogout:      s.onLogout,
		KindPortfolioUpdate: s.onPortfolioUpdate,
		KindWatchlistAdd:    s.onWatchlistAdd,
		KindWatchlistRemove: s.onWatchlistRemove,
		KindPriceUpdate:     s.onPriceUpdate,
		KindSettingsUpdate:  s.onSettingsUpdate,
	}
}

// onLogin hands the session token to every collaborator that takes one.
func (s *Synchronizer) onLogin(_ context.Context, _ Item) error {
	regs := s.registrations()
	var token, source string
	for _, reg := range regs {
		if ts, ok := reg.Handle.(TokenSource); ok {
			if t := ts.AuthToken(); t != "" {
				token, source = t, reg.Name
				break
			}
		}
	}
	if token == "" {
		s.logger.Debug("login without a token source, nothing to propagate")
		return nil
	}

	for _, target := range s.credentialTargets {
		if setter, ok := target.(CredentialSetter); ok {
			setter.SetAuthToken(token)
		}
	}
	for _, reg := range regs {
		if reg.Name == source {
			continue
		}
		if setter, ok := reg.Handle.(CredentialSetter); ok {
			setter.SetAuthToken(token)
		}
	}
	return nil
}

// onLogout clears credentials everywhere and purges service caches.
func (s *Synchronizer) onLogout(ctx context.Context, _ Item) error {
	for _, target := range s.credentialTargets {
		if clearer, ok := target.(CredentialClearer); ok {
			clearer.ClearAuthToken()
		}
	}
	var errs []error
	for _, reg := range s.registrations() {
		if clearer, ok := reg.Handle.(CredentialClearer); ok {
			clearer.ClearAuthToken()
		}
		if remover, ok := reg.Handle.(TokenRemover); ok {
			remover.RemoveAuthToken()
		}
		if cc, ok := reg.Handle.(CacheClearer); ok {
			if err := cc.ClearCache(ctx); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return stderrors.Join(errs...)
}

func (s *Synchronizer) onPortfolioUpdate(ctx context.Context, item Item) error {
	held := portfolio.Symbols(portfolio.HoldingsFromState(at(item.Next, "portfolio", "holdings")))
	if len(held) > 0 {
		if w := s.watcher(); w != nil {
			if err := w.WatchSymbols(ctx, held); err != nil {
				return err
			}
		}
	}
	return s.revalue(ctx, item.Next)
}

func (s *Synchronizer) onWatchlistAdd(ctx context.Context, item Item) error {
	added := difference(stringList(at(item.Next, "market", "watchlist")), stringList(at(item.Prev, "market", "watchlist")))
	if len(added) == 0 {
		return nil
	}
	if w := s.watcher(); w != nil {
		return w.WatchSymbols(ctx, added)
	}
	return nil
}

// onWatchlistRemove stops streaming removed symbols unless they are held.
func (s *Synchronizer) onWatchlistRemove(ctx context.Context, item Item) error {
	removed := difference(stringList(at(item.Prev, "market", "watchlist")), stringList(at(item.Next, "market", "watchlist")))
	held := portfolio.Symbols(portfolio.HoldingsFromState(at(item.Next, "portfolio", "holdings")))
	unwatch := difference(removed, held)
	if len(unwatch) == 0 {
		return nil
	}
	if w := s.watcher(); w != nil {
		return w.UnwatchSymbols(ctx, unwatch)
	}
	return nil
}

func (s *Synchronizer) onPriceUpdate(ctx context.Context, item Item) error {
	return s.revalue(ctx, item.Next)
}

func (s *Synchronizer) onSettingsUpdate(ctx context.Context, item Item) error {
	if s.prefs == nil {
		return nil
	}
	return s.prefs.Set(ctx, preferencesKey, at(item.Next, "user", "preferences"))
}

// revalue recomputes portfolio.totalValue from holdings, cash and the latest
// prices, writing only when it changed.
func (s *Synchronizer) revalue(ctx context.Context, tree state.Tree) error {
	snap := portfolio.FromState(at(tree, "portfolio"))
	total := snap.TotalValue(portfolio.PricesFromState(at(tree, "market", "prices"))).InexactFloat64()
	if current, _ := at(tree, "portfolio", "totalValue").(float64); current == total {
		return nil
	}
	return s.store.SetState(ctx, state.At(total, "portfolio", "totalValue"),
		state.WithKind(KindPortfolioValuation),
		state.WithSource(Source),
	)
}

func (s *Synchronizer) watcher() SymbolWatcher {
	for _, reg := range s.registrations() {
		if w, ok := reg.Handle.(SymbolWatcher); ok {
			return w
		}
	}
	return nil
}
