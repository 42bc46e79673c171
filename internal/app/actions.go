package app

import (
	"context"

	"lupo/client/internal/market"
	"lupo/client/internal/portfolio"
	"lupo/client/internal/syncer"
)

// Actions are the collaborator calls the HTTP surface can trigger. Each one
// is expected to be wrapped with syncer.Intercept so its result reaches the
// state tree.
type Actions struct {
	GetPortfolio        func(ctx context.Context) (portfolio.Snapshot, error)
	ExecuteTrade        func(ctx context.Context, trade portfolio.Trade) (portfolio.TradeResult, error)
	GetQuotes           func(ctx context.Context, symbols []string) (map[string]market.Quote, error)
	AddToWatchlist      func(ctx context.Context, symbol string) ([]string, error)
	RemoveFromWatchlist func(ctx context.Context, symbol string) ([]string, error)
}

type PortfolioAPI interface {
	GetPortfolio(ctx context.Context) (portfolio.Snapshot, error)
	ExecuteTrade(ctx context.Context, trade portfolio.Trade) (portfolio.TradeResult, error)
}

type MarketAPI interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]market.Quote, error)
	AddToWatchlist(ctx context.Context, symbol string) ([]string, error)
	RemoveFromWatchlist(ctx context.Context, symbol string) ([]string, error)
}

// SyncedActions decorates the portfolio and market methods with the
// synchronizer's interceptors. Either collaborator may be nil.
func SyncedActions(s *syncer.Synchronizer, p PortfolioAPI, m MarketAPI) Actions {
	var a Actions
	if p != nil {
		a.GetPortfolio = syncer.InterceptCall(s, syncer.ServicePortfolio, "getPortfolio", p.GetPortfolio)
		a.ExecuteTrade = syncer.Intercept(s, syncer.ServicePortfolio, "executeTrade", p.ExecuteTrade)
	}
	if m != nil {
		a.GetQuotes = syncer.Intercept(s, syncer.ServiceMarket, "getQuotes", m.GetQuotes)
		a.AddToWatchlist = syncer.Intercept(s, syncer.ServiceMarket, "addToWatchlist", m.AddToWatchlist)
		a.RemoveFromWatchlist = syncer.Intercept(s, syncer.ServiceMarket, "removeFromWatchlist", m.RemoveFromWatchlist)
	}
	return a
}

func WithActions(a Actions) Option {
	return func(s *Service) { s.actions = a }
}
