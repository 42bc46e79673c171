package syncer

import (
	"context"

	"lupo/client/internal/market"
	"lupo/client/internal/portfolio"
)

// Canonical service names. Method results are mapped onto the state tree by
// these names.
const (
	ServiceAuth      = "auth"
	ServicePortfolio = "portfolio"
	ServiceMarket    = "market"
	ServiceRealtime  = "realtime"
	ServiceSettings  = "settings"
	ServiceUser      = "user"
)

// Registration announces a service to the synchronizer. Handle is inspected
// for the capability interfaces below; WatchedMethods gates interception and
// every event in WatchedEvents triggers a refresh of the service.
type Registration struct {
	Name           string
	Handle         any
	WatchedMethods []string
	WatchedEvents  []string
}

func (r Registration) watches(method string) bool {
	for _, m := range r.WatchedMethods {
		if m == method {
			return true
		}
	}
	return false
}

type CredentialSetter interface {
	SetAuthToken(token string)
}

type CredentialClearer interface {
	ClearAuthToken()
}

type TokenSource interface {
	AuthToken() string
}

type TokenRemover interface {
	RemoveAuthToken()
}

type CacheClearer interface {
	ClearCache(ctx context.Context) error
}

type SymbolWatcher interface {
	WatchSymbols(ctx context.Context, symbols []string) error
	UnwatchSymbols(ctx context.Context, symbols []string) error
}

type PortfolioSource interface {
	GetPortfolio(ctx context.Context) (portfolio.Snapshot, error)
}

type QuoteSource interface {
	GetQuotes(ctx context.Context, symbols []string) (map[string]market.Quote, error)
}

// Refresher is the fallback capability for services whose data is kept
// under app.serviceData.
type Refresher interface {
	Refresh(ctx context.Context) (any, error)
}

// PreferenceStore keeps user preferences outside the state tree.
// cache.Scoped satisfies it.
type PreferenceStore interface {
	Set(ctx context.Context, key string, value any) error
}

type stateValuer interface {
	StateValue() map[string]any
}
