// Package market serves quotes, the watchlist and symbol search.
package market

import (
	"context"
	"log/slog"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/shopspring/decimal"

	"lupo/client/internal/cache"
)

const (
	quotePrefix     = "quote_"
	DefaultQuoteTTL = time.Minute
)

type Quote struct {
	Symbol        string          `json:"symbol"`
	Price         decimal.Decimal `json:"price"`
	Change        decimal.Decimal `json:"change"`
	ChangePercent decimal.Decimal `json:"changePercent"`
	Timestamp     int64           `json:"timestamp"`
}

// StateValue renders the quote as a market.prices entry.
func (q Quote) StateValue() map[string]any {
	return map[string]any{
		"symbol":        q.Symbol,
		"price":         q.Price.InexactFloat64(),
		"change":        q.Change.InexactFloat64(),
		"changePercent": q.ChangePercent.InexactFloat64(),
		"timestamp":     float64(q.Timestamp),
	}
}

type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
	Delete(ctx context.Context, path string, out any) error
}

// Searcher is an index-backed symbol search. *Meili implements it.
type Searcher interface {
	Healthy() bool
	Search(query string, limit int) ([]Instrument, error)
}

type Service struct {
	api      API
	cache    *cache.Cache
	search   Searcher
	quoteTTL time.Duration
	logger   *slog.Logger
}

type Option func(*Service)

func WithSearcher(s Searcher) Option {
	return func(svc *Service) { svc.search = s }
}

func WithQuoteTTL(ttl time.Duration) Option {
	return func(svc *Service) { svc.quoteTTL = ttl }
}

func WithLogger(logger *slog.Logger) Option {
	return func(svc *Service) { svc.logger = logger }
}

// NewService builds the market service. Quotes are cached in the session
// scope of c.
func NewService(api API, c *cache.Cache, opts ...Option) *Service {
	s := &Service{api: api, cache: c, quoteTTL: DefaultQuoteTTL, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "market")
	return s
}

func (s *Service) GetQuote(ctx context.Context, symbol string) (Quote, error) {
	quotes, err := s.GetQuotes(ctx, []string{symbol})
	if err != nil {
		return Quote{}, err
	}
	q, ok := quotes[normalizeSymbol(symbol)]
	if !ok {
		return Quote{}, errors.New(errors.CodeNotFound, "no quote for "+symbol)
	}
	return q, nil
}

// GetQuotes returns quotes for symbols, fetching only those missing from the
// cache in a single request.
func (s *Service) GetQuotes(ctx context.Context, symbols []string) (map[string]Quote, error) {
	out := make(map[string]Quote, len(symbols))
	var missing []string
	for _, raw := range symbols {
		symbol := normalizeSymbol(raw)
		if symbol == "" {
			continue
		}
		if _, done := out[symbol]; done {
			continue
		}
		var q Quote
		found, err := s.cache.Get(ctx, quotePrefix+symbol, cache.Session, &q)
		if err != nil {
			s.logger.Warn("quote cache read failed", "symbol", symbol, "err", err)
		}
		if found {
			out[symbol] = q
			continue
		}
		missing = append(missing, symbol)
	}
	if len(missing) == 0 {
		return out, nil
	}

	sort.Strings(missing)
	var fetched []Quote
	path := "/market/quotes?symbols=" + url.QueryEscape(strings.Join(missing, ","))
	if err := s.api.Get(ctx, path, &fetched); err != nil {
		return nil, err
	}
	for _, q := range fetched {
		q.Symbol = normalizeSymbol(q.Symbol)
		out[q.Symbol] = q
		if err := s.cache.Set(ctx, quotePrefix+q.Symbol, q, cache.WithScope(cache.Session), cache.WithTTL(s.quoteTTL)); err != nil {
			s.logger.Warn("quote cache write failed", "symbol", q.Symbol, "err", err)
		}
	}
	return out, nil
}

type watchlistResponse struct {
	Watchlist []string `json:"watchlist"`
}

// AddToWatchlist adds symbol and returns the server's watchlist.
func (s *Service) AddToWatchlist(ctx context.Context, symbol string) ([]string, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, errors.New(errors.CodeInvalidInput, "symbol is required")
	}
	var resp watchlistResponse
	if err := s.api.Post(ctx, "/watchlist", map[string]string{"symbol": symbol}, &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.Watchlist), nil
}

func (s *Service) RemoveFromWatchlist(ctx context.Context, symbol string) ([]string, error) {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return nil, errors.New(errors.CodeInvalidInput, "symbol is required")
	}
	var resp watchlistResponse
	if err := s.api.Delete(ctx, "/watchlist/"+url.PathEscape(symbol), &resp); err != nil {
		return nil, err
	}
	return nonNil(resp.Watchlist), nil
}

// Search looks symbols up in the index when it is healthy and falls back to
// the API otherwise.
func (s *Service) Search(ctx context.Context, query string, limit int) ([]Instrument, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []Instrument{}, nil
	}
	if s.search != nil && s.search.Healthy() {
		results, err := s.search.Search(query, limit)
		if err == nil {
			return nonNil(results), nil
		}
		s.logger.Warn("index search failed, falling back to api", "err", err)
	}

	var results []Instrument
	path := "/market/search?q=" + url.QueryEscape(query)
	if limit > 0 {
		path += "&limit=" + strconv.Itoa(limit)
	}
	if err := s.api.Get(ctx, path, &results); err != nil {
		return nil, err
	}
	return nonNil(results), nil
}

// ClearCache drops cached quotes.
func (s *Service) ClearCache(ctx context.Context) error {
	n, err := s.cache.Clear(ctx, cache.Session, quotePrefix)
	if err != nil {
		return err
	}
	s.logger.Debug("cleared quote cache", "entries", n)
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

func nonNil[T any](items []T) []T {
	if items == nil {
		return []T{}
	}
	return items
}
