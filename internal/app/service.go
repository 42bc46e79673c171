package app

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"sort"
	"strings"

	"lupo/client/internal/cache"
	"lupo/client/internal/market"
	"lupo/client/internal/portfolio"
	"lupo/client/internal/state"
	"lupo/client/internal/syncer"
)

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function into a Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type CheckResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Service exposes the running client core for local inspection.
type Service struct {
	store      *state.Store
	cache      *cache.Cache
	sync       *syncer.Synchronizer
	backups    cache.BlobStore
	checks     map[string]Pinger
	adminToken string
	actions    Actions
	logger     *slog.Logger
}

type Option func(*Service)

func WithBackupTarget(target cache.BlobStore) Option {
	return func(s *Service) { s.backups = target }
}

// WithCheck adds a named readiness check.
func WithCheck(name string, p Pinger) Option {
	return func(s *Service) { s.checks[name] = p }
}

// WithAdminToken requires a bearer token on mutating routes.
func WithAdminToken(token string) Option {
	return func(s *Service) { s.adminToken = strings.TrimSpace(token) }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func NewService(store *state.Store, c *cache.Cache, sync *syncer.Synchronizer, opts ...Option) *Service {
	s := &Service{
		store:  store,
		cache:  c,
		sync:   sync,
		checks: make(map[string]Pinger),
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "app")
	return s
}

// Ready runs every check and reports whether all of them passed.
func (s *Service) Ready(ctx context.Context) (bool, map[string]CheckResult) {
	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	ready := true
	results := make(map[string]CheckResult, len(names))
	for _, name := range names {
		if err := s.checks[name].Ping(ctx); err != nil {
			ready = false
			results[name] = CheckResult{Status: "error", Error: err.Error()}
			s.logger.Warn("readiness check failed", "check", name, "error", err)
			continue
		}
		results[name] = CheckResult{Status: "ok"}
	}
	return ready, results
}

// State returns the whole tree when path is empty.
func (s *Service) State(path string) any {
	path = strings.TrimSpace(path)
	if path == "" {
		return s.store.Snapshot()
	}
	return s.store.GetState(path)
}

func (s *Service) Query(expr string) (any, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, validationError("q is required", nil)
	}
	result, err := s.store.Query(expr)
	if err != nil {
		return nil, validationError("invalid query", map[string]any{"reason": err.Error()})
	}
	return result, nil
}

// History returns the newest limit entries, or all of them when limit <= 0.
func (s *Service) History(limit int) []state.HistoryEntry {
	entries := s.store.History()
	if limit > 0 && len(entries) > limit {
		entries = entries[len(entries)-limit:]
	}
	return entries
}

func (s *Service) Version() uint64 {
	return s.store.Version()
}

func (s *Service) CacheStats() cache.Stats {
	return s.cache.Stats()
}

func (s *Service) Backup(ctx context.Context, name string) (cache.BulkResult, error) {
	if s.backups == nil {
		return cache.BulkResult{}, errBackupDisabled
	}
	if strings.TrimSpace(name) == "" {
		return cache.BulkResult{}, validationError("name is required", nil)
	}
	return s.cache.Backup(ctx, s.backups, name)
}

func (s *Service) Restore(ctx context.Context, name string) (cache.BulkResult, error) {
	if s.backups == nil {
		return cache.BulkResult{}, errBackupDisabled
	}
	if strings.TrimSpace(name) == "" {
		return cache.BulkResult{}, validationError("name is required", nil)
	}
	return s.cache.Restore(ctx, s.backups, name)
}

func (s *Service) Sync(ctx context.Context, service string) error {
	return s.sync.SyncServiceToState(ctx, service)
}

func (s *Service) Services() []string {
	return s.sync.Services()
}

// Authorized reports whether token may call mutating routes.
func (s *Service) Authorized(token string) bool {
	if s.adminToken == "" {
		return true
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(s.adminToken)) == 1
}

func (s *Service) Portfolio(ctx context.Context) (portfolio.Snapshot, error) {
	if s.actions.GetPortfolio == nil {
		return portfolio.Snapshot{}, notConfigured("portfolio")
	}
	return s.actions.GetPortfolio(ctx)
}

func (s *Service) Trade(ctx context.Context, trade portfolio.Trade) (portfolio.TradeResult, error) {
	if s.actions.ExecuteTrade == nil {
		return portfolio.TradeResult{}, notConfigured("portfolio")
	}
	return s.actions.ExecuteTrade(ctx, trade)
}

func (s *Service) Quotes(ctx context.Context, symbols []string) (map[string]market.Quote, error) {
	if s.actions.GetQuotes == nil {
		return nil, notConfigured("market")
	}
	cleaned := make([]string, 0, len(symbols))
	for _, symbol := range symbols {
		if symbol = strings.ToUpper(strings.TrimSpace(symbol)); symbol != "" {
			cleaned = append(cleaned, symbol)
		}
	}
	if len(cleaned) == 0 {
		return nil, validationError("symbols is required", nil)
	}
	return s.actions.GetQuotes(ctx, cleaned)
}

func (s *Service) Watch(ctx context.Context, symbol string) ([]string, error) {
	if s.actions.AddToWatchlist == nil {
		return nil, notConfigured("market")
	}
	if strings.TrimSpace(symbol) == "" {
		return nil, validationError("symbol is required", nil)
	}
	return s.actions.AddToWatchlist(ctx, symbol)
}

func (s *Service) Unwatch(ctx context.Context, symbol string) ([]string, error) {
	if s.actions.RemoveFromWatchlist == nil {
		return nil, notConfigured("market")
	}
	if strings.TrimSpace(symbol) == "" {
		return nil, validationError("symbol is required", nil)
	}
	return s.actions.RemoveFromWatchlist(ctx, symbol)
}
