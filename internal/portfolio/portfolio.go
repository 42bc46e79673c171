// Package portfolio fetches holdings and executes trades against the remote
// API, and values positions with exact decimal arithmetic.
package portfolio

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/Rhymond/go-money"
	"github.com/jmgilman/go/errors"
	"github.com/shopspring/decimal"

	"lupo/client/internal/events"
)

const DefaultCurrency = "USD"

type Holding struct {
	Symbol      string          `json:"symbol"`
	Quantity    decimal.Decimal `json:"quantity"`
	AverageCost decimal.Decimal `json:"averageCost"`
	Price       decimal.Decimal `json:"price"`
}

type Snapshot struct {
	Holdings  []Holding       `json:"holdings"`
	Cash      decimal.Decimal `json:"cash"`
	DayChange decimal.Decimal `json:"dayChange"`
	Currency  string          `json:"currency"`
}

type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

type Trade struct {
	Symbol   string          `json:"symbol"`
	Side     Side            `json:"side"`
	Quantity decimal.Decimal `json:"quantity"`
	Price    decimal.Decimal `json:"price,omitempty"`
}

type TradeResult struct {
	ID         string `json:"id"`
	Trade      Trade  `json:"trade"`
	ExecutedAt int64  `json:"executedAt"`
}

type API interface {
	Get(ctx context.Context, path string, out any) error
	Post(ctx context.Context, path string, body, out any) error
}

type Service struct {
	api    API
	bus    events.Bus
	logger *slog.Logger
}

type Option func(*Service)

func WithBus(bus events.Bus) Option {
	return func(s *Service) { s.bus = bus }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

func NewService(api API, opts ...Option) *Service {
	s := &Service{api: api, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "portfolio")
	return s
}

func (s *Service) GetPortfolio(ctx context.Context) (Snapshot, error) {
	var snap Snapshot
	if err := s.api.Get(ctx, "/portfolio", &snap); err != nil {
		return Snapshot{}, err
	}
	if snap.Currency == "" {
		snap.Currency = DefaultCurrency
	}
	return snap, nil
}

// ExecuteTrade submits trade and publishes trade:completed on success.
func (s *Service) ExecuteTrade(ctx context.Context, trade Trade) (TradeResult, error) {
	trade.Symbol = strings.ToUpper(strings.TrimSpace(trade.Symbol))
	if err := trade.validate(); err != nil {
		return TradeResult{}, err
	}
	var result TradeResult
	if err := s.api.Post(ctx, "/trades", trade, &result); err != nil {
		return TradeResult{}, err
	}
	if result.Trade.Symbol == "" {
		result.Trade = trade
	}
	s.logger.Info("trade executed", "trade_id", result.ID, "symbol", trade.Symbol, "side", trade.Side)
	if s.bus != nil {
		s.bus.Publish(events.TradeCompleted, result)
	}
	return result, nil
}

func (t Trade) validate() error {
	if t.Symbol == "" {
		return errors.New(errors.CodeInvalidInput, "symbol is required")
	}
	if t.Side != Buy && t.Side != Sell {
		return errors.New(errors.CodeInvalidInput, "side must be buy or sell")
	}
	if !t.Quantity.IsPositive() {
		return errors.New(errors.CodeInvalidInput, "quantity must be positive")
	}
	if t.Price.IsNegative() {
		return errors.New(errors.CodeInvalidInput, "price must not be negative")
	}
	return nil
}

// TotalValue is cash plus every holding at its quoted price. Holdings without
// a quote fall back to their last known price.
func TotalValue(holdings []Holding, cash decimal.Decimal, prices map[string]decimal.Decimal) decimal.Decimal {
	total := cash
	for _, h := range holdings {
		price, ok := prices[h.Symbol]
		if !ok {
			price = h.Price
		}
		total = total.Add(h.Quantity.Mul(price))
	}
	return total
}

func (s Snapshot) TotalValue(prices map[string]decimal.Decimal) decimal.Decimal {
	return TotalValue(s.Holdings, s.Cash, prices)
}

// Symbols lists the held symbols, sorted and without duplicates.
func Symbols(holdings []Holding) []string {
	seen := make(map[string]struct{}, len(holdings))
	out := make([]string, 0, len(holdings))
	for _, h := range holdings {
		if h.Symbol == "" {
			continue
		}
		if _, ok := seen[h.Symbol]; ok {
			continue
		}
		seen[h.Symbol] = struct{}{}
		out = append(out, h.Symbol)
	}
	sort.Strings(out)
	return out
}

// FormatValue renders amount in currency using its symbol and minor units,
// e.g. "$1,234.50".
func FormatValue(amount decimal.Decimal, currency string) string {
	cur := money.GetCurrency(currency)
	if cur == nil {
		return amount.StringFixed(2) + " " + currency
	}
	minor := amount.Shift(int32(cur.Fraction)).Round(0).IntPart()
	return money.New(minor, cur.Code).Display()
}
