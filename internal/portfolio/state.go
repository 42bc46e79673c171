package portfolio

import (
	"github.com/shopspring/decimal"
)

// StateValue renders the snapshot as the portfolio subtree of the state
// tree. Amounts become float64 there; exact arithmetic stays in this package.
func (s Snapshot) StateValue() map[string]any {
	holdings := make([]any, 0, len(s.Holdings))
	for _, h := range s.Holdings {
		holdings = append(holdings, map[string]any{
			"symbol":      h.Symbol,
			"quantity":    h.Quantity.InexactFloat64(),
			"averageCost": h.AverageCost.InexactFloat64(),
			"price":       h.Price.InexactFloat64(),
		})
	}
	return map[string]any{
		"holdings":   holdings,
		"cash":       s.Cash.InexactFloat64(),
		"dayChange":  s.DayChange.InexactFloat64(),
		"totalValue": s.TotalValue(nil).InexactFloat64(),
	}
}

// FromState reads a snapshot back from the portfolio subtree.
func FromState(v any) Snapshot {
	m, _ := v.(map[string]any)
	return Snapshot{
		Holdings:  HoldingsFromState(m["holdings"]),
		Cash:      decimalOf(m["cash"]),
		DayChange: decimalOf(m["dayChange"]),
		Currency:  DefaultCurrency,
	}
}

// HoldingsFromState reads holdings back from the portfolio.holdings subtree.
// Entries that are not objects or lack a symbol are skipped.
func HoldingsFromState(v any) []Holding {
	items, _ := v.([]any)
	out := make([]Holding, 0, len(items))
	for _, item := range items {
		m, ok := item.(map[string]any)
		if !ok {
			continue
		}
		symbol, _ := m["symbol"].(string)
		if symbol == "" {
			continue
		}
		out = append(out, Holding{
			Symbol:      symbol,
			Quantity:    decimalOf(m["quantity"]),
			AverageCost: decimalOf(m["averageCost"]),
			Price:       decimalOf(m["price"]),
		})
	}
	return out
}

// PricesFromState reads market.prices entries of the form
// {symbol: {price: n, ...}} or {symbol: n}.
func PricesFromState(v any) map[string]decimal.Decimal {
	m, _ := v.(map[string]any)
	out := make(map[string]decimal.Decimal, len(m))
	for symbol, entry := range m {
		switch e := entry.(type) {
		case map[string]any:
			if p, ok := e["price"]; ok {
				out[symbol] = decimalOf(p)
			}
		case float64:
			out[symbol] = decimal.NewFromFloat(e)
		}
	}
	return out
}

func decimalOf(v any) decimal.Decimal {
	switch n := v.(type) {
	case float64:
		return decimal.NewFromFloat(n)
	case int:
		return decimal.NewFromInt(int64(n))
	case int64:
		return decimal.NewFromInt(n)
	case string:
		d, err := decimal.NewFromString(n)
		if err == nil {
			return d
		}
	}
	return decimal.Zero
}
