package portfolio

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/jmgilman/go/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lupo/client/internal/events"
)

type fakeAPI struct {
	gets      map[string]string
	posts     []any
	postReply string
}

func (f *fakeAPI) Get(_ context.Context, path string, out any) error {
	raw, ok := f.gets[path]
	if !ok {
		return errors.New(errors.CodeNotFound, path)
	}
	return json.Unmarshal([]byte(raw), out)
}

func (f *fakeAPI) Post(_ context.Context, _ string, body, out any) error {
	f.posts = append(f.posts, body)
	if f.postReply == "" {
		return nil
	}
	return json.Unmarshal([]byte(f.postReply), out)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestGetPortfolioDecodesAmounts(t *testing.T) {
	api := &fakeAPI{gets: map[string]string{
		"/portfolio": `{"holdings":[{"symbol":"ACME","quantity":10,"averageCost":"12.5","price":14}],"cash":"100.10"}`,
	}}
	snap, err := NewService(api).GetPortfolio(context.Background())
	require.NoError(t, err)

	require.Len(t, snap.Holdings, 1)
	assert.True(t, snap.Holdings[0].Quantity.Equal(d("10")))
	assert.True(t, snap.Holdings[0].AverageCost.Equal(d("12.5")))
	assert.True(t, snap.Cash.Equal(d("100.10")))
	assert.Equal(t, DefaultCurrency, snap.Currency)
}

func TestExecuteTradePublishes(t *testing.T) {
	api := &fakeAPI{postReply: `{"id":"t-1","executedAt":1700000000000}`}
	bus := events.NewLocalBus()
	var got []events.Event
	bus.Subscribe(events.TradeCompleted, func(e events.Event) { got = append(got, e) })

	result, err := NewService(api, WithBus(bus)).ExecuteTrade(context.Background(), Trade{
		Symbol: " acme ", Side: Buy, Quantity: d("3"),
	})
	require.NoError(t, err)

	assert.Equal(t, "t-1", result.ID)
	assert.Equal(t, "ACME", result.Trade.Symbol)
	require.Len(t, got, 1)
	assert.Equal(t, result, got[0].Payload)
	require.Len(t, api.posts, 1)
	assert.Equal(t, "ACME", api.posts[0].(Trade).Symbol)
}

func TestExecuteTradeValidation(t *testing.T) {
	cases := map[string]Trade{
		"no symbol":     {Side: Buy, Quantity: d("1")},
		"bad side":      {Symbol: "ACME", Side: "hold", Quantity: d("1")},
		"zero quantity": {Symbol: "ACME", Side: Sell},
		"negative px":   {Symbol: "ACME", Side: Sell, Quantity: d("1"), Price: d("-1")},
	}
	for name, trade := range cases {
		t.Run(name, func(t *testing.T) {
			api := &fakeAPI{}
			_, err := NewService(api).ExecuteTrade(context.Background(), trade)
			assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
			assert.Empty(t, api.posts)
		})
	}
}

func TestTotalValue(t *testing.T) {
	holdings := []Holding{
		{Symbol: "ACME", Quantity: d("10"), Price: d("14")},
		{Symbol: "BOLT", Quantity: d("0.5"), Price: d("200")},
	}
	prices := map[string]decimal.Decimal{"ACME": d("15.10")}

	total := TotalValue(holdings, d("0.10"), prices)
	assert.True(t, total.Equal(d("251.1")), total.String())
}

func TestFormatValue(t *testing.T) {
	assert.Equal(t, "$1,234.50", FormatValue(d("1234.5"), "USD"))
	assert.Equal(t, "$0.01", FormatValue(d("0.005"), "USD"))
	assert.Equal(t, "12.00 XXZ", FormatValue(d("12"), "XXZ"))
}

func TestSymbols(t *testing.T) {
	holdings := []Holding{{Symbol: "ZED"}, {Symbol: "ACME"}, {Symbol: "ZED"}, {}}
	assert.Equal(t, []string{"ACME", "ZED"}, Symbols(holdings))
}

func TestStateRoundTrip(t *testing.T) {
	snap := Snapshot{
		Holdings: []Holding{{Symbol: "ACME", Quantity: d("10"), AverageCost: d("12.5"), Price: d("14")}},
		Cash:     d("5"),
	}
	value := snap.StateValue()
	assert.Equal(t, 145.0, value["totalValue"])

	back := FromState(value)
	assert.True(t, back.Cash.Equal(d("5")))
	assert.True(t, back.TotalValue(nil).Equal(d("145")))

	holdings := HoldingsFromState(value["holdings"])
	require.Len(t, holdings, 1)
	assert.Equal(t, "ACME", holdings[0].Symbol)
	assert.True(t, holdings[0].Quantity.Equal(d("10")))
}

func TestHoldingsFromStateSkipsJunk(t *testing.T) {
	holdings := HoldingsFromState([]any{"x", map[string]any{"quantity": 1.0}, map[string]any{"symbol": "ACME", "quantity": "2"}})
	require.Len(t, holdings, 1)
	assert.True(t, holdings[0].Quantity.Equal(d("2")))
	assert.Empty(t, HoldingsFromState(nil))
}

func TestPricesFromState(t *testing.T) {
	prices := PricesFromState(map[string]any{
		"ACME": map[string]any{"price": 15.5, "change": 0.2},
		"BOLT": 3.0,
		"NOPE": map[string]any{"change": 1.0},
	})
	require.Len(t, prices, 2)
	assert.True(t, prices["ACME"].Equal(d("15.5")))
	assert.True(t, prices["BOLT"].Equal(d("3")))
}
