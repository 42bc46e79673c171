package market

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/jmgilman/go/errors"
	"github.com/jonboulle/clockwork"
	meili "github.com/meilisearch/meilisearch-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lupo/client/internal/cache"
)

type fakeAPI struct {
	gets    []string
	replies map[string]string
	err     error
}

func (f *fakeAPI) reply(path string, out any) error {
	if f.err != nil {
		return f.err
	}
	if raw, ok := f.replies[path]; ok {
		return json.Unmarshal([]byte(raw), out)
	}
	for prefix, raw := range f.replies {
		if strings.HasPrefix(path, prefix) {
			return json.Unmarshal([]byte(raw), out)
		}
	}
	return errors.New(errors.CodeNotFound, path)
}

func (f *fakeAPI) Get(_ context.Context, path string, out any) error {
	f.gets = append(f.gets, path)
	return f.reply(path, out)
}

func (f *fakeAPI) Post(_ context.Context, path string, _, out any) error {
	return f.reply(path, out)
}

func (f *fakeAPI) Delete(_ context.Context, path string, out any) error {
	return f.reply(path, out)
}

type fakeSearcher struct {
	healthy bool
	err     error
	results []Instrument
	calls   int
}

func (f *fakeSearcher) Healthy() bool { return f.healthy }

func (f *fakeSearcher) Search(string, int) ([]Instrument, error) {
	f.calls++
	return f.results, f.err
}

func newService(t *testing.T, api *fakeAPI, opts ...Option) (*Service, *cache.Cache, *clockwork.FakeClock) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	c, err := cache.New(cache.Config{}, cache.WithClock(clock))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return NewService(api, c, opts...), c, clock
}

const quotesReply = `[{"symbol":"acme","price":"15.5","change":"0.25","changePercent":"1.6","timestamp":1700000000000},{"symbol":"BOLT","price":3}]`

func TestGetQuotesCachesForTTL(t *testing.T) {
	api := &fakeAPI{replies: map[string]string{"/market/quotes": quotesReply}}
	svc, _, clock := newService(t, api)
	ctx := context.Background()

	quotes, err := svc.GetQuotes(ctx, []string{"bolt", "ACME", "acme"})
	require.NoError(t, err)
	require.Len(t, quotes, 2)
	assert.Equal(t, "15.5", quotes["ACME"].Price.String())
	assert.Equal(t, []string{"/market/quotes?symbols=ACME%2CBOLT"}, api.gets)

	clock.Advance(59 * time.Second)
	_, err = svc.GetQuotes(ctx, []string{"ACME", "BOLT"})
	require.NoError(t, err)
	assert.Len(t, api.gets, 1)

	clock.Advance(2 * time.Second)
	_, err = svc.GetQuotes(ctx, []string{"ACME"})
	require.NoError(t, err)
	assert.Len(t, api.gets, 2)
}

func TestGetQuoteMissing(t *testing.T) {
	api := &fakeAPI{replies: map[string]string{"/market/quotes": `[]`}}
	svc, _, _ := newService(t, api)

	_, err := svc.GetQuote(context.Background(), "NOPE")
	assert.Equal(t, errors.CodeNotFound, errors.GetCode(err))
}

func TestClearCacheForcesRefetch(t *testing.T) {
	api := &fakeAPI{replies: map[string]string{"/market/quotes": quotesReply}}
	svc, c, _ := newService(t, api)
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, "prefs", "keep", cache.WithScope(cache.Session)))

	_, err := svc.GetQuote(ctx, "ACME")
	require.NoError(t, err)
	require.NoError(t, svc.ClearCache(ctx))
	_, err = svc.GetQuote(ctx, "ACME")
	require.NoError(t, err)

	assert.Len(t, api.gets, 2)
	assert.True(t, c.Exists(ctx, "prefs", cache.Session))
}

func TestQuoteStateValue(t *testing.T) {
	var quotes []Quote
	require.NoError(t, json.Unmarshal([]byte(quotesReply), &quotes))
	v := quotes[0].StateValue()
	assert.Equal(t, 15.5, v["price"])
	assert.Equal(t, float64(1700000000000), v["timestamp"])
}

func TestWatchlist(t *testing.T) {
	api := &fakeAPI{replies: map[string]string{
		"/watchlist":      `{"watchlist":["ACME"]}`,
		"/watchlist/ACME": `{"watchlist":[]}`,
	}}
	svc, _, _ := newService(t, api)
	ctx := context.Background()

	list, err := svc.AddToWatchlist(ctx, " acme")
	require.NoError(t, err)
	assert.Equal(t, []string{"ACME"}, list)

	list, err = svc.RemoveFromWatchlist(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, []string{}, list)

	_, err = svc.AddToWatchlist(ctx, " ")
	assert.Equal(t, errors.CodeInvalidInput, errors.GetCode(err))
}

func TestSearchPrefersIndex(t *testing.T) {
	searcher := &fakeSearcher{healthy: true, results: []Instrument{{Symbol: "ACME", Name: "Acme Corp"}}}
	api := &fakeAPI{}
	svc, _, _ := newService(t, api, WithSearcher(searcher))

	results, err := svc.Search(context.Background(), "acm", 5)
	require.NoError(t, err)
	assert.Equal(t, "Acme Corp", results[0].Name)
	assert.Empty(t, api.gets)
}

func TestSearchFallsBackToAPI(t *testing.T) {
	api := &fakeAPI{replies: map[string]string{"/market/search": `[{"symbol":"ACME","name":"Acme Corp"}]`}}
	cases := map[string]*fakeSearcher{
		"unhealthy": {healthy: false},
		"failing":   {healthy: true, err: fmt.Errorf("boom")},
	}
	for name, searcher := range cases {
		t.Run(name, func(t *testing.T) {
			api.gets = nil
			svc, _, _ := newService(t, api, WithSearcher(searcher))
			results, err := svc.Search(context.Background(), "acme corp", 5)
			require.NoError(t, err)
			require.Len(t, results, 1)
			assert.Equal(t, []string{"/market/search?q=acme+corp&limit=5"}, api.gets)
		})
	}
}

func TestSearchBlankQuery(t *testing.T) {
	svc, _, _ := newService(t, &fakeAPI{})
	results, err := svc.Search(context.Background(), "  ", 5)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestMeiliUnreachableReportsUnhealthy(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := server.URL
	server.Close()

	m := NewMeili(url, "", nil)
	defer m.Close()

	assert.False(t, m.Healthy())
	_, err := m.Search("acme", 5)
	assert.Error(t, err)
}

func TestHitToInstrument(t *testing.T) {
	hit := meili.Hit{
		"symbol":   json.RawMessage(`"acme"`),
		"name":     json.RawMessage(`"Acme Corp"`),
		"exchange": json.RawMessage(`42`),
	}
	inst := hitToInstrument(hit)
	assert.Equal(t, Instrument{Symbol: "ACME", Name: "Acme Corp"}, inst)
}
