package market

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	meili "github.com/meilisearch/meilisearch-go"
)

const idxInstruments = "lupo_instruments"

// Instrument is a tradable symbol as listed by symbol search.
type Instrument struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange,omitempty"`
	Type     string `json:"type,omitempty"`
}

// Meili serves symbol search from a Meilisearch index.
type Meili struct {
	client  meili.ServiceManager
	logger  *slog.Logger
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeili connects to Meilisearch and configures the instrument index. An
// unreachable server is not an error: the health loop keeps probing and
// Search reports unhealthy until it recovers.
func NewMeili(url, apiKey string, logger *slog.Logger) *Meili {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Meili{
		client: meili.New(url, meili.WithAPIKey(apiKey)),
		logger: logger.With("component", "market.meili"),
		done:   make(chan struct{}),
	}

	if _, err := m.client.Health(); err != nil {
		m.logger.Warn("meilisearch unavailable", "url", url, "err", err)
		m.healthy.Store(false)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}

	go m.healthLoop()
	return m
}

func (m *Meili) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{
		Uid:        idxInstruments,
		PrimaryKey: "symbol",
	}); err != nil {
		m.logger.Debug("create index (may already exist)", "index", idxInstruments, "err", err)
	}

	index := m.client.Index(idxInstruments)
	filterable := []interface{}{"exchange", "type"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		m.logger.Warn("update filterable attributes", "index", idxInstruments, "err", err)
	}
	searchable := []string{"symbol", "name"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		m.logger.Warn("update searchable attributes", "index", idxInstruments, "err", err)
	}
}

func (m *Meili) healthLoop() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				m.logger.Info("meilisearch recovered, reconfiguring index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the background health monitor.
func (m *Meili) Close() {
	close(m.done)
}

func (m *Meili) Healthy() bool {
	return m.healthy.Load()
}

func (m *Meili) Search(query string, limit int) ([]Instrument, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	if limit <= 0 {
		limit = 20
	}

	resp, err := m.client.MultiSearch(&meili.MultiSearchRequest{
		Queries: []*meili.SearchRequest{{
			IndexUID: idxInstruments,
			Query:    query,
			Limit:    int64(limit),
		}},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch multi-search: %w", err)
	}

	var out []Instrument
	for _, sr := range resp.Results {
		for _, hit := range sr.Hits {
			if inst := hitToInstrument(hit); inst.Symbol != "" {
				out = append(out, inst)
			}
		}
	}
	return out, nil
}

// IndexInstruments adds or replaces instruments in the search index.
func (m *Meili) IndexInstruments(instruments []Instrument) error {
	if len(instruments) == 0 {
		return nil
	}
	_, err := m.client.Index(idxInstruments).AddDocuments(instruments, nil)
	return err
}

func hitToInstrument(hit meili.Hit) Instrument {
	return Instrument{
		Symbol:   strings.ToUpper(decodeString(hit, "symbol")),
		Name:     decodeString(hit, "name"),
		Exchange: decodeString(hit, "exchange"),
		Type:     decodeString(hit, "type"),
	}
}

func decodeString(hit meili.Hit, key string) string {
	raw, ok := hit[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return ""
}
