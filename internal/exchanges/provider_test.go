package exchanges

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oisentry/internal/model"
)

func TestSymbolShape_AcceptsUpperAlphaNumWithQuoteSuffix(t *testing.T) {
	assert.True(t, symbolShape("BTCUSDT", "USDT"))
	assert.False(t, symbolShape("1000SHIBUSDT", "USDT"), "a leading digit is rejected")
	assert.False(t, symbolShape("btcusdt", "USDT"), "lowercase is rejected")
	assert.False(t, symbolShape("USDT", "USDT"), "bare suffix with no base is rejected")
	assert.False(t, symbolShape("BTC-USDT", "USDT"), "non-alphanumeric characters are rejected")
	assert.False(t, symbolShape("BTCUSDC", "USDT"), "wrong quote suffix is rejected")
}

func TestSubscriptionBatches_SplitsIntoBoundedGroups(t *testing.T) {
	symbols := []string{"A", "B", "C", "D", "E"}
	batches := subscriptionBatches(symbols, 2)
	require.Len(t, batches, 3)
	assert.Equal(t, []string{"A", "B"}, batches[0])
	assert.Equal(t, []string{"C", "D"}, batches[1])
	assert.Equal(t, []string{"E"}, batches[2])
}

func TestSubscriptionBatches_EmptyInputYieldsNoBatches(t *testing.T) {
	assert.Empty(t, subscriptionBatches(nil, 10))
}

func TestBackoff_DoublesThenCaps(t *testing.T) {
	base, cap := time.Second, 8*time.Second
	assert.Equal(t, base, backoff(0, base, cap))
	assert.Equal(t, 2*time.Second, backoff(1, base, cap))
	assert.Equal(t, 4*time.Second, backoff(2, base, cap))
	assert.Equal(t, cap, backoff(3, base, cap))
	assert.Equal(t, cap, backoff(10, base, cap), "stays clamped at cap for large attempt counts")
}

func TestParseFloat_RejectsEmptyString(t *testing.T) {
	_, err := parseFloat("")
	assert.Error(t, err)

	v, err := parseFloat("123.45")
	require.NoError(t, err)
	assert.Equal(t, 123.45, v)
}

func TestToOKXInstID_RoundTripsWithFromOKXInstID(t *testing.T) {
	inst := toOKXInstID("BTCUSDT")
	assert.Equal(t, "BTC-USDT-SWAP", inst)
	assert.Equal(t, "BTCUSDT", fromOKXInstID(inst))
}

func TestFlowAccumulator_AggregatesBuySideAndSellSideSeparately(t *testing.T) {
	var got []string
	fa := newFlowAccumulator(0, time.Hour, func(symbol string, buy, sell, buyQuote, sellQuote float64) {
		got = append(got, symbol)
		assert.Equal(t, 2.0, buy)
		assert.Equal(t, 1.0, sell)
		assert.Equal(t, 200.0, buyQuote)
		assert.Equal(t, 100.0, sellQuote)
	})

	fa.add("BTCUSDT", 100, 1, false) // taker buy
	fa.add("BTCUSDT", 100, 1, false) // taker buy
	fa.add("BTCUSDT", 100, 1, true)  // taker sell
	fa.flush()

	assert.Equal(t, []string{"BTCUSDT"}, got)
}

func TestFlowAccumulator_DropsBelowMinNotional(t *testing.T) {
	called := false
	fa := newFlowAccumulator(1000, time.Hour, func(string, float64, float64, float64, float64) { called = true })
	fa.add("BTCUSDT", 10, 1, false) // quote = 10, below the 1000 floor
	fa.flush()
	assert.False(t, called)
}

func TestFlowAccumulator_IgnoresNonFiniteTrades(t *testing.T) {
	called := false
	fa := newFlowAccumulator(0, time.Hour, func(string, float64, float64, float64, float64) { called = true })
	fa.add("BTCUSDT", -1, 1, false)
	fa.add("BTCUSDT", 1, -1, false)
	fa.flush()
	assert.False(t, called)
}

func TestOIPoller_GetReturnsFalseWhenStaleOrMissing(t *testing.T) {
	p := NewOIPoller(zap.NewNop(), func(context.Context, string) (float64, error) { return 0, nil })
	p.staleAfter = 10 * time.Millisecond

	_, ok := p.Get("BTCUSDT")
	assert.False(t, ok, "never-polled symbol has no cached value")

	p.mu.Lock()
	p.cache["BTCUSDT"] = oiEntry{value: 42, updatedAt: time.Now()}
	p.mu.Unlock()

	v, ok := p.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 42.0, v)

	time.Sleep(20 * time.Millisecond)
	_, ok = p.Get("BTCUSDT")
	assert.False(t, ok, "entry older than staleAfter is treated as absent")
}

func TestOIPoller_PollOnceCachesSuccessfulFetchesAndSkipsFailures(t *testing.T) {
	fetch := func(_ context.Context, symbol string) (float64, error) {
		if symbol == "BAD" {
			return 0, assert.AnError
		}
		return 7, nil
	}
	p := NewOIPoller(zap.NewNop(), fetch)
	p.pollOnce(context.Background(), []string{"BTCUSDT", "BAD"})

	v, ok := p.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 7.0, v)

	_, ok = p.Get("BAD")
	assert.False(t, ok)
}

// stubProvider is a minimal Provider double driven directly by tests,
// used to exercise HybridProvider's join-with-staleness logic without
// a real venue connection.
type stubProvider struct {
	id string
	cb UpdateCallback
}

func (s *stubProvider) ID() string                   { return s.id }
func (s *stubProvider) Connect(context.Context) error { return nil }
func (s *stubProvider) Disconnect() error            { return nil }
func (s *stubProvider) IsConnected() bool            { return true }
func (s *stubProvider) Subscribe([]string) error     { return nil }
func (s *stubProvider) Unsubscribe([]string) error   { return nil }
func (s *stubProvider) AvailableSymbols() []string   { return nil }
func (s *stubProvider) OnUpdate(cb UpdateCallback)   { s.cb = cb }
func (s *stubProvider) HealthStatus() Health         { return Health{Connected: true} }

func (s *stubProvider) push(u model.MarketUpdate) {
	if s.cb != nil {
		s.cb(u)
	}
}

func TestHybridProvider_MergesFreshTickerOIIntoTradeUpdate(t *testing.T) {
	trade := &stubProvider{id: "trade"}
	ticker := &stubProvider{id: "ticker"}
	h := NewHybridProvider(zap.NewNop(), trade, ticker)

	var merged []model.MarketUpdate
	h.OnUpdate(func(u model.MarketUpdate) { merged = append(merged, u) })
	require.NoError(t, h.Connect(context.Background()))

	ticker.push(model.MarketUpdate{Symbol: "BTCUSDT", TimestampMs: 1000, OpenInterest: floatPtr(500)})
	trade.push(model.MarketUpdate{Symbol: "BTCUSDT", TimestampMs: 1500, Price: floatPtr(100)})

	require.Len(t, merged, 2)
	last := merged[1]
	assert.Equal(t, 100.0, *last.Price)
	require.NotNil(t, last.OpenInterest, "ticker's cached OI fills in since it's within the staleness window")
	assert.Equal(t, 500.0, *last.OpenInterest)
	assert.Equal(t, "hybrid-trade+ticker", last.ProviderID)
}

func TestHybridProvider_DropsStaleCachedComponent(t *testing.T) {
	trade := &stubProvider{id: "trade"}
	ticker := &stubProvider{id: "ticker"}
	h := NewHybridProvider(zap.NewNop(), trade, ticker)

	var merged []model.MarketUpdate
	h.OnUpdate(func(u model.MarketUpdate) { merged = append(merged, u) })
	require.NoError(t, h.Connect(context.Background()))

	ticker.push(model.MarketUpdate{Symbol: "BTCUSDT", TimestampMs: 0, OpenInterest: floatPtr(500)})
	trade.push(model.MarketUpdate{Symbol: "BTCUSDT", TimestampMs: hybridStaleAfter.Milliseconds() + 1, Price: floatPtr(100)})

	last := merged[len(merged)-1]
	assert.Equal(t, 100.0, *last.Price)
	assert.Nil(t, last.OpenInterest, "the ticker's OI is older than the staleness window and must not be merged in")
}

func TestHybridProvider_HealthStatusCombinesBothLegs(t *testing.T) {
	trade := &stubProvider{id: "trade"}
	ticker := &stubProvider{id: "ticker"}
	h := NewHybridProvider(zap.NewNop(), trade, ticker)
	health := h.HealthStatus()
	assert.True(t, health.Connected)
}

func TestBinanceFetchExchangeInfo_FiltersToTradablePerpetuals(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/fapi/v1/exchangeInfo", r.URL.Path)
		fmt.Fprint(w, `{"symbols":[
			{"symbol":"BTCUSDT","contractType":"PERPETUAL","quoteAsset":"USDT","status":"TRADING"},
			{"symbol":"ETHUSDT_230929","contractType":"CURRENT_QUARTER","quoteAsset":"USDT","status":"TRADING"},
			{"symbol":"SOLUSDT","contractType":"PERPETUAL","quoteAsset":"USDT","status":"SETTLING"},
			{"symbol":"BTCBUSD","contractType":"PERPETUAL","quoteAsset":"BUSD","status":"TRADING"}
		]}`)
	}))
	defer srv.Close()

	p := NewBinanceFuturesProvider(zap.NewNop())
	p.restBase = srv.URL
	require.NoError(t, p.fetchExchangeInfo(context.Background()))

	assert.ElementsMatch(t, []string{"BTCUSDT"}, p.AvailableSymbols())
}

func TestBinanceSubscribe_RejectsSymbolsOutsideCatalog(t *testing.T) {
	p := NewBinanceFuturesProvider(zap.NewNop())
	p.catalog = map[string]bool{"BTCUSDT": true}

	require.NoError(t, p.Subscribe([]string{"BTCUSDT", "DOGEUSDT"}))
	assert.ElementsMatch(t, []string{"BTCUSDT"}, p.symbolList())
}

func TestBybitFetchInstruments_FiltersToTradingLinearUSDT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v5/market/instruments-info", r.URL.Path)
		fmt.Fprint(w, `{"result":{"list":[
			{"symbol":"BTCUSDT","quoteCoin":"USDT","status":"Trading"},
			{"symbol":"ETHUSDC","quoteCoin":"USDC","status":"Trading"},
			{"symbol":"XRPUSDT","quoteCoin":"USDT","status":"Delisted"}
		]}}`)
	}))
	defer srv.Close()

	p := NewBybitFuturesProvider(zap.NewNop())
	p.restBase = srv.URL
	require.NoError(t, p.fetchInstruments(context.Background()))

	assert.ElementsMatch(t, []string{"BTCUSDT"}, p.AvailableSymbols())
}

func TestFetchCatalogWithRetry_RetriesUntilSuccess(t *testing.T) {
	calls := 0
	err := fetchCatalogWithRetry(context.Background(), time.Millisecond, func(context.Context) error {
		calls++
		if calls < 3 {
			return assert.AnError
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestFetchCatalogWithRetry_GivesUpOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := fetchCatalogWithRetry(ctx, time.Millisecond, func(context.Context) error {
		calls++
		return assert.AnError
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls, "a cancelled context stops the retry loop after the in-flight attempt")
}
