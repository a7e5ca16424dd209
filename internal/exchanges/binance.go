package exchanges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"oisentry/internal/model"
)

const binanceQuoteSuffix = "USDT"

// BinanceFuturesProvider streams Binance USDⓈ-M futures tickers and
// aggregate trades over a combined WebSocket stream, and polls
// /fapi/v1/openInterest out of band since the ticker stream doesn't
// carry OI.
type BinanceFuturesProvider struct {
	logger   *zap.Logger
	restBase string

	mu             sync.RWMutex
	symbols        map[string]bool
	catalog        map[string]bool
	conn           *websocket.Conn
	connected      bool
	reconnectCount int
	errorCount     int64
	lastUpdateMs   int64
	intentional    bool

	cb      UpdateCallback
	flow    *flowAccumulator
	oi      *OIPoller
	runOnce sync.Once

	cancel context.CancelFunc
}

// NewBinanceFuturesProvider builds a provider ready to Connect.
func NewBinanceFuturesProvider(logger *zap.Logger) *BinanceFuturesProvider {
	p := &BinanceFuturesProvider{
		logger:   logger.Named("binance-futures"),
		restBase: "https://fapi.binance.com",
		symbols:  make(map[string]bool),
	}
	p.flow = newFlowAccumulator(250, 120*time.Millisecond, p.emitFlow)
	p.oi = NewOIPoller(logger, p.fetchOI)
	return p
}

func (p *BinanceFuturesProvider) ID() string { return "binance-futures" }

func (p *BinanceFuturesProvider) OnUpdate(cb UpdateCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// Connect fetches the instrument catalog, opens the combined WebSocket,
// and starts the ping/read loops plus the OI poller and flow-accumulator
// flush timer. Safe to call again after a connection loss: the previous
// attempt's loops are cancelled first and the flush timer is started
// only once.
func (p *BinanceFuturesProvider) Connect(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := fetchCatalogWithRetry(ctx, time.Second, p.fetchExchangeInfo); err != nil {
		// Catalog is advisory: without it, Subscribe falls back to shape
		// validation alone.
		p.logger.Warn("exchangeInfo catalog fetch failed", zap.Error(err))
	}

	p.runOnce.Do(func() { go p.flow.run() })
	go p.oi.Run(ctx, p.symbolList)

	return p.connectWS(ctx)
}

// fetchExchangeInfo loads the perpetual USDT instrument catalog from
// /fapi/v1/exchangeInfo and caches the tradable symbols.
func (p *BinanceFuturesProvider) fetchExchangeInfo(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.restBase+"/fapi/v1/exchangeInfo", nil)
	if err != nil {
		return err
	}
	resp, err := p.oi.client.Do(req)
	if err != nil {
		return err
	}
	var out struct {
		Symbols []struct {
			Symbol       string `json:"symbol"`
			ContractType string `json:"contractType"`
			QuoteAsset   string `json:"quoteAsset"`
			Status       string `json:"status"`
		} `json:"symbols"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	catalog := make(map[string]bool)
	for _, s := range out.Symbols {
		if s.ContractType != "PERPETUAL" || s.QuoteAsset != binanceQuoteSuffix || s.Status != "TRADING" {
			continue
		}
		if !symbolShape(s.Symbol, binanceQuoteSuffix) {
			continue
		}
		catalog[s.Symbol] = true
	}

	p.mu.Lock()
	p.catalog = catalog
	p.mu.Unlock()
	p.logger.Info("instrument catalog loaded", zap.Int("symbols", len(catalog)))
	return nil
}

func (p *BinanceFuturesProvider) connectWS(ctx context.Context) error {
	streams := []string{"!ticker@arr"}
	for _, s := range p.symbolList() {
		streams = append(streams, fmt.Sprintf("%s@aggTrade", strings.ToLower(s)))
	}
	wsURL := "wss://fstream.binance.com/stream?streams=" + strings.Join(streams, "/")

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(wsURL, nil)
	if err != nil {
		p.mu.Lock()
		p.reconnectCount++
		p.mu.Unlock()
		return fmt.Errorf("binance connect: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.intentional = false
	p.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	go p.pingLoop(ctx)
	go p.readLoop(ctx)
	return nil
}

func (p *BinanceFuturesProvider) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.mu.RLock()
			conn := p.conn
			p.mu.RUnlock()
			if conn != nil {
				_ = conn.WriteMessage(websocket.PingMessage, nil)
			}
		}
	}
}

func (p *BinanceFuturesProvider) readLoop(ctx context.Context) {
	defer func() {
		p.mu.Lock()
		p.connected = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			return
		}
		_, msg, err := conn.ReadMessage()
		if err != nil {
			p.mu.RLock()
			intentional := p.intentional
			p.mu.RUnlock()
			if !intentional {
				p.reconnectLoop(ctx)
			}
			return
		}
		p.handleMessage(msg)
	}
}

func (p *BinanceFuturesProvider) reconnectLoop(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff(attempt, 5*time.Second, 60*time.Second)):
		}
		if err := p.connectWS(ctx); err == nil {
			return
		}
		p.mu.Lock()
		p.reconnectCount++
		p.mu.Unlock()
	}
}

type binanceCombined struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

type binanceMiniTicker struct {
	EventType string `json:"e"`
	Symbol    string `json:"s"`
	EventTime int64  `json:"E"`
	Close     string `json:"c"`
	Volume    string `json:"v"`
	QuoteVol  string `json:"q"`
}

type binanceAggTrade struct {
	EventType    string `json:"e"`
	Symbol       string `json:"s"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	IsBuyerMaker bool   `json:"m"`
}

func (p *BinanceFuturesProvider) handleMessage(raw []byte) {
	var env binanceCombined
	if err := json.Unmarshal(raw, &env); err != nil {
		p.bumpErr()
		return
	}

	if strings.HasSuffix(env.Stream, "@aggTrade") {
		var t binanceAggTrade
		if err := json.Unmarshal(env.Data, &t); err != nil {
			p.bumpErr()
			return
		}
		price, err1 := parseFloat(t.Price)
		qty, err2 := parseFloat(t.Quantity)
		if err1 != nil || err2 != nil {
			p.bumpErr()
			return
		}
		p.flow.add(t.Symbol, price, qty, t.IsBuyerMaker)
		return
	}

	if env.Stream == "!ticker@arr" {
		var tickers []binanceMiniTicker
		if err := json.Unmarshal(env.Data, &tickers); err != nil {
			p.bumpErr()
			return
		}
		for _, tk := range tickers {
			if !p.isSubscribed(tk.Symbol) {
				continue
			}
			price, err := parseFloat(tk.Close)
			if err != nil || !model.IsFiniteNonNegative(price) {
				continue
			}
			u := model.MarketUpdate{
				ProviderID:  p.ID(),
				MarketType:  model.MarketFutures,
				Symbol:      tk.Symbol,
				TimestampMs: tk.EventTime,
				Price:       floatPtr(price),
			}
			if oi, ok := p.oi.Get(tk.Symbol); ok {
				u.OpenInterest = floatPtr(oi)
			}
			p.emit(u)
		}
	}
}

func (p *BinanceFuturesProvider) emitFlow(symbol string, buy, sell, buyQuote, sellQuote float64) {
	u := model.MarketUpdate{
		ProviderID:      p.ID(),
		MarketType:      model.MarketFutures,
		Symbol:          symbol,
		TimestampMs:     time.Now().UnixMilli(),
		VolumeBuy:       floatPtr(buy),
		VolumeSell:      floatPtr(sell),
		VolumeBuyQuote:  floatPtr(buyQuote),
		VolumeSellQuote: floatPtr(sellQuote),
	}
	p.emit(u)
}

func (p *BinanceFuturesProvider) emit(u model.MarketUpdate) {
	p.mu.Lock()
	p.lastUpdateMs = u.TimestampMs
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(u)
	}
}

func (p *BinanceFuturesProvider) bumpErr() {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
}

func (p *BinanceFuturesProvider) fetchOI(ctx context.Context, symbol string) (float64, error) {
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/fapi/v1/openInterest?symbol=%s", p.restBase, symbol), nil)
	resp, err := p.oi.client.Do(req)
	if err != nil {
		return 0, err
	}
	var out struct {
		OpenInterest string `json:"openInterest"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return 0, err
	}
	return parseFloat(out.OpenInterest)
}

func (p *BinanceFuturesProvider) Disconnect() error {
	p.mu.Lock()
	p.intentional = true
	conn := p.conn
	p.connected = false
	p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.flow.stop()
	if conn != nil {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		return conn.Close()
	}
	return nil
}

func (p *BinanceFuturesProvider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *BinanceFuturesProvider) Subscribe(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if !symbolShape(s, binanceQuoteSuffix) {
			continue
		}
		if len(p.catalog) > 0 && !p.catalog[s] {
			p.logger.Warn("symbol not in venue catalog, skipping", zap.String("symbol", s))
			continue
		}
		p.symbols[s] = true
	}
	return nil
}

func (p *BinanceFuturesProvider) Unsubscribe(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.symbols, strings.ToUpper(s))
	}
	return nil
}

// AvailableSymbols returns the venue's instrument catalog when it was
// fetched, falling back to the subscribed set otherwise.
func (p *BinanceFuturesProvider) AvailableSymbols() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if len(p.catalog) > 0 {
		out := make([]string, 0, len(p.catalog))
		for s := range p.catalog {
			out = append(out, s)
		}
		return out
	}
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	return out
}

func (p *BinanceFuturesProvider) symbolList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	return out
}

func (p *BinanceFuturesProvider) isSubscribed(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.symbols[symbol]
}

func (p *BinanceFuturesProvider) HealthStatus() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Health{
		Connected:      p.connected,
		ReconnectCount: p.reconnectCount,
		ErrorCount:     p.errorCount,
		LastUpdateMs:   p.lastUpdateMs,
	}
}
