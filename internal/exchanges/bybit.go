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

const bybitQuoteSuffix = "USDT"
const bybitWSURL = "wss://stream.bybit.com/v5/public/linear"

// BybitFuturesProvider streams Bybit USDT-perpetual linear futures over
// the public/linear WebSocket: one subscription per symbol to
// "tickers.<SYMBOL>" (which carries openInterest inline, unlike
// Binance's ticker stream) and "publicTrade.<SYMBOL>" for the
// aggressive-volume accumulator.
type BybitFuturesProvider struct {
	logger   *zap.Logger
	restBase string
	rest     *http.Client

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
	runOnce sync.Once

	cancel context.CancelFunc
}

func NewBybitFuturesProvider(logger *zap.Logger) *BybitFuturesProvider {
	p := &BybitFuturesProvider{
		logger:   logger.Named("bybit-futures"),
		restBase: "https://api.bybit.com",
		rest:     &http.Client{Timeout: 10 * time.Second},
		symbols:  make(map[string]bool),
	}
	p.flow = newFlowAccumulator(250, 120*time.Millisecond, p.emitFlow)
	return p
}

func (p *BybitFuturesProvider) ID() string { return "bybit-futures" }

func (p *BybitFuturesProvider) OnUpdate(cb UpdateCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

func (p *BybitFuturesProvider) Connect(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	if err := fetchCatalogWithRetry(ctx, time.Second, p.fetchInstruments); err != nil {
		p.logger.Warn("instruments-info catalog fetch failed", zap.Error(err))
	}

	p.runOnce.Do(func() { go p.flow.run() })
	return p.connectWS(ctx)
}

// fetchInstruments loads the linear USDT-perpetual catalog from
// /v5/market/instruments-info and caches the tradable symbols.
func (p *BybitFuturesProvider) fetchInstruments(ctx context.Context) error {
	url := p.restBase + "/v5/market/instruments-info?category=linear&limit=1000"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := p.rest.Do(req)
	if err != nil {
		return err
	}
	var out struct {
		Result struct {
			List []struct {
				Symbol    string `json:"symbol"`
				QuoteCoin string `json:"quoteCoin"`
				Status    string `json:"status"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := decodeJSON(resp, &out); err != nil {
		return err
	}

	catalog := make(map[string]bool)
	for _, s := range out.Result.List {
		if s.QuoteCoin != bybitQuoteSuffix || s.Status != "Trading" {
			continue
		}
		if !symbolShape(s.Symbol, bybitQuoteSuffix) {
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

func (p *BybitFuturesProvider) connectWS(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(bybitWSURL, nil)
	if err != nil {
		p.mu.Lock()
		p.reconnectCount++
		p.mu.Unlock()
		return fmt.Errorf("bybit connect: %w", err)
	}

	p.mu.Lock()
	p.conn = conn
	p.connected = true
	p.intentional = false
	p.mu.Unlock()

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))

	if err := p.sendSubscriptions(); err != nil {
		conn.Close()
		return err
	}

	go p.pingLoop(ctx)
	go p.readLoop(ctx)
	return nil
}

// sendSubscriptions batches topics into groups of 10 args per request,
// matching Bybit's per-message subscription arg limit.
func (p *BybitFuturesProvider) sendSubscriptions() error {
	var topics []string
	for _, s := range p.symbolList() {
		topics = append(topics, fmt.Sprintf("tickers.%s", s), fmt.Sprintf("publicTrade.%s", s))
	}
	for _, batch := range subscriptionBatches(topics, 10) {
		msg := map[string]interface{}{"op": "subscribe", "args": batch}
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			return fmt.Errorf("bybit subscribe: no connection")
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("bybit subscribe: %w", err)
		}
	}
	return nil
}

func (p *BybitFuturesProvider) pingLoop(ctx context.Context) {
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
				_ = conn.WriteJSON(map[string]interface{}{"op": "ping"})
			}
		}
	}
}

func (p *BybitFuturesProvider) readLoop(ctx context.Context) {
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
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
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

func (p *BybitFuturesProvider) reconnectLoop(ctx context.Context) {
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

type bybitEnvelope struct {
	Op    string          `json:"op"`
	Topic string          `json:"topic"`
	Ts    int64           `json:"ts"`
	Data  json.RawMessage `json:"data"`
}

type bybitTicker struct {
	Symbol       string `json:"symbol"`
	LastPrice    string `json:"lastPrice"`
	OpenInterest string `json:"openInterest"`
}

type bybitTrade struct {
	Symbol string `json:"s"`
	Price  string `json:"p"`
	Size   string `json:"v"`
	Side   string `json:"S"`
	Time   int64  `json:"T"`
}

func (p *BybitFuturesProvider) handleMessage(raw []byte) {
	var env bybitEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.bumpErr()
		return
	}
	if env.Op != "" {
		return // subscription ack / pong
	}

	switch {
	case strings.HasPrefix(env.Topic, "tickers."):
		var tk bybitTicker
		if err := json.Unmarshal(env.Data, &tk); err != nil {
			p.bumpErr()
			return
		}
		u := model.MarketUpdate{
			ProviderID:  p.ID(),
			MarketType:  model.MarketFutures,
			Symbol:      tk.Symbol,
			TimestampMs: env.Ts,
		}
		if tk.LastPrice != "" {
			if v, err := parseFloat(tk.LastPrice); err == nil && model.IsFiniteNonNegative(v) && v > 0 {
				u.Price = floatPtr(v)
			}
		}
		if tk.OpenInterest != "" {
			if v, err := parseFloat(tk.OpenInterest); err == nil && model.IsFiniteNonNegative(v) {
				u.OpenInterest = floatPtr(v)
				u.OpenInterestTimestamp = int64Ptr(env.Ts)
			}
		}
		if u.Price != nil || u.OpenInterest != nil {
			p.emit(u)
		}

	case strings.HasPrefix(env.Topic, "publicTrade."):
		var trades []bybitTrade
		if err := json.Unmarshal(env.Data, &trades); err != nil {
			p.bumpErr()
			return
		}
		for _, t := range trades {
			price, err1 := parseFloat(t.Price)
			qty, err2 := parseFloat(t.Size)
			if err1 != nil || err2 != nil {
				continue
			}
			// Bybit's trade side is the taker's side directly: "Sell"
			// means the aggressive order sold, equivalent to
			// buyerIsMaker=true in Binance's convention.
			p.flow.add(t.Symbol, price, qty, strings.EqualFold(t.Side, "Sell"))
		}
	}
}

func (p *BybitFuturesProvider) emitFlow(symbol string, buy, sell, buyQuote, sellQuote float64) {
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

func (p *BybitFuturesProvider) emit(u model.MarketUpdate) {
	p.mu.Lock()
	p.lastUpdateMs = u.TimestampMs
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(u)
	}
}

func (p *BybitFuturesProvider) bumpErr() {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
}

func (p *BybitFuturesProvider) Disconnect() error {
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

func (p *BybitFuturesProvider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *BybitFuturesProvider) Subscribe(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if !symbolShape(s, bybitQuoteSuffix) {
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

func (p *BybitFuturesProvider) Unsubscribe(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.symbols, strings.ToUpper(s))
	}
	return nil
}

// AvailableSymbols returns the venue's instrument catalog when it was
// fetched, falling back to the subscribed set otherwise.
func (p *BybitFuturesProvider) AvailableSymbols() []string {
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

func (p *BybitFuturesProvider) symbolList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	return out
}

func (p *BybitFuturesProvider) HealthStatus() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Health{
		Connected:      p.connected,
		ReconnectCount: p.reconnectCount,
		ErrorCount:     p.errorCount,
		LastUpdateMs:   p.lastUpdateMs,
	}
}
