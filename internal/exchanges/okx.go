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

const okxQuoteSuffix = "USDT"
const okxWSURL = "wss://ws.okx.com:8443/ws/v5/public"

// OKXFuturesProvider streams OKX USDT-margined perpetual swaps over the
// public WebSocket: "tickers" for last price, "open-interest" for OI
// (OKX splits these into separate channels, unlike Bybit's combined
// ticker), and "trades" for the aggressive-volume accumulator.
type OKXFuturesProvider struct {
	logger *zap.Logger

	mu             sync.RWMutex
	symbols        map[string]bool
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

func NewOKXFuturesProvider(logger *zap.Logger) *OKXFuturesProvider {
	p := &OKXFuturesProvider{
		logger:  logger.Named("okx-futures"),
		symbols: make(map[string]bool),
	}
	p.flow = newFlowAccumulator(250, 120*time.Millisecond, p.emitFlow)
	return p
}

func (p *OKXFuturesProvider) ID() string { return "okx-futures" }

func (p *OKXFuturesProvider) OnUpdate(cb UpdateCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

func (p *OKXFuturesProvider) Connect(ctx context.Context) error {
	if p.cancel != nil {
		p.cancel()
	}
	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.runOnce.Do(func() { go p.flow.run() })
	return p.connectWS(ctx)
}

func (p *OKXFuturesProvider) connectWS(ctx context.Context) error {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
	}
	conn, _, err := dialer.Dial(okxWSURL, nil)
	if err != nil {
		p.mu.Lock()
		p.reconnectCount++
		p.mu.Unlock()
		return fmt.Errorf("okx connect: %w", err)
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

type okxArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

// sendSubscriptions sends the tickers/open-interest/trades args in
// subscribe requests of at most 75 args each (25 symbols × 3
// channels), batched by its own loop rather than subscriptionBatches.
func (p *OKXFuturesProvider) sendSubscriptions() error {
	var args []okxArg
	for _, s := range p.symbolList() {
		inst := toOKXInstID(s)
		args = append(args,
			okxArg{Channel: "tickers", InstID: inst},
			okxArg{Channel: "open-interest", InstID: inst},
			okxArg{Channel: "trades", InstID: inst},
		)
	}
	const batchN = 75
	for i := 0; i < len(args); i += batchN {
		end := i + batchN
		if end > len(args) {
			end = len(args)
		}
		msg := map[string]interface{}{"op": "subscribe", "args": args[i:end]}
		p.mu.RLock()
		conn := p.conn
		p.mu.RUnlock()
		if conn == nil {
			return fmt.Errorf("okx subscribe: no connection")
		}
		if err := conn.WriteJSON(msg); err != nil {
			return fmt.Errorf("okx subscribe: %w", err)
		}
	}
	return nil
}

// toOKXInstID converts "BTCUSDT" into OKX's swap instrument id
// "BTC-USDT-SWAP". This assumes a USDT quote suffix, matching
// symbolShape's validation in Subscribe.
func toOKXInstID(symbol string) string {
	base := strings.TrimSuffix(symbol, okxQuoteSuffix)
	return base + "-" + okxQuoteSuffix + "-SWAP"
}

// fromOKXInstID reverses toOKXInstID for lookups against our internal
// symbol keys.
func fromOKXInstID(instID string) string {
	instID = strings.TrimSuffix(instID, "-SWAP")
	return strings.ReplaceAll(instID, "-", "")
}

func (p *OKXFuturesProvider) pingLoop(ctx context.Context) {
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
				_ = conn.WriteMessage(websocket.TextMessage, []byte("ping"))
			}
		}
	}
}

func (p *OKXFuturesProvider) readLoop(ctx context.Context) {
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
		if string(msg) == "pong" {
			continue
		}
		p.handleMessage(msg)
	}
}

func (p *OKXFuturesProvider) reconnectLoop(ctx context.Context) {
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

type okxEnvelope struct {
	Event string          `json:"event"`
	Arg   okxArg          `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

type okxTickerData struct {
	InstID string `json:"instId"`
	Last   string `json:"last"`
	TS     string `json:"ts"`
}

type okxOpenInterestData struct {
	InstID string `json:"instId"`
	OI     string `json:"oi"`
	TS     string `json:"ts"`
}

type okxTradeData struct {
	InstID string `json:"instId"`
	Price  string `json:"px"`
	Size   string `json:"sz"`
	Side   string `json:"side"`
	TS     string `json:"ts"`
}

func (p *OKXFuturesProvider) handleMessage(raw []byte) {
	var env okxEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		p.bumpErr()
		return
	}
	if env.Event != "" {
		return // subscribe/error acks
	}

	switch env.Arg.Channel {
	case "tickers":
		var rows []okxTickerData
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			p.bumpErr()
			return
		}
		for _, r := range rows {
			symbol := fromOKXInstID(r.InstID)
			if !p.isSubscribed(symbol) {
				continue
			}
			price, err := parseFloat(r.Last)
			if err != nil || !model.IsFiniteNonNegative(price) || price <= 0 {
				continue
			}
			ts := parseOKXTs(r.TS)
			p.emit(model.MarketUpdate{
				ProviderID:  p.ID(),
				MarketType:  model.MarketFutures,
				Symbol:      symbol,
				TimestampMs: ts,
				Price:       floatPtr(price),
			})
		}

	case "open-interest":
		var rows []okxOpenInterestData
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			p.bumpErr()
			return
		}
		for _, r := range rows {
			symbol := fromOKXInstID(r.InstID)
			if !p.isSubscribed(symbol) {
				continue
			}
			oi, err := parseFloat(r.OI)
			if err != nil || !model.IsFiniteNonNegative(oi) {
				continue
			}
			ts := parseOKXTs(r.TS)
			p.emit(model.MarketUpdate{
				ProviderID:            p.ID(),
				MarketType:            model.MarketFutures,
				Symbol:                symbol,
				TimestampMs:           ts,
				OpenInterest:          floatPtr(oi),
				OpenInterestTimestamp: int64Ptr(ts),
			})
		}

	case "trades":
		var rows []okxTradeData
		if err := json.Unmarshal(env.Data, &rows); err != nil {
			p.bumpErr()
			return
		}
		for _, r := range rows {
			symbol := fromOKXInstID(r.InstID)
			price, err1 := parseFloat(r.Price)
			qty, err2 := parseFloat(r.Size)
			if err1 != nil || err2 != nil {
				continue
			}
			// OKX's trade "side" names the taker's own side directly:
			// "sell" is an aggressive sell, equivalent to
			// buyerIsMaker=true in Binance's convention.
			p.flow.add(symbol, price, qty, strings.EqualFold(r.Side, "sell"))
		}
	}
}

func parseOKXTs(s string) int64 {
	v, err := parseFloat(s)
	if err != nil {
		return time.Now().UnixMilli()
	}
	return int64(v)
}

func (p *OKXFuturesProvider) emitFlow(symbol string, buy, sell, buyQuote, sellQuote float64) {
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

func (p *OKXFuturesProvider) emit(u model.MarketUpdate) {
	p.mu.Lock()
	p.lastUpdateMs = u.TimestampMs
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(u)
	}
}

func (p *OKXFuturesProvider) bumpErr() {
	p.mu.Lock()
	p.errorCount++
	p.mu.Unlock()
}

func (p *OKXFuturesProvider) Disconnect() error {
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

func (p *OKXFuturesProvider) IsConnected() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.connected
}

func (p *OKXFuturesProvider) Subscribe(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		s = strings.ToUpper(s)
		if !symbolShape(s, okxQuoteSuffix) {
			continue
		}
		p.symbols[s] = true
	}
	return nil
}

func (p *OKXFuturesProvider) Unsubscribe(symbols []string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.symbols, strings.ToUpper(s))
	}
	return nil
}

func (p *OKXFuturesProvider) AvailableSymbols() []string { return p.symbolList() }

func (p *OKXFuturesProvider) symbolList() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]string, 0, len(p.symbols))
	for s := range p.symbols {
		out = append(out, s)
	}
	return out
}

func (p *OKXFuturesProvider) isSubscribed(symbol string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.symbols[symbol]
}

func (p *OKXFuturesProvider) HealthStatus() Health {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return Health{
		Connected:      p.connected,
		ReconnectCount: p.reconnectCount,
		ErrorCount:     p.errorCount,
		LastUpdateMs:   p.lastUpdateMs,
	}
}
