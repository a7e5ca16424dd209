package exchanges

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"oisentry/internal/model"
)

// hybridStaleAfter is the join staleness window: a cached component
// older than this is treated as absent rather than merged in.
const hybridStaleAfter = 10 * time.Second

// HybridProvider composes a trade-stream venue (price + signed volume)
// with a ticker-stream venue (OI), joining per symbol with a staleness
// window and emitting a merged update on either input as soon as any
// fresh component is available.
type HybridProvider struct {
	logger *zap.Logger

	tradeSource  Provider // supplies Price, VolumeBuy/Sell(+Quote)
	tickerSource Provider // supplies OpenInterest

	mu      sync.Mutex
	last    map[string]*hybridState
	cb      UpdateCallback
}

type hybridState struct {
	price      *float64
	priceTsMs  int64
	oi         *float64
	oiTsMs     int64
}

// NewHybridProvider composes tradeSource and tickerSource into one
// provider. Both must be constructed but not yet connected.
func NewHybridProvider(logger *zap.Logger, tradeSource, tickerSource Provider) *HybridProvider {
	return &HybridProvider{
		logger:       logger.Named("hybrid-" + tradeSource.ID() + "-" + tickerSource.ID()),
		tradeSource:  tradeSource,
		tickerSource: tickerSource,
		last:         make(map[string]*hybridState),
	}
}

func (p *HybridProvider) ID() string {
	return "hybrid-" + p.tradeSource.ID() + "+" + p.tickerSource.ID()
}

func (p *HybridProvider) OnUpdate(cb UpdateCallback) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cb = cb
}

// Connect wires each leg's OnUpdate into the join logic, then connects
// both concurrently. A connect failure on either leg propagates.
func (p *HybridProvider) Connect(ctx context.Context) error {
	p.tradeSource.OnUpdate(p.onTrade)
	p.tickerSource.OnUpdate(p.onTicker)

	errCh := make(chan error, 2)
	go func() { errCh <- p.tradeSource.Connect(ctx) }()
	go func() { errCh <- p.tickerSource.Connect(ctx) }()

	var firstErr error
	for i := 0; i < 2; i++ {
		if err := <-errCh; err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *HybridProvider) onTrade(u model.MarketUpdate) {
	p.mu.Lock()
	st := p.stateFor(u.Symbol)
	if u.Price != nil {
		st.price, st.priceTsMs = u.Price, u.TimestampMs
	}
	merged := p.mergeLocked(u.Symbol, u)
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(merged)
	}
}

func (p *HybridProvider) onTicker(u model.MarketUpdate) {
	p.mu.Lock()
	st := p.stateFor(u.Symbol)
	if u.OpenInterest != nil {
		st.oi, st.oiTsMs = u.OpenInterest, u.TimestampMs
	}
	merged := p.mergeLocked(u.Symbol, u)
	cb := p.cb
	p.mu.Unlock()
	if cb != nil {
		cb(merged)
	}
}

func (p *HybridProvider) stateFor(symbol string) *hybridState {
	st, ok := p.last[symbol]
	if !ok {
		st = &hybridState{}
		p.last[symbol] = st
	}
	return st
}

// mergeLocked builds the merged update from the freshest available
// component per field, preferring the triggering update's own fields
// and filling in the other leg's cached value when it isn't stale.
// Must be called with mu held.
func (p *HybridProvider) mergeLocked(symbol string, u model.MarketUpdate) model.MarketUpdate {
	st := p.last[symbol]
	now := u.TimestampMs

	merged := u
	merged.ProviderID = p.ID()
	merged.Symbol = symbol
	merged.TimestampMs = now

	if merged.Price == nil && st.price != nil && now-st.priceTsMs <= hybridStaleAfter.Milliseconds() {
		merged.Price = st.price
	}
	if merged.OpenInterest == nil && st.oi != nil && now-st.oiTsMs <= hybridStaleAfter.Milliseconds() {
		merged.OpenInterest = st.oi
	}
	return merged
}

func (p *HybridProvider) Disconnect() error {
	err1 := p.tradeSource.Disconnect()
	err2 := p.tickerSource.Disconnect()
	if err1 != nil {
		return err1
	}
	return err2
}

func (p *HybridProvider) IsConnected() bool {
	return p.tradeSource.IsConnected() && p.tickerSource.IsConnected()
}

func (p *HybridProvider) Subscribe(symbols []string) error {
	if err := p.tradeSource.Subscribe(symbols); err != nil {
		return err
	}
	return p.tickerSource.Subscribe(symbols)
}

func (p *HybridProvider) Unsubscribe(symbols []string) error {
	if err := p.tradeSource.Unsubscribe(symbols); err != nil {
		return err
	}
	return p.tickerSource.Unsubscribe(symbols)
}

func (p *HybridProvider) AvailableSymbols() []string {
	return p.tradeSource.AvailableSymbols()
}

func (p *HybridProvider) HealthStatus() Health {
	tradeHealth := p.tradeSource.HealthStatus()
	tickerHealth := p.tickerSource.HealthStatus()
	h := Health{
		Connected:      tradeHealth.Connected && tickerHealth.Connected,
		ReconnectCount: tradeHealth.ReconnectCount + tickerHealth.ReconnectCount,
		ErrorCount:     tradeHealth.ErrorCount + tickerHealth.ErrorCount,
	}
	if tradeHealth.LastUpdateMs > tickerHealth.LastUpdateMs {
		h.LastUpdateMs = tradeHealth.LastUpdateMs
	} else {
		h.LastUpdateMs = tickerHealth.LastUpdateMs
	}
	return h
}
