// Package ingestion implements the ingestion gateway: it registers
// venue providers, fans their normalized updates into the bucket store
// and market state, and notifies the trigger evaluator of the affected
// symbol. Updates are routed through a symbol-hashed worker pool so a
// given symbol's bucket/state writes are always confined to the same
// lane. A supervisor worker per registered provider acts as an outer
// resilience layer above each provider's own venue-level reconnect
// loop: if a provider's connection is lost and its internal reconnect
// logic has not restored it by the time the supervisor's backoff
// elapses, the supervisor reconnects it itself.
package ingestion

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"oisentry/internal/bucket"
	"oisentry/internal/exchanges"
	"oisentry/internal/marketstate"
	"oisentry/internal/model"
	"oisentry/internal/supervisor"
	"oisentry/internal/telemetry"
)

// symbolNotifier is the narrow slice of trigger.Evaluator the gateway
// depends on, so this package doesn't import internal/trigger.
type symbolNotifier interface {
	OnPriceUpdate(symbol string, price float64)
}

const defaultLaneCount = 16

// Gateway owns the registered providers and the symbol-hashed lane
// pool that applies their updates to the shared stores.
type Gateway struct {
	logger   *zap.Logger
	metr     *telemetry.Metrics
	buckets  *bucket.Store
	states   *marketstate.Store
	notifier symbolNotifier

	mu        sync.RWMutex
	providers []exchanges.Provider

	lanes []chan model.MarketUpdate

	sup    *supervisor.Supervisor
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Gateway over the shared bucket store, market state, and
// trigger evaluator. laneCount <= 0 uses defaultLaneCount.
func New(buckets *bucket.Store, states *marketstate.Store, notifier symbolNotifier, logger *zap.Logger, metr *telemetry.Metrics, laneCount int) *Gateway {
	if laneCount <= 0 {
		laneCount = defaultLaneCount
	}
	g := &Gateway{
		logger:   logger.Named("ingestion_gateway"),
		metr:     metr,
		buckets:  buckets,
		states:   states,
		notifier: notifier,
		lanes:    make([]chan model.MarketUpdate, laneCount),
	}
	for i := range g.lanes {
		g.lanes[i] = make(chan model.MarketUpdate, 1024)
	}
	return g
}

// RegisterProvider adds p to the registered provider set. Must be
// called before Connect.
func (g *Gateway) RegisterProvider(p exchanges.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.providers = append(g.providers, p)
}

// Connect starts the lane workers, wires each provider's OnUpdate
// callback to the fan-in, and connects every provider concurrently.
// Connect failures are logged, not propagated: it returns nil even
// when no provider connects, and the process continues with zero
// feeds.
func (g *Gateway) Connect(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel

	for i, lane := range g.lanes {
		g.wg.Add(1)
		go g.runLane(ctx, i, lane)
	}

	g.mu.RLock()
	providers := append([]exchanges.Provider(nil), g.providers...)
	g.mu.RUnlock()

	var wg sync.WaitGroup
	results := make([]error, len(providers))
	for i, p := range providers {
		p.OnUpdate(g.makeRouter(p.ID()))
		wg.Add(1)
		go func(i int, p exchanges.Provider) {
			defer wg.Done()
			// The provider derives its ping/read/poll loops from this
			// context, so it must be the gateway's long-lived one; dial
			// deadlines are the provider's own (handshake and REST
			// timeouts).
			results[i] = p.Connect(ctx)
		}(i, p)
	}
	wg.Wait()

	g.wg.Add(1)
	go g.healthSnapshotLoop(ctx)

	connected := 0
	for i, err := range results {
		if err != nil {
			g.logger.Warn("provider connect failed", zap.String("provider", providers[i].ID()), zap.Error(err))
			continue
		}
		connected++
	}
	if connected == 0 && len(providers) > 0 {
		g.logger.Error("no providers connected; continuing with zero feeds")
	}

	g.sup = supervisor.NewSupervisor(g.logger.Named("provider_supervisor"))
	for _, p := range providers {
		p := p
		backoffCfg := supervisor.BackoffConfig{
			InitialBackoff: 2 * time.Second,
			MaxBackoff:     60 * time.Second,
			BackoffFactor:  2,
			OnReconnect: func() {
				if g.metr != nil {
					g.metr.ProviderReconnects.WithLabelValues(p.ID()).Inc()
				}
			},
		}
		if err := g.sup.AddProvider(p, backoffCfg); err != nil {
			g.logger.Warn("failed to register provider supervisor worker", zap.String("provider", p.ID()), zap.Error(err))
		}
	}
	if err := g.sup.Start(); err != nil {
		g.logger.Warn("provider supervisor failed to start", zap.Error(err))
	}

	return nil
}

// makeRouter builds the per-provider UpdateCallback that validates and
// routes an update into the symbol's lane.
func (g *Gateway) makeRouter(providerID string) exchanges.UpdateCallback {
	return func(u model.MarketUpdate) {
		if !validUpdate(u) {
			if g.metr != nil {
				g.metr.ProviderErrors.WithLabelValues(providerID).Inc()
			}
			return
		}
		if g.metr != nil {
			g.metr.UpdatesIngested.WithLabelValues(providerID).Inc()
		}
		lane := g.lanes[laneFor(u.Symbol, len(g.lanes))]
		select {
		case lane <- u:
		default:
			// Lane saturated: drop with a counter rather than block the
			// provider's read loop.
			if g.metr != nil {
				g.metr.ProviderErrors.WithLabelValues(providerID).Inc()
			}
			g.logger.Warn("ingestion lane saturated, dropping update",
				zap.String("provider", providerID), zap.String("symbol", u.Symbol))
		}
	}
}

func validUpdate(u model.MarketUpdate) bool {
	if u.Symbol == "" || u.TimestampMs <= 0 {
		return false
	}
	if u.Price != nil && !model.IsFiniteNonNegative(*u.Price) {
		return false
	}
	if u.OpenInterest != nil && !model.IsFiniteNonNegative(*u.OpenInterest) {
		return false
	}
	return true
}

func laneFor(symbol string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(symbol))
	return int(h.Sum32() % uint32(n))
}

// runLane applies updates for every symbol hashed to this lane, in
// arrival order, confining a symbol's bucket/state writes to one
// goroutine.
func (g *Gateway) runLane(ctx context.Context, idx int, lane chan model.MarketUpdate) {
	defer g.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case u := <-lane:
			g.apply(u)
		}
	}
}

func (g *Gateway) apply(u model.MarketUpdate) {
	priceFallback, oiFallback := g.fallbacks(u.Symbol)

	outOfOrder := g.buckets.AddPoint(u.Symbol, u, priceFallback, oiFallback)
	g.states.Update(u.Symbol, u.TimestampMs, u.Price, u.OpenInterest)
	if outOfOrder {
		g.states.MarkOutOfOrder(u.Symbol)
		if g.metr != nil {
			g.metr.OutOfOrderUpdates.WithLabelValues(u.ProviderID).Inc()
		}
	}

	if g.notifier != nil {
		if price, ok := g.states.GetPrice(u.Symbol); ok {
			g.notifier.OnPriceUpdate(u.Symbol, price)
		}
	}
}

func (g *Gateway) fallbacks(symbol string) (price, oi *float64) {
	if v, ok := g.states.GetPrice(symbol); ok {
		price = &v
	}
	if v, ok := g.states.GetOI(symbol); ok {
		oi = &v
	}
	return
}

// healthSnapshotLoop logs a periodic summary of every provider's
// health.
func (g *Gateway) healthSnapshotLoop(ctx context.Context) {
	defer g.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for id, h := range g.ProvidersHealth() {
				g.logger.Info("provider health",
					zap.String("provider", id),
					zap.Bool("connected", h.Connected),
					zap.Int("reconnects", h.ReconnectCount),
					zap.Int64("errors", h.ErrorCount))
			}
		}
	}
}

// ActiveProviders returns the IDs of providers currently connected.
func (g *Gateway) ActiveProviders() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, p := range g.providers {
		if p.IsConnected() {
			out = append(out, p.ID())
		}
	}
	return out
}

// ProvidersHealth returns a health snapshot keyed by provider ID.
func (g *Gateway) ProvidersHealth() map[string]exchanges.Health {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make(map[string]exchanges.Health, len(g.providers))
	for _, p := range g.providers {
		out[p.ID()] = p.HealthStatus()
	}
	return out
}

// Disconnect concurrently disconnects every registered provider and
// stops the lane workers.
func (g *Gateway) Disconnect() error {
	g.mu.RLock()
	providers := append([]exchanges.Provider(nil), g.providers...)
	g.mu.RUnlock()

	var wg sync.WaitGroup
	for _, p := range providers {
		wg.Add(1)
		go func(p exchanges.Provider) {
			defer wg.Done()
			if err := p.Disconnect(); err != nil {
				g.logger.Warn("provider disconnect failed", zap.String("provider", p.ID()), zap.Error(err))
			}
		}(p)
	}
	wg.Wait()

	if g.sup != nil {
		if err := g.sup.Stop(); err != nil {
			g.logger.Warn("provider supervisor stop failed", zap.Error(err))
		}
	}

	if g.cancel != nil {
		g.cancel()
	}
	g.wg.Wait()
	return nil
}
