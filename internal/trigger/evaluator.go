package trigger

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"oisentry/internal/aggregation"
	"oisentry/internal/model"
	"oisentry/internal/notify"
	"oisentry/internal/store"
	"oisentry/internal/telemetry"
)

// EvaluatorConfig carries the evaluator's tunables, sourced from
// config.Config.
type EvaluatorConfig struct {
	FlushInterval     time.Duration // TRIGGER_ENGINE_FLUSH_MS
	BatchSize         int           // BATCH_PROCESSING_SIZE
	MetricCacheTTL    time.Duration // TRIGGER_ENGINE_METRIC_CACHE_TTL_MS
	MinCheckInterval  time.Duration // MIN_CHECK_INTERVAL_MS (baseMs)
	DebounceThreshold int           // TRIGGER_ENGINE_DEBOUNCE_THRESHOLD
	BackoffEnabled    bool          // NOTIFY_BACKOFF_ENABLED
}

// DefaultEvaluatorConfig returns the stock tuning.
func DefaultEvaluatorConfig() EvaluatorConfig {
	return EvaluatorConfig{
		FlushInterval:     200 * time.Millisecond,
		BatchSize:         10,
		MetricCacheTTL:    500 * time.Millisecond,
		MinCheckInterval:  time.Second,
		DebounceThreshold: 3,
		BackoffEnabled:    false,
	}
}

// PostFilter is an optional decision-analysis hook: a post-fire check
// applied before a Signal is persisted and enqueued. It is not wired
// by default.
type PostFilter func(ctx context.Context, signal model.Signal, metrics model.Metrics) bool

type rateGateEntry struct {
	lastCheckMs int64
	fireCount   int
	running     bool
}

type cooldownEntry struct {
	hasFired    bool
	lastFiredMs int64
	consecutive int
}

type metricCacheEntry struct {
	metrics      *model.Metrics
	cachedPrice  float64
	expiresAtMs  int64
}

// Evaluator is a single-lane, debounced evaluation loop joining
// pending symbol updates against the active trigger snapshot.
type Evaluator struct {
	registry *Registry
	calc     *aggregation.Calculator
	pipeline *notify.Pipeline
	signals  store.SignalRepository
	logger   *zap.Logger
	metr     *telemetry.Metrics
	cfg      EvaluatorConfig
	cooldown CooldownPolicy
	now      func() time.Time

	renderMessage func(model.Trigger, model.Signal) string

	mu           sync.Mutex
	pending      map[string]float64 // symbol -> latest price
	timer        *time.Timer
	rateGates    map[string]*rateGateEntry
	cooldowns    map[string]*cooldownEntry
	metricCache  map[string]*metricCacheEntry

	postFilter PostFilter

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewEvaluator builds an Evaluator. renderMessage formats the chat text
// for a fired (trigger, signal) pair; callers outside the core own
// presentation, so a minimal default is supplied by NewDefaultRenderer
// when the caller has nothing more specific.
func NewEvaluator(
	registry *Registry,
	calc *aggregation.Calculator,
	pipeline *notify.Pipeline,
	signals store.SignalRepository,
	logger *zap.Logger,
	metr *telemetry.Metrics,
	cfg EvaluatorConfig,
	renderMessage func(model.Trigger, model.Signal) string,
) *Evaluator {
	var cooldown CooldownPolicy = FixedCooldown{}
	if cfg.BackoffEnabled {
		cooldown = BackoffCooldown{}
	}
	if renderMessage == nil {
		renderMessage = NewDefaultRenderer()
	}
	return &Evaluator{
		registry:      registry,
		calc:          calc,
		pipeline:      pipeline,
		signals:       signals,
		logger:        logger.Named("trigger_evaluator"),
		metr:          metr,
		cfg:           cfg,
		cooldown:      cooldown,
		now:           time.Now,
		renderMessage: renderMessage,
		pending:       make(map[string]float64),
		rateGates:     make(map[string]*rateGateEntry),
		cooldowns:     make(map[string]*cooldownEntry),
		metricCache:   make(map[string]*metricCacheEntry),
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// SetPostFilter installs the optional decision-analysis hook. The
// composition root leaves it unset by default.
func (e *Evaluator) SetPostFilter(f PostFilter) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.postFilter = f
}

// OnPriceUpdate records symbol's latest price and (re)arms the flush
// timer. Called by the ingestion gateway once per routed update.
func (e *Evaluator) OnPriceUpdate(symbol string, price float64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.pending[symbol] = price
	if e.timer == nil {
		e.timer = time.AfterFunc(e.cfg.FlushInterval, e.flushAsync)
	}
}

func (e *Evaluator) flushAsync() {
	ctx := context.Background()
	e.flush(ctx)
}

// Start launches the background housekeeping loop and a periodic
// safety tick that flushes pending entries even absent new updates.
func (e *Evaluator) Start(ctx context.Context) {
	go e.housekeepingLoop(ctx)
	go e.safetyTickLoop(ctx)
}

// Stop halts the background loops and discards the pending map and
// metric cache.
func (e *Evaluator) Stop() {
	close(e.stopCh)
	<-e.doneCh
	e.mu.Lock()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.pending = make(map[string]float64)
	e.metricCache = make(map[string]*metricCacheEntry)
	e.mu.Unlock()
}

func (e *Evaluator) housekeepingLoop(ctx context.Context) {
	defer close(e.doneCh)
	ticker := time.NewTicker(10 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.houseKeep()
		}
	}
}

func (e *Evaluator) safetyTickLoop(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			e.mu.Lock()
			hasPending := len(e.pending) > 0
			e.mu.Unlock()
			if hasPending {
				e.flush(ctx)
			}
		}
	}
}

// houseKeep purges rate-gate entries idle for 30 min and cooldown
// entries idle for 24h.
func (e *Evaluator) houseKeep() {
	nowMs := e.now().UnixMilli()
	e.mu.Lock()
	defer e.mu.Unlock()
	for k, v := range e.rateGates {
		if nowMs-v.lastCheckMs > int64(30*time.Minute/time.Millisecond) {
			delete(e.rateGates, k)
		}
	}
	for k, v := range e.cooldowns {
		if nowMs-v.lastFiredMs > int64(24*time.Hour/time.Millisecond) {
			delete(e.cooldowns, k)
		}
	}
}

// flush drains up to BatchSize pending entries and evaluates each
// against the current active-trigger snapshot, read once per flush.
func (e *Evaluator) flush(ctx context.Context) {
	start := e.now()
	e.mu.Lock()
	e.timer = nil
	batch := make(map[string]float64, len(e.pending))
	n := 0
	for symbol, price := range e.pending {
		batch[symbol] = price
		delete(e.pending, symbol)
		n++
		if n >= e.cfg.BatchSize {
			break
		}
	}
	rearm := len(e.pending) > 0
	e.mu.Unlock()

	if rearm {
		e.mu.Lock()
		if e.timer == nil {
			e.timer = time.AfterFunc(e.cfg.FlushInterval, e.flushAsync)
		}
		e.mu.Unlock()
	}

	triggers := e.registry.GetAllActive()
	if len(batch) == 0 || len(triggers) == 0 {
		return
	}

	for symbol, price := range batch {
		for _, t := range triggers {
			if !t.IsActive {
				continue
			}
			e.evaluateOne(ctx, t, symbol, price)
		}
	}

	if e.metr != nil {
		e.metr.TriggersEvaluated.Add(float64(len(batch) * len(triggers)))
		e.metr.EvaluationLatency.Observe(e.now().Sub(start).Seconds())
	}
}

// evaluateOne runs the per-(trigger,symbol) check: rate gate, metric
// fetch with cache, decision, and — on fire — cooldown plus dispatch.
// pendingPrice is the latest live price the debounce flush captured
// for symbol, used to early-invalidate the metric cache on a large
// move.
func (e *Evaluator) evaluateOne(ctx context.Context, t model.Trigger, symbol string, pendingPrice float64) {
	gateKey := t.ID + "|" + symbol
	nowMs := e.now().UnixMilli()

	e.mu.Lock()
	gate, ok := e.rateGates[gateKey]
	if !ok {
		gate = &rateGateEntry{}
		e.rateGates[gateKey] = gate
	}
	if gate.running {
		e.mu.Unlock()
		return
	}
	interval := dynamicIntervalMs(gate.fireCount, e.cfg.MinCheckInterval.Milliseconds(), e.cfg.DebounceThreshold)
	if nowMs-gate.lastCheckMs < interval {
		e.mu.Unlock()
		return
	}
	gate.running = true
	gate.lastCheckMs = nowMs
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		gate.running = false
		e.mu.Unlock()
	}()

	metrics, ok := e.metricsFor(symbol, t.TimeIntervalMinutes, t.OIChangePercent, pendingPrice)
	if !ok || metrics == nil {
		e.mu.Lock()
		gate.fireCount = 0
		e.mu.Unlock()
		return
	}

	fires := decide(t.Direction, metrics.OIChangePercent, t.OIChangePercent)
	if !fires {
		e.mu.Lock()
		gate.fireCount = 0
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	gate.fireCount++
	e.mu.Unlock()

	e.fire(ctx, t, symbol, *metrics)
}

// dynamicIntervalMs computes the rate-gate interval: baseMs until
// fireCount reaches debounceThreshold, then doubling per consecutive
// fire with the exponent clamped at 8.
func dynamicIntervalMs(fireCount int, baseMs int64, debounceThreshold int) int64 {
	if fireCount < debounceThreshold {
		return baseMs
	}
	exp := fireCount - debounceThreshold + 1
	if exp > 8 {
		exp = 8
	}
	return baseMs * int64(math.Pow(2, float64(exp)))
}

// metricsFor answers the cached metric query for (symbol, interval),
// invalidating early when pendingPrice — the live price the debounce
// flush just observed — has moved too far from the price the cache
// entry was built against.
func (e *Evaluator) metricsFor(symbol string, intervalMinutes int, threshold float64, pendingPrice float64) (*model.Metrics, bool) {
	cacheKey := fmt.Sprintf("%s|%d", symbol, intervalMinutes)
	nowMs := e.now().UnixMilli()

	e.mu.Lock()
	entry, ok := e.metricCache[cacheKey]
	e.mu.Unlock()

	if ok && nowMs < entry.expiresAtMs {
		fresh := true
		if pendingPrice > 0 && entry.cachedPrice > 0 {
			moveFrac := math.Abs(pendingPrice-entry.cachedPrice) / pendingPrice
			invalidateAt := math.Max(threshold/200, 0.005)
			fresh = moveFrac <= invalidateAt
		}
		if fresh {
			if e.metr != nil {
				e.metr.MetricCacheHits.Inc()
			}
			return entry.metrics, true
		}
	}

	if e.metr != nil {
		e.metr.MetricCacheMisses.Inc()
	}
	m := e.calc.MetricChanges(symbol, intervalMinutes)
	cachedPrice := pendingPrice
	if cachedPrice <= 0 && m != nil && m.CurrentPrice != nil {
		cachedPrice = *m.CurrentPrice
	}
	e.mu.Lock()
	e.metricCache[cacheKey] = &metricCacheEntry{
		metrics:     m,
		cachedPrice: cachedPrice,
		expiresAtMs: nowMs + e.cfg.MetricCacheTTL.Milliseconds(),
	}
	e.mu.Unlock()
	return m, m != nil
}

// decide applies the trigger's direction rule to the measured change.
func decide(dir model.Direction, oiChangePercent, threshold float64) bool {
	switch dir {
	case model.DirectionUp:
		return oiChangePercent >= threshold
	case model.DirectionDown:
		return oiChangePercent <= -threshold
	default:
		return false
	}
}

// fire applies the cooldown check and, if clear, persists a Signal and
// only then dispatches the chat message.
func (e *Evaluator) fire(ctx context.Context, t model.Trigger, symbol string, metrics model.Metrics) {
	cooldownKey := t.UserID + "|" + symbol
	nowMs := e.now().UnixMilli()

	e.mu.Lock()
	cd, ok := e.cooldowns[cooldownKey]
	e.mu.Unlock()
	if !ok {
		// First fire for this key since startup: seed the cooldown from
		// the persisted last signal so a restart can't double-fire
		// inside the notification window.
		cd = &cooldownEntry{}
		if last, found, err := e.signals.LastFired(ctx, t.ID, symbol); err == nil && found {
			cd.hasFired = true
			cd.lastFiredMs = last.CreatedAt.UnixMilli()
		}
		e.mu.Lock()
		if existing, raced := e.cooldowns[cooldownKey]; raced {
			cd = existing
		} else {
			e.cooldowns[cooldownKey] = cd
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	allowed := e.cooldown.Allowed(cd.hasFired, cd.lastFiredMs, nowMs, t.NotificationLimitSeconds, cd.consecutive)
	e.mu.Unlock()
	if !allowed {
		return
	}

	since24h := nowMs - int64(24*time.Hour/time.Millisecond)
	count, err := e.signals.CountSince(ctx, t.ID, symbol, since24h)
	if err != nil {
		e.logger.Warn("signal count query failed", zap.Error(err), zap.String("trigger_id", t.ID))
		return
	}

	signal := model.Signal{
		TriggerID:          t.ID,
		UserID:              t.UserID,
		Symbol:              symbol,
		SignalNumber:        count + 1,
		OIChangePercent:     metrics.OIChangePercent,
		PriceChangePercent:  metrics.PriceChangePercent,
		CurrentPrice:        metrics.CurrentPrice,
		CreatedAt:           e.now(),
	}

	e.mu.Lock()
	postFilter := e.postFilter
	e.mu.Unlock()
	if postFilter != nil && !postFilter(ctx, signal, metrics) {
		return
	}

	if err := e.signals.Save(ctx, signal); err != nil {
		e.logger.Warn("signal persist failed", zap.Error(err), zap.String("trigger_id", t.ID))
		return
	}

	e.mu.Lock()
	cd.hasFired = true
	cd.lastFiredMs = nowMs
	cd.consecutive++
	e.mu.Unlock()

	text := e.renderMessage(t, signal)
	e.pipeline.Enqueue(t.UserID, text, &signal, t.TimeIntervalMinutes)

	if e.metr != nil {
		e.metr.TriggersFired.WithLabelValues(string(t.Direction)).Inc()
	}
}

// CooldownPolicy decides whether a fire is admissible given the last
// fire time for a (user, symbol) pair. hasFired disambiguates "never
// fired" from a real lastFiredMs of 0 (the unix epoch is a legitimate,
// if unlikely, fire timestamp).
type CooldownPolicy interface {
	Allowed(hasFired bool, lastFiredMs, nowMs int64, notificationLimitSeconds int, consecutive int) bool
}

// FixedCooldown is the default policy: a flat notificationLimitSeconds
// gap between fires.
type FixedCooldown struct{}

func (FixedCooldown) Allowed(hasFired bool, lastFiredMs, nowMs int64, notificationLimitSeconds int, _ int) bool {
	if !hasFired {
		return true
	}
	return nowMs-lastFiredMs >= int64(notificationLimitSeconds)*1000
}

// BackoffCooldown multiplies the base cooldown by min(1.5^consecutive, 8).
// Selectable via NOTIFY_BACKOFF_ENABLED; off by default.
type BackoffCooldown struct{}

func (BackoffCooldown) Allowed(hasFired bool, lastFiredMs, nowMs int64, notificationLimitSeconds int, consecutive int) bool {
	if !hasFired {
		return true
	}
	mult := math.Min(math.Pow(1.5, float64(consecutive)), 8)
	required := float64(notificationLimitSeconds) * 1000 * mult
	return float64(nowMs-lastFiredMs) >= required
}

// NewDefaultRenderer returns a minimal chat-text formatter, used only
// when the caller hasn't supplied its own. Production deployments are
// expected to override this with the chat protocol's actual formatting
// and link generation.
func NewDefaultRenderer() func(model.Trigger, model.Signal) string {
	return func(t model.Trigger, s model.Signal) string {
		return fmt.Sprintf("%s OI %s %.2f%% (interval %dm, signal #%d)",
			s.Symbol, string(t.Direction), s.OIChangePercent, t.TimeIntervalMinutes, s.SignalNumber)
	}
}
