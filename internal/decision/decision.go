// Package decision implements an optional decision-analysis layer:
// BTC correlation, volatility-regime classification, and a
// price-velocity filter, combined into a single post-fire filter. It
// stays out of the evaluator's hot path; an operator wires it in via
// trigger.Evaluator.SetPostFilter when wanted.
package decision

import (
	"context"
	"math"

	"oisentry/internal/aggregation"
	"oisentry/internal/model"
)

// Config tunes the three checks this module applies.
type Config struct {
	// BTCSymbol is the reference symbol used for correlation, typically
	// "BTCUSDT".
	BTCSymbol string
	// MinVelocityPercentPerMinute rejects signals whose OI move is too
	// slow to be actionable (a gentle drift rather than a dislocation).
	MinVelocityPercentPerMinute float64
	// MaxRegimeVolatilityPercent suppresses signals fired while the
	// reference symbol's own recent volatility is already extreme,
	// under the theory that a market-wide regime shift is a confound
	// rather than a symbol-specific surveillance event.
	MaxRegimeVolatilityPercent float64
}

// DefaultConfig mirrors the thresholds implied by the source's
// velocity/regime analyzers' default tuning.
func DefaultConfig() Config {
	return Config{
		BTCSymbol:                   "BTCUSDT",
		MinVelocityPercentPerMinute: 0.5,
		MaxRegimeVolatilityPercent:  15,
	}
}

// Engine evaluates the combined post-filter against the shared
// Metrics Calculator.
type Engine struct {
	calc *aggregation.Calculator
	cfg  Config
}

// New builds an Engine over the shared Metrics Calculator.
func New(calc *aggregation.Calculator, cfg Config) *Engine {
	return &Engine{calc: calc, cfg: cfg}
}

// PostFilter matches trigger.PostFilter's signature: it returns true
// when the firing signal should still be delivered.
func (e *Engine) PostFilter(_ context.Context, signal model.Signal, metrics model.Metrics) bool {
	return e.velocityOK(metrics) && e.regimeOK() && e.correlationOK(signal, metrics)
}

// velocityOK rejects a fire whose OI move, spread across its window,
// is slower than MinVelocityPercentPerMinute — a sustained gentle
// drift rather than a dislocation worth surfacing.
func (e *Engine) velocityOK(metrics model.Metrics) bool {
	if metrics.TimeWindowSeconds <= 0 {
		return true
	}
	minutes := float64(metrics.TimeWindowSeconds) / 60
	velocity := math.Abs(metrics.OIChangePercent) / minutes
	return velocity >= e.cfg.MinVelocityPercentPerMinute
}

// regimeOK suppresses fires while the reference symbol is itself in
// an extreme-volatility regime, since a market-wide dislocation makes
// a single-symbol OI trigger less informative.
func (e *Engine) regimeOK() bool {
	if e.cfg.BTCSymbol == "" {
		return true
	}
	ref := e.calc.MetricChanges(e.cfg.BTCSymbol, 15)
	if ref == nil || ref.PriceChangePercent == nil {
		return true // insufficient reference data: don't block on it
	}
	return math.Abs(*ref.PriceChangePercent) <= e.cfg.MaxRegimeVolatilityPercent
}

// correlationOK is a light BTC-correlation check: a signal on the
// reference symbol itself always passes; otherwise it passes unless
// the reference symbol is moving sharply in the exact opposite
// direction of the firing signal's OI change, which would suggest the
// move is a basis/hedging artifact rather than symbol-specific.
func (e *Engine) correlationOK(signal model.Signal, _ model.Metrics) bool {
	if e.cfg.BTCSymbol == "" || signal.Symbol == e.cfg.BTCSymbol {
		return true
	}
	ref := e.calc.MetricChanges(e.cfg.BTCSymbol, 15)
	if ref == nil {
		return true
	}
	sameSign := (signal.OIChangePercent >= 0) == (ref.OIChangePercent >= 0)
	strongOpposite := !sameSign && math.Abs(ref.OIChangePercent) >= e.cfg.MaxRegimeVolatilityPercent
	return !strongOpposite
}
