// Package config loads oisentry's environment-driven configuration.
// Every variable is optional and carries a sensible default, so a bare
// environment still yields a runnable process.
package config

import "time"

// ProviderSpec is one entry parsed from MARKET_DATA_PROVIDERS, e.g.
// "binance" or "binance:futures". A "hybrid" entry instead names two
// sub-exchanges to compose (HybridTrade supplies price/volume,
// HybridTicker supplies OI), e.g. "hybrid:binance+okx".
type ProviderSpec struct {
	Exchange   string
	MarketType string // resolved fallback chain already applied

	HybridTrade  string
	HybridTicker string
}

// Config is oisentry's full runtime configuration.
type Config struct {
	RedisURL      string
	RedisPassword string
	RedisDB       int

	Providers         []ProviderSpec
	MarketType        string // MARKET_TYPE global fallback
	ExchangeMarketType map[string]string // <EXCHANGE>_MARKET_TYPE overrides
	Symbols           []string // TRACKED_SYMBOLS watchlist, subscribed on every provider

	MaxTrackedSymbols    int
	MaxMinuteBuckets     int
	Max15sBuckets        int
	FallbackShiftMultiplier int
	SymbolCheckInterval  time.Duration

	BatchProcessingSize      int
	TriggerEngineFlush       time.Duration
	TriggerEngineCacheTTL    time.Duration
	MinCheckInterval         time.Duration
	TriggerEngineDebounceThreshold int
	NotifyBackoffEnabled     bool

	LogLevel string
	Debug    bool

	HealthAddr string
}

// ResolveMarketType returns the effective market type for exchange,
// applying the per-exchange override over the global fallback.
func (c *Config) ResolveMarketType(exchange string) string {
	if mt, ok := c.ExchangeMarketType[exchange]; ok && mt != "" {
		return mt
	}
	if c.MarketType != "" {
		return c.MarketType
	}
	return "spot"
}
