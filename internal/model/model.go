// Package model holds the data types shared across the ingestion,
// aggregation, and trigger-evaluation layers.
package model

import (
	"math"
	"time"
)

// MarketType distinguishes the two contract families the core surveils.
type MarketType string

const (
	MarketSpot    MarketType = "spot"
	MarketFutures MarketType = "futures"
)

// Direction is the side of an OI-change trigger.
type Direction string

const (
	DirectionUp   Direction = "up"
	DirectionDown Direction = "down"
)

// MarketUpdate is the normalized ingress record every venue provider emits.
// Field absence (nil) means "no update for that field in this record" —
// consumers must branch on presence, never assume zero.
type MarketUpdate struct {
	ProviderID    string
	MarketType    MarketType
	Symbol        string
	TimestampMs   int64

	Price   *float64
	Volume  *float64

	OpenInterest          *float64
	OpenInterestTimestamp *int64

	QuoteVolume *float64
	MarkPrice   *float64
	FundingRate *float64

	VolumeBuy       *float64
	VolumeSell      *float64
	VolumeBuyQuote  *float64
	VolumeSellQuote *float64
}

// Bucket is one OHLC-style aggregation window for a symbol at a given
// resolution, anchored at StartMs.
type Bucket struct {
	StartMs int64

	OIOpen  float64
	OIClose float64
	OIHigh  float64
	OILow   float64
	OISet   bool

	PriceOpen  float64
	PriceClose float64
	PriceSet   bool

	VolumeBuy       float64
	VolumeSell      float64
	VolumeBuyQuote  float64
	VolumeSellQuote float64
	TotalVolume     float64
	TotalQuoteVolume float64

	Count int64

	FirstTs int64
	LastTs  int64
}

// Trigger is a user-configured alert condition, consumed from the
// external trigger store.
type Trigger struct {
	ID                       string
	UserID                   string
	Direction                Direction
	OIChangePercent          float64
	TimeIntervalMinutes      int
	NotificationLimitSeconds int
	IsActive                 bool
}

// Signal is one firing of one trigger for one symbol, produced for the
// external signal store.
type Signal struct {
	TriggerID         string
	UserID            string
	Symbol            string
	SignalNumber      int64
	OIChangePercent   float64
	PriceChangePercent *float64
	CurrentPrice       *float64
	CreatedAt          time.Time
}

// Metrics is the ephemeral result of a window query against the bucket
// store and market state.
type Metrics struct {
	OIChangePercent float64
	OIStart         float64
	OIEnd           float64

	PriceChangePercent *float64
	CurrentPrice       *float64
	PreviousPrice      *float64

	TotalVolume      float64
	DeltaVolume      float64
	TotalQuoteVolume float64
	DeltaQuoteVolume float64

	VolumeBaseline      float64
	VolumeBaselineQuote float64
	VolumeRatio         *float64
	VolumeRatioQuote    *float64

	TimeWindowSeconds int
}

// IsFiniteNonNegative reports whether v is a usable, non-negative finite
// value for the purposes of ingestion boundary validation.
func IsFiniteNonNegative(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0) && v >= 0
}

// IsFinite reports whether v is usable at all (not NaN/Inf), for fields
// (like price changes) that may legitimately be negative.
func IsFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
