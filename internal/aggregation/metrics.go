// Package aggregation implements the metrics calculator: window
// queries over the bucket store and market state producing OI %,
// price %, and volume-delta metrics for trigger evaluation.
package aggregation

import (
	"math"
	"sort"

	"oisentry/internal/bucket"
	"oisentry/internal/marketstate"
	"oisentry/internal/model"
)

// Calculator answers metricChanges queries for a symbol+interval.
type Calculator struct {
	buckets       *bucket.Store
	states        *marketstate.Store
	now           func() int64 // unix ms, overridable for tests
	fallbackShift int64        // FALLBACK_SHIFT_MULTIPLIER
}

// NewCalculator builds a Calculator over the given bucket and market
// state stores.
func NewCalculator(buckets *bucket.Store, states *marketstate.Store, nowMs func() int64) *Calculator {
	return &Calculator{buckets: buckets, states: states, now: nowMs, fallbackShift: 2}
}

// SetFallbackShiftMultiplier overrides how many bucket-widths away a
// supporting bucket may sit from a window boundary before its
// interpolation is rejected. Non-positive values keep the default of 2.
func (c *Calculator) SetFallbackShiftMultiplier(m int) {
	if m > 0 {
		c.fallbackShift = int64(m)
	}
}

type window struct {
	minOI, maxOI       float64
	haveOI             bool
	minPrice, maxPrice float64
	havePrice          bool
	earliestOpenPrice  float64
	haveEarliestOpen   bool

	volBuy, volSell, volBuyQuote, volSellQuote float64
}

func newWindow() *window { return &window{} }

func (w *window) foldOI(v float64) {
	if !w.haveOI {
		w.minOI, w.maxOI, w.haveOI = v, v, true
		return
	}
	if v < w.minOI {
		w.minOI = v
	}
	if v > w.maxOI {
		w.maxOI = v
	}
}

func (w *window) foldPrice(v float64) {
	if !w.havePrice {
		w.minPrice, w.maxPrice, w.havePrice = v, v, true
		return
	}
	if v < w.minPrice {
		w.minPrice = v
	}
	if v > w.maxPrice {
		w.maxPrice = v
	}
}

// scanWindow folds every bucket whose span intersects [fromMs, toMs],
// weighting volume contributions by the fraction of the bucket inside the
// window so partially-overlapping buckets contribute proportionally.
func scanWindow(bkts []model.Bucket, fromMs, toMs int64, sizeMs int64) *window {
	w := newWindow()
	for _, b := range bkts {
		if b.OISet {
			w.foldOI(b.OIOpen)
			w.foldOI(b.OIClose)
			w.foldOI(b.OILow)
			w.foldOI(b.OIHigh)
		}
		if b.PriceSet {
			w.foldPrice(b.PriceOpen)
			w.foldPrice(b.PriceClose)
			if !w.haveEarliestOpen {
				w.earliestOpenPrice, w.haveEarliestOpen = b.PriceOpen, true
			}
		}

		spanStart := b.StartMs
		spanEnd := b.StartMs + sizeMs
		overlapStart := maxI64(spanStart, fromMs)
		overlapEnd := minI64(spanEnd, toMs)
		overlap := overlapEnd - overlapStart
		if overlap <= 0 {
			continue
		}
		frac := float64(overlap) / float64(sizeMs)
		w.volBuy += b.VolumeBuy * frac
		w.volSell += b.VolumeSell * frac
		w.volBuyQuote += b.VolumeBuyQuote * frac
		w.volSellQuote += b.VolumeSellQuote * frac
	}
	return w
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minI64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// MetricChanges answers a window query for symbol over the trailing
// intervalMinutes. Returns nil during warmup, when no buckets exist, or
// when neither the primary nor fallback computation can produce a
// result.
func (c *Calculator) MetricChanges(symbol string, intervalMinutes int) *model.Metrics {
	nowMs := c.now()
	res := bucket.Res60s
	if intervalMinutes <= 2 {
		res = bucket.Res15s
	}
	sizeMs := res.SizeMs()

	intervalMs := int64(intervalMinutes) * 60_000
	windowStart := nowMs - intervalMs
	windowEnd := nowMs

	state, ok := c.states.Get(symbol)
	if !ok {
		return nil
	}
	if state.FirstSeenMs > windowStart {
		return nil // warmup
	}

	bkts := c.buckets.BucketsInRange(symbol, windowStart, windowEnd, res)
	if len(bkts) == 0 {
		return nil
	}

	w := scanWindow(bkts, windowStart, windowEnd, sizeMs)

	var currentOI *float64
	if v, ok := c.states.GetOI(symbol); ok {
		currentOI = &v
		w.foldOI(v)
	}
	var currentPrice *float64
	if v, ok := c.states.GetPrice(symbol); ok {
		currentPrice = &v
		w.foldPrice(v)
	}

	oiChangePercent, oiStart, oiEnd, ok := primaryOIChange(w, currentOI)
	if !ok {
		oiChangePercent, oiStart, oiEnd, ok = fallbackBoundaryChange(bkts, windowStart, windowEnd, sizeMs, c.fallbackShift, true)
		if !ok {
			return nil
		}
	}

	var priceChangePercent *float64
	var previousPrice *float64
	if pct, start, _, ok := primaryPriceChange(w, currentPrice); ok {
		priceChangePercent = &pct
		previousPrice = &start
	} else if pct, start, _, ok := fallbackBoundaryChange(bkts, windowStart, windowEnd, sizeMs, c.fallbackShift, false); ok {
		priceChangePercent = &pct
		previousPrice = &start
	} else if w.haveEarliestOpen && currentPrice != nil && w.earliestOpenPrice > 0 {
		// Neither the max-deviation rule nor boundary interpolation
		// could anchor a start price, so fall back to the earliest
		// bucket-open price observed in the window.
		start := w.earliestOpenPrice
		pct := (*currentPrice - start) / start * 100
		priceChangePercent = &pct
		previousPrice = &start
	}

	prevWindowStart := windowStart - intervalMs
	prevBkts := c.buckets.BucketsInRange(symbol, prevWindowStart, windowStart, res)
	baseline := scanWindow(prevBkts, prevWindowStart, windowStart, sizeMs)

	totalVolume := w.volBuy + w.volSell
	totalQuoteVolume := w.volBuyQuote + w.volSellQuote
	baseTotal := baseline.volBuy + baseline.volSell
	baseTotalQuote := baseline.volBuyQuote + baseline.volSellQuote

	m := &model.Metrics{
		OIChangePercent:     round6(oiChangePercent),
		OIStart:             oiStart,
		OIEnd:               oiEnd,
		PriceChangePercent:  roundPtr(priceChangePercent),
		CurrentPrice:        currentPrice,
		PreviousPrice:       previousPrice,
		TotalVolume:         totalVolume,
		DeltaVolume:         totalVolume - baseTotal,
		TotalQuoteVolume:    totalQuoteVolume,
		DeltaQuoteVolume:    totalQuoteVolume - baseTotalQuote,
		VolumeBaseline:      baseTotal,
		VolumeBaselineQuote: baseTotalQuote,
		TimeWindowSeconds:   intervalMinutes * 60,
	}
	if baseTotal > 0 {
		r := totalVolume / baseTotal
		m.VolumeRatio = &r
	}
	if baseTotalQuote > 0 {
		r := totalQuoteVolume / baseTotalQuote
		m.VolumeRatioQuote = &r
	}
	return m
}

// primaryOIChange applies the max-deviation rule: compute the
// percentage change from both the window's observed min and max OI to
// the current OI, and keep whichever has the larger magnitude,
// preserving its sign.
func primaryOIChange(w *window, currentOI *float64) (pct, start, end float64, ok bool) {
	if currentOI == nil || !w.haveOI || *currentOI <= 0 {
		return 0, 0, 0, false
	}
	cur := *currentOI
	if w.minOI <= 0 || w.maxOI <= 0 {
		return 0, 0, 0, false
	}
	fromMin := (cur - w.minOI) / w.minOI * 100
	fromMax := (cur - w.maxOI) / w.maxOI * 100
	if math.Abs(fromMin) >= math.Abs(fromMax) {
		if fromMin == 0 {
			return 0, 0, 0, false // no movement observed
		}
		return fromMin, w.minOI, cur, true
	}
	if fromMax == 0 {
		return 0, 0, 0, false
	}
	return fromMax, w.maxOI, cur, true
}

func primaryPriceChange(w *window, currentPrice *float64) (pct, start, end float64, ok bool) {
	if currentPrice == nil || !w.havePrice || *currentPrice <= 0 {
		return 0, 0, 0, false
	}
	cur := *currentPrice
	if w.minPrice <= 0 || w.maxPrice <= 0 {
		return 0, 0, 0, false
	}
	fromMin := (cur - w.minPrice) / w.minPrice * 100
	fromMax := (cur - w.maxPrice) / w.maxPrice * 100
	if math.Abs(fromMin) >= math.Abs(fromMax) {
		if fromMin == 0 {
			return 0, 0, 0, false
		}
		return fromMin, w.minPrice, cur, true
	}
	if fromMax == 0 {
		return 0, 0, 0, false
	}
	return fromMax, w.maxPrice, cur, true
}

// fallbackBoundaryChange performs the boundary-interpolation fallback
// for either OI (forOI=true) or price.
func fallbackBoundaryChange(bkts []model.Bucket, fromMs, toMs, sizeMs, shiftMult int64, forOI bool) (pct, start, end float64, ok bool) {
	windowMs := toMs - fromMs
	startVal, okStart := interpolateBoundary(bkts, fromMs, sizeMs, shiftMult, windowMs, forOI)
	endVal, okEnd := interpolateBoundary(bkts, toMs, sizeMs, shiftMult, windowMs, forOI)
	if !okStart || !okEnd || startVal <= 0 {
		return 0, 0, 0, false
	}
	return (endVal - startVal) / startVal * 100, startVal, endVal, true
}

// interpolateBoundary binary-searches for the last bucket at-or-before
// boundary; interpolates within it if the boundary falls inside its
// span, else linearly interpolates between the neighboring buckets'
// close/open. Rejects supporting buckets farther than
// min(shiftMult*bucket_size, 5% of the window) from the boundary.
func interpolateBoundary(bkts []model.Bucket, boundary, sizeMs, shiftMult, windowMs int64, forOI bool) (float64, bool) {
	if len(bkts) == 0 {
		return 0, false
	}
	maxDist := shiftMult * sizeMs
	if alt := int64(float64(windowMs) * 0.05); alt < maxDist {
		maxDist = alt
	}

	idx := sort.Search(len(bkts), func(i int) bool { return bkts[i].StartMs > boundary }) - 1

	if idx >= 0 {
		b := bkts[idx]
		if boundary >= b.FirstTs && boundary <= b.LastTs {
			open, close, set := valuesOf(b, forOI)
			if !set {
				return 0, false
			}
			if b.LastTs == b.FirstTs {
				return close, true
			}
			frac := float64(boundary-b.FirstTs) / float64(b.LastTs-b.FirstTs)
			return open + frac*(close-open), true
		}
	}

	// Not inside a bucket's accumulated span: use the nearer of the
	// preceding bucket's close and the following bucket's open.
	// Preceding/following is judged by the buckets' accumulated data,
	// not their nominal start: when the at-or-before bucket's first
	// point lands after the boundary, its open is the following
	// support and the prior bucket precedes.
	prevIdx, nextIdx := idx, idx+1
	if idx >= 0 && bkts[idx].FirstTs > boundary {
		prevIdx, nextIdx = idx-1, idx
	}

	var prevVal, nextVal float64
	var prevOK, nextOK bool
	var prevDist, nextDist int64
	if prevIdx >= 0 {
		b := bkts[prevIdx]
		_, close, set := valuesOf(b, forOI)
		if set {
			prevVal, prevOK = close, true
			prevDist = boundary - b.LastTs
			if prevDist < 0 {
				prevDist = -prevDist
			}
		}
	}
	if nextIdx < len(bkts) {
		b := bkts[nextIdx]
		open, _, set := valuesOf(b, forOI)
		if set {
			nextVal, nextOK = open, true
			nextDist = b.FirstTs - boundary
			if nextDist < 0 {
				nextDist = -nextDist
			}
		}
	}

	switch {
	case prevOK && nextOK:
		total := prevDist + nextDist
		if total == 0 {
			return prevVal, prevDist <= maxDist
		}
		frac := float64(prevDist) / float64(total)
		val := prevVal + frac*(nextVal-prevVal)
		if prevDist <= maxDist || nextDist <= maxDist {
			return val, true
		}
		return 0, false
	case prevOK:
		return prevVal, prevDist <= maxDist
	case nextOK:
		return nextVal, nextDist <= maxDist
	default:
		return 0, false
	}
}

func valuesOf(b model.Bucket, forOI bool) (open, close float64, set bool) {
	if forOI {
		return b.OIOpen, b.OIClose, b.OISet
	}
	return b.PriceOpen, b.PriceClose, b.PriceSet
}

func round6(v float64) float64 {
	const f = 1e6
	return math.Round(v*f) / f
}

func roundPtr(v *float64) *float64 {
	if v == nil {
		return nil
	}
	r := round6(*v)
	return &r
}
