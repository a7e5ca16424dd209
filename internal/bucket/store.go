// Package bucket implements the dual-resolution OHLC-style bucket
// store: per symbol, per resolution, a hash map of bucket-start
// timestamp to Bucket kept beside an incrementally maintained sorted
// key index so range scans never re-sort.
package bucket

import (
	"sort"
	"sync"

	"oisentry/internal/model"
	"oisentry/internal/telemetry"
)

// Resolution identifies one of the two bucket granularities the store
// maintains per symbol.
type Resolution int

const (
	Res15s Resolution = iota
	Res60s
)

// SizeMs returns the bucket width, in milliseconds, for r.
func (r Resolution) SizeMs() int64 {
	if r == Res15s {
		return 15_000
	}
	return 60_000
}

func (r Resolution) capacity() int {
	if r == Res15s {
		return 300
	}
	return 70
}

// label names r for the BucketsEvicted metric.
func (r Resolution) label() string {
	if r == Res15s {
		return "15s"
	}
	return "60s"
}

// symbolMaps is the hybrid hash-map-plus-sorted-index structure for one
// symbol at one resolution.
type symbolMaps struct {
	buckets map[int64]*model.Bucket
	keys    []int64 // kept sorted ascending
}

func newSymbolMaps() *symbolMaps {
	return &symbolMaps{buckets: make(map[int64]*model.Bucket)}
}

// insertKey inserts ts into the sorted key slice if absent, O(log n) to
// locate plus O(n) to shift — acceptable at the bounded capacities this
// store enforces (≤ 300 keys).
func (m *symbolMaps) insertKey(ts int64) {
	i := sort.Search(len(m.keys), func(i int) bool { return m.keys[i] >= ts })
	if i < len(m.keys) && m.keys[i] == ts {
		return
	}
	m.keys = append(m.keys, 0)
	copy(m.keys[i+1:], m.keys[i:])
	m.keys[i] = ts
}

func (m *symbolMaps) removeOldest(n int) {
	for i := 0; i < n && len(m.keys) > 0; i++ {
		delete(m.buckets, m.keys[0])
		m.keys = m.keys[1:]
	}
}

// Store owns the per-symbol bucket maps for both resolutions.
type Store struct {
	mu      sync.RWMutex
	symbols map[string][2]*symbolMaps // index by Resolution
	caps    [2]int
	metr    *telemetry.Metrics
}

// NewStore creates an empty bucket store with the default retention
// bounds (300 buckets at 15s, 70 at 60s).
func NewStore() *Store {
	return &Store{
		symbols: make(map[string][2]*symbolMaps),
		caps:    [2]int{Res15s.capacity(), Res60s.capacity()},
	}
}

// SetCapacities overrides the per-resolution retention bounds
// (MAX_15S_BUCKETS / MAX_MINUTE_BUCKETS). Non-positive values keep the
// defaults.
func (s *Store) SetCapacities(cap15s, cap60s int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cap15s > 0 {
		s.caps[Res15s] = cap15s
	}
	if cap60s > 0 {
		s.caps[Res60s] = cap60s
	}
}

// SetMetrics attaches the Prometheus collectors capacity eviction should
// report to. Safe to skip in tests; a nil metr is a no-op.
func (s *Store) SetMetrics(metr *telemetry.Metrics) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metr = metr
}

func (s *Store) symbolEntry(symbol string) [2]*symbolMaps {
	entry, ok := s.symbols[symbol]
	if !ok {
		entry = [2]*symbolMaps{newSymbolMaps(), newSymbolMaps()}
		s.symbols[symbol] = entry
	}
	return entry
}

// AddPoint folds one MarketUpdate into both resolutions for its symbol.
// lastPriceFallback/lastOIFallback supply the opening value for a newly
// created bucket when the update itself doesn't carry that field — the
// market-state layer owns those fallbacks.
func (s *Store) AddPoint(symbol string, u model.MarketUpdate, lastPriceFallback, lastOIFallback *float64) (outOfOrder bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := s.symbolEntry(symbol)
	for _, res := range []Resolution{Res15s, Res60s} {
		maps := entry[res]
		start := floorTo(u.TimestampMs, res.SizeMs())
		b, ok := maps.buckets[start]
		if !ok {
			b = newBucket(start, u, lastPriceFallback, lastOIFallback)
			maps.buckets[start] = b
			maps.insertKey(start)
		} else {
			if mergeInto(b, u) {
				outOfOrder = true
			}
		}
		if excess := len(maps.keys) - s.caps[res]; excess > 0 {
			maps.removeOldest(excess)
			if s.metr != nil {
				s.metr.BucketsEvicted.WithLabelValues(res.label()).Add(float64(excess))
			}
		}
	}
	return outOfOrder
}

func floorTo(ts, size int64) int64 {
	if ts < 0 {
		return ((ts - size + 1) / size) * size
	}
	return (ts / size) * size
}

func newBucket(start int64, u model.MarketUpdate, priceFallback, oiFallback *float64) *model.Bucket {
	b := &model.Bucket{
		StartMs: start,
		FirstTs: u.TimestampMs,
		LastTs:  u.TimestampMs,
		Count:   1,
	}

	oi := u.OpenInterest
	if oi == nil {
		oi = oiFallback
	}
	if oi != nil && model.IsFiniteNonNegative(*oi) {
		b.OIOpen, b.OIClose, b.OIHigh, b.OILow = *oi, *oi, *oi, *oi
		b.OISet = true
	}

	price := u.Price
	if price == nil {
		price = priceFallback
	}
	if price != nil && model.IsFiniteNonNegative(*price) && *price > 0 {
		b.PriceOpen, b.PriceClose = *price, *price
		b.PriceSet = true
	}

	addFlow(b, u)
	return b
}

// mergeInto applies update semantics for an existing bucket. Returns
// true if this update was out-of-order relative to the bucket's
// current span.
func mergeInto(b *model.Bucket, u model.MarketUpdate) (outOfOrder bool) {
	ts := u.TimestampMs

	if ts < b.FirstTs && b.Count > 0 {
		outOfOrder = true
		if oi := u.OpenInterest; oi != nil && model.IsFiniteNonNegative(*oi) {
			b.OIOpen = *oi
			if !b.OISet {
				b.OIHigh, b.OILow = *oi, *oi
				b.OISet = true
			}
		}
		if p := u.Price; p != nil && model.IsFiniteNonNegative(*p) && *p > 0 {
			b.PriceOpen = *p
			if !b.PriceSet {
				b.PriceSet = true
			}
		}
		b.FirstTs = ts
	}

	if ts >= b.LastTs {
		if oi := u.OpenInterest; oi != nil && model.IsFiniteNonNegative(*oi) {
			b.OIClose = *oi
		}
		if p := u.Price; p != nil && model.IsFiniteNonNegative(*p) && *p > 0 {
			b.PriceClose = *p
			b.PriceSet = true
		}
		b.LastTs = ts
	}

	if oi := u.OpenInterest; oi != nil && model.IsFiniteNonNegative(*oi) {
		if !b.OISet {
			b.OIHigh, b.OILow = *oi, *oi
			b.OISet = true
		} else {
			if *oi > b.OIHigh {
				b.OIHigh = *oi
			}
			if *oi < b.OILow {
				b.OILow = *oi
			}
		}
	}

	addFlow(b, u)
	b.Count++
	return outOfOrder
}

func addFlow(b *model.Bucket, u model.MarketUpdate) {
	if v := u.VolumeBuy; v != nil && model.IsFiniteNonNegative(*v) {
		b.VolumeBuy += *v
	}
	if v := u.VolumeSell; v != nil && model.IsFiniteNonNegative(*v) {
		b.VolumeSell += *v
	}
	if v := u.VolumeBuyQuote; v != nil && model.IsFiniteNonNegative(*v) {
		b.VolumeBuyQuote += *v
	}
	if v := u.VolumeSellQuote; v != nil && model.IsFiniteNonNegative(*v) {
		b.VolumeSellQuote += *v
	}
	// Re-derive totals from components after every addition, so floating
	// point accumulation never drifts away from their sum.
	b.TotalVolume = b.VolumeBuy + b.VolumeSell
	b.TotalQuoteVolume = b.VolumeBuyQuote + b.VolumeSellQuote
}

// BucketsInRange returns the buckets for symbol at resolution whose span
// intersects [fromMs, toMs], in ascending start-time order. The returned
// slice is a defensive copy of bucket values so callers can't mutate
// store state.
func (s *Store) BucketsInRange(symbol string, fromMs, toMs int64, res Resolution) []model.Bucket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.symbols[symbol]
	if !ok {
		return nil
	}
	maps := entry[res]
	if len(maps.keys) == 0 {
		return nil
	}

	size := res.SizeMs()
	// First bucket whose span could intersect fromMs: its end must lie
	// after fromMs, i.e. start > fromMs-size (a bucket's span is
	// [start, start+size)).
	lo := sort.Search(len(maps.keys), func(i int) bool { return maps.keys[i] > fromMs-size })

	var out []model.Bucket
	for i := lo; i < len(maps.keys); i++ {
		start := maps.keys[i]
		if start > toMs {
			break
		}
		out = append(out, *maps.buckets[start])
	}
	return out
}

// HistoryLength returns the larger of the two resolutions' bucket counts
// for symbol.
func (s *Store) HistoryLength(symbol string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.symbols[symbol]
	if !ok {
		return 0
	}
	n15, n60 := len(entry[Res15s].keys), len(entry[Res60s].keys)
	if n15 > n60 {
		return n15
	}
	return n60
}

// CleanupSymbol drops all buckets for symbol across both resolutions.
func (s *Store) CleanupSymbol(symbol string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.symbols, symbol)
}
