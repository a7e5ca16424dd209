package bucket

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"oisentry/internal/model"
	"oisentry/internal/telemetry"
)

func f(v float64) *float64 { return &v }

func update(ts int64, price, oi *float64) model.MarketUpdate {
	return model.MarketUpdate{
		Symbol:      "BTCUSDT",
		TimestampMs: ts,
		Price:       price,
		OpenInterest: oi,
	}
}

func TestAddPoint_OpensBucketWithFallbacks(t *testing.T) {
	s := NewStore()
	out := s.AddPoint("BTCUSDT", update(1_000, nil, nil), f(50_000), f(1_000_000))
	require.False(t, out)

	buckets := s.BucketsInRange("BTCUSDT", 0, 20_000, Res15s)
	require.Len(t, buckets, 1)
	b := buckets[0]
	assert.True(t, b.PriceSet)
	assert.Equal(t, 50_000.0, b.PriceOpen)
	assert.True(t, b.OISet)
	assert.Equal(t, 1_000_000.0, b.OIOpen)
	assert.Equal(t, int64(1), b.Count)
}

func TestAddPoint_InvariantsHoldAcrossMerges(t *testing.T) {
	s := NewStore()
	s.AddPoint("BTCUSDT", update(1_000, f(100), f(100)), nil, nil)
	s.AddPoint("BTCUSDT", update(2_000, f(105), f(120)), nil, nil)
	s.AddPoint("BTCUSDT", update(3_000, f(102), f(90)), nil, nil)

	buckets := s.BucketsInRange("BTCUSDT", 0, 20_000, Res15s)
	require.Len(t, buckets, 1)
	b := buckets[0]

	assert.LessOrEqual(t, b.FirstTs, b.LastTs)
	assert.LessOrEqual(t, b.OILow, b.OIOpen)
	assert.LessOrEqual(t, b.OILow, b.OIClose)
	assert.GreaterOrEqual(t, b.OIHigh, b.OIOpen)
	assert.GreaterOrEqual(t, b.OIHigh, b.OIClose)
	assert.Equal(t, 90.0, b.OILow)
	assert.Equal(t, 120.0, b.OIHigh)
	assert.Equal(t, int64(3), b.Count)
	assert.Equal(t, b.VolumeBuy+b.VolumeSell, b.TotalVolume)
	assert.Equal(t, b.VolumeBuyQuote+b.VolumeSellQuote, b.TotalQuoteVolume)
}

func TestAddPoint_OutOfOrderRewindsOpenWithoutCorruptingHighLow(t *testing.T) {
	s := NewStore()
	s.AddPoint("BTCUSDT", update(5_000, f(100), f(100)), nil, nil)
	s.AddPoint("BTCUSDT", update(6_000, f(105), f(130)), nil, nil)

	// This update arrives late (ts=1000) relative to the bucket's current
	// FirstTs=5000, so it must be flagged out-of-order, rewind FirstTs and
	// the opening OI to its own values, and still fold its OI into
	// OIHigh/OILow like any other sample.
	out := s.AddPoint("BTCUSDT", update(1_000, f(98), f(80)), nil, nil)
	assert.True(t, out)

	buckets := s.BucketsInRange("BTCUSDT", 0, 20_000, Res15s)
	require.Len(t, buckets, 1)
	b := buckets[0]
	assert.Equal(t, int64(1_000), b.FirstTs)
	assert.Equal(t, 80.0, b.OIOpen)
	assert.Equal(t, 80.0, b.OILow)
	assert.Equal(t, 130.0, b.OIHigh)
}

func TestAddPoint_CapacityEvictsOldestBuckets(t *testing.T) {
	s := NewStore()
	for i := 0; i < Res15s.capacity()+10; i++ {
		ts := int64(i) * Res15s.SizeMs()
		s.AddPoint("BTCUSDT", update(ts, f(100), f(100)), nil, nil)
	}
	assert.LessOrEqual(t, s.HistoryLength("BTCUSDT"), Res15s.capacity())
}

func TestBucketsInRange_ReturnsAscendingDefensiveCopies(t *testing.T) {
	s := NewStore()
	s.AddPoint("BTCUSDT", update(0, f(100), f(100)), nil, nil)
	s.AddPoint("BTCUSDT", update(15_000, f(101), f(101)), nil, nil)
	s.AddPoint("BTCUSDT", update(30_000, f(102), f(102)), nil, nil)

	buckets := s.BucketsInRange("BTCUSDT", 0, 30_000, Res15s)
	require.Len(t, buckets, 3)
	assert.True(t, buckets[0].StartMs < buckets[1].StartMs)
	assert.True(t, buckets[1].StartMs < buckets[2].StartMs)

	buckets[0].OIOpen = 999
	fresh := s.BucketsInRange("BTCUSDT", 0, 0, Res15s)
	require.Len(t, fresh, 1)
	assert.NotEqual(t, 999.0, fresh[0].OIOpen)
}

func TestAddPoint_CapacityEvictionIncrementsBucketsEvictedMetric(t *testing.T) {
	s := NewStore()
	metr := telemetry.New()
	s.SetMetrics(metr)

	before := testutil.ToFloat64(metr.BucketsEvicted.WithLabelValues("15s"))

	overflow := 10
	for i := 0; i < Res15s.capacity()+overflow; i++ {
		ts := int64(i) * Res15s.SizeMs()
		s.AddPoint("BTCUSDT", update(ts, f(100), f(100)), nil, nil)
	}

	after := testutil.ToFloat64(metr.BucketsEvicted.WithLabelValues("15s"))
	assert.Equal(t, float64(overflow), after-before)
}

func TestSetCapacities_OverridesRetentionBound(t *testing.T) {
	s := NewStore()
	s.SetCapacities(5, 3)

	for i := 0; i < 20; i++ {
		ts := int64(i) * Res60s.SizeMs()
		s.AddPoint("BTCUSDT", update(ts, f(100), f(100)), nil, nil)
	}
	assert.Len(t, s.BucketsInRange("BTCUSDT", 0, 20*Res60s.SizeMs(), Res60s), 3)

	s.SetCapacities(0, 0) // non-positive values keep the current bounds
	s.AddPoint("BTCUSDT", update(21*Res60s.SizeMs(), f(100), f(100)), nil, nil)
	assert.Len(t, s.BucketsInRange("BTCUSDT", 0, 22*Res60s.SizeMs(), Res60s), 3)
}

func TestAddPoint_NilMetricsIsANoOp(t *testing.T) {
	s := NewStore()
	for i := 0; i < Res15s.capacity()+5; i++ {
		ts := int64(i) * Res15s.SizeMs()
		assert.NotPanics(t, func() {
			s.AddPoint("BTCUSDT", update(ts, f(100), f(100)), nil, nil)
		})
	}
}

func TestCleanupSymbol_RemovesAllHistory(t *testing.T) {
	s := NewStore()
	s.AddPoint("BTCUSDT", update(0, f(100), f(100)), nil, nil)
	require.Equal(t, 1, s.HistoryLength("BTCUSDT"))
	s.CleanupSymbol("BTCUSDT")
	assert.Equal(t, 0, s.HistoryLength("BTCUSDT"))
}
