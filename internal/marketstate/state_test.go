package marketstate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fp(v float64) *float64 { return &v }

func TestUpdate_SetsFirstSeenOnceAndAdvancesLastUpdate(t *testing.T) {
	s := NewStore(2000, 24*time.Hour)
	s.Update("BTCUSDT", 1000, fp(100), fp(1000))
	s.Update("BTCUSDT", 2000, fp(101), fp(1010))

	sym, ok := s.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(1000), sym.FirstSeenMs)
	assert.Equal(t, int64(2000), sym.LastUpdateMs)
	assert.Equal(t, 101.0, *sym.LastPrice)
	assert.Equal(t, 1010.0, *sym.LastOI)
}

func TestUpdate_PriceMustBeStrictlyPositiveToOverwrite(t *testing.T) {
	s := NewStore(2000, 24*time.Hour)
	s.Update("BTCUSDT", 1000, fp(100), nil)
	s.Update("BTCUSDT", 2000, fp(0), nil)
	s.Update("BTCUSDT", 3000, fp(-5), nil)

	price, ok := s.GetPrice("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 100.0, price)
}

func TestUpdate_OIAcceptsZeroButNotNegative(t *testing.T) {
	s := NewStore(2000, 24*time.Hour)
	s.Update("BTCUSDT", 1000, nil, fp(0))
	oi, ok := s.GetOI("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 0.0, oi)

	s.Update("BTCUSDT", 2000, nil, fp(-1))
	oi, _ = s.GetOI("BTCUSDT")
	assert.Equal(t, 0.0, oi, "negative OI must not overwrite the last good value")
}

func TestMarkOutOfOrder_IncrementsExistingSymbolOnly(t *testing.T) {
	s := NewStore(2000, 24*time.Hour)
	s.MarkOutOfOrder("UNKNOWN") // no-op, symbol never seen

	s.Update("BTCUSDT", 1000, fp(100), fp(100))
	s.MarkOutOfOrder("BTCUSDT")
	s.MarkOutOfOrder("BTCUSDT")

	sym, ok := s.Get("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, int64(2), sym.OutOfOrderCount)
}

func TestMaintenance_TTLEvictsStaleSymbolsAndInvokesHook(t *testing.T) {
	s := NewStore(2000, time.Hour)
	s.Update("OLD", 0, fp(1), fp(1))
	s.Update("FRESH", 0, fp(1), fp(1))
	now := time.UnixMilli(0)
	s.Update("FRESH", now.Add(110*time.Minute).UnixMilli(), fp(1), fp(1))

	var evicted []string
	s.Maintenance(now.Add(2*time.Hour), func(symbol string) { evicted = append(evicted, symbol) })

	assert.ElementsMatch(t, []string{"OLD"}, evicted)
	_, ok := s.Get("OLD")
	assert.False(t, ok)
	_, ok = s.Get("FRESH")
	assert.True(t, ok)
}

func TestMaintenance_CapEvictsLeastRecentlyUpdatedSurplus(t *testing.T) {
	s := NewStore(2, 24*time.Hour)
	s.Update("A", 1000, fp(1), fp(1))
	s.Update("B", 2000, fp(1), fp(1))
	s.Update("C", 3000, fp(1), fp(1))

	var evicted []string
	s.Maintenance(time.UnixMilli(3000), func(symbol string) { evicted = append(evicted, symbol) })

	assert.Equal(t, []string{"A"}, evicted)
	assert.Equal(t, 2, len(s.AllSymbols()))
}
