package exchanges

import (
	"sync"
	"time"

	"oisentry/internal/model"
)

// flowAccumulator maintains the per-symbol aggressive-volume
// accumulator: taker buy/sell base+quote flow is summed as trades
// arrive, then flushed on a ~120ms timer as one aggregated update per
// symbol with non-zero flow, filtered by a minimum quote-notional
// threshold to drop micro-trades.
type flowAccumulator struct {
	mu           sync.Mutex
	acc          map[string]*flowBucket
	minNotional  float64
	flushEvery   time.Duration
	emit         func(symbol string, buy, sell, buyQuote, sellQuote float64)
	stopCh       chan struct{}
}

type flowBucket struct {
	buy, sell, buyQuote, sellQuote float64
}

func newFlowAccumulator(minNotional float64, flushEvery time.Duration, emit func(symbol string, buy, sell, buyQuote, sellQuote float64)) *flowAccumulator {
	return &flowAccumulator{
		acc:         make(map[string]*flowBucket),
		minNotional: minNotional,
		flushEvery:  flushEvery,
		emit:        emit,
		stopCh:      make(chan struct{}),
	}
}

// add folds one trade's taker side into the symbol's in-flight bucket.
// buyerIsMaker=true means the aggressive side was the seller (taker sold
// into a resting bid), per the glossary's taker-maker flag.
func (f *flowAccumulator) add(symbol string, price, quantity float64, buyerIsMaker bool) {
	if !model.IsFiniteNonNegative(price) || !model.IsFiniteNonNegative(quantity) {
		return
	}
	quote := price * quantity

	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.acc[symbol]
	if !ok {
		b = &flowBucket{}
		f.acc[symbol] = b
	}
	if buyerIsMaker {
		b.sell += quantity
		b.sellQuote += quote
	} else {
		b.buy += quantity
		b.buyQuote += quote
	}
}

func (f *flowAccumulator) run() {
	ticker := time.NewTicker(f.flushEvery)
	defer ticker.Stop()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.flush()
		}
	}
}

func (f *flowAccumulator) flush() {
	f.mu.Lock()
	snapshot := f.acc
	f.acc = make(map[string]*flowBucket)
	f.mu.Unlock()

	for symbol, b := range snapshot {
		notional := b.buyQuote + b.sellQuote
		if notional < f.minNotional {
			continue
		}
		if b.buy == 0 && b.sell == 0 {
			continue
		}
		f.emit(symbol, b.buy, b.sell, b.buyQuote, b.sellQuote)
	}
}

func (f *flowAccumulator) stop() {
	close(f.stopCh)
}
