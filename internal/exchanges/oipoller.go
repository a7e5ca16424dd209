package exchanges

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// OIPoller is the out-of-band REST poller for venues whose stream
// doesn't carry open interest inline: requests in batches of 25 with
// ~60ms inter-batch spacing, caching each symbol's latest value for
// 90s before it's considered stale. Connectors consult the cache when
// building an update.
type OIPoller struct {
	logger   *zap.Logger
	client   *http.Client
	fetchOne func(ctx context.Context, symbol string) (float64, error)

	mu    sync.RWMutex
	cache map[string]oiEntry

	batchSize     int
	batchSpacing  time.Duration
	pollInterval  time.Duration
	staleAfter    time.Duration
}

type oiEntry struct {
	value     float64
	updatedAt time.Time
}

// NewOIPoller builds a poller that calls fetchOne per symbol in
// batches of 25 with ~60ms spacing; cache entries go stale after 90s.
func NewOIPoller(logger *zap.Logger, fetchOne func(ctx context.Context, symbol string) (float64, error)) *OIPoller {
	return &OIPoller{
		logger:       logger.Named("oi_poller"),
		client:       &http.Client{Timeout: 10 * time.Second},
		fetchOne:     fetchOne,
		cache:        make(map[string]oiEntry),
		batchSize:    25,
		batchSpacing: 60 * time.Millisecond,
		pollInterval: 15 * time.Second,
		staleAfter:   90 * time.Second,
	}
}

// Run polls symbols on pollInterval until ctx is cancelled.
func (p *OIPoller) Run(ctx context.Context, symbols func() []string) {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	p.pollOnce(ctx, symbols())
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollOnce(ctx, symbols())
		}
	}
}

func (p *OIPoller) pollOnce(ctx context.Context, symbols []string) {
	for _, batch := range subscriptionBatches(symbols, p.batchSize) {
		for _, symbol := range batch {
			v, err := p.fetchOne(ctx, symbol)
			if err != nil {
				p.logger.Debug("OI fetch failed", zap.String("symbol", symbol), zap.Error(err))
				continue
			}
			p.mu.Lock()
			p.cache[symbol] = oiEntry{value: v, updatedAt: time.Now()}
			p.mu.Unlock()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.batchSpacing):
		}
	}
}

// Get returns the cached OI for symbol if it isn't stale.
func (p *OIPoller) Get(symbol string) (float64, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	e, ok := p.cache[symbol]
	if !ok || time.Since(e.updatedAt) > p.staleAfter {
		return 0, false
	}
	return e.value, true
}

func decodeJSON(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("http status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}
