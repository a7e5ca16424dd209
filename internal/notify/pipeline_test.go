package notify

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"oisentry/internal/model"
	"oisentry/pkg/ratelimit"
)

// fakeSink records every delivered message and never fails.
type fakeSink struct {
	mu  sync.Mutex
	got []string
}

func (f *fakeSink) SendMessage(_ context.Context, chatID, text string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.got = append(f.got, chatID+":"+text)
	return true, nil
}

func (f *fakeSink) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.got)
}

func newTestPipeline(sink *fakeSink) *Pipeline {
	return New(sink, zap.NewNop(), nil)
}

func sig(pct float64) *model.Signal {
	return &model.Signal{Symbol: "BTCUSDT", OIChangePercent: pct}
}

func TestPriorityFor_Thresholds(t *testing.T) {
	assert.Equal(t, PriorityHigh, PriorityFor(10))
	assert.Equal(t, PriorityHigh, PriorityFor(-15))
	assert.Equal(t, PriorityNormal, PriorityFor(5))
	assert.Equal(t, PriorityNormal, PriorityFor(9.9))
	assert.Equal(t, PriorityLow, PriorityFor(4.9))
}

func TestEnqueue_DeduplicatesWithinWindow(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink)
	base := time.Now()
	p.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		p.Enqueue("chat1", "msg", sig(6.0), 1)
	}
	assert.Equal(t, 1, p.depthLocked())
	assert.Equal(t, int64(4), p.Stats().Deduplicated)

	p.now = func() time.Time { return base.Add(6 * time.Second) }
	assert.True(t, p.Enqueue("chat1", "msg2", sig(6.0), 1))
	assert.Equal(t, 2, p.depthLocked())
}

func TestEnqueue_BackpressureDropsLowBeforeHigh(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink)
	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < maxQueueDepth; i++ {
		chatID := fmt.Sprintf("chat%d", i) // unique per i, so each enqueue gets a distinct dedup key
		p.Enqueue(chatID, "low", sig(3.0), 1)
	}
	require.Equal(t, maxQueueDepth, p.depthLocked())
	require.Equal(t, 0, len(p.queues[PriorityHigh]))

	p.Enqueue("overflow-chat", "high", sig(50.0), 1) // HIGH, forces an eviction
	assert.Equal(t, maxQueueDepth, p.depthLocked())
	assert.Equal(t, 1, len(p.queues[PriorityHigh]))
	assert.Equal(t, maxQueueDepth-1, len(p.queues[PriorityLow]), "the oldest LOW message was evicted to make room")
	assert.GreaterOrEqual(t, p.Stats().Dropped, int64(1))
}

func TestDrainOnce_RespectsGlobalRateCapAndPriorityOrder(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink)
	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < 50; i++ {
		p.Enqueue("chatA", "h", sig(20.0+float64(i)*0.1), 1) // distinct (0.1-spaced) dedup keys, HIGH
	}
	for i := 0; i < 50; i++ {
		p.Enqueue("chatA", "n", sig(5.0+float64(i)*0.1), 1) // distinct, NORMAL
	}

	ctx := context.Background()
	p.drainOnce(ctx)

	assert.Equal(t, globalRateCap, sink.count(), "exactly the global cap should be delivered in one 1s window")
	assert.Equal(t, 50-globalRateCap, len(p.queues[PriorityHigh]), "remaining HIGH messages stay queued")
	assert.Equal(t, 50, len(p.queues[PriorityNormal]), "NORMAL must not be delivered while HIGH is still outstanding")
}

func TestDrainOnce_PerChatBudgetRequeuesWithoutBlockingOtherChats(t *testing.T) {
	// Isolate the per-chat requeue mechanic from the (numerically equal)
	// global cap by widening the global budget here: with both caps at
	// 28 by default, a single chat alone saturating its own cap always
	// saturates the global one too, leaving nothing to demonstrate.
	sink := &fakeSink{}
	p := newTestPipeline(sink)
	p.global = ratelimit.New(1000, rateWindow)
	now := time.Now()
	p.now = func() time.Time { return now }

	for i := 0; i < perChatRateCap+5; i++ {
		p.Enqueue("busy-chat", "m", sig(20.0+float64(i)*0.1), 1)
	}
	p.Enqueue("quiet-chat", "m", sig(20.0), 1)

	p.drainOnce(context.Background())

	assert.Equal(t, perChatRateCap+1, sink.count(), "busy-chat exhausts its own budget, quiet-chat still gets through")
}

func TestRun_DeliversQueuedMessageUntilCancelled(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink)
	p.Enqueue("chat1", "hello", sig(20.0), 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

func TestStop_DropsPendingMessages(t *testing.T) {
	sink := &fakeSink{}
	p := newTestPipeline(sink)
	p.Enqueue("chat1", "hello", sig(20.0), 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)
	time.Sleep(5 * time.Millisecond)
	p.Stop()

	assert.Equal(t, 0, p.depthLocked())
}
