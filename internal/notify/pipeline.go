// Package notify implements the notification pipeline: a
// deduplicated, priority-ordered outbound mailbox in front of a
// chatsink.ChatSink, with global and per-chat sliding-window rate
// limits and retry-then-drop delivery.
package notify

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"oisentry/internal/chatsink"
	"oisentry/internal/model"
	"oisentry/internal/telemetry"
	"oisentry/pkg/ratelimit"
)

// Priority is one of the three outbound priority classes, derived from
// the magnitude of the firing signal's OI change.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	default:
		return "low"
	}
}

// PriorityFor classifies a signal by the magnitude of its OI change:
// HIGH >= 10, NORMAL in [5, 10), LOW < 5.
func PriorityFor(oiChangePercent float64) Priority {
	abs := math.Abs(oiChangePercent)
	switch {
	case abs >= 10:
		return PriorityHigh
	case abs >= 5:
		return PriorityNormal
	default:
		return PriorityLow
	}
}

const (
	maxQueueDepth  = 1000
	dedupWindow    = 5 * time.Second
	processEvery   = 50 * time.Millisecond
	globalRateCap  = 28
	perChatRateCap = 28
	rateWindow     = time.Second
	maxSendRetries = 3
)

// message is one queued outbound notification.
type message struct {
	chatID      string
	text        string
	priority    Priority
	signal      *model.Signal
	enqueuedAt  time.Time
	attempts    int
	dedupKey    string
}

// Stats is a point-in-time snapshot of pipeline counters, returned by
// Stats().
type Stats struct {
	QueueDepth     int
	Sent           int64
	Dropped        int64
	Deduplicated   int64
	RetriesExhausted int64
}

// Pipeline owns the three priority queues and the rate-limited delivery
// loop. It is single-lane: all mutation happens either under mu or on
// the loop goroutine.
type Pipeline struct {
	sink   chatsink.ChatSink
	logger *zap.Logger
	metr   *telemetry.Metrics
	now    func() time.Time

	mu      sync.Mutex
	queues  [3][]message // indexed by Priority
	lastSeen map[string]time.Time // dedup key -> last enqueue time

	global   *ratelimit.Window
	perChat  map[string]*ratelimit.Window

	sent, dropped, deduplicated, retriesExhausted int64

	stopCh chan struct{}
	doneCh chan struct{}
}

// New builds a Pipeline delivering through sink. Call Run to start the
// processing loop and Stop to halt it, dropping pending messages.
func New(sink chatsink.ChatSink, logger *zap.Logger, metr *telemetry.Metrics) *Pipeline {
	return &Pipeline{
		sink:     sink,
		logger:   logger.Named("notify"),
		metr:     metr,
		now:      time.Now,
		lastSeen: make(map[string]time.Time),
		global:   ratelimit.New(globalRateCap, rateWindow),
		perChat:  make(map[string]*ratelimit.Window),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Enqueue admits one rendered message for chatID, returning false if it
// was dropped (deduplicated, or queue pressure forced eviction of this
// very message — never the case for a fresh enqueue). signal and
// triggerIntervalMinutes are optional context for priority
// classification and logging.
func (p *Pipeline) Enqueue(chatID, text string, signal *model.Signal, triggerIntervalMinutes int) bool {
	now := p.now()
	prio := PriorityLow
	var dedupKey string
	if signal != nil {
		prio = PriorityFor(signal.OIChangePercent)
		dedupKey = fmt.Sprintf("%s|%s|%.1f", chatID, signal.Symbol, signal.OIChangePercent)
	} else {
		dedupKey = fmt.Sprintf("%s|%s", chatID, text)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if last, ok := p.lastSeen[dedupKey]; ok && now.Sub(last) < dedupWindow {
		p.deduplicated++
		if p.metr != nil {
			p.metr.NotificationsDedup.Inc()
		}
		return false
	}
	p.lastSeen[dedupKey] = now

	msg := message{
		chatID:     chatID,
		text:       text,
		priority:   prio,
		signal:     signal,
		enqueuedAt: now,
		dedupKey:   dedupKey,
	}

	p.enforceBackpressureLocked()
	p.queues[prio] = append(p.queues[prio], msg)
	p.reportDepthLocked()
	return true
}

// enforceBackpressureLocked drops the oldest LOW, then NORMAL message
// when the pipeline is at capacity. Must be called with mu held,
// before appending the new message.
func (p *Pipeline) enforceBackpressureLocked() {
	depth := p.depthLocked()
	if depth < maxQueueDepth {
		return
	}
	for _, prio := range []Priority{PriorityLow, PriorityNormal} {
		if len(p.queues[prio]) > 0 {
			p.queues[prio] = p.queues[prio][1:]
			p.dropped++
			if p.metr != nil {
				p.metr.NotificationsDrop.WithLabelValues("backpressure").Inc()
			}
			return
		}
	}
	// Even HIGH is saturated; drop the oldest HIGH rather than refuse
	// the newest one outright.
	if len(p.queues[PriorityHigh]) > 0 {
		p.queues[PriorityHigh] = p.queues[PriorityHigh][1:]
		p.dropped++
		if p.metr != nil {
			p.metr.NotificationsDrop.WithLabelValues("backpressure").Inc()
		}
	}
}

func (p *Pipeline) depthLocked() int {
	return len(p.queues[PriorityHigh]) + len(p.queues[PriorityNormal]) + len(p.queues[PriorityLow])
}

func (p *Pipeline) reportDepthLocked() {
	if p.metr != nil {
		p.metr.QueueDepth.Set(float64(p.depthLocked()))
	}
}

// Run drives the processing loop until ctx is cancelled or Stop is
// called. It must be started exactly once.
func (p *Pipeline) Run(ctx context.Context) {
	defer close(p.doneCh)
	ticker := time.NewTicker(processEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// Stop halts the processing loop and drops every pending message.
func (p *Pipeline) Stop() {
	close(p.stopCh)
	<-p.doneCh
	p.mu.Lock()
	p.queues = [3][]message{}
	p.mu.Unlock()
}

// drainOnce processes one 50ms tick: in priority order (HIGH, NORMAL,
// LOW), deliver messages while the global and per-chat sliding-window
// budgets allow, re-queuing at the tail of their own priority when the
// blocker is specifically the per-chat budget.
func (p *Pipeline) drainOnce(ctx context.Context) {
	now := p.now()
	for _, prio := range []Priority{PriorityHigh, PriorityNormal, PriorityLow} {
		p.drainPriority(ctx, prio, now)
	}
}

// drainPriority scans at most one full pass over prio's queue: a
// message blocked only by its own chat's budget is moved to the tail
// so sibling chats keep draining within the same tick, but the scan is
// bounded so a saturated chat can't spin the tick forever.
func (p *Pipeline) drainPriority(ctx context.Context, prio Priority, now time.Time) {
	p.mu.Lock()
	remaining := len(p.queues[prio])
	p.mu.Unlock()

	for scanned := 0; scanned < remaining; scanned++ {
		p.mu.Lock()
		if len(p.queues[prio]) == 0 {
			p.mu.Unlock()
			return
		}
		if p.global.Remaining(now) <= 0 {
			p.mu.Unlock()
			return // global budget exhausted this tick; try again next tick
		}
		msg := p.queues[prio][0]
		chatWindow := p.chatWindowLocked(msg.chatID)
		if chatWindow.Remaining(now) <= 0 {
			// Per-chat budget is the blocker: requeue at the tail of this
			// priority so other chats keep draining this tick.
			p.queues[prio] = append(p.queues[prio][1:], msg)
			p.mu.Unlock()
			continue
		}
		p.global.Allow(now)
		chatWindow.Allow(now)
		p.queues[prio] = p.queues[prio][1:]
		p.reportDepthLocked()
		p.mu.Unlock()

		p.deliver(ctx, msg)
	}
}

func (p *Pipeline) chatWindowLocked(chatID string) *ratelimit.Window {
	w, ok := p.perChat[chatID]
	if !ok {
		w = ratelimit.New(perChatRateCap, rateWindow)
		p.perChat[chatID] = w
	}
	return w
}

func (p *Pipeline) deliver(ctx context.Context, msg message) {
	ok, err := p.sink.SendMessage(ctx, msg.chatID, msg.text)
	if err != nil || !ok {
		msg.attempts++
		if msg.attempts > maxSendRetries {
			p.mu.Lock()
			p.retriesExhausted++
			p.mu.Unlock()
			if p.metr != nil {
				p.metr.NotificationsDrop.WithLabelValues("send_failed").Inc()
			}
			p.logger.Warn("notification dropped after retries",
				zap.String("chat_id", msg.chatID), zap.Error(err))
			return
		}
		p.mu.Lock()
		p.queues[msg.priority] = append(p.queues[msg.priority], msg)
		p.reportDepthLocked()
		p.mu.Unlock()
		return
	}

	p.mu.Lock()
	p.sent++
	p.mu.Unlock()
	if p.metr != nil {
		p.metr.NotificationsSent.WithLabelValues(msg.priority.String()).Inc()
	}
}

// Stats returns a snapshot of the pipeline's counters.
func (p *Pipeline) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		QueueDepth:       p.depthLocked(),
		Sent:             p.sent,
		Dropped:          p.dropped,
		Deduplicated:     p.deduplicated,
		RetriesExhausted: p.retriesExhausted,
	}
}
