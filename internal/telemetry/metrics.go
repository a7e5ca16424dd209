// Package telemetry exposes oisentry's Prometheus metrics and a
// combined /health + /metrics HTTP server.
package telemetry

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Metrics holds every Prometheus collector oisentry registers.
type Metrics struct {
	UpdatesIngested    *prometheus.CounterVec
	ProviderReconnects *prometheus.CounterVec
	ProviderErrors     *prometheus.CounterVec
	BucketsEvicted     *prometheus.CounterVec
	OutOfOrderUpdates  *prometheus.CounterVec
	SymbolsTracked     prometheus.Gauge
	TriggersEvaluated  prometheus.Counter
	TriggersFired      *prometheus.CounterVec
	MetricCacheHits    prometheus.Counter
	MetricCacheMisses  prometheus.Counter
	NotificationsSent  *prometheus.CounterVec
	NotificationsDrop  *prometheus.CounterVec
	NotificationsDedup prometheus.Counter
	QueueDepth         prometheus.Gauge
	EvaluationLatency  prometheus.Histogram
}

// New registers every collector against the default registry.
func New() *Metrics {
	return &Metrics{
		UpdatesIngested: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_updates_ingested_total",
			Help: "Market updates ingested per provider.",
		}, []string{"provider"}),
		ProviderReconnects: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_provider_reconnects_total",
			Help: "Reconnect attempts per provider.",
		}, []string{"provider"}),
		ProviderErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_provider_errors_total",
			Help: "Decode/handling errors per provider.",
		}, []string{"provider"}),
		BucketsEvicted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_buckets_evicted_total",
			Help: "Buckets evicted from the bucket store by resolution.",
		}, []string{"resolution"}),
		OutOfOrderUpdates: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_out_of_order_updates_total",
			Help: "Updates that arrived with a timestamp behind the bucket's current span.",
		}, []string{"provider"}),
		SymbolsTracked: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oisentry_symbols_tracked",
			Help: "Symbols currently tracked in market state.",
		}),
		TriggersEvaluated: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oisentry_triggers_evaluated_total",
			Help: "Trigger evaluation passes executed.",
		}),
		TriggersFired: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_triggers_fired_total",
			Help: "Triggers that fired, by direction.",
		}, []string{"direction"}),
		MetricCacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oisentry_metric_cache_hits_total",
			Help: "Metric cache hits in the trigger evaluator.",
		}),
		MetricCacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oisentry_metric_cache_misses_total",
			Help: "Metric cache misses in the trigger evaluator.",
		}),
		NotificationsSent: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_notifications_sent_total",
			Help: "Notifications delivered, by priority.",
		}, []string{"priority"}),
		NotificationsDrop: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "oisentry_notifications_dropped_total",
			Help: "Notifications dropped, by reason.",
		}, []string{"reason"}),
		NotificationsDedup: promauto.NewCounter(prometheus.CounterOpts{
			Name: "oisentry_notifications_deduplicated_total",
			Help: "Notifications suppressed as duplicates within the dedup window.",
		}),
		QueueDepth: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "oisentry_notification_queue_depth",
			Help: "Current depth of the notification pipeline's mailbox.",
		}),
		EvaluationLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "oisentry_trigger_evaluation_seconds",
			Help:    "Time spent evaluating one batch of pending trigger checks.",
			Buckets: prometheus.DefBuckets,
		}),
	}
}

// Dependency is a backing service whose liveness and connection stats
// the health endpoint reports alongside process status.
type Dependency interface {
	HealthCheck(ctx context.Context) error
	GetStats() map[string]interface{}
}

// Server serves /health and /metrics on a dedicated listener.
type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
	startedAt  time.Time

	mu   sync.RWMutex
	deps map[string]Dependency
}

// NewServer builds (but does not start) the telemetry HTTP server.
func NewServer(addr string, logger *zap.Logger) *Server {
	s := &Server{
		logger:    logger.Named("telemetry"),
		startedAt: time.Now(),
		deps:      make(map[string]Dependency),
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", s.handleHealth)
	s.httpServer = &http.Server{Addr: addr, Handler: mux}
	return s
}

// AddDependency registers a backing service for the health report.
func (s *Server) AddDependency(name string, dep Dependency) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deps[name] = dep
}

// handleHealth always answers 200 while the process is alive; degraded
// dependencies are reported in the body, not the status code, so a
// liveness probe doesn't restart the process over a Redis blip.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"status":    "ok",
		"uptimeSec": int(time.Since(s.startedAt).Seconds()),
	}

	s.mu.RLock()
	deps := make(map[string]Dependency, len(s.deps))
	for name, dep := range s.deps {
		deps[name] = dep
	}
	s.mu.RUnlock()

	for name, dep := range deps {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		status := "ok"
		if err := dep.HealthCheck(ctx); err != nil {
			status = "degraded: " + err.Error()
		}
		cancel()
		resp[name] = map[string]interface{}{
			"status": status,
			"stats":  dep.GetStats(),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
