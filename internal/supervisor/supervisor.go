// Package supervisor is the outer resilience layer sitting above each
// venue Provider's own connection logic: if a provider's connection
// drops and its internal reconnect loop has not restored it once the
// backoff delay elapses, the supervisor reconnects it, with exponential
// backoff, polling IsConnected to detect the drop in the first place.
package supervisor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Provider is the narrow slice of a venue connector the supervisor
// drives directly: reconnect when not connected, then poll
// IsConnected until it drops. Declared here rather than imported from
// internal/exchanges so this package stays a standalone resilience
// layer with no dependency on the ingestion side's provider contract.
type Provider interface {
	ID() string
	Connect(ctx context.Context) error
	IsConnected() bool
}

// BackoffConfig tunes one provider's reconnect schedule. OnReconnect,
// if set, is called immediately before every Connect attempt — the
// ingestion gateway uses it to bump its provider-reconnect counter.
type BackoffConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	BackoffFactor  float64
	OnReconnect    func()
}

type workerStatus string

const (
	statusStopped  workerStatus = "stopped"
	statusStarting workerStatus = "starting"
	statusRunning  workerStatus = "running"
	statusRetrying workerStatus = "retrying"
)

// worker drives one provider's connect-then-watch cycle.
type worker struct {
	provider Provider
	backoff  BackoffConfig

	mu      sync.RWMutex
	status  workerStatus
	retries int
	lastErr error
}

func (w *worker) setStatus(status workerStatus) {
	w.mu.Lock()
	w.status = status
	w.mu.Unlock()
}

// Supervisor manages one worker per registered provider, reconnecting
// a provider with exponential backoff whenever IsConnected drops and
// the provider's own internal reconnect logic hasn't already restored
// it.
type Supervisor struct {
	logger  *zap.Logger
	workers map[string]*worker

	mu      sync.RWMutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	healthCheckInterval     time.Duration
	connectionCheckInterval time.Duration
}

// NewSupervisor creates a supervisor with no providers registered yet.
func NewSupervisor(logger *zap.Logger) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	return &Supervisor{
		logger:                  logger,
		workers:                 make(map[string]*worker),
		ctx:                     ctx,
		cancel:                  cancel,
		healthCheckInterval:     30 * time.Second,
		connectionCheckInterval: 5 * time.Second,
	}
}

// AddProvider registers p to be connected and health-polled once Start
// is called. Must be called before Start.
func (s *Supervisor) AddProvider(p Provider, cfg BackoffConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("cannot add provider while supervisor is running")
	}
	if _, exists := s.workers[p.ID()]; exists {
		return fmt.Errorf("provider %s already registered", p.ID())
	}

	s.workers[p.ID()] = &worker{provider: p, backoff: cfg, status: statusStopped}
	s.logger.Info("provider supervisor worker added", zap.String("provider", p.ID()))
	return nil
}

// Start launches every registered provider's worker loop plus the
// periodic health-check loop.
func (s *Supervisor) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("supervisor already started")
	}

	s.started = true
	s.logger.Info("starting provider supervisor", zap.Int("providers", len(s.workers)))

	for id, w := range s.workers {
		s.wg.Add(1)
		go s.run(id, w)
	}

	s.wg.Add(1)
	go s.healthCheckLoop()

	return nil
}

// Stop cancels every worker and waits up to 30s for them to unwind.
func (s *Supervisor) Stop() error {
	s.mu.Lock()
	if !s.started {
		s.mu.Unlock()
		return fmt.Errorf("supervisor not started")
	}
	s.mu.Unlock()

	s.logger.Info("stopping provider supervisor")
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("all provider workers stopped")
	case <-time.After(30 * time.Second):
		s.logger.Warn("timeout waiting for provider workers to stop")
	}

	s.mu.Lock()
	s.started = false
	s.mu.Unlock()

	return nil
}

// run drives w's connect/watch/backoff cycle until the supervisor is
// stopped: connect-and-watch, and on loss, wait out the backoff for
// this retry count and try again.
func (s *Supervisor) run(id string, w *worker) {
	defer s.wg.Done()

	logger := s.logger.With(zap.String("provider", id))

	for {
		select {
		case <-s.ctx.Done():
			w.setStatus(statusStopped)
			logger.Info("provider worker stopped by supervisor")
			return
		default:
		}

		w.setStatus(statusStarting)
		err := s.connectAndWatch(s.ctx, w, logger)
		if err == nil || err == context.Canceled {
			w.setStatus(statusStopped)
			return
		}

		w.mu.Lock()
		w.lastErr = err
		w.retries++
		retries := w.retries
		w.mu.Unlock()

		w.setStatus(statusRetrying)
		logger.Error("provider connection lost", zap.Error(err), zap.Int("retries", retries))

		backoff := s.calculateBackoff(retries, w.backoff)
		logger.Info("reconnecting provider after backoff", zap.Duration("backoff", backoff))

		select {
		case <-time.After(backoff):
		case <-s.ctx.Done():
			w.setStatus(statusStopped)
			return
		}
	}
}

// connectAndWatch reconnects w's provider if it isn't already
// connected, then blocks polling IsConnected on a ticker until the
// connection drops or ctx is cancelled. A panic from either call is
// recovered and reported as an error rather than taking the
// supervisor down with it.
func (s *Supervisor) connectAndWatch(ctx context.Context, w *worker, logger *zap.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("provider worker panicked", zap.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	if !w.provider.IsConnected() {
		if w.backoff.OnReconnect != nil {
			w.backoff.OnReconnect()
		}
		if cerr := w.provider.Connect(ctx); cerr != nil {
			return fmt.Errorf("%s: reconnect: %w", w.provider.ID(), cerr)
		}
	}
	w.setStatus(statusRunning)

	ticker := time.NewTicker(s.connectionCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return context.Canceled
		case <-ticker.C:
			if !w.provider.IsConnected() {
				return fmt.Errorf("%s: connection lost", w.provider.ID())
			}
		}
	}
}

// calculateBackoff computes the exponential reconnect delay for the
// given retry count, clamped at cfg.MaxBackoff.
func (s *Supervisor) calculateBackoff(retries int, cfg BackoffConfig) time.Duration {
	backoff := cfg.InitialBackoff
	for i := 0; i < retries-1; i++ {
		backoff = time.Duration(float64(backoff) * cfg.BackoffFactor)
		if backoff > cfg.MaxBackoff {
			return cfg.MaxBackoff
		}
	}
	return backoff
}

// healthCheckLoop periodically logs a summary of every provider's
// worker status.
func (s *Supervisor) healthCheckLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.healthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.logHealth()
		}
	}
}

func (s *Supervisor) logHealth() {
	s.mu.RLock()
	defer s.mu.RUnlock()

	unhealthy := 0
	for id, w := range s.workers {
		w.mu.RLock()
		status, retries, lastErr := w.status, w.retries, w.lastErr
		w.mu.RUnlock()

		if status == statusRetrying {
			unhealthy++
		}
		s.logger.Debug("provider worker health check",
			zap.String("provider", id),
			zap.String("status", string(status)),
			zap.Int("retries", retries),
			zap.Error(lastErr),
		)
	}

	s.logger.Info("supervisor health check completed",
		zap.Int("total_providers", len(s.workers)),
		zap.Int("unhealthy_providers", unhealthy),
	)
}
