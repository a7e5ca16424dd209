// Package trigger implements the trigger registry and evaluator: an
// in-memory snapshot of active triggers refreshed from durable
// storage, and the debounced, rate-gated loop that checks each one
// against the metrics calculator.
package trigger

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"oisentry/internal/model"
	"oisentry/internal/store"
)

// Registry caches the active-trigger snapshot in memory so the
// evaluator never blocks on storage during its hot path.
type Registry struct {
	repo   store.TriggerRepository
	logger *zap.Logger

	mu   sync.RWMutex
	byID map[string]model.Trigger
}

// NewRegistry builds a registry over repo. Call Init before first use.
func NewRegistry(repo store.TriggerRepository, logger *zap.Logger) *Registry {
	return &Registry{
		repo:   repo,
		logger: logger.Named("trigger_registry"),
		byID:   make(map[string]model.Trigger),
	}
}

// Init loads the full active-trigger snapshot from storage.
func (r *Registry) Init(ctx context.Context) error {
	triggers, err := r.repo.GetAllActive(ctx)
	if err != nil {
		return err
	}
	r.replace(triggers)
	r.logger.Info("trigger registry initialized", zap.Int("count", len(triggers)))
	return nil
}

// Refresh reloads the snapshot from storage; call on an interval so
// triggers created/edited/removed elsewhere become visible without a
// restart.
func (r *Registry) Refresh(ctx context.Context) error {
	return r.Init(ctx)
}

func (r *Registry) replace(triggers []model.Trigger) {
	byID := make(map[string]model.Trigger)
	for _, t := range triggers {
		byID[t.ID] = t
	}
	r.mu.Lock()
	r.byID = byID
	r.mu.Unlock()
}

// GetAllActive returns a snapshot copy of every active trigger.
func (r *Registry) GetAllActive() []model.Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Trigger, 0, len(r.byID))
	for _, t := range r.byID {
		out = append(out, t)
	}
	return out
}

// Save persists a trigger and updates the in-memory snapshot.
func (r *Registry) Save(ctx context.Context, t model.Trigger) error {
	if err := r.repo.Save(ctx, t); err != nil {
		return err
	}
	r.mu.Lock()
	if t.IsActive {
		r.byID[t.ID] = t
	} else {
		delete(r.byID, t.ID)
	}
	r.mu.Unlock()
	return nil
}

// Remove deletes a trigger from storage and the snapshot, scoped to
// the owning user. Reports whether storage actually removed it.
func (r *Registry) Remove(ctx context.Context, id, userID string) (bool, error) {
	removed, err := r.repo.Remove(ctx, id, userID)
	if err != nil {
		return false, err
	}
	if removed {
		r.mu.Lock()
		delete(r.byID, id)
		r.mu.Unlock()
	}
	return removed, nil
}

// FindByUser returns userID's triggers from durable storage, active or
// not; callers outside the hot path (the chat command surface) use it
// to render a user's configuration.
func (r *Registry) FindByUser(ctx context.Context, userID string) ([]model.Trigger, error) {
	return r.repo.FindByUser(ctx, userID)
}

// RunRefreshLoop periodically calls Refresh until ctx is cancelled.
func (r *Registry) RunRefreshLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.Refresh(ctx); err != nil {
				r.logger.Warn("trigger registry refresh failed", zap.Error(err))
			}
		}
	}
}
