// Package store defines the persistence contracts for triggers and the
// signals they fire, and a Redis-backed implementation of each. Owners
// of the trigger domain (the Trigger Registry, the Trigger Evaluator)
// depend only on these interfaces.
package store

import (
	"context"

	"oisentry/internal/model"
)

// TriggerRepository is the durable store of user-configured triggers.
// Remove is scoped to the owning user and reports whether anything was
// actually deleted, so a user can't remove another user's trigger.
type TriggerRepository interface {
	GetAllActive(ctx context.Context) ([]model.Trigger, error)
	FindByUser(ctx context.Context, userID string) ([]model.Trigger, error)
	Save(ctx context.Context, t model.Trigger) error
	Remove(ctx context.Context, id, userID string) (bool, error)
}

// SignalRepository records fired signals and answers rate-limit and
// history queries over them. CountSince and LastFired serve the
// evaluator's signal numbering and cooldown seeding;
// Count24hByUserSymbol and RecentBySymbol serve the user-facing query
// surface downstream of the signal stream.
type SignalRepository interface {
	Save(ctx context.Context, s model.Signal) error
	CountSince(ctx context.Context, triggerID, symbol string, sinceUnixMs int64) (int64, error)
	Count24hByUserSymbol(ctx context.Context, userID, symbol string) (int64, error)
	RecentBySymbol(ctx context.Context, symbol string, hours int) ([]model.Signal, error)
	LastFired(ctx context.Context, triggerID, symbol string) (model.Signal, bool, error)
}
