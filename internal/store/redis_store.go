package store

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"oisentry/internal/model"
	redisclient "oisentry/pkg/redis"
)

const (
	activeTriggersKey = "triggers:active"
)

// TriggerInvalidateChannel carries trigger save/remove notifications so
// running processes can refresh their registry snapshot without waiting
// for the periodic reload.
var TriggerInvalidateChannel = redisclient.BuildChannelName("oisentry", "triggers", "invalidated")

// triggerEvent is the invalidation payload published on
// TriggerInvalidateChannel.
type triggerEvent struct {
	triggerID string
	userID    string
	action    string
	at        time.Time
}

func (e triggerEvent) GetExchange() string     { return "oisentry" }
func (e triggerEvent) GetSymbol() string       { return e.triggerID }
func (e triggerEvent) GetTimestamp() time.Time { return e.at }
func (e triggerEvent) GetEventType() string    { return e.action }

func (e triggerEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		TriggerID string    `json:"triggerId"`
		UserID    string    `json:"userId"`
		Action    string    `json:"action"`
		At        time.Time `json:"at"`
	}{e.triggerID, e.userID, e.action, e.at})
}

func triggerKey(id string) string { return fmt.Sprintf("trigger:%s", id) }

func userTriggersKey(userID string) string {
	return fmt.Sprintf("triggers:user:%s", userID)
}

func signalsKey(triggerID, symbol string) string {
	return fmt.Sprintf("signals:%s:%s", triggerID, symbol)
}

func userSignalsKey(userID, symbol string) string {
	return fmt.Sprintf("signals:user:%s:%s", userID, symbol)
}

func symbolSignalsKey(symbol string) string {
	return fmt.Sprintf("signals:symbol:%s", symbol)
}

func lastSignalKey(triggerID, symbol string) string {
	return fmt.Sprintf("lastsignal:%s:%s", triggerID, symbol)
}

// RedisTriggerRepository stores one hash per trigger plus set indexes
// of active trigger ids and of each user's trigger ids.
type RedisTriggerRepository struct {
	client *redisclient.Client
}

func NewRedisTriggerRepository(client *redisclient.Client) *RedisTriggerRepository {
	return &RedisTriggerRepository{client: client}
}

func (r *RedisTriggerRepository) GetAllActive(ctx context.Context) ([]model.Trigger, error) {
	ids, err := r.client.SMembers(ctx, activeTriggersKey)
	if err != nil {
		return nil, err
	}
	out := make([]model.Trigger, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, triggerKey(id))
		if err != nil || len(fields) == 0 {
			continue
		}
		t, err := decodeTrigger(id, fields)
		if err != nil {
			continue
		}
		if t.IsActive {
			out = append(out, t)
		}
	}
	return out, nil
}

// FindByUser returns every trigger owned by userID, via the per-user
// set index Save maintains.
func (r *RedisTriggerRepository) FindByUser(ctx context.Context, userID string) ([]model.Trigger, error) {
	ids, err := r.client.SMembers(ctx, userTriggersKey(userID))
	if err != nil {
		return nil, err
	}
	out := make([]model.Trigger, 0, len(ids))
	for _, id := range ids {
		fields, err := r.client.HGetAll(ctx, triggerKey(id))
		if err != nil || len(fields) == 0 {
			continue
		}
		t, err := decodeTrigger(id, fields)
		if err != nil {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (r *RedisTriggerRepository) Save(ctx context.Context, t model.Trigger) error {
	fields := map[string]interface{}{
		"userId":                   t.UserID,
		"direction":                string(t.Direction),
		"oiChangePercent":          strconv.FormatFloat(t.OIChangePercent, 'f', -1, 64),
		"timeIntervalMinutes":      strconv.Itoa(t.TimeIntervalMinutes),
		"notificationLimitSeconds": strconv.Itoa(t.NotificationLimitSeconds),
		"isActive":                 strconv.FormatBool(t.IsActive),
	}
	if err := r.client.HSet(ctx, triggerKey(t.ID), fields); err != nil {
		return err
	}
	if err := r.client.SAdd(ctx, userTriggersKey(t.UserID), t.ID); err != nil {
		return err
	}
	if t.IsActive {
		if err := r.client.SAdd(ctx, activeTriggersKey, t.ID); err != nil {
			return err
		}
	} else if err := r.client.SRem(ctx, activeTriggersKey, t.ID); err != nil {
		return err
	}
	// Best-effort; a missed notification is covered by the periodic
	// registry refresh.
	_ = r.client.Publish(ctx, TriggerInvalidateChannel,
		triggerEvent{triggerID: t.ID, userID: t.UserID, action: "trigger_saved", at: time.Now()})
	return nil
}

// Remove deletes the trigger only when it exists and belongs to userID,
// reporting whether anything was removed.
func (r *RedisTriggerRepository) Remove(ctx context.Context, id, userID string) (bool, error) {
	fields, err := r.client.HGetAll(ctx, triggerKey(id))
	if err != nil {
		return false, err
	}
	if len(fields) == 0 || fields["userId"] != userID {
		return false, nil
	}
	if err := r.client.SRem(ctx, activeTriggersKey, id); err != nil {
		return false, err
	}
	if err := r.client.SRem(ctx, userTriggersKey(userID), id); err != nil {
		return false, err
	}
	if err := r.client.Del(ctx, triggerKey(id)); err != nil {
		return false, err
	}
	_ = r.client.Publish(ctx, TriggerInvalidateChannel,
		triggerEvent{triggerID: id, userID: userID, action: "trigger_removed", at: time.Now()})
	return true, nil
}

func decodeTrigger(id string, f map[string]string) (model.Trigger, error) {
	oiPct, err := strconv.ParseFloat(f["oiChangePercent"], 64)
	if err != nil {
		return model.Trigger{}, err
	}
	interval, err := strconv.Atoi(f["timeIntervalMinutes"])
	if err != nil {
		return model.Trigger{}, err
	}
	limit, _ := strconv.Atoi(f["notificationLimitSeconds"])
	active, _ := strconv.ParseBool(f["isActive"])
	return model.Trigger{
		ID:                       id,
		UserID:                   f["userId"],
		Direction:                model.Direction(f["direction"]),
		OIChangePercent:          oiPct,
		TimeIntervalMinutes:      interval,
		NotificationLimitSeconds: limit,
		IsActive:                 active,
	}, nil
}

// RedisSignalRepository records fired signals in a per-(trigger,symbol)
// sorted set scored by fire time, so CountSince answers a 24h-window
// rate-limit query with one ZCOUNT, and keeps the most recent signal
// in a plain key for fast cooldown checks.
type RedisSignalRepository struct {
	client *redisclient.Client
}

func NewRedisSignalRepository(client *redisclient.Client) *RedisSignalRepository {
	return &RedisSignalRepository{client: client}
}

// Save writes the signal into three timestamp-scored indexes — per
// (trigger, symbol) for CountSince, per (user, symbol) for the daily
// per-user cap query, and per symbol for recent-history reads — plus a
// plain last-signal key for cooldown seeding. The member is the
// JSON-encoded signal so RecentBySymbol can reconstruct it.
func (r *RedisSignalRepository) Save(ctx context.Context, s model.Signal) error {
	member, err := json.Marshal(s)
	if err != nil {
		return err
	}
	score := float64(s.CreatedAt.UnixMilli())
	cutoff := float64(s.CreatedAt.Add(-48 * time.Hour).UnixMilli())

	for _, key := range []string{
		signalsKey(s.TriggerID, s.Symbol),
		userSignalsKey(s.UserID, s.Symbol),
		symbolSignalsKey(s.Symbol),
	} {
		if err := r.client.ZAdd(ctx, key, score, string(member)); err != nil {
			return err
		}
		// Trim entries older than 48h; 24h windows never need more.
		_ = r.client.ZRemRangeByScore(ctx, key, 0, cutoff)
	}

	// Best-effort firehose for external consumers (signal history UIs,
	// downstream analytics); in-process reads go through the sorted sets.
	_ = r.client.XAdd(ctx, redisclient.BuildStreamName("oisentry", s.Symbol), map[string]interface{}{
		"triggerId":       s.TriggerID,
		"userId":          s.UserID,
		"signalNumber":    s.SignalNumber,
		"oiChangePercent": s.OIChangePercent,
		"createdAt":       s.CreatedAt.UnixMilli(),
	})

	return r.client.Set(ctx, lastSignalKey(s.TriggerID, s.Symbol), s, 48*time.Hour)
}

func (r *RedisSignalRepository) CountSince(ctx context.Context, triggerID, symbol string, sinceUnixMs int64) (int64, error) {
	return r.client.ZCount(ctx, signalsKey(triggerID, symbol), float64(sinceUnixMs), float64(1<<62))
}

// Count24hByUserSymbol counts how many signals userID received for
// symbol over the trailing 24h, across all of the user's triggers.
func (r *RedisSignalRepository) Count24hByUserSymbol(ctx context.Context, userID, symbol string) (int64, error) {
	since := float64(time.Now().Add(-24 * time.Hour).UnixMilli())
	return r.client.ZCount(ctx, userSignalsKey(userID, symbol), since, float64(1<<62))
}

// RecentBySymbol returns symbol's signals from the trailing hours,
// oldest first. Entries that fail to decode are skipped.
func (r *RedisSignalRepository) RecentBySymbol(ctx context.Context, symbol string, hours int) ([]model.Signal, error) {
	since := float64(time.Now().Add(-time.Duration(hours) * time.Hour).UnixMilli())
	members, err := r.client.ZRangeByScore(ctx, symbolSignalsKey(symbol), since, float64(1<<62))
	if err != nil {
		return nil, err
	}
	out := make([]model.Signal, 0, len(members))
	for _, m := range members {
		var s model.Signal
		if err := json.Unmarshal([]byte(m), &s); err != nil {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

func (r *RedisSignalRepository) LastFired(ctx context.Context, triggerID, symbol string) (model.Signal, bool, error) {
	var s model.Signal
	if err := r.client.Get(ctx, lastSignalKey(triggerID, symbol), &s); err != nil {
		return model.Signal{}, false, nil
	}
	return s, true, nil
}
