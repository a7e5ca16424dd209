package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Client wraps the go-redis client with the pub/sub, hash, and
// sorted-set operations the trigger store, chat sink, and telemetry
// layers need.
type Client struct {
	rdb    *redis.Client
	logger *zap.Logger
	config ClientConfig
}

// ClientConfig holds Redis client configuration
type ClientConfig struct {
	URL          string
	DB           int
	Password     string
	PoolSize     int
	MaxRetries   int
	RetryBackoff time.Duration
}

// Event represents a publishable event
type Event interface {
	GetExchange() string
	GetSymbol() string
	GetTimestamp() time.Time
	GetEventType() string
}

// NewClient creates a new Redis client
func NewClient(config ClientConfig, logger *zap.Logger) (*Client, error) {
	opts := &redis.Options{
		Addr:       config.URL[8:], // Remove "redis://" prefix
		DB:         config.DB,
		Password:   config.Password,
		PoolSize:   config.PoolSize,
		MaxRetries: config.MaxRetries,
	}

	rdb := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Redis client connected successfully",
		zap.String("addr", opts.Addr),
		zap.Int("db", opts.DB),
		zap.Int("pool_size", opts.PoolSize))

	return &Client{
		rdb:    rdb,
		logger: logger,
		config: config,
	}, nil
}

// Publish publishes an event to a Redis channel
func (c *Client) Publish(ctx context.Context, channel string, event Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := c.rdb.Publish(ctx, channel, data).Err(); err != nil {
		c.logger.Error("Failed to publish event",
			zap.String("channel", channel),
			zap.String("exchange", event.GetExchange()),
			zap.String("symbol", event.GetSymbol()),
			zap.String("event_type", event.GetEventType()),
			zap.Error(err))
		return fmt.Errorf("failed to publish to channel %s: %w", channel, err)
	}

	c.logger.Debug("Event published successfully",
		zap.String("channel", channel),
		zap.String("exchange", event.GetExchange()),
		zap.String("symbol", event.GetSymbol()),
		zap.String("event_type", event.GetEventType()))

	return nil
}

// Subscribe subscribes to Redis channels and returns a channel of messages
func (c *Client) Subscribe(ctx context.Context, channels []string) (<-chan *redis.Message, error) {
	pubsub := c.rdb.Subscribe(ctx, channels...)

	// Wait for subscription confirmation
	_, err := pubsub.Receive(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to channels: %w", err)
	}

	c.logger.Info("Subscribed to channels", zap.Strings("channels", channels))

	return pubsub.Channel(), nil
}

// Set stores a key-value pair with optional expiration
func (c *Client) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.rdb.Set(ctx, key, data, expiration).Err(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

// Get retrieves a value by key
func (c *Client) Get(ctx context.Context, key string, dest interface{}) error {
	data, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		if err == redis.Nil {
			return fmt.Errorf("key %s not found", key)
		}
		return fmt.Errorf("failed to get key %s: %w", key, err)
	}

	if err := json.Unmarshal([]byte(data), dest); err != nil {
		return fmt.Errorf("failed to unmarshal value for key %s: %w", key, err)
	}

	return nil
}

// XAdd adds an entry to a Redis stream
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) error {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}

	if err := c.rdb.XAdd(ctx, args).Err(); err != nil {
		return fmt.Errorf("failed to add to stream %s: %w", stream, err)
	}

	return nil
}

// HealthCheck performs a health check on the Redis connection
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("Redis health check failed: %w", err)
	}
	return nil
}

// GetStats returns Redis connection statistics
func (c *Client) GetStats() map[string]interface{} {
	stats := c.rdb.PoolStats()
	return map[string]interface{}{
		"hits":         stats.Hits,
		"misses":       stats.Misses,
		"timeouts":     stats.Timeouts,
		"total_conns":  stats.TotalConns,
		"idle_conns":   stats.IdleConns,
		"stale_conns":  stats.StaleConns,
	}
}

// Close closes the Redis client connection
func (c *Client) Close() error {
	if err := c.rdb.Close(); err != nil {
		c.logger.Error("Failed to close Redis client", zap.Error(err))
		return err
	}

	c.logger.Info("Redis client closed successfully")
	return nil
}

// BuildChannelName builds a standardized pub/sub channel name.
func BuildChannelName(exchange, symbol, eventType string) string {
	return fmt.Sprintf("%s:%s:%s", exchange, symbol, eventType)
}

// BuildStreamName builds a standardized stream name.
func BuildStreamName(exchange, symbol string) string {
	return fmt.Sprintf("stream:%s:%s", exchange, symbol)
}

// HSet writes fields into a hash key, used by the trigger repository to
// persist one hash per trigger.
func (c *Client) HSet(ctx context.Context, key string, fields map[string]interface{}) error {
	if err := c.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("failed to hset key %s: %w", key, err)
	}
	return nil
}

// HGetAll reads every field of a hash key.
func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	res, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to hgetall key %s: %w", key, err)
	}
	return res, nil
}

// Del deletes one or more keys outright.
func (c *Client) Del(ctx context.Context, keys ...string) error {
	if err := c.rdb.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to del keys %v: %w", keys, err)
	}
	return nil
}

// SAdd adds members to a set key, used for the triggers:active index.
func (c *Client) SAdd(ctx context.Context, key string, members ...interface{}) error {
	if err := c.rdb.SAdd(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("failed to sadd key %s: %w", key, err)
	}
	return nil
}

// SRem removes members from a set key.
func (c *Client) SRem(ctx context.Context, key string, members ...interface{}) error {
	if err := c.rdb.SRem(ctx, key, members...).Err(); err != nil {
		return fmt.Errorf("failed to srem key %s: %w", key, err)
	}
	return nil
}

// SMembers returns every member of a set key.
func (c *Client) SMembers(ctx context.Context, key string) ([]string, error) {
	res, err := c.rdb.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to smembers key %s: %w", key, err)
	}
	return res, nil
}

// ZAdd appends one timestamp-scored member to a sorted set, used by the
// signal repository to record fire history per (trigger, symbol).
func (c *Client) ZAdd(ctx context.Context, key string, score float64, member interface{}) error {
	if err := c.rdb.ZAdd(ctx, key, redis.Z{Score: score, Member: member}).Err(); err != nil {
		return fmt.Errorf("failed to zadd key %s: %w", key, err)
	}
	return nil
}

// ZCount counts members of a sorted set scored within [min, max],
// used to answer "how many times has this trigger fired in the last
// 24h".
func (c *Client) ZCount(ctx context.Context, key string, min, max float64) (int64, error) {
	n, err := c.rdb.ZCount(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to zcount key %s: %w", key, err)
	}
	return n, nil
}

// ZRangeByScore returns members scored within [min, max] in ascending
// score order, used for recent-signal history reads.
func (c *Client) ZRangeByScore(ctx context.Context, key string, min, max float64) ([]string, error) {
	res, err := c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: fmt.Sprintf("%f", min),
		Max: fmt.Sprintf("%f", max),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to zrangebyscore key %s: %w", key, err)
	}
	return res, nil
}

// ZRemRangeByScore removes entries scored within [min, max], bounding
// sorted-set growth for long-lived triggers.
func (c *Client) ZRemRangeByScore(ctx context.Context, key string, min, max float64) error {
	if err := c.rdb.ZRemRangeByScore(ctx, key, fmt.Sprintf("%f", min), fmt.Sprintf("%f", max)).Err(); err != nil {
		return fmt.Errorf("failed to zremrangebyscore key %s: %w", key, err)
	}
	return nil
}
