package chatsink

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	redisclient "oisentry/pkg/redis"
)

type outboundEvent struct {
	exchange  string
	symbol    string
	timestamp time.Time
	text      string
}

func (e outboundEvent) GetExchange() string      { return e.exchange }
func (e outboundEvent) GetSymbol() string        { return e.symbol }
func (e outboundEvent) GetTimestamp() time.Time   { return e.timestamp }
func (e outboundEvent) GetEventType() string      { return "notification" }
func (e outboundEvent) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Text      string    `json:"text"`
		Timestamp time.Time `json:"timestamp"`
	}{Text: e.text, Timestamp: e.timestamp})
}

// RedisChatSink publishes rendered notification text to a per-chat
// Redis channel; the downstream chat transport subscribes externally.
type RedisChatSink struct {
	client *redisclient.Client
	logger *zap.Logger
}

func NewRedisChatSink(client *redisclient.Client, logger *zap.Logger) *RedisChatSink {
	return &RedisChatSink{client: client, logger: logger.Named("chatsink")}
}

func (s *RedisChatSink) SendMessage(ctx context.Context, chatID, text string) (bool, error) {
	channel := redisclient.BuildChannelName("chat", chatID, "outbound")
	evt := outboundEvent{exchange: "oisentry", symbol: chatID, timestamp: time.Now(), text: text}
	if err := s.client.Publish(ctx, channel, evt); err != nil {
		return false, err
	}
	return true, nil
}
