// Package chatsink delivers rendered notification text to whatever
// chat transport owns the user relationship. oisentry only prepares
// and rate-limits messages; delivery is out of scope, so the sink is a
// narrow interface with a Redis pub/sub adapter as its default
// implementation.
package chatsink

import "context"

// ChatSink delivers one rendered message to a chat/user id. It returns
// false (not an error) when delivery is rejected by the transport
// itself (e.g. user blocked the bot); the notification pipeline treats
// a false return like an error and retries the send.
type ChatSink interface {
	SendMessage(ctx context.Context, chatID, text string) (bool, error)
}
