package notifier

import (
	"time"

	kit "onairbot/internal/transport"
)

// Config controls the async delivery pipeline.
type Config struct {
	Workers       int
	QueueSize     int
	RatePerSec    int
	RetryMax      int
	RetryBase     time.Duration
	RetryMaxDelay time.Duration
}

// Notification is one message for one recipient chat.
type Notification struct {
	// Channel is the logical source of the notification ("watch", "bot").
	Channel string
	Target  kit.ChatTarget
	Text    string
	Options *kit.SendOptions
}

type HistoryItem struct {
	At   time.Time
	Text string
}

// DeliveryEvent is emitted on the event bus for delivery lifecycle events.
// Keep it small; Data may be logged/serialized by subscribers.
type DeliveryEvent struct {
	Channel string    `json:"channel"`
	ChatID  int64     `json:"chat_id"`
	At      time.Time `json:"at"`
	Error   string    `json:"error,omitempty"`
}
