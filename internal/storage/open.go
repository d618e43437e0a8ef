package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "onairbot/pkg/logx"
)

// Store is the persistence API used by the watcher and the bot commands.
//
// Channel ids are YouTube channel ids (UC...); chat ids are Telegram chat ids.
type Store interface {
	// Subscriptions: chat -> set of channels it follows.
	AddSubscription(ctx context.Context, chatID int64, channelID string) error
	RemoveSubscription(ctx context.Context, chatID int64, channelID string) (bool, error)
	ListSubscriptions(ctx context.Context, chatID int64) ([]string, error)
	SubscribersOf(ctx context.Context, channelID string) ([]int64, error)

	// TrackedChannels returns the union of all subscribed channels and all
	// channels that have at least one destination.
	TrackedChannels(ctx context.Context) ([]string, error)

	// Destinations: channel -> extra chats notified alongside subscribers.
	AddDestination(ctx context.Context, channelID string, chatID int64) error
	RemoveDestination(ctx context.Context, channelID string, chatID int64) (bool, error)
	DestinationsOf(ctx context.Context, channelID string) ([]int64, error)
	ClearDestinations(ctx context.Context, channelID string) error

	// Notification state.
	NotifyState(ctx context.Context, channelID string) (State, error)
	SetLastBroadcast(ctx context.Context, channelID, videoID string, at time.Time) error
	SetCooldownUntil(ctx context.Context, channelID string, until time.Time) error

	Close() error
}

// Open initializes the configured store. The file driver is the default.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
