// Package watch runs the polling engine: on every sweep it asks YouTube
// which tracked channels are live and fans notifications out to subscribers
// and configured destinations.
package watch

import (
	"context"
	"html"
	"time"

	"onairbot/internal/eventbus"
	"onairbot/internal/notifier"
	"onairbot/internal/storage"
	kit "onairbot/internal/transport"
	"onairbot/internal/youtube"
	logx "onairbot/pkg/logx"
)

// LiveSource answers whether a channel is live. *youtube.Resolver satisfies it.
type LiveSource interface {
	LiveNow(ctx context.Context, channelID string) (*youtube.LiveBroadcast, error)
}

// Delivery accepts outgoing notifications. *notifier.Service satisfies it.
type Delivery interface {
	Notify(ctx context.Context, n notifier.Notification) error
}

// SweepStats summarizes one sweep over all tracked channels.
type SweepStats struct {
	Checked         int `json:"checked"`
	SkippedCooldown int `json:"skipped_cooldown"`
	Idle            int `json:"idle"`
	Deduped         int `json:"deduped"`
	Notified        int `json:"notified"`
	Errors          int `json:"errors"`
}

// Watcher polls tracked channels on a schedule and triggers notifications
// for new live broadcasts.
type Watcher struct {
	log      logx.Logger
	bus      eventbus.Bus
	store    storage.Store
	source   LiveSource
	delivery Delivery

	schedule *Schedule
	cooldown time.Duration

	now      func() time.Time
	watchdog func() // optional keepalive, called once per sweep
}

type Option func(*Watcher)

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(w *Watcher) { w.now = now }
}

// WithWatchdog registers a keepalive callback invoked after every sweep
// (e.g. systemd watchdog notification).
func WithWatchdog(fn func()) Option {
	return func(w *Watcher) { w.watchdog = fn }
}

func New(schedule *Schedule, cooldown time.Duration, store storage.Store, source LiveSource, delivery Delivery, bus eventbus.Bus, log logx.Logger, opts ...Option) *Watcher {
	if log.IsZero() {
		log = logx.Nop()
	}
	w := &Watcher{
		log:      log,
		bus:      bus,
		store:    store,
		source:   source,
		delivery: delivery,
		schedule: schedule,
		cooldown: cooldown,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run sweeps immediately, then on every schedule tick until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	w.log.Info("watcher started",
		logx.String("schedule", w.schedule.String()),
		logx.Duration("cooldown", w.cooldown))

	for {
		w.Sweep(ctx)
		if w.watchdog != nil {
			w.watchdog()
		}

		now := w.now()
		wait := w.schedule.Next(now).Sub(now)
		if wait < time.Second {
			wait = time.Second
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			w.log.Info("watcher stopped")
			return
		case <-t.C:
		}
	}
}

// Sweep checks every tracked channel once. Failures in one channel never
// stop the sweep.
func (w *Watcher) Sweep(ctx context.Context) SweepStats {
	var stats SweepStats

	channels, err := w.store.TrackedChannels(ctx)
	if err != nil {
		w.log.Warn("tracked channels unavailable", logx.Err(err))
		return stats
	}

	for _, channelID := range channels {
		if ctx.Err() != nil {
			break
		}
		stats.Checked++
		switch w.checkChannel(ctx, channelID) {
		case outcomeCooldown:
			stats.SkippedCooldown++
		case outcomeIdle:
			stats.Idle++
		case outcomeDeduped:
			stats.Deduped++
		case outcomeNotified:
			stats.Notified++
		case outcomeError:
			stats.Errors++
		}
	}

	if w.bus != nil {
		w.bus.Publish(eventbus.Event{Type: eventbus.TypeSweepDone, Time: w.now(), Data: stats})
	}
	if stats.Notified > 0 || stats.Errors > 0 {
		w.log.Info("sweep done",
			logx.Int("checked", stats.Checked),
			logx.Int("cooldown", stats.SkippedCooldown),
			logx.Int("notified", stats.Notified),
			logx.Int("errors", stats.Errors))
	} else {
		w.log.Debug("sweep done", logx.Int("checked", stats.Checked))
	}
	return stats
}

type outcome int

const (
	outcomeError outcome = iota
	outcomeCooldown
	outcomeIdle
	outcomeDeduped
	outcomeNotified
)

// checkChannel processes one channel. Panics are contained here so a single
// bad channel cannot take down the sweep.
func (w *Watcher) checkChannel(ctx context.Context, channelID string) (result outcome) {
	defer func() {
		if r := recover(); r != nil {
			w.log.Error("channel check panicked",
				logx.String("channel", channelID),
				logx.Any("panic", r))
			result = outcomeError
		}
	}()

	state, err := w.store.NotifyState(ctx, channelID)
	if err != nil {
		w.log.Warn("notify state unavailable", logx.String("channel", channelID), logx.Err(err))
		return outcomeError
	}

	now := w.now()
	if state.CooldownActive(now) {
		return outcomeCooldown
	}

	live, err := w.source.LiveNow(ctx, channelID)
	if err != nil {
		w.log.Warn("live check failed", logx.String("channel", channelID), logx.Err(err))
		return outcomeError
	}
	if live == nil {
		return outcomeIdle
	}
	if live.VideoID == state.LastVideoID {
		return outcomeDeduped
	}

	// Commit strictly before fan-out: delivery failures never roll back
	// state, duplicates are prevented by the video id.
	if err := w.store.SetLastBroadcast(ctx, channelID, live.VideoID, now); err != nil {
		w.log.Error("state commit failed", logx.String("channel", channelID), logx.Err(err))
		return outcomeError
	}
	if w.cooldown > 0 {
		if err := w.store.SetCooldownUntil(ctx, channelID, now.Add(w.cooldown)); err != nil {
			w.log.Warn("cooldown write failed", logx.String("channel", channelID), logx.Err(err))
		}
	}

	w.fanOut(ctx, channelID, live)
	return outcomeNotified
}

func (w *Watcher) fanOut(ctx context.Context, channelID string, live *youtube.LiveBroadcast) {
	recipients := map[int64]struct{}{}
	if subs, err := w.store.SubscribersOf(ctx, channelID); err == nil {
		for _, id := range subs {
			recipients[id] = struct{}{}
		}
	} else {
		w.log.Warn("subscriber lookup failed", logx.String("channel", channelID), logx.Err(err))
	}
	if dests, err := w.store.DestinationsOf(ctx, channelID); err == nil {
		for _, id := range dests {
			recipients[id] = struct{}{}
		}
	} else {
		w.log.Warn("destination lookup failed", logx.String("channel", channelID), logx.Err(err))
	}

	text := BroadcastText(live)
	for chatID := range recipients {
		err := w.delivery.Notify(ctx, notifier.Notification{
			Channel: "watch",
			Target:  kit.ChatTarget{ChatID: chatID},
			Text:    text,
			Options: &kit.SendOptions{ParseMode: "HTML"},
		})
		if err != nil {
			w.log.Warn("notify enqueue failed",
				logx.String("channel", channelID),
				logx.Int64("chat", chatID),
				logx.Err(err))
		}
	}

	w.log.Info("live broadcast detected",
		logx.String("channel", channelID),
		logx.String("video", live.VideoID),
		logx.Int("recipients", len(recipients)))
}

// BroadcastText renders the notification message for a live broadcast.
// Titles are HTML-escaped for Telegram's HTML parse mode.
func BroadcastText(live *youtube.LiveBroadcast) string {
	title := live.VideoTitle
	if title == "" {
		title = "Live broadcast"
	}
	name := live.ChannelTitle
	if name == "" {
		name = live.ChannelID
	}
	return html.EscapeString(name) + " is live: " + html.EscapeString(title) + "\n" + youtube.WatchURL(live.VideoID)
}
