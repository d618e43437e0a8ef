// Package app assembles the bot: config, logging, storage, the YouTube
// client, the notifier pipeline, the watch loop and the Telegram command
// router, all running under one supervisor.
package app

import (
	"context"
	"fmt"
	"slices"
	"time"

	"onairbot/internal/bot"
	"onairbot/internal/config"
	"onairbot/internal/eventbus"
	"onairbot/internal/notifier"
	rtsup "onairbot/internal/runtime/supervisor"
	"onairbot/internal/storage"
	kit "onairbot/internal/transport"
	"onairbot/internal/transport/telegram"
	"onairbot/internal/watch"
	"onairbot/internal/youtube"
	logx "onairbot/pkg/logx"
)

const updateBuffer = 256

// Option tweaks app construction.
type Option func(*options)

type options struct {
	watchdog func()
}

// WithWatchdog installs a keepalive callback invoked after every completed
// sweep (used for systemd watchdog pings).
func WithWatchdog(fn func()) Option {
	return func(o *options) { o.watchdog = fn }
}

// App owns every long-lived component and their lifecycle.
type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	adapter  *telegram.Adapter
	client   *youtube.Client
	resolver *youtube.Resolver
	notif    *notifier.Service
	watcher  *watch.Watcher
	router   *bot.Router

	updates chan kit.Update
	sup     *rtsup.Supervisor
}

// NewApp loads and validates the config at cfgPath and builds every
// component. Nothing is started yet; call Start.
func NewApp(cfgPath string, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	logs, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.ConsoleLogging(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	cfgm.SetLogger(log.With(logx.String("comp", "config")))
	cfgm.SetValidator(func(_ context.Context, c *config.Config) error {
		return c.Validate()
	})

	bus := eventbus.New()

	busyTimeout, _ := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: busyTimeout,
	}, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	pollTimeout, _ := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	adapter, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("telegram: %w", err)
	}

	retryBase, _ := config.ParseDurationField("youtube.retry_base", cfg.YouTube.RetryBase)
	httpTimeout, _ := config.ParseDurationField("youtube.http_timeout", cfg.YouTube.HTTPTimeout)
	attempts := uint(0)
	if cfg.YouTube.RetryAttempts > 0 {
		attempts = uint(cfg.YouTube.RetryAttempts)
	}
	client, err := youtube.NewClient(youtube.ClientConfig{
		APIKeys:     cfg.YouTube.APIKeys,
		Attempts:    attempts,
		RetryBase:   retryBase,
		HTTPTimeout: httpTimeout,
	}, bus, log.With(logx.String("comp", "youtube")))
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("youtube: %w", err)
	}
	resolver := youtube.NewResolver(client, log.With(logx.String("comp", "youtube")))

	notifRetryBase, _ := config.ParseDurationField("notifier.retry_base", cfg.Notifier.RetryBase)
	notifMaxDelay, _ := config.ParseDurationField("notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay)
	notif := notifier.New(notifier.Config{
		Workers:       cfg.Notifier.Workers,
		QueueSize:     cfg.Notifier.QueueSize,
		RatePerSec:    cfg.Notifier.RatePerSec,
		RetryMax:      cfg.Notifier.RetryMax,
		RetryBase:     notifRetryBase,
		RetryMaxDelay: notifMaxDelay,
	}, adapter, log.With(logx.String("comp", "notifier")), bus)

	schedule, err := watch.ParseSchedule(cfg.Watch.PollSchedule)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, fmt.Errorf("watch.poll_schedule: %w", err)
	}
	var watchOpts []watch.Option
	if o.watchdog != nil {
		watchOpts = append(watchOpts, watch.WithWatchdog(o.watchdog))
	}
	watcher := watch.New(schedule, cfg.CooldownDuration(), store, resolver, notif, bus,
		log.With(logx.String("comp", "watch")), watchOpts...)

	router := bot.New(store, resolver, adapter, cfg.Telegram.AllowedUserIDs,
		log.With(logx.String("comp", "bot")))

	return &App{
		cfgm:     cfgm,
		logs:     logs,
		log:      log.With(logx.String("comp", "app")),
		bus:      bus,
		store:    store,
		adapter:  adapter,
		client:   client,
		resolver: resolver,
		notif:    notif,
		watcher:  watcher,
		router:   router,
		updates:  make(chan kit.Update, updateBuffer),
	}, nil
}

// Done is closed when the app's run context ends (fatal component error or
// external cancel).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

// Start brings every component up. A fatal error in any supervised goroutine
// cancels the run context; callers watch Done.
func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx,
		rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))),
		rtsup.WithCancelOnError(true),
	)

	a.notif.Start(a.sup.Context())

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return fmt.Errorf("start telegram adapter: %w", err)
	}

	a.sup.Go0("bot.dispatch", func(c context.Context) {
		a.router.Run(c, a.updates)
	})
	a.sup.Go0("watch.run", func(c context.Context) {
		a.watcher.Run(c)
	})
	a.sup.Go0("events.log", func(c context.Context) {
		a.logEvents(c)
	})

	// Best effort; the command menu is cosmetic.
	menuCtx, cancel := context.WithTimeout(a.sup.Context(), 10*time.Second)
	if err := a.adapter.UpdateMenuCommands(menuCtx, bot.Commands()); err != nil {
		a.log.Warn("update command menu", logx.Err(err))
	}
	cancel()

	a.startConfigReload()
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// logEvents surfaces operationally interesting bus events in the log.
func (a *App) logEvents(ctx context.Context) {
	events, unsub := a.bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Type {
			case eventbus.TypeKeyRotated:
				a.log.Warn("api key rotated", logx.Any("data", ev.Data))
			case eventbus.TypeNotifyFailed:
				a.log.Warn("notification failed", logx.Any("data", ev.Data))
			}
		}
	}
}

// startConfigReload applies hot-reloadable settings when the config file
// changes. Only logging is applied live; everything else needs a restart and
// is called out in the log.
func (a *App) startConfigReload() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case cfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							cfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.logs.Apply(logx.Config{
					Level:   cfg.Logging.Level,
					Console: cfg.ConsoleLogging(),
					File: logx.FileConfig{
						Enabled: cfg.Logging.File.Enabled,
						Path:    cfg.Logging.File.Path,
					},
				})
				if last != nil && restartNeeded(last, cfg) {
					a.log.Warn("config changed in sections that require a restart to take effect")
				}
				last = cfg
				a.log.Info("config reloaded")
			}
		}
	})
}

// restartNeeded reports whether a reload touched settings that are only read
// at construction time.
func restartNeeded(old, cur *config.Config) bool {
	return old.Telegram.Token != cur.Telegram.Token ||
		old.Telegram.PollTimeout != cur.Telegram.PollTimeout ||
		!slices.Equal(old.Telegram.AllowedUserIDs, cur.Telegram.AllowedUserIDs) ||
		!slices.Equal(old.YouTube.APIKeys, cur.YouTube.APIKeys) ||
		old.YouTube.RetryAttempts != cur.YouTube.RetryAttempts ||
		old.YouTube.RetryBase != cur.YouTube.RetryBase ||
		old.YouTube.HTTPTimeout != cur.YouTube.HTTPTimeout ||
		old.Watch != cur.Watch ||
		old.Notifier != cur.Notifier ||
		old.Storage != cur.Storage
}

// Stop shuts components down in reverse start order. Each step is bounded so
// one stuck component cannot stall the whole shutdown.
func (a *App) Stop(ctx context.Context) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping")
	a.sup.Cancel()

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem > 0 && rem < max {
					max = rem
				}
			}
			stepCtx, cancel = context.WithTimeout(ctx, max)
			defer cancel()
		}
		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			return
		}
		a.log.Debug("stop step done", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("notifier", 5*time.Second, func(c context.Context) error {
		a.notif.Stop(c)
		return nil
	})
	step("adapter", 3*time.Second, a.adapter.Stop)
	step("supervisor", 3*time.Second, a.sup.Wait)
	step("storage", time.Second, func(context.Context) error {
		return a.store.Close()
	})

	a.log.Info("stopped")
	err := a.logs.Close()
	return err
}
