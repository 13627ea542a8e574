// Package app wires configuration, storage, transport and the reminder
// engine into one runnable unit with ordered startup and shutdown.
package app

import (
	"context"
	"fmt"
	"time"

	"saharbot/internal/bot"
	"saharbot/internal/config"
	"saharbot/internal/eventbus"
	"saharbot/internal/reminder"
	"saharbot/internal/runtime/supervisor"
	"saharbot/internal/schedule"
	"saharbot/internal/storage"
	"saharbot/internal/ticker"
	"saharbot/internal/transport"
	"saharbot/internal/transport/telegram"
	"saharbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	logs *logx.Service
	log  logx.Logger

	bus      eventbus.Bus
	store    storage.Store
	adapter  *telegram.Adapter
	resolver *schedule.Resolver
	rem      *reminder.Service
	tick     *ticker.Service
	bot      *bot.Service

	sup     *supervisor.Supervisor
	updates chan transport.Update

	home      *time.Location
	compactAt string
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogConfig(cfg))
	log = log.With(logx.String("comp", "app"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, log.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		return nil, err
	}
	home, err := time.LoadLocation(remCfg.HomeTimezone)
	if err != nil {
		return nil, fmt.Errorf("reminder.home_timezone: %w", err)
	}

	busyTimeout, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(storage.Config{
		Driver:      cfg.Storage.Driver,
		Dir:         cfg.Storage.Dir,
		BusyTimeout: busyTimeout,
	}, home, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", storageDriverName(cfg)), logx.String("dir", cfg.Storage.Dir))

	resolver := schedule.NewResolver(schedule.Config{Dir: cfg.Schedule.Dir}, log.With(logx.String("comp", "schedule")))

	bus := eventbus.New()

	rem := reminder.New(remCfg, store, resolver, ad, bus, log.With(logx.String("comp", "reminder")))

	tick := ticker.New(ticker.Config{
		Workers:  2,
		Timezone: remCfg.HomeTimezone,
	}, log.With(logx.String("comp", "ticker")))

	botSvc := bot.New(bot.Config{
		AdminIDs:      cfg.Telegram.AdminUserIDs,
		UsersPerPage:  cfg.Bot.UsersPerPage,
		BroadcastRate: cfg.Bot.BroadcastRate,
	}, ad, store, resolver, log.With(logx.String("comp", "bot")))

	compactAt := cfg.Reminder.CompactAt
	if compactAt == "" {
		compactAt = "03:30"
	}

	return &App{
		cfgm:      cfgm,
		logs:      logSvc,
		log:       log,
		bus:       bus,
		store:     store,
		adapter:   ad,
		resolver:  resolver,
		rem:       rem,
		tick:      tick,
		bot:       botSvc,
		updates:   make(chan transport.Update, 256),
		home:      home,
		compactAt: compactAt,
	}, nil
}

// Done closes when the app's run context ends (fatal component error or
// external cancellation). Err reports the first fatal error, if any.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.NewSupervisor(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// Transactional config reload: validate before commit/publish.
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.rem.Start(a.sup.Context())

	if err := a.tick.AddInterval("reminder.tick", a.rem.TickInterval(), a.rem.TickInterval(), func(c context.Context) error {
		return a.rem.RunTick(c)
	}); err != nil {
		return err
	}
	if err := a.tick.AddDaily("tracker.compact", a.compactAt, 30*time.Second, func(c context.Context) error {
		return a.store.CompactTracker(c, time.Now().In(a.home))
	}); err != nil {
		return err
	}
	a.tick.Start(a.sup.Context())

	a.bot.PublishCommandMenu(a.sup.Context())
	a.sup.Go0("bot.dispatch", func(c context.Context) {
		a.bot.Run(c, a.updates)
	})

	// Delivery events are already logged by the engine; keep the bus tap at
	// debug level for correlation during incident review.
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	// Hot reload fan-out.
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config in the channel.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// applyConfig pushes a validated config into the running components.
// Logging and reminder settings take effect immediately; storage and
// telegram changes need a restart and are only flagged.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	if old != nil {
		if cfg.Storage != old.Storage {
			a.log.Warn("storage config changed; restart required for changes to take effect")
		}
		if cfg.Telegram.Token != old.Telegram.Token || cfg.Telegram.PollTimeout != old.Telegram.PollTimeout {
			a.log.Warn("telegram config changed; restart required for changes to take effect")
		}
		if cfg.Schedule != old.Schedule {
			a.log.Warn("schedule dir changed; restart required for changes to take effect")
		}
	}

	a.logs.Apply(mapLogConfig(cfg))

	// Timetable edits on disk are picked up by dropping the cache; the
	// next tick or /today re-reads the files.
	a.resolver.Invalidate("")

	remCfg, err := mapReminderConfig(cfg)
	if err != nil {
		a.log.Warn("invalid reminder config; keeping previous", logx.Err(err))
	} else {
		a.rem.Apply(remCfg)
	}

	a.log.Info("config reloaded")
}

type StopReason string

const (
	StopReasonSignal   StopReason = "signal"
	StopReasonFatalErr StopReason = "fatal-error"
)

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context first so background loops start unwinding.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component
	// can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				rem := time.Until(dl)
				if rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
		}

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			// Contract: fn MUST honor stepCtx and return promptly. If it
			// doesn't, log a leak signal when it eventually finishes.
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", time.Since(start)))
				}
			}()
		}
	}

	// Quiesce producers before consumers: no new ticks, then drain the
	// engine's send queue, then close the transport, then storage.
	step("ticker", 2*time.Second, func(c context.Context) error { a.tick.Stop(c); return nil })
	step("reminder", 3*time.Second, func(c context.Context) error { a.rem.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func mapLogConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapReminderConfig(cfg *config.Config) (reminder.Config, error) {
	tickInterval, err := config.ParseDurationOrDefault("reminder.tick_interval", cfg.Reminder.TickInterval, time.Minute)
	if err != nil {
		return reminder.Config{}, err
	}
	lateWindow, err := config.ParseDurationOrDefault("reminder.late_window", cfg.Reminder.LateWindow, 2*time.Minute)
	if err != nil {
		return reminder.Config{}, err
	}
	congratsWindow, err := config.ParseDurationOrDefault("reminder.congrats_window", cfg.Reminder.CongratsWindow, 2*time.Minute)
	if err != nil {
		return reminder.Config{}, err
	}
	retryAfter, err := config.ParseDurationOrDefault("reminder.default_retry_after", cfg.Reminder.DefaultRetryAfter, 5*time.Second)
	if err != nil {
		return reminder.Config{}, err
	}
	homeTZ := cfg.Reminder.HomeTimezone
	if homeTZ == "" {
		homeTZ = "Asia/Tashkent"
	}
	return reminder.Config{
		TickInterval:      tickInterval,
		LateWindow:        lateWindow,
		CongratsWindow:    congratsWindow,
		RetryMax:          cfg.Reminder.RetryMax,
		DefaultRetryAfter: retryAfter,
		RatePerSec:        cfg.Reminder.RatePerSec,
		SendWorkers:       cfg.Reminder.SendWorkers,
		HomeTimezone:      homeTZ,
	}, nil
}

func storageDriverName(cfg *config.Config) string {
	if cfg.Storage.Driver == "" {
		return "file"
	}
	return cfg.Storage.Driver
}
