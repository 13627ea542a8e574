// Package reminder implements the notification engine: a periodic sweep over
// all users that arms in-process timers for upcoming reminders, sends
// recently missed ones immediately, and skips everything older. The durable
// tracker in storage keeps every reminder at-most-once per user, event and
// day across restarts.
package reminder

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"saharbot/internal/eventbus"
	"saharbot/internal/schedule"
	"saharbot/internal/storage"
	"saharbot/internal/texts"
	"saharbot/internal/transport"
	"saharbot/pkg/logx"
)

type Config struct {
	TickInterval      time.Duration
	LateWindow        time.Duration
	CongratsWindow    time.Duration
	RetryMax          int
	DefaultRetryAfter time.Duration
	RatePerSec        int
	SendWorkers       int
	HomeTimezone      string // reference zone for "today", e.g. "Asia/Tashkent"
}

func (c *Config) setDefaults() {
	if c.TickInterval <= 0 {
		c.TickInterval = time.Minute
	}
	if c.LateWindow <= 0 {
		c.LateWindow = 2 * time.Minute
	}
	if c.CongratsWindow <= 0 {
		c.CongratsWindow = 2 * time.Minute
	}
	if c.RetryMax <= 0 {
		c.RetryMax = 3
	}
	if c.DefaultRetryAfter <= 0 {
		c.DefaultRetryAfter = 5 * time.Second
	}
	if c.RatePerSec <= 0 {
		c.RatePerSec = 25
	}
	if c.SendWorkers <= 0 {
		c.SendWorkers = 4
	}
	if c.HomeTimezone == "" {
		c.HomeTimezone = "Asia/Tashkent"
	}
}

// Sender is the transport slice the engine needs.
type Sender interface {
	SendText(ctx context.Context, to transport.ChatTarget, text string, opt *transport.SendOptions) (transport.MessageRef, error)
}

type sendJob struct {
	user storage.User
	key  storage.Key
	msg  string
}

// Service drives reminder delivery. One instance per bot.
type Service struct {
	mu sync.Mutex

	log      logx.Logger
	cfg      Config
	store    storage.Store
	resolver *schedule.Resolver
	sender   Sender
	bus      eventbus.Bus
	limiter  *rate.Limiter
	home     *time.Location

	// now and sleep are swapped out in tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	queue    chan sendJob
	stopCh   chan struct{}
	wg       sync.WaitGroup
	inflight map[string]struct{}

	tmu    sync.Mutex
	timers map[string]*time.Timer
}

func New(cfg Config, store storage.Store, resolver *schedule.Resolver, sender Sender, bus eventbus.Bus, log logx.Logger) *Service {
	cfg.setDefaults()
	home, err := time.LoadLocation(cfg.HomeTimezone)
	if err != nil {
		log.Warn("invalid home timezone, using UTC", logx.String("tz", cfg.HomeTimezone), logx.Err(err))
		home = time.UTC
	}
	return &Service{
		log:      log,
		cfg:      cfg,
		store:    store,
		resolver: resolver,
		sender:   sender,
		bus:      bus,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec),
		home:     home,
		now:      time.Now,
		sleep:    sleepCtx,
		inflight: map[string]struct{}{},
		timers:   map[string]*time.Timer{},
	}
}

// Home is the reference location for tracker pruning and the daily jobs.
func (s *Service) Home() *time.Location { return s.home }

// TickInterval is exposed for the caller registering the periodic job.
func (s *Service) TickInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.TickInterval
}

// Apply updates the runtime-tunable parts of the config. Tick interval
// changes take effect on the next job registration, not retroactively.
func (s *Service) Apply(cfg Config) {
	cfg.setDefaults()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg.LateWindow = cfg.LateWindow
	s.cfg.CongratsWindow = cfg.CongratsWindow
	s.cfg.RetryMax = cfg.RetryMax
	s.cfg.DefaultRetryAfter = cfg.DefaultRetryAfter
	if cfg.RatePerSec != s.cfg.RatePerSec {
		s.cfg.RatePerSec = cfg.RatePerSec
		s.limiter.SetLimit(rate.Limit(cfg.RatePerSec))
		s.limiter.SetBurst(cfg.RatePerSec)
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.queue = make(chan sendJob, 256)
	for i := 0; i < s.cfg.SendWorkers; i++ {
		s.wg.Add(1)
		go s.worker(ctx)
	}
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	s.mu.Unlock()

	s.tmu.Lock()
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = map[string]*time.Timer{}
	s.tmu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// RunTick is the periodic sweep. It never returns a per-user error; a broken
// user record must not block reminders for everyone else.
func (s *Service) RunTick(ctx context.Context) error {
	now := s.now()

	users, err := s.store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("reminder: list users: %w", err)
	}
	for _, u := range users {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.tickUser(ctx, u, now)
	}
	return nil
}

func (s *Service) tickUser(ctx context.Context, u storage.User, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic while ticking user",
				logx.Int64("user", u.ID), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	s.mu.Lock()
	lateWindow := s.cfg.LateWindow
	congratsWindow := s.cfg.CongratsWindow
	s.mu.Unlock()

	city := u.City
	if city == "" {
		city = "tashkent"
	}
	remindMin := u.RemindMinutes
	if remindMin <= 0 {
		remindMin = 10
	}

	// The tracker date follows the user's city, same as the timetable lookup.
	// Using the home zone here would split the key date and the event date
	// for a few hours every night in western cities.
	today := now.In(schedule.Zone(city)).Format(schedule.DateFormat)

	for _, event := range []string{schedule.EventSuhoor, schedule.EventIftar} {
		eventAt, ok := s.resolver.EventTime(city, event, now)
		if !ok {
			continue
		}
		key := storage.Key{UserID: u.ID, Event: event, Date: today}

		delivered, err := s.store.IsDelivered(ctx, key)
		if err != nil {
			s.log.Error("tracker lookup failed", logx.String("key", key.String()), logx.Err(err))
			continue
		}
		if !delivered {
			remindAt := eventAt.Add(-time.Duration(remindMin) * time.Minute)
			until := remindAt.Sub(now)
			msg := s.reminderMessage(u, event, remindMin, eventAt, now)
			switch {
			case until > 0:
				s.armTimer(key, until, sendJob{user: u, key: key, msg: msg})
			case until >= -lateWindow:
				s.log.Warn("reminder past due, sending now",
					logx.String("key", key.String()), logx.Duration("late", -until))
				s.submit(sendJob{user: u, key: key, msg: msg})
			default:
				// Too old. The tracker stays unset; the date rolls over
				// before this branch could repeat forever.
			}
		}

		// Congrats ride the same sweep but track via user flags, so a
		// failed reminder does not suppress them and vice versa.
		sinceEvent := now.Sub(eventAt)
		if sinceEvent >= 0 && sinceEvent <= congratsWindow && !u.CongratulatedOn(event, today) {
			s.sendCongrats(ctx, u, event, today)
		}
	}
}

// armTimer schedules a one-shot send at the reminder instant. Re-arming the
// same key is a no-op, so repeated ticks before the due time don't stack
// duplicate timers.
func (s *Service) armTimer(key storage.Key, d time.Duration, j sendJob) {
	ks := key.String()
	s.tmu.Lock()
	defer s.tmu.Unlock()
	if _, exists := s.timers[ks]; exists {
		return
	}
	s.timers[ks] = time.AfterFunc(d, func() {
		s.tmu.Lock()
		delete(s.timers, ks)
		s.tmu.Unlock()

		// The sweep's context is long gone when the timer fires.
		delivered, err := s.store.IsDelivered(context.Background(), j.key)
		if err != nil {
			s.log.Error("tracker lookup failed", logx.String("key", ks), logx.Err(err))
			return
		}
		if delivered {
			return
		}
		s.submit(j)
	})
	s.log.Debug("reminder armed", logx.String("key", ks), logx.Duration("in", d))
}

// submit claims the key before enqueueing. A key already claimed, either
// waiting in the queue or mid-delivery in a worker, is not queued again; the
// next sweep re-evaluates it after the claim is released.
func (s *Service) submit(j sendJob) {
	ks := j.key.String()
	s.mu.Lock()
	q := s.queue
	if q == nil {
		s.mu.Unlock()
		return
	}
	if _, busy := s.inflight[ks]; busy {
		s.mu.Unlock()
		s.log.Debug("send already in flight, skipping", logx.String("key", ks))
		return
	}
	s.inflight[ks] = struct{}{}
	s.mu.Unlock()

	select {
	case q <- j:
	default:
		s.release(ks)
		s.log.Warn("send queue full, job deferred to next tick", logx.String("key", ks))
	}
}

func (s *Service) release(ks string) {
	s.mu.Lock()
	delete(s.inflight, ks)
	s.mu.Unlock()
}

func (s *Service) worker(ctx context.Context) {
	defer s.wg.Done()
	s.mu.Lock()
	q := s.queue
	stop := s.stopCh
	s.mu.Unlock()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case j := <-q:
			s.deliver(ctx, j)
		}
	}
}

// deliver sends one reminder with flood-limit retries. The tracker is marked
// only after the transport accepted the message, so a crash mid-send
// re-attempts on the next sweep instead of silently losing the reminder.
// Every attempt re-reads the tracker first: a key that got delivered between
// queueing and this attempt must not be sent again.
func (s *Service) deliver(ctx context.Context, j sendJob) {
	defer s.release(j.key.String())

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	for attempt := 1; attempt <= cfg.RetryMax; attempt++ {
		delivered, derr := s.store.IsDelivered(ctx, j.key)
		if derr != nil {
			s.log.Error("tracker lookup failed, not sending", logx.String("key", j.key.String()), logx.Err(derr))
			return
		}
		if delivered {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		_, err := s.sender.SendText(ctx, transport.ChatTarget{ChatID: j.user.ID}, j.msg,
			&transport.SendOptions{ParseMode: "HTML"})
		if err == nil {
			if merr := s.store.MarkDelivered(ctx, j.key); merr != nil {
				s.log.Error("delivered but not recorded, duplicate possible",
					logx.String("key", j.key.String()), logx.Err(merr))
			}
			s.log.Info("reminder sent", logx.String("key", j.key.String()), logx.Int("attempt", attempt))
			s.publish("reminder.sent", j.key, "")
			return
		}

		var rl *transport.RateLimitedError
		if errors.As(err, &rl) {
			if attempt >= cfg.RetryMax {
				s.log.Error("flood limit retries exhausted", logx.String("key", j.key.String()))
				break
			}
			wait := rl.RetryAfter
			if wait <= 0 {
				wait = cfg.DefaultRetryAfter
			}
			wait += time.Second
			s.log.Warn("flood limited, backing off",
				logx.String("key", j.key.String()), logx.Duration("wait", wait),
				logx.Int("attempt", attempt), logx.Int("max", cfg.RetryMax))
			if serr := s.sleep(ctx, wait); serr != nil {
				return
			}
			continue
		}

		var perm *transport.PermanentError
		if errors.As(err, &perm) {
			s.log.Info("recipient unreachable, giving up",
				logx.String("key", j.key.String()), logx.String("reason", perm.Reason))
		} else {
			s.log.Error("reminder send failed", logx.String("key", j.key.String()), logx.Err(err))
		}
		s.publish("reminder.failed", j.key, err.Error())
		return
	}
	s.publish("reminder.failed", j.key, "flood limit retries exhausted")
}

// sendCongrats is best-effort: a single attempt, flagged on the user record
// on success so the next sweep inside the window does not repeat it.
func (s *Service) sendCongrats(ctx context.Context, u storage.User, event, today string) {
	var msg string
	switch event {
	case schedule.EventSuhoor:
		msg = fmt.Sprintf("%s\n\n%s\n\n%s",
			texts.T(u.Lang, "suhoor_ended"), texts.T(u.Lang, "fast_started"), texts.T(u.Lang, "ramadan_congrats"))
	case schedule.EventIftar:
		msg = fmt.Sprintf("%s\n\n%s\n\n%s",
			texts.T(u.Lang, "iftar_started"), texts.T(u.Lang, "fast_ended"), texts.T(u.Lang, "ramadan_congrats"))
	default:
		return
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return
	}
	if _, err := s.sender.SendText(ctx, transport.ChatTarget{ChatID: u.ID}, msg, nil); err != nil {
		s.log.Warn("congrats send failed", logx.Int64("user", u.ID), logx.String("event", event), logx.Err(err))
		return
	}
	if _, err := s.store.UpdateUser(ctx, u.ID, func(u *storage.User) {
		u.SetCongratulated(event, today)
	}); err != nil {
		s.log.Error("congrats flag not saved", logx.Int64("user", u.ID), logx.Err(err))
	}
	s.publish("reminder.congrats", storage.Key{UserID: u.ID, Event: event, Date: today}, "")
}

func (s *Service) reminderMessage(u storage.User, event string, remindMin int, eventAt, now time.Time) string {
	lang := u.Lang
	timeKey := "close_time"
	if event == schedule.EventIftar {
		timeKey = "open_time"
	}
	return fmt.Sprintf("📅 %s\n\n⏳ %s %d %s!\n🕰 %s: %s\n\n%s\n<i>%s</i>",
		texts.PrettyDate(lang, now.In(eventAt.Location())),
		texts.T(lang, event+"_rem_text"), remindMin, texts.T(lang, "minute"),
		texts.T(lang, timeKey), eventAt.Format("15:04"),
		texts.T(lang, event+"_dua_title"), texts.T(lang, event+"_dua"))
}

func (s *Service) publish(typ string, key storage.Key, errStr string) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: typ, Time: time.Now(), Data: DeliveryEvent{
		UserID: key.UserID, Event: key.Event, Date: key.Date, Error: errStr,
	}})
}

// DeliveryEvent is the bus payload for reminder.* events.
type DeliveryEvent struct {
	UserID int64
	Event  string
	Date   string
	Error  string
}

// PendingTimers reports how many one-shot reminders are currently armed.
func (s *Service) PendingTimers() int {
	s.tmu.Lock()
	defer s.tmu.Unlock()
	return len(s.timers)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
