// Package ticker runs the recurring jobs of the bot: the reminder tick and
// the nightly tracker compaction. Jobs are registered as cron entries and
// executed on a small worker pool so a slow job cannot stall the cron loop.
package ticker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"saharbot/pkg/logx"
)

type Config struct {
	Workers  int
	Timezone string // IANA TZ for daily jobs, e.g. "Asia/Tashkent"
}

type task struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context) error
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	job     func(ctx context.Context) error
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config

	parser cron.Parser
	c      *cron.Cron
	defs   []jobDef

	queue  chan task
	stopCh chan struct{}
}

func New(cfg Config, log logx.Logger) *Service {
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 2
	}
	s.queue = make(chan task, 64)

	loc := s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		s.addLocked(d)
	}

	for i := 0; i < workers; i++ {
		go s.worker(ctx, s.queue, s.stopCh)
	}
	s.c.Start()
	s.log.Info("ticker started", logx.Int("workers", workers), logx.String("tz", loc.String()))
}

func (s *Service) Stop(ctx context.Context) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh == nil {
		return
	}
	close(s.stopCh)
	s.stopCh = nil
	if s.c != nil {
		<-s.c.Stop().Done()
		s.c = nil
	}
	s.log.Info("ticker stopped")
}

// AddInterval registers job to run every `every`. Registration before Start
// is allowed; the entry is installed when the cron loop starts.
func (s *Service) AddInterval(name string, every, timeout time.Duration, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("ticker: interval for %q must be positive", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := jobDef{name: name, spec: fmt.Sprintf("@every %s", every), timeout: timeout, job: job}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

// AddDaily registers job to run once a day at HH:MM in the service timezone.
func (s *Service) AddDaily(name, atHHMM string, timeout time.Duration, job func(ctx context.Context) error) error {
	hm, err := time.Parse("15:04", strings.TrimSpace(atHHMM))
	if err != nil {
		return fmt.Errorf("ticker: invalid time %q for %q, expected HH:MM", atHHMM, name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	d := jobDef{
		name:    name,
		spec:    fmt.Sprintf("%d %d * * *", hm.Minute(), hm.Hour()),
		timeout: timeout,
		job:     job,
	}
	s.defs = append(s.defs, d)
	if s.c != nil {
		return s.addLocked(d)
	}
	return nil
}

func (s *Service) addLocked(d jobDef) error {
	_, err := s.c.AddFunc(d.spec, func() {
		select {
		case s.queue <- task{name: d.name, timeout: d.timeout, run: d.job}:
		default:
			s.log.Warn("ticker queue full, dropping run", logx.String("job", d.name))
		}
	})
	return err
}

func (s *Service) worker(ctx context.Context, queue <-chan task, stop <-chan struct{}) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case t := <-queue:
			s.runOne(ctx, t)
		}
	}
}

func (s *Service) runOne(ctx context.Context, t task) {
	start := time.Now()
	runCtx := ctx
	if t.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, t.timeout)
		defer cancel()
	}
	err := t.run(runCtx)
	switch {
	case err == nil:
		s.log.Debug("job ok", logx.String("job", t.name), logx.Duration("took", time.Since(start)))
	case errors.Is(err, context.Canceled):
	default:
		s.log.Warn("job failed", logx.String("job", t.name), logx.Err(err))
	}
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}
