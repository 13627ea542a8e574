// Package bot is the chat-facing layer: commands, inline menus, onboarding
// and the admin panel. It consumes updates from a transport adapter and talks
// back through the same adapter, so nothing here knows about Telegram beyond
// the keyboard markup type.
package bot

import (
	"context"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"saharbot/internal/schedule"
	"saharbot/internal/storage"
	"saharbot/internal/texts"
	"saharbot/internal/transport"
	"saharbot/pkg/logx"
)

type Config struct {
	AdminIDs     []int64
	UsersPerPage int
	// BroadcastRate caps broadcast fan-out in messages per second.
	BroadcastRate int
}

const (
	stageNone = ""
	stageLang = "lang"
	stageCity = "city"
)

// session is per-chat conversational state: onboarding progress and the
// admin broadcast mode. It is in-memory only; a restart simply drops
// half-finished flows.
type session struct {
	stage     string
	lang      string
	broadcast bool
}

type Service struct {
	log      logx.Logger
	cfg      Config
	adapter  transport.Adapter
	store    storage.Store
	resolver *schedule.Resolver

	broadcastLimit *rate.Limiter

	smu      sync.Mutex
	sessions map[int64]*session

	// now is swapped out in tests.
	now func() time.Time

	wg sync.WaitGroup
}

func New(cfg Config, adapter transport.Adapter, store storage.Store, resolver *schedule.Resolver, log logx.Logger) *Service {
	if cfg.UsersPerPage <= 0 {
		cfg.UsersPerPage = 15
	}
	if cfg.BroadcastRate <= 0 {
		cfg.BroadcastRate = 20
	}
	return &Service{
		log:            log,
		cfg:            cfg,
		adapter:        adapter,
		store:          store,
		resolver:       resolver,
		broadcastLimit: rate.NewLimiter(rate.Limit(cfg.BroadcastRate), cfg.BroadcastRate),
		sessions:       map[int64]*session{},
		now:            time.Now,
	}
}

// Run consumes updates until ctx is cancelled or the channel closes. Each
// update is handled on its own goroutine so one slow chat cannot stall the
// rest.
func (s *Service) Run(ctx context.Context, updates <-chan transport.Update) {
	for {
		select {
		case <-ctx.Done():
			s.wg.Wait()
			return
		case up, ok := <-updates:
			if !ok {
				s.wg.Wait()
				return
			}
			s.wg.Add(1)
			go func(up transport.Update) {
				defer s.wg.Done()
				defer func() {
					if r := recover(); r != nil {
						s.log.Error("panic handling update",
							logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
					}
				}()
				s.dispatch(ctx, up)
			}(up)
		}
	}
}

func (s *Service) dispatch(ctx context.Context, up transport.Update) {
	switch up.Kind {
	case transport.UpdateMessage:
		if up.Message != nil {
			s.handleMessage(ctx, up.Message)
		}
	case transport.UpdateCallback:
		if up.Callback != nil {
			s.handleCallback(ctx, up.Callback)
		}
	}
}

// PublishCommandMenu installs the per-language command list when the adapter
// supports it.
func (s *Service) PublishCommandMenu(ctx context.Context) {
	updater, ok := s.adapter.(transport.CommandMenuUpdater)
	if !ok {
		return
	}
	for _, lang := range texts.Langs() {
		cmds := []transport.BotCommand{
			{Command: "start", Description: texts.T(lang, "cmd_start")},
			{Command: "today", Description: texts.T(lang, "cmd_today")},
			{Command: "settings", Description: texts.T(lang, "cmd_settings")},
		}
		if err := updater.UpdateMenuCommands(ctx, lang, cmds); err != nil {
			s.log.Warn("command menu update failed", logx.String("lang", lang), logx.Err(err))
		}
	}
}

func (s *Service) session(chatID int64) *session {
	s.smu.Lock()
	defer s.smu.Unlock()
	ses, ok := s.sessions[chatID]
	if !ok {
		ses = &session{}
		s.sessions[chatID] = ses
	}
	return ses
}

func (s *Service) isAdmin(id int64) bool {
	for _, a := range s.cfg.AdminIDs {
		if a == id {
			return true
		}
	}
	return false
}

// touchUser refreshes name and activity on every interaction of a known user.
func (s *Service) touchUser(ctx context.Context, m *transport.Message) (storage.User, bool) {
	u, ok, err := s.store.GetUser(ctx, m.ChatID)
	if err != nil {
		s.log.Error("user lookup failed", logx.Int64("chat", m.ChatID), logx.Err(err))
		return storage.User{}, false
	}
	if !ok {
		return storage.User{}, false
	}
	stamp := s.nowStamp()
	_, err = s.store.UpdateUser(ctx, m.ChatID, func(u *storage.User) {
		if m.FromName != "" {
			u.FirstName = m.FromName
		}
		u.Username = m.FromUsername
		u.LastActive = stamp
	})
	if err != nil {
		s.log.Error("activity update failed", logx.Int64("chat", m.ChatID), logx.Err(err))
	}
	u.LastActive = stamp
	return u, true
}

func (s *Service) nowStamp() string {
	loc, err := time.LoadLocation("Asia/Tashkent")
	if err != nil {
		loc = time.UTC
	}
	return s.now().In(loc).Format("2006-01-02 15:04:05")
}

func (s *Service) send(ctx context.Context, chatID int64, text string, opt *transport.SendOptions) {
	if _, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: chatID}, text, opt); err != nil {
		s.log.Warn("send failed", logx.Int64("chat", chatID), logx.Err(err))
	}
}

func (s *Service) edit(ctx context.Context, cb *transport.Callback, text string, opt *transport.SendOptions) {
	ref := transport.MessageRef{ChatID: cb.ChatID, MessageID: cb.MessageID}
	if err := s.adapter.EditText(ctx, ref, text, opt); err != nil {
		s.log.Warn("edit failed", logx.Int64("chat", cb.ChatID), logx.Err(err))
	}
}

func splitCommand(text string) (cmd, args string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	cmd, args, _ = strings.Cut(text, " ")
	// "/start@saharbot" form
	cmd, _, _ = strings.Cut(cmd, "@")
	return cmd, strings.TrimSpace(args)
}
