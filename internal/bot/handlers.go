package bot

import (
	"context"
	"strconv"
	"strings"

	"saharbot/internal/storage"
	"saharbot/internal/texts"
	"saharbot/internal/transport"
	"saharbot/pkg/logx"
)

func (s *Service) handleMessage(ctx context.Context, m *transport.Message) {
	cmd, args := splitCommand(m.Text)
	switch cmd {
	case "/start":
		s.cmdStart(ctx, m)
	case "/today":
		s.cmdToday(ctx, m)
	case "/settings":
		s.cmdSettings(ctx, m)
	case "/admin":
		s.cmdAdmin(ctx, m)
	case "/broadcast":
		s.cmdBroadcast(ctx, m, args)
	default:
		s.handlePlainText(ctx, m)
	}
}

func (s *Service) cmdStart(ctx context.Context, m *transport.Message) {
	if u, ok := s.touchUser(ctx, m); ok {
		s.send(ctx, m.ChatID, texts.T(u.Lang, "start"),
			&transport.SendOptions{ReplyMarkupAdapter: mainKB(u.Lang).Markup()})
		return
	}

	ses := s.session(m.ChatID)
	s.smu.Lock()
	inProgress := ses.stage != stageNone
	if !inProgress {
		ses.stage = stageLang
	}
	s.smu.Unlock()
	if inProgress {
		s.send(ctx, m.ChatID, texts.T(texts.DefaultLang, "onboarding_in_progress"), nil)
		return
	}
	s.send(ctx, m.ChatID, "Tilni tanlang / Выберите язык:",
		&transport.SendOptions{ReplyMarkupAdapter: langKB("onb_lang_").Markup()})
}

func (s *Service) cmdToday(ctx context.Context, m *transport.Message) {
	u, ok := s.requireUser(ctx, m)
	if !ok {
		return
	}
	s.send(ctx, m.ChatID, s.timesText(u, s.userNow(u)),
		&transport.SendOptions{ReplyMarkupAdapter: mainKB(u.Lang).Markup()})
}

func (s *Service) cmdSettings(ctx context.Context, m *transport.Message) {
	u, ok := s.requireUser(ctx, m)
	if !ok {
		return
	}
	s.send(ctx, m.ChatID, texts.T(u.Lang, "settings_title"),
		&transport.SendOptions{ReplyMarkupAdapter: settingsKB(u.Lang).Markup()})
}

// requireUser resolves the sender or points them at /start.
func (s *Service) requireUser(ctx context.Context, m *transport.Message) (storage.User, bool) {
	u, ok := s.touchUser(ctx, m)
	if !ok {
		s.send(ctx, m.ChatID, texts.T(texts.DefaultLang, "please_restart"), nil)
	}
	return u, ok
}

func (s *Service) handlePlainText(ctx context.Context, m *transport.Message) {
	ses := s.session(m.ChatID)
	s.smu.Lock()
	onboarding := ses.stage != stageNone
	broadcasting := ses.broadcast
	if broadcasting {
		ses.broadcast = false
	}
	s.smu.Unlock()

	if onboarding {
		s.send(ctx, m.ChatID, texts.T(texts.DefaultLang, "use_buttons"), nil)
		return
	}
	if broadcasting && s.isAdmin(m.FromID) && strings.TrimSpace(m.Text) != "" {
		s.runBroadcast(ctx, m.ChatID, m.Text)
	}
}

func (s *Service) handleCallback(ctx context.Context, cb *transport.Callback) {
	if err := s.adapter.AnswerCallback(ctx, cb.ID, ""); err != nil {
		s.log.Debug("callback answer failed", logx.Err(err))
	}

	data := cb.Data
	switch {
	case data == "cancel_broadcast":
		s.cbCancelBroadcast(ctx, cb)
		return
	case strings.HasPrefix(data, "onb_lang_"):
		s.cbOnboardLang(ctx, cb, strings.TrimPrefix(data, "onb_lang_"))
		return
	case strings.HasPrefix(data, "onb_city_"):
		s.cbOnboardCity(ctx, cb, strings.TrimPrefix(data, "onb_city_"))
		return
	}

	u, ok, err := s.store.GetUser(ctx, cb.ChatID)
	if err != nil {
		s.log.Error("user lookup failed", logx.Int64("chat", cb.ChatID), logx.Err(err))
		return
	}
	if !ok {
		s.edit(ctx, cb, texts.T(texts.DefaultLang, "please_restart"), nil)
		return
	}

	switch {
	case data == "run_countdown":
		s.edit(ctx, cb, s.countdownText(u, s.userNow(u)),
			&transport.SendOptions{ReplyMarkupAdapter: mainKB(u.Lang).Markup()})

	case data == "day_today" || data == "day_tomorrow":
		day := s.userNow(u)
		if data == "day_tomorrow" {
			day = day.AddDate(0, 0, 1)
		}
		s.edit(ctx, cb, s.timesText(u, day),
			&transport.SendOptions{ReplyMarkupAdapter: mainKB(u.Lang).Markup()})

	case data == "menu_settings":
		s.edit(ctx, cb, texts.T(u.Lang, "settings_title"),
			&transport.SendOptions{ReplyMarkupAdapter: settingsKB(u.Lang).Markup()})

	case data == "back_main":
		s.edit(ctx, cb, texts.T(u.Lang, "start"),
			&transport.SendOptions{ReplyMarkupAdapter: mainKB(u.Lang).Markup()})

	case data == "set_lang":
		s.edit(ctx, cb, texts.T(u.Lang, "choose_lang"),
			&transport.SendOptions{ReplyMarkupAdapter: langKB("lang_").Markup()})

	case strings.HasPrefix(data, "lang_"):
		lang := strings.TrimPrefix(data, "lang_")
		if !validLang(lang) {
			return
		}
		s.updatePref(ctx, cb, u, "lang_changed", lang, func(u *storage.User) { u.Lang = lang })

	case data == "set_city":
		s.edit(ctx, cb, texts.T(u.Lang, "choose_city"),
			&transport.SendOptions{ReplyMarkupAdapter: cityKB("city_").Markup()})

	case strings.HasPrefix(data, "city_"):
		city := strings.TrimPrefix(data, "city_")
		if !validCity(city) {
			return
		}
		s.updatePref(ctx, cb, u, "city_changed", u.Lang, func(u *storage.User) { u.City = city })

	case data == "set_remind":
		s.edit(ctx, cb, texts.T(u.Lang, "choose_rem"),
			&transport.SendOptions{ReplyMarkupAdapter: remindKB(u.Lang, u.RemindMinutes).Markup()})

	case strings.HasPrefix(data, "rem_"):
		min, err := strconv.Atoi(strings.TrimPrefix(data, "rem_"))
		if err != nil || !validRemind(min) {
			return
		}
		s.updatePref(ctx, cb, u, "remind_changed", u.Lang, func(u *storage.User) { u.RemindMinutes = min })

	case strings.HasPrefix(data, "admin_"):
		s.handleAdminCallback(ctx, cb, data)
	}
}

// updatePref persists one settings change and confirms it in the language
// that applies after the change.
func (s *Service) updatePref(ctx context.Context, cb *transport.Callback, u storage.User, confirmKey, confirmLang string, fn func(*storage.User)) {
	if _, err := s.store.UpdateUser(ctx, u.ID, fn); err != nil {
		s.log.Error("preference update failed", logx.Int64("chat", u.ID), logx.Err(err))
		return
	}
	s.edit(ctx, cb, texts.T(confirmLang, confirmKey),
		&transport.SendOptions{ReplyMarkupAdapter: mainKB(confirmLang).Markup()})
}

func (s *Service) cbOnboardLang(ctx context.Context, cb *transport.Callback, lang string) {
	ses := s.session(cb.ChatID)
	s.smu.Lock()
	ok := ses.stage == stageLang && validLang(lang)
	if ok {
		ses.lang = lang
		ses.stage = stageCity
	}
	s.smu.Unlock()
	if !ok {
		s.edit(ctx, cb, texts.T(texts.DefaultLang, "action_expired"), nil)
		return
	}
	s.edit(ctx, cb, "Shaharni tanlang / Выберите город:",
		&transport.SendOptions{ReplyMarkupAdapter: cityKB("onb_city_").Markup()})
}

func (s *Service) cbOnboardCity(ctx context.Context, cb *transport.Callback, city string) {
	ses := s.session(cb.ChatID)
	s.smu.Lock()
	ok := ses.stage == stageCity && validCity(city)
	lang := ses.lang
	if ok {
		ses.stage = stageNone
		ses.lang = ""
	}
	s.smu.Unlock()
	if !ok {
		s.edit(ctx, cb, texts.T(texts.DefaultLang, "action_expired"), nil)
		return
	}
	if lang == "" {
		lang = texts.DefaultLang
	}

	stamp := s.nowStamp()
	err := s.store.PutUser(ctx, storage.User{
		ID:            cb.ChatID,
		Lang:          lang,
		City:          city,
		RemindMinutes: 10,
		Joined:        stamp,
		LastActive:    stamp,
	})
	if err != nil {
		s.log.Error("user registration failed", logx.Int64("chat", cb.ChatID), logx.Err(err))
		return
	}
	s.log.Info("user registered", logx.Int64("chat", cb.ChatID),
		logx.String("lang", lang), logx.String("city", city))
	s.edit(ctx, cb, texts.T(lang, "start"),
		&transport.SendOptions{ReplyMarkupAdapter: mainKB(lang).Markup()})
}

func validLang(lang string) bool { return lang == "uz" || lang == "ru" }

func validCity(city string) bool {
	return city == "tashkent" || city == "bremen"
}

func validRemind(min int) bool { return min == 5 || min == 10 || min == 15 }
