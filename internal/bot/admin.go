package bot

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"saharbot/internal/storage"
	"saharbot/internal/transport"
	"saharbot/pkg/logx"
	"saharbot/pkg/tgui"
)

const broadcastPrompt = "📢 РЕЖИМ РАССЫЛКИ\n\n" +
	"Отправьте текст сообщения, и оно будет разослано всем пользователям.\n" +
	"Или нажмите «Отменить рассылку» для выхода из режима."

func (s *Service) cmdAdmin(ctx context.Context, m *transport.Message) {
	if !s.isAdmin(m.FromID) {
		return
	}
	ses := s.session(m.ChatID)
	s.smu.Lock()
	ses.broadcast = false
	s.smu.Unlock()
	s.send(ctx, m.ChatID, "🛠 Админ панель",
		&transport.SendOptions{ReplyMarkupAdapter: adminKB().Markup()})
}

func (s *Service) cmdBroadcast(ctx context.Context, m *transport.Message, args string) {
	if !s.isAdmin(m.FromID) {
		return
	}
	ses := s.session(m.ChatID)
	s.smu.Lock()
	already := ses.broadcast
	if args == "" && !already {
		ses.broadcast = true
	}
	s.smu.Unlock()

	if already {
		s.send(ctx, m.ChatID, "❌ Вы уже в режиме рассылки. Отправьте сообщение или нажмите «Отменить».",
			&transport.SendOptions{ReplyMarkupAdapter: cancelBroadcastKB().Markup()})
		return
	}
	if args == "" {
		s.send(ctx, m.ChatID, broadcastPrompt,
			&transport.SendOptions{ReplyMarkupAdapter: cancelBroadcastKB().Markup()})
		return
	}
	s.runBroadcast(ctx, m.ChatID, args)
}

// runBroadcast fans the message out to every user, editing a status message
// as it goes. Fan-out is paced by the broadcast limiter so it cannot trip the
// platform flood control for the whole bot.
func (s *Service) runBroadcast(ctx context.Context, adminChat int64, msg string) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.log.Error("broadcast user listing failed", logx.Err(err))
		return
	}
	total := len(users)
	status, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: adminChat},
		fmt.Sprintf("⏳ Начинаю рассылку...\nВсего пользователей: %d", total), nil)
	if err != nil {
		s.log.Error("broadcast status message failed", logx.Err(err))
	}

	sent, failed := 0, 0
	text := "📢 " + msg
	for _, u := range users {
		if ctx.Err() != nil {
			break
		}
		if err := s.broadcastLimit.Wait(ctx); err != nil {
			break
		}
		if _, err := s.adapter.SendText(ctx, transport.ChatTarget{ChatID: u.ID}, text, nil); err != nil {
			failed++
			s.log.Warn("broadcast send failed", logx.Int64("chat", u.ID), logx.Err(err))
			continue
		}
		sent++
		if sent%10 == 0 && status.MessageID != 0 {
			_ = s.adapter.EditText(ctx, status,
				fmt.Sprintf("⏳ Рассылка идет...\nОтправлено: %d/%d\nОшибок: %d", sent, total, failed), nil)
		}
	}

	summary := fmt.Sprintf("✅ Рассылка завершена!\n\n📤 Отправлено: %d\n❌ Ошибок: %d\n👥 Всего в базе: %d",
		sent, failed, total)
	if status.MessageID != 0 {
		if err := s.adapter.EditText(ctx, status, summary, nil); err != nil {
			s.send(ctx, adminChat, summary, nil)
		}
	} else {
		s.send(ctx, adminChat, summary, nil)
	}
	s.log.Info("broadcast finished", logx.Int("sent", sent), logx.Int("failed", failed), logx.Int("total", total))
}

func (s *Service) handleAdminCallback(ctx context.Context, cb *transport.Callback, data string) {
	if !s.isAdmin(cb.FromID) {
		if err := s.adapter.AnswerCallback(ctx, cb.ID, "❌ Нет доступа"); err != nil {
			s.log.Debug("callback answer failed", logx.Err(err))
		}
		return
	}

	switch {
	case strings.HasPrefix(data, "admin_users_"):
		page, _ := strconv.Atoi(strings.TrimPrefix(data, "admin_users_"))
		s.adminUsersPage(ctx, cb, page)

	case strings.HasPrefix(data, "admin_user_"):
		rest := strings.TrimPrefix(data, "admin_user_")
		idStr, pageStr, _ := strings.Cut(rest, "_")
		id, err := strconv.ParseInt(idStr, 10, 64)
		if err != nil {
			return
		}
		page, _ := strconv.Atoi(pageStr)
		s.adminUserDetail(ctx, cb, id, page)

	case data == "admin_stats":
		s.adminStats(ctx, cb)

	case data == "admin_remind_stats":
		s.adminRemindStats(ctx, cb)

	case data == "admin_broadcast":
		ses := s.session(cb.ChatID)
		s.smu.Lock()
		ses.broadcast = true
		s.smu.Unlock()
		s.edit(ctx, cb, broadcastPrompt,
			&transport.SendOptions{ReplyMarkupAdapter: cancelBroadcastKB().Markup()})

	case data == "admin_back":
		ses := s.session(cb.ChatID)
		s.smu.Lock()
		ses.broadcast = false
		s.smu.Unlock()
		s.edit(ctx, cb, "🛠 ГЛАВНОЕ МЕНЮ АДМИНА",
			&transport.SendOptions{ReplyMarkupAdapter: adminKB().Markup()})
	}
}

func (s *Service) cbCancelBroadcast(ctx context.Context, cb *transport.Callback) {
	if !s.isAdmin(cb.FromID) {
		if err := s.adapter.AnswerCallback(ctx, cb.ID, "❌ Нет доступа"); err != nil {
			s.log.Debug("callback answer failed", logx.Err(err))
		}
		return
	}
	ses := s.session(cb.ChatID)
	s.smu.Lock()
	was := ses.broadcast
	ses.broadcast = false
	s.smu.Unlock()

	text := "🛠 ГЛАВНОЕ МЕНЮ АДМИНА"
	if was {
		text = "❌ Рассылка отменена.\n\nВозвращаюсь в админ панель..."
	}
	s.edit(ctx, cb, text, &transport.SendOptions{ReplyMarkupAdapter: adminKB().Markup()})
}

func (s *Service) adminUsersPage(ctx context.Context, cb *transport.Callback, page int) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.log.Error("user listing failed", logx.Err(err))
		return
	}
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })

	perPage := s.cfg.UsersPerPage
	pageUsers, hasPrev, hasNext := tgui.PaginateSlice(users, page, perPage)

	kb := tgui.NewInline()
	for _, u := range pageUsers {
		name := u.FirstName
		if name == "" {
			name = "User"
		}
		display := "👤 " + name
		if u.Username != "" {
			display += " (@" + u.Username + ")"
		}
		kb.Row(tgui.Btn(tgui.TruncRunes(display, 60), fmt.Sprintf("admin_user_%d_%d", u.ID, page)))
	}
	switch {
	case hasPrev && hasNext:
		kb.Row(tgui.Btn("⬅️ Назад", fmt.Sprintf("admin_users_%d", page-1)),
			tgui.Btn("Вперед ➡️", fmt.Sprintf("admin_users_%d", page+1)))
	case hasPrev:
		kb.Row(tgui.Btn("⬅️ Назад", fmt.Sprintf("admin_users_%d", page-1)))
	case hasNext:
		kb.Row(tgui.Btn("Вперед ➡️", fmt.Sprintf("admin_users_%d", page+1)))
	}
	kb.Row(tgui.Btn("⬅️ В меню админа", "admin_back"))

	text := fmt.Sprintf("👥 ПОЛЬЗОВАТЕЛИ (Страница %s)\nВсего в базе: %d",
		tgui.PageLabel(page, perPage, len(users)), len(users))
	s.edit(ctx, cb, text, &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})
}

func (s *Service) adminUserDetail(ctx context.Context, cb *transport.Callback, id int64, backPage int) {
	u, ok, err := s.store.GetUser(ctx, id)
	if err != nil {
		s.log.Error("user lookup failed", logx.Int64("user", id), logx.Err(err))
		return
	}
	if !ok {
		s.edit(ctx, cb, "❌ Пользователь не найден",
			&transport.SendOptions{ReplyMarkupAdapter: adminKB().Markup()})
		return
	}

	info := fmt.Sprintf("👤 ДЕТАЛИ ПОЛЬЗОВАТЕЛЯ\n\n"+
		"🆔 ID: %s\n"+
		"👤 Имя: %s\n"+
		"🔗 Username: @%s\n"+
		"🌐 Язык: %s\n"+
		"🌍 Город: %s\n"+
		"🔔 Напоминание: %d мин\n"+
		"📅 Регистрация: %s\n"+
		"⚡ Активность: %s",
		tgui.Code(strconv.FormatInt(u.ID, 10)), tgui.Esc(orNA(u.FirstName)), tgui.Esc(orNA(u.Username)),
		orNA(u.Lang), orNA(u.City), u.RemindMinutes, orNA(u.Joined), orNA(u.LastActive))

	kb := tgui.NewInline().Row(tgui.Btn("⬅️ Назад к списку", fmt.Sprintf("admin_users_%d", backPage)))
	s.edit(ctx, cb, info, &transport.SendOptions{ParseMode: "HTML", ReplyMarkupAdapter: kb.Markup()})
}

func (s *Service) adminStats(ctx context.Context, cb *transport.Callback) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.log.Error("user listing failed", logx.Err(err))
		return
	}
	today := s.nowStamp()[:10]

	activeToday := 0
	langStats := map[string]int{}
	cityStats := map[string]int{}
	for _, u := range users {
		if strings.HasPrefix(u.LastActive, today) {
			activeToday++
		}
		langStats[orNA(u.Lang)]++
		cityStats[orNA(u.City)]++
	}

	var b strings.Builder
	fmt.Fprintf(&b, "📊 СТАТИСТИКА БОТА\n\n👥 Всего пользователей: %d\n🔥 Активны сегодня: %d\n\n🌐 Языки:\n",
		len(users), activeToday)
	for _, lang := range sortedKeys(langStats) {
		fmt.Fprintf(&b, "  %s %s: %d\n", langEmoji(lang), lang, langStats[lang])
	}
	b.WriteString("\n🌍 Города:\n")
	for _, city := range sortedKeys(cityStats) {
		fmt.Fprintf(&b, "  %s %s: %d\n", cityEmoji(city), city, cityStats[city])
	}

	kb := tgui.NewInline().Row(tgui.Btn("⬅️ В меню админа", "admin_back"))
	s.edit(ctx, cb, b.String(), &transport.SendOptions{ReplyMarkupAdapter: kb.Markup()})
}

func (s *Service) adminRemindStats(ctx context.Context, cb *transport.Callback) {
	users, err := s.store.ListUsers(ctx)
	if err != nil {
		s.log.Error("user listing failed", logx.Err(err))
		return
	}
	s.edit(ctx, cb, remindStatsText(users),
		&transport.SendOptions{ReplyMarkupAdapter: tgui.NewInline().Row(tgui.Btn("⬅️ В меню админа", "admin_back")).Markup()})
}

func remindStatsText(users []storage.User) string {
	counts := map[int]int{5: 0, 10: 0, 15: 0}
	other := 0
	for _, u := range users {
		min := u.RemindMinutes
		if min == 0 {
			min = 10
		}
		if _, ok := counts[min]; ok {
			counts[min]++
		} else {
			other++
		}
	}

	var b strings.Builder
	b.WriteString("🔔 СТАТИСТИКА НАПОМИНАНИЙ\n\n")
	for _, min := range []int{5, 10, 15} {
		fmt.Fprintf(&b, "⏱ %d минут: %d чел.\n", min, counts[min])
	}
	if other > 0 {
		fmt.Fprintf(&b, "⏱ Другое: %d чел.\n", other)
	}
	total := len(users)
	fmt.Fprintf(&b, "\n👥 Всего: %d чел.\n\n📊 Проценты:\n", total)
	for _, min := range []int{5, 10, 15} {
		pct := 0.0
		if total > 0 {
			pct = float64(counts[min]) / float64(total) * 100
		}
		filled := int(pct / 5)
		bar := strings.Repeat("█", filled) + strings.Repeat("░", 20-filled)
		fmt.Fprintf(&b, "%d мин: %s %.1f%%\n", min, bar, pct)
	}
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func langEmoji(lang string) string {
	switch lang {
	case "ru":
		return "🇷🇺"
	case "uz":
		return "🇺🇿"
	default:
		return "🌐"
	}
}

func cityEmoji(city string) string {
	switch city {
	case "tashkent":
		return "🇺🇿"
	case "bremen":
		return "🇩🇪"
	default:
		return "🌍"
	}
}
