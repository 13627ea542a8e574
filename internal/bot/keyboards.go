package bot

import (
	"fmt"

	"saharbot/internal/texts"
	"saharbot/pkg/tgui"
)

func mainKB(lang string) *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.Btn(texts.T(lang, "today"), "day_today"), tgui.Btn(texts.T(lang, "tomorrow"), "day_tomorrow")).
		Row(tgui.Btn(texts.T(lang, "countdown"), "run_countdown")).
		Row(tgui.Btn(texts.T(lang, "settings"), "menu_settings"))
}

func settingsKB(lang string) *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.Btn(texts.T(lang, "set_lang_btn"), "set_lang"), tgui.Btn(texts.T(lang, "set_city_btn"), "set_city")).
		Row(tgui.Btn(texts.T(lang, "set_remind_btn"), "set_remind")).
		Row(tgui.Btn(texts.T(lang, "back_btn"), "back_main"))
}

func langKB(prefix string) *tgui.Inline {
	return tgui.NewInline().Row(
		tgui.Btn(texts.LangTitle("uz"), prefix+"uz"),
		tgui.Btn(texts.LangTitle("ru"), prefix+"ru"),
	)
}

func cityKB(prefix string) *tgui.Inline {
	kb := tgui.NewInline()
	for _, city := range []string{"tashkent", "bremen"} {
		flag := "🇺🇿"
		if city == "bremen" {
			flag = "🇩🇪"
		}
		kb.Row(tgui.Btn(fmt.Sprintf("%s %s", texts.CityTitle(city), flag), prefix+city))
	}
	return kb
}

func remindKB(lang string, current int) *tgui.Inline {
	kb := tgui.NewInline()
	b := func(min int) string {
		mark := ""
		if current == min {
			mark = "✅ "
		}
		return fmt.Sprintf("%s%d %s", mark, min, texts.T(lang, "minute"))
	}
	kb.Row(
		tgui.Btn(b(5), "rem_5"),
		tgui.Btn(b(10), "rem_10"),
		tgui.Btn(b(15), "rem_15"),
	)
	kb.Row(tgui.Btn(texts.T(lang, "back_btn"), "menu_settings"))
	return kb
}

func adminKB() *tgui.Inline {
	return tgui.NewInline().
		Row(tgui.Btn("👥 Пользователи", "admin_users_0")).
		Row(tgui.Btn("📊 Статистика", "admin_stats")).
		Row(tgui.Btn("🔔 Напоминания", "admin_remind_stats")).
		Row(tgui.Btn("📢 Рассылка", "admin_broadcast"))
}

func cancelBroadcastKB() *tgui.Inline {
	return tgui.NewInline().Row(tgui.Btn("❌ Отменить рассылку", "cancel_broadcast"))
}
