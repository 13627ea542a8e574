// Package texts holds the user-facing message catalog. Uzbek is the base
// language; a missing key falls back uz -> ru -> the key itself, so a typo
// surfaces in chat instead of sending an empty message.
package texts

import (
	"fmt"
	"time"
)

const DefaultLang = "uz"

// Langs lists the selectable languages in menu order.
func Langs() []string { return []string{"uz", "ru"} }

var catalog = map[string]map[string]string{
	"uz": {
		"start":     "Assalomu alaykum 🌙\n\nAmalni tanlang:",
		"today":     "📅 Bugun",
		"tomorrow":  "📆 Ertaga",
		"countdown": "⏳ Iftorgacha",
		"settings":  "⚙️ Sozlamalar",

		"settings_title": "⚙️ Sozlamalar\n\nParameterni tanlang:",
		"set_lang_btn":   "🌐 Til",
		"set_city_btn":   "🌍 Shahar",
		"set_remind_btn": "🔔 Eslatma",
		"back_btn":       "⬅️ Orqaga",
		"choose_lang":    "Tilni tanlang:",
		"choose_city":    "Shaharingizni tanlang:",
		"choose_rem":     "Hodisadan necha daqiqa oldin eslatilsin?",
		"lang_changed":   "✅ Til muvaffaqiyatli o'zgartirildi",
		"city_changed":   "✅ Shahar saqlandi. Vaqt yangilandi!",
		"remind_changed": "✅ Eslatma sozlandi",

		"iftar_left":   "🌙 Iftorgacha qoldi:",
		"hour":         "soat",
		"minute":       "daqiqa",
		"suhoor_until": "🌅 Saharlik tugashi:",
		"iftar_time":   "🕰 Iftor vaqti:",
		"close_time":   "Yopilish",
		"open_time":    "Ochilish",

		"suhoor_rem_text":  "Saharlik tugashiga",
		"iftar_rem_text":   "Iftorgacha",
		"suhoor_dua_title": "📿 Saharlik duosi:",
		"iftar_dua_title":  "📿 Iftorlik duosi:",
		"suhoor_dua":       "Navaytu an asuma sovma shahri ramazona minal fajri ilal mag'ribi xolisan lillahi ta'ala. Allohu akbar!",
		"iftar_dua":        "Allohumma laka sumtu va bika amantu va a'layka tavakkaltu va a'la rizqika aftortu, fag'firliy ya G'offaru ma qoddamtu va ma axxortu.",

		"suhoor_ended":  "🌅 Saharlik vaqti tugadi!",
		"iftar_started": "🌙 Iftor vaqti boshlandi!",

		"fast_started":     "🤲 Ro'za boshlandi!\nAlloh taolo niyatlaringizni qabul qilsin.",
		"fast_ended":       "🍽 Ro'za ochildi!\nAlloh taolo ibodatlaringizni qabul qilsin.",
		"ramadan_congrats": "🌙 Ramazon oyi muborak bo'lsin!\nAlloh taolo ushbu muqaddas oydagi ro'za, namoz va duoingizni qabul qilib, gunohlaringizni kechirsin.",

		"no_data":                "❌ Bu sana uchun ma'lumot yo'q",
		"iftar_time_now":         "🌙 Iftor vaqti keldi!\n\nKayfiyatli iftor ayting!",
		"action_expired":         "⚠️ Amal eskirildi. Iltimos, boshidan boshlang.",
		"onboarding_in_progress": "⚙️ Ro'yxatdan o'tish davom etmoqda. Iltimos, tanlovni yakunlang.",
		"please_restart":         "👋 Xush kelibsiz! Ishni boshlash uchun /start yuboring.",
		"use_buttons":            "👇 Iltimos, tanlash uchun tugmalardan foydalaning.",

		"cmd_start":    "Boshlash",
		"cmd_today":    "Bugungi vaqtlar",
		"cmd_settings": "Sozlamalar",
	},
	"ru": {
		"start":     "Ассаляму алейкум 🌙\n\nВыберите действие:",
		"today":     "📅 Сегодня",
		"tomorrow":  "📆 Завтра",
		"countdown": "⏳ До ифтара",
		"settings":  "⚙️ Настройки",

		"settings_title": "⚙️ Настройки\n\nВыберите параметр:",
		"set_lang_btn":   "🌐 Язык",
		"set_city_btn":   "🌍 Город",
		"set_remind_btn": "🔔 Напоминание",
		"back_btn":       "⬅️ Назад",
		"choose_lang":    "Выберите язык:",
		"choose_city":    "Выберите ваш город:",
		"choose_rem":     "За сколько минут напоминать о событии?",
		"lang_changed":   "✅ Язык успешно изменён",
		"city_changed":   "✅ Город сохранён. Время обновлено!",
		"remind_changed": "✅ Напоминание установлено",

		"iftar_left":   "🌙 До ифтара осталось:",
		"hour":         "ч",
		"minute":       "мин",
		"suhoor_until": "🌅 Сухур до:",
		"iftar_time":   "🕰 Ифтар в:",
		"close_time":   "Закрытие",
		"open_time":    "Открытие",

		"suhoor_rem_text":  "До окончания сухура",
		"iftar_rem_text":   "До ифтара",
		"suhoor_dua_title": "📿 Дуа сухура:",
		"iftar_dua_title":  "📿 Дуа ифтара:",
		"suhoor_dua":       "Навайту ан асума совма шахри рамазана минал фажри илал мағриби холисан лиллахи таъала. Аллоху акбар!",
		"iftar_dua":        "Аллохумма лака сумту ва бика аманту ва аълайка таваккалту ва аъла ризқика афторту, фағфирлий йа Ғоффару ма қоддамту ва ма аххорту.",

		"suhoor_ended":  "🌅 Время сухура закончилось!",
		"iftar_started": "🌙 Время ифтара началось!",

		"fast_started":     "🤲 Пост начался!\nДа примет Аллах ваше намерение.",
		"fast_ended":       "🍽 Пост окончен!\nДа примет Аллах ваши подвиги.",
		"ramadan_congrats": "🌙 Благословенного Рамадана!\nДа примет Аллах ваши пост, молитвы и мольбы, и простит ваши грехи.",

		"no_data":                "❌ Нет данных на эту дату",
		"iftar_time_now":         "🌙 Время ифтара наступило!\n\nПриятного аппетита!",
		"action_expired":         "⚠️ Действие устарело. Начните заново.",
		"onboarding_in_progress": "⚙️ Регистрация уже начата. Пожалуйста, завершите выбор.",
		"please_restart":         "👋 Добро пожаловать! Отправьте /start для начала работы.",
		"use_buttons":            "👇 Пожалуйста, используйте кнопки для выбора.",

		"cmd_start":    "Начать",
		"cmd_today":    "Время на сегодня",
		"cmd_settings": "Настройки",
	},
}

var months = map[string][]string{
	"uz": {
		"yanvar", "fevral", "mart", "aprel", "may", "iyun",
		"iyul", "avgust", "sentabr", "oktabr", "noyabr", "dekabr",
	},
	"ru": {
		"января", "февраля", "марта", "апреля", "мая", "июня",
		"июля", "августа", "сентября", "октября", "ноября", "декабря",
	},
}

// T returns the message for key in lang.
func T(lang, key string) string {
	if m, ok := catalog[lang]; ok {
		if s, ok := m[key]; ok {
			return s
		}
	}
	if s, ok := catalog["uz"][key]; ok {
		return s
	}
	if s, ok := catalog["ru"][key]; ok {
		return s
	}
	return key
}

// PrettyDate renders t as "10 mart 2026" style, with the month name in lang.
func PrettyDate(lang string, t time.Time) string {
	ms, ok := months[lang]
	if !ok {
		ms = months["uz"]
	}
	return fmt.Sprintf("%d %s %d", t.Day(), ms[t.Month()-1], t.Year())
}

// CityTitle is the menu label for a city code.
func CityTitle(city string) string {
	switch city {
	case "tashkent":
		return "Toshkent"
	case "bremen":
		return "Bremen"
	default:
		return city
	}
}

// LangTitle is the menu label for a language code.
func LangTitle(lang string) string {
	switch lang {
	case "uz":
		return "O'zbekcha 🇺🇿"
	case "ru":
		return "Русский 🇷🇺"
	default:
		return lang
	}
}
