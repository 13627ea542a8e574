package bot

import (
	"fmt"
	"time"

	"saharbot/internal/schedule"
	"saharbot/internal/storage"
	"saharbot/internal/texts"
)

// timesText renders the suhoor/iftar card for the given day, or the no-data
// message when the timetable has no row.
func (s *Service) timesText(u storage.User, day time.Time) string {
	date := day.Format(schedule.DateFormat)
	dt, ok := s.resolver.Times(u.City, date)
	if !ok {
		return texts.T(u.Lang, "no_data")
	}
	return fmt.Sprintf("📅 %s\n\n%s %s\n%s %s",
		texts.PrettyDate(u.Lang, day),
		texts.T(u.Lang, "suhoor_until"), dt.Suhoor,
		texts.T(u.Lang, "iftar_time"), dt.Iftar)
}

// countdownText renders the time left until today's iftar.
func (s *Service) countdownText(u storage.User, now time.Time) string {
	iftarAt, ok := s.resolver.EventTime(u.City, schedule.EventIftar, now)
	if !ok {
		return texts.T(u.Lang, "no_data")
	}
	left := iftarAt.Sub(now)
	if left <= 0 {
		return texts.T(u.Lang, "iftar_time_now")
	}
	total := int(left.Seconds())
	hours := total / 3600
	minutes := (total % 3600) / 60
	return fmt.Sprintf("%s\n\n⏳ %d %s %d %s\n🕰 %s",
		texts.T(u.Lang, "iftar_left"),
		hours, texts.T(u.Lang, "hour"),
		minutes, texts.T(u.Lang, "minute"),
		iftarAt.Format("15:04"))
}

// userNow is the current time in the user's city zone.
func (s *Service) userNow(u storage.User) time.Time {
	return s.now().In(schedule.Zone(u.City))
}
