// Package schedule resolves the suhoor/iftar timetable for a city and a
// calendar day. Tables live beside the binary as times_<city>.json mapping
// "YYYY-MM-DD" to {"suhoor": "HH:MM", "iftar": "HH:MM"} and are cached
// after first load.
package schedule

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"saharbot/pkg/logx"
)

const (
	EventSuhoor = "suhoor"
	EventIftar  = "iftar"
)

// DateFormat is the key format of the timetable files and of tracker keys.
const DateFormat = "2006-01-02"

// cityZones maps the known cities to their IANA zone. Unknown cities fall
// back to the Tashkent zone, same as an unset preference.
var cityZones = map[string]string{
	"tashkent": "Asia/Tashkent",
	"bremen":   "Europe/Berlin",
}

// Cities lists the selectable cities in menu order.
func Cities() []string { return []string{"tashkent", "bremen"} }

// Zone returns the location for city, defaulting to Asia/Tashkent.
func Zone(city string) *time.Location {
	name, ok := cityZones[city]
	if !ok {
		name = "Asia/Tashkent"
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// DayTimes is one timetable row.
type DayTimes struct {
	Suhoor string `json:"suhoor"`
	Iftar  string `json:"iftar"`
}

// Resolver loads and caches per-city timetables.
type Resolver struct {
	dir string
	log logx.Logger

	mu    sync.Mutex
	cache map[string]map[string]DayTimes
}

type Config struct {
	Dir string
}

func NewResolver(cfg Config, log logx.Logger) *Resolver {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "."
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Resolver{dir: dir, log: log, cache: map[string]map[string]DayTimes{}}
}

// Times returns the timetable row for city on date (YYYY-MM-DD). A missing
// date or a missing table is not an error; no row means no reminders that
// day.
func (r *Resolver) Times(city, date string) (DayTimes, bool) {
	table := r.cityTable(city)
	dt, ok := table[date]
	return dt, ok
}

// EventTime resolves the wall-clock instant of event for city on day, in the
// city's zone. Returns false when the timetable has no row or the row has no
// parseable time for that event.
func (r *Resolver) EventTime(city, event string, day time.Time) (time.Time, bool) {
	loc := Zone(city)
	local := day.In(loc)
	dt, ok := r.Times(city, local.Format(DateFormat))
	if !ok {
		return time.Time{}, false
	}
	var hhmm string
	switch event {
	case EventSuhoor:
		hhmm = dt.Suhoor
	case EventIftar:
		hhmm = dt.Iftar
	default:
		return time.Time{}, false
	}
	hm, err := time.Parse("15:04", hhmm)
	if err != nil {
		r.log.Warn("bad timetable entry",
			logx.String("city", city), logx.String("event", event), logx.String("value", hhmm))
		return time.Time{}, false
	}
	return time.Date(local.Year(), local.Month(), local.Day(), hm.Hour(), hm.Minute(), 0, 0, loc), true
}

// Invalidate drops the cached table for city so the next lookup re-reads the
// file. Invalidate("") drops all.
func (r *Resolver) Invalidate(city string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if city == "" {
		r.cache = map[string]map[string]DayTimes{}
		return
	}
	delete(r.cache, city)
}

func (r *Resolver) cityTable(city string) map[string]DayTimes {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.cache[city]; ok {
		return t
	}
	t := map[string]DayTimes{}
	path := filepath.Join(r.dir, fmt.Sprintf("times_%s.json", city))
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			r.log.Error("timetable read failed", logx.String("path", path), logx.Err(err))
		}
		r.cache[city] = t
		return t
	}
	if err := json.Unmarshal(data, &t); err != nil {
		r.log.Error("timetable parse failed", logx.String("path", path), logx.Err(err))
		t = map[string]DayTimes{}
	}
	r.cache[city] = t
	return t
}
