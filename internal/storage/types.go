package storage

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

// Config configures storage.
//
// Driver values:
//   - "file": dependency-free file backend (users.json + tracker.json)
//   - "sqlite": SQLite database file (optional build tag)
type Config struct {
	Driver      string
	Dir         string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// User is a registered bot user and their notification preferences.
//
// Congrats maps an event name to the last date (YYYY-MM-DD, locale-local) a
// congratulatory message was sent for it. A fixed small map instead of
// per-day boolean fields keeps the record from growing without bound.
type User struct {
	ID            int64             `json:"-"`
	Lang          string            `json:"lang"`
	City          string            `json:"city"`
	RemindMinutes int               `json:"remind_min"`
	FirstName     string            `json:"first_name,omitempty"`
	Username      string            `json:"username,omitempty"`
	Joined        string            `json:"joined,omitempty"`
	LastActive    string            `json:"last_active,omitempty"`
	Congrats      map[string]string `json:"congrats,omitempty"`
}

// CongratulatedOn reports whether the congrats message for event was already
// sent on date.
func (u *User) CongratulatedOn(event, date string) bool {
	if u == nil || u.Congrats == nil {
		return false
	}
	return u.Congrats[event] == date
}

// SetCongratulated records that the congrats message for event went out on date.
func (u *User) SetCongratulated(event, date string) {
	if u.Congrats == nil {
		u.Congrats = map[string]string{}
	}
	u.Congrats[event] = date
}

// Key identifies one reminder delivery: one user, one event, one calendar day.
type Key struct {
	UserID int64
	Event  string
	Date   string // YYYY-MM-DD, locale-local
}

func (k Key) String() string {
	return fmt.Sprintf("%d_%s_%s", k.UserID, k.Event, k.Date)
}

// Users is the preference store consumed by the reminder engine and the bot UI.
type Users interface {
	GetUser(ctx context.Context, id int64) (User, bool, error)
	PutUser(ctx context.Context, u User) error
	// UpdateUser applies fn to the stored user under the store lock and
	// persists the result. Returns false if the user does not exist.
	UpdateUser(ctx context.Context, id int64, fn func(*User)) (bool, error)
	ListUsers(ctx context.Context) ([]User, error)
}

// Tracker is the durable delivered-set preventing duplicate reminder sends.
//
// MarkDelivered persists before returning; it is the single durability
// barrier of the reminder engine. Records are never unset, only pruned by age.
type Tracker interface {
	IsDelivered(ctx context.Context, k Key) (bool, error)
	MarkDelivered(ctx context.Context, k Key) error
	// CompactTracker drops records older than the day before ref
	// (locale-local). Load does this too; this exists so long uptimes don't
	// depend on a restart to shed old keys.
	CompactTracker(ctx context.Context, ref time.Time) error
}

// Store is the persistence API used by the rest of the app.
type Store interface {
	Users
	Tracker
	Close() error
}
