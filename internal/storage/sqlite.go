//go:build sqlite
// +build sqlite

package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"saharbot/pkg/logx"

	_ "modernc.org/sqlite"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db   *sql.DB
	log  logx.Logger
	home *time.Location
}

func openSQLite(cfg Config, home *time.Location, log logx.Logger) (Store, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, "saharbot.db")

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	st := &sqliteStore{db: db, log: log, home: home}
	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	if s == nil || s.db == nil {
		return User{}, false, ErrDisabled
	}
	var (
		u        User
		congrats sql.NullString
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT lang, city, remind_min, first_name, username, joined, last_active, congrats
		 FROM users WHERE id = ?`, id,
	).Scan(&u.Lang, &u.City, &u.RemindMinutes, &u.FirstName, &u.Username, &u.Joined, &u.LastActive, &congrats)
	if errors.Is(err, sql.ErrNoRows) {
		return User{}, false, nil
	}
	if err != nil {
		return User{}, false, err
	}
	u.ID = id
	if congrats.Valid && congrats.String != "" {
		if jerr := json.Unmarshal([]byte(congrats.String), &u.Congrats); jerr != nil {
			s.log.Warn("dropping unreadable congrats column", logx.Int64("user", id), logx.Err(jerr))
		}
	}
	return u, true, nil
}

func (s *sqliteStore) PutUser(ctx context.Context, u User) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	if u.ID == 0 {
		return errors.New("storage: user id is required")
	}
	congrats := "{}"
	if len(u.Congrats) > 0 {
		b, err := json.Marshal(u.Congrats)
		if err != nil {
			return err
		}
		congrats = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, lang, city, remind_min, first_name, username, joined, last_active, congrats)
		 VALUES(?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET
		   lang=excluded.lang, city=excluded.city, remind_min=excluded.remind_min,
		   first_name=excluded.first_name, username=excluded.username,
		   joined=excluded.joined, last_active=excluded.last_active, congrats=excluded.congrats`,
		u.ID, u.Lang, u.City, u.RemindMinutes, u.FirstName, u.Username, u.Joined, u.LastActive, congrats,
	)
	return err
}

func (s *sqliteStore) UpdateUser(ctx context.Context, id int64, fn func(*User)) (bool, error) {
	u, ok, err := s.GetUser(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	fn(&u)
	u.ID = id
	return true, s.PutUser(ctx, u)
}

func (s *sqliteStore) ListUsers(ctx context.Context) ([]User, error) {
	if s == nil || s.db == nil {
		return nil, ErrDisabled
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, lang, city, remind_min, first_name, username, joined, last_active, congrats FROM users`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []User
	for rows.Next() {
		var (
			u        User
			congrats sql.NullString
		)
		if err := rows.Scan(&u.ID, &u.Lang, &u.City, &u.RemindMinutes, &u.FirstName, &u.Username, &u.Joined, &u.LastActive, &congrats); err != nil {
			return nil, err
		}
		if congrats.Valid && congrats.String != "" {
			_ = json.Unmarshal([]byte(congrats.String), &u.Congrats)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

func (s *sqliteStore) IsDelivered(ctx context.Context, k Key) (bool, error) {
	if s == nil || s.db == nil {
		return false, ErrDisabled
	}
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM tracker WHERE key = ?`, k.String()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *sqliteStore) MarkDelivered(ctx context.Context, k Key) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tracker(key, day) VALUES(?,?) ON CONFLICT(key) DO NOTHING`,
		k.String(), k.Date,
	)
	return err
}

func (s *sqliteStore) CompactTracker(ctx context.Context, ref time.Time) error {
	if s == nil || s.db == nil {
		return ErrDisabled
	}
	local := ref.In(s.home)
	yesterday := local.AddDate(0, 0, -1).Format("2006-01-02")
	_, err := s.db.ExecContext(ctx, `DELETE FROM tracker WHERE day < ?`, yesterday)
	return err
}
