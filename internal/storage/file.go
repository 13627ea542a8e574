package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"saharbot/pkg/logx"
)

// fileStore is a dependency-free persistence backend.
//
// Files:
//   - <dir>/users.json   (user id -> preferences)
//   - <dir>/tracker.json (delivered reminder keys)
//
// Both files are replaced atomically (write temp, rename). A file that fails
// to parse is moved aside to a timestamped backup and replaced with an empty
// set; losing a day of tracker state risks a duplicate reminder, which beats
// a bot that refuses to start.
type fileStore struct {
	log  logx.Logger
	home *time.Location

	mu sync.Mutex

	usersPath   string
	trackerPath string

	users   map[int64]User
	tracker map[string]bool
}

func openFile(dir string, home *time.Location, log logx.Logger) (Store, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		dir = "."
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	s := &fileStore{
		log:         log,
		home:        home,
		usersPath:   filepath.Join(dir, "users.json"),
		trackerPath: filepath.Join(dir, "tracker.json"),
		users:       map[int64]User{},
		tracker:     map[string]bool{},
	}

	var rawUsers map[string]User
	if err := loadJSON(s.usersPath, &rawUsers, log); err != nil {
		return nil, err
	}
	for k, u := range rawUsers {
		id, err := strconv.ParseInt(k, 10, 64)
		if err != nil {
			log.Warn("skipping user record with bad id", logx.String("key", k))
			continue
		}
		u.ID = id
		s.users[id] = u
	}

	var rawTracker map[string]bool
	if err := loadJSON(s.trackerPath, &rawTracker, log); err != nil {
		return nil, err
	}
	for k, v := range rawTracker {
		if v {
			s.tracker[k] = true
		}
	}

	// Shed stale keys up front so a long-stopped bot does not carry them.
	if n := pruneTracker(s.tracker, time.Now().In(home)); n > 0 {
		log.Info("pruned stale tracker records", logx.Int("count", n))
		if err := s.saveTrackerLocked(); err != nil {
			return nil, err
		}
	}

	return s, nil
}

func (s *fileStore) Close() error { return nil }

func (s *fileStore) GetUser(ctx context.Context, id int64) (User, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	return u, ok, nil
}

func (s *fileStore) PutUser(ctx context.Context, u User) error {
	_ = ctx
	if u.ID == 0 {
		return errors.New("storage: user id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return s.saveUsersLocked()
}

func (s *fileStore) UpdateUser(ctx context.Context, id int64, fn func(*User)) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return false, nil
	}
	fn(&u)
	u.ID = id
	s.users[id] = u
	return true, s.saveUsersLocked()
}

func (s *fileStore) ListUsers(ctx context.Context) ([]User, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, u)
	}
	return out, nil
}

func (s *fileStore) IsDelivered(ctx context.Context, k Key) (bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tracker[k.String()], nil
}

func (s *fileStore) MarkDelivered(ctx context.Context, k Key) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracker[k.String()] = true
	return s.saveTrackerLocked()
}

func (s *fileStore) CompactTracker(ctx context.Context, ref time.Time) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if n := pruneTracker(s.tracker, ref.In(s.home)); n > 0 {
		s.log.Debug("tracker compacted", logx.Int("pruned", n))
		return s.saveTrackerLocked()
	}
	return nil
}

func (s *fileStore) saveUsersLocked() error {
	raw := make(map[string]User, len(s.users))
	for id, u := range s.users {
		raw[strconv.FormatInt(id, 10)] = u
	}
	return writeJSONAtomic(s.usersPath, raw)
}

func (s *fileStore) saveTrackerLocked() error {
	return writeJSONAtomic(s.trackerPath, s.tracker)
}

// pruneTracker drops every record whose date suffix is neither today nor
// yesterday relative to ref. Keys that do not parse are dropped too.
func pruneTracker(m map[string]bool, ref time.Time) int {
	today := ref.Format("2006-01-02")
	yesterday := ref.AddDate(0, 0, -1).Format("2006-01-02")
	n := 0
	for k := range m {
		i := strings.LastIndex(k, "_")
		if i < 0 || i+1 >= len(k) {
			delete(m, k)
			n++
			continue
		}
		if d := k[i+1:]; d != today && d != yesterday {
			delete(m, k)
			n++
		}
	}
	return n
}

// loadJSON decodes path into out. A missing file is not an error. A corrupt
// file is renamed to a timestamped backup and treated as empty.
func loadJSON(path string, out any, log logx.Logger) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		backup := fmt.Sprintf("%s.backup.%s", path, time.Now().Format("20060102_150405"))
		if rerr := os.Rename(path, backup); rerr != nil {
			return fmt.Errorf("storage: %s is corrupt (%v) and could not be moved aside: %w", path, err, rerr)
		}
		log.Error("corrupt state file moved aside, starting empty",
			logx.String("path", path), logx.String("backup", backup), logx.Err(err))
		return nil
	}
	return nil
}

func writeJSONAtomic(path string, v any) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(f)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
