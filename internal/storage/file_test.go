package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"saharbot/pkg/logx"
)

func openTestStore(t *testing.T, dir string) Store {
	t.Helper()
	st, err := openFile(dir, time.UTC, logx.Nop())
	if err != nil {
		t.Fatalf("openFile: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func TestFileStoreUsersRoundtrip(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()

	st := openTestStore(t, dir)
	u := User{ID: 42, Lang: "uz", City: "tashkent", RemindMinutes: 10, FirstName: "Aziz"}
	if err := st.PutUser(ctx, u); err != nil {
		t.Fatalf("PutUser: %v", err)
	}

	ok, err := st.UpdateUser(ctx, 42, func(u *User) { u.RemindMinutes = 15 })
	if err != nil || !ok {
		t.Fatalf("UpdateUser: ok=%v err=%v", ok, err)
	}
	if ok, err := st.UpdateUser(ctx, 999, func(*User) {}); err != nil || ok {
		t.Fatalf("UpdateUser missing: ok=%v err=%v", ok, err)
	}

	// Reopen to prove the write hit disk.
	st2 := openTestStore(t, dir)
	got, found, err := st2.GetUser(ctx, 42)
	if err != nil || !found {
		t.Fatalf("GetUser after reopen: found=%v err=%v", found, err)
	}
	if got.RemindMinutes != 15 || got.City != "tashkent" || got.Lang != "uz" {
		t.Fatalf("unexpected user after reopen: %+v", got)
	}
	all, err := st2.ListUsers(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("ListUsers: n=%d err=%v", len(all), err)
	}
}

func TestFileStoreTrackerSurvivesReopen(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	today := time.Now().UTC().Format("2006-01-02")
	k := Key{UserID: 7, Event: "suhoor", Date: today}

	st := openTestStore(t, dir)
	if got, _ := st.IsDelivered(ctx, k); got {
		t.Fatal("fresh store reports delivered")
	}
	if err := st.MarkDelivered(ctx, k); err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}

	st2 := openTestStore(t, dir)
	got, err := st2.IsDelivered(ctx, k)
	if err != nil {
		t.Fatalf("IsDelivered: %v", err)
	}
	if !got {
		t.Fatal("delivery record lost across reopen")
	}
}

func TestPruneTracker(t *testing.T) {
	t.Parallel()
	ref := time.Date(2026, 3, 10, 4, 0, 0, 0, time.UTC)
	m := map[string]bool{
		"1_suhoor_2026-03-10": true, // today
		"1_iftar_2026-03-09":  true, // yesterday
		"1_suhoor_2026-03-08": true, // stale
		"2_iftar_2025-12-01":  true, // stale
		"garbage":             true, // unparseable
	}
	n := pruneTracker(m, ref)
	if n != 3 {
		t.Fatalf("pruned %d records, want 3", n)
	}
	if !m["1_suhoor_2026-03-10"] || !m["1_iftar_2026-03-09"] {
		t.Fatalf("current records dropped: %v", m)
	}
	if len(m) != 2 {
		t.Fatalf("unexpected survivors: %v", m)
	}
}

func TestFileStoreCompactTracker(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	ctx := context.Background()
	st := openTestStore(t, dir)

	now := time.Now().UTC()
	fresh := Key{UserID: 1, Event: "iftar", Date: now.Format("2006-01-02")}
	stale := Key{UserID: 1, Event: "iftar", Date: now.AddDate(0, 0, -5).Format("2006-01-02")}
	for _, k := range []Key{fresh, stale} {
		if err := st.MarkDelivered(ctx, k); err != nil {
			t.Fatalf("MarkDelivered: %v", err)
		}
	}
	if err := st.CompactTracker(ctx, now); err != nil {
		t.Fatalf("CompactTracker: %v", err)
	}
	if got, _ := st.IsDelivered(ctx, fresh); !got {
		t.Fatal("compaction dropped the current record")
	}
	if got, _ := st.IsDelivered(ctx, stale); got {
		t.Fatal("compaction kept the stale record")
	}
}

func TestCorruptFileMovedAside(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	usersPath := filepath.Join(dir, "users.json")
	if err := os.WriteFile(usersPath, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}

	st := openTestStore(t, dir)
	all, err := st.ListUsers(context.Background())
	if err != nil {
		t.Fatalf("ListUsers: %v", err)
	}
	if len(all) != 0 {
		t.Fatalf("expected empty store, got %d users", len(all))
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	backedUp := false
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "users.json.backup.") {
			backedUp = true
		}
	}
	if !backedUp {
		t.Fatalf("no backup of corrupt file in %v", entries)
	}
}

func TestCongratsFlags(t *testing.T) {
	t.Parallel()
	var u User
	if u.CongratulatedOn("iftar", "2026-03-10") {
		t.Fatal("empty user reports congratulated")
	}
	u.SetCongratulated("iftar", "2026-03-10")
	if !u.CongratulatedOn("iftar", "2026-03-10") {
		t.Fatal("flag not set")
	}
	if u.CongratulatedOn("iftar", "2026-03-11") {
		t.Fatal("flag leaked to next day")
	}
	if u.CongratulatedOn("suhoor", "2026-03-10") {
		t.Fatal("flag leaked to other event")
	}
}
