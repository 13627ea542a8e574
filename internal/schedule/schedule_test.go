package schedule

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"saharbot/pkg/logx"
)

func writeTable(t *testing.T, dir, city, body string) {
	t.Helper()
	path := filepath.Join(dir, "times_"+city+".json")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestResolverTimes(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTable(t, dir, "tashkent", `{"2026-03-10":{"suhoor":"05:12","iftar":"18:31"}}`)
	r := NewResolver(Config{Dir: dir}, logx.Nop())

	dt, ok := r.Times("tashkent", "2026-03-10")
	if !ok {
		t.Fatal("row not found")
	}
	if dt.Suhoor != "05:12" || dt.Iftar != "18:31" {
		t.Fatalf("unexpected row: %+v", dt)
	}
	if _, ok := r.Times("tashkent", "2026-03-11"); ok {
		t.Fatal("missing date resolved")
	}
	if _, ok := r.Times("samarkand", "2026-03-10"); ok {
		t.Fatal("missing city resolved")
	}
}

func TestResolverEventTime(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTable(t, dir, "bremen", `{"2026-03-10":{"suhoor":"05:30","iftar":"18:20"}}`)
	r := NewResolver(Config{Dir: dir}, logx.Nop())

	loc := Zone("bremen")
	day := time.Date(2026, 3, 10, 12, 0, 0, 0, loc)

	got, ok := r.EventTime("bremen", EventIftar, day)
	if !ok {
		t.Fatal("iftar not resolved")
	}
	want := time.Date(2026, 3, 10, 18, 20, 0, 0, loc)
	if !got.Equal(want) {
		t.Fatalf("iftar = %v, want %v", got, want)
	}
	if _, ok := r.EventTime("bremen", "midnight", day); ok {
		t.Fatal("unknown event resolved")
	}
}

func TestResolverBadEntries(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTable(t, dir, "tashkent", `{"2026-03-10":{"suhoor":"nope","iftar":"18:31"}}`)
	r := NewResolver(Config{Dir: dir}, logx.Nop())

	loc := Zone("tashkent")
	day := time.Date(2026, 3, 10, 0, 0, 0, 0, loc)
	if _, ok := r.EventTime("tashkent", EventSuhoor, day); ok {
		t.Fatal("unparseable time resolved")
	}
	if _, ok := r.EventTime("tashkent", EventIftar, day); !ok {
		t.Fatal("valid sibling entry lost")
	}
}

func TestResolverCorruptTableIsEmpty(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTable(t, dir, "tashkent", `{broken`)
	r := NewResolver(Config{Dir: dir}, logx.Nop())
	if _, ok := r.Times("tashkent", "2026-03-10"); ok {
		t.Fatal("corrupt table resolved a row")
	}
}

func TestResolverInvalidate(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	writeTable(t, dir, "tashkent", `{}`)
	r := NewResolver(Config{Dir: dir}, logx.Nop())
	if _, ok := r.Times("tashkent", "2026-03-10"); ok {
		t.Fatal("empty table resolved a row")
	}

	writeTable(t, dir, "tashkent", `{"2026-03-10":{"suhoor":"05:12","iftar":"18:31"}}`)
	if _, ok := r.Times("tashkent", "2026-03-10"); ok {
		t.Fatal("cache not in effect")
	}
	r.Invalidate("tashkent")
	if _, ok := r.Times("tashkent", "2026-03-10"); !ok {
		t.Fatal("row not visible after invalidate")
	}
}

func TestZoneFallback(t *testing.T) {
	t.Parallel()
	if Zone("tashkent").String() != "Asia/Tashkent" {
		t.Fatal("tashkent zone wrong")
	}
	if Zone("bremen").String() != "Europe/Berlin" {
		t.Fatal("bremen zone wrong")
	}
	if Zone("atlantis").String() != "Asia/Tashkent" {
		t.Fatal("unknown city should fall back to Tashkent")
	}
}
