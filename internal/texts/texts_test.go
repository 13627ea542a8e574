package texts

import (
	"testing"
	"time"
)

func TestFallbackChain(t *testing.T) {
	t.Parallel()
	if got := T("ru", "today"); got != "📅 Сегодня" {
		t.Fatalf("ru today = %q", got)
	}
	// Unknown language falls back to uz.
	if got := T("de", "today"); got != T("uz", "today") {
		t.Fatalf("unknown lang fallback = %q", got)
	}
	// Unknown key comes back as itself.
	if got := T("uz", "no_such_key"); got != "no_such_key" {
		t.Fatalf("unknown key = %q", got)
	}
}

func TestCatalogParity(t *testing.T) {
	t.Parallel()
	for key := range catalog["uz"] {
		if _, ok := catalog["ru"][key]; !ok {
			t.Errorf("key %q missing in ru", key)
		}
	}
	for key := range catalog["ru"] {
		if _, ok := catalog["uz"][key]; !ok {
			t.Errorf("key %q missing in uz", key)
		}
	}
}

func TestPrettyDate(t *testing.T) {
	t.Parallel()
	d := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	if got := PrettyDate("uz", d); got != "10 mart 2026" {
		t.Fatalf("uz = %q", got)
	}
	if got := PrettyDate("ru", d); got != "10 марта 2026" {
		t.Fatalf("ru = %q", got)
	}
	if got := PrettyDate("xx", d); got != "10 mart 2026" {
		t.Fatalf("fallback = %q", got)
	}
}
