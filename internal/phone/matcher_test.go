package phone

import (
	"log/slog"
	"testing"

	"github.com/threadline/threadline/internal/config"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	return NewMatcher(slog.Default(), config.MatcherConfig{
		MatchSuffixLen: 9,
		CountryCodes:   []string{"44", "1", "353"},
	})
}

func TestNormalize(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"+44 7911 123456", "+447911123456"},
		{"(079) 11-123-456", "07911123456"},
		{"07911123456", "07911123456"},
		{"call me", ""},
		{"44+7911", "447911"},
	}
	for _, tc := range cases {
		if got := Normalize(tc.in); got != tc.want {
			t.Errorf("Normalize(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestVariationsInternational(t *testing.T) {
	m := newTestMatcher(t)
	got := m.Variations("+447911123456")
	wantAll := []string{"+447911123456", "447911123456", "07911123456", "7911123456"}
	if len(got) != len(wantAll) {
		t.Fatalf("Variations returned %v, want %v", got, wantAll)
	}
	for i, want := range wantAll {
		if got[i] != want {
			t.Errorf("Variations[%d] = %q, want %q", i, got[i], want)
		}
	}
}

func TestVariationsTrunkPrefixed(t *testing.T) {
	m := newTestMatcher(t)
	got := m.Variations("07911 123456")
	found := false
	for _, v := range got {
		if v == "+447911123456" {
			found = true
		}
	}
	if !found {
		t.Fatalf("Variations(07911 123456) = %v, missing +447911123456", got)
	}
}

func TestVariationsOverlap(t *testing.T) {
	// The two ways a user writes the same UK number must share a variation,
	// otherwise cross-channel lookup cannot connect them.
	m := newTestMatcher(t)
	international := m.Variations("+447911123456")
	national := m.Variations("07911123456")

	set := make(map[string]struct{}, len(international))
	for _, v := range international {
		set[v] = struct{}{}
	}
	shared := 0
	for _, v := range national {
		if _, ok := set[v]; ok {
			shared++
		}
	}
	if shared == 0 {
		t.Fatalf("no shared variation between %v and %v", international, national)
	}
}

func TestMatchKey(t *testing.T) {
	m := newTestMatcher(t)
	if got := m.MatchKey("+447911123456"); got != "911123456" {
		t.Errorf("MatchKey international = %q, want 911123456", got)
	}
	if got := m.MatchKey("07911123456"); got != "911123456" {
		t.Errorf("MatchKey national = %q, want 911123456", got)
	}
	if got := m.MatchKey("12345"); got != "12345" {
		t.Errorf("MatchKey short = %q, want 12345", got)
	}
	if got := m.MatchKey("words only"); got != "" {
		t.Errorf("MatchKey no digits = %q, want empty", got)
	}
}

func TestMatchKeysCollapse(t *testing.T) {
	m := newTestMatcher(t)
	keys := m.MatchKeys("+447911123456")
	if len(keys) != 1 || keys[0] != "911123456" {
		t.Fatalf("MatchKeys = %v, want exactly [911123456]", keys)
	}
}

func TestUnknownCountryCodeDropped(t *testing.T) {
	m := NewMatcher(slog.Default(), config.MatcherConfig{
		MatchSuffixLen: 9,
		CountryCodes:   []string{"999", "44"},
	})
	if len(m.rules) != 1 || m.rules[0].Code != "44" {
		t.Fatalf("expected only the known rule to survive, got %v", m.rules)
	}
}

func TestConfiguredSuffixLen(t *testing.T) {
	m := NewMatcher(slog.Default(), config.MatcherConfig{MatchSuffixLen: 6, CountryCodes: []string{"44"}})
	if got := m.MatchKey("+447911123456"); got != "123456" {
		t.Errorf("MatchKey with suffix 6 = %q, want 123456", got)
	}
	if m.SuffixLen() != 6 {
		t.Errorf("SuffixLen = %d, want 6", m.SuffixLen())
	}
}
