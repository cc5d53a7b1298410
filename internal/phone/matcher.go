// Package phone normalizes phone-number identifiers and expands them into
// equivalence classes used for cross-channel conversation lookup.
package phone

import (
	"log/slog"
	"strings"

	"github.com/threadline/threadline/internal/config"
)

// countryRule describes how a supported country formats national numbers.
// NationalLen is the significant-digit count without trunk prefix or country code.
type countryRule struct {
	Code        string
	NationalLen int
	TrunkPrefix bool
}

// knownRules covers the country codes this deployment can expand. The matcher
// is deliberately heuristic, not a universal E.164 parser; a configured code
// outside this table is ignored with a warning at startup.
var knownRules = map[string]countryRule{
	"1":   {Code: "1", NationalLen: 10, TrunkPrefix: false},
	"33":  {Code: "33", NationalLen: 9, TrunkPrefix: true},
	"353": {Code: "353", NationalLen: 9, TrunkPrefix: true},
	"44":  {Code: "44", NationalLen: 10, TrunkPrefix: true},
	"61":  {Code: "61", NationalLen: 9, TrunkPrefix: true},
}

// Matcher expands normalized phone values into lookup variations and match keys.
type Matcher struct {
	suffixLen int
	rules     []countryRule
	logger    *slog.Logger
}

// NewMatcher creates a Matcher from config. Unknown country codes are dropped.
func NewMatcher(log *slog.Logger, cfg config.MatcherConfig) *Matcher {
	if log == nil {
		log = slog.Default()
	}
	suffixLen := cfg.MatchSuffixLen
	if suffixLen <= 0 {
		suffixLen = config.DefaultMatchSuffixLen
	}
	rules := make([]countryRule, 0, len(cfg.CountryCodes))
	for _, code := range cfg.CountryCodes {
		code = strings.TrimSpace(code)
		rule, ok := knownRules[code]
		if !ok {
			log.Warn("unsupported country code in matcher config, skipping", slog.String("code", code))
			continue
		}
		rules = append(rules, rule)
	}
	return &Matcher{
		suffixLen: suffixLen,
		rules:     rules,
		logger:    log.With(slog.String("component", "phone_matcher")),
	}
}

// Normalize strips everything except digits and a leading plus sign.
// A value beginning with + is treated as already carrying a country code.
func Normalize(raw string) string {
	var b strings.Builder
	for i, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
			continue
		}
		if r == '+' && i == 0 {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Digits returns the digits-only form of raw.
func Digits(raw string) string {
	return strings.TrimPrefix(Normalize(raw), "+")
}

// Variations returns the union, de-duplicated, of the literal normalized value
// and all heuristic reformattings: digits-only, trunk-prefixed national, and
// +country-code forms. The result is an OR set of lookup keys, never a proof
// of identity.
func (m *Matcher) Variations(raw string) []string {
	normalized := Normalize(raw)
	if normalized == "" {
		return nil
	}
	digits := strings.TrimPrefix(normalized, "+")
	out := []string{normalized}
	if digits != normalized {
		out = append(out, digits)
	}

	if strings.HasPrefix(normalized, "+") {
		// Already international: also offer the trunk-prefixed national form.
		for _, rule := range m.rules {
			if !strings.HasPrefix(digits, rule.Code) {
				continue
			}
			national := digits[len(rule.Code):]
			if len(national) != rule.NationalLen {
				continue
			}
			if rule.TrunkPrefix {
				out = append(out, "0"+national)
			}
			out = append(out, national)
		}
		return dedupe(out)
	}

	for _, rule := range m.rules {
		switch {
		case rule.TrunkPrefix && strings.HasPrefix(digits, "0") && len(digits) == rule.NationalLen+1:
			out = append(out, "+"+rule.Code+digits[1:])
		case len(digits) == rule.NationalLen && !strings.HasPrefix(digits, "0"):
			// Bare national number: best-effort country-code guess.
			out = append(out, "+"+rule.Code+digits)
		case strings.HasPrefix(digits, rule.Code) && len(digits) == len(rule.Code)+rule.NationalLen:
			// Country code present without the plus sign.
			out = append(out, "+"+digits)
			if rule.TrunkPrefix {
				out = append(out, "0"+digits[len(rule.Code):])
			}
		}
	}
	return dedupe(out)
}

// MatchKey returns the weak cross-channel key for raw: its last suffixLen
// digits. Values shorter than the suffix length key on all their digits.
func (m *Matcher) MatchKey(raw string) string {
	digits := Digits(raw)
	if digits == "" {
		return ""
	}
	if len(digits) <= m.suffixLen {
		return digits
	}
	return digits[len(digits)-m.suffixLen:]
}

// MatchKeys returns the de-duplicated match keys for every variation of raw.
// Formatting differences between channels collapse onto the same suffix, so
// in practice this is usually a single key.
func (m *Matcher) MatchKeys(raw string) []string {
	variations := m.Variations(raw)
	keys := make([]string, 0, len(variations))
	for _, v := range variations {
		if key := m.MatchKey(v); key != "" {
			keys = append(keys, key)
		}
	}
	return dedupe(keys)
}

// SuffixLen reports the configured match-key length.
func (m *Matcher) SuffixLen() int {
	return m.suffixLen
}

func dedupe(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}
