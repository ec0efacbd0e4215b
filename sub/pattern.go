// Package sub implements pattern subscriptions over WebSocket channels:
// structured name/tag patterns matched against the live metric population,
// with NEW_METRIC, EXPIRED_METRIC and DATA events fanned out to subscribed
// channels through a bounded worker pool.
package sub

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/metric"
)

// anyValue marks a tag constraint satisfied by any value.
const anyValue = "*"

// Pattern is a parsed subscription pattern:
//
//	<name>:<key>=<value>,<key>=*[,*]
//
// The name may contain '*' wildcards. Tag constraints require the key to be
// present with the exact value, or any value for '*'. A trailing bare '*'
// is the any-remaining-tags marker; identity tag keys the pattern does not
// constrain are always permitted, so the marker is accepted for
// compatibility but does not change matching.
type Pattern struct {
	raw          string
	name         string
	constraints  map[string]string
	anyRemaining bool
}

// ParsePattern parses and canonicalizes a pattern. Keys and values are
// cleaned the same way metric identities are, so patterns match against
// canonical identities.
func ParsePattern(raw string) (*Pattern, error) {
	namePart, tagPart, hasTags := strings.Cut(raw, ":")
	name := strings.ToLower(strings.TrimSpace(namePart))
	if name == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrInvalidPattern, raw),
			"sub", "ParsePattern", "reading pattern name")
	}

	p := &Pattern{
		raw:         raw,
		name:        name,
		constraints: make(map[string]string),
	}

	if !hasTags || strings.TrimSpace(tagPart) == "" {
		return p, nil
	}

	for _, tok := range strings.Split(tagPart, ",") {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		if tok == anyValue {
			p.anyRemaining = true
			continue
		}
		k, v, ok := strings.Cut(tok, "=")
		k = strings.ToLower(strings.TrimSpace(k))
		v = strings.ToLower(strings.TrimSpace(v))
		if !ok || k == "" || v == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: tag constraint %q", errors.ErrInvalidPattern, tok),
				"sub", "ParsePattern", "reading tag constraint")
		}
		p.constraints[k] = v
	}

	return p, nil
}

// Matches reports whether a concrete identity satisfies the pattern: the
// name must glob-match and every constrained key must be present with a
// satisfying value.
func (p *Pattern) Matches(m *metric.Metric) bool {
	if !globMatch(p.name, m.Name()) {
		return false
	}
	for k, want := range p.constraints {
		got, ok := m.TagValue(k)
		if !ok {
			return false
		}
		if want != anyValue && !globMatch(want, got) {
			return false
		}
	}
	return true
}

// canonical renders the pattern deterministically for identity hashing.
func (p *Pattern) canonical() string {
	keys := make([]string, 0, len(p.constraints))
	for k := range p.constraints {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(p.name)
	for _, k := range keys {
		b.WriteByte(',')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(p.constraints[k])
	}
	if p.anyRemaining {
		b.WriteString(",*")
	}
	return b.String()
}

// String returns the raw pattern text.
func (p *Pattern) String() string { return p.raw }

// subscriptionHash computes the 64-bit identity of (pattern, kinds).
func subscriptionHash(p *Pattern, kinds EventMask) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(p.canonical())
	_, _ = d.Write([]byte{0, byte(kinds)})
	return d.Sum64()
}

// globMatch matches s against a pattern where '*' matches any run of
// characters, including the empty run.
func globMatch(pattern, s string) bool {
	px, sx := 0, 0
	star, mark := -1, 0
	for sx < len(s) {
		switch {
		case px < len(pattern) && (pattern[px] == s[sx]):
			px++
			sx++
		case px < len(pattern) && pattern[px] == '*':
			star = px
			mark = sx
			px++
		case star >= 0:
			px = star + 1
			mark++
			sx = mark
		default:
			return false
		}
	}
	for px < len(pattern) && pattern[px] == '*' {
		px++
	}
	return px == len(pattern)
}
