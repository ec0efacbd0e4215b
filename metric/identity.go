// Package metric implements the metric identity model and the live metric
// cache: canonical (name, tags) identities with deterministic 64-bit hashes,
// last-value cache entries, TTL expiry sweeping and lifecycle event dispatch.
package metric

import (
	"encoding/json"
	"sort"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/nickman/tsdblite/errors"
)

// Tag is one canonical key/value pair of a metric identity.
type Tag struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Metric is an immutable metric identity: a cleaned name, its tags in
// canonical order, and a 64-bit hash computed once at construction.
//
// Identity hash v1: xxhash64 over the cleaned name and each canonically
// ordered key and value, all NUL-separated. Collisions are not detected;
// colliding identities are treated as identical.
type Metric struct {
	name string
	tags []Tag
	hash uint64
}

// clean trims, lowercases, and replaces ':' with ';'. Lowercasing makes the
// host/app-first tag ordering a total order.
func clean(s string) string {
	return strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), ":", ";")
}

// tagRank orders tag keys: host first, app second, remainder lexicographic.
func tagRank(key string) int {
	switch key {
	case "host":
		return 0
	case "app":
		return 1
	default:
		return 2
	}
}

// New builds a metric identity from a raw name and tag map. Keys and values
// are cleaned; a key cleaning to the empty string is invalid. Tag count
// bounds are enforced by the cache, not here.
func New(name string, tags map[string]string) (*Metric, error) {
	cname := clean(name)
	if cname == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyMetricName, "Metric", "New", "cleaning metric name")
	}

	ordered := make([]Tag, 0, len(tags))
	for k, v := range tags {
		ck, cv := clean(k), clean(v)
		if ck == "" || cv == "" {
			return nil, errors.WrapInvalid(errors.ErrInvalidTag, "Metric", "New", "cleaning tag pair")
		}
		ordered = append(ordered, Tag{Key: ck, Value: cv})
	}

	sort.Slice(ordered, func(i, j int) bool {
		ri, rj := tagRank(ordered[i].Key), tagRank(ordered[j].Key)
		if ri != rj {
			return ri < rj
		}
		return ordered[i].Key < ordered[j].Key
	})

	// Cleaning can collapse distinct raw keys onto one canonical key.
	for i := 1; i < len(ordered); i++ {
		if ordered[i].Key == ordered[i-1].Key {
			return nil, errors.WrapInvalid(errors.ErrDuplicateTag, "Metric", "New", "ordering tags")
		}
	}

	return &Metric{
		name: cname,
		tags: ordered,
		hash: hashIdentity(cname, ordered),
	}, nil
}

func hashIdentity(name string, tags []Tag) uint64 {
	d := xxhash.New()
	_, _ = d.WriteString(name)
	_, _ = d.Write([]byte{0})
	for _, t := range tags {
		_, _ = d.WriteString(t.Key)
		_, _ = d.Write([]byte{0})
		_, _ = d.WriteString(t.Value)
		_, _ = d.Write([]byte{0})
	}
	return d.Sum64()
}

// Name returns the cleaned metric name.
func (m *Metric) Name() string { return m.name }

// Hash returns the 64-bit identity hash.
func (m *Metric) Hash() uint64 { return m.hash }

// TagCount returns the number of tags.
func (m *Metric) TagCount() int { return len(m.tags) }

// Tags returns the tags in canonical order. The returned slice is shared;
// callers must not mutate it.
func (m *Metric) Tags() []Tag { return m.tags }

// TagMap returns a fresh map of the tags.
func (m *Metric) TagMap() map[string]string {
	out := make(map[string]string, len(m.tags))
	for _, t := range m.tags {
		out[t.Key] = t.Value
	}
	return out
}

// TagValue returns the value for key and whether it is present.
func (m *Metric) TagValue(key string) (string, bool) {
	for _, t := range m.tags {
		if t.Key == key {
			return t.Value, true
		}
	}
	return "", false
}

// String renders the identity as "name:key=value,key=value" in canonical
// order.
func (m *Metric) String() string {
	var b strings.Builder
	b.WriteString(m.name)
	b.WriteByte(':')
	for i, t := range m.tags {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(t.Key)
		b.WriteByte('=')
		b.WriteString(t.Value)
	}
	return b.String()
}

// metricJSON is the serialized identity shape.
type metricJSON struct {
	Name string            `json:"name"`
	Tags map[string]string `json:"tags"`
	Hash uint64            `json:"hash"`
}

// MarshalJSON implements json.Marshaler.
func (m *Metric) MarshalJSON() ([]byte, error) {
	return json.Marshal(metricJSON{
		Name: m.name,
		Tags: m.TagMap(),
		Hash: m.hash,
	})
}
