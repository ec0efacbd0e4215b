package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/nickman/tsdblite/errors"
)

// jsonSubmission is the wire shape of one JSON submission object.
type jsonSubmission struct {
	Metric    string            `json:"metric"`
	Timestamp *json.Number      `json:"timestamp"`
	Value     *json.Number      `json:"value"`
	Tags      map[string]string `json:"tags"`
}

// DecodeJSON decodes a JSON payload holding either a single submission
// object or an array of them, dispatching on the first non-space byte.
// Array elements that are exact duplicates (same metric, tags, timestamp
// and value) are collapsed to one submission.
func DecodeJSON(data []byte) ([]*Submission, error) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	if len(trimmed) == 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidPayload,
			"ingest", "DecodeJSON", "inspecting payload")
	}

	switch trimmed[0] {
	case '{':
		var js jsonSubmission
		if err := unmarshalStrictNumbers(trimmed, &js); err != nil {
			return nil, err
		}
		sub, err := js.toSubmission()
		if err != nil {
			return nil, err
		}
		return []*Submission{sub}, nil

	case '[':
		var elems []jsonSubmission
		if err := unmarshalStrictNumbers(trimmed, &elems); err != nil {
			return nil, err
		}

		seen := make(map[string]struct{}, len(elems))
		subs := make([]*Submission, 0, len(elems))
		for i := range elems {
			sub, err := elems[i].toSubmission()
			if err != nil {
				return nil, err
			}
			key := sub.dedupeKey()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			subs = append(subs, sub)
		}
		return subs, nil

	default:
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: payload starts with %q", errors.ErrInvalidPayload, trimmed[0]),
			"ingest", "DecodeJSON", "inspecting payload")
	}
}

func unmarshalStrictNumbers(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrInvalidPayload, err),
			"ingest", "DecodeJSON", "parsing json")
	}
	return nil
}

func (js *jsonSubmission) toSubmission() (*Submission, error) {
	if strings.TrimSpace(js.Metric) == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: metric", errors.ErrMissingField),
			"ingest", "DecodeJSON", "validating submission")
	}
	if js.Timestamp == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: timestamp", errors.ErrMissingField),
			"ingest", "DecodeJSON", "validating submission")
	}
	if js.Value == nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: value", errors.ErrMissingField),
			"ingest", "DecodeJSON", "validating submission")
	}

	ts, err := js.Timestamp.Int64()
	if err != nil || ts <= 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrInvalidTimestamp, js.Timestamp.String()),
			"ingest", "DecodeJSON", "reading timestamp")
	}

	sub := &Submission{
		Metric:    strings.TrimSpace(js.Metric),
		Tags:      js.Tags,
		Timestamp: ts,
	}

	// Integral JSON numbers stay integer-typed, fractional ones float.
	raw := js.Value.String()
	if strings.ContainsAny(raw, ".eE") {
		dv, err := js.Value.Float64()
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrInvalidValue, raw),
				"ingest", "DecodeJSON", "reading value")
		}
		sub.IsDouble = true
		sub.DoubleValue = dv
	} else {
		lv, err := js.Value.Int64()
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrInvalidValue, raw),
				"ingest", "DecodeJSON", "reading value")
		}
		sub.LongValue = lv
	}

	return sub, nil
}

// dedupeKey renders the submission with sorted tag keys so equal
// submissions collapse regardless of tag map iteration order.
func (s *Submission) dedupeKey() string {
	keys := make([]string, 0, len(s.Tags))
	for k := range s.Tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	b.WriteString(s.Metric)
	for _, k := range keys {
		b.WriteByte('|')
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(s.Tags[k])
	}
	fmt.Fprintf(&b, "|%d|%t|%d|%g", s.Timestamp, s.IsDouble, s.LongValue, s.DoubleValue)
	return b.String()
}
