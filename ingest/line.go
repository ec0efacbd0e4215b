// Package ingest decodes wire submissions — plaintext put lines and JSON
// payloads — into normalized traces and feeds them through the metric cache.
package ingest

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nickman/tsdblite/errors"
)

// Submission is a decoded wire submission before identity resolution. The
// timestamp carries the raw wire value; normalization to milliseconds
// happens when the trace is built.
type Submission struct {
	Metric      string
	Tags        map[string]string
	IsDouble    bool
	LongValue   int64
	DoubleValue float64
	Timestamp   int64
}

// DecodeLine decodes one plaintext submission line:
//
//	put <metric> <timestamp> <value> <tagKey>=<tagValue> [...]
//
// The command token is discarded. The timestamp has literal dots stripped
// before parsing and must be positive. The value is integer-typed unless it
// contains one of ". e E". Duplicate tag keys with equal values are
// idempotent; with differing values they are a hard error.
func DecodeLine(line string) (*Submission, error) {
	tokens := strings.Fields(line)
	if len(tokens) > 0 {
		// First token is the command, e.g. "put".
		tokens = tokens[1:]
	}
	if len(tokens) < 4 {
		return nil, errors.WrapInvalid(errors.ErrNotEnoughArguments,
			"ingest", "DecodeLine", "splitting line")
	}

	name := strings.TrimSpace(tokens[0])
	if name == "" {
		return nil, errors.WrapInvalid(errors.ErrEmptyMetricName,
			"ingest", "DecodeLine", "reading metric name")
	}

	ts, err := parseTimestamp(tokens[1])
	if err != nil {
		return nil, err
	}

	sub := &Submission{Metric: name, Timestamp: ts, Tags: make(map[string]string, len(tokens)-3)}

	value := tokens[2]
	if strings.ContainsAny(value, ".eE") {
		dv, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrInvalidValue, value),
				"ingest", "DecodeLine", "parsing float value")
		}
		sub.IsDouble = true
		sub.DoubleValue = dv
	} else {
		lv, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrInvalidValue, value),
				"ingest", "DecodeLine", "parsing integer value")
		}
		sub.LongValue = lv
	}

	for _, tok := range tokens[3:] {
		k, v, ok := strings.Cut(tok, "=")
		k, v = strings.TrimSpace(k), strings.TrimSpace(v)
		if !ok || k == "" || v == "" {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: %q", errors.ErrInvalidTag, tok),
				"ingest", "DecodeLine", "parsing tag")
		}
		if prev, dup := sub.Tags[k]; dup {
			if prev == v {
				continue
			}
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: key %q", errors.ErrDuplicateTag, k),
				"ingest", "DecodeLine", "parsing tag")
		}
		sub.Tags[k] = v
	}

	return sub, nil
}

// parseTimestamp strips literal dots (some senders emit fractional epoch
// seconds) and parses a positive 64-bit integer.
func parseTimestamp(raw string) (int64, error) {
	stripped := strings.ReplaceAll(raw, ".", "")
	ts, err := strconv.ParseInt(stripped, 10, 64)
	if err != nil || ts <= 0 {
		return 0, errors.WrapInvalid(
			fmt.Errorf("%w: %q", errors.ErrInvalidTimestamp, raw),
			"ingest", "parseTimestamp", "parsing timestamp")
	}
	return ts, nil
}
