package ingest

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickman/tsdblite/errors"
	"github.com/nickman/tsdblite/metric"
)

func TestDecodeJSONObject(t *testing.T) {
	subs, err := DecodeJSON([]byte(
		`{"metric":"sys.cpu","timestamp":1700000000,"value":42,"tags":{"host":"localhost","type":"combined"}}`))
	require.NoError(t, err)
	require.Len(t, subs, 1)

	sub := subs[0]
	assert.Equal(t, "sys.cpu", sub.Metric)
	assert.False(t, sub.IsDouble)
	assert.Equal(t, int64(42), sub.LongValue)
	assert.Equal(t, int64(1700000000), sub.Timestamp)
	assert.Equal(t, map[string]string{"host": "localhost", "type": "combined"}, sub.Tags)
}

func TestDecodeJSONLeadingWhitespace(t *testing.T) {
	subs, err := DecodeJSON([]byte(
		" \n\t {\"metric\":\"sys.cpu\",\"timestamp\":1700000000,\"value\":1,\"tags\":{\"host\":\"a\"}}"))
	require.NoError(t, err)
	assert.Len(t, subs, 1)
}

func TestDecodeJSONFractionalValue(t *testing.T) {
	subs, err := DecodeJSON([]byte(
		`{"metric":"sys.cpu","timestamp":1700000000,"value":42.5,"tags":{"host":"a"}}`))
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.True(t, subs[0].IsDouble)
	assert.Equal(t, 42.5, subs[0].DoubleValue)
}

func TestDecodeJSONArrayDedupes(t *testing.T) {
	payload := `[
		{"metric":"sys.cpu","timestamp":1700000000,"value":42,"tags":{"host":"a"}},
		{"metric":"sys.cpu","timestamp":1700000000,"value":42,"tags":{"host":"a"}},
		{"metric":"sys.cpu","timestamp":1700000000,"value":43,"tags":{"host":"a"}},
		{"metric":"sys.mem","timestamp":1700000000,"value":42,"tags":{"host":"a"}}
	]`
	subs, err := DecodeJSON([]byte(payload))
	require.NoError(t, err)
	assert.Len(t, subs, 3)
}

func TestDecodeJSONErrors(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		want    error
	}{
		{"empty payload", "", errors.ErrInvalidPayload},
		{"not json", "hello", errors.ErrInvalidPayload},
		{"malformed object", `{"metric":`, errors.ErrInvalidPayload},
		{"missing metric", `{"timestamp":1700000000,"value":1}`, errors.ErrMissingField},
		{"missing timestamp", `{"metric":"a","value":1}`, errors.ErrMissingField},
		{"missing value", `{"metric":"a","timestamp":1700000000}`, errors.ErrMissingField},
		{"zero timestamp", `{"metric":"a","timestamp":0,"value":1}`, errors.ErrInvalidTimestamp},
		{"fractional timestamp", `{"metric":"a","timestamp":1.5,"value":1}`, errors.ErrInvalidTimestamp},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeJSON([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecodeJSONArrayRejectsBadElement(t *testing.T) {
	payload := `[
		{"metric":"sys.cpu","timestamp":1700000000,"value":42,"tags":{"host":"a"}},
		{"timestamp":1700000000,"value":42}
	]`
	_, err := DecodeJSON([]byte(payload))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrMissingField)
}

func TestTraceJSONRoundTrip(t *testing.T) {
	m, err := metric.New("sys.cpu", map[string]string{"host": "localhost", "type": "combined"})
	require.NoError(t, err)

	data, err := json.Marshal(metric.NewLongTrace(m, 42, 1700000000))
	require.NoError(t, err)

	subs, err := DecodeJSON(data)
	require.NoError(t, err)
	require.Len(t, subs, 1)

	out := subs[0]
	assert.Equal(t, "sys.cpu", out.Metric)
	assert.Equal(t, m.TagMap(), out.Tags)
	assert.False(t, out.IsDouble)
	assert.Equal(t, int64(42), out.LongValue)
	assert.Equal(t, int64(1700000000000), out.Timestamp)
}
