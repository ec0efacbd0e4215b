package metric

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMs(t *testing.T) {
	tests := []struct {
		name string
		in   int64
		want int64
	}{
		{"seconds converted", 1700000000, 1700000000000},
		{"millis unchanged", 1700000000000, 1700000000000},
		{"threshold is seconds", MaxSecsTime, MaxSecsTime * 1000},
		{"just above threshold is millis", MaxSecsTime + 1, MaxSecsTime + 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ToMs(tt.in))
		})
	}
}

func TestTraceValueTyping(t *testing.T) {
	m, err := New("sys.cpu", map[string]string{"host": "a"})
	require.NoError(t, err)

	lt := NewLongTrace(m, 42, 1700000000)
	assert.False(t, lt.IsDouble)
	assert.Equal(t, int64(42), lt.Value())
	assert.Equal(t, "42", lt.ValueString())
	assert.Equal(t, int64(1700000000000), lt.TimestampMs)

	dt := NewDoubleTrace(m, 42.5, 1700000000000)
	assert.True(t, dt.IsDouble)
	assert.Equal(t, 42.5, dt.Value())
	assert.Equal(t, "42.5", dt.ValueString())
	assert.Equal(t, int64(1700000000000), dt.TimestampMs)
}

func TestTraceMarshalJSON(t *testing.T) {
	m, err := New("sys.cpu", map[string]string{"host": "localhost", "type": "combined"})
	require.NoError(t, err)

	data, err := json.Marshal(NewLongTrace(m, 42, 1700000000))
	require.NoError(t, err)

	var got map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &got))
	assert.JSONEq(t, `"sys.cpu"`, string(got["metric"]))
	assert.Equal(t, "1700000000000", string(got["timestamp"]))
	// Integral value stays unquoted and undecorated.
	assert.Equal(t, "42", string(got["value"]))
	assert.JSONEq(t, `{"host":"localhost","type":"combined"}`, string(got["tags"]))
}
