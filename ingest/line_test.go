package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nickman/tsdblite/errors"
)

func TestDecodeLine(t *testing.T) {
	sub, err := DecodeLine("put sys.cpu 1700000000 42 host=localhost type=combined")
	require.NoError(t, err)

	assert.Equal(t, "sys.cpu", sub.Metric)
	assert.False(t, sub.IsDouble)
	assert.Equal(t, int64(42), sub.LongValue)
	assert.Equal(t, int64(1700000000), sub.Timestamp)
	assert.Equal(t, map[string]string{"host": "localhost", "type": "combined"}, sub.Tags)
}

func TestDecodeLineFloatValue(t *testing.T) {
	for _, v := range []string{"42.5", "4e2", "4E2"} {
		sub, err := DecodeLine("put sys.cpu 1700000000 " + v + " host=a")
		require.NoError(t, err, v)
		assert.True(t, sub.IsDouble, v)
	}

	sub, err := DecodeLine("put sys.cpu 1700000000 -7 host=a")
	require.NoError(t, err)
	assert.False(t, sub.IsDouble)
	assert.Equal(t, int64(-7), sub.LongValue)
}

func TestDecodeLineTimestampDotStripping(t *testing.T) {
	sub, err := DecodeLine("put sys.cpu 1700000000.123 42 host=a")
	require.NoError(t, err)
	assert.Equal(t, int64(1700000000123), sub.Timestamp)
}

func TestDecodeLineErrors(t *testing.T) {
	tests := []struct {
		name string
		line string
		want error
	}{
		{"too few tokens", "put sys.cpu 1700000000 42", errors.ErrNotEnoughArguments},
		{"empty line", "", errors.ErrNotEnoughArguments},
		{"bare command", "put", errors.ErrNotEnoughArguments},
		{"bad timestamp", "put sys.cpu abc 42 host=a", errors.ErrInvalidTimestamp},
		{"zero timestamp", "put sys.cpu 0 42 host=a", errors.ErrInvalidTimestamp},
		{"negative timestamp", "put sys.cpu -5 42 host=a", errors.ErrInvalidTimestamp},
		{"bad integer value", "put sys.cpu 1700000000 4x host=a", errors.ErrInvalidValue},
		{"bad float value", "put sys.cpu 1700000000 4.x host=a", errors.ErrInvalidValue},
		{"tag without equals", "put sys.cpu 1700000000 42 host", errors.ErrInvalidTag},
		{"tag empty key", "put sys.cpu 1700000000 42 =a", errors.ErrInvalidTag},
		{"tag empty value", "put sys.cpu 1700000000 42 host=", errors.ErrInvalidTag},
		{"conflicting duplicate tag", "put sys.cpu 1700000000 42 host=a host=b", errors.ErrDuplicateTag},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeLine(tt.line)
			require.Error(t, err)
			assert.ErrorIs(t, err, tt.want)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestDecodeLineIdempotentDuplicateTag(t *testing.T) {
	sub, err := DecodeLine("put sys.cpu 1700000000 42 host=a host=a")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"host": "a"}, sub.Tags)
}

func TestDecodeLineExtraWhitespace(t *testing.T) {
	sub, err := DecodeLine("put   sys.cpu  1700000000   42  host=a")
	require.NoError(t, err)
	assert.Equal(t, "sys.cpu", sub.Metric)
}
