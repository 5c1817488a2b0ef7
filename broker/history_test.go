package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseHistoryEntry(t *testing.T) {
	seq, val, ok := parseHistoryEntry("17|52.2297")
	require.True(t, ok)
	assert.Equal(t, uint64(17), seq)
	assert.Equal(t, "52.2297", val.String())

	seq, val, ok = parseHistoryEntry("3|null")
	require.True(t, ok)
	assert.Equal(t, uint64(3), seq)
	assert.True(t, val.IsNull())

	// Values may contain the delimiter; only the first one splits.
	seq, val, ok = parseHistoryEntry(`5|"a|b"`)
	require.True(t, ok)
	assert.Equal(t, uint64(5), seq)
	s, err := val.Text()
	require.NoError(t, err)
	assert.Equal(t, "a|b", s)

	for _, item := range []string{"", "|", "17", "x|1", "17|{bad", "|1"} {
		_, _, ok := parseHistoryEntry(item)
		assert.False(t, ok, "entry %q", item)
	}
}
