package ids

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	a := New()
	b := New()

	assert.NotEqual(t, a, b, "expected distinct DocIDs")
	assert.False(t, a.IsNil(), "freshly generated DocID should not be nil")
	assert.False(t, b.IsNil(), "freshly generated DocID should not be nil")
}

func TestParseRoundTrip(t *testing.T) {
	d := New()

	parsed, err := Parse(d.String())
	require.NoError(t, err)
	assert.Equal(t, d, parsed, "round trip mismatch")
}

func TestScanValueRoundTrip(t *testing.T) {
	d := New()

	v, err := d.Value()
	require.NoError(t, err)

	var out DocID
	require.NoError(t, out.Scan(v))
	assert.Equal(t, d, out, "scan/value round trip mismatch")
}

func TestNilValueIsSQLNull(t *testing.T) {
	v, err := Nil.Value()
	require.NoError(t, err)
	assert.Nil(t, v, "expected nil driver.Value for Nil DocID")
}
