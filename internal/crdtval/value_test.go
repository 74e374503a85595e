package crdtval

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONRoundTrip(t *testing.T) {
	cases := []string{
		`null`,
		`true`,
		`42.5`,
		`"hello"`,
		`["a","b"]`,
		`{"k":"v","n":1}`,
	}

	for _, raw := range cases {
		var v Value
		require.NoError(t, json.Unmarshal([]byte(raw), &v), "unmarshal %s", raw)

		out, err := json.Marshal(v)
		require.NoError(t, err, "marshal %s", raw)

		var reparsed, original any
		_ = json.Unmarshal(out, &reparsed)
		_ = json.Unmarshal([]byte(raw), &original)

		outBytes, _ := json.Marshal(reparsed)
		inBytes, _ := json.Marshal(original)

		assert.JSONEq(t, string(inBytes), string(outBytes), "round trip mismatch for %s", raw)
	}
}

func TestMergeArrayUnionPreservesOrderAndDedups(t *testing.T) {
	a := FromStrings([]string{"x", "y"})
	b := FromStrings([]string{"y", "z"})

	merged := MergeArrayUnion(a, b)

	assert.Equal(t, []string{"x", "y", "z"}, merged.Strings())
}

func TestEqual(t *testing.T) {
	assert.True(t, Equal(FromText("a"), FromText("a")), "expected equal texts to be equal")
	assert.False(t, Equal(FromText("a"), FromText("b")), "expected different texts to be unequal")
	assert.False(t, Equal(FromText("1"), FromNumber(1)), "expected different kinds to be unequal")
}
