package canonicalize

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJCS_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":2,"c":3}`, string(b))
}

func TestJCS_RecursiveSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": []any{map[string]any{"q": 1, "p": 2}},
		},
		"a": 1,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"z":{"x":[{"p":2,"q":1}],"y":"foo"}}`, string(b))
}

func TestJCS_NoHTMLEscaping(t *testing.T) {
	input := map[string]string{
		"html": "<b>route</b> & co",
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"html":"<b>route</b> & co"}`, string(b))
}

func TestJCS_IgnoresWhitespaceAndFieldOrder(t *testing.T) {
	var a, b any
	require.NoError(t, json.Unmarshal([]byte(`{"option":"RouteA","subject_id":"S1"}`), &a))
	require.NoError(t, json.Unmarshal([]byte("{\n  \"subject_id\" : \"S1\",\n\t\"option\":\"RouteA\"\n}"), &b))

	ja, err := JCS(a)
	require.NoError(t, err)
	jb, err := JCS(b)
	require.NoError(t, err)
	assert.Equal(t, string(ja), string(jb))
}

func TestJCS_StructTagsRespected(t *testing.T) {
	type rec struct {
		Zeta  string         `json:"zeta"`
		Alpha string         `json:"alpha"`
		Trace map[string]any `json:"trace,omitempty"`
	}

	b, err := JCS(rec{Zeta: "z", Alpha: "a"})
	require.NoError(t, err)
	assert.Equal(t, `{"alpha":"a","zeta":"z"}`, string(b))
}

func TestJCS_NumberFormatting(t *testing.T) {
	input := map[string]any{
		"int":      json.Number("100"),
		"trailing": json.Number("2.50"),
		"float":    1.0,
	}

	b, err := JCS(input)
	require.NoError(t, err)
	assert.Equal(t, `{"float":1,"int":100,"trailing":2.5}`, string(b))
}

func TestJCS_HashesExactBytes(t *testing.T) {
	composed := map[string]any{"port": "Montr\u00e9al"}
	decomposed := map[string]any{"port": "Montre\u0301al"}

	a, err := JCS(composed)
	require.NoError(t, err)
	b, err := JCS(decomposed)
	require.NoError(t, err)
	assert.NotEqual(t, string(a), string(b))

	keys, err := JCS(map[string]any{"caf\u00e9": 1, "cafe\u0301": 2})
	require.NoError(t, err)
	assert.Equal(t, "{\"cafe\u0301\":2,\"caf\u00e9\":1}", string(keys))
}

func TestJCS_LargeIntegersKeepTheirValue(t *testing.T) {
	above, err := CanonicalHash(map[string]any{"id": int64(9007199254740993)})
	require.NoError(t, err)
	below, err := CanonicalHash(map[string]any{"id": int64(9007199254740992)})
	require.NoError(t, err)
	assert.NotEqual(t, above, below)

	b, err := JCS(map[string]any{"id": json.Number("9007199254740993"), "frac": json.Number("0.10000000000000000001")})
	require.NoError(t, err)
	assert.Equal(t, `{"frac":"\u0000exact:10000000000000000001/100000000000000000000","id":"\u0000exact:9007199254740993"}`, string(b))

	// Exactly representable values keep the plain number form.
	b, err = JCS(map[string]any{"id": int64(9007199254740992), "half": json.Number("0.5")})
	require.NoError(t, err)
	assert.Equal(t, `{"half":0.5,"id":9007199254740992}`, string(b))
}

func TestJCS_Rejects(t *testing.T) {
	tests := map[string]any{
		"reserved string": map[string]any{"id": "\x00exact:1"},
		"reserved key":    map[string]any{"\x00exact:1": true},
		"huge exponent":   map[string]any{"n": json.Number("1e99999999")},
		"overflow":        map[string]any{"n": json.Number("1e400")},
	}
	for name, input := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := JCS(input)
			assert.Error(t, err)
		})
	}
}

func TestJCS_UnsupportedValue(t *testing.T) {
	_, err := JCS(map[string]any{"ch": make(chan int)})
	assert.Error(t, err)
}

func TestHashBytes(t *testing.T) {
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", HashBytes([]byte("abc")))
	assert.Len(t, HashBytes(nil), DigestSize)
}

func TestCanonicalHash_Stability(t *testing.T) {
	v1 := map[string]any{"a": 1, "b": 2}

	type S struct {
		B int `json:"b"`
		A int `json:"a"`
	}
	v2 := S{A: 1, B: 2}

	h1, err := CanonicalHash(v1)
	require.NoError(t, err)
	h2, err := CanonicalHash(v2)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
}

func TestIsDigest(t *testing.T) {
	assert.True(t, IsDigest(strings.Repeat("0", DigestSize)))
	assert.True(t, IsDigest(HashBytes([]byte("x"))))
	assert.False(t, IsDigest("tampered"))
	assert.False(t, IsDigest(strings.Repeat("A", DigestSize)))
}
