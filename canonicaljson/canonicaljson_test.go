package canonicaljson

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeSortsKeys(t *testing.T) {
	got, err := EncodeRaw([]byte(`{"b":1,"a":2,"c":{"z":1,"y":2}}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":2,"b":1,"c":{"y":2,"z":1}}`, string(got))
}

func TestEncodeNoWhitespace(t *testing.T) {
	got, err := EncodeRaw([]byte(`{ "a" : [1, 2,   3] }`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":[1,2,3]}`, string(got))
}

func TestEncodeMinimalStringEscaping(t *testing.T) {
	got, err := EncodeRaw([]byte(`{"a":"<b>&\"quoted\"\n"}`))
	require.NoError(t, err)
	assert.Equal(t, `{"a":"<b>&\"quoted\"\n"}`, string(got))
}

// P2: encode(decode(x)) == x for any PDU byte string this encoder produced.
func TestEncodeIsIdempotent(t *testing.T) {
	first, err := EncodeRaw([]byte(`{"b":1,"a":{"nested":true,"list":[3,1,2]}}`))
	require.NoError(t, err)
	second, err := EncodeRaw(first)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestSHA256Deterministic(t *testing.T) {
	v := map[string]interface{}{"room_id": "!abc:example.org", "depth": 3}
	h1, err := SHA256(v)
	require.NoError(t, err)
	h2, err := SHA256(v)
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.NotContains(t, h1, "=")
	assert.NotContains(t, h1, "+")
	assert.NotContains(t, h1, "/")
}

func TestEncodeRejectsNonFiniteNumbers(t *testing.T) {
	_, err := Encode(map[string]interface{}{"a": math_NaN()})
	assert.Error(t, err)
}

func math_NaN() float64 {
	var zero float64
	return zero / zero
}
