package metrics

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name   string
		raw    string
		kind   Kind
		scalar float64
	}{
		{"plain number", `0.93`, Number, 0.93},
		{"negative exponent", ` -1.5e-3 `, Number, -0.0015},
		{"default object", `{"default": 0.8, "loss": 0.2}`, DefaultObject, 0.8},
		{"double encoded number", `"0.5"`, Number, 0.5},
		{"double encoded object", `"{\"default\": 12}"`, DefaultObject, 12},
		{"double encoded infinity", `"Infinity"`, Number, math.Inf(1)},
		{"double encoded negative infinity", `"-Infinity"`, Number, math.Inf(-1)},
		{"bare infinity", `Infinity`, Number, math.Inf(1)},
		{"default infinity", `{"default": -Infinity}`, DefaultObject, math.Inf(-1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := Decode(tt.raw)
			assert.NoError(t, v.Err)
			assert.Equal(t, tt.kind, v.Kind)
			assert.Equal(t, tt.scalar, v.Scalar)
		})
	}
}

func TestDecodeNaN(t *testing.T) {
	for _, raw := range []string{`NaN`, `"NaN"`, `{"default": NaN}`, `"{\"default\": NaN}"`} {
		v := Decode(raw)
		assert.True(t, v.Ok(), raw)
		assert.True(t, math.IsNaN(v.Scalar), raw)
	}
}

func TestDecodeFailures(t *testing.T) {
	for _, raw := range []string{
		``,
		`true`,
		`[1, 2]`,
		`{"accuracy": 0.9}`,
		`{"default": "high"}`,
		`"hello"`,
		`"\"0.5\""`,
		`0.5 0.6`,
		`NaNa`,
	} {
		v := Decode(raw)
		assert.False(t, v.Ok(), "expected failure for %q, got %v", raw, v)
		assert.Error(t, v.Err, raw)
	}
}

func TestDecodeKeepsLiteralsInStrings(t *testing.T) {
	v := Decode(`{"default": 1, "note": "NaN is fine here", "other": NaN}`)
	assert.Equal(t, DefaultObject, v.Kind)
	assert.Equal(t, "NaN is fine here", v.Extra["note"])
	assert.Equal(t, "NaN", v.Extra["other"])
}

func TestBetter(t *testing.T) {
	assert.True(t, Better(2, 1, true))
	assert.False(t, Better(2, 1, false))
	assert.True(t, Better(1, math.NaN(), true))
	assert.False(t, Better(math.NaN(), 1, false))
	assert.False(t, Better(1, 1, true))
}
