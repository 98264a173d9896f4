package argextract

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"

	"parley/internal/domain"
)

func TestValidateAndConvert_Enum(t *testing.T) {
	spec := &domain.ParamSpec{Type: "string", Enum: []any{"red", "green", "blue"}}

	assert.Equal(t, "red", ValidateAndConvert("Red", spec))
	assert.Equal(t, "green", ValidateAndConvert("green", spec))
	assert.Equal(t, "red", ValidateAndConvert("purple", spec), "falls back to first value")

	nums := &domain.ParamSpec{Type: "integer", Enum: []any{float64(1), float64(2)}}
	assert.Equal(t, float64(2), ValidateAndConvert("2", nums))
}

func TestValidateAndConvert_Array(t *testing.T) {
	spec := &domain.ParamSpec{Type: "array", Items: &domain.ParamSpec{Type: "string"}}

	assert.Equal(t, []any{"a"}, ValidateAndConvert("a", spec))
	assert.Equal(t, []any{"a", "1"}, ValidateAndConvert([]any{"a", float64(1)}, spec))
	assert.Equal(t, []any{"x", "y"}, ValidateAndConvert([]string{"x", "y"}, spec))
	assert.Equal(t, []any{}, ValidateAndConvert(nil, spec))

	ints := &domain.ParamSpec{Type: "array", Items: &domain.ParamSpec{Type: "integer"}}
	assert.Equal(t, []any{3, 4}, ValidateAndConvert([]any{"3.9", 4}, ints))
}

func TestValidateAndConvert_Object(t *testing.T) {
	spec := &domain.ParamSpec{
		Type: "object",
		Properties: map[string]*domain.ParamSpec{
			"n":  {Type: "integer"},
			"on": {Type: "boolean"},
		},
	}

	got := ValidateAndConvert(`{"n":"7","on":"yes","other":1}`, spec)
	assert.Equal(t, map[string]any{"n": 7, "on": true, "other": float64(1)}, got)

	got = ValidateAndConvert(map[string]any{"n": 2.5}, spec)
	assert.Equal(t, map[string]any{"n": 2}, got)

	assert.Nil(t, ValidateAndConvert("not an object", spec))
	assert.Nil(t, ValidateAndConvert(`[1,2]`, spec))
}

func TestValidateAndConvert_Numbers(t *testing.T) {
	integer := &domain.ParamSpec{Type: "integer"}
	number := &domain.ParamSpec{Type: "number"}

	assert.Equal(t, 15, ValidateAndConvert("15", integer))
	assert.Equal(t, 3, ValidateAndConvert(3.99, integer))
	assert.Equal(t, -2, ValidateAndConvert(" -2.7 ", integer))
	assert.Nil(t, ValidateAndConvert("abc", integer))
	assert.Nil(t, ValidateAndConvert(nil, integer))

	for _, bad := range []any{"nan", "NaN", "inf", "-Infinity", "1e30", -1e300, math.Inf(1)} {
		assert.Nil(t, ValidateAndConvert(bad, integer), "%v", bad)
	}
	assert.Nil(t, ValidateAndConvert("nan", number))
	assert.Nil(t, ValidateAndConvert("+Inf", number))
	assert.Equal(t, 1e30, ValidateAndConvert("1e30", number))

	assert.Equal(t, 2.5, ValidateAndConvert("2.5", number))
	assert.Equal(t, float64(4), ValidateAndConvert(4, number))
}

func TestValidateAndConvert_Boolean(t *testing.T) {
	spec := &domain.ParamSpec{Type: "boolean"}

	for _, in := range []any{"true", "1", "yes", "是", "on", "ON", " Yes ", true, 1, float64(2)} {
		assert.Equal(t, true, ValidateAndConvert(in, spec), "%v", in)
	}
	for _, in := range []any{"false", "no", "off", "", nil, false, 0} {
		assert.Equal(t, false, ValidateAndConvert(in, spec), "%v", in)
	}
}

func TestValidateAndConvert_String(t *testing.T) {
	spec := &domain.ParamSpec{Type: "string"}

	assert.Equal(t, "", ValidateAndConvert(nil, spec))
	assert.Equal(t, "hi", ValidateAndConvert("hi", spec))
	assert.Equal(t, "15", ValidateAndConvert(float64(15), spec))
	assert.Equal(t, "1.5", ValidateAndConvert(1.5, spec))
	assert.Equal(t, "true", ValidateAndConvert(true, spec))
	assert.Equal(t, `{"a":1}`, ValidateAndConvert(map[string]any{"a": 1}, spec))
}

func TestValidateAndConvert_NoSpec(t *testing.T) {
	assert.Equal(t, "x", ValidateAndConvert("x", nil))
	assert.Equal(t, 5, ValidateAndConvert(5, &domain.ParamSpec{}))
}
