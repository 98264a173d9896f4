package argextract

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"

	"parley/internal/domain"
)

// ValidateAndConvert coerces value to the shape declared by spec. It never
// fails: values that cannot be coerced become the type's empty form or nil.
func ValidateAndConvert(value any, spec *domain.ParamSpec) any {
	if spec == nil {
		return value
	}
	if len(spec.Enum) > 0 {
		return matchEnum(value, spec.Enum)
	}

	switch spec.Type {
	case "array":
		return toArray(value, spec.Items)
	case "object":
		return toObject(value, spec)
	case "integer":
		f, ok := toFloat(value)
		if !ok || f >= math.MaxInt || f < math.MinInt {
			return nil
		}
		return int(f)
	case "number":
		f, ok := toFloat(value)
		if !ok {
			return nil
		}
		return f
	case "boolean":
		return toBool(value)
	case "string":
		return toString(value)
	}
	return value
}

// matchEnum picks the exact match, then a case-insensitive match, then the
// first allowed value.
func matchEnum(value any, enum []any) any {
	for _, e := range enum {
		if reflect.DeepEqual(e, value) {
			return e
		}
	}
	s := toString(value)
	for _, e := range enum {
		if toString(e) == s {
			return e
		}
	}
	for _, e := range enum {
		if strings.EqualFold(toString(e), s) {
			return e
		}
	}
	return enum[0]
}

func toArray(value any, items *domain.ParamSpec) []any {
	if value == nil {
		return []any{}
	}
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return []any{ValidateAndConvert(value, items)}
	}
	out := make([]any, rv.Len())
	for i := range out {
		out[i] = ValidateAndConvert(rv.Index(i).Interface(), items)
	}
	return out
}

func toObject(value any, spec *domain.ParamSpec) any {
	var obj map[string]any
	switch v := value.(type) {
	case map[string]any:
		obj = v
	case string:
		if err := json.Unmarshal([]byte(v), &obj); err != nil || obj == nil {
			return nil
		}
	default:
		return nil
	}
	if len(spec.Properties) == 0 {
		return obj
	}
	return Convert(spec, obj)
}

// toFloat reads value as a finite number.
func toFloat(value any) (float64, bool) {
	f, ok := rawFloat(value)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func rawFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case nil:
		return 0, false
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case int32:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case bool:
		if v {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		return f, err == nil
	}
	return 0, false
}

func toBool(value any) bool {
	switch v := value.(type) {
	case nil:
		return false
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes", "是", "on":
			return true
		}
		return false
	}
	f, ok := toFloat(value)
	return ok && f != 0
}

func toString(value any) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case map[string]any, []any:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprint(v)
		}
		return string(b)
	}
	return fmt.Sprint(value)
}
