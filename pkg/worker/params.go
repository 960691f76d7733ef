package worker

import (
	"fmt"
	"math"
	"time"

	"omotes/internal/apperrors"
)

var (
	// ErrMissingParam is returned when a required workflow parameter is absent.
	ErrMissingParam = fmt.Errorf("missing workflow parameter: %w", apperrors.ErrValidation)
	// ErrWrongParamType is returned when a workflow parameter has an unexpected type.
	ErrWrongParamType = fmt.Errorf("wrong workflow parameter type: %w", apperrors.ErrValidation)
)

// Param lists the types ParseParam can produce.
type Param interface {
	string | bool | int | int64 | float64 | time.Time | []any | map[string]any
}

// ParseParam looks up key in params and converts it to T. If key is absent
// the first default is returned, or ErrMissingParam when none is given.
// Floats are truncated when T is an integer type; times are read from
// RFC 3339 strings or unix seconds.
func ParseParam[T Param](params map[string]any, key string, def ...T) (T, error) {
	var zero T
	raw, ok := params[key]
	if !ok || raw == nil {
		if len(def) > 0 {
			return def[0], nil
		}
		return zero, fmt.Errorf("%w: %q", ErrMissingParam, key)
	}

	v, ok := convert(any(zero), raw)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, want %T", ErrWrongParamType, key, raw, zero)
	}
	out, ok := v.(T)
	if !ok {
		return zero, fmt.Errorf("%w: %q is %T, want %T", ErrWrongParamType, key, raw, zero)
	}
	return out, nil
}

// convert returns raw as the dynamic type of target.
func convert(target, raw any) (any, bool) {
	switch target.(type) {
	case string:
		s, ok := raw.(string)
		return s, ok
	case bool:
		b, ok := raw.(bool)
		return b, ok
	case int:
		n, ok := asInt64(raw)
		if !ok || n > math.MaxInt || n < math.MinInt {
			return nil, false
		}
		return int(n), true
	case int64:
		return asInt64(raw)
	case float64:
		return asFloat64(raw)
	case time.Time:
		return asTime(raw)
	case []any:
		s, ok := raw.([]any)
		return s, ok
	case map[string]any:
		m, ok := raw.(map[string]any)
		return m, ok
	}
	return nil, false
}

func asInt64(raw any) (int64, bool) {
	switch n := raw.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint:
		if uint64(n) > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case uint64:
		if n > math.MaxInt64 {
			return 0, false
		}
		return int64(n), true
	case float32:
		return truncate(float64(n))
	case float64:
		return truncate(n)
	}
	return 0, false
}

func truncate(f float64) (int64, bool) {
	if math.IsNaN(f) || f >= math.MaxInt64 || f < math.MinInt64 {
		return 0, false
	}
	return int64(f), true
}

func asFloat64(raw any) (float64, bool) {
	switch n := raw.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case uint:
		return float64(n), true
	}
	if i, ok := asInt64(raw); ok {
		return float64(i), true
	}
	return 0, false
}

func asTime(raw any) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	}
	if f, ok := asFloat64(raw); ok {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}
