package validation

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"unicode/utf8"
)

// Validator checks one field value and returns its normalized form.
type Validator interface {
	Validate(value any) (any, error)
}

// Repairer attempts a deterministic fix for a value its Validator rejected.
type Repairer interface {
	Repair(value any) (any, bool)
}

func compile(r Rule) (Validator, error) {
	c := r.Constraints
	switch r.Kind {
	case KindInteger:
		if c.Min != nil && c.Max != nil && *c.Min > *c.Max {
			return nil, fmt.Errorf("min %d greater than max %d", *c.Min, *c.Max)
		}
		return integerValidator{min: c.Min, max: c.Max}, nil
	case KindString:
		if c.MaxLength > 0 && c.MinLength > c.MaxLength {
			return nil, fmt.Errorf("min length %d greater than max length %d", c.MinLength, c.MaxLength)
		}
		return stringValidator{minLen: c.MinLength, maxLen: c.MaxLength}, nil
	case KindEnum:
		if len(c.Allowed) == 0 {
			return nil, errors.New("enum rule without allowed values")
		}
		allowed := make(map[string]string, len(c.Allowed))
		for _, a := range c.Allowed {
			allowed[strings.ToLower(a)] = a
		}
		return enumValidator{allowed: allowed}, nil
	case KindJSON:
		return jsonValidator{}, nil
	case KindRequired:
		return requiredValidator{}, nil
	case KindDomain:
		if r.Check == nil {
			return nil, errors.New("domain rule without check")
		}
		return domainValidator{check: r.Check}, nil
	default:
		return nil, fmt.Errorf("unknown validator kind %q", r.Kind)
	}
}

type integerValidator struct {
	min, max *int64
}

func (v integerValidator) Validate(value any) (any, error) {
	n, ok := asInt64(value)
	if !ok {
		return nil, violation("expected integer, got %T", value)
	}
	if v.min != nil && n < *v.min {
		return nil, violation("%d below minimum %d", n, *v.min)
	}
	if v.max != nil && n > *v.max {
		return nil, violation("%d above maximum %d", n, *v.max)
	}
	return n, nil
}

func (v integerValidator) Repair(value any) (any, bool) {
	switch t := value.(type) {
	case string:
		return coerceInteger(t)
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil, false
		}
		return int64(math.Round(t)), true
	case float32:
		return v.Repair(float64(t))
	default:
		return nil, false
	}
}

type stringValidator struct {
	minLen, maxLen int
}

func (v stringValidator) Validate(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, violation("expected string, got %T", value)
	}
	n := utf8.RuneCountInString(s)
	if n < v.minLen {
		return nil, violation("length %d below minimum %d", n, v.minLen)
	}
	if v.maxLen > 0 && n > v.maxLen {
		return nil, violation("length %d above maximum %d", n, v.maxLen)
	}
	return s, nil
}

func (v stringValidator) Repair(value any) (any, bool) {
	var s string
	switch t := value.(type) {
	case string:
		s = t
	case fmt.Stringer:
		s = t.String()
	case int, int32, int64, float64, bool:
		s = fmt.Sprint(t)
	default:
		return nil, false
	}
	s = strings.Join(strings.Fields(s), " ")
	if v.maxLen > 0 {
		s = truncateRunes(s, v.maxLen)
	}
	return s, true
}

type enumValidator struct {
	allowed map[string]string
}

func (v enumValidator) Validate(value any) (any, error) {
	s, ok := value.(string)
	if !ok {
		return nil, violation("expected enum string, got %T", value)
	}
	canonical, ok := v.allowed[strings.ToLower(s)]
	if !ok || canonical != s {
		return nil, violation("%q is not an allowed value", s)
	}
	return s, nil
}

func (v enumValidator) Repair(value any) (any, bool) {
	s, ok := value.(string)
	if !ok {
		return nil, false
	}
	canonical, ok := v.allowed[strings.ToLower(strings.TrimSpace(s))]
	return canonical, ok
}

type jsonValidator struct{}

func (jsonValidator) Validate(value any) (any, error) {
	switch t := value.(type) {
	case map[string]any, []any:
		return t, nil
	case string:
		return decodeJSON([]byte(t))
	case []byte:
		return decodeJSON(t)
	default:
		return nil, violation("expected json document, got %T", value)
	}
}

func (jsonValidator) Repair(value any) (any, bool) {
	var raw string
	switch t := value.(type) {
	case string:
		raw = t
	case []byte:
		raw = string(t)
	default:
		return nil, false
	}
	out, err := decodeJSON([]byte(relaxJSON(raw)))
	if err != nil {
		return nil, false
	}
	return out, true
}

func decodeJSON(data []byte) (any, error) {
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, violation("invalid json: %v", err)
	}
	return out, nil
}

type requiredValidator struct{}

func (requiredValidator) Validate(value any) (any, error) {
	if isEmpty(value) {
		return nil, ErrMissingRequiredField
	}
	return value, nil
}

type domainValidator struct {
	check func(any) error
}

func (v domainValidator) Validate(value any) (any, error) {
	if err := v.check(value); err != nil {
		if errors.Is(err, ErrValidation) || errors.Is(err, ErrDataInconsistency) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	return value, nil
}

func isEmpty(value any) bool {
	switch t := value.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	default:
		return false
	}
}

func asInt64(value any) (int64, bool) {
	switch t := value.(type) {
	case int:
		return int64(t), true
	case int8:
		return int64(t), true
	case int16:
		return int64(t), true
	case int32:
		return int64(t), true
	case int64:
		return t, true
	case uint8:
		return int64(t), true
	case uint16:
		return int64(t), true
	case uint32:
		return int64(t), true
	case uint64:
		if t > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) || t != math.Trunc(t) || math.Abs(t) > math.MaxInt64 {
			return 0, false
		}
		return int64(t), true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
