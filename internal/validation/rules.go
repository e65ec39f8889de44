// Package validation checks and repairs raw leaderboard fields before they become records.
package validation

import (
	"errors"
	"fmt"
	"strings"
)

// Kind selects the validator compiled for a rule.
type Kind string

// Validator kinds.
const (
	KindInteger  Kind = "integer"
	KindString   Kind = "string"
	KindEnum     Kind = "enum"
	KindJSON     Kind = "json"
	KindRequired Kind = "required"
	KindDomain   Kind = "domain"
)

// Strategy decides what happens to a record with failing fields.
type Strategy string

// Validation strategies.
const (
	StrategyStrict     Strategy = "strict"
	StrategyLogOnly    Strategy = "log-only"
	StrategyDefault    Strategy = "default"
	StrategyNull       Strategy = "null"
	StrategyQuarantine Strategy = "quarantine"
	StrategyRepair     Strategy = "repair"
)

// ParseStrategy validates a textual strategy name.
func ParseStrategy(raw string) (Strategy, error) {
	switch s := Strategy(strings.ToLower(strings.TrimSpace(raw))); s {
	case StrategyStrict, StrategyLogOnly, StrategyDefault, StrategyNull, StrategyQuarantine, StrategyRepair:
		return s, nil
	case "log_only", "logonly":
		return StrategyLogOnly, nil
	default:
		return "", fmt.Errorf("unknown validation strategy %q", raw)
	}
}

// Constraints bound a field's value. Nil pointers and zero lengths mean unbounded.
type Constraints struct {
	Min       *int64
	Max       *int64
	MinLength int
	MaxLength int
	Allowed   []string
	Default   any
}

// Rule describes one field of a schema.
type Rule struct {
	Field       string
	Kind        Kind
	Constraints Constraints
	Required    bool
	// Check is consulted for KindDomain rules.
	Check func(any) error
}

// Int64 is a helper for building Constraints literals.
func Int64(v int64) *int64 {
	return &v
}

// Schema is a compiled, ordered set of rules.
type Schema struct {
	rules      []Rule
	validators []Validator
}

// NewSchema compiles every rule into its validator once.
func NewSchema(rules ...Rule) (*Schema, error) {
	s := &Schema{}
	seen := make(map[string]struct{}, len(rules))
	var errs []error
	for _, r := range rules {
		if r.Field == "" {
			errs = append(errs, errors.New("rule with empty field name"))
			continue
		}
		if _, dup := seen[r.Field]; dup {
			errs = append(errs, fmt.Errorf("duplicate rule for field %q", r.Field))
			continue
		}
		seen[r.Field] = struct{}{}
		v, err := compile(r)
		if err != nil {
			errs = append(errs, fmt.Errorf("field %q: %w", r.Field, err))
			continue
		}
		s.rules = append(s.rules, r)
		s.validators = append(s.validators, v)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return s, nil
}

// MustSchema is NewSchema for static schemas; it panics on error.
func MustSchema(rules ...Rule) *Schema {
	s, err := NewSchema(rules...)
	if err != nil {
		panic(err)
	}
	return s
}

// Rules returns the schema's rules in evaluation order.
func (s *Schema) Rules() []Rule {
	return append([]Rule(nil), s.rules...)
}
