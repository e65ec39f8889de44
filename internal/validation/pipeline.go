package validation

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
)

// Quarantiner receives records that could not be fully validated.
type Quarantiner interface {
	Enqueue(ctx context.Context, entry quarantine.Entry) (quarantine.ErrorRecord, error)
}

// Result is one validated record.
type Result struct {
	Fields         leaderboard.RawRecord
	Quarantined    bool
	QuarantineID   string
	FailedFields   []string
	RepairedFields []string
}

// Failed reports whether any field failed validation.
func (r Result) Failed() bool {
	return len(r.FailedFields) > 0
}

// Collection is the outcome of validating a batch.
type Collection struct {
	Results []Result
	// Failed counts items with at least one failing field, including dropped ones.
	Failed int
	// Dropped counts items removed from Results because they raised.
	Dropped int
}

// Pipeline applies a schema with a strategy.
type Pipeline struct {
	schema     *Schema
	strategy   Strategy
	quarantine Quarantiner
	logger     *zap.Logger
}

// NewPipeline creates a Pipeline. q may be nil, in which case quarantined records are only logged.
func NewPipeline(schema *Schema, strategy Strategy, q Quarantiner, logger *zap.Logger) *Pipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pipeline{
		schema:     schema,
		strategy:   strategy,
		quarantine: q,
		logger:     logger.Named("validation"),
	}
}

// Strategy returns the pipeline's strategy.
func (p *Pipeline) Strategy() Strategy {
	return p.strategy
}

// WithStrategy returns a copy of the pipeline using s.
func (p *Pipeline) WithStrategy(s Strategy) *Pipeline {
	cp := *p
	cp.strategy = s
	return &cp
}

// Validate checks one raw record. It returns an error when the strategy raises.
func (p *Pipeline) Validate(ctx context.Context, raw leaderboard.RawRecord, scopeID string) (Result, error) {
	out := make(leaderboard.RawRecord, len(raw))
	for k, v := range raw {
		out[k] = v
	}
	res := Result{Fields: out}
	var failures []error

	for i, rule := range p.schema.rules {
		validator := p.schema.validators[i]
		value, present := raw[rule.Field]
		missing := !present || isEmpty(value)

		var fieldErr *FieldError
		if missing {
			if !rule.Required {
				if rule.Constraints.Default != nil {
					out[rule.Field] = rule.Constraints.Default
				}
				continue
			}
			fieldErr = &FieldError{Field: rule.Field, Value: value, Err: ErrMissingRequiredField}
		} else {
			normalized, err := validator.Validate(value)
			if err == nil {
				out[rule.Field] = normalized
				continue
			}
			fieldErr = &FieldError{Field: rule.Field, Value: value, Err: err}
		}

		switch p.strategy {
		case StrategyStrict:
			return Result{}, fieldErr
		case StrategyLogOnly:
			if missing {
				return Result{}, fieldErr
			}
			p.logger.Warn("field failed validation", zap.String("scope", scopeID), zap.Error(fieldErr))
		case StrategyNull:
			out[rule.Field] = nil
		case StrategyRepair:
			if !missing {
				if fixed, ok := repair(validator, value); ok {
					out[rule.Field] = fixed
					res.RepairedFields = append(res.RepairedFields, rule.Field)
					continue
				}
			}
			out[rule.Field] = rule.Constraints.Default
		default:
			out[rule.Field] = rule.Constraints.Default
		}
		res.FailedFields = append(res.FailedFields, rule.Field)
		failures = append(failures, fieldErr)
	}

	if len(failures) > 0 && (p.strategy == StrategyQuarantine || p.strategy == StrategyRepair) {
		res.Quarantined = true
		res.QuarantineID = p.enqueue(ctx, raw, scopeID, res.FailedFields, failures)
	}
	return res, nil
}

// ValidateAll validates each item with the pipeline's strategy. Raising items are
// dropped; under the strict strategy the first raise aborts the batch.
func (p *Pipeline) ValidateAll(ctx context.Context, items []leaderboard.RawRecord, scopeID string) (Collection, error) {
	col := Collection{Results: make([]Result, 0, len(items))}
	for i, item := range items {
		res, err := p.Validate(ctx, item, scopeID)
		if err != nil {
			col.Failed++
			col.Dropped++
			if p.strategy == StrategyStrict {
				return col, fmt.Errorf("item %d: %w", i, err)
			}
			p.logger.Warn("record dropped", zap.String("scope", scopeID), zap.Int("index", i), zap.Error(err))
			continue
		}
		if res.Failed() {
			col.Failed++
		}
		col.Results = append(col.Results, res)
	}
	return col, nil
}

func (p *Pipeline) enqueue(ctx context.Context, raw leaderboard.RawRecord, scopeID string, fields []string, failures []error) string {
	reasons := make([]string, 0, len(failures))
	for _, f := range failures {
		reasons = append(reasons, f.Error())
	}
	if p.quarantine == nil {
		p.logger.Warn("record quarantined without a queue",
			zap.String("scope", scopeID),
			zap.Strings("fields", fields),
		)
		return ""
	}
	rec, err := p.quarantine.Enqueue(ctx, quarantine.Entry{
		Kind:         QuarantineKind(errors.Join(failures...)),
		ScopeID:      scopeID,
		Payload:      raw,
		Reason:       strings.Join(reasons, "; "),
		FailedFields: append([]string(nil), fields...),
		Action:       quarantine.ActionQuarantine,
	})
	if err != nil {
		p.logger.Error("enqueue quarantine record", zap.String("scope", scopeID), zap.Error(err))
		return ""
	}
	return rec.ID
}

func repair(v Validator, value any) (any, bool) {
	r, ok := v.(Repairer)
	if !ok {
		return nil, false
	}
	fixed, ok := r.Repair(value)
	if !ok {
		return nil, false
	}
	normalized, err := v.Validate(fixed)
	if err != nil {
		return nil, false
	}
	return normalized, true
}
