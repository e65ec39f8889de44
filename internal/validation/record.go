package validation

import (
	"fmt"
	"time"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
)

// MaxNameLength bounds character and clan names.
const MaxNameLength = 64

// LeaderboardSchema returns the schema applied to every scraped leaderboard row.
func LeaderboardSchema() *Schema {
	return MustSchema(
		Rule{
			Field:       leaderboard.FieldRank,
			Kind:        KindInteger,
			Required:    true,
			Constraints: Constraints{Min: Int64(1)},
		},
		Rule{
			Field:       leaderboard.FieldCharacterName,
			Kind:        KindString,
			Required:    true,
			Constraints: Constraints{MinLength: 1, MaxLength: MaxNameLength},
		},
		Rule{
			Field:       leaderboard.FieldClanName,
			Kind:        KindString,
			Constraints: Constraints{MaxLength: MaxNameLength, Default: ""},
		},
		Rule{
			Field: leaderboard.FieldClassTag,
			Kind:  KindEnum,
			Constraints: Constraints{
				Allowed: leaderboard.ClassTagNames(),
				Default: string(leaderboard.ClassUnknown),
			},
		},
		Rule{
			Field:       leaderboard.FieldPowerScore,
			Kind:        KindInteger,
			Required:    true,
			Constraints: Constraints{Min: Int64(0), Default: int64(0)},
		},
	)
}

// RecordFromFields builds a Record from validated fields. Nil fields become zero values.
func RecordFromFields(fields leaderboard.RawRecord, scopeID string, capturedAt time.Time) (leaderboard.Record, error) {
	rank, err := intField(fields, leaderboard.FieldRank)
	if err != nil {
		return leaderboard.Record{}, err
	}
	power, err := intField(fields, leaderboard.FieldPowerScore)
	if err != nil {
		return leaderboard.Record{}, err
	}
	class, _ := fields[leaderboard.FieldClassTag].(string)
	name, _ := fields[leaderboard.FieldCharacterName].(string)
	clan, _ := fields[leaderboard.FieldClanName].(string)
	return leaderboard.Record{
		Rank:          int(rank),
		CharacterName: name,
		ClanName:      clan,
		ClassTag:      leaderboard.ParseClassTag(class),
		PowerScore:    power,
		ScopeID:       scopeID,
		CapturedAt:    capturedAt,
	}, nil
}

// CheckRecord reports the first Record invariant rec breaks: a rank below 1 or an
// empty character name.
func CheckRecord(rec leaderboard.Record) error {
	if rec.CharacterName == "" {
		return &FieldError{Field: leaderboard.FieldCharacterName, Value: rec, Err: ErrMissingRequiredField}
	}
	if rec.Rank < 1 {
		return &FieldError{Field: leaderboard.FieldRank, Value: rec, Err: violation("rank %d below 1", rec.Rank)}
	}
	return nil
}

// CheckConsistency splits records into those with strictly increasing valid ranks
// and those that break the ordering. Rejected records carry ErrDataInconsistency.
func CheckConsistency(records []leaderboard.Record) ([]leaderboard.Record, []error) {
	kept := make([]leaderboard.Record, 0, len(records))
	var rejected []error
	last := 0
	for _, r := range records {
		switch {
		case r.Rank < 1:
			rejected = append(rejected, &FieldError{
				Field: leaderboard.FieldRank,
				Value: r,
				Err:   fmt.Errorf("%w: rank %d for %q", ErrDataInconsistency, r.Rank, r.CharacterName),
			})
		case r.Rank <= last:
			rejected = append(rejected, &FieldError{
				Field: leaderboard.FieldRank,
				Value: r,
				Err:   fmt.Errorf("%w: rank %d for %q follows rank %d", ErrDataInconsistency, r.Rank, r.CharacterName, last),
			})
		default:
			kept = append(kept, r)
			last = r.Rank
		}
	}
	return kept, rejected
}

func intField(fields leaderboard.RawRecord, field string) (int64, error) {
	v, ok := fields[field]
	if !ok || v == nil {
		return 0, nil
	}
	n, ok := asInt64(v)
	if !ok {
		return 0, &FieldError{Field: field, Value: v, Err: violation("expected integer, got %T", v)}
	}
	return n, nil
}
