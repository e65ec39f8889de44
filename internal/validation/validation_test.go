package validation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/leaderboard-crawler/internal/leaderboard"
	"github.com/JakeFAU/leaderboard-crawler/internal/quarantine"
)

type recordingQuarantine struct {
	mu      sync.Mutex
	entries []quarantine.Entry
}

func (r *recordingQuarantine) Enqueue(_ context.Context, e quarantine.Entry) (quarantine.ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return quarantine.ErrorRecord{ID: "q-1", Kind: e.Kind}, nil
}

func row(rank any, name any, power any) leaderboard.RawRecord {
	return leaderboard.RawRecord{
		leaderboard.FieldRank:          rank,
		leaderboard.FieldCharacterName: name,
		leaderboard.FieldClanName:      "Night",
		leaderboard.FieldClassTag:      "warrior",
		leaderboard.FieldPowerScore:    power,
	}
}

func missingPower() leaderboard.RawRecord {
	r := row(1, "Aria", nil)
	delete(r, leaderboard.FieldPowerScore)
	return r
}

func TestStrictRaisesOnMissingRequiredField(t *testing.T) {
	t.Parallel()

	q := &recordingQuarantine{}
	p := NewPipeline(LeaderboardSchema(), StrategyStrict, q, nil)

	_, err := p.Validate(context.Background(), missingPower(), "global")
	require.Error(t, err)
	require.True(t, errors.Is(err, ErrMissingRequiredField))
	var fe *FieldError
	require.True(t, errors.As(err, &fe))
	require.Equal(t, leaderboard.FieldPowerScore, fe.Field)
	require.Empty(t, q.entries)

	_, err = p.ValidateAll(context.Background(), []leaderboard.RawRecord{row(1, "A", 10), missingPower(), row(3, "C", 1)}, "global")
	require.Error(t, err)
}

func TestQuarantineDefaultsAndEnqueuesOnce(t *testing.T) {
	t.Parallel()

	q := &recordingQuarantine{}
	p := NewPipeline(LeaderboardSchema(), StrategyQuarantine, q, nil)

	res, err := p.Validate(context.Background(), missingPower(), "EU/EU011")
	require.NoError(t, err)
	require.True(t, res.Quarantined)
	require.Equal(t, "q-1", res.QuarantineID)
	require.Equal(t, []string{leaderboard.FieldPowerScore}, res.FailedFields)
	require.Equal(t, int64(0), res.Fields[leaderboard.FieldPowerScore])

	require.Len(t, q.entries, 1)
	require.Equal(t, quarantine.KindMissingField, q.entries[0].Kind)
	require.Equal(t, "EU/EU011", q.entries[0].ScopeID)
}

func TestRepairCoercesNumbersAndTruncates(t *testing.T) {
	t.Parallel()

	q := &recordingQuarantine{}
	p := NewPipeline(LeaderboardSchema(), StrategyRepair, q, nil)

	longName := "   Aria    of    the   " + strings.Repeat("x", 100)
	raw := row(" 7 ", longName, "1,234,567")
	raw[leaderboard.FieldClassTag] = " Sorcerer "

	res, err := p.Validate(context.Background(), raw, "global")
	require.NoError(t, err)
	require.False(t, res.Quarantined)
	require.Empty(t, res.FailedFields)
	require.ElementsMatch(t, []string{
		leaderboard.FieldRank,
		leaderboard.FieldCharacterName,
		leaderboard.FieldPowerScore,
		leaderboard.FieldClassTag,
	}, res.RepairedFields)
	require.Equal(t, int64(7), res.Fields[leaderboard.FieldRank])
	require.Equal(t, int64(1234567), res.Fields[leaderboard.FieldPowerScore])
	require.Equal(t, "sorcerer", res.Fields[leaderboard.FieldClassTag])
	require.Len(t, []rune(res.Fields[leaderboard.FieldCharacterName].(string)), MaxNameLength)
	require.Empty(t, q.entries)
}

func TestRepairFallsBackToQuarantine(t *testing.T) {
	t.Parallel()

	q := &recordingQuarantine{}
	p := NewPipeline(LeaderboardSchema(), StrategyRepair, q, nil)

	res, err := p.Validate(context.Background(), row(2, "Bo", "lots"), "global")
	require.NoError(t, err)
	require.True(t, res.Quarantined)
	require.Equal(t, int64(0), res.Fields[leaderboard.FieldPowerScore])
	require.Len(t, q.entries, 1)
	require.Equal(t, quarantine.KindValidation, q.entries[0].Kind)
}

func TestDefaultNullAndLogOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	bad := row(3, "Cy", int64(-5))

	res, err := NewPipeline(LeaderboardSchema(), StrategyDefault, nil, nil).Validate(ctx, bad, "global")
	require.NoError(t, err)
	require.Equal(t, int64(0), res.Fields[leaderboard.FieldPowerScore])
	require.False(t, res.Quarantined)

	res, err = NewPipeline(LeaderboardSchema(), StrategyNull, nil, nil).Validate(ctx, bad, "global")
	require.NoError(t, err)
	require.Nil(t, res.Fields[leaderboard.FieldPowerScore])

	logOnly := NewPipeline(LeaderboardSchema(), StrategyLogOnly, nil, nil)
	res, err = logOnly.Validate(ctx, bad, "global")
	require.NoError(t, err)
	require.Equal(t, int64(-5), res.Fields[leaderboard.FieldPowerScore])
	require.Equal(t, []string{leaderboard.FieldPowerScore}, res.FailedFields)

	col, err := logOnly.ValidateAll(ctx, []leaderboard.RawRecord{row(1, "A", 1), missingPower(), bad}, "global")
	require.NoError(t, err)
	require.Len(t, col.Results, 2)
	require.Equal(t, 2, col.Failed)
	require.Equal(t, 1, col.Dropped)
}

func TestOptionalFieldsReceiveDefaults(t *testing.T) {
	t.Parallel()

	raw := leaderboard.RawRecord{
		leaderboard.FieldRank:          1,
		leaderboard.FieldCharacterName: "Dee",
		leaderboard.FieldPowerScore:    100,
	}
	res, err := NewPipeline(LeaderboardSchema(), StrategyStrict, nil, nil).Validate(context.Background(), raw, "global")
	require.NoError(t, err)
	require.Equal(t, "", res.Fields[leaderboard.FieldClanName])
	require.Equal(t, "unknown", res.Fields[leaderboard.FieldClassTag])

	rec, err := RecordFromFields(res.Fields, "global", time.Unix(0, 0))
	require.NoError(t, err)
	require.Equal(t, leaderboard.ClassUnknown, rec.ClassTag)
	require.Equal(t, 1, rec.Rank)
	require.EqualValues(t, 100, rec.PowerScore)
}

func TestJSONValidatorRepair(t *testing.T) {
	t.Parallel()

	schema, err := NewSchema(Rule{Field: "extra", Kind: KindJSON, Required: true})
	require.NoError(t, err)
	p := NewPipeline(schema, StrategyRepair, &recordingQuarantine{}, nil)

	res, err := p.Validate(context.Background(), leaderboard.RawRecord{"extra": "{'tier': 'gold', 'wins': [1, 2,],}"}, "global")
	require.NoError(t, err)
	require.Equal(t, map[string]any{"tier": "gold", "wins": []any{1.0, 2.0}}, res.Fields["extra"])
}

func TestDomainRule(t *testing.T) {
	t.Parallel()

	schema, err := NewSchema(Rule{
		Field: "server",
		Kind:  KindDomain,
		Check: func(v any) error {
			if s, _ := v.(string); len(s) != 5 {
				return errors.New("server ids are five characters")
			}
			return nil
		},
	})
	require.NoError(t, err)

	_, err = NewPipeline(schema, StrategyStrict, nil, nil).Validate(context.Background(), leaderboard.RawRecord{"server": "EU1"}, "global")
	require.True(t, errors.Is(err, ErrValidation))
}

func TestNewSchemaRejectsBadRules(t *testing.T) {
	t.Parallel()

	_, err := NewSchema(
		Rule{Field: "a", Kind: KindEnum},
		Rule{Field: "b", Kind: KindDomain},
		Rule{Field: "c", Kind: "mystery"},
		Rule{Field: "d", Kind: KindInteger, Constraints: Constraints{Min: Int64(5), Max: Int64(1)}},
		Rule{Field: "d", Kind: KindString},
	)
	require.Error(t, err)
	require.Contains(t, err.Error(), `field "a"`)
	require.Contains(t, err.Error(), `duplicate rule for field "d"`)
}

func TestCheckConsistency(t *testing.T) {
	t.Parallel()

	kept, rejected := CheckConsistency([]leaderboard.Record{
		{Rank: 1, CharacterName: "a"},
		{Rank: 2, CharacterName: "b"},
		{Rank: 2, CharacterName: "dup"},
		{Rank: 0, CharacterName: "zero"},
		{Rank: 5, CharacterName: "e"},
	})
	require.Len(t, kept, 3)
	require.Len(t, rejected, 2)
	for _, err := range rejected {
		require.True(t, errors.Is(err, ErrDataInconsistency))
		require.Equal(t, quarantine.KindInconsistency, QuarantineKind(err))
	}
}

func TestParseStrategy(t *testing.T) {
	t.Parallel()

	s, err := ParseStrategy(" Repair ")
	require.NoError(t, err)
	require.Equal(t, StrategyRepair, s)
	s, err = ParseStrategy("log_only")
	require.NoError(t, err)
	require.Equal(t, StrategyLogOnly, s)
	_, err = ParseStrategy("yolo")
	require.Error(t, err)
}

func TestCoerceInteger(t *testing.T) {
	t.Parallel()

	cases := map[string]int64{
		"1,234":     1234,
		" 42 ":      42,
		"1234.0":    1234,
		"9_000":     9000,
		"1 000 000": 1000000,
	}
	for in, want := range cases {
		got, ok := coerceInteger(in)
		require.True(t, ok, in)
		require.Equal(t, want, got, in)
	}
	_, ok := coerceInteger("abc")
	require.False(t, ok)
}

func TestCheckRecordRejectsBrokenInvariants(t *testing.T) {
	t.Parallel()

	require.NoError(t, CheckRecord(leaderboard.Record{Rank: 1, CharacterName: "Arin"}))

	err := CheckRecord(leaderboard.Record{Rank: 2})
	require.ErrorIs(t, err, ErrMissingRequiredField)
	require.Equal(t, quarantine.KindMissingField, QuarantineKind(err))

	err = CheckRecord(leaderboard.Record{CharacterName: "Bryn"})
	require.ErrorIs(t, err, ErrValidation)
}
