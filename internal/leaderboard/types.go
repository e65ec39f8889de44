package leaderboard

import (
	"fmt"
	"strings"
	"time"
)

// ClassTag is the closed set of character classes shown on the leaderboard.
type ClassTag string

// Known class tags. ClassUnknown is the sentinel for anything unrecognized.
const (
	ClassUnknown   ClassTag = "unknown"
	ClassWarrior   ClassTag = "warrior"
	ClassSorcerer  ClassTag = "sorcerer"
	ClassTaoist    ClassTag = "taoist"
	ClassArbalist  ClassTag = "arbalist"
	ClassLancer    ClassTag = "lancer"
	ClassDarkist   ClassTag = "darkist"
	ClassBerserker ClassTag = "berserker"
)

var knownClasses = []ClassTag{
	ClassWarrior,
	ClassSorcerer,
	ClassTaoist,
	ClassArbalist,
	ClassLancer,
	ClassDarkist,
	ClassBerserker,
}

// ClassTags returns every known class tag, excluding the unknown sentinel.
func ClassTags() []ClassTag {
	return append([]ClassTag(nil), knownClasses...)
}

// ClassTagNames returns the allowed class names including the sentinel.
func ClassTagNames() []string {
	names := make([]string, 0, len(knownClasses)+1)
	for _, c := range knownClasses {
		names = append(names, string(c))
	}
	return append(names, string(ClassUnknown))
}

// ParseClassTag maps free text to a ClassTag, falling back to ClassUnknown.
func ParseClassTag(raw string) ClassTag {
	needle := ClassTag(strings.ToLower(strings.TrimSpace(raw)))
	for _, c := range knownClasses {
		if c == needle {
			return c
		}
	}
	return ClassUnknown
}

// Record is one leaderboard entry. Records are values and never patched in place.
type Record struct {
	Rank          int       `json:"rank"`
	CharacterName string    `json:"character_name"`
	ClanName      string    `json:"clan_name"`
	ClassTag      ClassTag  `json:"class_tag"`
	PowerScore    int64     `json:"power_score"`
	ScopeID       string    `json:"scope_id"`
	CapturedAt    time.Time `json:"captured_at"`
	// Quarantined marks a record admitted with defaults after failing validation.
	Quarantined  bool     `json:"quarantined,omitempty"`
	FailedFields []string `json:"failed_fields,omitempty"`
}

// WithScope returns a copy of the record stamped with scope metadata.
func (r Record) WithScope(scope Scope, capturedAt time.Time) Record {
	r.ScopeID = scope.ID()
	r.CapturedAt = capturedAt
	return r
}

// RawRecord is the untyped field bag a PageModel extracts from rendered content.
type RawRecord map[string]any

// Record field names used by RawRecord and the validation schema.
const (
	FieldRank          = "rank"
	FieldCharacterName = "character_name"
	FieldClanName      = "clan_name"
	FieldClassTag      = "class_tag"
	FieldPowerScore    = "power_score"
)

// Snapshot is the full ordered record set of one scope as of one crawl cycle.
type Snapshot struct {
	Scope       Scope     `json:"scope"`
	Records     []Record  `json:"records"`
	CapturedAt  time.Time `json:"captured_at"`
	PageCount   int       `json:"page_count"`
	Partial     bool      `json:"partial"`
	ContentHash string    `json:"content_hash,omitempty"`
}

// Len returns the number of records.
func (s Snapshot) Len() int {
	return len(s.Records)
}

// CheckOrder verifies ranks are strictly increasing by position.
func (s Snapshot) CheckOrder() error {
	for i := 1; i < len(s.Records); i++ {
		if s.Records[i].Rank <= s.Records[i-1].Rank {
			return fmt.Errorf(
				"rank order violated at position %d: %d after %d",
				i, s.Records[i].Rank, s.Records[i-1].Rank,
			)
		}
	}
	return nil
}

// Stamped returns a copy whose records carry the snapshot's scope and capture time.
func (s Snapshot) Stamped() Snapshot {
	records := make([]Record, len(s.Records))
	for i, r := range s.Records {
		records[i] = r.WithScope(s.Scope, s.CapturedAt)
	}
	s.Records = records
	return s
}

// QueryResult is a derived view computed from a snapshot.
type QueryResult struct {
	Scope      Scope     `json:"scope"`
	Records    []Record  `json:"records"`
	Total      int       `json:"total"`
	ComputedAt time.Time `json:"computed_at"`
	CapturedAt time.Time `json:"captured_at"`
}
