// Package quarantine holds records that failed validation or commit until they are
// reprocessed or pruned.
package quarantine

import (
	"context"
	"encoding/json"
	"time"
)

// Kind classifies why a record was quarantined.
type Kind string

// Quarantine kinds.
const (
	KindValidation    Kind = "validation"
	KindMissingField  Kind = "missing_field"
	KindInconsistency Kind = "inconsistency"
	KindCrawl         Kind = "crawl"
	KindPersistence   Kind = "persistence"
	KindUnknown       Kind = "unknown"
)

// Action is the next step planned for a quarantined record.
type Action string

// Quarantine actions.
const (
	ActionDiscard    Action = "discard"
	ActionQuarantine Action = "quarantine"
	ActionRetryLater Action = "retry_later"
	ActionAutoFix    Action = "auto_fix"
)

// ParseAction validates a textual action.
func ParseAction(raw string) (Action, bool) {
	switch a := Action(raw); a {
	case ActionDiscard, ActionQuarantine, ActionRetryLater, ActionAutoFix:
		return a, true
	default:
		return "", false
	}
}

// ErrorRecord is one quarantined item.
type ErrorRecord struct {
	ID            string          `json:"id"`
	Kind          Kind            `json:"kind"`
	ScopeID       string          `json:"scope_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	Reason        string          `json:"reason,omitempty"`
	FailedFields  []string        `json:"failed_fields,omitempty"`
	Action        Action          `json:"action"`
	Attempts      int             `json:"attempts"`
	LastError     string          `json:"last_error,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	LastUpdatedAt time.Time       `json:"last_updated_at"`
}

// Filter narrows a List call. Zero values match everything.
type Filter struct {
	Action Action
	Kind   Kind
	Limit  int
}

// Store persists ErrorRecords. List returns records oldest first.
type Store interface {
	Insert(ctx context.Context, rec ErrorRecord) error
	Update(ctx context.Context, rec ErrorRecord) error
	Delete(ctx context.Context, id string) error
	List(ctx context.Context, filter Filter) ([]ErrorRecord, error)
	Count(ctx context.Context) (int, error)
	DeleteOldest(ctx context.Context, n int) (int, error)
}
