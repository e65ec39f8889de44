package leaderboard

import (
	"fmt"
	"strings"
)

// GlobalScopeID identifies the global leaderboard.
const GlobalScopeID = "global"

// MainStorageKey is the persistence key of the global snapshot.
const MainStorageKey = "main_rankings"

// Scope is a crawl target: the global leaderboard (zero value) or one region/server pair.
type Scope struct {
	Region string `json:"region,omitempty" mapstructure:"region"`
	Server string `json:"server,omitempty" mapstructure:"server"`
}

// Global returns the global scope.
func Global() Scope {
	return Scope{}
}

// IsGlobal reports whether the scope targets the global leaderboard.
func (s Scope) IsGlobal() bool {
	return s.Region == "" && s.Server == ""
}

// ID returns "global" or "<region>/<server>".
func (s Scope) ID() string {
	if s.IsGlobal() {
		return GlobalScopeID
	}
	return s.Region + "/" + s.Server
}

// StorageKey returns the key under which the scope's snapshot is persisted.
func (s Scope) StorageKey() string {
	if s.IsGlobal() {
		return MainStorageKey
	}
	return fmt.Sprintf("server_%s_%s", s.Region, s.Server)
}

func (s Scope) String() string {
	return s.ID()
}

// ParseScope parses "global", "" or "<region>/<server>".
func ParseScope(raw string) (Scope, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" || strings.EqualFold(raw, GlobalScopeID) {
		return Global(), nil
	}
	region, server, ok := strings.Cut(raw, "/")
	if !ok || strings.TrimSpace(region) == "" || strings.TrimSpace(server) == "" {
		return Scope{}, fmt.Errorf("invalid scope %q: want <region>/<server>", raw)
	}
	return NewScope(region, server), nil
}

// NewScope normalizes a region/server pair.
func NewScope(region, server string) Scope {
	return Scope{
		Region: strings.ToUpper(strings.TrimSpace(region)),
		Server: strings.ToUpper(strings.TrimSpace(server)),
	}
}
