// Package sha256 computes snapshot content digests.
package sha256

import (
	"crypto/sha256"
	"encoding/hex"
)

// Hasher implements leaderboard.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash returns the hex digest of data. Empty input hashes to the empty string so
// snapshots without content carry no digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	if len(data) == 0 {
		return "", nil
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
