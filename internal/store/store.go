// Package store defines the key-addressed fast storage shared by the quorum
// coordinator, progression state, segment cache, and reporter profiles.
// Shared mutable state is only reached through this interface so components
// can be handed an in-memory store in tests.
package store

import (
	"context"
	"time"
)

// NoExpiration marks entries that should never expire (reporter counters).
const NoExpiration time.Duration = -1

// Member is one entry of a time-ordered set: a reporter id scored by the
// epoch-millisecond timestamp of their report.
type Member struct {
	ID    string
	Score int64
}

// Store is the fast-storage contract. Implementations must execute WindowAdd
// as one atomic unit per key with respect to concurrent callers; the quorum
// count is wrong otherwise. Cross-key operations need no ordering.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error

	// SetNX stores value at key only if the key is absent, atomically, and
	// reports whether this call won. Confirmation relies on it: of all the
	// reports racing past the threshold, exactly one may set the flag.
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)

	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)

	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HSet(ctx context.Context, key string, fields map[string]string, ttl time.Duration) error
	HIncrBy(ctx context.Context, key, field string, delta int64) (int64, error)

	// WindowAdd inserts member into the time-ordered set at key (replacing any
	// previous score for the same member id), evicts entries with score below
	// cutoff, refreshes the set's ttl, and returns the resulting distinct
	// member count. The whole sequence is atomic per key.
	WindowAdd(ctx context.Context, key string, member Member, cutoff int64, ttl time.Duration) (int, error)

	// WindowMembers returns the set's members ordered by ascending score.
	WindowMembers(ctx context.Context, key string) ([]Member, error)
}
